package certstore

import (
	"context"
	"fmt"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// Status tags the outcome of a lookup.
type Status int

const (
	NotFound Status = iota
	Found
	// Ambiguous means more than one valid certificate matches the address.
	// What to do about that is up to the caller.
	Ambiguous
)

func (s Status) String() string {
	switch s {
	case Found:
		return "found"
	case Ambiguous:
		return "ambiguous"
	default:
		return "not-found"
	}
}

// Reasons attached to NotFound lookups.
const (
	ReasonNoCertificate = "no certificate"
	ReasonNoUsableKey   = "no usable encryption key"
)

// Key is a recipient certificate with a currently valid encryption key.
type Key struct {
	// Email is the address the certificate was matched by.
	Email       string
	Fingerprint string
	Created     time.Time
	Entity      *openpgp.Entity
}

func (k Key) String() string {
	return fmt.Sprintf("%v (%v)", k.Fingerprint, k.Email)
}

// KeyLookup is a tagged result: Key is set for Found, Candidates for
// Ambiguous, Reason for NotFound.
type KeyLookup struct {
	Status     Status
	Key        Key
	Candidates []Key
	Reason     string
}

// Keys returns every key carried by the lookup: one for Found, all the
// candidates for Ambiguous and none for NotFound.
func (l KeyLookup) Keys() []Key {
	switch l.Status {
	case Found:
		return []Key{l.Key}
	case Ambiguous:
		return append([]Key(nil), l.Candidates...)
	default:
		return nil
	}
}

func found(k Key) KeyLookup {
	return KeyLookup{Status: Found, Key: k}
}

func notFound(reason string) KeyLookup {
	return KeyLookup{Status: NotFound, Reason: reason}
}

// Resolver looks up certificates by email address. A non-nil error means the
// store itself couldn't be consulted, not that nothing matched.
// Implementations must be safe for concurrent use.
type Resolver interface {
	Resolve(ctx context.Context, email string) (KeyLookup, error)
}

// NoopResolver never finds anything. It's the resolver used when no
// certificate store is configured.
type NoopResolver struct{}

// Resolve always reports NotFound.
func (NoopResolver) Resolve(ctx context.Context, _ string) (KeyLookup, error) {
	if err := ctx.Err(); err != nil {
		return KeyLookup{}, err
	}
	return notFound(ReasonNoCertificate), nil
}
