package certstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/rs/zerolog/log"
)

var armorHeader = []byte("-----BEGIN PGP")

// Keybox is a Resolver over a set of OpenPGP certificates loaded into memory,
// e.g., the output of `gpg --armor --export alice@example.com`. Several
// exports can be concatenated into one file. A Keybox is never modified after
// it's created, so concurrent lookups are safe.
type Keybox struct {
	entities openpgp.EntityList
	// Determines which keys count as expired. Tests replace this.
	now func() time.Time
}

// LoadKeybox reads certificates from the file at path.
func LoadKeybox(path string) (*Keybox, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open keybox %q: %v", path, err)
	}
	defer f.Close()

	kb, err := ReadKeybox(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse keybox %q: %v", path, err)
	}
	log.Debug().
		Str("path", path).
		Int("certificates", kb.Len()).
		Msg("loaded keybox")
	return kb, nil
}

// ReadKeybox reads armored or binary certificates from r.
func ReadKeybox(r io.Reader) (*Keybox, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var el openpgp.EntityList
	if bytes.Contains(data, armorHeader) {
		el, err = readArmoredBlocks(data)
	} else if len(bytes.TrimSpace(data)) > 0 {
		el, err = openpgp.ReadKeyRing(bytes.NewReader(data))
	}
	if err != nil {
		return nil, err
	}

	return &Keybox{entities: el, now: time.Now}, nil
}

// readArmoredBlocks parses every armored block in data. The armor decoder
// buffers its input, so each block is handed to it separately.
func readArmoredBlocks(data []byte) (openpgp.EntityList, error) {
	var el openpgp.EntityList
	for {
		i := bytes.Index(data, armorHeader)
		if i < 0 {
			return el, nil
		}
		data = data[i:]

		end := bytes.Index(data[len(armorHeader):], armorHeader)
		block := data
		if end >= 0 {
			block = data[:len(armorHeader)+end]
		}
		data = data[len(block):]

		entities, err := openpgp.ReadArmoredKeyRing(bytes.NewReader(block))
		if err != nil {
			return nil, err
		}
		el = append(el, entities...)
	}
}

// Len returns the number of certificates in the keybox.
func (kb *Keybox) Len() int {
	return len(kb.entities)
}

// Resolve finds the certificates with a user ID matching email. Matching is
// case-insensitive. Only certificates with an encryption key that's neither
// expired nor revoked are returned; if some certificates match but none of
// them is usable, the lookup is NotFound with ReasonNoUsableKey. Ambiguous
// candidates are ordered newest first.
func (kb *Keybox) Resolve(ctx context.Context, email string) (KeyLookup, error) {
	if err := ctx.Err(); err != nil {
		return KeyLookup{}, err
	}

	want := strings.TrimSpace(email)
	if want == "" {
		return KeyLookup{}, errors.New("can't look up an empty address")
	}

	now := kb.now()
	var matched int
	seen := make(map[string]struct{})
	var usable []Key
	for _, e := range kb.entities {
		named, valid := hasEmail(e, want, now)
		if !named {
			continue
		}
		matched++

		fp := fmt.Sprintf("%X", e.PrimaryKey.Fingerprint)
		if _, ok := seen[fp]; ok {
			continue
		}
		seen[fp] = struct{}{}

		if !valid {
			log.Debug().
				Str("email", want).
				Str("fingerprint", fp).
				Msg("skipping certificate whose user ID for the address is revoked or expired")
			continue
		}
		if _, ok := e.EncryptionKey(now); !ok {
			log.Debug().
				Str("email", want).
				Str("fingerprint", fp).
				Msg("skipping certificate without a usable encryption key")
			continue
		}
		usable = append(usable, Key{
			Email:       want,
			Fingerprint: fp,
			Created:     e.PrimaryKey.CreationTime,
			Entity:      e,
		})
	}

	switch {
	case len(usable) == 1:
		return found(usable[0]), nil
	case len(usable) > 1:
		sort.SliceStable(usable, func(i, j int) bool {
			return usable[i].Created.After(usable[j].Created)
		})
		return KeyLookup{Status: Ambiguous, Candidates: usable}, nil
	case matched > 0:
		return notFound(ReasonNoUsableKey), nil
	default:
		return notFound(ReasonNoCertificate), nil
	}
}

// hasEmail reports whether any user ID of e names email, and whether at
// least one of those user IDs is still valid at now. EncryptionKey only
// looks at the primary user ID, so revocations of the others are checked
// here.
func hasEmail(e *openpgp.Entity, email string, now time.Time) (named, valid bool) {
	for _, id := range e.Identities {
		if id.UserId == nil || !strings.EqualFold(id.UserId.Email, email) {
			continue
		}
		named = true
		if id.SelfSignature == nil || id.SelfSignature.SigExpired(now) || id.Revoked(now) {
			continue
		}
		valid = true
	}
	return named, valid
}
