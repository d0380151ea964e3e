package crypt

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ptgott/relaymail/certstore"
	"github.com/ptgott/relaymail/email"
)

// Plan is what the resolver said about one recipient.
type Plan struct {
	Recipient email.Recipient
	Lookup    certstore.KeyLookup
}

// Rendering is one version of a message and the recipients it goes to.
type Rendering struct {
	// Recipients are bare addresses in message order.
	Recipients []string
	Encrypted  bool
	Data       []byte
	// Fingerprints of the keys the rendering was encrypted to.
	Fingerprints []string
}

// Warning flags a recipient whose treatment the caller should know about.
type Warning struct {
	Recipient string
	Message   string
}

func (w Warning) String() string {
	return fmt.Sprintf("%v: %v", w.Recipient, w.Message)
}

// Output is the result of applying a policy to a message. Every recipient of
// the message is in exactly one rendering or in Skipped.
type Output struct {
	Renderings []Rendering
	Warnings   []Warning
	Skipped    []string
}

// Encryptor applies a Policy to messages. The zero value sends every message
// in plaintext and never consults a resolver.
type Encryptor struct {
	// Resolver defaults to certstore.NoopResolver.
	Resolver certstore.Resolver
	// Cipher defaults to PGPCipher.
	Cipher    Cipher
	Policy    Policy
	Fallback  Fallback
	Ambiguity Ambiguity
}

// Seal resolves keys for every recipient of msg and renders it according to
// the policy.
func (e *Encryptor) Seal(ctx context.Context, msg email.Message) (Output, error) {
	plans, err := e.Plan(ctx, msg)
	if err != nil {
		return Output{}, err
	}
	return e.Apply(msg, plans)
}

// Plan looks up keys for the recipients of msg, one at a time and in order.
// Under PolicyNone it doesn't look anything up.
func (e *Encryptor) Plan(ctx context.Context, msg email.Message) ([]Plan, error) {
	to := msg.To()
	plans := make([]Plan, len(to))
	for i, r := range to {
		plans[i] = Plan{Recipient: r}
	}
	if e.policy() == PolicyNone {
		return plans, nil
	}

	res := e.resolver()
	for i := range plans {
		l, err := res.Resolve(ctx, plans[i].Recipient.Address)
		if err != nil {
			return nil, fmt.Errorf("can't look up a key for %v: %w", plans[i].Recipient.Address, err)
		}
		log.Debug().
			Str("recipient", plans[i].Recipient.Address).
			Str("status", l.Status.String()).
			Msg("resolved recipient key")
		plans[i].Lookup = l
	}
	return plans, nil
}

// Apply makes the policy decision for msg given plans, which must come from
// Plan for the same message, and renders the result. Under PolicyRequired it
// either encrypts for everyone or returns a *RequiredError naming every
// recipient without a key.
func (e *Encryptor) Apply(msg email.Message, plans []Plan) (Output, error) {
	if e.policy() == PolicyNone {
		b, err := msg.Plain()
		if err != nil {
			return Output{}, err
		}
		r := Rendering{Recipients: msg.Addresses(), Data: b}
		return Output{Renderings: []Rendering{r}}, nil
	}

	var out Output
	var keys []certstore.Key
	var keyed, unkeyed []string
	var missing *RequiredError
	for _, p := range plans {
		addr := p.Recipient.Address
		k, warn := e.choose(p.Lookup)
		if warn != "" {
			out.Warnings = append(out.Warnings, Warning{Recipient: addr, Message: warn})
		}
		if len(k) > 0 {
			keys = append(keys, k...)
			keyed = append(keyed, addr)
			continue
		}

		reason := p.Lookup.Reason
		if reason == "" {
			reason = certstore.ReasonNoCertificate
		}
		switch {
		case e.policy() == PolicyRequired:
			if missing == nil {
				missing = &RequiredError{}
			}
			missing.Recipients = append(missing.Recipients, addr)
			missing.Reasons = append(missing.Reasons, reason)
		case e.Fallback == FallbackSkip:
			out.Skipped = append(out.Skipped, addr)
			out.Warnings = append(out.Warnings, Warning{
				Recipient: addr,
				Message:   fmt.Sprintf("skipped: %v", reason),
			})
		default:
			unkeyed = append(unkeyed, addr)
			out.Warnings = append(out.Warnings, Warning{
				Recipient: addr,
				Message:   fmt.Sprintf("sending in plaintext: %v", reason),
			})
		}
	}

	if missing != nil {
		return Output{}, missing
	}
	if len(keyed) == 0 && len(unkeyed) == 0 {
		return Output{}, fmt.Errorf("%w: %v skipped", ErrNoDeliverableRecipients, len(out.Skipped))
	}

	if len(keyed) > 0 {
		r, err := e.encrypted(msg, keyed, keys)
		if err != nil {
			return Output{}, err
		}
		out.Renderings = append(out.Renderings, r)
	}
	if len(unkeyed) > 0 {
		b, err := msg.Plain()
		if err != nil {
			return Output{}, err
		}
		out.Renderings = append(out.Renderings, Rendering{Recipients: unkeyed, Data: b})
	}
	return out, nil
}

// choose picks the keys to encrypt to for one lookup. The second return
// value is a warning, if any.
func (e *Encryptor) choose(l certstore.KeyLookup) ([]certstore.Key, string) {
	switch l.Status {
	case certstore.Found:
		return []certstore.Key{l.Key}, ""
	case certstore.Ambiguous:
		n := len(l.Candidates)
		switch e.Ambiguity {
		case AmbiguityNewest:
			return l.Candidates[:1], fmt.Sprintf(
				"%v certificates match, using the newest (%v)", n, l.Candidates[0].Fingerprint,
			)
		case AmbiguityReject:
			return nil, fmt.Sprintf("%v certificates match, refusing to pick one", n)
		default:
			return l.Keys(), fmt.Sprintf("%v certificates match, encrypting to all of them", n)
		}
	default:
		return nil, ""
	}
}

func (e *Encryptor) encrypted(msg email.Message, to []string, keys []certstore.Key) (Rendering, error) {
	inner, err := msg.Entity()
	if err != nil {
		return Rendering{}, err
	}
	armored, err := e.cipher().Encrypt(inner, keys)
	if err != nil {
		return Rendering{}, fmt.Errorf("can't encrypt message %v: %v", msg.ID(), err)
	}
	b, err := msg.Encrypted(armored)
	if err != nil {
		return Rendering{}, err
	}

	fps := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k.Fingerprint]; ok {
			continue
		}
		seen[k.Fingerprint] = struct{}{}
		fps = append(fps, k.Fingerprint)
	}

	return Rendering{
		Recipients:   to,
		Encrypted:    true,
		Data:         b,
		Fingerprints: fps,
	}, nil
}

func (e *Encryptor) policy() Policy {
	if e == nil {
		return PolicyNone
	}
	return e.Policy
}

func (e *Encryptor) resolver() certstore.Resolver {
	if e.Resolver == nil {
		return certstore.NoopResolver{}
	}
	return e.Resolver
}

func (e *Encryptor) cipher() Cipher {
	if e.Cipher == nil {
		return PGPCipher{}
	}
	return e.Cipher
}
