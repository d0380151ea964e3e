package crypt

import (
	"fmt"
	"strings"
)

// Policy governs what happens when a recipient's key can't be found.
type Policy int

const (
	// PolicyNone never encrypts, even if keys are available.
	PolicyNone Policy = iota
	// PolicyOpportunistic encrypts for every recipient with a key and falls
	// back for the rest. See Fallback.
	PolicyOpportunistic
	// PolicyRequired refuses to send anything unless every recipient has a
	// key.
	PolicyRequired
)

var policyNames = map[Policy]string{
	PolicyNone:          "none",
	PolicyOpportunistic: "opportunistic",
	PolicyRequired:      "required",
}

func (p Policy) String() string {
	if n, ok := policyNames[p]; ok {
		return n
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy reads a policy name. The empty string means PolicyNone.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "never":
		return PolicyNone, nil
	case "opportunistic", "if-key-found":
		return PolicyOpportunistic, nil
	case "required", "always":
		return PolicyRequired, nil
	}
	return PolicyNone, fmt.Errorf(
		"unknown encryption policy %q (expected none, opportunistic or required)", s,
	)
}

func (p *Policy) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParsePolicy(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Fallback decides what an opportunistic Encryptor does with recipients
// that have no key.
type Fallback int

const (
	// FallbackPlaintext sends them the unencrypted message.
	FallbackPlaintext Fallback = iota
	// FallbackSkip doesn't send them anything.
	FallbackSkip
)

func (f Fallback) String() string {
	if f == FallbackSkip {
		return "skip"
	}
	return "plaintext"
}

func ParseFallback(s string) (Fallback, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "plaintext":
		return FallbackPlaintext, nil
	case "skip":
		return FallbackSkip, nil
	}
	return FallbackPlaintext, fmt.Errorf("unknown fallback %q (expected plaintext or skip)", s)
}

func (f *Fallback) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseFallback(s)
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// Ambiguity decides which keys to use when several valid certificates match
// one recipient.
type Ambiguity int

const (
	// AmbiguityAll encrypts to every matching certificate, so that any of
	// the recipient's keys can decrypt the message.
	AmbiguityAll Ambiguity = iota
	// AmbiguityNewest encrypts to the most recently created certificate.
	AmbiguityNewest
	// AmbiguityReject treats the recipient as if no key had been found.
	AmbiguityReject
)

func (a Ambiguity) String() string {
	switch a {
	case AmbiguityNewest:
		return "newest"
	case AmbiguityReject:
		return "reject"
	default:
		return "all"
	}
}

func ParseAmbiguity(s string) (Ambiguity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return AmbiguityAll, nil
	case "newest":
		return AmbiguityNewest, nil
	case "reject":
		return AmbiguityReject, nil
	}
	return AmbiguityAll, fmt.Errorf("unknown ambiguity rule %q (expected all, newest or reject)", s)
}

func (a *Ambiguity) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := ParseAmbiguity(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
