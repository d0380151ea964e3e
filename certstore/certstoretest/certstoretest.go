// Package certstoretest generates throwaway OpenPGP certificates for tests.
package certstoretest

import (
	"bytes"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

// Options tweak generated certificates.
type Options struct {
	// Created defaults to now.
	Created time.Time
	// Lifetime of the keys. Zero means they never expire.
	Lifetime time.Duration
	// Revoked adds a key revocation signature dated Created.
	Revoked bool
}

// NewEntity creates a Curve25519 certificate with a single user ID for
// email. Curve25519 keeps key generation fast enough for unit tests.
func NewEntity(t testing.TB, name, email string, opts Options) *openpgp.Entity {
	t.Helper()
	created := opts.Created
	if created.IsZero() {
		created = time.Now()
	}
	cfg := &packet.Config{
		Algorithm:       packet.PubKeyAlgoEdDSA,
		Time:            func() time.Time { return created },
		KeyLifetimeSecs: uint32(opts.Lifetime / time.Second),
	}
	e, err := openpgp.NewEntity(name, "", email, cfg)
	if err != nil {
		t.Fatalf("can't generate a certificate for %v: %v", email, err)
	}
	if opts.Revoked {
		if err := e.RevokeKey(packet.KeyRetired, "retired", cfg); err != nil {
			t.Fatalf("can't revoke the certificate for %v: %v", email, err)
		}
	}
	return e
}

// AddIdentity adds a secondary user ID for email to e. If revoked is true,
// the user ID also gets a certification revocation dated an hour ago.
func AddIdentity(t testing.TB, e *openpgp.Entity, name, email string, revoked bool) {
	t.Helper()
	at := time.Now().Add(-time.Hour)
	if e.PrimaryKey.CreationTime.After(at) {
		at = e.PrimaryKey.CreationTime
	}
	cfg := &packet.Config{
		Algorithm: packet.PubKeyAlgoEdDSA,
		Time:      func() time.Time { return at },
	}
	if err := e.AddUserId(name, "", email, cfg); err != nil {
		t.Fatalf("can't add a user ID for %v: %v", email, err)
	}
	if !revoked {
		return
	}

	id, ok := e.Identities[packet.NewUserId(name, "", email).Id]
	if !ok {
		t.Fatalf("user ID for %v is missing after adding it", email)
	}
	reason := packet.UserIDNotValid
	sig := &packet.Signature{
		Version:           e.PrimaryKey.Version,
		SigType:           packet.SigTypeCertificationRevocation,
		PubKeyAlgo:        e.PrimaryKey.PubKeyAlgo,
		Hash:              cfg.Hash(),
		CreationTime:      at,
		IssuerKeyId:       &e.PrimaryKey.KeyId,
		IssuerFingerprint: e.PrimaryKey.Fingerprint,
		RevocationReason:  &reason,
	}
	if err := sig.SignUserId(id.Name, e.PrimaryKey, e.PrivateKey, cfg); err != nil {
		t.Fatalf("can't revoke the user ID for %v: %v", email, err)
	}
	id.Revocations = append(id.Revocations, sig)
	id.Signatures = append(id.Signatures, sig)
}

// Armor exports the public parts of the given certificates as one armored
// public key block, the way `gpg --armor --export` would.
func Armor(t testing.TB, entities ...*openpgp.Entity) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, "PGP PUBLIC KEY BLOCK", nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entities {
		if err := e.Serialize(w); err != nil {
			t.Fatalf("can't serialize a certificate: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
