package crypt

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"

	"github.com/ptgott/relaymail/certstore"
)

// Cipher encrypts plaintext so that any of keys can decrypt it.
// Implementations must be safe for concurrent use.
type Cipher interface {
	Encrypt(plaintext []byte, keys []certstore.Key) ([]byte, error)
}

// PGPCipher produces ASCII-armored OpenPGP messages, as expected inside a
// PGP/MIME envelope. The zero value uses the library defaults.
type PGPCipher struct {
	Config *packet.Config
}

func (c PGPCipher) Encrypt(plaintext []byte, keys []certstore.Key) ([]byte, error) {
	if len(keys) == 0 {
		return nil, errors.New("no keys to encrypt to")
	}

	to := make([]*openpgp.Entity, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if k.Entity == nil {
			return nil, fmt.Errorf("key %v has no certificate", k)
		}
		if _, ok := seen[k.Fingerprint]; ok {
			continue
		}
		seen[k.Fingerprint] = struct{}{}
		to = append(to, k.Entity)
	}

	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, "PGP MESSAGE", nil)
	if err != nil {
		return nil, err
	}
	pw, err := openpgp.Encrypt(aw, to, nil, &openpgp.FileHints{IsBinary: true}, c.Config)
	if err != nil {
		return nil, fmt.Errorf("can't start encrypting: %v", err)
	}
	if _, err := pw.Write(plaintext); err != nil {
		return nil, fmt.Errorf("can't encrypt: %v", err)
	}
	if err := pw.Close(); err != nil {
		return nil, fmt.Errorf("can't finish encrypting: %v", err)
	}
	if err := aw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
