package storage

import (
	"errors"
	"fmt"
	"time"
)

// DefaultKeyTTL is how long entries live when the configuration doesn't
// say.
const DefaultKeyTTL = 30 * 24 * time.Hour

// ErrNotFound is returned by Read for keys that don't exist, including keys
// whose TTL has run out.
var ErrNotFound = errors.New("key not found")

// KVConfig contains settings for a persistent key/value store.
type KVConfig struct {
	StorageDirPath string        `yaml:"storageDir" json:"storageDir"`
	KeyTTLDuration time.Duration `yaml:"keyTTL" json:"keyTTL"`
}

// UnmarshalYAML requires a storage directory and parses the TTL as a
// duration string, e.g., "168h".
func (kc *KVConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	v := make(map[string]string)
	if err := unmarshal(&v); err != nil {
		return errors.New("the storage config must be an object")
	}

	p, ok := v["storageDir"]
	if !ok || p == "" {
		return errors.New("the storage config must include a storageDir")
	}
	kc.StorageDirPath = p

	kc.KeyTTLDuration = DefaultKeyTTL
	if s, ok := v["keyTTL"]; ok {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("can't parse the keyTTL %q as a duration: %v", s, err)
		}
		if d <= 0 {
			return fmt.Errorf("the keyTTL must be positive, got %v", d)
		}
		kc.KeyTTLDuration = d
	}
	return nil
}

// KeyValue exposes a common interface for CRUD operations on an underlying
// storage layer. Implementations include their own connection logic and must
// be safe for concurrent use.
type KeyValue interface {
	// Put replaces the value of a key or creates it.
	Put(KVEntry) error
	// Read returns the entry for key, or ErrNotFound.
	Read(key []byte) (KVEntry, error)
	// List returns every entry whose key starts with prefix, in key order.
	List(prefix []byte) ([]KVEntry, error)
	// Cleanup performs routine deletion of old records. Entries get TTLs
	// and are removed for good here.
	Cleanup() error
	// Close drains or tears down the connection, or does something
	// analogous for an embedded database.
	Close() error
}

// KVEntry is what's written to and read from the store.
type KVEntry struct {
	Key   []byte
	Value []byte
}
