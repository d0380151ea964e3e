package storage

import "errors"

// NoOpDB stands in for a database when the journal is turned off. Writes
// fail so that callers never assume something was stored, and reads find
// nothing. Database-wide operations always succeed since there's nothing to
// close or clean up.
type NoOpDB struct{}

// Put always returns an error so callers don't assume a new key has been
// written.
func (n *NoOpDB) Put(KVEntry) error {
	return errors.New("unable to write to the no-op database")
}

func (n *NoOpDB) Read(key []byte) (KVEntry, error) {
	return KVEntry{}, ErrNotFound
}

func (n *NoOpDB) List(prefix []byte) ([]KVEntry, error) {
	return nil, nil
}

func (n *NoOpDB) Cleanup() error {
	return nil
}

func (n *NoOpDB) Close() error {
	return nil
}
