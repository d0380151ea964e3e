package storage

import (
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/rs/zerolog/log"
)

// BadgerDB implements KeyValue and represents the application's connection
// to BadgerDB.
type BadgerDB struct {
	connection *badger.DB
	keyTTL     time.Duration // TTL for each key in the db
}

// NewBadgerDB opens the BadgerDB embedded database. It's up to the caller to
// close the database with Close().
func NewBadgerDB(conf *KVConfig) (*BadgerDB, error) {
	// See: https://dgraph.io/docs/badger/get-started/#opening-a-database
	opts := badger.DefaultOptions(conf.StorageDirPath).WithLogger(badgerLogger{})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("can't open the db connection: %v", err)
	}

	ttl := conf.KeyTTLDuration
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	return &BadgerDB{
		connection: db,
		keyTTL:     ttl,
	}, nil
}

// Put upserts an entry
func (db *BadgerDB) Put(entry KVEntry) error {
	err := db.connection.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(entry.Key, entry.Value).WithTTL(db.keyTTL)
		if err := txn.SetEntry(e); err != nil {
			return fmt.Errorf("could not set the KV pair: %v", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("transaction failed: %v", err)
	}
	return nil
}

// Read returns an entry by key.
func (db *BadgerDB) Read(key []byte) (KVEntry, error) {
	var val []byte
	// See: https://dgraph.io/docs/badger/get-started/#read-only-transactions
	err := db.connection.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("can't retrieve a value for the key provided: %v", err)
		}

		// Values are copied because item.Value() is undefined behavior
		// outside a transaction.
		val, err = item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("can't copy the value from the database: %v", err)
		}
		return nil
	})
	if err != nil {
		return KVEntry{}, err
	}
	return KVEntry{
		Key:   key,
		Value: val,
	}, nil
}

// List returns the entries with keys starting with prefix.
func (db *BadgerDB) List(prefix []byte) ([]KVEntry, error) {
	var entries []KVEntry
	err := db.connection.View(func(txn *badger.Txn) error {
		// See: https://dgraph.io/docs/badger/get-started/#prefix-scans
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("can't copy the value of %q: %v", item.Key(), err)
			}
			entries = append(entries, KVEntry{
				Key:   item.KeyCopy(nil),
				Value: val,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Cleanup performs BadgerDB's garbage collection routine with the
// recommended discardRatio.
//
// See: https://pkg.go.dev/github.com/dgraph-io/badger/v3#DB.RunValueLogGC
//
// This is the only time expired records are actually removed.
func (db *BadgerDB) Cleanup() error {
	var discardRatio float64 = .5
	err := db.connection.RunValueLogGC(discardRatio)
	// Nothing to rewrite isn't a failure.
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Close tears down the database connection. You should defer this.
func (db *BadgerDB) Close() error {
	if err := db.connection.Close(); err != nil {
		return fmt.Errorf("could not close the database: %v", err)
	}
	return nil
}

// badgerLogger sends Badger's own logging through zerolog. Badger is chatty
// at info level, so that's demoted to debug.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...interface{}) {
	log.Error().Str("component", "badger").Msgf(f, v...)
}

func (badgerLogger) Warningf(f string, v ...interface{}) {
	log.Warn().Str("component", "badger").Msgf(f, v...)
}

func (badgerLogger) Infof(f string, v ...interface{}) {
	log.Debug().Str("component", "badger").Msgf(f, v...)
}

func (badgerLogger) Debugf(f string, v ...interface{}) {
	log.Trace().Str("component", "badger").Msgf(f, v...)
}
