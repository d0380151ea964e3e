package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ptgott/relaymail/delivery"
	"github.com/ptgott/relaymail/storage"
)

const (
	resultPrefix = "result/"
	idPrefix     = "id/"
	// Sorts lexically in time order.
	keyTimeFormat = "20060102T150405.000000000Z"
)

// ErrNotFound is returned by Get for message IDs the journal doesn't have.
var ErrNotFound = errors.New("no journal entry for that message")

// Journal records delivery results. It implements delivery.Recorder.
type Journal struct {
	db storage.KeyValue
}

// New returns a Journal backed by db. The caller still owns db, but may
// close it through Close.
func New(db storage.KeyValue) *Journal {
	return &Journal{db: db}
}

// Open opens a Badger-backed journal with the given configuration.
func Open(conf *storage.KVConfig) (*Journal, error) {
	db, err := storage.NewBadgerDB(conf)
	if err != nil {
		return nil, fmt.Errorf("can't open the journal at %v: %v", conf.StorageDirPath, err)
	}
	return New(db), nil
}

// Record stores res under a key ordered by its start time and indexes it by
// message ID. Recording the same message again replaces the index entry, so
// Get returns the latest result.
func (j *Journal) Record(ctx context.Context, res delivery.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("can't encode the result for %v: %v", res.MessageID, err)
	}

	k := resultKey(res)
	if err := j.db.Put(storage.KVEntry{Key: k, Value: v}); err != nil {
		return fmt.Errorf("can't store the result for %v: %v", res.MessageID, err)
	}
	if err := j.db.Put(storage.KVEntry{
		Key:   []byte(idPrefix + res.MessageID),
		Value: k,
	}); err != nil {
		return fmt.Errorf("can't index the result for %v: %v", res.MessageID, err)
	}

	log.Debug().
		Str("messageId", res.MessageID).
		Str("outcome", string(res.Outcome)).
		Msg("recorded delivery result")
	return nil
}

// Get returns the latest result recorded for messageID.
func (j *Journal) Get(messageID string) (delivery.Result, error) {
	idx, err := j.db.Read([]byte(idPrefix + messageID))
	if errors.Is(err, storage.ErrNotFound) {
		return delivery.Result{}, ErrNotFound
	}
	if err != nil {
		return delivery.Result{}, err
	}

	e, err := j.db.Read(idx.Value)
	if errors.Is(err, storage.ErrNotFound) {
		return delivery.Result{}, ErrNotFound
	}
	if err != nil {
		return delivery.Result{}, err
	}
	return decode(e)
}

// List returns up to limit results, newest first. A limit of zero or less
// returns everything.
func (j *Journal) List(limit int) ([]delivery.Result, error) {
	entries, err := j.db.List([]byte(resultPrefix))
	if err != nil {
		return nil, fmt.Errorf("can't list journal entries: %v", err)
	}

	var results []delivery.Result
	for i := len(entries) - 1; i >= 0; i-- {
		if limit > 0 && len(results) == limit {
			break
		}
		r, err := decode(entries[i])
		if err != nil {
			// One bad entry shouldn't hide the rest.
			log.Warn().Err(err).Str("key", string(entries[i].Key)).Msg("skipping unreadable journal entry")
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

// Close runs the store's cleanup and closes it.
func (j *Journal) Close() error {
	if err := j.db.Cleanup(); err != nil {
		log.Warn().Err(err).Msg("journal cleanup failed")
	}
	return j.db.Close()
}

func resultKey(res delivery.Result) []byte {
	return []byte(resultPrefix + res.Started.UTC().Format(keyTimeFormat) + "/" + res.MessageID)
}

func decode(e storage.KVEntry) (delivery.Result, error) {
	var r delivery.Result
	if err := json.Unmarshal(e.Value, &r); err != nil {
		return delivery.Result{}, fmt.Errorf("can't decode journal entry %q: %v", e.Key, err)
	}
	if r.ErrorText != "" {
		r.Err = errors.New(r.ErrorText)
	}
	return r, nil
}
