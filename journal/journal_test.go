package journal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptgott/relaymail/delivery"
	"github.com/ptgott/relaymail/storage"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(&storage.KVConfig{
		StorageDirPath: t.TempDir(),
		KeyTTLDuration: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func result(id string, started time.Time, outcome delivery.Outcome) delivery.Result {
	return delivery.Result{
		MessageID: id,
		Subject:   "hello",
		Outcome:   outcome,
		State:     delivery.StateSucceeded,
		Started:   started,
		Finished:  started.Add(time.Second),
		Recipients: []delivery.RecipientStatus{
			{Address: "alice@example.com", Delivered: outcome == delivery.Succeeded},
		},
	}
}

func TestRecordAndGet(t *testing.T) {
	j := openTestJournal(t)
	now := time.Now()

	failed := result("<1@example.com>", now, delivery.Failed)
	failed.State = delivery.StateFailed
	failed.ErrorText = "permanent transport failure: 550 no such user"
	require.NoError(t, j.Record(context.Background(), failed))

	got, err := j.Get("<1@example.com>")
	require.NoError(t, err)
	assert.Equal(t, delivery.Failed, got.Outcome)
	assert.Equal(t, []string(nil), got.Delivered())
	require.Error(t, got.Err)
	assert.Equal(t, failed.ErrorText, got.Err.Error())
	assert.True(t, got.Started.Equal(now))

	_, err = j.Get("<missing@example.com>")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRecordSameMessageTwice(t *testing.T) {
	j := openTestJournal(t)
	now := time.Now()

	require.NoError(t, j.Record(context.Background(), result("<1@example.com>", now, delivery.Failed)))
	require.NoError(t, j.Record(context.Background(), result("<1@example.com>", now.Add(time.Minute), delivery.Succeeded)))

	got, err := j.Get("<1@example.com>")
	require.NoError(t, err)
	assert.Equal(t, delivery.Succeeded, got.Outcome)

	all, err := j.List(0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestListNewestFirst(t *testing.T) {
	j := openTestJournal(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"<b@x>", "<a@x>", "<c@x>"} {
		r := result(id, base.Add(time.Duration(i)*time.Hour), delivery.Succeeded)
		require.NoError(t, j.Record(context.Background(), r))
	}

	all, err := j.List(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "<c@x>", all[0].MessageID)
	assert.Equal(t, "<a@x>", all[1].MessageID)
	assert.Equal(t, "<b@x>", all[2].MessageID)

	two, err := j.List(2)
	require.NoError(t, err)
	assert.Len(t, two, 2)
}

func TestRecordCancelledContext(t *testing.T) {
	j := openTestJournal(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, j.Record(ctx, result("<1@x>", time.Now(), delivery.Succeeded)))
}

func TestJournalOverNoOpDB(t *testing.T) {
	j := New(&storage.NoOpDB{})
	assert.Error(t, j.Record(context.Background(), result("<1@x>", time.Now(), delivery.Succeeded)))

	l, err := j.List(0)
	require.NoError(t, err)
	assert.Empty(t, l)

	_, err = j.Get("<1@x>")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, j.Close())
}

var _ delivery.Recorder = (*Journal)(nil)
