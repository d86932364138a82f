package blobsink

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
)

func letter(projection, eventID string) eventsourcing.DeadLetter {
	return eventsourcing.DeadLetter{
		Projection: projection,
		Event: &eventsourcing.Event{
			ID:            eventID,
			AggregateID:   "acct-1",
			AggregateType: "Account",
			EventType:     "Deposited",
			Version:       2,
			Data:          []byte(`{"amount":"10"}`),
		},
		Error:    "boom",
		Attempts: 5,
		FailedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestSink_SendListDelete(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	sink := New(bucket, "deadletters")
	require.NoError(t, sink.Send(ctx, letter("account_view", "evt-1")))
	require.NoError(t, sink.Send(ctx, letter("account_view", "evt-2")))
	require.NoError(t, sink.Send(ctx, letter("statements", "evt-3")))

	letters, err := sink.List(ctx, "account_view")
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, "evt-1", letters[0].Event.ID)
	assert.Equal(t, "evt-2", letters[1].Event.ID)
	assert.Equal(t, 5, letters[0].Attempts)
	assert.NotEmpty(t, letters[0].ID)

	all, err := sink.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, sink.Delete(ctx, "account_view", letters[0].ID))
	letters, err = sink.List(ctx, "account_view")
	require.NoError(t, err)
	assert.Len(t, letters, 1)

	err = sink.Delete(ctx, "account_view", "missing")
	assert.True(t, errors.Is(err, eventsourcing.ErrNotFound))
}

func TestSink_OpenFileBucket(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	u := url.URL{Scheme: "file", Path: filepath.ToSlash(dir)}
	sink, err := Open(ctx, u.String(), "dl")
	require.NoError(t, err)

	require.NoError(t, sink.Send(ctx, letter("account_view", "evt-1")))
	require.NoError(t, sink.Close())

	reopened, err := Open(ctx, u.String(), "dl")
	require.NoError(t, err)
	defer reopened.Close()

	letters, err := reopened.List(ctx, "account_view")
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "boom", letters[0].Error)
}
