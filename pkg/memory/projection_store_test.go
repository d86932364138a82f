package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/eventsourcing/pkg/eventsourcing"
)

func TestCheckpointStore_AdvanceCommitsWritesTogether(t *testing.T) {
	ctx := context.Background()
	checkpoints := NewCheckpointStore()
	repo := NewRepository[int]()

	cp := eventsourcing.ProjectionCheckpoint{Projection: "balances", AggregateID: "acct-1", Version: 1, EventID: "e1"}
	err := checkpoints.Advance(ctx, cp, func(txCtx context.Context) error {
		require.NoError(t, repo.Save(txCtx, "acct-1", 10))

		staged, err := repo.Get(txCtx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, 10, staged, "staged writes are visible inside the transaction")

		_, err = repo.Get(ctx, "acct-1")
		assert.ErrorIs(t, err, eventsourcing.ErrNotFound, "staged writes are invisible outside")
		return nil
	})
	require.NoError(t, err)

	balance, err := repo.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 10, balance)

	version, err := checkpoints.Load(ctx, "balances", "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestCheckpointStore_FailedApplyCommitsNothing(t *testing.T) {
	ctx := context.Background()
	checkpoints := NewCheckpointStore()
	repo := NewRepository[int]()

	cp := eventsourcing.ProjectionCheckpoint{Projection: "balances", AggregateID: "acct-1", Version: 1}
	err := checkpoints.Advance(ctx, cp, func(txCtx context.Context) error {
		require.NoError(t, repo.Save(txCtx, "acct-1", 10))
		return errors.New("boom")
	})
	require.Error(t, err)

	assert.Zero(t, repo.Len())
	version, err := checkpoints.Load(ctx, "balances", "acct-1")
	require.NoError(t, err)
	assert.Zero(t, version)
}

func TestCheckpointStore_AdvanceSkipsCoveredVersion(t *testing.T) {
	ctx := context.Background()
	checkpoints := NewCheckpointStore()
	repo := NewRepository[int]()

	advance := func(version int64, value int) {
		cp := eventsourcing.ProjectionCheckpoint{Projection: "balances", AggregateID: "acct-1", Version: version}
		require.NoError(t, checkpoints.Advance(ctx, cp, func(txCtx context.Context) error {
			return repo.Save(txCtx, "acct-1", value)
		}))
	}
	advance(2, 20)
	advance(1, 10)

	value, err := repo.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 20, value)
}

func TestCheckpointStore_Reset(t *testing.T) {
	ctx := context.Background()
	checkpoints := NewCheckpointStore()

	for _, p := range []string{"a", "b"} {
		cp := eventsourcing.ProjectionCheckpoint{Projection: p, AggregateID: "acct-1", Version: 3}
		require.NoError(t, checkpoints.Advance(ctx, cp, func(context.Context) error { return nil }))
	}
	require.NoError(t, checkpoints.Reset(ctx, "a"))

	_, ok := checkpoints.Get("a", "acct-1")
	assert.False(t, ok)
	cp, ok := checkpoints.Get("b", "acct-1")
	require.True(t, ok)
	assert.Equal(t, int64(3), cp.Version)
	assert.False(t, cp.UpdatedAt.IsZero())
}

func TestSnapshotStore_KeepsNewest(t *testing.T) {
	ctx := context.Background()
	store := NewSnapshotStore()

	_, err := store.LatestSnapshot(ctx, "acct-1")
	require.ErrorIs(t, err, eventsourcing.ErrSnapshotNotFound)

	require.NoError(t, store.SaveSnapshot(ctx, &eventsourcing.Snapshot{AggregateID: "acct-1", Version: 5, Data: []byte("5")}))
	require.NoError(t, store.SaveSnapshot(ctx, &eventsourcing.Snapshot{AggregateID: "acct-1", Version: 3, Data: []byte("3")}))

	snap, err := store.LatestSnapshot(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.Version)
}

func TestRepository_Reset(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository[string]()

	require.NoError(t, repo.Save(ctx, "k", "v"))
	require.NoError(t, repo.Save(ctx, "k", "w"))
	assert.Equal(t, 1, repo.Len())

	require.NoError(t, repo.Reset(ctx))
	_, err := repo.Get(ctx, "k")
	assert.ErrorIs(t, err, eventsourcing.ErrNotFound)
}
