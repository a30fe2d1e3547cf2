package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flockml/flock/internal/cluster"
	"github.com/flockml/flock/internal/storage"
)

func newTestIndex() (*Index, *storage.MemoryBackend) {
	store := storage.NewMemoryBackend()
	return NewIndex(store, nil), store
}

func TestRegisterCompleteLatest(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex()

	rec, err := ix.RegisterInProgress(ctx, "model-a", "w0", 1000, 2, 0, "s3://bucket/ckpt-1000")
	require.NoError(t, err)
	assert.Equal(t, cluster.CheckpointInProgress, rec.Status)
	assert.NotEmpty(t, rec.ID)

	// Not completed yet: no latest.
	_, ok := ix.Latest("model-a")
	assert.False(t, ok)

	done, err := ix.Complete(ctx, rec.ID, 650*1024*1024, "s3://bucket/ckpt-1000")
	require.NoError(t, err)
	assert.Equal(t, cluster.CheckpointCompleted, done.Status)
	assert.NotZero(t, done.CompletedAtMs)

	latest, ok := ix.Latest("model-a")
	require.True(t, ok)
	assert.Equal(t, rec.ID, latest.ID)
	assert.Equal(t, uint64(650*1024*1024), latest.SizeBytes)

	list := ix.List("model-a", 10)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].ID)
}

func TestLatestPicksGreatestStep(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex()

	for _, step := range []uint64{1000, 3000, 2000} {
		rec, err := ix.RegisterInProgress(ctx, "model-a", "w0", step, 0, 0, "/ckpts/x")
		require.NoError(t, err)
		_, err = ix.Complete(ctx, rec.ID, 1, "")
		require.NoError(t, err)
	}

	latest, ok := ix.Latest("model-a")
	require.True(t, ok)
	assert.Equal(t, uint64(3000), latest.Step, "latest is ordered by step, not arrival")

	// Namespaces are independent.
	_, ok = ix.Latest("model-b")
	assert.False(t, ok)
}

func TestDuplicateInProgressReturnsExisting(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex()

	first, err := ix.RegisterInProgress(ctx, "ns", "w0", 500, 1, 0, "/a")
	require.NoError(t, err)
	second, err := ix.RegisterInProgress(ctx, "ns", "w0", 500, 1, 0, "/a")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same (namespace, worker, step) must not fork records")

	// A different step is a different checkpoint.
	third, err := ix.RegisterInProgress(ctx, "ns", "w0", 501, 1, 0, "/a")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)

	// Once completed, the triple may be reused.
	_, err = ix.Complete(ctx, first.ID, 1, "")
	require.NoError(t, err)
	fourth, err := ix.RegisterInProgress(ctx, "ns", "w0", 500, 1, 0, "/a")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fourth.ID)
}

func TestCompleteRejectsBadTransitions(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex()

	_, err := ix.Complete(ctx, "ckpt-404", 1, "")
	assert.Equal(t, cluster.KindNotFound, cluster.KindOf(err))

	rec, err := ix.RegisterInProgress(ctx, "ns", "w0", 1, 0, 0, "/a")
	require.NoError(t, err)
	_, err = ix.Complete(ctx, rec.ID, 1, "")
	require.NoError(t, err)

	_, err = ix.Complete(ctx, rec.ID, 1, "")
	assert.Equal(t, cluster.KindInvalid, cluster.KindOf(err), "completed is terminal for complete()")
}

func TestFailIsIdempotentPerReason(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex()

	rec, err := ix.RegisterInProgress(ctx, "ns", "w0", 1, 0, 0, "/a")
	require.NoError(t, err)

	failed, err := ix.Fail(ctx, rec.ID, "disk full")
	require.NoError(t, err)
	assert.Equal(t, cluster.CheckpointFailed, failed.Status)

	// Same reason: no-op.
	again, err := ix.Fail(ctx, rec.ID, "disk full")
	require.NoError(t, err)
	assert.Equal(t, failed.ID, again.ID)

	// Different reason: rejected, Failed is terminal.
	_, err = ix.Fail(ctx, rec.ID, "other reason")
	assert.Equal(t, cluster.KindInvalid, cluster.KindOf(err))

	// Completing a failed record is rejected too.
	_, err = ix.Complete(ctx, rec.ID, 1, "")
	assert.Equal(t, cluster.KindInvalid, cluster.KindOf(err))
}

func TestRehydrate(t *testing.T) {
	ctx := context.Background()
	ix, store := newTestIndex()

	rec, err := ix.RegisterInProgress(ctx, "model-a", "w0", 1000, 0, 0, "/ckpts/1000")
	require.NoError(t, err)
	_, err = ix.Complete(ctx, rec.ID, 42, "")
	require.NoError(t, err)
	pending, err := ix.RegisterInProgress(ctx, "model-a", "w1", 2000, 0, 0, "/ckpts/2000")
	require.NoError(t, err)

	// Restart: a fresh index over the same backend.
	restored := NewIndex(store, nil)
	require.NoError(t, restored.Rehydrate(ctx))
	assert.Equal(t, 2, restored.Count())

	latest, ok := restored.Latest("model-a")
	require.True(t, ok)
	assert.Equal(t, rec.ID, latest.ID)
	assert.Equal(t, cluster.CheckpointCompleted, latest.Status)
	assert.Equal(t, uint64(42), latest.SizeBytes)

	// The in-progress dedup survives the restart.
	dup, err := restored.RegisterInProgress(ctx, "model-a", "w1", 2000, 0, 0, "/ckpts/2000")
	require.NoError(t, err)
	assert.Equal(t, pending.ID, dup.ID)

	// New ids keep ascending past the replayed maximum.
	fresh, err := restored.RegisterInProgress(ctx, "model-a", "w2", 3000, 0, 0, "/ckpts/3000")
	require.NoError(t, err)
	assert.NotEqual(t, rec.ID, fresh.ID)
	assert.NotEqual(t, pending.ID, fresh.ID)
}

func TestRehydrateSkipsCorruptRecords(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend()
	require.NoError(t, store.Put(ctx, KeyPrefix+"garbage", []byte("not json")))

	ix := NewIndex(store, nil)
	require.NoError(t, ix.Rehydrate(ctx))
	assert.Equal(t, 0, ix.Count())
}

func TestPruneKeepsLatest(t *testing.T) {
	ctx := context.Background()
	ix, store := newTestIndex()

	old, err := ix.RegisterInProgress(ctx, "ns", "w0", 100, 0, 0, "/a")
	require.NoError(t, err)
	_, err = ix.Complete(ctx, old.ID, 1, "")
	require.NoError(t, err)

	newer, err := ix.RegisterInProgress(ctx, "ns", "w0", 200, 0, 0, "/b")
	require.NoError(t, err)
	_, err = ix.Complete(ctx, newer.ID, 1, "")
	require.NoError(t, err)

	// A negative retention puts the cutoff in the future, making every
	// record "old"; only the namespace's latest survives.
	removed := ix.Prune(ctx, -time.Second)
	assert.Equal(t, 1, removed)

	latest, ok := ix.Latest("ns")
	require.True(t, ok)
	assert.Equal(t, newer.ID, latest.ID)

	// The pruned record left storage as well.
	_, err = store.Get(ctx, KeyPrefix+old.ID)
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
}

func TestListRecentFirstBounded(t *testing.T) {
	ctx := context.Background()
	ix, _ := newTestIndex()

	var ids []string
	for step := uint64(1); step <= 5; step++ {
		rec, err := ix.RegisterInProgress(ctx, "ns", "w0", step, 0, 0, "/a")
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	list := ix.List("ns", 3)
	require.Len(t, list, 3)
	assert.Equal(t, ids[4], list[0].ID)
	assert.Equal(t, ids[3], list[1].ID)
	assert.Equal(t, ids[2], list[2].ID)
}
