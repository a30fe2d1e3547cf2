package coordinator

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flockml/flock/internal/cluster"
	"github.com/flockml/flock/internal/config"
	"github.com/flockml/flock/internal/storage"
)

type testCoordinator struct {
	srv    *Server
	rpc    *httptest.Server
	client *cluster.Client
	store  *storage.MemoryBackend
}

func newTestCoordinator(t *testing.T, mutate func(*config.Config)) *testCoordinator {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	store := storage.NewMemoryBackend()
	srv := NewServer(cfg, store, nil)
	rpc := httptest.NewServer(srv.RPCHandler())
	t.Cleanup(func() {
		rpc.Close()
		srv.Shutdown()
	})
	return &testCoordinator{
		srv:    srv,
		rpc:    rpc,
		client: cluster.NewClient(rpc.URL),
		store:  store,
	}
}

func (tc *testCoordinator) registerWorkers(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := tc.client.Register(context.Background(), registerReq(id))
		require.NoError(t, err)
	}
}

func TestRegisterWorkerRPC(t *testing.T) {
	tc := newTestCoordinator(t, nil)
	ctx := context.Background()

	resp, err := tc.client.Register(ctx, registerReq("w0"))
	require.NoError(t, err)
	assert.Equal(t, "w0", resp.AssignedID)
	assert.Equal(t, uint64(1), resp.RingEpoch, "registration publishes a new ring")
	assert.Equal(t, int64(1000), resp.HeartbeatIntervalMs)

	// Duplicate registration conflicts.
	_, err = tc.client.Register(ctx, registerReq("w0"))
	assert.Equal(t, cluster.KindAlreadyRegistered, cluster.KindOf(err))

	// Each registration advances the topology epoch.
	resp, err = tc.client.Register(ctx, registerReq("w1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), resp.RingEpoch)
}

func TestRegisterValidationRPC(t *testing.T) {
	tc := newTestCoordinator(t, nil)
	ctx := context.Background()

	bad := registerReq("w0")
	bad.WorkerID = "not valid!"
	_, err := tc.client.Register(ctx, bad)
	assert.Equal(t, cluster.KindInvalid, cluster.KindOf(err))

	bad = registerReq("w0")
	bad.Port = 0
	_, err = tc.client.Register(ctx, bad)
	assert.Equal(t, cluster.KindInvalid, cluster.KindOf(err))

	bad = registerReq("w0")
	bad.Host = ""
	_, err = tc.client.Register(ctx, bad)
	assert.Equal(t, cluster.KindInvalid, cluster.KindOf(err))
}

func TestHeartbeatRPC(t *testing.T) {
	tc := newTestCoordinator(t, nil)
	ctx := context.Background()
	tc.registerWorkers(t, "w0")

	resp, err := tc.client.Heartbeat(ctx, cluster.HeartbeatRequest{WorkerID: "w0", Step: 10, Epoch: 1})
	require.NoError(t, err)
	assert.True(t, resp.Acknowledged)
	assert.InDelta(t, cluster.NowMs(), resp.ServerTimeMs, 5000)

	_, err = tc.client.Heartbeat(ctx, cluster.HeartbeatRequest{WorkerID: "ghost"})
	assert.Equal(t, cluster.KindUnknownWorker, cluster.KindOf(err))
}

func TestBalancedAssignmentScenario(t *testing.T) {
	tc := newTestCoordinator(t, nil)
	ctx := context.Background()
	workers := []string{"w0", "w1", "w2", "w3"}
	tc.registerWorkers(t, workers...)

	ds, err := tc.client.RegisterDataset(ctx, cluster.RegisterDatasetRequest{
		DatasetID:    "d1",
		Path:         "/data/d1",
		Format:       "tfrecord",
		TotalSamples: 40000,
		ShardSize:    10000,
		Shuffle:      false,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), ds.ShardCount)

	// Every worker's assignment is disjoint and the union covers all
	// shards exactly once.
	owned := make(map[uint64]string)
	for _, w := range workers {
		resp, err := tc.client.ShardAssignment(ctx, cluster.ShardRequest{
			DatasetID: "d1", WorkerID: w, Epoch: 0,
		})
		require.NoError(t, err)
		require.Len(t, resp.FilePaths, len(resp.ShardIndexes))
		for i, shard := range resp.ShardIndexes {
			prev, dup := owned[shard]
			require.False(t, dup, "shard %d assigned to both %s and %s", shard, prev, w)
			owned[shard] = w
			assert.Equal(t, "/data/d1/shard_"+itoa(shard)+".tfrecord", resp.FilePaths[i])
		}
	}
	assert.Len(t, owned, 4, "all four shards assigned")

	// shuffle=false pins the permutation: epoch 7 equals epoch 0.
	for _, w := range workers {
		e0, err := tc.client.ShardAssignment(ctx, cluster.ShardRequest{DatasetID: "d1", WorkerID: w, Epoch: 0})
		require.NoError(t, err)
		e7, err := tc.client.ShardAssignment(ctx, cluster.ShardRequest{DatasetID: "d1", WorkerID: w, Epoch: 7})
		require.NoError(t, err)
		assert.Equal(t, e0.ShardIndexes, e7.ShardIndexes)
	}
}

func TestStableOnRehashScenario(t *testing.T) {
	tc := newTestCoordinator(t, nil)
	ctx := context.Background()
	workers := []string{"w0", "w1", "w2", "w3"}
	tc.registerWorkers(t, workers...)

	_, err := tc.client.RegisterDataset(ctx, cluster.RegisterDatasetRequest{
		DatasetID: "d1", Path: "/data/d1", Format: "tfrecord",
		TotalSamples: 40000, ShardSize: 10000,
	})
	require.NoError(t, err)

	before := make(map[uint64]string)
	for _, w := range workers {
		resp, err := tc.client.ShardAssignment(ctx, cluster.ShardRequest{DatasetID: "d1", WorkerID: w})
		require.NoError(t, err)
		for _, shard := range resp.ShardIndexes {
			before[shard] = w
		}
	}

	tc.registerWorkers(t, "w4")

	after := make(map[uint64]string)
	for _, w := range append(workers, "w4") {
		resp, err := tc.client.ShardAssignment(ctx, cluster.ShardRequest{DatasetID: "d1", WorkerID: w})
		require.NoError(t, err)
		for _, shard := range resp.ShardIndexes {
			_, dup := after[shard]
			require.False(t, dup)
			after[shard] = w
		}
	}

	assert.Len(t, after, 4, "still a partition of the shard set")
	for shard, owner := range after {
		if owner != "w4" {
			assert.Equal(t, before[shard], owner,
				"shard %d moved between surviving workers", shard)
		}
	}
}

func TestShardErrorsRPC(t *testing.T) {
	tc := newTestCoordinator(t, nil)
	ctx := context.Background()

	_, err := tc.client.ShardAssignment(ctx, cluster.ShardRequest{DatasetID: "none", WorkerID: "w0"})
	assert.Equal(t, cluster.KindUnknownDataset, cluster.KindOf(err))

	tc.registerWorkers(t, "w0")
	_, err = tc.client.RegisterDataset(ctx, cluster.RegisterDatasetRequest{
		DatasetID: "d1", Path: "/data/d1", Format: "bin", TotalSamples: 10, ShardSize: 5,
	})
	require.NoError(t, err)

	_, err = tc.client.ShardAssignment(ctx, cluster.ShardRequest{DatasetID: "d1", WorkerID: "ghost"})
	assert.Equal(t, cluster.KindUnknownWorker, cluster.KindOf(err))

	// Deregister the only worker: the ring is empty.
	require.NoError(t, tc.client.Deregister(ctx, "w0"))
	tc.registerWorkers(t, "w1")
	require.NoError(t, tc.client.Deregister(ctx, "w1"))

	_, err = tc.client.ShardAssignment(ctx, cluster.ShardRequest{DatasetID: "d1", WorkerID: "w1"})
	assert.Equal(t, cluster.KindUnknownWorker, cluster.KindOf(err),
		"a deregistered worker is unknown before the ring is even consulted")
}

func TestDatasetDuplicateRPC(t *testing.T) {
	tc := newTestCoordinator(t, nil)
	ctx := context.Background()

	req := cluster.RegisterDatasetRequest{
		DatasetID: "d1", Path: "/data/d1", Format: "tfrecord",
		TotalSamples: 100, ShardSize: 10,
	}
	_, err := tc.client.RegisterDataset(ctx, req)
	require.NoError(t, err)
	_, err = tc.client.RegisterDataset(ctx, req)
	assert.Equal(t, cluster.KindAlreadyRegistered, cluster.KindOf(err))
}

func TestBarrierReleaseScenario(t *testing.T) {
	tc := newTestCoordinator(t, nil)
	ctx := context.Background()
	tc.registerWorkers(t, "w0", "w1", "w2")

	// Non-blocking arrivals observe the gathering counts.
	r1, err := tc.client.WaitBarrier(ctx, cluster.BarrierRequest{
		Name: "epoch_0", WorkerID: "w0", RequiredTotal: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, cluster.BarrierWaiting, r1.State)
	assert.Equal(t, uint64(0), r1.Generation)
	assert.Equal(t, 1, r1.Arrived)
	assert.Equal(t, 3, r1.Required)

	// A blocking arrival rides the long poll; the final arrival releases
	// everyone.
	var wg sync.WaitGroup
	var waiterResp cluster.BarrierResponse
	var waiterErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		waiterResp, waiterErr = tc.client.WaitBarrier(ctx, cluster.BarrierRequest{
			Name: "epoch_0", WorkerID: "w1", RequiredTotal: 3, Wait: true,
		})
	}()
	time.Sleep(50 * time.Millisecond) // let the waiter suspend

	releaser, err := tc.client.WaitBarrier(ctx, cluster.BarrierRequest{
		Name: "epoch_0", WorkerID: "w2", RequiredTotal: 3, Wait: true,
	})
	require.NoError(t, err)
	wg.Wait()
	require.NoError(t, waiterErr)

	for _, resp := range []cluster.BarrierResponse{waiterResp, releaser} {
		assert.Equal(t, cluster.BarrierReleased, resp.State)
		assert.Equal(t, uint64(0), resp.Generation)
	}

	// The name is reusable at the next generation.
	next, err := tc.client.WaitBarrier(ctx, cluster.BarrierRequest{
		Name: "epoch_0", WorkerID: "w0", RequiredTotal: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), next.Generation)
	assert.Equal(t, 1, next.Arrived)
}

func TestBarrierMismatchRPC(t *testing.T) {
	tc := newTestCoordinator(t, nil)
	ctx := context.Background()
	tc.registerWorkers(t, "w0", "w1")

	_, err := tc.client.WaitBarrier(ctx, cluster.BarrierRequest{
		Name: "b", WorkerID: "w0", RequiredTotal: 3,
	})
	require.NoError(t, err)

	_, err = tc.client.WaitBarrier(ctx, cluster.BarrierRequest{
		Name: "b", WorkerID: "w1", RequiredTotal: 5,
	})
	assert.Equal(t, cluster.KindBarrierMismatch, cluster.KindOf(err))
}

func TestFailedParticipantAbortsBarrierScenario(t *testing.T) {
	tc := newTestCoordinator(t, func(cfg *config.Config) {
		cfg.Coordinator.HeartbeatTimeout = config.Duration{Duration: 100 * time.Millisecond}
		cfg.Coordinator.SweepInterval = config.Duration{Duration: 20 * time.Millisecond}
	})
	ctx := context.Background()
	tc.registerWorkers(t, "w0", "w1", "w2")
	tc.srv.Start()

	// w0 and w1 wait at the barrier; w2 never arrives and stops
	// heartbeating entirely.
	type result struct {
		resp cluster.BarrierResponse
		err  error
	}
	results := make(chan result, 2)
	for _, w := range []string{"w0", "w1"} {
		go func(w string) {
			resp, err := tc.client.WaitBarrier(ctx, cluster.BarrierRequest{
				Name: "ckpt_sync", WorkerID: w, RequiredTotal: 3, Wait: true,
			})
			results <- result{resp, err}
		}(w)
	}

	// The sweeper fails all three silent workers; since w0 and w1 are
	// recorded arrivals, the barrier aborts with participant_failed.
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			require.NoError(t, r.err)
			assert.Equal(t, cluster.BarrierAborted, r.resp.State)
			assert.Equal(t, "participant_failed", r.resp.Reason)
		case <-time.After(5 * time.Second):
			t.Fatal("barrier waiters never woke after participant failure")
		}
	}
}

func TestCheckpointFlowRPC(t *testing.T) {
	tc := newTestCoordinator(t, nil)
	ctx := context.Background()
	tc.registerWorkers(t, "w0")

	// No completed checkpoint yet.
	_, err := tc.client.LatestCheckpoint(ctx, "model-a")
	assert.Equal(t, cluster.KindNotFound, cluster.KindOf(err))

	created, err := tc.client.NotifyCheckpoint(ctx, cluster.NotifyCheckpointRequest{
		Namespace: "model-a", WorkerID: "w0", Step: 1000, Epoch: 2,
		StoragePath: "checkpoints/model-a/step_1000.ckpt",
		Status:      cluster.CheckpointInProgress,
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.CheckpointID)

	// Still in progress: not recoverable.
	_, err = tc.client.LatestCheckpoint(ctx, "model-a")
	assert.Equal(t, cluster.KindNotFound, cluster.KindOf(err))

	_, err = tc.client.NotifyCheckpoint(ctx, cluster.NotifyCheckpointRequest{
		Namespace: "model-a", WorkerID: "w0", CheckpointID: created.CheckpointID,
		Step: 1000, Epoch: 2, SizeBytes: 1 << 20,
		StoragePath: "checkpoints/model-a/step_1000.ckpt",
		Status:      cluster.CheckpointCompleted,
	})
	require.NoError(t, err)

	latest, err := tc.client.LatestCheckpoint(ctx, "model-a")
	require.NoError(t, err)
	assert.Equal(t, created.CheckpointID, latest.ID)
	assert.Equal(t, cluster.CheckpointCompleted, latest.Status)
	assert.Equal(t, uint64(1000), latest.Step)
}

func TestCheckpointRecoveryAcrossRestartScenario(t *testing.T) {
	tc := newTestCoordinator(t, nil)
	ctx := context.Background()
	tc.registerWorkers(t, "w0")

	created, err := tc.client.NotifyCheckpoint(ctx, cluster.NotifyCheckpointRequest{
		Namespace: "model-a", WorkerID: "w0", Step: 1000,
		StoragePath: "checkpoints/model-a/step_1000.ckpt",
		Status:      cluster.CheckpointInProgress,
	})
	require.NoError(t, err)
	_, err = tc.client.NotifyCheckpoint(ctx, cluster.NotifyCheckpointRequest{
		Namespace: "model-a", WorkerID: "w0", CheckpointID: created.CheckpointID,
		Step: 1000, SizeBytes: 42,
		Status: cluster.CheckpointCompleted,
	})
	require.NoError(t, err)

	// A new coordinator over the same storage backend rehydrates the
	// record.
	restarted := NewServer(config.Default(), tc.store, nil)
	require.NoError(t, restarted.Rehydrate(ctx))
	rpc2 := httptest.NewServer(restarted.RPCHandler())
	defer rpc2.Close()
	defer restarted.Shutdown()

	latest, err := cluster.NewClient(rpc2.URL).LatestCheckpoint(ctx, "model-a")
	require.NoError(t, err)
	assert.Equal(t, created.CheckpointID, latest.ID)
	assert.Equal(t, cluster.CheckpointCompleted, latest.Status)
	assert.Equal(t, uint64(42), latest.SizeBytes)
}

func TestRateLimitRPC(t *testing.T) {
	tc := newTestCoordinator(t, func(cfg *config.Config) {
		cfg.Limits.RateBurst = 5
		cfg.Limits.RateRefill = 1
	})
	ctx := context.Background()

	limited := 0
	for i := 0; i < 20; i++ {
		_, err := tc.client.Heartbeat(ctx, cluster.HeartbeatRequest{WorkerID: "w0"})
		if cluster.KindOf(err) == cluster.KindRateLimited {
			limited++
		}
	}
	assert.Greater(t, limited, 0, "bucket of 5 must throttle 20 rapid calls")
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
