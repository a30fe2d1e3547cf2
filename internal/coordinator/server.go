package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/flockml/flock/internal/barrier"
	"github.com/flockml/flock/internal/checkpoint"
	"github.com/flockml/flock/internal/cluster"
	"github.com/flockml/flock/internal/config"
	"github.com/flockml/flock/internal/ring"
	"github.com/flockml/flock/internal/storage"
)

// Version is reported by /api/status.
const Version = "0.3.0"

// Server composes the coordinator: worker and dataset registries, the shard
// ring, the barrier registry, the checkpoint index, middleware and the two
// HTTP surfaces.
//
// The ring is an immutable snapshot behind an atomic pointer; lookups never
// lock. Rebuilds serialize on rebuildMu and bump ringEpoch on every
// publication. Anything that changes the live-worker set (register,
// deregister, sweep evictions) triggers exactly one rebuild per mutating
// call; the sweeper batches a whole tick's evictions into one.
type Server struct {
	cfg   config.Config
	log   *zap.Logger
	store storage.Backend

	workers   *WorkerRegistry
	datasets  *DatasetRegistry
	barriers  *barrier.Registry
	index     *checkpoint.Index
	validator *Validator
	limiter   *RateLimiter
	metrics   *RequestMetrics
	events    *EventLog
	tasks     *TaskStore

	ring      atomic.Pointer[ring.Ring]
	ringEpoch atomic.Uint64
	rebuildMu sync.Mutex

	completedCheckpoints atomic.Uint64

	bindAddr  string
	startTime time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer wires a coordinator over the given storage backend. Call
// Rehydrate before serving and Start to launch the liveness sweeper.
func NewServer(cfg config.Config, store storage.Backend, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:       cfg,
		log:       log,
		store:     store,
		workers:   NewWorkerRegistry(cfg.Coordinator.MaxWorkers, cfg.Coordinator.HeartbeatTimeout.Duration, cfg.Coordinator.Quarantine.Duration),
		datasets:  NewDatasetRegistry(),
		barriers:  barrier.NewRegistry(),
		index:     checkpoint.NewIndex(store, log),
		validator: NewValidator(),
		limiter:   NewRateLimiter(cfg.Limits.RateRefill, cfg.Limits.RateBurst),
		metrics:   NewRequestMetrics(),
		events:    NewEventLog(256),
		tasks:     NewTaskStore(),
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
	}
	s.ring.Store(ring.Build(nil))
	return s
}

// SetBindAddr records the RPC listen address for status reporting.
func (s *Server) SetBindAddr(addr string) {
	s.bindAddr = addr
}

// Rehydrate rebuilds the checkpoint index from storage. Must complete
// before the listeners open; a failure is fatal to startup.
func (s *Server) Rehydrate(ctx context.Context) error {
	return s.index.Rehydrate(ctx)
}

// Start launches the liveness sweeper.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.sweepLoop()
}

// Shutdown stops the sweeper and aborts every gathering barrier so waiters
// drain before the process exits.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.barriers.AbortAll(barrier.ReasonShutdown)
	s.log.Info("coordinator shutdown complete")
}

func (s *Server) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Coordinator.SweepInterval.Duration)
	defer ticker.Stop()

	// Pruning is cheap but pointless at sweep frequency; once a minute's
	// worth of ticks is plenty.
	pruneEvery := int(time.Minute / s.cfg.Coordinator.SweepInterval.Duration)
	if pruneEvery < 1 {
		pruneEvery = 1
	}
	tick := 0

	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			failed, removed := s.workers.Sweep(now)
			if len(failed)+len(removed) > 0 {
				s.rebuildRing("sweep")
			}
			for _, id := range failed {
				s.log.Warn("worker failed heartbeat timeout", zap.String("worker_id", id))
				s.events.Append("warn", "worker_registry",
					fmt.Sprintf("worker %s missed heartbeat timeout", id), "", id)
				for _, name := range s.barriers.OnWorkerFailed(id) {
					s.log.Warn("barrier aborted, participant failed",
						zap.String("barrier", name), zap.String("worker_id", id))
					s.events.Append("warn", "barrier",
						fmt.Sprintf("barrier %s aborted: participant %s failed", name, id), "", id)
				}
			}
			for _, id := range removed {
				s.log.Info("quarantined worker removed", zap.String("worker_id", id))
			}
			tick++
			if tick%pruneEvery == 0 && s.cfg.Coordinator.CheckpointRetention.Duration > 0 {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if n := s.index.Prune(ctx, s.cfg.Coordinator.CheckpointRetention.Duration); n > 0 {
					s.log.Info("pruned checkpoint records", zap.Int("removed", n))
				}
				cancel()
			}
		}
	}
}

// rebuildRing publishes a fresh ring snapshot over the current live-worker
// set. Serialized so concurrent mutations cannot publish out of order.
func (s *Server) rebuildRing(reason string) {
	s.rebuildMu.Lock()
	defer s.rebuildMu.Unlock()

	r := ring.Build(s.workers.LiveIDs())
	s.ring.Store(r)
	epoch := s.ringEpoch.Add(1)
	s.log.Info("ring rebuilt",
		zap.Uint64("ring_epoch", epoch),
		zap.Int("workers", r.Size()),
		zap.String("reason", reason))
}

// RPCHandler returns the worker-facing HTTP handler.
func (s *Server) RPCHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc/register", s.rpc("register", http.MethodPost, s.handleRegister))
	mux.HandleFunc("/rpc/heartbeat", s.rpc("heartbeat", http.MethodPost, s.handleHeartbeat))
	mux.HandleFunc("/rpc/deregister", s.rpc("deregister", http.MethodPost, s.handleDeregister))
	mux.HandleFunc("/rpc/datasets", s.rpc("register_dataset", http.MethodPost, s.handleRegisterDataset))
	mux.HandleFunc("/rpc/shards", s.rpc("get_shards", http.MethodPost, s.handleShards))
	mux.HandleFunc("/rpc/barrier", s.rpc("barrier", http.MethodPost, s.handleBarrier))
	mux.HandleFunc("/rpc/checkpoints", s.rpc("notify_checkpoint", http.MethodPost, s.handleNotifyCheckpoint))
	mux.HandleFunc("/rpc/checkpoints/latest", s.rpc("latest_checkpoint", http.MethodGet, s.handleLatestCheckpoint))
	return mux
}

// rpc wraps a handler with rate limiting, metrics and envelope encoding.
func (s *Server) rpc(name, method string, fn func(*http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if r.Method != method {
			s.metrics.Record(name, time.Since(start), true)
			cluster.WriteError(w, cluster.Errorf(cluster.KindInvalid, "%s requires %s", r.URL.Path, method))
			return
		}
		client := clientAddr(r)
		if !s.limiter.Allow(client) {
			s.metrics.Record(name, time.Since(start), true)
			cluster.WriteError(w, cluster.Errorf(cluster.KindRateLimited,
				"client %s exhausted its request budget", client))
			return
		}

		result, err := fn(r)
		failed := err != nil
		s.metrics.Record(name, time.Since(start), failed)
		if failed {
			if cluster.KindOf(err) == cluster.KindInternal {
				s.log.Error("internal error", zap.String("handler", name), zap.Error(err))
				s.events.Append("error", name, err.Error(), "", "")
			}
			cluster.WriteError(w, err)
			return
		}
		cluster.WriteResult(w, result)
	}
}

// clientAddr identifies the rate-limit bucket for a request: the source
// host without the ephemeral port.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return cluster.Errorf(cluster.KindTransient, "read body: %v", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return cluster.Errorf(cluster.KindInvalid, "malformed request body: %v", err)
	}
	return nil
}

func (s *Server) handleRegister(r *http.Request) (any, error) {
	var req cluster.RegisterWorkerRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if err := s.validator.WorkerID(req.WorkerID); err != nil {
		return nil, err
	}
	if req.Host == "" {
		return nil, cluster.Errorf(cluster.KindInvalid, "host must not be empty")
	}
	if err := s.validator.ShortString("host", req.Host); err != nil {
		return nil, err
	}
	if err := s.validator.Port(req.Port); err != nil {
		return nil, err
	}
	if err := s.validator.Capacity(req.Capacity); err != nil {
		return nil, err
	}

	w, err := s.workers.Register(req)
	if err != nil {
		return nil, err
	}
	s.rebuildRing("register")

	s.log.Info("worker registered",
		zap.String("worker_id", w.ID),
		zap.String("host", w.Host),
		zap.Int("port", w.Port),
		zap.Int("gpu_count", w.Capacity.GPUCount))
	s.events.Append("info", "worker_registry",
		fmt.Sprintf("worker %s registered", w.ID), "", w.ID)

	return cluster.RegisterWorkerResponse{
		AssignedID:          w.ID,
		RingEpoch:           s.ringEpoch.Load(),
		HeartbeatIntervalMs: s.cfg.Coordinator.HeartbeatInterval.Duration.Milliseconds(),
	}, nil
}

func (s *Server) handleHeartbeat(r *http.Request) (any, error) {
	var req cluster.HeartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if err := s.validator.WorkerID(req.WorkerID); err != nil {
		return nil, err
	}
	if err := s.workers.Heartbeat(req.WorkerID, req.Step, req.Epoch); err != nil {
		return nil, err
	}
	return cluster.HeartbeatResponse{
		Acknowledged: true,
		ServerTimeMs: cluster.NowMs(),
	}, nil
}

func (s *Server) handleDeregister(r *http.Request) (any, error) {
	var req cluster.DeregisterRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if err := s.validator.WorkerID(req.WorkerID); err != nil {
		return nil, err
	}
	if err := s.workers.Deregister(req.WorkerID); err != nil {
		return nil, err
	}
	s.rebuildRing("deregister")
	s.log.Info("worker deregistered", zap.String("worker_id", req.WorkerID))
	s.events.Append("info", "worker_registry",
		fmt.Sprintf("worker %s deregistered", req.WorkerID), "", req.WorkerID)
	return cluster.DeregisterResponse{Deregistered: true}, nil
}

func (s *Server) handleRegisterDataset(r *http.Request) (any, error) {
	var req cluster.RegisterDatasetRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if err := s.validator.DatasetID(req.DatasetID); err != nil {
		return nil, err
	}
	if err := s.validator.Path(req.Path); err != nil {
		return nil, err
	}
	if err := s.validator.ShortString("format", req.Format); err != nil {
		return nil, err
	}

	ds, err := s.datasets.Register(req)
	if err != nil {
		return nil, err
	}
	s.log.Info("dataset registered",
		zap.String("dataset_id", ds.ID),
		zap.Uint64("total_samples", ds.TotalSamples),
		zap.Uint64("shard_count", ds.ShardCount))
	s.events.Append("info", "dataset_registry",
		fmt.Sprintf("dataset %s registered with %d shards", ds.ID, ds.ShardCount), "", "")

	return cluster.RegisterDatasetResponse{
		DatasetID:  ds.ID,
		ShardCount: ds.ShardCount,
	}, nil
}

func (s *Server) handleShards(r *http.Request) (any, error) {
	var req cluster.ShardRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if err := s.validator.WorkerID(req.WorkerID); err != nil {
		return nil, err
	}
	if err := s.validator.DatasetID(req.DatasetID); err != nil {
		return nil, err
	}

	ds, ok := s.datasets.Get(req.DatasetID)
	if !ok {
		return nil, cluster.Errorf(cluster.KindUnknownDataset, "dataset %s not registered", req.DatasetID)
	}
	w, ok := s.workers.Get(req.WorkerID)
	if !ok || w.Status == cluster.WorkerFailed {
		return nil, cluster.Errorf(cluster.KindUnknownWorker, "worker %s not registered", req.WorkerID)
	}

	// A non-shuffling dataset sees the same permutation every epoch.
	effectiveEpoch := req.Epoch
	if !ds.Shuffle {
		effectiveEpoch = 0
	}

	snapshot := s.ring.Load()
	assignments, err := snapshot.AssignAll(ds.ID, effectiveEpoch, ds.ShardCount)
	if err != nil {
		if errors.Is(err, ring.ErrNoWorkers) {
			return nil, cluster.Errorf(cluster.KindNoWorkers, "no live workers on the ring")
		}
		return nil, cluster.Errorf(cluster.KindInternal, "assign shards: %v", err)
	}

	mine := assignments[req.WorkerID]
	paths := make([]string, len(mine))
	for i, shard := range mine {
		paths[i] = fmt.Sprintf("%s/shard_%d.%s", ds.Path, shard, ds.Format)
	}
	s.workers.SetAssignedShardCount(req.WorkerID, len(mine))

	return cluster.ShardResponse{
		DatasetID:    ds.ID,
		Epoch:        req.Epoch,
		RingEpoch:    s.ringEpoch.Load(),
		ShardIndexes: mine,
		FilePaths:    paths,
	}, nil
}

func (s *Server) handleBarrier(r *http.Request) (any, error) {
	var req cluster.BarrierRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if err := s.validator.BarrierName(req.Name); err != nil {
		return nil, err
	}
	if err := s.validator.WorkerID(req.WorkerID); err != nil {
		return nil, err
	}

	arrival, err := s.barriers.Arrive(req.Name, req.WorkerID, req.RequiredTotal)
	if err != nil {
		if errors.Is(err, barrier.ErrMismatch) {
			return nil, cluster.Errorf(cluster.KindBarrierMismatch, "%v", err)
		}
		return nil, cluster.Errorf(cluster.KindInvalid, "%v", err)
	}

	out := arrival.Outcome
	if out.State == barrier.StateReleased {
		s.events.Append("info", "barrier",
			fmt.Sprintf("barrier %s released: %d/%d", req.Name, out.Arrived, out.Required), "", "")
	}
	if out.State == barrier.StateWaiting && req.Wait {
		// Suspend until release or abort; a dropped client leaves its
		// arrival recorded, matching the barrier contract.
		select {
		case out = <-arrival.Wait:
		case <-r.Context().Done():
			return nil, cluster.Errorf(cluster.KindTransient,
				"barrier wait abandoned: %v", r.Context().Err())
		}
	}
	return barrierResponse(req.Name, out), nil
}

func barrierResponse(name string, out barrier.Outcome) cluster.BarrierResponse {
	return cluster.BarrierResponse{
		Name:       name,
		State:      out.State.String(),
		Generation: out.Generation,
		Arrived:    out.Arrived,
		Required:   out.Required,
		Reason:     out.Reason,
	}
}

func (s *Server) handleNotifyCheckpoint(r *http.Request) (any, error) {
	var req cluster.NotifyCheckpointRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if err := s.validator.Namespace(req.Namespace); err != nil {
		return nil, err
	}
	if err := s.validator.WorkerID(req.WorkerID); err != nil {
		return nil, err
	}
	if err := s.validator.Path(req.StoragePath); err != nil {
		return nil, err
	}
	w, ok := s.workers.Get(req.WorkerID)
	if !ok || w.Status == cluster.WorkerFailed {
		return nil, cluster.Errorf(cluster.KindUnknownWorker, "worker %s not registered", req.WorkerID)
	}

	switch req.Status {
	case cluster.CheckpointInProgress:
		rec, err := s.index.RegisterInProgress(r.Context(),
			req.Namespace, req.WorkerID, req.Step, req.Epoch, req.SizeBytes, req.StoragePath)
		if err != nil {
			return nil, err
		}
		return cluster.NotifyCheckpointResponse{CheckpointID: rec.ID}, nil

	case cluster.CheckpointCompleted:
		if req.CheckpointID == "" {
			return nil, cluster.Errorf(cluster.KindInvalid, "completed notification requires checkpoint_id")
		}
		rec, err := s.index.Complete(r.Context(), req.CheckpointID, req.SizeBytes, req.StoragePath)
		if err != nil {
			return nil, err
		}
		s.completedCheckpoints.Add(1)
		s.events.Append("info", "checkpoint",
			fmt.Sprintf("checkpoint %s completed at step %d", rec.ID, rec.Step), "", rec.WorkerID)
		return cluster.NotifyCheckpointResponse{CheckpointID: rec.ID}, nil

	case cluster.CheckpointFailed:
		if req.CheckpointID == "" {
			return nil, cluster.Errorf(cluster.KindInvalid, "failed notification requires checkpoint_id")
		}
		rec, err := s.index.Fail(r.Context(), req.CheckpointID, req.Reason)
		if err != nil {
			return nil, err
		}
		return cluster.NotifyCheckpointResponse{CheckpointID: rec.ID}, nil

	default:
		return nil, cluster.Errorf(cluster.KindInvalid, "unknown checkpoint status %q", req.Status)
	}
}

func (s *Server) handleLatestCheckpoint(r *http.Request) (any, error) {
	namespace := r.URL.Query().Get("namespace")
	if err := s.validator.Namespace(namespace); err != nil {
		return nil, err
	}
	rec, ok := s.index.Latest(namespace)
	if !ok {
		return nil, cluster.Errorf(cluster.KindNotFound, "no completed checkpoint in namespace %s", namespace)
	}
	return rec, nil
}
