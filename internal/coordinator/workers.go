package coordinator

import (
	"sync"
	"time"

	"github.com/flockml/flock/internal/cluster"
)

// Worker is the registry's record of one training worker. Timestamps come
// from the process monotonic clock; wall time is derived only when a record
// is rendered for the API.
type Worker struct {
	ID                 string
	Host               string
	Port               int
	Capacity           cluster.Capacity
	Status             cluster.WorkerStatus
	LastHeartbeat      time.Time
	CurrentEpoch       uint64
	CurrentStep        uint64
	AssignedShardCount int
	RegisteredAt       time.Time
	FailedAt           time.Time
}

// WorkerRegistry tracks worker liveness. It exclusively owns every Worker
// record: mutations happen only through Register, Heartbeat, Deregister and
// Sweep, each under a short critical section. Ring rebuilds are the
// caller's responsibility, outside the registry lock.
type WorkerRegistry struct {
	mu               sync.RWMutex
	workers          map[string]*Worker
	maxWorkers       int
	heartbeatTimeout time.Duration
	quarantine       time.Duration
}

// NewWorkerRegistry creates a registry enforcing the given fleet cap,
// heartbeat timeout and failed-record quarantine.
func NewWorkerRegistry(maxWorkers int, heartbeatTimeout, quarantine time.Duration) *WorkerRegistry {
	return &WorkerRegistry{
		workers:          make(map[string]*Worker),
		maxWorkers:       maxWorkers,
		heartbeatTimeout: heartbeatTimeout,
		quarantine:       quarantine,
	}
}

// Register creates a worker record in Active status. An id that already
// exists fails with AlreadyRegistered unless its record is Failed, in which
// case the registration replaces it as a fresh worker and ends its
// quarantine.
func (r *WorkerRegistry) Register(req cluster.RegisterWorkerRequest) (Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.workers[req.WorkerID]; ok && existing.Status != cluster.WorkerFailed {
		return Worker{}, cluster.Errorf(cluster.KindAlreadyRegistered,
			"worker %s already registered", req.WorkerID)
	}
	if len(r.workers) >= r.maxWorkers {
		if w, ok := r.workers[req.WorkerID]; !ok || w.Status != cluster.WorkerFailed {
			return Worker{}, cluster.Errorf(cluster.KindInvalid,
				"worker limit %d reached", r.maxWorkers)
		}
	}

	now := time.Now()
	w := &Worker{
		ID:            req.WorkerID,
		Host:          req.Host,
		Port:          req.Port,
		Capacity:      req.Capacity,
		Status:        cluster.WorkerActive,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
	r.workers[req.WorkerID] = w
	return *w, nil
}

// Heartbeat refreshes a worker's liveness and progress. Unknown ids and
// failed workers are rejected; a failed worker must re-register.
func (r *WorkerRegistry) Heartbeat(id string, step, epoch uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok || w.Status == cluster.WorkerFailed {
		return cluster.Errorf(cluster.KindUnknownWorker, "worker %s not registered", id)
	}
	w.LastHeartbeat = time.Now()
	w.CurrentStep = step
	w.CurrentEpoch = epoch
	w.Status = cluster.WorkerActive
	return nil
}

// Deregister removes a worker record entirely.
func (r *WorkerRegistry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[id]; !ok {
		return cluster.Errorf(cluster.KindUnknownWorker, "worker %s not registered", id)
	}
	delete(r.workers, id)
	return nil
}

// Sweep transitions every Active worker past the heartbeat timeout to
// Failed, and drops Failed records whose quarantine expired. Returns the
// newly failed ids and the removed ids; the caller owns the follow-up (one
// ring rebuild for the whole batch, barrier aborts per failed worker).
func (r *WorkerRegistry) Sweep(now time.Time) (failed, removed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, w := range r.workers {
		switch w.Status {
		case cluster.WorkerActive, cluster.WorkerIdle:
			if now.Sub(w.LastHeartbeat) > r.heartbeatTimeout {
				w.Status = cluster.WorkerFailed
				w.FailedAt = now
				failed = append(failed, id)
			}
		case cluster.WorkerFailed:
			if now.Sub(w.FailedAt) > r.quarantine {
				delete(r.workers, id)
				removed = append(removed, id)
			}
		}
	}
	return failed, removed
}

// Get returns a copy of a worker record.
func (r *WorkerRegistry) Get(id string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok {
		return Worker{}, false
	}
	return *w, true
}

// All returns copies of every record, including quarantined failures.
func (r *WorkerRegistry) All() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	return out
}

// LiveIDs returns the ids of all workers eligible for the ring.
func (r *WorkerRegistry) LiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.workers))
	for id, w := range r.workers {
		if w.Status != cluster.WorkerFailed {
			ids = append(ids, id)
		}
	}
	return ids
}

// SetAssignedShardCount records how many shards a worker was last assigned,
// a display-only figure for the control plane.
func (r *WorkerRegistry) SetAssignedShardCount(id string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.workers[id]; ok {
		w.AssignedShardCount = n
	}
}

// Counts returns (live, total) worker counts.
func (r *WorkerRegistry) Counts() (live, total int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, w := range r.workers {
		if w.Status != cluster.WorkerFailed {
			live++
		}
	}
	return live, len(r.workers)
}
