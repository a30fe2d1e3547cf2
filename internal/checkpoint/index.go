// Package checkpoint implements the append-mostly checkpoint metadata index:
// creation of in-progress records, completion and failure transitions,
// latest-per-namespace recovery lookup, and rehydration of the whole index
// from the storage backend after a coordinator restart.
package checkpoint

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flockml/flock/internal/cluster"
	"github.com/flockml/flock/internal/storage"
)

// KeyPrefix is where checkpoint metadata records live in the storage
// backend. The prefix is part of the on-disk contract: rehydration replays
// everything under it.
const KeyPrefix = "checkpoints/meta/"

// Retry policy for storage writes and rehydration reads. These are the only
// operations the coordinator retries on its own.
const (
	retryAttempts     = 3
	retryInitialDelay = 100 * time.Millisecond
	retryMaxDelay     = 10 * time.Second
)

// Index is the checkpoint metadata index. A single mutex serializes
// mutations; reads copy records out so callers never alias index state.
type Index struct {
	mu    sync.Mutex
	store storage.Backend
	log   *zap.Logger

	records  map[string]*cluster.CheckpointRecord
	byNS     map[string][]string // namespace -> record ids, insertion order
	inflight map[string]string   // namespace|worker|step -> in-progress id
	nextSeq  uint64
}

// NewIndex creates an empty index persisting through store.
func NewIndex(store storage.Backend, log *zap.Logger) *Index {
	if log == nil {
		log = zap.NewNop()
	}
	return &Index{
		store:    store,
		log:      log,
		records:  make(map[string]*cluster.CheckpointRecord),
		byNS:     make(map[string][]string),
		inflight: make(map[string]string),
		nextSeq:  1,
	}
}

func inflightKey(namespace, workerID string, step uint64) string {
	return namespace + "|" + workerID + "|" + strconv.FormatUint(step, 10)
}

// RegisterInProgress creates a fresh in-progress record. A duplicate
// notification for the same (namespace, worker, step) returns the existing
// record instead of creating a second one.
func (ix *Index) RegisterInProgress(ctx context.Context, namespace, workerID string, step, epoch, sizeBytes uint64, storagePath string) (cluster.CheckpointRecord, error) {
	ix.mu.Lock()

	key := inflightKey(namespace, workerID, step)
	if id, ok := ix.inflight[key]; ok {
		rec := *ix.records[id]
		ix.mu.Unlock()
		return rec, nil
	}

	id := "ckpt-" + strconv.FormatUint(ix.nextSeq, 10)
	ix.nextSeq++
	rec := &cluster.CheckpointRecord{
		ID:          id,
		Namespace:   namespace,
		WorkerID:    workerID,
		Step:        step,
		Epoch:       epoch,
		SizeBytes:   sizeBytes,
		StoragePath: storagePath,
		Status:      cluster.CheckpointInProgress,
		CreatedAtMs: time.Now().UnixMilli(),
	}
	ix.records[id] = rec
	ix.byNS[namespace] = append(ix.byNS[namespace], id)
	ix.inflight[key] = id
	snapshot := *rec
	ix.mu.Unlock()

	if err := ix.persist(ctx, &snapshot); err != nil {
		return cluster.CheckpointRecord{}, err
	}
	ix.log.Info("checkpoint registered",
		zap.String("checkpoint_id", id),
		zap.String("namespace", namespace),
		zap.Uint64("step", step))
	return snapshot, nil
}

// Complete transitions a record from in-progress to completed, stamping the
// durable size and storage path the worker reported.
func (ix *Index) Complete(ctx context.Context, id string, sizeBytes uint64, storagePath string) (cluster.CheckpointRecord, error) {
	ix.mu.Lock()
	rec, ok := ix.records[id]
	if !ok {
		ix.mu.Unlock()
		return cluster.CheckpointRecord{}, cluster.Errorf(cluster.KindNotFound, "checkpoint %s not found", id)
	}
	if rec.Status != cluster.CheckpointInProgress {
		ix.mu.Unlock()
		return cluster.CheckpointRecord{}, cluster.Errorf(cluster.KindInvalid, "checkpoint %s is %s, not in_progress", id, rec.Status)
	}
	rec.Status = cluster.CheckpointCompleted
	rec.SizeBytes = sizeBytes
	if storagePath != "" {
		rec.StoragePath = storagePath
	}
	rec.CompletedAtMs = time.Now().UnixMilli()
	delete(ix.inflight, inflightKey(rec.Namespace, rec.WorkerID, rec.Step))
	snapshot := *rec
	ix.mu.Unlock()

	if err := ix.persist(ctx, &snapshot); err != nil {
		return cluster.CheckpointRecord{}, err
	}
	ix.log.Info("checkpoint completed",
		zap.String("checkpoint_id", id),
		zap.Uint64("size_bytes", sizeBytes))
	return snapshot, nil
}

// Fail transitions a record from in-progress to failed. Failing an
// already-failed record with the same reason is a no-op; any other repeat
// transition is rejected.
func (ix *Index) Fail(ctx context.Context, id, reason string) (cluster.CheckpointRecord, error) {
	ix.mu.Lock()
	rec, ok := ix.records[id]
	if !ok {
		ix.mu.Unlock()
		return cluster.CheckpointRecord{}, cluster.Errorf(cluster.KindNotFound, "checkpoint %s not found", id)
	}
	if rec.Status == cluster.CheckpointFailed {
		if rec.Reason == reason {
			snapshot := *rec
			ix.mu.Unlock()
			return snapshot, nil
		}
		ix.mu.Unlock()
		return cluster.CheckpointRecord{}, cluster.Errorf(cluster.KindInvalid, "checkpoint %s already failed: %s", id, rec.Reason)
	}
	if rec.Status != cluster.CheckpointInProgress {
		ix.mu.Unlock()
		return cluster.CheckpointRecord{}, cluster.Errorf(cluster.KindInvalid, "checkpoint %s is %s, not in_progress", id, rec.Status)
	}
	rec.Status = cluster.CheckpointFailed
	rec.Reason = reason
	rec.CompletedAtMs = time.Now().UnixMilli()
	delete(ix.inflight, inflightKey(rec.Namespace, rec.WorkerID, rec.Step))
	snapshot := *rec
	ix.mu.Unlock()

	if err := ix.persist(ctx, &snapshot); err != nil {
		return cluster.CheckpointRecord{}, err
	}
	ix.log.Warn("checkpoint failed",
		zap.String("checkpoint_id", id),
		zap.String("reason", reason))
	return snapshot, nil
}

// Latest returns the completed record with the greatest step in a
// namespace, ties broken by the later completion time.
func (ix *Index) Latest(namespace string) (cluster.CheckpointRecord, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var best *cluster.CheckpointRecord
	for _, id := range ix.byNS[namespace] {
		rec := ix.records[id]
		if rec.Status != cluster.CheckpointCompleted {
			continue
		}
		if best == nil ||
			rec.Step > best.Step ||
			(rec.Step == best.Step && rec.CompletedAtMs > best.CompletedAtMs) {
			best = rec
		}
	}
	if best == nil {
		return cluster.CheckpointRecord{}, false
	}
	return *best, true
}

// List returns a namespace's records, most recent first, bounded by limit.
// A non-positive limit means no bound.
func (ix *Index) List(namespace string, limit int) []cluster.CheckpointRecord {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ids := ix.byNS[namespace]
	out := make([]cluster.CheckpointRecord, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, *ix.records[ids[i]])
	}
	return out
}

// All returns records across all namespaces, most recently created first,
// bounded by limit. Used by the control-plane API.
func (ix *Index) All(limit int) []cluster.CheckpointRecord {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	out := make([]cluster.CheckpointRecord, 0, len(ix.records))
	for _, rec := range ix.records {
		out = append(out, *rec)
	}
	// Newest first; creation times share one process clock so this is a
	// stable recency order.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAtMs > out[i].CreatedAtMs ||
				(out[j].CreatedAtMs == out[i].CreatedAtMs && out[j].ID > out[i].ID) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Rehydrate rebuilds the index from the storage backend. Called once at
// startup before the listeners open; a failure here is fatal to the process.
func (ix *Index) Rehydrate(ctx context.Context) error {
	keys, err := listWithRetry(ctx, ix.store, KeyPrefix)
	if err != nil {
		return cluster.Errorf(cluster.KindTransient, "list %s: %v", KeyPrefix, err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	loaded := 0
	var maxSeq uint64
	for _, key := range keys {
		data, err := getWithRetry(ctx, ix.store, key)
		if err != nil {
			return cluster.Errorf(cluster.KindTransient, "read %s: %v", key, err)
		}
		var rec cluster.CheckpointRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			// A corrupt record must not take the coordinator down with it.
			ix.log.Warn("skipping corrupt checkpoint record",
				zap.String("key", key), zap.Error(err))
			continue
		}
		if _, dup := ix.records[rec.ID]; dup {
			continue
		}
		stored := rec
		ix.records[rec.ID] = &stored
		ix.byNS[rec.Namespace] = append(ix.byNS[rec.Namespace], rec.ID)
		if rec.Status == cluster.CheckpointInProgress {
			ix.inflight[inflightKey(rec.Namespace, rec.WorkerID, rec.Step)] = rec.ID
		}
		if seq, ok := parseSeq(rec.ID); ok && seq > maxSeq {
			maxSeq = seq
		}
		loaded++
	}
	if maxSeq >= ix.nextSeq {
		ix.nextSeq = maxSeq + 1
	}
	ix.log.Info("checkpoint index rehydrated", zap.Int("records", loaded))
	return nil
}

// Prune removes completed and failed records older than the retention
// window, but never a record that is currently the latest completed one of
// its namespace. Returns the number of records removed.
func (ix *Index) Prune(ctx context.Context, retention time.Duration) int {
	cutoff := time.Now().Add(-retention).UnixMilli()

	ix.mu.Lock()
	keep := make(map[string]struct{})
	for ns := range ix.byNS {
		var best *cluster.CheckpointRecord
		for _, id := range ix.byNS[ns] {
			rec := ix.records[id]
			if rec.Status != cluster.CheckpointCompleted {
				continue
			}
			if best == nil ||
				rec.Step > best.Step ||
				(rec.Step == best.Step && rec.CompletedAtMs > best.CompletedAtMs) {
				best = rec
			}
		}
		if best != nil {
			keep[best.ID] = struct{}{}
		}
	}

	var victims []string
	for id, rec := range ix.records {
		if rec.Status == cluster.CheckpointInProgress {
			continue
		}
		if _, protected := keep[id]; protected {
			continue
		}
		if rec.CreatedAtMs < cutoff {
			victims = append(victims, id)
		}
	}
	for _, id := range victims {
		rec := ix.records[id]
		delete(ix.records, id)
		ids := ix.byNS[rec.Namespace]
		for i, other := range ids {
			if other == id {
				ix.byNS[rec.Namespace] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}
	ix.mu.Unlock()

	for _, id := range victims {
		if err := ix.store.Delete(ctx, KeyPrefix+id); err != nil {
			ix.log.Warn("pruned record not deleted from storage",
				zap.String("checkpoint_id", id), zap.Error(err))
		}
	}
	return len(victims)
}

// Count returns the number of records currently indexed.
func (ix *Index) Count() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.records)
}

func (ix *Index) persist(ctx context.Context, rec *cluster.CheckpointRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return cluster.Errorf(cluster.KindInternal, "encode checkpoint %s: %v", rec.ID, err)
	}
	delay := retryInitialDelay
	var lastErr error
	for attempt := 0; attempt <= retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return cluster.Errorf(cluster.KindTransient, "persist checkpoint %s: %v", rec.ID, ctx.Err())
			}
			if delay *= 2; delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}
		if lastErr = ix.store.Put(ctx, KeyPrefix+rec.ID, data); lastErr == nil {
			return nil
		}
	}
	return cluster.Errorf(cluster.KindTransient, "persist checkpoint %s: %v", rec.ID, lastErr)
}

func listWithRetry(ctx context.Context, store storage.Backend, prefix string) ([]string, error) {
	delay := retryInitialDelay
	var lastErr error
	for attempt := 0; attempt <= retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if delay *= 2; delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}
		keys, err := store.List(ctx, prefix)
		if err == nil {
			return keys, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func getWithRetry(ctx context.Context, store storage.Backend, key string) ([]byte, error) {
	delay := retryInitialDelay
	var lastErr error
	for attempt := 0; attempt <= retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if delay *= 2; delay > retryMaxDelay {
				delay = retryMaxDelay
			}
		}
		data, err := store.Get(ctx, key)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func parseSeq(id string) (uint64, bool) {
	rest, ok := strings.CutPrefix(id, "ckpt-")
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseUint(rest, 10, 64)
	return seq, err == nil
}
