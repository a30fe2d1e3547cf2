package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// WorkerStatus is the registry-visible lifecycle state of a worker.
type WorkerStatus string

const (
	// WorkerActive means the worker is live and heartbeating.
	WorkerActive WorkerStatus = "active"
	// WorkerIdle means the worker is live but has reported no progress yet.
	WorkerIdle WorkerStatus = "idle"
	// WorkerFailed means the worker missed its heartbeat timeout.
	WorkerFailed WorkerStatus = "failed"
)

// CheckpointStatus is the lifecycle state of a checkpoint record.
type CheckpointStatus string

const (
	CheckpointInProgress CheckpointStatus = "in_progress"
	CheckpointCompleted  CheckpointStatus = "completed"
	CheckpointFailed     CheckpointStatus = "failed"
)

// Barrier outcome states as they appear on the wire.
const (
	BarrierWaiting  = "waiting"
	BarrierReleased = "released"
	BarrierAborted  = "aborted"
)

// Capacity describes a worker's hardware resources.
type Capacity struct {
	GPUCount    int    `json:"gpu_count"`
	MemoryBytes uint64 `json:"memory_bytes"`
}

// RegisterWorkerRequest announces a worker to the coordinator.
type RegisterWorkerRequest struct {
	WorkerID string   `json:"worker_id"`
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Capacity Capacity `json:"capacity"`
}

// RegisterWorkerResponse confirms registration and tells the worker the
// current topology epoch and how often to heartbeat.
type RegisterWorkerResponse struct {
	AssignedID          string `json:"assigned_id"`
	RingEpoch           uint64 `json:"ring_epoch"`
	HeartbeatIntervalMs int64  `json:"heartbeat_interval_ms"`
}

// HeartbeatRequest reports liveness and training progress.
type HeartbeatRequest struct {
	WorkerID string `json:"worker_id"`
	Step     uint64 `json:"step"`
	Epoch    uint64 `json:"epoch"`
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Acknowledged bool  `json:"acknowledged"`
	ServerTimeMs int64 `json:"server_time_ms"`
}

// DeregisterRequest removes a worker explicitly.
type DeregisterRequest struct {
	WorkerID string `json:"worker_id"`
}

// DeregisterResponse confirms removal.
type DeregisterResponse struct {
	Deregistered bool `json:"deregistered"`
}

// RegisterDatasetRequest declares a dataset for shard addressing.
type RegisterDatasetRequest struct {
	DatasetID    string `json:"dataset_id"`
	Path         string `json:"path"`
	Format       string `json:"format"`
	TotalSamples uint64 `json:"total_samples"`
	ShardSize    uint64 `json:"shard_size"`
	Shuffle      bool   `json:"shuffle"`
	Seed         uint64 `json:"seed"`
}

// RegisterDatasetResponse returns the derived shard count.
type RegisterDatasetResponse struct {
	DatasetID  string `json:"dataset_id"`
	ShardCount uint64 `json:"shard_count"`
}

// ShardRequest asks for the caller's shard assignment in an epoch.
type ShardRequest struct {
	DatasetID string `json:"dataset_id"`
	WorkerID  string `json:"worker_id"`
	Epoch     uint64 `json:"epoch"`
}

// ShardResponse lists the shard indexes owned by the worker, ascending,
// with the storage-relative file path for each shard.
type ShardResponse struct {
	DatasetID    string   `json:"dataset_id"`
	Epoch        uint64   `json:"epoch"`
	RingEpoch    uint64   `json:"ring_epoch"`
	ShardIndexes []uint64 `json:"shard_indexes"`
	FilePaths    []string `json:"file_paths"`
}

// BarrierRequest arrives at a named barrier. When Wait is true the call
// blocks until the barrier releases or aborts; when false it returns the
// current outcome immediately.
type BarrierRequest struct {
	Name          string `json:"name"`
	WorkerID      string `json:"worker_id"`
	RequiredTotal int    `json:"required_total"`
	Wait          bool   `json:"wait"`
}

// BarrierResponse reports the barrier outcome for one arrival.
type BarrierResponse struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	Generation uint64 `json:"generation"`
	Arrived    int    `json:"arrived"`
	Required   int    `json:"required"`
	Reason     string `json:"reason,omitempty"`
}

// NotifyCheckpointRequest records checkpoint progress. Status in_progress
// creates a record and returns its id; completed and failed transition an
// existing record named by CheckpointID.
type NotifyCheckpointRequest struct {
	Namespace    string           `json:"namespace"`
	WorkerID     string           `json:"worker_id"`
	CheckpointID string           `json:"checkpoint_id,omitempty"`
	Step         uint64           `json:"step"`
	Epoch        uint64           `json:"epoch"`
	SizeBytes    uint64           `json:"size_bytes"`
	StoragePath  string           `json:"storage_path"`
	Status       CheckpointStatus `json:"status"`
	Reason       string           `json:"reason,omitempty"`
}

// NotifyCheckpointResponse returns the checkpoint record id.
type NotifyCheckpointResponse struct {
	CheckpointID string `json:"checkpoint_id"`
}

// CheckpointRecord is the wire form of a checkpoint metadata record.
type CheckpointRecord struct {
	ID            string           `json:"id"`
	Namespace     string           `json:"namespace"`
	WorkerID      string           `json:"worker_id"`
	Step          uint64           `json:"step"`
	Epoch         uint64           `json:"epoch"`
	SizeBytes     uint64           `json:"size_bytes"`
	StoragePath   string           `json:"storage_path"`
	Status        CheckpointStatus `json:"status"`
	Reason        string           `json:"reason,omitempty"`
	CreatedAtMs   int64            `json:"created_at"`
	CompletedAtMs int64            `json:"completed_at,omitempty"`
}

// errorBody is the wire form of a protocol error.
type errorBody struct {
	Code    int    `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// envelope wraps every RPC response body.
type envelope struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *errorBody      `json:"error,omitempty"`
}

// WriteResult encodes a successful RPC envelope.
func WriteResult(w http.ResponseWriter, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		WriteError(w, Errorf(KindInternal, "encode result: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(envelope{OK: true, Result: raw})
}

// WriteError encodes an error envelope with the mirrored HTTP status.
func WriteError(w http.ResponseWriter, err error) {
	kind := KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(envelope{OK: false, Error: &errorBody{
		Code:    int(kind),
		Kind:    kind.String(),
		Message: err.Error(),
	}})
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// PostJSON posts body to url and decodes the envelope result into out.
// Protocol errors come back as *Error with their original kind; transport
// failures classify as KindTransient.
func PostJSON(ctx context.Context, url string, body, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return Errorf(KindInternal, "encode request: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return Errorf(KindInternal, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(req, out)
}

// GetJSON fetches url and decodes the envelope result into out.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Errorf(KindInternal, "build request: %v", err)
	}
	return doJSON(req, out)
}

func doJSON(req *http.Request, out any) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return Errorf(KindTransient, "%s %s: %v", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return Errorf(KindTransient, "%s %s: decode: %v", req.Method, req.URL, err)
	}
	if !env.OK {
		if env.Error == nil {
			return Errorf(KindInternal, "%s %s: error envelope without body", req.Method, req.URL)
		}
		return &Error{Kind: kindFromName(env.Error.Kind), Message: env.Error.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return Errorf(KindTransient, "%s %s: decode result: %v", req.Method, req.URL, err)
	}
	return nil
}

// NowMs returns wall time in milliseconds since the UNIX epoch, the
// timestamp convention of every API response.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
