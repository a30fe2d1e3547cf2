package cluster

import (
	"context"
	"net/url"
)

// Client is a worker-side handle to the coordinator's RPC surface.
// All methods are safe for concurrent use.
type Client struct {
	base string
}

// NewClient creates a client for the coordinator at base, e.g.
// "http://coordinator:8780". A trailing slash is tolerated.
func NewClient(base string) *Client {
	for len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	return &Client{base: base}
}

// Register announces the worker and returns its assigned id, the current
// ring epoch and the heartbeat interval to honor.
func (c *Client) Register(ctx context.Context, req RegisterWorkerRequest) (RegisterWorkerResponse, error) {
	var resp RegisterWorkerResponse
	err := PostJSON(ctx, c.base+"/rpc/register", req, &resp)
	return resp, err
}

// Heartbeat reports liveness and progress.
func (c *Client) Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
	var resp HeartbeatResponse
	err := PostJSON(ctx, c.base+"/rpc/heartbeat", req, &resp)
	return resp, err
}

// Deregister removes the worker from the fleet.
func (c *Client) Deregister(ctx context.Context, workerID string) error {
	return PostJSON(ctx, c.base+"/rpc/deregister", DeregisterRequest{WorkerID: workerID}, nil)
}

// RegisterDataset declares a dataset and returns its shard count.
func (c *Client) RegisterDataset(ctx context.Context, req RegisterDatasetRequest) (RegisterDatasetResponse, error) {
	var resp RegisterDatasetResponse
	err := PostJSON(ctx, c.base+"/rpc/datasets", req, &resp)
	return resp, err
}

// ShardAssignment fetches the caller's shards for one dataset epoch.
func (c *Client) ShardAssignment(ctx context.Context, req ShardRequest) (ShardResponse, error) {
	var resp ShardResponse
	err := PostJSON(ctx, c.base+"/rpc/shards", req, &resp)
	return resp, err
}

// WaitBarrier arrives at a barrier and, when req.Wait is set, blocks until
// the barrier releases or aborts. Cancelling ctx abandons the wait but
// leaves the arrival recorded on the coordinator.
func (c *Client) WaitBarrier(ctx context.Context, req BarrierRequest) (BarrierResponse, error) {
	var resp BarrierResponse
	err := PostJSON(ctx, c.base+"/rpc/barrier", req, &resp)
	return resp, err
}

// NotifyCheckpoint records checkpoint progress and returns the record id.
func (c *Client) NotifyCheckpoint(ctx context.Context, req NotifyCheckpointRequest) (NotifyCheckpointResponse, error) {
	var resp NotifyCheckpointResponse
	err := PostJSON(ctx, c.base+"/rpc/checkpoints", req, &resp)
	return resp, err
}

// LatestCheckpoint returns the newest completed checkpoint in a namespace.
func (c *Client) LatestCheckpoint(ctx context.Context, namespace string) (CheckpointRecord, error) {
	var resp CheckpointRecord
	err := GetJSON(ctx, c.base+"/rpc/checkpoints/latest?namespace="+url.QueryEscape(namespace), &resp)
	return resp, err
}
