// Command worker is a training-worker agent. It registers with the
// coordinator, heartbeats at the server-assigned interval, fetches its
// shard assignment every epoch, synchronizes at the epoch barrier and
// reports checkpoints as it writes them.
//
// Configuration:
//   - COORDINATOR_ADDR: coordinator base URL (required), e.g. http://localhost:8780
//   - WORKER_ID:        unique worker id (default: host-pid derived)
//   - WORKER_HOST:      advertised hostname (default: os.Hostname)
//   - WORKER_PORT:      advertised port (default: 50052)
//   - WORKER_GPUS:      GPU count reported at registration (default: 0)
//   - FLEET_SIZE:       barrier participant count (default: 1)
//   - DATASET_ID:       dataset to train over (optional; shard fetches are
//     skipped when unset)
//   - NAMESPACE:        checkpoint namespace (default: the dataset id, or
//     "default")
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/flockml/flock/internal/cluster"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	coordAddr := os.Getenv("COORDINATOR_ADDR")
	if coordAddr == "" {
		log.Fatal("COORDINATOR_ADDR is required")
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}
	workerID := getenv("WORKER_ID", fmt.Sprintf("worker-%s-%d", hostname, os.Getpid()%10000))
	datasetID := os.Getenv("DATASET_ID")
	namespace := getenv("NAMESPACE", getenv("DATASET_ID", "default"))
	fleetSize := getenvInt("FLEET_SIZE", 1)

	agent := &agent{
		client:    cluster.NewClient(coordAddr),
		log:       log.With(zap.String("worker_id", workerID)),
		workerID:  workerID,
		datasetID: datasetID,
		namespace: namespace,
		fleetSize: fleetSize,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop
		cancel()
	}()

	reg, err := agent.register(ctx, hostname)
	if err != nil {
		log.Fatal("registration failed", zap.Error(err))
	}
	agent.log.Info("registered",
		zap.Uint64("ring_epoch", reg.RingEpoch),
		zap.Int64("heartbeat_interval_ms", reg.HeartbeatIntervalMs))

	go agent.heartbeatLoop(ctx, time.Duration(reg.HeartbeatIntervalMs)*time.Millisecond)
	agent.trainLoop(ctx)

	// Best-effort deregistration with a fresh context; ctx is already done.
	deregCtx, deregCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer deregCancel()
	if err := agent.client.Deregister(deregCtx, workerID); err != nil {
		agent.log.Warn("deregister failed", zap.Error(err))
	}
	agent.log.Info("worker stopped")
}

type agent struct {
	client    *cluster.Client
	log       *zap.Logger
	workerID  string
	datasetID string
	namespace string
	fleetSize int

	step  uint64
	epoch uint64
}

func (a *agent) register(ctx context.Context, hostname string) (cluster.RegisterWorkerResponse, error) {
	req := cluster.RegisterWorkerRequest{
		WorkerID: a.workerID,
		Host:     hostname,
		Port:     getenvInt("WORKER_PORT", 50052),
		Capacity: cluster.Capacity{
			GPUCount:    getenvInt("WORKER_GPUS", 0),
			MemoryBytes: 16 << 30,
		},
	}

	// Registration retries while the coordinator comes up.
	delay := time.Second
	for {
		resp, err := a.client.Register(ctx, req)
		if err == nil {
			return resp, nil
		}
		if kind := cluster.KindOf(err); !kind.Retriable() {
			return cluster.RegisterWorkerResponse{}, err
		}
		a.log.Warn("registration retry", zap.Error(err))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return cluster.RegisterWorkerResponse{}, ctx.Err()
		}
		if delay *= 2; delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
}

func (a *agent) heartbeatLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := a.client.Heartbeat(ctx, cluster.HeartbeatRequest{
				WorkerID: a.workerID,
				Step:     a.step,
				Epoch:    a.epoch,
			})
			if err != nil && ctx.Err() == nil {
				a.log.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

// trainLoop simulates epochs: fetch the shard assignment, walk the shards,
// checkpoint, and meet the fleet at the epoch barrier.
func (a *agent) trainLoop(ctx context.Context) {
	for ctx.Err() == nil {
		if a.datasetID != "" {
			shards, err := a.client.ShardAssignment(ctx, cluster.ShardRequest{
				DatasetID: a.datasetID,
				WorkerID:  a.workerID,
				Epoch:     a.epoch,
			})
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				a.log.Warn("shard request failed", zap.Error(err))
				sleep(ctx, 2*time.Second)
				continue
			}
			a.log.Info("epoch assignment",
				zap.Uint64("epoch", a.epoch),
				zap.Int("shards", len(shards.ShardIndexes)))

			for range shards.ShardIndexes {
				sleep(ctx, 200*time.Millisecond)
				a.step++
			}
		} else {
			sleep(ctx, time.Second)
			a.step++
		}

		if err := a.checkpoint(ctx); err != nil && ctx.Err() == nil {
			a.log.Warn("checkpoint failed", zap.Error(err))
		}

		name := fmt.Sprintf("epoch_%d", a.epoch)
		out, err := a.client.WaitBarrier(ctx, cluster.BarrierRequest{
			Name:          name,
			WorkerID:      a.workerID,
			RequiredTotal: a.fleetSize,
			Wait:          true,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.log.Warn("barrier failed", zap.String("barrier", name), zap.Error(err))
			sleep(ctx, 2*time.Second)
			continue
		}
		if out.State == cluster.BarrierAborted {
			a.log.Warn("barrier aborted",
				zap.String("barrier", name),
				zap.String("reason", out.Reason))
		}
		a.epoch++
	}
}

func (a *agent) checkpoint(ctx context.Context) error {
	path := fmt.Sprintf("checkpoints/%s/step_%d.ckpt", a.namespace, a.step)
	created, err := a.client.NotifyCheckpoint(ctx, cluster.NotifyCheckpointRequest{
		Namespace:   a.namespace,
		WorkerID:    a.workerID,
		Step:        a.step,
		Epoch:       a.epoch,
		StoragePath: path,
		Status:      cluster.CheckpointInProgress,
	})
	if err != nil {
		return err
	}

	// The durable write would happen here; this agent simulates it.
	sleep(ctx, 100*time.Millisecond)

	_, err = a.client.NotifyCheckpoint(ctx, cluster.NotifyCheckpointRequest{
		Namespace:    a.namespace,
		WorkerID:     a.workerID,
		CheckpointID: created.CheckpointID,
		Step:         a.step,
		Epoch:        a.epoch,
		SizeBytes:    64 << 20,
		StoragePath:  path,
		Status:       cluster.CheckpointCompleted,
	})
	return err
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func getenv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func getenvInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
