package coordinator

import (
	"time"

	"go.uber.org/zap"

	"github.com/flockml/flock/internal/cluster"
)

// SeedDemo populates the coordinator with a synthetic fleet for the
// operator UI: a few workers, two datasets and a running training task.
// A background loop keeps the fake workers heartbeating and nudges the
// task's progress so the dashboard looks alive. Enabled by DEMO_MODE=true.
func (s *Server) SeedDemo() {
	demoWorkers := []cluster.RegisterWorkerRequest{
		{WorkerID: "gpu-worker-01", Host: "gpu-node-01", Port: 50052,
			Capacity: cluster.Capacity{GPUCount: 8, MemoryBytes: 512 << 30}},
		{WorkerID: "gpu-worker-02", Host: "gpu-node-02", Port: 50052,
			Capacity: cluster.Capacity{GPUCount: 8, MemoryBytes: 512 << 30}},
		{WorkerID: "cpu-worker-01", Host: "cpu-node-01", Port: 50052,
			Capacity: cluster.Capacity{GPUCount: 0, MemoryBytes: 128 << 30}},
	}
	for _, req := range demoWorkers {
		if _, err := s.workers.Register(req); err != nil {
			s.log.Warn("demo worker not seeded", zap.String("worker_id", req.WorkerID), zap.Error(err))
		}
	}
	s.rebuildRing("demo_seed")

	for _, req := range []cluster.RegisterDatasetRequest{
		{DatasetID: "imagenet-train", Path: "/data/imagenet", Format: "tfrecord",
			TotalSamples: 1_281_167, ShardSize: 10_000, Shuffle: true, Seed: 42},
		{DatasetID: "custom-vision", Path: "/data/vision", Format: "parquet",
			TotalSamples: 500_000, ShardSize: 8_000, Shuffle: true, Seed: 7},
	} {
		if _, err := s.datasets.Register(req); err != nil {
			s.log.Warn("demo dataset not seeded", zap.String("dataset_id", req.DatasetID), zap.Error(err))
		}
	}

	task, err := s.tasks.Create(CreateTaskRequest{
		Name:      "Vision Model Training",
		Kind:      "image_classification",
		DatasetID: "imagenet-train",
	}, []string{"gpu-worker-01", "gpu-worker-02"})
	if err != nil {
		s.log.Warn("demo task not seeded", zap.Error(err))
		return
	}
	s.tasks.AppendLog(task.ID, "dataset loaded: 1,281,167 samples")
	s.events.Append("info", "task_manager", "demo fleet seeded", task.ID, "")

	s.wg.Add(1)
	go s.demoLoop(task.ID, demoWorkers)
	s.log.Info("demo mode seeded",
		zap.Int("workers", len(demoWorkers)),
		zap.String("task_id", task.ID))
}

// demoLoop drives the synthetic fleet through the real heartbeat path so
// the sweeper, ring and dashboard all see ordinary traffic.
func (s *Server) demoLoop(taskID string, workers []cluster.RegisterWorkerRequest) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Coordinator.HeartbeatInterval.Duration)
	defer ticker.Stop()

	var step uint64
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			step++
			epoch := step / 500
			for _, w := range workers {
				_ = s.workers.Heartbeat(w.WorkerID, step, epoch)
			}
			s.tasks.Progress(taskID, int(step%300*100/300))
			if step%120 == 0 {
				s.tasks.AppendLog(taskID, "training in progress")
			}
		}
	}
}
