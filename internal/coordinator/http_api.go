package coordinator

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/flockml/flock/internal/cluster"
)

// Control-plane view types. Everything here is derived; no API call mutates
// worker-visible state except the advisory task operations.

// StatusView is the /api/status body.
type StatusView struct {
	Connected bool   `json:"connected"`
	Address   string `json:"address"`
	UptimeSec uint64 `json:"uptime"`
	Version   string `json:"version"`
}

// WorkerView is one worker in /api/workers.
type WorkerView struct {
	ID              string `json:"id"`
	Host            string `json:"host"`
	Port            int    `json:"port"`
	Status          string `json:"status"`
	GPUCount        int    `json:"gpu_count"`
	MemoryBytes     uint64 `json:"memory_bytes"`
	LastHeartbeatMs int64  `json:"last_heartbeat"`
	AssignedShards  int    `json:"assigned_shards"`
	CurrentEpoch    uint64 `json:"current_epoch"`
	CurrentStep     uint64 `json:"current_step"`
	RegisteredAtMs  int64  `json:"registered_at"`
}

// DatasetView is one dataset in /api/datasets.
type DatasetView struct {
	ID             string `json:"id"`
	Path           string `json:"path"`
	Format         string `json:"format"`
	TotalSamples   uint64 `json:"total_samples"`
	ShardSize      uint64 `json:"shard_size"`
	ShardCount     uint64 `json:"shard_count"`
	Shuffle        bool   `json:"shuffle"`
	Seed           uint64 `json:"seed"`
	RegisteredAtMs int64  `json:"registered_at"`
}

// BarrierView is one barrier in /api/barriers.
type BarrierView struct {
	Name        string `json:"name"`
	Generation  uint64 `json:"generation"`
	Arrived     int    `json:"arrived"`
	Required    int    `json:"required"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	CreatedAtMs int64  `json:"created_at"`
}

// MetricsView is the /api/metrics body. All figures derive from the
// request-metrics sink and the registries; nothing is reported that was not
// observed.
type MetricsView struct {
	CheckpointThroughput uint64                  `json:"checkpoint_throughput"`
	CoordinatorRPS       uint64                  `json:"coordinator_rps"`
	ActiveWorkers        int                     `json:"active_workers"`
	TotalWorkers         int                     `json:"total_workers"`
	BarrierLatencyP99    int64                   `json:"barrier_latency_p99"`
	ShardAssignmentTime  int64                   `json:"shard_assignment_time"`
	Handlers             map[string]HandlerStats `json:"handlers"`
}

// DashboardView aggregates every snapshot for a single-request dashboard
// refresh.
type DashboardView struct {
	Coordinator StatusView                 `json:"coordinator"`
	Workers     []WorkerView               `json:"workers"`
	Datasets    []DatasetView              `json:"datasets"`
	Checkpoints []cluster.CheckpointRecord `json:"checkpoints"`
	Barriers    []BarrierView              `json:"barriers"`
	Metrics     MetricsView                `json:"metrics"`
	Tasks       []Task                     `json:"tasks"`
	Logs        []Event                    `json:"logs"`
}

// APIHandler returns the operator-facing control-plane handler.
func (s *Server) APIHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.api("health", s.handleAPIHealth))
	mux.HandleFunc("/api/status", s.api("status", s.handleAPIStatus))
	mux.HandleFunc("/api/workers", s.api("workers", s.handleAPIWorkers))
	mux.HandleFunc("/api/datasets", s.api("datasets", s.handleAPIDatasets))
	mux.HandleFunc("/api/checkpoints", s.api("checkpoints", s.handleAPICheckpoints))
	mux.HandleFunc("/api/barriers", s.api("barriers", s.handleAPIBarriers))
	mux.HandleFunc("/api/metrics", s.api("metrics", s.handleAPIMetrics))
	mux.HandleFunc("/api/dashboard", s.api("dashboard", s.handleAPIDashboard))
	mux.HandleFunc("/api/logs", s.api("logs", s.handleAPILogs))
	mux.HandleFunc("/api/tasks", s.api("tasks", s.handleAPITasks))
	mux.HandleFunc("/api/tasks/", s.api("task_ops", s.handleAPITaskOps))
	return mux
}

// api wraps a control-plane handler with metrics and plain-JSON encoding.
// The read API returns bare bodies, not RPC envelopes; errors use the same
// JSON error shape with a mirrored status.
func (s *Server) api(name string, fn func(*http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		result, err := fn(r)
		s.metrics.Record("api_"+name, time.Since(start), err != nil)
		if err != nil {
			kind := cluster.KindOf(err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(kind.HTTPStatus())
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]any{
					"code":    int(kind),
					"kind":    kind.String(),
					"message": err.Error(),
				},
			})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	}
}

func (s *Server) handleAPIHealth(*http.Request) (any, error) {
	return map[string]string{"status": "ok"}, nil
}

func (s *Server) statusView() StatusView {
	return StatusView{
		Connected: true,
		Address:   s.bindAddr,
		UptimeSec: uint64(time.Since(s.startTime).Seconds()),
		Version:   Version,
	}
}

func (s *Server) handleAPIStatus(*http.Request) (any, error) {
	return s.statusView(), nil
}

func (s *Server) workerViews() []WorkerView {
	workers := s.workers.All()
	views := make([]WorkerView, 0, len(workers))
	for _, w := range workers {
		status := string(w.Status)
		if w.Status != cluster.WorkerFailed && w.CurrentStep == 0 && w.CurrentEpoch == 0 {
			status = string(cluster.WorkerIdle)
		}
		views = append(views, WorkerView{
			ID:              w.ID,
			Host:            w.Host,
			Port:            w.Port,
			Status:          status,
			GPUCount:        w.Capacity.GPUCount,
			MemoryBytes:     w.Capacity.MemoryBytes,
			LastHeartbeatMs: w.LastHeartbeat.UnixMilli(),
			AssignedShards:  w.AssignedShardCount,
			CurrentEpoch:    w.CurrentEpoch,
			CurrentStep:     w.CurrentStep,
			RegisteredAtMs:  w.RegisteredAt.UnixMilli(),
		})
	}
	slices.SortFunc(views, func(a, b WorkerView) int {
		return strings.Compare(a.ID, b.ID)
	})
	return views
}

func (s *Server) handleAPIWorkers(*http.Request) (any, error) {
	return s.workerViews(), nil
}

func (s *Server) datasetViews() []DatasetView {
	datasets := s.datasets.List()
	views := make([]DatasetView, 0, len(datasets))
	for _, ds := range datasets {
		views = append(views, DatasetView{
			ID:             ds.ID,
			Path:           ds.Path,
			Format:         ds.Format,
			TotalSamples:   ds.TotalSamples,
			ShardSize:      ds.ShardSize,
			ShardCount:     ds.ShardCount,
			Shuffle:        ds.Shuffle,
			Seed:           ds.Seed,
			RegisteredAtMs: ds.RegisteredAt.UnixMilli(),
		})
	}
	slices.SortFunc(views, func(a, b DatasetView) int {
		return strings.Compare(a.ID, b.ID)
	})
	return views
}

func (s *Server) handleAPIDatasets(*http.Request) (any, error) {
	return s.datasetViews(), nil
}

func (s *Server) handleAPICheckpoints(*http.Request) (any, error) {
	return s.index.All(20), nil
}

func (s *Server) barrierViews() []BarrierView {
	infos := s.barriers.Snapshot()
	views := make([]BarrierView, 0, len(infos))
	for _, info := range infos {
		views = append(views, BarrierView{
			Name:        info.Name,
			Generation:  info.Generation,
			Arrived:     info.Arrived,
			Required:    info.Required,
			Status:      info.Status,
			Reason:      info.Reason,
			CreatedAtMs: info.CreatedAt.UnixMilli(),
		})
	}
	slices.SortFunc(views, func(a, b BarrierView) int {
		return strings.Compare(a.Name, b.Name)
	})
	return views
}

func (s *Server) handleAPIBarriers(*http.Request) (any, error) {
	return s.barrierViews(), nil
}

func (s *Server) metricsView() MetricsView {
	live, total := s.workers.Counts()
	uptime := uint64(time.Since(s.startTime).Seconds())
	if uptime == 0 {
		uptime = 1
	}
	completed := s.completedCheckpoints.Load()
	return MetricsView{
		CheckpointThroughput: completed * 60 / uptime,
		CoordinatorRPS:       s.metrics.TotalRequests() / uptime,
		ActiveWorkers:        live,
		TotalWorkers:         total,
		BarrierLatencyP99:    s.metrics.P99("barrier").Milliseconds(),
		ShardAssignmentTime:  s.metrics.P99("get_shards").Milliseconds(),
		Handlers:             s.metrics.Summary(),
	}
}

func (s *Server) handleAPIMetrics(*http.Request) (any, error) {
	return s.metricsView(), nil
}

func (s *Server) handleAPIDashboard(*http.Request) (any, error) {
	return DashboardView{
		Coordinator: s.statusView(),
		Workers:     s.workerViews(),
		Datasets:    s.datasetViews(),
		Checkpoints: s.index.All(20),
		Barriers:    s.barrierViews(),
		Metrics:     s.metricsView(),
		Tasks:       s.tasks.List(),
		Logs:        s.events.Recent(50),
	}, nil
}

func (s *Server) handleAPILogs(r *http.Request) (any, error) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, cluster.Errorf(cluster.KindInvalid, "limit must be a positive integer")
		}
		limit = n
	}
	return s.events.Recent(limit), nil
}

func (s *Server) handleAPITasks(r *http.Request) (any, error) {
	switch r.Method {
	case http.MethodGet:
		return s.tasks.List(), nil
	case http.MethodPost:
		var req CreateTaskRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		if req.WorkerCount < 0 {
			return nil, cluster.Errorf(cluster.KindInvalid, "worker_count must be non-negative")
		}
		// Annotate the task with the live workers it nominally spans.
		ids := s.workers.LiveIDs()
		slices.Sort(ids)
		if req.WorkerCount > 0 && req.WorkerCount < len(ids) {
			ids = ids[:req.WorkerCount]
		}
		task, err := s.tasks.Create(req, ids)
		if err != nil {
			return nil, err
		}
		s.log.Info("task created",
			zap.String("task_id", task.ID),
			zap.String("name", task.Name))
		s.events.Append("info", "task_manager",
			fmt.Sprintf("task %q started", task.Name), task.ID, "")
		return map[string]string{"task_id": task.ID}, nil
	default:
		return nil, cluster.Errorf(cluster.KindInvalid, "/api/tasks requires GET or POST")
	}
}

// handleAPITaskOps serves /api/tasks/{id}/stop and /api/tasks/{id}/logs.
func (s *Server) handleAPITaskOps(r *http.Request) (any, error) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		return nil, cluster.Errorf(cluster.KindNotFound, "unknown task route %s", r.URL.Path)
	}
	id, op := parts[0], parts[1]

	switch {
	case op == "stop" && r.Method == http.MethodPost:
		task, ok := s.tasks.Stop(id)
		if !ok {
			return nil, cluster.Errorf(cluster.KindNotFound, "task %s not found", id)
		}
		s.events.Append("info", "task_manager",
			fmt.Sprintf("task %q stopped", task.Name), task.ID, "")
		return map[string]bool{"success": true}, nil

	case op == "logs" && r.Method == http.MethodGet:
		task, ok := s.tasks.Get(id)
		if !ok {
			return nil, cluster.Errorf(cluster.KindNotFound, "task %s not found", id)
		}
		if events := s.events.ForTask(id); len(events) > 0 {
			return events, nil
		}
		// Fall back to the task's own log tail rendered as events.
		out := make([]Event, 0, len(task.LogTail))
		for i, line := range task.LogTail {
			out = append(out, Event{
				ID:          fmt.Sprintf("log_%s_%d", id, i),
				TimestampMs: task.StartedAtMs,
				Level:       "info",
				Message:     line,
				Source:      "task_manager",
				TaskID:      id,
			})
		}
		return out, nil

	default:
		return nil, cluster.Errorf(cluster.KindNotFound, "unknown task operation %s", r.URL.Path)
	}
}
