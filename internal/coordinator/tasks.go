package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flockml/flock/internal/cluster"
)

// Task statuses. Tasks are operator-side annotations over the fleet; they
// never gate worker-facing operations.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Task is one operator-created bookkeeping record.
type Task struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Kind            string   `json:"kind"`
	Status          string   `json:"status"`
	WorkerIDs       []string `json:"worker_ids"`
	DatasetID       string   `json:"dataset_id"`
	ProgressPercent int      `json:"progress_percent"`
	StartedAtMs     int64    `json:"started_at"`
	CompletedAtMs   int64    `json:"completed_at,omitempty"`
	LogTail         []string `json:"log_tail"`
}

// CreateTaskRequest is the POST /api/tasks body.
type CreateTaskRequest struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	DatasetID   string `json:"dataset_id"`
	WorkerCount int    `json:"worker_count"`
}

const taskLogTailMax = 50

// TaskStore holds operator tasks.
type TaskStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

// NewTaskStore creates an empty task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{tasks: make(map[string]*Task)}
}

// Create records a new running task.
func (s *TaskStore) Create(req CreateTaskRequest, workerIDs []string) (Task, error) {
	if req.Name == "" {
		return Task{}, cluster.Errorf(cluster.KindInvalid, "task name must not be empty")
	}
	if len(req.Name) > maxStringLen || len(req.Kind) > maxStringLen {
		return Task{}, cluster.Errorf(cluster.KindInvalid, "task fields exceed %d bytes", maxStringLen)
	}

	now := time.Now()
	t := &Task{
		ID:          "task_" + uuid.NewString()[:8],
		Name:        req.Name,
		Kind:        req.Kind,
		Status:      TaskRunning,
		WorkerIDs:   workerIDs,
		DatasetID:   req.DatasetID,
		StartedAtMs: now.UnixMilli(),
		LogTail: []string{
			fmt.Sprintf("[%s] task %q started", now.Format("15:04:05"), req.Name),
		},
	}
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()
	return *t, nil
}

// Stop transitions a running task to completed. Stopping an unknown task
// reports false; stopping a finished task is a no-op that reports true.
func (s *TaskStore) Stop(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	if t.Status == TaskRunning || t.Status == TaskPending {
		t.Status = TaskCompleted
		t.CompletedAtMs = time.Now().UnixMilli()
		t.ProgressPercent = 100
		t.appendLog("task stopped by operator")
	}
	return *t, true
}

// Progress updates a running task's progress percentage.
func (s *TaskStore) Progress(id string, percent int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tasks[id]; ok && t.Status == TaskRunning {
		if percent > 100 {
			percent = 100
		}
		t.ProgressPercent = percent
	}
}

// AppendLog adds a line to a task's log tail.
func (s *TaskStore) AppendLog(id, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tasks[id]; ok {
		t.appendLog(line)
	}
}

func (t *Task) appendLog(line string) {
	entry := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), line)
	if len(t.LogTail) >= taskLogTailMax {
		copy(t.LogTail, t.LogTail[1:])
		t.LogTail = t.LogTail[:len(t.LogTail)-1]
	}
	t.LogTail = append(t.LogTail, entry)
}

// Get returns a copy of one task.
func (s *TaskStore) Get(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// List returns copies of all tasks, newest first.
func (s *TaskStore) List() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].StartedAtMs > out[i].StartedAtMs ||
				(out[j].StartedAtMs == out[i].StartedAtMs && out[j].ID > out[i].ID) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}
