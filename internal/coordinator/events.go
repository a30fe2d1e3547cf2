package coordinator

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one entry of the coordinator's bounded in-memory event log,
// served by /api/logs.
type Event struct {
	ID          string `json:"id"`
	TimestampMs int64  `json:"timestamp"`
	Level       string `json:"level"`
	Message     string `json:"message"`
	Source      string `json:"source"`
	TaskID      string `json:"task_id,omitempty"`
	WorkerID    string `json:"worker_id,omitempty"`
}

// EventLog is a fixed-capacity ring of recent events.
type EventLog struct {
	mu     sync.Mutex
	events []Event
	cap    int
}

// NewEventLog creates a log keeping the most recent capacity entries.
func NewEventLog(capacity int) *EventLog {
	return &EventLog{cap: capacity}
}

// Append records an event, evicting the oldest entry when full.
func (l *EventLog) Append(level, source, message, taskID, workerID string) {
	e := Event{
		ID:          "log_" + uuid.NewString()[:8],
		TimestampMs: time.Now().UnixMilli(),
		Level:       level,
		Message:     message,
		Source:      source,
		TaskID:      taskID,
		WorkerID:    workerID,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) >= l.cap {
		copy(l.events, l.events[1:])
		l.events = l.events[:len(l.events)-1]
	}
	l.events = append(l.events, e)
}

// Recent returns up to limit events, most recent first. A non-positive
// limit means all retained events.
func (l *EventLog) Recent(limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.events)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, 0, n)
	for i := len(l.events) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, l.events[i])
	}
	return out
}

// ForTask returns a task's events, most recent first.
func (l *EventLog) ForTask(taskID string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].TaskID == taskID {
			out = append(out, l.events[i])
		}
	}
	return out
}
