package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fleetwatch/internal/domain"
	"fleetwatch/internal/observability"
)

// Task is one pending notification job. Detection enqueues these; the drain
// loop hands them to the escalation engine.
type Task struct {
	Type       domain.EventType
	Alarm      domain.Alarm
	EventID    string
	VehicleID  string
	Plate      string
	ZoneName   string
	Recipient  string
	Message    string
	EnqueuedAt time.Time
}

type Handler func(ctx context.Context, task Task) error

// Queue is an in-process FIFO. Enqueue never blocks; when the queue is full
// the oldest task is dropped and counted, so detection keeps running during
// a notification backlog.
type Queue struct {
	mu       sync.Mutex
	tasks    []Task
	maxSize  int
	draining atomic.Bool
}

func New(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Queue{maxSize: maxSize}
}

func (q *Queue) Enqueue(task Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) >= q.maxSize {
		q.tasks = q.tasks[1:]
		observability.QueueDropped.Inc()
		slog.Warn("alarm queue full, dropped oldest task")
	}
	q.tasks = append(q.tasks, task)
	observability.QueueDepth.Set(float64(len(q.tasks)))
}

func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// takeAll removes and returns the entire backlog.
func (q *Queue) takeAll() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	out := q.tasks
	q.tasks = nil
	observability.QueueDepth.Set(0)
	return out
}

// RunDrain processes the backlog on a fixed interval until ctx is canceled.
// Passes never overlap: if the previous pass is still running, the tick is
// skipped. One task's failure never aborts the rest of the pass.
func (q *Queue) RunDrain(ctx context.Context, interval time.Duration, handler Handler) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !q.draining.CompareAndSwap(false, true) {
				continue
			}
			q.drainOnce(ctx, handler)
			q.draining.Store(false)
		}
	}
}

func (q *Queue) drainOnce(ctx context.Context, handler Handler) {
	for _, task := range q.takeAll() {
		if ctx.Err() != nil {
			return
		}
		q.process(ctx, handler, task)
	}
}

func (q *Queue) process(ctx context.Context, handler Handler, task Task) {
	defer func() {
		if r := recover(); r != nil {
			observability.TaskErrors.Inc()
			slog.Error("alarm task panicked", "type", string(task.Type), "vehicle_id", task.VehicleID, "panic", r)
		}
	}()
	if err := handler(ctx, task); err != nil {
		observability.TaskErrors.Inc()
		slog.Error("alarm task failed", "type", string(task.Type), "vehicle_id", task.VehicleID, "err", err)
	}
}
