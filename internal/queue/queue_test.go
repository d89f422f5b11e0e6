package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fleetwatch/internal/domain"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := New(10)
	q.Enqueue(Task{VehicleID: "a"})
	q.Enqueue(Task{VehicleID: "b"})
	q.Enqueue(Task{VehicleID: "c"})

	got := q.takeAll()
	if len(got) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(got))
	}
	if got[0].VehicleID != "a" || got[2].VehicleID != "c" {
		t.Fatalf("queue not FIFO: %v", got)
	}
	if q.Depth() != 0 {
		t.Fatalf("queue should be empty after takeAll, depth=%d", q.Depth())
	}
}

func TestEnqueueDropsOldestWhenFull(t *testing.T) {
	q := New(2)
	q.Enqueue(Task{VehicleID: "a"})
	q.Enqueue(Task{VehicleID: "b"})
	q.Enqueue(Task{VehicleID: "c"})

	got := q.takeAll()
	if len(got) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(got))
	}
	if got[0].VehicleID != "b" || got[1].VehicleID != "c" {
		t.Fatalf("expected oldest dropped, got %v", got)
	}
}

func TestDrainContinuesPastFailingTask(t *testing.T) {
	q := New(10)
	q.Enqueue(Task{VehicleID: "ok-1"})
	q.Enqueue(Task{VehicleID: "bad"})
	q.Enqueue(Task{VehicleID: "ok-2"})

	var processed []string
	q.drainOnce(context.Background(), func(_ context.Context, task Task) error {
		processed = append(processed, task.VehicleID)
		if task.VehicleID == "bad" {
			return errors.New("boom")
		}
		return nil
	})

	if len(processed) != 3 {
		t.Fatalf("a failing task aborted the drain: %v", processed)
	}
}

func TestDrainContinuesPastPanickingTask(t *testing.T) {
	q := New(10)
	q.Enqueue(Task{VehicleID: "panic"})
	q.Enqueue(Task{VehicleID: "after"})

	var processed []string
	q.drainOnce(context.Background(), func(_ context.Context, task Task) error {
		processed = append(processed, task.VehicleID)
		if task.VehicleID == "panic" {
			panic("boom")
		}
		return nil
	})

	if len(processed) != 2 {
		t.Fatalf("a panicking task aborted the drain: %v", processed)
	}
}

func TestRunDrainPassesDoNotOverlap(t *testing.T) {
	q := New(10)
	q.Enqueue(Task{Type: domain.EventEnter, VehicleID: "v1"})

	var mu sync.Mutex
	var seen int
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.draining.Store(true) // a pass is still in flight
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.RunDrain(ctx, 5*time.Millisecond, func(_ context.Context, _ Task) error {
			mu.Lock()
			seen++
			mu.Unlock()
			return nil
		})
	}()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	n := seen
	mu.Unlock()
	if n != 0 {
		t.Fatalf("ticks must be skipped while a pass is running, processed=%d", n)
	}

	q.draining.Store(false)
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n = seen
		mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("backlog not drained after the pass finished")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain loop did not stop on cancel")
	}
}

func TestRunDrainProcessesAndStops(t *testing.T) {
	q := New(10)
	q.Enqueue(Task{Type: domain.EventEnter, VehicleID: "v1"})

	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var seen int

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.RunDrain(ctx, 5*time.Millisecond, func(_ context.Context, _ Task) error {
			mu.Lock()
			seen++
			mu.Unlock()
			return nil
		})
	}()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := seen
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("drain loop never processed the task")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain loop did not stop on cancel")
	}
}
