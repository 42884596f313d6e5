package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stewardhq/steward/internal/backoff"
)

func fastWorker(t *testing.T, q *Queue, opts ...WorkerOption) *Worker {
	t.Helper()
	base := []WorkerOption{
		WithConcurrency(1),
		WithPollInterval(10 * time.Millisecond),
		WithLeaseDuration(time.Second),
		WithBackoffPolicy(backoff.Policy{Base: time.Millisecond, JitterMax: 0, Max: 5 * time.Millisecond}),
	}
	w := NewWorker(q, append(base, opts...)...)
	t.Cleanup(w.Stop)
	return w
}

func waitForStatus(t *testing.T, store Store, taskID string, want Status) *Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := store.Get(context.Background(), taskID)
		if err == nil && task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := store.Get(context.Background(), taskID)
	t.Fatalf("task %s never reached %s, last seen: %+v", taskID, want, task)
	return nil
}

func TestWorker_RunsHandlerToDone(t *testing.T) {
	q := New(NewMemoryStore())
	w := fastWorker(t, q)

	var ran atomic.Int32
	w.Register(TypeLLMCallback, func(ctx context.Context, task *Task) error {
		ran.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	if _, _, err := q.Enqueue(ctx, EnqueueRequest{TaskID: "t1", Type: TypeLLMCallback}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	task := waitForStatus(t, q, "t1", StatusDone)
	if ran.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", ran.Load())
	}
	if task.CompletedAt == nil {
		t.Error("completed_at not set")
	}
}

func TestWorker_RetriesThenSucceeds(t *testing.T) {
	q := New(NewMemoryStore())
	w := fastWorker(t, q)

	var attempts atomic.Int32
	w.Register(TypeLLMCallback, func(ctx context.Context, task *Task) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient provider error")
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	if _, _, err := q.Enqueue(ctx, EnqueueRequest{TaskID: "t1", Type: TypeLLMCallback, MaxRetries: 5}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	task := waitForStatus(t, q, "t1", StatusDone)
	if attempts.Load() != 3 {
		t.Errorf("handler ran %d times, want 3", attempts.Load())
	}
	if task.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", task.RetryCount)
	}
}

func TestWorker_ExhaustsRetriesToFailed(t *testing.T) {
	q := New(NewMemoryStore())
	w := fastWorker(t, q)

	w.Register(TypeLLMCallback, func(ctx context.Context, task *Task) error {
		return errors.New("permanent breakage")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	if _, _, err := q.Enqueue(ctx, EnqueueRequest{TaskID: "t1", Type: TypeLLMCallback, MaxRetries: 2}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	task := waitForStatus(t, q, "t1", StatusFailed)
	if task.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", task.RetryCount)
	}
	if task.LastError != "permanent breakage" {
		t.Errorf("LastError = %q", task.LastError)
	}
}

func TestWorker_MissingHandlerFailsVisibly(t *testing.T) {
	q := New(NewMemoryStore())
	w := fastWorker(t, q)
	// No handlers registered: anything dequeued is a configuration bug.

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	if _, _, err := q.Enqueue(ctx, EnqueueRequest{TaskID: "t1", Type: "unknown_type", MaxRetries: 3}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	task := waitForStatus(t, q, "t1", StatusFailed)
	if task.LastError == "" {
		t.Error("missing-handler failure has no explanatory error")
	}
}

func TestWorker_RecurrenceEnqueuesSuccessor(t *testing.T) {
	q := New(NewMemoryStore())
	w := fastWorker(t, q)

	w.Register(TypeLLMCallback, func(ctx context.Context, task *Task) error {
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	scheduledAt := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	if _, _, err := q.Enqueue(ctx, EnqueueRequest{
		TaskID:         "reminder",
		Type:           TypeLLMCallback,
		ScheduledAt:    scheduledAt,
		MaxRetries:     3,
		RecurrenceRule: "every:1h",
		Payload:        map[string]any{"conversation_id": "conv-1"},
	}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitForStatus(t, q, "reminder", StatusDone)

	// The successor id is derived from the occurrence after the completed
	// row's scheduled_at, not after now.
	next := scheduledAt.Add(time.Hour)
	successorID := "reminder_recur_" + next.Format(time.RFC3339)

	deadline := time.Now().Add(5 * time.Second)
	var successor *Task
	for time.Now().Before(deadline) {
		if task, err := q.Get(context.Background(), successorID); err == nil {
			successor = task
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if successor == nil {
		t.Fatalf("successor %s never enqueued", successorID)
	}
	if successor.Status != StatusPending {
		t.Errorf("successor status = %q, want pending", successor.Status)
	}
	if !successor.ScheduledAt.Equal(next) {
		t.Errorf("successor scheduled_at = %v, want %v", successor.ScheduledAt, next)
	}
	if successor.OriginalTaskID != "reminder" {
		t.Errorf("successor original_task_id = %q, want reminder", successor.OriginalTaskID)
	}
	if successor.RecurrenceRule != "every:1h" {
		t.Errorf("successor recurrence_rule = %q", successor.RecurrenceRule)
	}
	if got := successor.PayloadString("conversation_id"); got != "conv-1" {
		t.Errorf("successor payload conversation_id = %q", got)
	}
}

func TestWorker_NoRecurrenceOnFailure(t *testing.T) {
	q := New(NewMemoryStore())
	w := fastWorker(t, q)

	w.Register(TypeLLMCallback, func(ctx context.Context, task *Task) error {
		return errors.New("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	scheduledAt := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	if _, _, err := q.Enqueue(ctx, EnqueueRequest{
		TaskID:         "reminder",
		Type:           TypeLLMCallback,
		ScheduledAt:    scheduledAt,
		MaxRetries:     0,
		RecurrenceRule: "every:1h",
	}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	waitForStatus(t, q, "reminder", StatusFailed)

	successorID := "reminder_recur_" + scheduledAt.Add(time.Hour).Format(time.RFC3339)
	if _, err := q.Get(context.Background(), successorID); err == nil {
		t.Error("failed task still produced a recurrence successor")
	}
}

func TestWorker_SuccessHookRunsBeforeRecurrence(t *testing.T) {
	q := New(NewMemoryStore())
	w := fastWorker(t, q)

	w.Register(TypeLLMCallback, func(ctx context.Context, task *Task) error {
		return nil
	})

	hooked := make(chan string, 1)
	w.AddSuccessHook(func(ctx context.Context, task *Task) {
		// The successor must not exist yet when the hook runs.
		successorID := task.ID + "_recur_" + task.ScheduledAt.Add(time.Hour).UTC().Format(time.RFC3339)
		if _, err := q.Get(ctx, successorID); err == nil {
			hooked <- "successor already present"
			return
		}
		hooked <- task.ID
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	scheduledAt := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	if _, _, err := q.Enqueue(ctx, EnqueueRequest{
		TaskID:         "reminder",
		Type:           TypeLLMCallback,
		ScheduledAt:    scheduledAt,
		RecurrenceRule: "every:1h",
	}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	select {
	case got := <-hooked:
		if got != "reminder" {
			t.Errorf("hook observed %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("success hook never ran")
	}
}

func TestWorker_WakeSkipsPollWait(t *testing.T) {
	q := New(NewMemoryStore())
	// A one-minute poll interval: without the wake signal this test would
	// time out.
	w := fastWorker(t, q, WithPollInterval(time.Minute))

	w.Register(TypeLLMCallback, func(ctx context.Context, task *Task) error {
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	// Give the worker time to go idle on the empty queue.
	time.Sleep(50 * time.Millisecond)

	if _, _, err := q.Enqueue(ctx, EnqueueRequest{TaskID: "t1", Type: TypeLLMCallback}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	waitForStatus(t, q, "t1", StatusDone)
}
