package queue

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/backoff"
	"github.com/stewardhq/steward/internal/errorlog"
	"github.com/stewardhq/steward/internal/observability"
	"github.com/stewardhq/steward/internal/recurrence"
)

// Handler processes one task. A nil return marks the task done; an error
// routes it through the retry path.
type Handler func(ctx context.Context, task *Task) error

// SuccessHook runs after a task reaches done, before recurrence expansion.
type SuccessHook func(ctx context.Context, task *Task)

// Worker drains the queue with a pool of goroutines. Register all handlers
// before calling Start.
type Worker struct {
	queue   *Queue
	logger  *observability.Logger
	metrics *observability.Metrics
	errs    errorlog.Store
	now     func() time.Time
	loc     *time.Location

	id           string
	concurrency  int
	pollInterval time.Duration
	lease        time.Duration
	policy       backoff.Policy

	handlers map[string]Handler
	hooks    []SuccessHook

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(logger *observability.Logger) WorkerOption {
	return func(w *Worker) { w.logger = logger }
}

// WithMetrics sets the worker metrics.
func WithMetrics(metrics *observability.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = metrics }
}

// WithErrorLog records permanent task failures in the queryable error log.
func WithErrorLog(store errorlog.Store) WorkerOption {
	return func(w *Worker) { w.errs = store }
}

// WithConcurrency sets how many goroutines drain the queue.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) { w.concurrency = n }
}

// WithPollInterval sets the idle poll interval.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.pollInterval = d }
}

// WithLeaseDuration sets how long a claimed task is held before other
// workers may reclaim it.
func WithLeaseDuration(d time.Duration) WorkerOption {
	return func(w *Worker) { w.lease = d }
}

// WithBackoffPolicy sets the retry backoff policy.
func WithBackoffPolicy(policy backoff.Policy) WorkerOption {
	return func(w *Worker) { w.policy = policy }
}

// WithLocation sets the timezone recurrence rules are evaluated in.
func WithLocation(loc *time.Location) WorkerOption {
	return func(w *Worker) { w.loc = loc }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

// NewWorker creates a worker pool over the queue.
func NewWorker(queue *Queue, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:        queue,
		logger:       observability.NewLogger(observability.LogConfig{}),
		now:          time.Now,
		loc:          time.UTC,
		id:           "worker-" + uuid.NewString()[:8],
		concurrency:  2,
		pollInterval: 5 * time.Second,
		lease:        2 * time.Minute,
		policy:       backoff.Default(),
		handlers:     map[string]Handler{},
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Register binds a handler to a task type.
func (w *Worker) Register(taskType string, handler Handler) {
	w.handlers[taskType] = handler
}

// AddSuccessHook appends a hook invoked after each successful task.
func (w *Worker) AddSuccessHook(hook SuccessHook) {
	w.hooks = append(w.hooks, hook)
}

// Start launches the pool. The context cancels all in-flight handlers.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx, fmt.Sprintf("%s-%d", w.id, i))
	}
}

// Stop signals the pool to stop and waits for in-flight tasks to finish.
// It is safe to call Stop multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID string) {
	defer w.wg.Done()

	log := w.logger.WithFields("worker_id", workerID)
	log.Info(ctx, "worker started", "task_types", w.handledTypes())

	for {
		select {
		case <-w.stopCh:
			log.Info(ctx, "worker shutting down")
			return
		case <-ctx.Done():
			log.Info(ctx, "context cancelled, worker shutting down")
			return
		default:
		}

		task, err := w.queue.Dequeue(ctx, workerID, w.handledTypes(), w.lease)
		if err != nil {
			log.Error(ctx, "dequeue failed", "error", err)
			w.sleep(time.Second)
			continue
		}
		if task == nil {
			w.sleep(w.jitteredPoll())
			continue
		}

		w.execute(ctx, log, workerID, task)
	}
}

// sleep waits for the given duration or until an enqueue or stop signal.
func (w *Worker) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.stopCh:
	case <-w.queue.Wake():
	case <-timer.C:
	}
}

// jitteredPoll spreads worker wake-ups across [base-j, base+j].
func (w *Worker) jitteredPoll() time.Duration {
	base := w.pollInterval
	jitter := base / 5
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int63n(int64(2 * jitter))) // #nosec G404 -- poll jitter does not require cryptographic randomness
	return base - jitter + offset
}

func (w *Worker) handledTypes() []string {
	types := make([]string, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (w *Worker) execute(ctx context.Context, log *observability.Logger, workerID string, task *Task) {
	taskCtx := observability.AddTaskID(ctx, task.ID)
	log = log.WithFields("task_id", task.ID, "task_type", task.Type)
	log.Info(taskCtx, "task claimed", "retry_count", task.RetryCount)

	handler, ok := w.handlers[task.Type]
	if !ok {
		// Configuration bug: a type was enqueued that this daemon cannot
		// run. Fail it loudly instead of retrying forever.
		msg := fmt.Sprintf("no handler registered for task type %q", task.Type)
		log.Error(taskCtx, "task failed", "error", msg)
		errorlog.Record(taskCtx, w.errs, log, errorlog.Entry{
			Level:      errorlog.LevelCritical,
			LoggerName: "worker",
			Message:    msg,
		})
		w.markTerminal(task, StatusFailed, msg)
		return
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(taskCtx)
	defer cancelHeartbeat()
	go w.runHeartbeat(heartbeatCtx, log, workerID, task.ID)

	start := w.now()
	err := handler(taskCtx, task)
	cancelHeartbeat()

	if w.metrics != nil {
		w.metrics.TaskDuration.WithLabelValues(task.Type).Observe(w.now().Sub(start).Seconds())
	}

	if err == nil {
		log.Info(taskCtx, "task done", "duration", w.now().Sub(start))
		w.markTerminal(task, StatusDone, "")
		w.afterSuccess(task)
		return
	}

	if task.RetryCount < task.MaxRetries {
		delay := w.policy.Compute(task.RetryCount)
		next := w.now().UTC().Add(delay)
		log.Warn(taskCtx, "task failed, rescheduling",
			"error", err, "retry_count", task.RetryCount+1, "next_attempt", next)
		if w.metrics != nil {
			w.metrics.TaskRetries.WithLabelValues(task.Type).Inc()
		}
		// Terminal and release writes must survive handler context
		// cancellation.
		if rerr := w.queue.RescheduleForRetry(context.Background(), task.ID, next, task.RetryCount+1, err.Error()); rerr != nil {
			// The lease expiry will make the row claimable again.
			log.Error(taskCtx, "failed to reschedule task", "error", rerr)
		}
		return
	}

	log.Error(taskCtx, "task failed permanently", "error", err, "retry_count", task.RetryCount)
	errorlog.Record(taskCtx, w.errs, log, errorlog.Entry{
		Level:      errorlog.LevelError,
		LoggerName: "worker",
		Message:    fmt.Sprintf("task %s (%s) failed after %d retries", task.ID, task.Type, task.RetryCount),
		Traceback:  err.Error(),
	})
	w.markTerminal(task, StatusFailed, err.Error())
}

func (w *Worker) markTerminal(task *Task, status Status, errMsg string) {
	if err := w.queue.UpdateStatus(context.Background(), task.ID, status, errMsg); err != nil {
		w.logger.Error(context.Background(), "failed to update task status",
			"task_id", task.ID, "status", status, "error", err)
		return
	}
	if w.metrics != nil {
		w.metrics.TasksCompleted.WithLabelValues(task.Type, string(status)).Inc()
	}
}

func (w *Worker) afterSuccess(task *Task) {
	ctx := observability.AddTaskID(context.Background(), task.ID)
	for _, hook := range w.hooks {
		hook(ctx, task)
	}
	if task.RecurrenceRule != "" {
		w.expandRecurrence(ctx, task)
	}
}

// expandRecurrence enqueues the next instance of a recurring task. The next
// occurrence is computed after the completed row's scheduled_at, not after
// now, so a delayed run does not shift the cadence.
func (w *Worker) expandRecurrence(ctx context.Context, task *Task) {
	next, ok, err := recurrence.NextAfter(task.RecurrenceRule, task.ScheduledAt, w.loc)
	if err != nil {
		// The original already succeeded; a bad rule only stops the chain.
		w.logger.Error(ctx, "recurrence evaluation failed",
			"task_id", task.ID, "rule", task.RecurrenceRule, "error", err)
		return
	}
	if !ok {
		w.logger.Info(ctx, "recurrence chain complete", "task_id", task.ID)
		return
	}

	base := task.RecurrenceBase()
	successorID := fmt.Sprintf("%s_recur_%s", base, next.UTC().Format(time.RFC3339))
	_, created, err := w.queue.Enqueue(ctx, EnqueueRequest{
		TaskID:         successorID,
		Type:           task.Type,
		Payload:        task.Payload,
		ScheduledAt:    next,
		MaxRetries:     task.MaxRetries,
		RecurrenceRule: task.RecurrenceRule,
		OriginalTaskID: base,
	})
	if err != nil {
		w.logger.Error(ctx, "failed to enqueue recurrence successor",
			"task_id", task.ID, "successor_id", successorID, "error", err)
		return
	}
	if created {
		if w.metrics != nil {
			w.metrics.TasksEnqueued.WithLabelValues(task.Type).Inc()
		}
		w.logger.Info(ctx, "recurrence successor enqueued",
			"task_id", task.ID, "successor_id", successorID, "scheduled_at", next)
	}
}

func (w *Worker) runHeartbeat(ctx context.Context, log *observability.Logger, workerID, taskID string) {
	interval := w.lease / 3
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
			if err := w.queue.ExtendLease(ctx, taskID, workerID, w.lease); err != nil {
				log.Warn(ctx, "lease extension failed", "task_id", taskID, "error", err)
			}
		}
	}
}
