package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/stewardhq/steward/internal/observability"
	"github.com/stewardhq/steward/internal/queue"
	"github.com/stewardhq/steward/internal/storage"
	"github.com/stewardhq/steward/pkg/models"
)

// Bridge applies worker-completion webhooks to the task rows. When a
// completed task's payload names a conversation_id, the bridge also enqueues
// an llm_callback so the assistant can announce the outcome there.
type Bridge struct {
	store   Store
	queue   *queue.Queue
	logger  *observability.Logger
	metrics *observability.Metrics

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithBridgeLogger sets the bridge logger.
func WithBridgeLogger(logger *observability.Logger) BridgeOption {
	return func(b *Bridge) { b.logger = logger }
}

// WithBridgeMetrics sets the bridge metrics.
func WithBridgeMetrics(metrics *observability.Metrics) BridgeOption {
	return func(b *Bridge) { b.metrics = metrics }
}

// NewBridge creates a completion bridge over the worker-task store.
func NewBridge(store Store, q *queue.Queue, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		store:  store,
		queue:  q,
		logger: observability.NewLogger(observability.LogConfig{}),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start consumes events until the channel closes, the context is cancelled,
// or Stop is called. Pass the dispatcher's webhook subscription.
func (b *Bridge) Start(ctx context.Context, events <-chan models.Event) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.stopCh:
				return
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				b.handle(ctx, evt)
			}
		}
	}()
}

// Stop signals the bridge to stop and waits for the consumer goroutine.
// Safe to call multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

func (b *Bridge) handle(ctx context.Context, evt models.Event) {
	taskID, statusRaw, ok := completionKeys(evt.Payload)
	if !ok {
		// Not a worker completion; other webhook consumers may want it.
		return
	}

	status, ok := completionStatus(statusRaw)
	if !ok {
		b.logger.Warn(ctx, "ignoring completion with unknown status",
			"worker_task_id", taskID, "status", statusRaw)
		return
	}

	task, err := b.store.Get(ctx, taskID)
	if errors.Is(err, storage.ErrNotFound) {
		b.logger.Debug(ctx, "completion for unknown worker task", "worker_task_id", taskID)
		return
	}
	if err != nil {
		b.logger.Error(ctx, "failed to load worker task", "worker_task_id", taskID, "error", err)
		return
	}
	if task.Status.Terminal() {
		b.logger.Debug(ctx, "duplicate worker completion", "worker_task_id", taskID)
		return
	}

	result := completionResult(evt.Payload)
	if err := b.store.Complete(ctx, taskID, status, result); err != nil {
		b.logger.Error(ctx, "failed to record worker completion",
			"worker_task_id", taskID, "status", status, "error", err)
		return
	}
	if b.metrics != nil {
		b.metrics.WorkerJobsCompleted.WithLabelValues(string(status)).Inc()
	}
	b.logger.Info(ctx, "worker job finished",
		"worker_task_id", taskID, "name", task.Name, "status", status)

	b.announce(ctx, task, status, result)
}

// announce enqueues an llm_callback for tasks whose payload carries a
// conversation. The deterministic task id makes duplicate webhooks a no-op.
func (b *Bridge) announce(ctx context.Context, task *WorkerTask, status Status, result *Result) {
	conversationID := task.PayloadString("conversation_id")
	if conversationID == "" || b.queue == nil {
		return
	}
	interfaceType := task.PayloadString("interface_type")
	if interfaceType == "" {
		interfaceType = string(models.InterfaceAPI)
	}

	_, created, err := b.queue.Enqueue(ctx, queue.EnqueueRequest{
		TaskID: "job_done_" + task.ID,
		Type:   queue.TypeLLMCallback,
		Payload: map[string]any{
			"conversation_id":  conversationID,
			"interface_type":   interfaceType,
			"callback_context": announcement(task, status, result),
		},
	})
	if err != nil {
		b.logger.Error(ctx, "failed to enqueue completion callback",
			"worker_task_id", task.ID, "error", err)
		return
	}
	if created {
		b.logger.Debug(ctx, "completion callback enqueued",
			"worker_task_id", task.ID, "conversation_id", conversationID)
	}
}

func announcement(task *WorkerTask, status Status, result *Result) string {
	name := task.Name
	if name == "" {
		name = task.ID
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Background job %q finished with status %s.", name, status)
	if result != nil {
		fmt.Fprintf(&sb, " Exit code %d.", result.ExitCode)
		if result.Summary != "" {
			fmt.Fprintf(&sb, " Summary: %s", result.Summary)
		}
		if len(result.OutputFiles) > 0 {
			fmt.Fprintf(&sb, " Output files: %s.", strings.Join(result.OutputFiles, ", "))
		}
	}
	return sb.String()
}

// completionKeys extracts the identifying fields of a worker_completion
// payload. Webhook events carrying anything else are not completions.
func completionKeys(payload map[string]any) (taskID, status string, ok bool) {
	taskID, _ = payload["task_id"].(string)
	status, _ = payload["status"].(string)
	return taskID, status, taskID != "" && status != ""
}

func completionStatus(raw string) (Status, bool) {
	switch strings.ToLower(raw) {
	case "completed", "succeeded", "success", "done":
		return StatusCompleted, true
	case "failed", "failure", "error":
		return StatusFailed, true
	default:
		return "", false
	}
}

func completionResult(payload map[string]any) *Result {
	result := &Result{}
	if code, ok := intValue(payload["exit_code"]); ok {
		result.ExitCode = code
	}
	if summary, ok := payload["summary"].(string); ok {
		result.Summary = summary
	}
	switch files := payload["output_files"].(type) {
	case []string:
		result.OutputFiles = append([]string(nil), files...)
	case []any:
		for _, f := range files {
			if s, ok := f.(string); ok {
				result.OutputFiles = append(result.OutputFiles, s)
			}
		}
	}
	return result
}

// intValue coerces the numeric types a decoded JSON payload or an in-process
// publisher may carry.
func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}
