package automation

import (
	"context"
	"time"

	"github.com/stewardhq/steward/internal/queue"
)

// Filter bounds list queries. Zero fields are ignored.
type Filter struct {
	ConversationID string
	// SourceID filters listeners by event source.
	SourceID    string
	EnabledOnly bool
}

// Store is the interface for automation persistence. Operations that change
// which queue instances may run (rule swaps, disables, deletes, listener
// triggers) also apply the matching task writes, atomically where the
// backend supports transactions.
type Store interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListSchedules(ctx context.Context, f Filter) ([]*Schedule, error)

	// SwapScheduleRule replaces the recurrence rule, cancels the pending
	// instances carrying this automation id, and enqueues the new first
	// instance when one is given.
	SwapScheduleRule(ctx context.Context, id, rule string, next *time.Time, first *queue.EnqueueRequest) error

	// SetScheduleEnabled flips the enabled flag. Disabling cancels pending
	// instances; enabling enqueues the given first instance.
	SetScheduleEnabled(ctx context.Context, id string, enabled bool, next *time.Time, first *queue.EnqueueRequest) error

	// MarkScheduleExecuted advances the execution bookkeeping after an
	// instance completed and enqueues the successor when one is given.
	MarkScheduleExecuted(ctx context.Context, id string, executedAt time.Time, next *time.Time, successor *queue.EnqueueRequest) error

	// DeleteSchedule removes the automation and cancels its pending
	// instances.
	DeleteSchedule(ctx context.Context, id string) error

	CreateListener(ctx context.Context, l *Listener) error
	GetListener(ctx context.Context, id string) (*Listener, error)
	ListListeners(ctx context.Context, f Filter) ([]*Listener, error)
	SetListenerEnabled(ctx context.Context, id string, enabled bool) error

	// TriggerListener records one dispatch and enqueues the action task.
	// With disable set the listener is switched off in the same write, so a
	// one_time listener fires at most once: a listener already disabled
	// reports triggered=false and enqueues nothing.
	TriggerListener(ctx context.Context, id string, at time.Time, disable bool, task queue.EnqueueRequest) (bool, error)

	// ResetDailyCounters zeroes daily_executions on all listeners and
	// returns how many rows changed.
	ResetDailyCounters(ctx context.Context, at time.Time) (int, error)

	DeleteListener(ctx context.Context, id string) error

	// NameAvailable reports whether name is unused across both variants
	// within the conversation.
	NameAvailable(ctx context.Context, conversationID, name string) (bool, error)
}
