package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/errorlog"
	"github.com/stewardhq/steward/internal/events"
	"github.com/stewardhq/steward/internal/observability"
	"github.com/stewardhq/steward/internal/queue"
	"github.com/stewardhq/steward/internal/recurrence"
	"github.com/stewardhq/steward/internal/storage"
	"github.com/stewardhq/steward/pkg/models"
)

// ConditionEvaluator runs a listener's condition script against an event.
// The sandbox engine implements it.
type ConditionEvaluator interface {
	EvalCondition(ctx context.Context, script string, event models.Event) (bool, error)
}

// Service validates automation changes, keeps the queue consistent with
// them, and dispatches events against listeners.
type Service struct {
	store    Store
	queue    *queue.Queue
	logger   *observability.Logger
	metrics  *observability.Metrics
	errs     errorlog.Store
	eval     ConditionEvaluator
	now      func() time.Time
	loc      *time.Location
	dailyCap int
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *observability.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithMetrics sets the service metrics.
func WithMetrics(metrics *observability.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = metrics }
}

// WithConditionEvaluator sets the sandbox used for listener condition
// scripts. Without one, listeners carrying a script never trigger.
func WithConditionEvaluator(eval ConditionEvaluator) ServiceOption {
	return func(s *Service) { s.eval = eval }
}

// WithErrorLog records broken condition scripts in the queryable error log.
func WithErrorLog(store errorlog.Store) ServiceOption {
	return func(s *Service) { s.errs = store }
}

// WithDailyCap limits how often a single listener may trigger per UTC day.
// Zero means unlimited.
func WithDailyCap(n int) ServiceOption {
	return func(s *Service) { s.dailyCap = n }
}

// WithLocation sets the timezone recurrence rules are evaluated in.
func WithLocation(loc *time.Location) ServiceOption {
	return func(s *Service) { s.loc = loc }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates an automation service over store and q.
func NewService(store Store, q *queue.Queue, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		queue:  q,
		logger: observability.NewLogger(observability.LogConfig{}),
		now:    time.Now,
		loc:    time.UTC,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateScheduleRequest describes a schedule automation to create.
type CreateScheduleRequest struct {
	ConversationID string
	InterfaceType  models.InterfaceType
	Name           string
	Description    string
	RecurrenceRule string
	ActionType     ActionType
	ActionConfig   ActionConfig
}

// CreateSchedule validates the request, persists the automation enabled,
// and enqueues its first instance.
func (s *Service) CreateSchedule(ctx context.Context, req CreateScheduleRequest) (*Schedule, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("automation name is required")
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if err := validateAction(req.ActionType, req.ActionConfig); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	next, err := s.nextOccurrence(req.RecurrenceRule, now)
	if err != nil {
		return nil, err
	}

	if err := s.requireNameAvailable(ctx, req.ConversationID, name); err != nil {
		return nil, err
	}

	sched := &Schedule{
		ID:              uuid.NewString(),
		ConversationID:  req.ConversationID,
		InterfaceType:   req.InterfaceType,
		Name:            name,
		Description:     req.Description,
		RecurrenceRule:  req.RecurrenceRule,
		ActionType:      req.ActionType,
		ActionConfig:    req.ActionConfig,
		Enabled:         true,
		CreatedAt:       now,
		NextScheduledAt: &next,
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, err
	}

	first := s.scheduleInstance(sched, next)
	if _, _, err := s.queue.Enqueue(ctx, first); err != nil {
		_ = s.store.DeleteSchedule(ctx, sched.ID)
		return nil, fmt.Errorf("failed to enqueue first instance: %w", err)
	}
	s.countEnqueue(first.Type)

	s.logger.Info(ctx, "schedule automation created",
		"automation_id", sched.ID, "name", name, "next", next)
	return sched, nil
}

// GetSchedule returns one schedule automation.
func (s *Service) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

// ListSchedules returns schedule automations matching the filter.
func (s *Service) ListSchedules(ctx context.Context, f Filter) ([]*Schedule, error) {
	return s.store.ListSchedules(ctx, f)
}

// UpdateScheduleRule replaces the recurrence rule. Pending instances are
// cancelled and, when the automation is enabled, the new first instance is
// enqueued in the same transaction.
func (s *Service) UpdateScheduleRule(ctx context.Context, id, rule string) (*Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	next, err := s.nextOccurrence(rule, s.now().UTC())
	if err != nil {
		return nil, err
	}

	var nextAt *time.Time
	var first *queue.EnqueueRequest
	if sched.Enabled {
		nextAt = &next
		req := s.scheduleInstance(sched, next)
		first = &req
	}
	if err := s.store.SwapScheduleRule(ctx, id, rule, nextAt, first); err != nil {
		return nil, err
	}
	if first != nil {
		s.queue.Signal()
		s.countEnqueue(first.Type)
	}

	s.logger.Info(ctx, "schedule rule updated", "automation_id", id, "rule", rule)
	return s.store.GetSchedule(ctx, id)
}

// SetScheduleEnabled toggles a schedule automation. Disabling cancels its
// pending instances; enabling schedules the next occurrence.
func (s *Service) SetScheduleEnabled(ctx context.Context, id string, enabled bool) (*Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if sched.Enabled == enabled {
		return sched, nil
	}

	var nextAt *time.Time
	var first *queue.EnqueueRequest
	if enabled {
		next, err := s.nextOccurrence(sched.RecurrenceRule, s.now().UTC())
		if err != nil {
			return nil, err
		}
		nextAt = &next
		req := s.scheduleInstance(sched, next)
		first = &req
	}
	if err := s.store.SetScheduleEnabled(ctx, id, enabled, nextAt, first); err != nil {
		return nil, err
	}
	if first != nil {
		s.queue.Signal()
		s.countEnqueue(first.Type)
	}

	s.logger.Info(ctx, "schedule automation toggled", "automation_id", id, "enabled", enabled)
	return s.store.GetSchedule(ctx, id)
}

// DeleteSchedule removes a schedule automation and cancels its pending
// instances.
func (s *Service) DeleteSchedule(ctx context.Context, id string) error {
	if err := s.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}
	s.logger.Info(ctx, "schedule automation deleted", "automation_id", id)
	return nil
}

// CreateListenerRequest describes an event listener to create.
type CreateListenerRequest struct {
	ConversationID  string
	InterfaceType   models.InterfaceType
	Name            string
	Description     string
	SourceID        string
	MatchConditions map[string]any
	ConditionScript string
	ActionType      ActionType
	ActionConfig    ActionConfig
	OneTime         bool
}

// CreateListener validates the request and persists the listener enabled.
func (s *Service) CreateListener(ctx context.Context, req CreateListenerRequest) (*Listener, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("automation name is required")
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if !models.KnownSource(req.SourceID) {
		return nil, fmt.Errorf("unknown event source %q", req.SourceID)
	}
	if err := validateAction(req.ActionType, req.ActionConfig); err != nil {
		return nil, err
	}

	if err := s.requireNameAvailable(ctx, req.ConversationID, name); err != nil {
		return nil, err
	}

	l := &Listener{
		ID:              uuid.NewString(),
		ConversationID:  req.ConversationID,
		InterfaceType:   req.InterfaceType,
		Name:            name,
		Description:     req.Description,
		SourceID:        req.SourceID,
		MatchConditions: req.MatchConditions,
		ConditionScript: req.ConditionScript,
		ActionType:      req.ActionType,
		ActionConfig:    req.ActionConfig,
		OneTime:         req.OneTime,
		Enabled:         true,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.store.CreateListener(ctx, l); err != nil {
		return nil, err
	}

	s.logger.Info(ctx, "event listener created",
		"automation_id", l.ID, "name", name, "source", l.SourceID)
	return l, nil
}

// GetListener returns one event listener.
func (s *Service) GetListener(ctx context.Context, id string) (*Listener, error) {
	return s.store.GetListener(ctx, id)
}

// ListListeners returns event listeners matching the filter.
func (s *Service) ListListeners(ctx context.Context, f Filter) ([]*Listener, error) {
	return s.store.ListListeners(ctx, f)
}

// SetListenerEnabled toggles an event listener.
func (s *Service) SetListenerEnabled(ctx context.Context, id string, enabled bool) error {
	if err := s.store.SetListenerEnabled(ctx, id, enabled); err != nil {
		return err
	}
	s.logger.Info(ctx, "event listener toggled", "automation_id", id, "enabled", enabled)
	return nil
}

// DeleteListener removes an event listener.
func (s *Service) DeleteListener(ctx context.Context, id string) error {
	if err := s.store.DeleteListener(ctx, id); err != nil {
		return err
	}
	s.logger.Info(ctx, "event listener deleted", "automation_id", id)
	return nil
}

// ResetDailyCounters zeroes every listener's daily execution counter. The
// daemon's maintenance job runs it once per day.
func (s *Service) ResetDailyCounters(ctx context.Context) (int, error) {
	n, err := s.store.ResetDailyCounters(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info(ctx, "reset listener daily counters", "listeners", n)
	}
	return n, nil
}

// HandleEvent dispatches an event against the enabled listeners subscribed
// to its source. It is registered as an events dispatcher handler.
func (s *Service) HandleEvent(ctx context.Context, evt models.Event) error {
	listeners, err := s.store.ListListeners(ctx, Filter{SourceID: evt.Source, EnabledOnly: true})
	if err != nil {
		return fmt.Errorf("failed to list listeners for source %s: %w", evt.Source, err)
	}
	for _, l := range listeners {
		s.dispatch(ctx, l, evt)
	}
	return nil
}

func (s *Service) dispatch(ctx context.Context, l *Listener, evt models.Event) {
	if !events.Match(l.MatchConditions, evt) {
		return
	}
	if s.dailyCap > 0 && l.ExecutionsToday(s.now()) >= s.dailyCap {
		s.logger.Debug(ctx, "listener daily cap reached",
			"automation_id", l.ID, "cap", s.dailyCap)
		return
	}
	if l.ConditionScript != "" {
		if s.eval == nil {
			s.logger.Error(ctx, "listener has a condition script but no evaluator is configured",
				"automation_id", l.ID)
			return
		}
		ok, err := s.eval.EvalCondition(ctx, l.ConditionScript, evt)
		if err != nil {
			// A broken script must not trigger or disable the listener.
			s.logger.Error(ctx, "condition script failed",
				"automation_id", l.ID, "error", err)
			errorlog.Record(ctx, s.errs, s.logger, errorlog.Entry{
				LoggerName: "automation",
				Message:    fmt.Sprintf("condition script of listener %s (%s) failed", l.ID, l.Name),
				Traceback:  err.Error(),
			})
			return
		}
		if !ok {
			return
		}
	}

	req := s.listenerTask(l, evt)
	triggered, err := s.store.TriggerListener(ctx, l.ID, s.now().UTC(), l.OneTime, req)
	if err != nil {
		s.logger.Error(ctx, "failed to trigger listener",
			"automation_id", l.ID, "error", err)
		return
	}
	if !triggered {
		return
	}
	s.queue.Signal()
	s.countEnqueue(req.Type)
	if s.metrics != nil {
		s.metrics.AutomationTriggers.WithLabelValues(string(TypeEvent), string(l.ActionType)).Inc()
		s.metrics.ListenersTriggered.WithLabelValues(evt.Source).Inc()
	}
	s.logger.Info(ctx, "event listener triggered",
		"automation_id", l.ID, "source", evt.Source, "task_id", req.TaskID)
}

// ExecutionHook returns the queue hook that advances a schedule automation
// after one of its instances completes: bookkeeping is updated and the next
// occurrence, computed strictly after the actual execution time, is
// enqueued. Disabled or deleted automations end their chain here.
func (s *Service) ExecutionHook() queue.SuccessHook {
	return func(ctx context.Context, task *queue.Task) {
		if task.PayloadString("automation_type") != string(TypeSchedule) {
			return
		}
		id := task.PayloadString("automation_id")
		if id == "" {
			return
		}
		s.advanceSchedule(ctx, id)
	}
}

func (s *Service) advanceSchedule(ctx context.Context, id string) {
	sched, err := s.store.GetSchedule(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Debug(ctx, "schedule automation deleted, chain ends", "automation_id", id)
		return
	}
	if err != nil {
		s.logger.Error(ctx, "failed to load schedule automation", "automation_id", id, "error", err)
		return
	}
	if !sched.Enabled {
		s.logger.Debug(ctx, "schedule automation disabled, chain ends", "automation_id", id)
		return
	}

	executedAt := s.now().UTC()
	next, ok, err := recurrence.NextAfter(sched.RecurrenceRule, executedAt, s.loc)
	if err != nil {
		// The instance already ran; a bad rule only stops the chain.
		s.logger.Error(ctx, "recurrence rule no longer parses",
			"automation_id", id, "rule", sched.RecurrenceRule, "error", err)
		ok = false
	}

	var nextAt *time.Time
	var successor *queue.EnqueueRequest
	if ok {
		n := next
		nextAt = &n
		req := s.scheduleInstance(sched, next)
		successor = &req
	}
	if err := s.store.MarkScheduleExecuted(ctx, id, executedAt, nextAt, successor); err != nil {
		s.logger.Error(ctx, "failed to advance schedule automation",
			"automation_id", id, "error", err)
		return
	}

	if successor == nil {
		s.logger.Info(ctx, "schedule chain complete", "automation_id", id)
		return
	}
	s.queue.Signal()
	s.countEnqueue(successor.Type)
	if s.metrics != nil {
		s.metrics.AutomationTriggers.WithLabelValues(string(TypeSchedule), string(sched.ActionType)).Inc()
	}
	s.logger.Info(ctx, "schedule advanced", "automation_id", id, "next", next)
}

// scheduleInstance builds the queue request for one occurrence. The task id
// encodes the occurrence so duplicate expansion attempts dedup, and the
// task's own recurrence field stays empty: the automation record drives the
// chain so that rule updates and disables stay authoritative.
func (s *Service) scheduleInstance(sched *Schedule, at time.Time) queue.EnqueueRequest {
	payload := map[string]any{
		"conversation_id": sched.ConversationID,
		"interface_type":  string(sched.InterfaceType),
		"automation_id":   sched.ID,
		"automation_type": string(TypeSchedule),
	}
	taskType := queue.TypeLLMCallback
	if sched.ActionType == ActionScript {
		taskType = queue.TypeScriptExecution
		payload["script_code"] = sched.ActionConfig.ScriptCode
		payload["task_name"] = taskName(sched.ActionConfig.TaskName, sched.Name)
	} else {
		payload["callback_context"] = sched.ActionConfig.Context
	}
	return queue.EnqueueRequest{
		TaskID:      InstanceID(sched.ID, at),
		Type:        taskType,
		Payload:     payload,
		ScheduledAt: at,
	}
}

func (s *Service) listenerTask(l *Listener, evt models.Event) queue.EnqueueRequest {
	payload := map[string]any{
		"conversation_id": l.ConversationID,
		"interface_type":  string(l.InterfaceType),
		"automation_id":   l.ID,
		"automation_type": string(TypeEvent),
		"event":           evt.Flat(),
	}
	taskType := queue.TypeLLMCallback
	if l.ActionType == ActionScript {
		taskType = queue.TypeScriptExecution
		payload["script_code"] = l.ActionConfig.ScriptCode
		payload["task_name"] = taskName(l.ActionConfig.TaskName, l.Name)
	} else {
		payload["callback_context"] = l.ActionConfig.Context
	}
	return queue.EnqueueRequest{
		TaskID:  "evt_" + uuid.NewString(),
		Type:    taskType,
		Payload: payload,
	}
}

func (s *Service) nextOccurrence(rule string, after time.Time) (time.Time, error) {
	next, ok, err := recurrence.NextAfter(rule, after, s.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid recurrence rule: %w", err)
	}
	if !ok {
		return time.Time{}, fmt.Errorf("recurrence rule %q yields no future occurrence", rule)
	}
	return next, nil
}

func (s *Service) requireNameAvailable(ctx context.Context, conversationID, name string) error {
	available, err := s.store.NameAvailable(ctx, conversationID, name)
	if err != nil {
		return fmt.Errorf("failed to check name availability: %w", err)
	}
	if !available {
		return fmt.Errorf("automation name %q already in use: %w", name, storage.ErrAlreadyExists)
	}
	return nil
}

func (s *Service) countEnqueue(taskType string) {
	if s.metrics != nil {
		s.metrics.TasksEnqueued.WithLabelValues(taskType).Inc()
	}
}

func taskName(configured, fallback string) string {
	if strings.TrimSpace(configured) != "" {
		return configured
	}
	return fallback
}
