package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/attachments"
	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/internal/history"
	"github.com/stewardhq/steward/internal/observability"
	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/internal/tools/policy"
	"github.com/stewardhq/steward/pkg/models"
)

const (
	defaultMaxToolIterations = 10
	defaultMaxTokens         = 4096
)

// TurnRequest triggers one orchestrator turn.
type TurnRequest struct {
	InterfaceType      models.InterfaceType
	ConversationID     string
	Content            []models.ContentPart
	InterfaceMessageID string
	UserName           string
	UserID             string
	ProfileID          string

	// RequestConfirmation is the transport's approval callback, nil when
	// the transport cannot prompt.
	RequestConfirmation tools.ConfirmFunc

	// UpdateActivity signals the transport that work is in progress.
	UpdateActivity tools.ActivityFunc
}

// TurnResult is the final reply of a turn.
type TurnResult struct {
	TurnID      string
	Content     string
	Attachments []models.Attachment
}

// StreamEventType names the streaming event kinds.
type StreamEventType string

const (
	StreamContent  StreamEventType = "content"
	StreamToolCall StreamEventType = "tool_call"
	StreamError    StreamEventType = "error"
	StreamDone     StreamEventType = "done"
)

// StreamEvent is one increment of a streamed turn. Content events carry a
// text delta, tool_call events fire before each execution, and the stream
// ends with exactly one error or done event.
type StreamEvent struct {
	Type     StreamEventType
	Content  string
	ToolCall *models.ToolCall
	Error    error
	Result   *TurnResult
}

// ProfileLookup resolves a profile name to its configuration, falling back
// to the default profile for unknown names.
type ProfileLookup func(name string) config.ProfileConfig

// Orchestrator drives turns against a tools chain and a set of LLM
// providers. One orchestrator serves all conversations; per-turn state
// stays on the stack.
type Orchestrator struct {
	history  history.Store
	registry *attachments.Registry
	tools    tools.ToolsProvider
	resolver *policy.Resolver

	providers       map[string]LLMProvider
	defaultProvider string
	profiles        ProfileLookup
	contexts        []ContextProvider
	cfg             config.OrchestratorConfig
	timezone        string

	adapter *adapter
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time
	newID   func() string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *observability.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithNow injects the clock. Tests use a fixed time.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator injects the turn id generator.
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// WithProvider registers an LLM provider under its name.
func WithProvider(name string, p LLMProvider) Option {
	return func(o *Orchestrator) { o.providers[name] = p }
}

// WithDefaultProvider names the provider used by profiles that do not pick
// one.
func WithDefaultProvider(name string) Option {
	return func(o *Orchestrator) { o.defaultProvider = name }
}

// WithProfiles sets the profile lookup.
func WithProfiles(lookup ProfileLookup) Option {
	return func(o *Orchestrator) { o.profiles = lookup }
}

// WithConfig sets the orchestrator tuning knobs.
func WithConfig(cfg config.OrchestratorConfig) Option {
	return func(o *Orchestrator) { o.cfg = cfg }
}

// WithContextProviders appends system-prompt context providers.
func WithContextProviders(ps ...ContextProvider) Option {
	return func(o *Orchestrator) { o.contexts = append(o.contexts, ps...) }
}

// WithPolicyResolver sets the resolver used to expand profile tool policies.
func WithPolicyResolver(r *policy.Resolver) Option {
	return func(o *Orchestrator) { o.resolver = r }
}

// WithTimezone sets the IANA zone name tools render times in.
func WithTimezone(tz string) Option {
	return func(o *Orchestrator) { o.timezone = tz }
}

// NewOrchestrator wires a turn engine over the given history store,
// attachment registry, and tools chain.
func NewOrchestrator(hist history.Store, registry *attachments.Registry, toolsProvider tools.ToolsProvider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		history:         hist,
		registry:        registry,
		tools:           toolsProvider,
		resolver:        policy.NewResolver(),
		providers:       map[string]LLMProvider{},
		defaultProvider: "anthropic",
		profiles:        func(string) config.ProfileConfig { return config.ProfileConfig{} },
		logger:          observability.NewLogger(observability.LogConfig{Level: "info"}),
		now:             time.Now,
		newID:           uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.AttachmentSelectionThreshold <= 0 {
		o.cfg.AttachmentSelectionThreshold = 5
	}
	if o.cfg.MaxResponseAttachments <= 0 {
		o.cfg.MaxResponseAttachments = 5
	}
	if o.cfg.MaxHistoryMessages <= 0 {
		o.cfg.MaxHistoryMessages = 50
	}
	if o.cfg.HistoryMaxAgeHours <= 0 {
		o.cfg.HistoryMaxAgeHours = 24
	}
	if o.cfg.LLMTimeout <= 0 {
		o.cfg.LLMTimeout = 60 * time.Second
	}
	o.adapter = &adapter{loader: registry, logger: o.logger}
	return o
}

// HandleInteraction runs a turn to completion and returns the final reply.
func (o *Orchestrator) HandleInteraction(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	return o.run(ctx, req, nil)
}

// HandleInteractionStream runs a turn and streams its events. The channel
// closes after a terminal error or done event. Abandoning the channel is
// safe once ctx is cancelled.
func (o *Orchestrator) HandleInteractionStream(ctx context.Context, req *TurnRequest) (<-chan StreamEvent, error) {
	if _, err := o.providerFor(o.profile(req.ProfileID)); err != nil {
		return nil, err
	}

	events := make(chan StreamEvent)
	go func() {
		defer close(events)
		emit := func(ev StreamEvent) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}
		result, err := o.run(ctx, req, emit)
		if err != nil {
			emit(StreamEvent{Type: StreamError, Error: err})
			return
		}
		emit(StreamEvent{Type: StreamDone, Result: result})
	}()
	return events, nil
}

// run is the shared turn engine. emit receives content and tool_call events
// as they happen; terminal events are the caller's job.
func (o *Orchestrator) run(ctx context.Context, req *TurnRequest, emit func(StreamEvent)) (*TurnResult, error) {
	if emit == nil {
		emit = func(StreamEvent) {}
	}
	if req.ConversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if req.InterfaceType == "" {
		return nil, fmt.Errorf("interface type is required")
	}

	turnID := o.newID()
	ctx = observability.AddConversationID(ctx, req.ConversationID)
	ctx = observability.AddTurnID(ctx, turnID)
	if o.tracer != nil {
		tctx, span := o.tracer.TraceTurn(ctx, string(req.InterfaceType), req.ConversationID, turnID)
		ctx = tctx
		defer span.End()
	}

	o.countTurnStarted(req.InterfaceType)
	profile := o.profile(req.ProfileID)
	provider, err := o.providerFor(profile)
	if err != nil {
		return nil, o.fail(ctx, req, err)
	}
	caps := capsOf(provider)

	o.logger.Info(ctx, "turn started",
		"interface_type", req.InterfaceType,
		"profile", profile.id,
		"provider", provider.Name(),
		"model", profile.model)

	// Load history before persisting the trigger so it appears once.
	recent, err := o.history.Recent(ctx, req.InterfaceType, req.ConversationID, history.RecentOptions{
		MaxMessages: o.cfg.MaxHistoryMessages,
		MaxAge:      time.Duration(o.cfg.HistoryMaxAgeHours) * time.Hour,
	})
	if err != nil {
		return nil, o.fail(ctx, req, fmt.Errorf("failed to load history: %w", err))
	}
	window := buildWindow(recent)

	triggerWindow, err := o.prepareTrigger(ctx, req, turnID, caps)
	if err != nil {
		return nil, o.fail(ctx, req, err)
	}
	window = append(window, triggerWindow)

	view := tools.NewFiltered(o.tools, o.resolver, profile.policy)
	defs, err := view.ListDefinitions(ctx)
	if err != nil {
		return nil, o.fail(ctx, req, fmt.Errorf("failed to list tools: %w", err))
	}

	execCtx := &tools.ExecContext{
		InterfaceType:       req.InterfaceType,
		ConversationID:      req.ConversationID,
		UserName:            req.UserName,
		UserID:              req.UserID,
		TurnID:              turnID,
		ProfileID:           req.ProfileID,
		Timezone:            o.timezone,
		Clock:               o.now,
		RequestConfirmation: req.RequestConfirmation,
		UpdateActivity:      req.UpdateActivity,
		Tools:               view,
	}

	systemPrompt := o.systemPrompt(ctx, profile, req.ConversationID)

	var staged []models.Attachment
	stagedSeen := map[string]struct{}{}

	for round := 1; round <= profile.maxIterations; round++ {
		if ctx.Err() != nil {
			return nil, o.fail(ctx, req, ctx.Err())
		}

		text, calls, err := o.completeRound(ctx, provider, profile, systemPrompt, window, defs, emit)
		if err != nil {
			o.persistErrorRow(ctx, req, turnID, err)
			return nil, o.fail(ctx, req, err)
		}

		if len(calls) == 0 {
			return o.finish(ctx, req, turnID, provider, profile, text, staged, emit)
		}

		assistant := &models.Message{
			InterfaceType:  req.InterfaceType,
			ConversationID: req.ConversationID,
			TurnID:         turnID,
			Timestamp:      o.now().UTC(),
			Role:           models.RoleAssistant,
			Content:        text,
			ToolCalls:      calls,
		}
		if _, err := o.history.Append(ctx, assistant); err != nil {
			return nil, o.fail(ctx, req, fmt.Errorf("failed to persist assistant message: %w", err))
		}
		window = append(window, CompletionMessage{Role: "assistant", Content: text, ToolCalls: calls})

		for _, call := range calls {
			if ctx.Err() != nil {
				return nil, o.fail(ctx, req, ctx.Err())
			}
			emit(StreamEvent{Type: StreamToolCall, ToolCall: &call})

			result := o.executeTool(ctx, view, call, execCtx)

			for _, att := range result.Attachments {
				if _, ok := stagedSeen[att.ID]; ok {
					continue
				}
				stagedSeen[att.ID] = struct{}{}
				staged = append(staged, att)
			}

			toolRow := &models.Message{
				InterfaceType:  req.InterfaceType,
				ConversationID: req.ConversationID,
				TurnID:         turnID,
				Timestamp:      o.now().UTC(),
				Role:           models.RoleTool,
				ToolCallID:     call.ID,
				Content:        result.Content,
				Attachments:    sanitizeAttachments(result.Attachments),
			}
			if result.IsError {
				toolRow.ErrorTraceback = result.Content
			}
			if _, err := o.history.Append(ctx, toolRow); err != nil {
				return nil, o.fail(ctx, req, fmt.Errorf("failed to persist tool message: %w", err))
			}

			window = append(window, o.adapter.adaptToolResult(ctx, call.ID, result, caps)...)
		}
	}

	// Hard stop: the cap is a budget, not a hint.
	halt := fmt.Sprintf("Stopping here: this request used all %d tool rounds without reaching a final answer. Ask again to continue from this point.", profile.maxIterations)
	haltRow := &models.Message{
		InterfaceType:  req.InterfaceType,
		ConversationID: req.ConversationID,
		TurnID:         turnID,
		Timestamp:      o.now().UTC(),
		Role:           models.RoleAssistant,
		Content:        halt,
	}
	if _, err := o.history.Append(ctx, haltRow); err != nil {
		o.logger.Warn(ctx, "failed to persist halt message", "error", err)
	}
	o.logger.Warn(ctx, "turn hit tool iteration cap", "max_iterations", profile.maxIterations)
	emit(StreamEvent{Type: StreamContent, Content: halt})
	o.countTurnCompleted(req.InterfaceType, "ok")
	return &TurnResult{TurnID: turnID, Content: halt}, nil
}

// completeRound streams one provider call, emitting content events and
// collecting tool calls.
func (o *Orchestrator) completeRound(ctx context.Context, provider LLMProvider, profile profileParams, system string, window []CompletionMessage, defs []tools.Definition, emit func(StreamEvent)) (string, []models.ToolCall, error) {
	llmCtx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
	defer cancel()
	if o.tracer != nil {
		tctx, span := o.tracer.TraceLLMRound(llmCtx, provider.Name(), profile.model)
		llmCtx = tctx
		defer span.End()
	}

	req := &CompletionRequest{
		Model:       profile.model,
		System:      system,
		Messages:    window,
		Tools:       defs,
		MaxTokens:   profile.maxTokens,
		Temperature: profile.temperature,
	}

	start := o.now()
	chunks, err := provider.Complete(llmCtx, req)
	if err != nil {
		o.countLLMRound(provider.Name(), profile.model, "error", start, nil)
		return "", nil, fmt.Errorf("LLM request failed: %w", err)
	}

	var text strings.Builder
	var calls []models.ToolCall
	var usage *Usage
	for chunk := range chunks {
		if chunk.Error != nil {
			o.countLLMRound(provider.Name(), profile.model, "error", start, usage)
			return "", nil, fmt.Errorf("LLM stream failed: %w", chunk.Error)
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			emit(StreamEvent{Type: StreamContent, Content: chunk.Text})
		}
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	o.countLLMRound(provider.Name(), profile.model, "ok", start, usage)
	return text.String(), calls, nil
}

// executeTool runs one call through the per-turn view. Failures come back
// as error results so the model can read them; only the metrics and logs
// distinguish infrastructure faults from tool-reported errors.
func (o *Orchestrator) executeTool(ctx context.Context, view tools.ToolsProvider, call models.ToolCall, execCtx *tools.ExecContext) *tools.ToolResult {
	toolCtx := ctx
	if o.tracer != nil {
		tctx, span := o.tracer.TraceToolExecution(toolCtx, call.Name)
		toolCtx = tctx
		defer span.End()
	}

	o.logger.Debug(ctx, "executing tool", "tool", call.Name, "call_id", call.ID)
	start := o.now()
	result, err := view.Execute(toolCtx, call.Name, call.Input, execCtx)

	status := "success"
	switch {
	case errors.Is(err, tools.ErrToolNotFound):
		result = tools.Errorf("tool not found: %s", call.Name)
		status = "error"
	case err != nil:
		o.logger.Warn(ctx, "tool execution failed", "tool", call.Name, "error", err)
		result = tools.Errorf("tool %s failed: %v", call.Name, err)
		status = "error"
	case result == nil:
		result = tools.Text("")
	case result.IsError:
		status = "error"
	}

	if o.metrics != nil {
		o.metrics.ToolExecutions.WithLabelValues(call.Name, status).Inc()
		o.metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(o.now().Sub(start).Seconds())
	}
	return result
}

// finish selects the forwarded attachments, persists the reply, and links
// the attachments to its message id.
func (o *Orchestrator) finish(ctx context.Context, req *TurnRequest, turnID string, provider LLMProvider, profile profileParams, text string, staged []models.Attachment, emit func(StreamEvent)) (*TurnResult, error) {
	var forwarded []models.Attachment
	if len(staged) > 0 {
		forwarded = o.selectAttachments(ctx, provider, profile, text, staged)
	}

	final := &models.Message{
		InterfaceType:  req.InterfaceType,
		ConversationID: req.ConversationID,
		TurnID:         turnID,
		Timestamp:      o.now().UTC(),
		Role:           models.RoleAssistant,
		Content:        text,
		Attachments:    sanitizeAttachments(forwarded),
	}
	internalID, err := o.history.Append(ctx, final)
	if err != nil {
		return nil, o.fail(ctx, req, fmt.Errorf("failed to persist reply: %w", err))
	}

	messageID := strconv.FormatInt(internalID, 10)
	for _, att := range forwarded {
		if err := o.registry.LinkToMessage(ctx, att.ID, req.ConversationID, messageID); err != nil {
			o.logger.Warn(ctx, "failed to link forwarded attachment",
				"attachment_id", att.ID, "error", err)
		}
	}

	o.countTurnCompleted(req.InterfaceType, "ok")
	o.logger.Info(ctx, "turn completed",
		"content_length", len(text),
		"attachments", len(forwarded))
	return &TurnResult{TurnID: turnID, Content: text, Attachments: forwarded}, nil
}

// prepareTrigger registers the trigger's binary parts, persists the trigger
// row, and returns its provider-window rendering.
func (o *Orchestrator) prepareTrigger(ctx context.Context, req *TurnRequest, turnID string, caps providerCaps) (CompletionMessage, error) {
	content := models.JoinText(req.Content)
	winMsg := CompletionMessage{Role: "user", Content: content}
	var rowAtts []models.Attachment

	for _, part := range req.Content {
		if part.Type != "data" || len(part.Data) == 0 {
			continue
		}
		reg, err := o.registry.RegisterUserAttachment(ctx, part.Data, part.Filename, part.MimeType,
			req.ConversationID, req.InterfaceMessageID, req.UserID)
		if err != nil {
			return CompletionMessage{}, fmt.Errorf("failed to register trigger attachment: %w", err)
		}
		rowAtts = append(rowAtts, models.Attachment{
			ID:       reg.ID,
			MimeType: reg.MimeType,
			Filename: part.Filename,
			Size:     reg.Size,
		})

		inline, note := o.adapter.adaptUserBinary(ctx, reg.ID, part, caps)
		if inline != nil {
			winMsg.Attachments = append(winMsg.Attachments, *inline)
		}
		if note != "" {
			appendBlock(&winMsg, note)
		}
	}
	if winMsg.Content == "" && len(winMsg.Attachments) == 0 {
		winMsg.Content = "(empty message)"
	}

	row := &models.Message{
		InterfaceType:      req.InterfaceType,
		ConversationID:     req.ConversationID,
		InterfaceMessageID: req.InterfaceMessageID,
		TurnID:             turnID,
		Timestamp:          o.now().UTC(),
		Role:               models.RoleUser,
		Content:            content,
		Attachments:        rowAtts,
	}
	if _, err := o.history.Append(ctx, row); err != nil {
		return CompletionMessage{}, fmt.Errorf("failed to persist trigger: %w", err)
	}
	return winMsg, nil
}

// persistErrorRow records a provider failure in history so the breakdown is
// visible next to the conversation it broke.
func (o *Orchestrator) persistErrorRow(ctx context.Context, req *TurnRequest, turnID string, cause error) {
	row := &models.Message{
		InterfaceType:  req.InterfaceType,
		ConversationID: req.ConversationID,
		TurnID:         turnID,
		Timestamp:      o.now().UTC(),
		Role:           models.RoleAssistant,
		ErrorTraceback: cause.Error(),
	}
	if _, err := o.history.Append(context.WithoutCancel(ctx), row); err != nil {
		o.logger.Warn(ctx, "failed to persist error row", "error", err)
	}
}

func (o *Orchestrator) systemPrompt(ctx context.Context, profile profileParams, conversationID string) string {
	parts := make([]string, 0, 1+len(o.contexts))
	if profile.systemPrompt != "" {
		parts = append(parts, profile.systemPrompt)
	}
	for _, cp := range o.contexts {
		for _, frag := range cp.Fragments(ctx, conversationID) {
			if frag != "" {
				parts = append(parts, frag)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

// profileParams is a profile resolved to turn parameters.
type profileParams struct {
	id            string
	systemPrompt  string
	provider      string
	model         string
	maxTokens     int
	temperature   *float64
	maxIterations int
	policy        *policy.Policy
}

func (o *Orchestrator) profile(name string) profileParams {
	pc := o.profiles(name)
	id := name
	if id == "" {
		id = "default"
	}
	p := profileParams{
		id:            id,
		systemPrompt:  pc.SystemPrompt,
		provider:      pc.Provider,
		model:         pc.Model,
		maxTokens:     pc.MaxTokens,
		temperature:   pc.Temperature,
		maxIterations: pc.MaxToolIterations,
		policy: &policy.Policy{
			Allow:   pc.Tools.Enabled,
			Deny:    pc.Tools.Disabled,
			DenyAll: pc.Tools.DenyAllTools,
		},
	}
	if p.maxIterations <= 0 {
		p.maxIterations = defaultMaxToolIterations
	}
	if p.maxTokens <= 0 {
		p.maxTokens = defaultMaxTokens
	}
	return p
}

func (o *Orchestrator) providerFor(p profileParams) (LLMProvider, error) {
	name := p.provider
	if name == "" {
		name = o.defaultProvider
	}
	provider, ok := o.providers[name]
	if !ok || provider == nil {
		return nil, fmt.Errorf("no LLM provider registered for %q", name)
	}
	return provider, nil
}

// fail counts the turn as failed and passes the cause through.
func (o *Orchestrator) fail(ctx context.Context, req *TurnRequest, cause error) error {
	o.logger.Error(ctx, "turn failed", "error", cause)
	o.countTurnCompleted(req.InterfaceType, "error")
	return cause
}

func (o *Orchestrator) countTurnStarted(it models.InterfaceType) {
	if o.metrics == nil {
		return
	}
	o.metrics.TurnsStarted.WithLabelValues(string(it)).Inc()
}

func (o *Orchestrator) countTurnCompleted(it models.InterfaceType, status string) {
	if o.metrics == nil {
		return
	}
	o.metrics.TurnsCompleted.WithLabelValues(string(it), status).Inc()
}

func (o *Orchestrator) countLLMRound(provider, model, status string, start time.Time, usage *Usage) {
	if o.metrics == nil {
		return
	}
	o.metrics.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	o.metrics.LLMRequestDuration.WithLabelValues(provider, model).Observe(o.now().Sub(start).Seconds())
	if usage != nil {
		o.metrics.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(usage.InputTokens))
		o.metrics.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(usage.OutputTokens))
	}
}

// sanitizeAttachments strips inline data URLs before persistence; history
// rows keep metadata, the registry keeps content.
func sanitizeAttachments(atts []models.Attachment) []models.Attachment {
	if len(atts) == 0 {
		return nil
	}
	out := make([]models.Attachment, len(atts))
	for i, att := range atts {
		if strings.HasPrefix(att.URL, "data:") {
			att.URL = ""
		}
		out[i] = att
	}
	return out
}
