package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stewardhq/steward/internal/agent"
	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/internal/observability"
	"github.com/stewardhq/steward/internal/storage"
	"github.com/stewardhq/steward/pkg/models"
)

// inlineArtifactLimit caps attachment bytes embedded into artifact parts;
// larger content is referenced by attachment id instead.
const inlineArtifactLimit = 512 * 1024

// TurnRunner drives one orchestrator turn per protocol message. The
// orchestrator satisfies it.
type TurnRunner interface {
	HandleInteraction(ctx context.Context, req *agent.TurnRequest) (*agent.TurnResult, error)
	HandleInteractionStream(ctx context.Context, req *agent.TurnRequest) (<-chan agent.StreamEvent, error)
}

// ContentFetcher loads attachment bytes for inlining into artifacts.
type ContentFetcher interface {
	GetContent(ctx context.Context, id string) ([]byte, error)
}

// Server is the agent-to-agent HTTP surface: JSON-RPC at /a2a, SSE at
// /a2a/stream, card discovery under /.well-known, plus the shared health,
// metrics, and webhook routes of the daemon.
type Server struct {
	card           AgentCard
	defaultProfile string
	runner         TurnRunner
	store          Store
	auth           *authenticator
	content        ContentFetcher
	webhook        http.Handler
	metricsHandler http.Handler

	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string

	mu      sync.Mutex
	running map[string]context.CancelFunc

	httpServer *http.Server
	addr       string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *observability.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithWebhookHandler mounts h at POST /events/webhook.
func WithWebhookHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.webhook = h }
}

// WithMetricsHandler mounts h at GET /metrics.
func WithMetricsHandler(h http.Handler) ServerOption {
	return func(s *Server) { s.metricsHandler = h }
}

// WithContentFetcher enables inlining attachment bytes into artifacts.
func WithContentFetcher(f ContentFetcher) ServerOption {
	return func(s *Server) { s.content = f }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) ServerOption {
	return func(s *Server) { s.now = now }
}

// WithIDGenerator overrides task/context id generation, for tests.
func WithIDGenerator(fn func() string) ServerOption {
	return func(s *Server) { s.newID = fn }
}

// NewServer builds the wire server over runner and store.
func NewServer(cfg config.ServerConfig, profiles map[string]config.ProfileConfig, defaultProfile string, runner TurnRunner, store Store, opts ...ServerOption) *Server {
	s := &Server{
		card:           BuildCard(cfg, profiles),
		defaultProfile: defaultProfile,
		runner:         runner,
		store:          store,
		auth:           newAuthenticator(cfg.Auth),
		logger:         observability.NewLogger(observability.LogConfig{Level: "info"}),
		now:            time.Now,
		newID:          uuid.NewString,
		running:        make(map[string]context.CancelFunc),
		addr:           cfg.Addr,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/agent.json", s.handleCard)
	mux.HandleFunc("/.well-known/agent-card.json", s.handleCard)
	mux.HandleFunc("/agent-card.json", s.handleCard)
	mux.HandleFunc("/healthz", s.handleHealth)
	if s.metricsHandler != nil {
		mux.Handle("/metrics", s.metricsHandler)
	}
	if s.webhook != nil {
		mux.Handle("/events/webhook", s.auth.middleware(s.webhook))
	}
	mux.Handle("/a2a", s.auth.middleware(http.HandlerFunc(s.handleRPC)))
	mux.Handle("/a2a/stream", s.auth.middleware(http.HandlerFunc(s.handleStreamRPC)))
	return mux
}

// Start begins serving. It returns once the listener is closed.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.card)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRPC serves POST /a2a. message/stream arriving here is answered
// over SSE exactly as on /a2a/stream.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	req, rpcErr := s.decodeRequest(w, r)
	if rpcErr != nil {
		s.countRequest("invalid", rpcErr)
		writeRPCError(w, nil, rpcErr)
		return
	}

	switch req.Method {
	case MethodMessageSend:
		result, rpcErr := s.messageSend(r.Context(), req.Params)
		s.respond(w, req, result, rpcErr)
	case MethodTasksGet:
		result, rpcErr := s.tasksGet(r.Context(), req.Params)
		s.respond(w, req, result, rpcErr)
	case MethodTasksCancel:
		result, rpcErr := s.tasksCancel(r.Context(), req.Params)
		s.respond(w, req, result, rpcErr)
	case MethodMessageStream:
		s.messageStream(w, r, req)
	default:
		rpcErr := Errorf(CodeMethodNotFound, "method not found: %s", req.Method)
		s.countRequest(req.Method, rpcErr)
		writeRPCError(w, req.ID, rpcErr)
	}
}

// handleStreamRPC serves POST /a2a/stream, which accepts only
// message/stream.
func (s *Server) handleStreamRPC(w http.ResponseWriter, r *http.Request) {
	req, rpcErr := s.decodeRequest(w, r)
	if rpcErr != nil {
		s.countRequest("invalid", rpcErr)
		writeRPCError(w, nil, rpcErr)
		return
	}
	if req.Method != MethodMessageStream {
		rpcErr := Errorf(CodeMethodNotFound, "method not found: %s", req.Method)
		s.countRequest(req.Method, rpcErr)
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	s.messageStream(w, r, req)
}

func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (*Request, *Error) {
	if r.Method != http.MethodPost {
		return nil, Errorf(CodeInvalidRequest, "POST required")
	}
	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20)).Decode(&req); err != nil {
		return nil, Errorf(CodeParseError, "parse error: %v", err)
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return nil, Errorf(CodeInvalidRequest, "invalid request")
	}
	return &req, nil
}

func (s *Server) respond(w http.ResponseWriter, req *Request, result any, rpcErr *Error) {
	s.countRequest(req.Method, rpcErr)
	if rpcErr != nil {
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	writeJSON(w, http.StatusOK, Response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

// messageSend runs one turn synchronously and returns the terminal task.
func (s *Server) messageSend(ctx context.Context, raw json.RawMessage) (*Task, *Error) {
	params, rpcErr := decodeSendParams(raw)
	if rpcErr != nil {
		return nil, rpcErr
	}

	rec, turnReq := s.newTaskRecord(params)
	if err := s.store.Insert(ctx, rec); err != nil {
		return nil, Errorf(CodeInternalError, "failed to persist task: %v", err)
	}

	turnCtx, cancel := context.WithCancel(ctx)
	s.track(rec.TaskID, cancel)
	defer s.untrack(rec.TaskID)

	s.setState(rec, StateWorking, nil, nil)
	result, err := s.runner.HandleInteraction(turnCtx, turnReq)

	history := []Message{params.Message}
	if err != nil {
		if s.currentState(rec.TaskID) == StateCanceled {
			return s.wireOrInternal(rec.TaskID)
		}
		s.logger.Error(ctx, "a2a turn failed", "task_id", rec.TaskID, "error", err)
		failure := &Message{Role: RoleAgent, Parts: []Part{TextPart("Turn failed: " + err.Error())}, Kind: "message"}
		s.setState(rec, StateFailed, nil, mustJSON(history))
		rec.Status = StateFailed
		task, convErr := wireTask(rec)
		if convErr != nil {
			return nil, Errorf(CodeInternalError, "failed to encode task: %v", convErr)
		}
		task.Status.Message = failure
		return task, nil
	}

	artifact := s.buildArtifact(ctx, rec.TaskID, result)
	history = append(history, Message{
		Role:      RoleAgent,
		Parts:     artifact.Parts,
		MessageID: s.newID(),
		TaskID:    rec.TaskID,
		ContextID: rec.ContextID,
		Kind:      "message",
	})
	s.setState(rec, StateCompleted, mustJSON([]Artifact{artifact}), mustJSON(history))
	return s.wireOrInternal(rec.TaskID)
}

func (s *Server) tasksGet(ctx context.Context, raw json.RawMessage) (*Task, *Error) {
	var params TaskQueryParams
	if err := json.Unmarshal(raw, &params); err != nil || params.ID == "" {
		return nil, Errorf(CodeInvalidParams, "task id is required")
	}
	rec, err := s.store.Get(ctx, params.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, Errorf(CodeTaskNotFound, "task not found: %s", params.ID)
	}
	if err != nil {
		return nil, Errorf(CodeInternalError, "failed to load task: %v", err)
	}
	task, err := wireTask(rec)
	if err != nil {
		return nil, Errorf(CodeInternalError, "failed to encode task: %v", err)
	}
	return task, nil
}

func (s *Server) tasksCancel(ctx context.Context, raw json.RawMessage) (*Task, *Error) {
	var params TaskCancelParams
	if err := json.Unmarshal(raw, &params); err != nil || params.ID == "" {
		return nil, Errorf(CodeInvalidParams, "task id is required")
	}
	rec, err := s.store.Get(ctx, params.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, Errorf(CodeTaskNotFound, "task not found: %s", params.ID)
	}
	if err != nil {
		return nil, Errorf(CodeInternalError, "failed to load task: %v", err)
	}
	if rec.Status.Terminal() {
		return nil, Errorf(CodeTaskNotCancelable, "task %s is %s", params.ID, rec.Status)
	}

	// Mark first so a racing turn observes the terminal state, then
	// signal its cancellation token.
	if err := s.store.Update(ctx, params.ID, StateCanceled, nil, nil); err != nil {
		return nil, Errorf(CodeInternalError, "failed to cancel task: %v", err)
	}
	s.mu.Lock()
	if cancel, ok := s.running[params.ID]; ok {
		cancel()
	}
	s.mu.Unlock()

	rec.Status = StateCanceled
	task, err := wireTask(rec)
	if err != nil {
		return nil, Errorf(CodeInternalError, "failed to encode task: %v", err)
	}
	return task, nil
}

// newTaskRecord derives the storage record and orchestrator request from
// send params. The conversation id ties protocol contexts to history rows.
func (s *Server) newTaskRecord(params *MessageSendParams) (*TaskRecord, *agent.TurnRequest) {
	contextID := params.Message.ContextID
	if contextID == "" {
		contextID = s.newID()
	}
	profileID := s.defaultProfile
	if p, ok := params.Metadata["profile_id"].(string); ok && p != "" {
		profileID = p
	}
	rec := &TaskRecord{
		TaskID:         s.newID(),
		ProfileID:      profileID,
		ConversationID: "a2a_" + contextID,
		ContextID:      contextID,
		Status:         StateSubmitted,
	}
	turnReq := &agent.TurnRequest{
		InterfaceType:      models.InterfaceA2A,
		ConversationID:     rec.ConversationID,
		Content:            contentParts(params.Message.Parts),
		InterfaceMessageID: params.Message.MessageID,
		UserName:           "a2a",
		ProfileID:          profileID,
	}
	return rec, turnReq
}

// buildArtifact converts a turn result into the wire artifact, inlining
// attachment bytes when a fetcher is wired and the content is small.
func (s *Server) buildArtifact(ctx context.Context, taskID string, result *agent.TurnResult) Artifact {
	parts := []Part{TextPart(result.Content)}
	for _, att := range result.Attachments {
		file := &FilePart{Name: att.Filename, MimeType: att.MimeType, URI: "attachment:" + att.ID}
		if s.content != nil && (att.Size == 0 || att.Size <= inlineArtifactLimit) {
			if data, err := s.content.GetContent(ctx, att.ID); err == nil && len(data) <= inlineArtifactLimit {
				file.Bytes = data
				file.URI = ""
			}
		}
		parts = append(parts, Part{Kind: PartFile, File: file})
	}
	return Artifact{ArtifactID: s.newID(), Name: "response", Parts: parts}
}

func (s *Server) setState(rec *TaskRecord, state TaskState, artifacts, history json.RawMessage) {
	// Terminal writes survive request cancellation.
	if err := s.store.Update(context.Background(), rec.TaskID, state, artifacts, history); err != nil {
		s.logger.Error(context.Background(), "failed to update a2a task state",
			"task_id", rec.TaskID, "state", state, "error", err)
	}
	rec.Status = state
	if artifacts != nil {
		rec.ArtifactsJSON = artifacts
	}
	if history != nil {
		rec.HistoryJSON = history
	}
	rec.UpdatedAt = s.now().UTC()
}

func (s *Server) currentState(taskID string) TaskState {
	rec, err := s.store.Get(context.Background(), taskID)
	if err != nil {
		return ""
	}
	return rec.Status
}

func (s *Server) wireOrInternal(taskID string) (*Task, *Error) {
	rec, err := s.store.Get(context.Background(), taskID)
	if err != nil {
		return nil, Errorf(CodeInternalError, "failed to load task: %v", err)
	}
	task, err := wireTask(rec)
	if err != nil {
		return nil, Errorf(CodeInternalError, "failed to encode task: %v", err)
	}
	return task, nil
}

func (s *Server) track(taskID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.running[taskID] = cancel
	s.mu.Unlock()
}

func (s *Server) untrack(taskID string) {
	s.mu.Lock()
	delete(s.running, taskID)
	s.mu.Unlock()
}

func (s *Server) countRequest(method string, rpcErr *Error) {
	if s.metrics == nil {
		return
	}
	code := "ok"
	if rpcErr != nil {
		code = fmt.Sprintf("%d", rpcErr.Code)
	}
	s.metrics.A2ARequests.WithLabelValues(method, code).Inc()
}

func decodeSendParams(raw json.RawMessage) (*MessageSendParams, *Error) {
	var params MessageSendParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, Errorf(CodeInvalidParams, "invalid params: %v", err)
	}
	if len(params.Message.Parts) == 0 {
		return nil, Errorf(CodeInvalidParams, "message parts are required")
	}
	return &params, nil
}

// contentParts converts protocol parts to orchestrator trigger parts.
func contentParts(parts []Part) []models.ContentPart {
	out := make([]models.ContentPart, 0, len(parts))
	for _, p := range parts {
		switch p.Kind {
		case PartText:
			out = append(out, models.TextPart(p.Text))
		case PartFile:
			if p.File != nil && len(p.File.Bytes) > 0 {
				out = append(out, models.DataPart(p.File.Bytes, p.File.MimeType, p.File.Name))
			}
		case PartData:
			if raw, err := json.Marshal(p.Data); err == nil {
				out = append(out, models.TextPart(string(raw)))
			}
		}
	}
	return out
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, rpcErr *Error) {
	writeJSON(w, http.StatusOK, Response{JSONRPC: "2.0", ID: id, Error: rpcErr})
}
