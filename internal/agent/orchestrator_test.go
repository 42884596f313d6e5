package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stewardhq/steward/internal/attachments"
	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/internal/history"
	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/pkg/models"
)

// scriptedProvider replays one canned chunk sequence per Complete call.
type scriptedProvider struct {
	name       string
	multimodal bool
	vision     bool
	rounds     [][]*CompletionChunk
	requests   []*CompletionRequest
	completeErr error
}

func (p *scriptedProvider) Name() string {
	if p.name == "" {
		return "scripted"
	}
	return p.name
}

func (p *scriptedProvider) SupportsMultimodalToolResults() bool { return p.multimodal }
func (p *scriptedProvider) SupportsVision() bool                { return p.vision }

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	p.requests = append(p.requests, req)
	if p.completeErr != nil {
		return nil, p.completeErr
	}
	if len(p.rounds) == 0 {
		return nil, fmt.Errorf("no scripted round for request %d", len(p.requests))
	}
	round := p.rounds[0]
	p.rounds = p.rounds[1:]

	ch := make(chan *CompletionChunk, len(round))
	for _, chunk := range round {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func textChunk(s string) *CompletionChunk { return &CompletionChunk{Text: s} }

func toolChunk(id, name, input string) *CompletionChunk {
	return &CompletionChunk{ToolCall: &models.ToolCall{ID: id, Name: name, Input: json.RawMessage(input)}}
}

func usageChunk(in, out int64) *CompletionChunk {
	return &CompletionChunk{Usage: &Usage{InputTokens: in, OutputTokens: out}}
}

func errChunk(err error) *CompletionChunk { return &CompletionChunk{Error: err} }

// scriptedTools serves canned results and records executions.
type scriptedTools struct {
	defs    []tools.Definition
	results map[string]*tools.ToolResult
	execErr map[string]error
	calls   []string
	lastCtx *tools.ExecContext
}

func (s *scriptedTools) ListDefinitions(ctx context.Context) ([]tools.Definition, error) {
	return s.defs, nil
}

func (s *scriptedTools) Execute(ctx context.Context, name string, args json.RawMessage, execCtx *tools.ExecContext) (*tools.ToolResult, error) {
	s.calls = append(s.calls, name)
	s.lastCtx = execCtx
	if err := s.execErr[name]; err != nil {
		return nil, err
	}
	if r, ok := s.results[name]; ok {
		return r, nil
	}
	return nil, fmt.Errorf("%s: %w", name, tools.ErrToolNotFound)
}

func (s *scriptedTools) Close() error { return nil }

func def(name string) tools.Definition {
	return tools.Definition{
		Name:        name,
		Description: name,
		InputSchema: map[string]any{"type": "object"},
	}
}

type orchestratorFixture struct {
	orch     *Orchestrator
	hist     *history.MemoryStore
	registry *attachments.Registry
	provider *scriptedProvider
	tools    *scriptedTools
}

func newFixture(t *testing.T, provider *scriptedProvider, tp *scriptedTools, opts ...Option) *orchestratorFixture {
	t.Helper()
	if tp == nil {
		tp = &scriptedTools{}
	}

	hist := history.NewMemoryStore()
	blobs, err := attachments.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create blob store: %v", err)
	}
	registry := attachments.NewRegistry(attachments.NewMemoryStore(), blobs)

	var seq int
	base := []Option{
		WithProvider("scripted", provider),
		WithDefaultProvider("scripted"),
		WithNow(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }),
		WithIDGenerator(func() string { seq++; return fmt.Sprintf("turn-%d", seq) }),
	}
	orch := NewOrchestrator(hist, registry, tp, append(base, opts...)...)
	return &orchestratorFixture{orch: orch, hist: hist, registry: registry, provider: provider, tools: tp}
}

func textRequest(content string) *TurnRequest {
	return &TurnRequest{
		InterfaceType:  models.InterfaceCLI,
		ConversationID: "conv-1",
		Content:        []models.ContentPart{models.TextPart(content)},
		UserName:       "ada",
		UserID:         "user-1",
	}
}

func TestHandleInteractionSimpleReply(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*CompletionChunk{
		{textChunk("Hello "), textChunk("there."), usageChunk(10, 4)},
	}}
	f := newFixture(t, provider, nil)

	result, err := f.orch.HandleInteraction(context.Background(), textRequest("hi"))
	if err != nil {
		t.Fatalf("HandleInteraction() error = %v", err)
	}
	if result.Content != "Hello there." {
		t.Errorf("Content = %q, want the joined stream", result.Content)
	}
	if result.TurnID != "turn-1" {
		t.Errorf("TurnID = %q, want turn-1", result.TurnID)
	}

	rows, err := f.hist.ByTurn(context.Background(), result.TurnID)
	if err != nil {
		t.Fatalf("ByTurn() error = %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("persisted %d rows, want trigger and reply", len(rows))
	}
	if rows[0].Role != models.RoleUser || rows[0].Content != "hi" {
		t.Errorf("first row = %+v, want the trigger", rows[0])
	}
	if rows[1].Role != models.RoleAssistant || rows[1].Content != "Hello there." {
		t.Errorf("second row = %+v, want the reply", rows[1])
	}

	req := provider.requests[0]
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" || req.Messages[0].Content != "hi" {
		t.Errorf("provider window = %+v, want just the trigger", req.Messages)
	}
	if req.MaxTokens != defaultMaxTokens {
		t.Errorf("MaxTokens = %d, want the default", req.MaxTokens)
	}
}

func TestHandleInteractionValidatesRequest(t *testing.T) {
	f := newFixture(t, &scriptedProvider{}, nil)

	_, err := f.orch.HandleInteraction(context.Background(), &TurnRequest{InterfaceType: models.InterfaceCLI})
	if err == nil || !strings.Contains(err.Error(), "conversation id") {
		t.Errorf("error = %v, want conversation id complaint", err)
	}

	_, err = f.orch.HandleInteraction(context.Background(), &TurnRequest{ConversationID: "c"})
	if err == nil || !strings.Contains(err.Error(), "interface type") {
		t.Errorf("error = %v, want interface type complaint", err)
	}
}

func TestHandleInteractionUnknownProvider(t *testing.T) {
	f := newFixture(t, &scriptedProvider{}, nil, WithDefaultProvider("missing"))

	_, err := f.orch.HandleInteraction(context.Background(), textRequest("hi"))
	if err == nil || !strings.Contains(err.Error(), `"missing"`) {
		t.Errorf("error = %v, want unknown provider", err)
	}
}

func TestHandleInteractionToolLoop(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*CompletionChunk{
		{textChunk("Checking."), toolChunk("c1", "current_time", `{}`)},
		{textChunk("It is noon."), usageChunk(20, 6)},
	}}
	tp := &scriptedTools{
		defs:    []tools.Definition{def("current_time")},
		results: map[string]*tools.ToolResult{"current_time": tools.Text("12:00")},
	}
	f := newFixture(t, provider, tp)

	result, err := f.orch.HandleInteraction(context.Background(), textRequest("what time is it"))
	if err != nil {
		t.Fatalf("HandleInteraction() error = %v", err)
	}
	if result.Content != "It is noon." {
		t.Errorf("Content = %q, want the final reply", result.Content)
	}
	if len(tp.calls) != 1 || tp.calls[0] != "current_time" {
		t.Errorf("tool calls = %v, want one current_time execution", tp.calls)
	}

	rows, _ := f.hist.ByTurn(context.Background(), result.TurnID)
	wantRoles := []models.Role{models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleAssistant}
	if len(rows) != len(wantRoles) {
		t.Fatalf("persisted %d rows, want %d", len(rows), len(wantRoles))
	}
	for i, want := range wantRoles {
		if rows[i].Role != want {
			t.Errorf("row %d role = %s, want %s", i, rows[i].Role, want)
		}
	}
	if len(rows[1].ToolCalls) != 1 || rows[1].ToolCalls[0].ID != "c1" {
		t.Errorf("assistant row calls = %+v, want c1", rows[1].ToolCalls)
	}
	if rows[2].ToolCallID != "c1" || rows[2].Content != "12:00" {
		t.Errorf("tool row = %+v, want c1/12:00", rows[2])
	}
	if rows[2].ErrorTraceback != "" {
		t.Error("successful tool row should not carry a traceback")
	}

	// The second round must see the full exchange.
	second := provider.requests[1].Messages
	wantWindow := []string{"user", "assistant", "tool"}
	if len(second) != len(wantWindow) {
		t.Fatalf("second window roles = %v, want %v", roles(second), wantWindow)
	}
	if second[2].ToolCallID != "c1" || second[2].Content != "12:00" {
		t.Errorf("tool message = %+v, want the result", second[2])
	}

	// Execution context carries the turn identity.
	if tp.lastCtx.TurnID != result.TurnID {
		t.Errorf("exec TurnID = %q, want %q", tp.lastCtx.TurnID, result.TurnID)
	}
	if tp.lastCtx.ConversationID != "conv-1" || tp.lastCtx.InterfaceType != models.InterfaceCLI {
		t.Errorf("exec context = %+v, want the request identity", tp.lastCtx)
	}
	if tp.lastCtx.UserName != "ada" || tp.lastCtx.UserID != "user-1" {
		t.Errorf("exec user = %s/%s, want ada/user-1", tp.lastCtx.UserName, tp.lastCtx.UserID)
	}
}

func TestHandleInteractionToolFailureFeedsModel(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*CompletionChunk{
		{toolChunk("c1", "http_request", `{"url":"x"}`)},
		{textChunk("The fetch failed.")},
	}}
	tp := &scriptedTools{
		defs:    []tools.Definition{def("http_request")},
		execErr: map[string]error{"http_request": errors.New("connection refused")},
	}
	f := newFixture(t, provider, tp)

	result, err := f.orch.HandleInteraction(context.Background(), textRequest("fetch x"))
	if err != nil {
		t.Fatalf("HandleInteraction() error = %v, tool failures must not abort the turn", err)
	}
	if result.Content != "The fetch failed." {
		t.Errorf("Content = %q, want the model's recovery reply", result.Content)
	}

	rows, _ := f.hist.ByTurn(context.Background(), result.TurnID)
	toolRow := rows[2]
	if !strings.Contains(toolRow.Content, "http_request failed") {
		t.Errorf("tool row content = %q, want the failure text", toolRow.Content)
	}
	if toolRow.ErrorTraceback == "" {
		t.Error("failed tool row should carry a traceback")
	}

	// The model sees the failure as an error-flagged tool reply.
	second := provider.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != "tool" || !last.IsError {
		t.Errorf("last window message = %+v, want an error tool reply", last)
	}
}

func TestHandleInteractionUnknownTool(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*CompletionChunk{
		{toolChunk("c1", "made_up", `{}`)},
		{textChunk("Sorry.")},
	}}
	tp := &scriptedTools{defs: []tools.Definition{def("current_time")}}
	f := newFixture(t, provider, tp)

	result, err := f.orch.HandleInteraction(context.Background(), textRequest("go"))
	if err != nil {
		t.Fatalf("HandleInteraction() error = %v", err)
	}

	rows, _ := f.hist.ByTurn(context.Background(), result.TurnID)
	if got := rows[2].Content; got != "tool not found: made_up" {
		t.Errorf("tool row content = %q, want the not-found reply", got)
	}
}

func TestHandleInteractionIterationCap(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*CompletionChunk{
		{toolChunk("c1", "loop", `{}`)},
		{toolChunk("c2", "loop", `{}`)},
	}}
	tp := &scriptedTools{
		defs:    []tools.Definition{def("loop")},
		results: map[string]*tools.ToolResult{"loop": tools.Text("again")},
	}
	profiles := func(string) config.ProfileConfig {
		return config.ProfileConfig{MaxToolIterations: 2}
	}
	f := newFixture(t, provider, tp, WithProfiles(profiles))

	result, err := f.orch.HandleInteraction(context.Background(), textRequest("loop forever"))
	if err != nil {
		t.Fatalf("HandleInteraction() error = %v, the cap is a normal stop", err)
	}
	if !strings.Contains(result.Content, "all 2 tool rounds") {
		t.Errorf("Content = %q, want the halt notice", result.Content)
	}
	if len(provider.requests) != 2 {
		t.Errorf("provider called %d times, want exactly the cap", len(provider.requests))
	}
	if len(tp.calls) != 2 {
		t.Errorf("tools executed %d times, want 2", len(tp.calls))
	}

	rows, _ := f.hist.ByTurn(context.Background(), result.TurnID)
	last := rows[len(rows)-1]
	if last.Role != models.RoleAssistant || !strings.Contains(last.Content, "all 2 tool rounds") {
		t.Errorf("last row = %+v, want the persisted halt message", last)
	}
}

func TestHandleInteractionProviderError(t *testing.T) {
	provider := &scriptedProvider{completeErr: errors.New("billing hard cap")}
	f := newFixture(t, provider, nil)

	_, err := f.orch.HandleInteraction(context.Background(), textRequest("hi"))
	if err == nil || !strings.Contains(err.Error(), "billing hard cap") {
		t.Fatalf("error = %v, want the provider failure", err)
	}

	// The breakdown is recorded next to the conversation.
	recent, _ := f.hist.Recent(context.Background(), models.InterfaceCLI, "conv-1", history.RecentOptions{})
	last := recent[len(recent)-1]
	if last.Role != models.RoleAssistant || last.ErrorTraceback == "" {
		t.Errorf("last row = %+v, want an error row", last)
	}
	if last.Content != "" {
		t.Errorf("error row content = %q, want empty", last.Content)
	}
}

func TestHandleInteractionStreamError(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*CompletionChunk{
		{textChunk("partial"), errChunk(errors.New("stream reset"))},
	}}
	f := newFixture(t, provider, nil)

	_, err := f.orch.HandleInteraction(context.Background(), textRequest("hi"))
	if err == nil || !strings.Contains(err.Error(), "stream reset") {
		t.Fatalf("error = %v, want the stream failure", err)
	}
}

func TestHandleInteractionUsesHistory(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*CompletionChunk{
		{textChunk("You asked about Go.")},
	}}
	f := newFixture(t, provider, nil)

	ctx := context.Background()
	seed := []*models.Message{
		{InterfaceType: models.InterfaceCLI, ConversationID: "conv-1", Role: models.RoleUser, Content: "tell me about Go"},
		{InterfaceType: models.InterfaceCLI, ConversationID: "conv-1", Role: models.RoleAssistant, Content: "Go is a language."},
	}
	for _, m := range seed {
		if _, err := f.hist.Append(ctx, m); err != nil {
			t.Fatalf("seed append: %v", err)
		}
	}

	if _, err := f.orch.HandleInteraction(ctx, textRequest("what did I ask")); err != nil {
		t.Fatalf("HandleInteraction() error = %v", err)
	}

	window := f.provider.requests[0].Messages
	wantRoles := []string{"user", "assistant", "user"}
	if len(window) != len(wantRoles) {
		t.Fatalf("window roles = %v, want %v", roles(window), wantRoles)
	}
	if window[0].Content != "tell me about Go" {
		t.Errorf("window[0] = %q, want the seeded question", window[0].Content)
	}
	if window[2].Content != "what did I ask" {
		t.Errorf("window[2] = %q, want the trigger exactly once", window[2].Content)
	}
}

func TestHandleInteractionSystemPrompt(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*CompletionChunk{{textChunk("ok")}}}
	profiles := func(name string) config.ProfileConfig {
		return config.ProfileConfig{SystemPrompt: "You are Steward."}
	}
	f := newFixture(t, provider, nil,
		WithProfiles(profiles),
		WithContextProviders(StaticContext{"The user base timezone is UTC."}),
	)

	if _, err := f.orch.HandleInteraction(context.Background(), textRequest("hi")); err != nil {
		t.Fatalf("HandleInteraction() error = %v", err)
	}

	got := f.provider.requests[0].System
	want := "You are Steward.\n\nThe user base timezone is UTC."
	if got != want {
		t.Errorf("System = %q, want %q", got, want)
	}
}

func TestHandleInteractionProfilePolicy(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*CompletionChunk{
		{toolChunk("c1", "dangerous", `{}`)},
		{textChunk("Denied, then.")},
	}}
	tp := &scriptedTools{
		defs: []tools.Definition{def("safe"), def("dangerous")},
		results: map[string]*tools.ToolResult{
			"safe":      tools.Text("ok"),
			"dangerous": tools.Text("should never run"),
		},
	}
	profiles := func(string) config.ProfileConfig {
		return config.ProfileConfig{Tools: config.ToolsPolicyConfig{Disabled: []string{"dangerous"}}}
	}
	f := newFixture(t, provider, tp, WithProfiles(profiles))

	result, err := f.orch.HandleInteraction(context.Background(), textRequest("try it"))
	if err != nil {
		t.Fatalf("HandleInteraction() error = %v", err)
	}

	// The denied tool is hidden from the definitions.
	offered := f.provider.requests[0].Tools
	if len(offered) != 1 || offered[0].Name != "safe" {
		t.Errorf("offered tools = %+v, want only safe", offered)
	}

	// And refused if the model calls it anyway.
	if len(tp.calls) != 0 {
		t.Errorf("inner tools executed %v, want none", tp.calls)
	}
	rows, _ := f.hist.ByTurn(context.Background(), result.TurnID)
	if got := rows[2].Content; got != "tool not allowed: dangerous" {
		t.Errorf("tool row = %q, want the refusal", got)
	}
}

func TestHandleInteractionForwardsStagedAttachments(t *testing.T) {
	ctx := context.Background()
	provider := &scriptedProvider{rounds: [][]*CompletionChunk{
		{toolChunk("c1", "render_chart", `{}`)},
		{textChunk("Here is the chart.")},
	}}
	tp := &scriptedTools{defs: []tools.Definition{def("render_chart")}}
	f := newFixture(t, provider, tp)

	chart, err := f.registry.RegisterUserAttachment(ctx, testPNG(4, 4), "chart.png", "image/png", "", "", "user-1")
	if err != nil {
		t.Fatalf("register attachment: %v", err)
	}
	tp.results = map[string]*tools.ToolResult{
		"render_chart": {
			Content:     "rendered",
			Attachments: []models.Attachment{{ID: chart.ID, MimeType: "image/png", Filename: "chart.png"}},
		},
	}

	result, err := f.orch.HandleInteraction(ctx, textRequest("chart please"))
	if err != nil {
		t.Fatalf("HandleInteraction() error = %v", err)
	}
	if len(result.Attachments) != 1 || result.Attachments[0].ID != chart.ID {
		t.Fatalf("forwarded = %+v, want the staged chart", result.Attachments)
	}

	// Forwarding links the attachment to the reply row.
	rows, _ := f.hist.ByTurn(ctx, result.TurnID)
	reply := rows[len(rows)-1]
	linked, err := f.registry.Get(ctx, chart.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if linked.ConversationID != "conv-1" {
		t.Errorf("ConversationID = %q, want conv-1", linked.ConversationID)
	}
	if want := strconv.FormatInt(reply.InternalID, 10); linked.MessageID != want {
		t.Errorf("MessageID = %q, want %q", linked.MessageID, want)
	}

	// Persisted rows never carry inline payloads.
	for _, row := range rows {
		for _, att := range row.Attachments {
			if strings.HasPrefix(att.URL, "data:") {
				t.Errorf("row %d attachment %s persisted a data URL", row.InternalID, att.ID)
			}
		}
	}
}

func TestHandleInteractionSelectionRound(t *testing.T) {
	ctx := context.Background()
	tp := &scriptedTools{defs: []tools.Definition{def("gather")}}
	provider := &scriptedProvider{}
	f := newFixture(t, provider, tp, WithConfig(config.OrchestratorConfig{
		AttachmentSelectionThreshold: 2,
		MaxResponseAttachments:       2,
	}))

	var staged []models.Attachment
	for i := 0; i < 3; i++ {
		a, err := f.registry.RegisterUserAttachment(ctx, []byte(fmt.Sprintf("file %d", i)), fmt.Sprintf("f%d.txt", i), "text/plain", "", "", "user-1")
		if err != nil {
			t.Fatalf("register attachment: %v", err)
		}
		staged = append(staged, models.Attachment{ID: a.ID, MimeType: "text/plain", Filename: fmt.Sprintf("f%d.txt", i), Description: fmt.Sprintf("capture %d", i)})
	}
	tp.results = map[string]*tools.ToolResult{
		"gather": {Content: "gathered", Attachments: staged},
	}

	selection := fmt.Sprintf(`{"attachment_ids":[%q,%q]}`, staged[2].ID, staged[0].ID)
	provider.rounds = [][]*CompletionChunk{
		{toolChunk("c1", "gather", `{}`)},
		{textChunk("Collected the files.")},
		{toolChunk("s1", selectionToolName, selection)},
	}

	result, err := f.orch.HandleInteraction(ctx, textRequest("gather files"))
	if err != nil {
		t.Fatalf("HandleInteraction() error = %v", err)
	}

	if len(result.Attachments) != 2 {
		t.Fatalf("forwarded %d attachments, want the model's pick", len(result.Attachments))
	}
	if result.Attachments[0].ID != staged[2].ID || result.Attachments[1].ID != staged[0].ID {
		t.Errorf("forwarded = %v, want the selection order", []string{result.Attachments[0].ID, result.Attachments[1].ID})
	}

	// The selection round offers exactly the selection tool.
	selReq := provider.requests[2]
	if len(selReq.Tools) != 1 || selReq.Tools[0].Name != selectionToolName {
		t.Errorf("selection tools = %+v, want only %s", selReq.Tools, selectionToolName)
	}
	if !strings.Contains(selReq.Messages[0].Content, "Collected the files.") {
		t.Error("selection prompt should quote the reply being sent")
	}
	if !strings.Contains(selReq.Messages[0].Content, " - capture 0") {
		t.Errorf("selection prompt should list descriptions with an ASCII separator:\n%s", selReq.Messages[0].Content)
	}
}

func TestHandleInteractionSelectionFallback(t *testing.T) {
	ctx := context.Background()
	tp := &scriptedTools{defs: []tools.Definition{def("gather")}}
	provider := &scriptedProvider{}
	f := newFixture(t, provider, tp, WithConfig(config.OrchestratorConfig{
		AttachmentSelectionThreshold: 2,
		MaxResponseAttachments:       2,
	}))

	var staged []models.Attachment
	for i := 0; i < 3; i++ {
		a, err := f.registry.RegisterUserAttachment(ctx, []byte(fmt.Sprintf("file %d", i)), fmt.Sprintf("f%d.txt", i), "text/plain", "", "", "user-1")
		if err != nil {
			t.Fatalf("register attachment: %v", err)
		}
		staged = append(staged, models.Attachment{ID: a.ID, MimeType: "text/plain"})
	}
	tp.results = map[string]*tools.ToolResult{
		"gather": {Content: "gathered", Attachments: staged},
	}

	// The model ignores the selection tool; the first entries go out.
	provider.rounds = [][]*CompletionChunk{
		{toolChunk("c1", "gather", `{}`)},
		{textChunk("Collected.")},
		{textChunk("I like all of them.")},
	}

	result, err := f.orch.HandleInteraction(ctx, textRequest("gather files"))
	if err != nil {
		t.Fatalf("HandleInteraction() error = %v", err)
	}
	if len(result.Attachments) != 2 {
		t.Fatalf("forwarded %d attachments, want the fallback cap", len(result.Attachments))
	}
	if result.Attachments[0].ID != staged[0].ID || result.Attachments[1].ID != staged[1].ID {
		t.Errorf("fallback forwarded = %+v, want the first staged entries", result.Attachments)
	}
}

func TestHandleInteractionFewAttachmentsSkipSelection(t *testing.T) {
	ctx := context.Background()
	tp := &scriptedTools{defs: []tools.Definition{def("gather")}}
	provider := &scriptedProvider{}
	f := newFixture(t, provider, tp)

	a, err := f.registry.RegisterUserAttachment(ctx, []byte("data"), "f.txt", "text/plain", "", "", "user-1")
	if err != nil {
		t.Fatalf("register attachment: %v", err)
	}
	tp.results = map[string]*tools.ToolResult{
		"gather": {Content: "done", Attachments: []models.Attachment{{ID: a.ID, MimeType: "text/plain"}}},
	}
	provider.rounds = [][]*CompletionChunk{
		{toolChunk("c1", "gather", `{}`)},
		{textChunk("Here.")},
	}

	result, err := f.orch.HandleInteraction(ctx, textRequest("go"))
	if err != nil {
		t.Fatalf("HandleInteraction() error = %v", err)
	}
	if len(result.Attachments) != 1 {
		t.Fatalf("forwarded %d, want the single staged attachment", len(result.Attachments))
	}
	if len(provider.requests) != 2 {
		t.Errorf("provider called %d times, selection round must be skipped under the threshold", len(provider.requests))
	}
}

func TestHandleInteractionRegistersTriggerAttachment(t *testing.T) {
	ctx := context.Background()
	provider := &scriptedProvider{rounds: [][]*CompletionChunk{{textChunk("Got the file.")}}}
	f := newFixture(t, provider, nil)

	req := &TurnRequest{
		InterfaceType:      models.InterfaceAPI,
		ConversationID:     "conv-1",
		InterfaceMessageID: "msg-9",
		UserID:             "user-1",
		Content: []models.ContentPart{
			models.TextPart("here is the report"),
			models.DataPart([]byte("%PDF-1.4 fake"), "application/pdf", "report.pdf"),
		},
	}

	result, err := f.orch.HandleInteraction(ctx, req)
	if err != nil {
		t.Fatalf("HandleInteraction() error = %v", err)
	}

	rows, _ := f.hist.ByTurn(ctx, result.TurnID)
	trigger := rows[0]
	if len(trigger.Attachments) != 1 {
		t.Fatalf("trigger attachments = %d, want the registered upload", len(trigger.Attachments))
	}
	id := trigger.Attachments[0].ID

	stored, err := f.registry.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.SourceType != attachments.SourceUser {
		t.Errorf("SourceType = %s, want user", stored.SourceType)
	}
	if stored.ConversationID != "conv-1" || stored.MessageID != "msg-9" {
		t.Errorf("linkage = %s/%s, want conv-1/msg-9", stored.ConversationID, stored.MessageID)
	}

	// The provider window mentions the upload without inlining it.
	window := f.provider.requests[0].Messages
	if !strings.Contains(window[0].Content, "report.pdf") {
		t.Errorf("trigger window = %q, want the filename note", window[0].Content)
	}
	if !strings.Contains(window[0].Content, "here is the report") {
		t.Errorf("trigger window = %q, want the text kept", window[0].Content)
	}
}

func TestHandleInteractionStream(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*CompletionChunk{
		{toolChunk("c1", "current_time", `{}`)},
		{textChunk("It is "), textChunk("noon.")},
	}}
	tp := &scriptedTools{
		defs:    []tools.Definition{def("current_time")},
		results: map[string]*tools.ToolResult{"current_time": tools.Text("12:00")},
	}
	f := newFixture(t, provider, tp)

	events, err := f.orch.HandleInteractionStream(context.Background(), textRequest("time?"))
	if err != nil {
		t.Fatalf("HandleInteractionStream() error = %v", err)
	}

	var toolCalls, contents int
	var last StreamEvent
	for ev := range events {
		switch ev.Type {
		case StreamToolCall:
			toolCalls++
			if ev.ToolCall == nil || ev.ToolCall.Name != "current_time" {
				t.Errorf("tool_call event = %+v, want current_time", ev.ToolCall)
			}
		case StreamContent:
			contents++
		}
		last = ev
	}

	if toolCalls != 1 {
		t.Errorf("tool_call events = %d, want 1", toolCalls)
	}
	if contents != 2 {
		t.Errorf("content events = %d, want the two deltas", contents)
	}
	if last.Type != StreamDone || last.Result == nil {
		t.Fatalf("last event = %+v, want done with result", last)
	}
	if last.Result.Content != "It is noon." {
		t.Errorf("Result.Content = %q, want the assembled reply", last.Result.Content)
	}
}

func TestHandleInteractionStreamEmitsError(t *testing.T) {
	provider := &scriptedProvider{completeErr: errors.New("socket closed")}
	f := newFixture(t, provider, nil)

	events, err := f.orch.HandleInteractionStream(context.Background(), textRequest("hi"))
	if err != nil {
		t.Fatalf("HandleInteractionStream() error = %v", err)
	}

	var last StreamEvent
	for ev := range events {
		last = ev
	}
	if last.Type != StreamError || last.Error == nil {
		t.Fatalf("last event = %+v, want terminal error", last)
	}
	if !strings.Contains(last.Error.Error(), "socket closed") {
		t.Errorf("Error = %v, want the provider failure", last.Error)
	}
}

func TestHandleInteractionStreamUnknownProviderFailsFast(t *testing.T) {
	f := newFixture(t, &scriptedProvider{}, nil, WithDefaultProvider("missing"))

	_, err := f.orch.HandleInteractionStream(context.Background(), textRequest("hi"))
	if err == nil {
		t.Fatal("expected immediate error for unknown provider")
	}
}

func TestHandleInteractionCancelled(t *testing.T) {
	provider := &scriptedProvider{rounds: [][]*CompletionChunk{{textChunk("never sent")}}}
	f := newFixture(t, provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.orch.HandleInteraction(ctx, textRequest("hi"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if len(provider.requests) != 0 {
		t.Errorf("provider called %d times after cancellation, want none", len(provider.requests))
	}
}
