package providers

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/stewardhq/steward/internal/agent"
	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/pkg/models"
)

func TestNewOpenAIRequiresKey(t *testing.T) {
	if _, err := NewOpenAI(config.LLMProviderSettings{}); err == nil {
		t.Fatal("expected error without API key")
	}
	p, err := NewOpenAI(config.LLMProviderSettings{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewOpenAI() error = %v", err)
	}
	if p.Name() != "openai" {
		t.Errorf("Name() = %q", p.Name())
	}
	if p.SupportsMultimodalToolResults() {
		t.Error("chat completions cannot carry images in tool messages")
	}
	if !p.SupportsVision() {
		t.Error("openai should report vision")
	}
}

func TestWithOpenAIRetries(t *testing.T) {
	p, err := NewOpenAI(config.LLMProviderSettings{APIKey: "sk-test"},
		WithOpenAIRetries(2, 50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewOpenAI() error = %v", err)
	}
	if p.maxRetries != 2 {
		t.Errorf("maxRetries = %d", p.maxRetries)
	}
	if got := p.retryPolicy.ComputeWithRand(1, 0); got != 100*time.Millisecond {
		t.Errorf("second delay = %v, want the base doubled", got)
	}
}

func TestOpenAIMessagesSystemFirst(t *testing.T) {
	got := openAIMessages([]agent.CompletionMessage{
		{Role: "user", Content: "hi"},
	}, "Be brief.")

	if len(got) != 2 {
		t.Fatalf("converted %d messages, want system plus user", len(got))
	}
	if got[0].Role != openai.ChatMessageRoleSystem || got[0].Content != "Be brief." {
		t.Errorf("first message = %+v, want the system prompt", got[0])
	}
	if got[1].Role != openai.ChatMessageRoleUser || got[1].Content != "hi" {
		t.Errorf("second message = %+v, want the user turn", got[1])
	}
}

func TestOpenAIMessagesToolFlow(t *testing.T) {
	window := []agent.CompletionMessage{
		{Role: "user", Content: "what time"},
		{Role: "assistant", Content: "", ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "current_time", Input: json.RawMessage(`{"tz":"UTC"}`)},
		}},
		{Role: "tool", ToolCallID: "c1", Content: "12:00"},
	}

	got := openAIMessages(window, "")
	if len(got) != 3 {
		t.Fatalf("converted %d messages, want 3", len(got))
	}

	asst := got[1]
	if len(asst.ToolCalls) != 1 {
		t.Fatalf("assistant tool calls = %d, want 1", len(asst.ToolCalls))
	}
	call := asst.ToolCalls[0]
	if call.ID != "c1" || call.Type != openai.ToolTypeFunction {
		t.Errorf("tool call = %+v, want function call c1", call)
	}
	if call.Function.Name != "current_time" || call.Function.Arguments != `{"tz":"UTC"}` {
		t.Errorf("function = %+v, want name and raw JSON arguments", call.Function)
	}

	reply := got[2]
	if reply.Role != openai.ChatMessageRoleTool || reply.ToolCallID != "c1" || reply.Content != "12:00" {
		t.Errorf("tool reply = %+v, want role tool linked to c1", reply)
	}
}

func TestOpenAIMessagesVision(t *testing.T) {
	payload := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("png"))
	window := []agent.CompletionMessage{
		{Role: "user", Content: "what is this", Attachments: []models.Attachment{
			{ID: "a1", MimeType: "image/png", URL: payload},
		}},
	}

	got := openAIMessages(window, "")
	if len(got) != 1 {
		t.Fatalf("converted %d messages, want 1", len(got))
	}
	parts := got[0].MultiContent
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want text plus image", len(parts))
	}
	if parts[0].Type != openai.ChatMessagePartTypeText || parts[0].Text != "what is this" {
		t.Errorf("part 0 = %+v, want the text", parts[0])
	}
	if parts[1].Type != openai.ChatMessagePartTypeImageURL || parts[1].ImageURL == nil {
		t.Fatalf("part 1 = %+v, want the image", parts[1])
	}
	if parts[1].ImageURL.URL != payload {
		t.Error("image part should carry the data URL unchanged")
	}
}

func TestOpenAIMessagesSkipsNonInlineAttachments(t *testing.T) {
	// Attachments without an inline payload stay textual; the window text
	// already describes them.
	window := []agent.CompletionMessage{
		{Role: "user", Content: "see attachment att-1", Attachments: []models.Attachment{
			{ID: "att-1", MimeType: "application/pdf", URL: ""},
		}},
	}

	got := openAIMessages(window, "")
	if len(got[0].MultiContent) != 0 {
		t.Errorf("MultiContent = %+v, want plain content", got[0].MultiContent)
	}
	if got[0].Content != "see attachment att-1" {
		t.Errorf("Content = %q, want the text untouched", got[0].Content)
	}
}

func TestOpenAITools(t *testing.T) {
	defs := []tools.Definition{{
		Name:        "current_time",
		Description: "Returns the current time.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"tz": map[string]any{"type": "string"}},
		},
	}, {
		Name: "bare",
	}}

	got := openAITools(defs)
	if len(got) != 2 {
		t.Fatalf("converted %d tools, want 2", len(got))
	}
	if got[0].Type != openai.ToolTypeFunction || got[0].Function.Name != "current_time" {
		t.Errorf("tool 0 = %+v", got[0])
	}
	if got[0].Function.Parameters == nil {
		t.Error("tool 0 lost its schema")
	}
	if got[1].Function.Parameters == nil {
		t.Error("tool without a schema should get an empty object schema")
	}
}
