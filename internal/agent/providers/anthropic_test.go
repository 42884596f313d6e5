package providers

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/stewardhq/steward/internal/agent"
	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/pkg/models"
)

func TestNewAnthropicRequiresKey(t *testing.T) {
	if _, err := NewAnthropic(config.LLMProviderSettings{}); err == nil {
		t.Fatal("expected error without API key")
	}
	p, err := NewAnthropic(config.LLMProviderSettings{APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("NewAnthropic() error = %v", err)
	}
	if p.Name() != "anthropic" {
		t.Errorf("Name() = %q", p.Name())
	}
	if p.defaultModel != anthropicDefaultModel {
		t.Errorf("defaultModel = %q, want the fallback", p.defaultModel)
	}
	if !p.SupportsMultimodalToolResults() || !p.SupportsVision() {
		t.Error("anthropic should report both multimodal capabilities")
	}
}

func TestWithAnthropicRetries(t *testing.T) {
	p, err := NewAnthropic(config.LLMProviderSettings{APIKey: "sk-test"},
		WithAnthropicRetries(5, 100*time.Millisecond))
	if err != nil {
		t.Fatalf("NewAnthropic() error = %v", err)
	}
	if p.maxRetries != 5 {
		t.Errorf("maxRetries = %d", p.maxRetries)
	}
	// The delay doubles per failed attempt.
	if got := p.retryPolicy.ComputeWithRand(0, 0); got != 100*time.Millisecond {
		t.Errorf("first delay = %v", got)
	}
	if got := p.retryPolicy.ComputeWithRand(2, 0); got != 400*time.Millisecond {
		t.Errorf("third delay = %v", got)
	}
}

func TestAnthropicMessagesConversation(t *testing.T) {
	window := []agent.CompletionMessage{
		{Role: "user", Content: "what time is it"},
		{Role: "assistant", Content: "Checking.", ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "current_time", Input: json.RawMessage(`{"tz":"UTC"}`)},
		}},
		{Role: "tool", ToolCallID: "c1", Content: "12:00"},
	}

	got := anthropicMessages(window)
	if len(got) != 3 {
		t.Fatalf("converted %d messages, want 3", len(got))
	}

	if got[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("message 0 role = %v, want user", got[0].Role)
	}
	if got[0].Content[0].OfText == nil || got[0].Content[0].OfText.Text != "what time is it" {
		t.Errorf("message 0 content = %+v, want the text block", got[0].Content[0])
	}

	if got[1].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("message 1 role = %v, want assistant", got[1].Role)
	}
	if len(got[1].Content) != 2 {
		t.Fatalf("assistant blocks = %d, want text plus tool_use", len(got[1].Content))
	}
	toolUse := got[1].Content[1].OfToolUse
	if toolUse == nil || toolUse.ID != "c1" || toolUse.Name != "current_time" {
		t.Errorf("tool_use block = %+v, want c1/current_time", got[1].Content[1])
	}

	// Tool replies ride as user messages with a tool_result block.
	if got[2].Role != anthropic.MessageParamRoleUser {
		t.Errorf("message 2 role = %v, want user", got[2].Role)
	}
	result := got[2].Content[0].OfToolResult
	if result == nil || result.ToolUseID != "c1" {
		t.Fatalf("tool_result block = %+v, want call c1", got[2].Content[0])
	}
	if result.Content[0].OfText == nil || result.Content[0].OfText.Text != "12:00" {
		t.Errorf("tool_result content = %+v, want the text", result.Content[0])
	}
}

func TestAnthropicMessagesToolError(t *testing.T) {
	window := []agent.CompletionMessage{
		{Role: "tool", ToolCallID: "c1", Content: "tool broke", IsError: true},
	}

	got := anthropicMessages(window)
	raw, err := json.Marshal(got[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"is_error":true`) {
		t.Errorf("serialized message %s should flag is_error", raw)
	}
}

func TestAnthropicMessagesInlineImage(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("fake png bytes"))
	window := []agent.CompletionMessage{
		{Role: "tool", ToolCallID: "c1", Content: "screenshot", Attachments: []models.Attachment{
			{ID: "a1", MimeType: "image/png", URL: "data:image/png;base64," + payload},
		}},
		{Role: "user", Content: "look", Attachments: []models.Attachment{
			{ID: "a2", MimeType: "image/jpeg", URL: "data:image/jpeg;base64," + payload},
		}},
	}

	got := anthropicMessages(window)

	result := got[0].Content[0].OfToolResult
	if len(result.Content) != 2 {
		t.Fatalf("tool_result blocks = %d, want text plus image", len(result.Content))
	}
	img := result.Content[1].OfImage
	if img == nil || img.Source.OfBase64 == nil {
		t.Fatalf("image block = %+v, want base64 source", result.Content[1])
	}
	if img.Source.OfBase64.MediaType != anthropic.Base64ImageSourceMediaTypeImagePNG {
		t.Errorf("media type = %v, want image/png", img.Source.OfBase64.MediaType)
	}
	if img.Source.OfBase64.Data != payload {
		t.Error("image data should be the base64 payload without the data: prefix")
	}

	userBlocks := got[1].Content
	if len(userBlocks) != 2 || userBlocks[1].OfImage == nil {
		t.Fatalf("user blocks = %+v, want text plus image", userBlocks)
	}
}

func TestAnthropicMessagesSkipsEmpty(t *testing.T) {
	window := []agent.CompletionMessage{
		{Role: "user", Content: ""},
		{Role: "assistant", Content: ""},
		{Role: "user", Content: "hello"},
	}
	got := anthropicMessages(window)
	if len(got) != 1 {
		t.Fatalf("converted %d messages, want only the non-empty one", len(got))
	}
}

func TestParseDataURL(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("hi"))
	tests := []struct {
		name     string
		url      string
		wantMime string
		wantOK   bool
	}{
		{"valid", "data:image/png;base64," + payload, "image/png", true},
		{"http url", "https://example.com/a.png", "", false},
		{"no payload", "data:image/png;base64,", "", false},
		{"no mime", "data:;base64," + payload, "", false},
		{"bad base64", "data:image/png;base64,!!!", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mime, data, ok := parseDataURL(tt.url)
			if ok != tt.wantOK {
				t.Fatalf("parseDataURL(%q) ok = %v, want %v", tt.url, ok, tt.wantOK)
			}
			if ok && mime != tt.wantMime {
				t.Errorf("mime = %q, want %q", mime, tt.wantMime)
			}
			if ok && data != payload {
				t.Errorf("data = %q, want the payload", data)
			}
		})
	}
}

func TestAnthropicMediaType(t *testing.T) {
	if _, ok := anthropicMediaType("image/tiff"); ok {
		t.Error("tiff should not be inlinable")
	}
	if mt, ok := anthropicMediaType("image/webp"); !ok || mt != anthropic.Base64ImageSourceMediaTypeImageWebP {
		t.Errorf("webp = %v/%v, want the webp media type", mt, ok)
	}
}

func TestAnthropicTools(t *testing.T) {
	defs := []tools.Definition{{
		Name:        "current_time",
		Description: "Returns the current time.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"tz": map[string]any{"type": "string"},
			},
		},
	}}

	got, err := anthropicTools(defs)
	if err != nil {
		t.Fatalf("anthropicTools() error = %v", err)
	}
	if len(got) != 1 || got[0].OfTool == nil {
		t.Fatalf("converted = %+v, want one plain tool", got)
	}
	if got[0].OfTool.Name != "current_time" {
		t.Errorf("Name = %q", got[0].OfTool.Name)
	}
	raw, err := json.Marshal(got[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, part := range []string{`"current_time"`, `"Returns the current time."`, `"tz"`} {
		if !strings.Contains(string(raw), part) {
			t.Errorf("serialized tool %s missing %s", raw, part)
		}
	}
}

func TestBuildParamsDefaults(t *testing.T) {
	p, err := NewAnthropic(config.LLMProviderSettings{APIKey: "sk-test", DefaultModel: "claude-x"})
	if err != nil {
		t.Fatalf("NewAnthropic() error = %v", err)
	}

	params, err := p.buildParams(&agent.CompletionRequest{
		System:   "Be brief.",
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("buildParams() error = %v", err)
	}
	if params.Model != "claude-x" {
		t.Errorf("Model = %v, want the configured default", params.Model)
	}
	if params.MaxTokens != anthropicDefaultMaxTokens {
		t.Errorf("MaxTokens = %d, want the default", params.MaxTokens)
	}
	if len(params.System) != 1 || params.System[0].Text != "Be brief." {
		t.Errorf("System = %+v, want the prompt block", params.System)
	}
}
