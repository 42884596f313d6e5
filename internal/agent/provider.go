// Package agent drives LLM turns: it assembles the message window from
// history, streams completions from a provider, executes the tool calls the
// model requests, and persists every step under a shared turn id.
package agent

import (
	"context"

	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/pkg/models"
)

// CompletionMessage is one provider-facing message. Tool replies carry the
// ToolCallID they answer; assistant messages carry the calls they request.
// Attachments hold inline binaries (data or http URLs) for providers that
// accept them.
type CompletionMessage struct {
	Role        string
	Content     string
	ToolCalls   []models.ToolCall
	ToolCallID  string
	IsError     bool // tool replies only: the call ran and failed
	Attachments []models.Attachment
}

// CompletionRequest is one provider round.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []CompletionMessage
	Tools       []tools.Definition
	MaxTokens   int
	Temperature *float64
}

// Usage reports token consumption for one round.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// CompletionChunk is one streaming increment. Text chunks arrive as tokens
// are generated; tool calls arrive once their arguments are complete. The
// final chunk has Done set and, when the provider reports it, Usage.
type CompletionChunk struct {
	Text     string
	ToolCall *models.ToolCall
	Usage    *Usage
	Done     bool
	Error    error
}

// LLMProvider streams completions. Complete returns immediately; the
// channel is closed after the final chunk. Errors during streaming arrive
// as chunks with Error set.
type LLMProvider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// SupportsMultimodalToolResults reports whether images may ride inside
	// tool reply messages.
	SupportsMultimodalToolResults() bool

	// SupportsVision reports whether user messages may carry inline images.
	SupportsVision() bool
}
