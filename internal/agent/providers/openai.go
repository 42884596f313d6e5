package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/stewardhq/steward/internal/agent"
	"github.com/stewardhq/steward/internal/backoff"
	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/pkg/models"
)

const openAIDefaultModel = "gpt-4o"

// OpenAI streams completions from the Chat Completions API. Tool messages
// cannot carry images there, so binaries ride in a follow-up user message;
// SupportsMultimodalToolResults reports that.
type OpenAI struct {
	client       *openai.Client
	defaultModel string
	maxRetries   int
	retryPolicy  backoff.Policy
}

// OpenAIOption configures the provider.
type OpenAIOption func(*OpenAI)

// WithOpenAIRetries tunes the retry loop for transient failures.
func WithOpenAIRetries(max int, delay time.Duration) OpenAIOption {
	return func(p *OpenAI) {
		p.maxRetries = max
		p.retryPolicy = backoff.Policy{Base: delay, Factor: 2}
	}
}

// NewOpenAI creates an OpenAI provider from its settings.
func NewOpenAI(settings config.LLMProviderSettings, opts ...OpenAIOption) (*OpenAI, error) {
	if settings.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}

	cfg := openai.DefaultConfig(settings.APIKey)
	if strings.TrimSpace(settings.BaseURL) != "" {
		cfg.BaseURL = settings.BaseURL
	}

	p := &OpenAI{
		client:       openai.NewClientWithConfig(cfg),
		defaultModel: settings.DefaultModel,
		maxRetries:   3,
		retryPolicy:  backoff.Policy{Base: time.Second, Factor: 2},
	}
	if p.defaultModel == "" {
		p.defaultModel = openAIDefaultModel
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *OpenAI) Name() string { return "openai" }

func (p *OpenAI) SupportsMultimodalToolResults() bool { return false }

func (p *OpenAI) SupportsVision() bool { return true }

// Complete streams one completion. Creation failures surface as a returned
// error; failures mid-stream arrive as an error chunk.
func (p *OpenAI) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      openAIMessages(req.Messages, req.System),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		chatReq.Temperature = float32(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = openAITools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			if err := backoff.SleepWithBackoff(ctx, p.retryPolicy, attempt-1); err != nil {
				return nil, err
			}
		}

		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if wrapped := p.wrapError(lastErr, model); !wrapped.Reason.IsRetryable() {
			return nil, wrapped
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", p.wrapError(lastErr, model))
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

// processStream converts stream deltas into chunks. Tool calls stream
// piecewise: the id and name come once, the arguments as JSON fragments
// keyed by the call index; finish_reason tool_calls flushes them.
func (p *OpenAI) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	pending := make(map[int]*models.ToolCall)
	usage := &agent.Usage{}

	flush := func() {
		indexes := make([]int, 0, len(pending))
		for idx := range pending {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			tc := pending[idx]
			if tc.ID == "" || tc.Name == "" {
				continue
			}
			if len(tc.Input) == 0 {
				tc.Input = json.RawMessage("{}")
			}
			chunks <- &agent.CompletionChunk{ToolCall: tc}
		}
		pending = make(map[int]*models.ToolCall)
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- &agent.CompletionChunk{Error: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				chunks <- &agent.CompletionChunk{Done: true, Usage: usage}
				return
			}
			chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model)}
			return
		}

		// The usage-bearing chunk arrives last and has no choices.
		if resp.Usage != nil {
			usage.InputTokens = int64(resp.Usage.PromptTokens)
			usage.OutputTokens = int64(resp.Usage.CompletionTokens)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- &agent.CompletionChunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := pending[index]
			if call == nil {
				call = &models.ToolCall{}
				pending[index] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.Input = append(call.Input, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

func (p *OpenAI) wrapError(err error, model string) *Error {
	wrapped := newError("openai", model, err)

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		wrapped.Status = apiErr.HTTPStatusCode
		if reason := classifyStatus(apiErr.HTTPStatusCode); reason != ReasonUnknown {
			wrapped.Reason = reason
		}
	}
	return wrapped
}

// openAIMessages converts the provider-neutral window. The system prompt is
// the first message; tool replies become role=tool messages linked by call
// id; user messages with image attachments use the multi-part content form.
func openAIMessages(msgs []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, m := range msgs {
		switch m.Role {
		case "assistant":
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: m.Content,
			}
			if len(m.ToolCalls) > 0 {
				msg.ToolCalls = make([]openai.ToolCall, len(m.ToolCalls))
				for i, call := range m.ToolCalls {
					msg.ToolCalls[i] = openai.ToolCall{
						ID:   call.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      call.Name,
							Arguments: string(call.Input),
						},
					}
				}
			}
			out = append(out, msg)

		case "tool":
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})

		default:
			images := imageParts(m.Attachments)
			if len(images) == 0 {
				out = append(out, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: m.Content,
				})
				continue
			}
			parts := make([]openai.ChatMessagePart, 0, 1+len(images))
			if m.Content != "" {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: m.Content,
				})
			}
			parts = append(parts, images...)
			out = append(out, openai.ChatCompletionMessage{
				Role:         openai.ChatMessageRoleUser,
				MultiContent: parts,
			})
		}
	}
	return out
}

// imageParts renders inline data-URL attachments as image parts. The API
// accepts data URLs in the image_url slot directly.
func imageParts(atts []models.Attachment) []openai.ChatMessagePart {
	var parts []openai.ChatMessagePart
	for _, att := range atts {
		if !strings.HasPrefix(att.URL, "data:image/") {
			continue
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    att.URL,
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	return parts
}

func openAITools(defs []tools.Definition) []openai.Tool {
	out := make([]openai.Tool, len(defs))
	for i, def := range defs {
		schema := def.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}
