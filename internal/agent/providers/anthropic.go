package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/stewardhq/steward/internal/agent"
	"github.com/stewardhq/steward/internal/backoff"
	"github.com/stewardhq/steward/internal/config"
	"github.com/stewardhq/steward/internal/tools"
	"github.com/stewardhq/steward/pkg/models"
)

const (
	anthropicDefaultModel     = "claude-sonnet-4-20250514"
	anthropicDefaultMaxTokens = 4096

	// maxEmptyStreamEvents caps consecutive no-op events before the stream
	// is treated as malformed.
	maxEmptyStreamEvents = 300
)

// Anthropic streams completions from the Anthropic Messages API. Tool
// results may carry images directly, so both capability probes return true.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
	maxRetries   int
	retryPolicy  backoff.Policy
}

// AnthropicOption configures the provider.
type AnthropicOption func(*Anthropic)

// WithAnthropicRetries tunes the retry loop for transient failures.
func WithAnthropicRetries(max int, delay time.Duration) AnthropicOption {
	return func(p *Anthropic) {
		p.maxRetries = max
		p.retryPolicy = backoff.Policy{Base: delay, Factor: 2}
	}
}

// NewAnthropic creates an Anthropic provider from its settings.
func NewAnthropic(settings config.LLMProviderSettings, opts ...AnthropicOption) (*Anthropic, error) {
	if settings.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}

	clientOpts := []option.RequestOption{option.WithAPIKey(settings.APIKey)}
	if strings.TrimSpace(settings.BaseURL) != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(settings.BaseURL))
	}
	if settings.Timeout > 0 {
		clientOpts = append(clientOpts, option.WithRequestTimeout(settings.Timeout))
	}

	p := &Anthropic{
		client:       anthropic.NewClient(clientOpts...),
		defaultModel: settings.DefaultModel,
		maxRetries:   3,
		retryPolicy:  backoff.Policy{Base: time.Second, Factor: 2},
	}
	if p.defaultModel == "" {
		p.defaultModel = anthropicDefaultModel
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

func (p *Anthropic) SupportsMultimodalToolResults() bool { return true }

func (p *Anthropic) SupportsVision() bool { return true }

// Complete streams one completion. The returned channel closes after the
// final chunk; failures arrive as an error chunk.
func (p *Anthropic) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		for attempt := 0; ; attempt++ {
			stream = p.client.Messages.NewStreaming(ctx, params)
			err := stream.Err()
			if err == nil {
				break
			}

			wrapped := p.wrapError(err, string(params.Model))
			if attempt >= p.maxRetries || !wrapped.Reason.IsRetryable() {
				chunks <- &agent.CompletionChunk{Error: wrapped}
				return
			}

			if err := backoff.SleepWithBackoff(ctx, p.retryPolicy, attempt); err != nil {
				chunks <- &agent.CompletionChunk{Error: err}
				return
			}
		}

		p.processStream(stream, chunks, string(params.Model))
	}()
	return chunks, nil
}

func (p *Anthropic) buildParams(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  anthropicMessages(req.Messages),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		converted, err := anthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = converted
	}
	return params, nil
}

// processStream converts Anthropic SSE events into chunks. Tool calls span
// several events: content_block_start carries id and name, input_json_delta
// events stream the arguments, and content_block_stop finalizes the call.
func (p *Anthropic) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	var currentTool *models.ToolCall
	var currentInput strings.Builder
	usage := &agent.Usage{}
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				usage.InputTokens = start.Message.Usage.InputTokens
			}
			processed = true

		case "content_block_start":
			blockStart := event.AsContentBlockStart()
			if blockStart.ContentBlock.Type == "tool_use" {
				toolUse := blockStart.ContentBlock.AsToolUse()
				currentTool = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- &agent.CompletionChunk{Text: delta.Text}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentTool != nil {
				input := currentInput.String()
				if input == "" {
					input = "{}"
				}
				currentTool.Input = json.RawMessage(input)
				chunks <- &agent.CompletionChunk{ToolCall: currentTool}
				currentTool = nil
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = delta.Usage.OutputTokens
			}
			processed = true

		case "message_stop":
			chunks <- &agent.CompletionChunk{Done: true, Usage: usage}
			return

		case "error":
			chunks <- &agent.CompletionChunk{
				Error: p.wrapError(errors.New("anthropic stream error"), model),
			}
			return
		}

		if processed {
			emptyEvents = 0
			continue
		}
		emptyEvents++
		if emptyEvents >= maxEmptyStreamEvents {
			chunks <- &agent.CompletionChunk{
				Error: p.wrapError(fmt.Errorf("stream malformed: %d consecutive empty events", emptyEvents), model),
			}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- &agent.CompletionChunk{Error: p.wrapError(err, model)}
	}
}

// wrapError classifies an SDK failure, preferring the HTTP status when the
// error carries one.
func (p *Anthropic) wrapError(err error, model string) *Error {
	wrapped := newError("anthropic", model, err)

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		wrapped.Status = apiErr.StatusCode
		wrapped.RequestID = apiErr.RequestID
		if reason := classifyStatus(apiErr.StatusCode); reason != ReasonUnknown {
			wrapped.Reason = reason
		}
	}
	return wrapped
}

// anthropicMessages converts the provider-neutral window. Tool replies ride
// as user messages holding a tool_result block; the API merges consecutive
// same-role messages itself.
func anthropicMessages(msgs []agent.CompletionMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "assistant":
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, call := range m.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal(call.Input, &input); err != nil || input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))

		case "tool":
			content := make([]anthropic.ToolResultBlockParamContentUnion, 0, 1+len(m.Attachments))
			if m.Content != "" {
				content = append(content, anthropic.ToolResultBlockParamContentUnion{
					OfText: &anthropic.TextBlockParam{Text: m.Content},
				})
			}
			for _, att := range m.Attachments {
				if img := anthropicImage(att.URL); img != nil {
					content = append(content, anthropic.ToolResultBlockParamContentUnion{OfImage: img})
				}
			}
			result := anthropic.ToolResultBlockParam{
				ToolUseID: m.ToolCallID,
				Content:   content,
			}
			if m.IsError {
				result.IsError = anthropic.Bool(true)
			}
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{{OfToolResult: &result}},
			})

		default:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, 1+len(m.Attachments))
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, att := range m.Attachments {
				if img := anthropicImage(att.URL); img != nil {
					blocks = append(blocks, anthropic.ContentBlockParamUnion{OfImage: img})
				}
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

// anthropicImage builds an image block from an inline data URL. Anything
// else returns nil and is dropped from the window.
func anthropicImage(url string) *anthropic.ImageBlockParam {
	mimeType, data, ok := parseDataURL(url)
	if !ok {
		return nil
	}
	mediaType, ok := anthropicMediaType(mimeType)
	if !ok {
		return nil
	}
	return &anthropic.ImageBlockParam{
		Source: anthropic.ImageBlockParamSourceUnion{
			OfBase64: &anthropic.Base64ImageSourceParam{
				Data:      data,
				MediaType: mediaType,
			},
		},
	}
}

func anthropicMediaType(mimeType string) (anthropic.Base64ImageSourceMediaType, bool) {
	switch mimeType {
	case "image/jpeg":
		return anthropic.Base64ImageSourceMediaTypeImageJPEG, true
	case "image/png":
		return anthropic.Base64ImageSourceMediaTypeImagePNG, true
	case "image/gif":
		return anthropic.Base64ImageSourceMediaTypeImageGIF, true
	case "image/webp":
		return anthropic.Base64ImageSourceMediaTypeImageWebP, true
	}
	return "", false
}

// parseDataURL splits "data:<mime>;base64,<payload>" and validates the
// payload decodes.
func parseDataURL(url string) (mimeType, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(url, "data:")
	mimeType, data, found := strings.Cut(rest, ";base64,")
	if !found || mimeType == "" || data == "" {
		return "", "", false
	}
	if _, err := base64.StdEncoding.DecodeString(data); err != nil {
		return "", "", false
	}
	return mimeType, data, true
}

func anthropicTools(defs []tools.Definition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		raw, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", def.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("tool %s: %w", def.Name, err)
		}

		tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if def.Description != "" && tool.OfTool != nil {
			tool.OfTool.Description = anthropic.String(def.Description)
		}
		out = append(out, tool)
	}
	return out, nil
}
