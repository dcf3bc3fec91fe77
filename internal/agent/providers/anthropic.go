package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/haasonsaas/malhub/internal/agent"
	"github.com/haasonsaas/malhub/internal/agent/toolconv"
	"github.com/haasonsaas/malhub/pkg/models"
)

const (
	// DefaultAnthropicModel is used when neither the request nor the config names a model.
	DefaultAnthropicModel = "claude-sonnet-4-20250514"

	defaultAnthropicMaxTokens = 4096

	// maxEmptyStreamEvents bounds consecutive events that produce nothing
	// before the stream is treated as malformed.
	maxEmptyStreamEvents = 50
)

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// AnthropicProvider implements agent.LLMProvider for the Anthropic Messages API.
//
// The system prompt travels in MessageNewParams.System. Tool results are sent
// as tool_result blocks inside a user message, matching the API's pairing
// rule that every tool_use block is answered in the next message.
type AnthropicProvider struct {
	BaseProvider
	client       anthropic.Client
	defaultModel string
}

var _ agent.LLMProvider = (*AnthropicProvider)(nil)

// NewAnthropicProvider creates an Anthropic provider. An empty API key is an error.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	// Retries are driven by BaseProvider so they share one policy and classification.
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = DefaultAnthropicModel
	}
	return &AnthropicProvider{
		BaseProvider: NewBaseProvider("anthropic", cfg.MaxRetries, cfg.RetryDelay),
		client:       anthropic.NewClient(opts...),
		defaultModel: model,
	}, nil
}

// Models returns the models this provider is commonly used with.
func (p *AnthropicProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextSize: 200000},
	}
}

// SupportsTools returns true.
func (p *AnthropicProvider) SupportsTools() bool {
	return true
}

// Complete streams a message. Stream failures that occur before any output
// was produced are retried when retryable.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if req == nil {
		return nil, errors.New("anthropic: request is nil")
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, NewProviderError(p.Name(), model, err)
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		// Once output reached the caller a retry would duplicate it.
		var emitted bool
		retryable := func(err error) bool { return !emitted && IsRetryable(err) }
		err := p.Retry(ctx, retryable, func() error {
			stream := p.client.Messages.NewStreaming(ctx, params)
			defer stream.Close()
			var err error
			emitted, err = p.processStream(ctx, stream, chunks, model)
			return err
		})
		if err != nil {
			send(ctx, chunks, &agent.CompletionChunk{Error: err})
		}
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest, model string) (anthropic.MessageNewParams, error) {
	messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("convert messages: %w", err)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

// processStream forwards one stream's events. It reports whether anything was
// sent to chunks, and returns the stream's error if it failed.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) (bool, error) {
	var (
		current      *models.ToolCall
		currentInput strings.Builder
		emitted      bool
		empty        int
		input        int
		output       int
	)
	emit := func(chunk *agent.CompletionChunk) bool {
		emitted = true
		return send(ctx, chunks, chunk)
	}

	for stream.Next() {
		event := stream.Current()
		processed := true

		switch event.Type {
		case "message_start":
			if usage := event.AsMessageStart().Message.Usage; usage.InputTokens > 0 {
				input = int(usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text == "" {
					processed = false
				} else if !emit(&agent.CompletionChunk{Text: delta.Text}) {
					return emitted, ctx.Err()
				}
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			default:
				processed = false
			}

		case "content_block_stop":
			if current != nil {
				if raw := strings.TrimSpace(currentInput.String()); raw != "" {
					current.Input = json.RawMessage(raw)
				}
				if !emit(&agent.CompletionChunk{ToolCall: current}) {
					return emitted, ctx.Err()
				}
				current = nil
			}

		case "message_delta":
			if usage := event.AsMessageDelta().Usage; usage.OutputTokens > 0 {
				output = int(usage.OutputTokens)
			}

		case "message_stop":
			emit(&agent.CompletionChunk{Done: true, InputTokens: input, OutputTokens: output})
			return emitted, nil

		case "error":
			return emitted, p.wrapError(errors.New("anthropic stream error"), model)

		default:
			processed = false
		}

		if processed {
			empty = 0
			continue
		}
		empty++
		if empty >= maxEmptyStreamEvents {
			return emitted, p.wrapError(fmt.Errorf("stream appears malformed: %d consecutive empty events", empty), model)
		}
	}

	if err := stream.Err(); err != nil {
		return emitted, p.wrapError(err, model)
	}
	return emitted, p.wrapError(errors.New("stream ended without message_stop"), model)
}

// toAnthropicMessages converts the transcript to Anthropic message params.
// Tool results become tool_result blocks in a user message.
func toAnthropicMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			input := map[string]any{}
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	providerErr := NewProviderError(p.Name(), model, err)

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr = providerErr.WithStatus(apiErr.StatusCode)
		var payload anthropicErrorPayload
		if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
			if payload.Error.Message != "" {
				providerErr.Message = payload.Error.Message
				if ClassifyError(errors.New(payload.Error.Message)) == ReasonInvalidHistory {
					providerErr.Reason = ReasonInvalidHistory
				}
			}
			if payload.Error.Type != "" {
				providerErr = providerErr.WithCode(payload.Error.Type)
			}
		}
	}
	return providerErr
}
