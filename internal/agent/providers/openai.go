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

	"github.com/haasonsaas/malhub/internal/agent"
	"github.com/haasonsaas/malhub/internal/agent/toolconv"
	"github.com/haasonsaas/malhub/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// DefaultOpenAIModel is used when neither the request nor the config names a model.
const DefaultOpenAIModel = "gpt-4o"

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	APIKey string

	// BaseURL points the client at an OpenAI-compatible endpoint.
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// OpenAIProvider implements agent.LLMProvider for OpenAI's chat completions API.
//
// Streaming:
// Tool calls arrive as fragments keyed by index. They are accumulated and
// emitted once the stream ends, ordered by index, so the calls of one
// assistant message keep the order the model produced them in.
//
// Thread Safety:
// The provider is safe for concurrent use.
type OpenAIProvider struct {
	BaseProvider
	client       *openai.Client
	defaultModel string
}

var _ agent.LLMProvider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates an OpenAI provider. An empty API key is an error.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := cfg.DefaultModel
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIProvider{
		BaseProvider: NewBaseProvider("openai", cfg.MaxRetries, cfg.RetryDelay),
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: model,
	}, nil
}

// Models returns the models this provider is commonly used with.
func (p *OpenAIProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000},
		{ID: "gpt-4o-mini", Name: "GPT-4o Mini", ContextSize: 128000},
		{ID: "gpt-4.1", Name: "GPT-4.1", ContextSize: 1047576},
	}
}

// SupportsTools returns true.
func (p *OpenAIProvider) SupportsTools() bool {
	return true
}

// Complete opens a streaming chat completion. Opening the stream is retried
// on rate limits, timeouts and server errors; failures after the stream is
// open arrive as an Error chunk.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if req == nil {
		return nil, errors.New("openai: request is nil")
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages, err := toOpenAIMessages(req.Messages, req.System)
	if err != nil {
		return nil, NewProviderError(p.Name(), model, fmt.Errorf("convert messages: %w", err))
	}
	chatReq := openai.ChatCompletionRequest{
		Model:         model,
		Messages:      messages,
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		Tools:         toolconv.ToOpenAITools(req.Tools),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	var stream *openai.ChatCompletionStream
	err = p.Retry(ctx, IsRetryable, func() error {
		var openErr error
		stream, openErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if openErr != nil {
			return p.wrapError(openErr, model)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	calls := make(map[int]*models.ToolCall)
	args := make(map[int]*strings.Builder)
	var input, output int

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			for _, call := range orderedCalls(calls, args) {
				if !send(ctx, chunks, &agent.CompletionChunk{ToolCall: call}) {
					return
				}
			}
			send(ctx, chunks, &agent.CompletionChunk{Done: true, InputTokens: input, OutputTokens: output})
			return
		}
		if err != nil {
			send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
			return
		}

		if response.Usage != nil {
			input = response.Usage.PromptTokens
			output = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta
		if delta.Content != "" {
			if !send(ctx, chunks, &agent.CompletionChunk{Text: delta.Content}) {
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call, ok := calls[index]
			if !ok {
				call = &models.ToolCall{}
				calls[index] = call
				args[index] = &strings.Builder{}
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			args[index].WriteString(tc.Function.Arguments)
		}
	}
}

// orderedCalls finalizes accumulated calls in index order, dropping fragments
// that never received a name.
func orderedCalls(calls map[int]*models.ToolCall, args map[int]*strings.Builder) []*models.ToolCall {
	indexes := make([]int, 0, len(calls))
	for i := range calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	out := make([]*models.ToolCall, 0, len(indexes))
	for _, i := range indexes {
		call := calls[i]
		if call.Name == "" {
			continue
		}
		if raw := strings.TrimSpace(args[i].String()); raw != "" {
			call.Input = json.RawMessage(raw)
		}
		out = append(out, call)
	}
	return out
}

// toOpenAIMessages converts the transcript to OpenAI messages. The system
// prompt goes first; every tool result becomes its own "tool" message.
func toOpenAIMessages(messages []agent.CompletionMessage, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			continue
		case "tool":
			for _, tr := range msg.ToolResults {
				if tr.ToolCallID == "" {
					return nil, errors.New("tool result without tool_call_id")
				}
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case "assistant":
			out := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				arguments := string(tc.Input)
				if arguments == "" {
					arguments = "{}"
				}
				out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: arguments,
					},
				})
			}
			result = append(result, out)
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result, nil
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	providerErr := NewProviderError(p.Name(), model, err)

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" {
			providerErr.Message = apiErr.Message
			if reason := ClassifyError(errors.New(apiErr.Message)); reason == ReasonInvalidHistory {
				providerErr.Reason = reason
			}
		}
		providerErr = providerErr.WithStatus(apiErr.HTTPStatusCode)
		if apiErr.Code != nil {
			providerErr = providerErr.WithCode(fmt.Sprint(apiErr.Code))
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return providerErr.WithStatus(reqErr.HTTPStatusCode)
	}
	return providerErr
}
