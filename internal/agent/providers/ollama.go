package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/malhub/internal/agent"
	"github.com/haasonsaas/malhub/internal/agent/toolconv"
	"github.com/haasonsaas/malhub/pkg/models"
	"github.com/ollama/ollama/api"
)

// DefaultOllamaURL is the address of a local Ollama server.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaConfig configures the Ollama provider.
type OllamaConfig struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
}

// OllamaProvider implements agent.LLMProvider for a local or remote Ollama server.
type OllamaProvider struct {
	BaseProvider
	client       *api.Client
	defaultModel string
}

var _ agent.LLMProvider = (*OllamaProvider)(nil)

// NewOllamaProvider creates an Ollama provider. A model name is required
// since Ollama has no server-side default.
func NewOllamaProvider(cfg OllamaConfig) (*OllamaProvider, error) {
	model := strings.TrimSpace(cfg.DefaultModel)
	if model == "" {
		return nil, errors.New("ollama: model is required")
	}
	raw := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if raw == "" {
		raw = DefaultOllamaURL
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("ollama: invalid base URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OllamaProvider{
		BaseProvider: NewBaseProvider("ollama", cfg.MaxRetries, cfg.RetryDelay),
		client:       api.NewClient(base, &http.Client{Timeout: timeout}),
		defaultModel: model,
	}, nil
}

// Models returns the configured model.
func (p *OllamaProvider) Models() []agent.Model {
	return []agent.Model{{ID: p.defaultModel, Name: p.defaultModel}}
}

// SupportsTools returns true. Models without tool support reject the request.
func (p *OllamaProvider) SupportsTools() bool {
	return true
}

// Complete streams a chat response.
func (p *OllamaProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if req == nil {
		return nil, errors.New("ollama: request is nil")
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	messages, err := toOllamaMessages(req.Messages, req.System)
	if err != nil {
		return nil, NewProviderError(p.Name(), model, err)
	}
	stream := true
	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
		Tools:    toolconv.ToOllamaTools(req.Tools),
	}
	if req.MaxTokens > 0 {
		chatReq.Options = map[string]any{"num_predict": req.MaxTokens}
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		var emitted bool
		retryable := func(err error) bool { return !emitted && IsRetryable(err) }
		err := p.Retry(ctx, retryable, func() error {
			err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
				for _, chunk := range ollamaChunks(resp) {
					emitted = true
					if !send(ctx, chunks, chunk) {
						return ctx.Err()
					}
				}
				return nil
			})
			return p.wrapError(err, model)
		})
		if err != nil {
			send(ctx, chunks, &agent.CompletionChunk{Error: err})
		}
	}()
	return chunks, nil
}

// ollamaChunks converts one streamed response. Ollama sends complete tool
// calls, usually in the final message.
func ollamaChunks(resp api.ChatResponse) []*agent.CompletionChunk {
	var out []*agent.CompletionChunk
	if resp.Message.Content != "" {
		out = append(out, &agent.CompletionChunk{Text: resp.Message.Content})
	}
	for _, tc := range resp.Message.ToolCalls {
		input, err := json.Marshal(tc.Function.Arguments.ToMap())
		if err != nil {
			input = []byte("{}")
		}
		out = append(out, &agent.CompletionChunk{ToolCall: &models.ToolCall{
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		}})
	}
	if resp.Done {
		out = append(out, &agent.CompletionChunk{
			Done:         true,
			InputTokens:  resp.PromptEvalCount,
			OutputTokens: resp.EvalCount,
		})
	}
	return out
}

func toOllamaMessages(messages []agent.CompletionMessage, system string) ([]api.Message, error) {
	names := make(map[string]string)
	result := make([]api.Message, 0, len(messages)+1)
	if system != "" {
		result = append(result, api.Message{Role: "system", Content: system})
	}
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			continue
		case "tool":
			for _, tr := range msg.ToolResults {
				result = append(result, api.Message{
					Role:       "tool",
					Content:    tr.Content,
					ToolName:   names[tr.ToolCallID],
					ToolCallID: tr.ToolCallID,
				})
			}
		case "assistant":
			out := api.Message{Role: "assistant", Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				call, err := toolconv.ToOllamaToolCall(tc)
				if err != nil {
					return nil, err
				}
				names[tc.ID] = tc.Name
				out.ToolCalls = append(out.ToolCalls, call)
			}
			result = append(result, out)
		default:
			result = append(result, api.Message{Role: "user", Content: msg.Content})
		}
	}
	return result, nil
}

func (p *OllamaProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}
	providerErr := NewProviderError(p.Name(), model, err)

	// The client returns StatusError by value.
	var statusErr api.StatusError
	if errors.As(err, &statusErr) {
		if statusErr.ErrorMessage != "" {
			providerErr.Message = statusErr.ErrorMessage
		}
		return providerErr.WithStatus(statusErr.StatusCode)
	}
	if strings.Contains(err.Error(), "connection refused") {
		providerErr.Reason = ReasonServerError
	}
	return providerErr
}
