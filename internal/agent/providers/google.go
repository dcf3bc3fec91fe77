package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/malhub/internal/agent"
	"github.com/haasonsaas/malhub/internal/agent/toolconv"
	"github.com/haasonsaas/malhub/pkg/models"
	"google.golang.org/genai"
)

// DefaultGoogleModel is used when neither the request nor the config names a model.
const DefaultGoogleModel = "gemini-2.0-flash"

// GoogleConfig configures the Gemini provider.
type GoogleConfig struct {
	APIKey       string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// GoogleProvider implements agent.LLMProvider for the Gemini API.
//
// Gemini does not assign ids to function calls, so the provider generates
// them. Function responses are matched back to their call by name, which is
// recovered from the transcript through the call id.
type GoogleProvider struct {
	BaseProvider
	client       *genai.Client
	defaultModel string
}

var _ agent.LLMProvider = (*GoogleProvider)(nil)

// NewGoogleProvider creates a Gemini provider. An empty API key is an error.
func NewGoogleProvider(cfg GoogleConfig) (*GoogleProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("google: API key is required")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	model := cfg.DefaultModel
	if model == "" {
		model = DefaultGoogleModel
	}
	return &GoogleProvider{
		BaseProvider: NewBaseProvider("google", cfg.MaxRetries, cfg.RetryDelay),
		client:       client,
		defaultModel: model,
	}, nil
}

// Models returns the models this provider is commonly used with.
func (p *GoogleProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextSize: 1048576},
		{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", ContextSize: 1048576},
	}
}

// SupportsTools returns true.
func (p *GoogleProvider) SupportsTools() bool {
	return true
}

// Complete streams a generation.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if req == nil {
		return nil, errors.New("google: request is nil")
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	contents, err := toGeminiContents(req.Messages)
	if err != nil {
		return nil, NewProviderError(p.Name(), model, err)
	}
	config := buildGeminiConfig(req)

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		var emitted bool
		retryable := func(err error) bool { return !emitted && IsRetryable(err) }
		err := p.Retry(ctx, retryable, func() error {
			stream := p.client.Models.GenerateContentStream(ctx, model, contents, config)
			var err error
			emitted, err = p.processStream(ctx, stream, chunks)
			return p.wrapError(err, model)
		})
		if err != nil {
			send(ctx, chunks, &agent.CompletionChunk{Error: err})
		}
	}()
	return chunks, nil
}

func (p *GoogleProvider) processStream(ctx context.Context, stream iter.Seq2[*genai.GenerateContentResponse, error], chunks chan<- *agent.CompletionChunk) (bool, error) {
	var (
		emitted       bool
		input, output int
	)
	for resp, err := range stream {
		if err != nil {
			return emitted, err
		}
		if resp == nil {
			continue
		}
		if usage := resp.UsageMetadata; usage != nil {
			input = int(usage.PromptTokenCount)
			output = int(usage.CandidatesTokenCount)
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				chunk := partChunk(part)
				if chunk == nil {
					continue
				}
				emitted = true
				if !send(ctx, chunks, chunk) {
					return emitted, ctx.Err()
				}
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return emitted, err
	}
	send(ctx, chunks, &agent.CompletionChunk{Done: true, InputTokens: input, OutputTokens: output})
	return emitted, nil
}

func partChunk(part *genai.Part) *agent.CompletionChunk {
	switch {
	case part == nil:
		return nil
	case part.FunctionCall != nil:
		args, err := json.Marshal(part.FunctionCall.Args)
		if err != nil || part.FunctionCall.Args == nil {
			args = []byte("{}")
		}
		id := part.FunctionCall.ID
		if id == "" {
			id = "call_" + models.NewMessageID()
		}
		return &agent.CompletionChunk{ToolCall: &models.ToolCall{
			ID:    id,
			Name:  part.FunctionCall.Name,
			Input: args,
		}}
	case part.Text != "" && !part.Thought:
		return &agent.CompletionChunk{Text: part.Text}
	}
	return nil
}

// toGeminiContents converts the transcript to Gemini contents. Tool results
// are sent as function responses in a user content.
func toGeminiContents(messages []agent.CompletionMessage) ([]*genai.Content, error) {
	names := make(map[string]string)
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			names[tc.ID] = tc.Name
		}
	}

	var result []*genai.Content
	for _, msg := range messages {
		content := &genai.Content{Role: genai.RoleUser}
		switch msg.Role {
		case "system":
			continue
		case "assistant":
			content.Role = genai.RoleModel
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			args := map[string]any{}
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &args); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
				}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
			})
		}
		for _, tr := range msg.ToolResults {
			name, ok := names[tr.ToolCallID]
			if !ok {
				return nil, fmt.Errorf("tool result %s has no matching call", tr.ToolCallID)
			}
			response := map[string]any{"output": tr.Content}
			if tr.IsError {
				response = map[string]any{"error": tr.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{ID: tr.ToolCallID, Name: name, Response: response},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result, nil
}

func buildGeminiConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		// #nosec G115 -- bounded by min
		config.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}
	config.Tools = toolconv.ToGeminiTools(req.Tools)
	return config
}

func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}
	providerErr := NewProviderError(p.Name(), model, err)

	// genai reports HTTP failures as text carrying the status code and the
	// RPC status name.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthenticated"):
		providerErr = providerErr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(msg, "403") || strings.Contains(msg, "permission_denied"):
		providerErr = providerErr.WithStatus(http.StatusForbidden)
	case strings.Contains(msg, "429") || strings.Contains(msg, "resource_exhausted"):
		providerErr = providerErr.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(msg, "404") || strings.Contains(msg, "not_found"):
		providerErr = providerErr.WithStatus(http.StatusNotFound)
	case strings.Contains(msg, "503") || strings.Contains(msg, "unavailable"):
		providerErr = providerErr.WithStatus(http.StatusServiceUnavailable)
	case strings.Contains(msg, "500") || strings.Contains(msg, "internal"):
		providerErr = providerErr.WithStatus(http.StatusInternalServerError)
	}
	return providerErr
}
