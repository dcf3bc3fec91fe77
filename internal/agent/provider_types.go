package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/malhub/pkg/models"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of one vendor API while presenting a
// unified streaming interface to the turn executor.
//
// Thread Safety:
// Implementations must be safe for concurrent use. Turns on different threads
// call Complete() simultaneously.
//
// See Also:
//   - providers.OpenAIProvider, the default backend
//   - providers.AnthropicProvider, providers.GoogleProvider, providers.OllamaProvider
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response. The channel is
	// closed after a chunk with Done set.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []Model

	// SupportsTools returns whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for an LLM completion request.
type CompletionRequest struct {
	// Model specifies which model to use. If empty, the provider default is used.
	Model string `json:"model"`

	// System is the agent's system prompt.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools are the tools bound to the agent. If empty, no tool calling is available.
	Tools []Tool `json:"tools,omitempty"`

	// MaxTokens limits the response length. If 0, the provider default is used.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage represents a single message in a conversation.
//
// Role values: "user", "assistant", "tool". A tool message carries exactly the
// results answering the preceding assistant message's calls.
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk represents a single chunk in a streaming LLM response.
//
// Each chunk carries one of: partial text, a complete tool call, the Done
// signal, or an Error (which also terminates the stream).
type CompletionChunk struct {
	Text     string           `json:"text,omitempty"`
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`
	Done     bool             `json:"done,omitempty"`
	Error    error            `json:"-"`

	// Token usage, only populated on the final chunk.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Model describes an available LLM model.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContextSize int    `json:"context_size"`
}

// Tool defines the interface for executable agent tools.
//
// In malhub every tool is a remote MCP catalog tool; see mcp.RemoteTool.
type Tool interface {
	// Name returns the tool name for LLM function calling.
	Name() string

	// Description returns a natural language description of what the tool does.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with the given JSON parameters. Failures the model
	// should see are reported as a ToolResult with IsError; a returned error is
	// reserved for transport-level problems.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult contains the output from a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ToCompletionMessages converts persisted thread messages into provider messages.
// System messages are dropped because the system prompt travels separately.
func ToCompletionMessages(msgs []models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			continue
		case models.RoleTool:
			result := models.ToolResult{ToolCallID: msg.ToolCallID, Content: msg.Content, IsError: msg.IsError}
			// Consecutive tool messages answer the same assistant turn.
			if n := len(out); n > 0 && out[n-1].Role == string(models.RoleTool) {
				out[n-1].ToolResults = append(out[n-1].ToolResults, result)
				continue
			}
			out = append(out, CompletionMessage{Role: string(models.RoleTool), ToolResults: []models.ToolResult{result}})
		default:
			out = append(out, CompletionMessage{
				Role:      string(msg.Role),
				Content:   msg.Content,
				ToolCalls: msg.ToolCalls,
			})
		}
	}
	return out
}
