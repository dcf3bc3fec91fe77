package providers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/malhub/internal/agent"
	"github.com/haasonsaas/malhub/pkg/models"
)

type stubTool struct {
	name   string
	schema string
}

func (s stubTool) Name() string            { return s.name }
func (s stubTool) Description() string     { return "stub " + s.name }
func (s stubTool) Schema() json.RawMessage { return json.RawMessage(s.schema) }
func (s stubTool) Execute(context.Context, json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: "ok"}, nil
}

// collect drains chunks, failing the test if the stream does not close in time.
func collect(t *testing.T, chunks <-chan *agent.CompletionChunk) (text string, calls []agent.CompletionChunk, last *agent.CompletionChunk, err error) {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return text, calls, last, err
			}
			if chunk.Error != nil {
				err = chunk.Error
			}
			text += chunk.Text
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk)
			}
			if chunk.Done {
				last = chunk
			}
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func transcript() []agent.CompletionMessage {
	return []agent.CompletionMessage{
		{Role: "user", Content: "list sprints"},
		{Role: "assistant", ToolCalls: []models.ToolCall{
			{ID: "call_1", Name: "mal_list_sprints", Input: json.RawMessage(`{"status":"active"}`)},
			{ID: "call_2", Name: "mal_get_team", Input: json.RawMessage(`{}`)},
		}},
		{Role: "tool", ToolResults: []models.ToolResult{
			{ToolCallID: "call_1", Content: `[{"id":"s1"}]`},
			{ToolCallID: "call_2", Content: "boom", IsError: true},
		}},
	}
}
