package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/malhub/internal/agent"
	"github.com/haasonsaas/malhub/pkg/models"
)

func TestNewAnthropicProvider(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Fatal("expected error for missing API key")
	}
	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-ant-test"})
	if err != nil {
		t.Fatalf("NewAnthropicProvider() error = %v", err)
	}
	if p.Name() != "anthropic" || p.defaultModel != DefaultAnthropicModel {
		t.Errorf("provider = %s/%s", p.Name(), p.defaultModel)
	}
	if len(p.Models()) == 0 {
		t.Error("Models() is empty")
	}
}

func TestToAnthropicMessages(t *testing.T) {
	msgs, err := toAnthropicMessages(transcript())
	if err != nil {
		t.Fatalf("toAnthropicMessages() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[1].Role != "assistant" || msgs[2].Role != "user" {
		t.Errorf("roles = %s, %s, %s", msgs[0].Role, msgs[1].Role, msgs[2].Role)
	}
	if len(msgs[1].Content) != 2 {
		t.Errorf("assistant blocks = %d, want 2", len(msgs[1].Content))
	}
	if len(msgs[2].Content) != 2 {
		t.Fatalf("tool result blocks = %d, want 2", len(msgs[2].Content))
	}
	second := msgs[2].Content[1].OfToolResult
	if second == nil || second.ToolUseID != "call_2" {
		t.Fatalf("second block = %+v", msgs[2].Content[1])
	}
	if !second.IsError.Value {
		t.Error("error result should set is_error")
	}
}

func TestToAnthropicMessagesInvalidInput(t *testing.T) {
	_, err := toAnthropicMessages([]agent.CompletionMessage{{
		Role:      "assistant",
		ToolCalls: []models.ToolCall{{ID: "c", Name: "x", Input: []byte("{not json")}},
	}})
	if err == nil {
		t.Fatal("expected error for invalid tool input")
	}
}

func TestAnthropicBuildParams(t *testing.T) {
	p, _ := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-ant-test"})
	params, err := p.buildParams(&agent.CompletionRequest{
		System:   "sys",
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
		Tools:    []agent.Tool{stubTool{name: "mal_list_sprints", schema: `{"type":"object","properties":{"status":{"type":"string"}}}`}},
	}, "claude-test")
	if err != nil {
		t.Fatalf("buildParams() error = %v", err)
	}
	if params.MaxTokens != defaultAnthropicMaxTokens {
		t.Errorf("MaxTokens = %d", params.MaxTokens)
	}
	if len(params.System) != 1 || params.System[0].Text != "sys" {
		t.Errorf("System = %+v", params.System)
	}
	if len(params.Tools) != 1 || params.Tools[0].OfTool.Name != "mal_list_sprints" {
		t.Errorf("Tools = %+v", params.Tools)
	}

	_, err = p.buildParams(&agent.CompletionRequest{
		Tools: []agent.Tool{stubTool{name: "bad", schema: `not json`}},
	}, "claude-test")
	if err == nil {
		t.Error("expected error for invalid tool schema")
	}
}

func writeSSE(w http.ResponseWriter, events [][2]string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	for _, ev := range events {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev[0], ev[1])
		flusher.Flush()
	}
}

func TestAnthropicCompleteStreamsTextAndToolUse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-ant-test" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		writeSSE(w, [][2]string{
			{"message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","content":[],"model":"claude-test","usage":{"input_tokens":12,"output_tokens":1}}}`},
			{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Looking"}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":0}`},
			{"content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"mal_list_sprints","input":{}}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"status\":"}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"active\"}"}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":1}`},
			{"message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`},
			{"message_stop", `{"type":"message_stop"}`},
		})
	}))
	defer server.Close()

	p, err := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-ant-test", BaseURL: server.URL, MaxRetries: 1})
	if err != nil {
		t.Fatal(err)
	}
	chunks, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Model:    "claude-test",
		Messages: []agent.CompletionMessage{{Role: "user", Content: "sprints?"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	text, calls, last, streamErr := collect(t, chunks)
	if streamErr != nil {
		t.Fatalf("stream error = %v", streamErr)
	}
	if text != "Looking" {
		t.Errorf("text = %q", text)
	}
	if len(calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(calls))
	}
	call := calls[0].ToolCall
	if call.ID != "toolu_1" || call.Name != "mal_list_sprints" || string(call.Input) != `{"status":"active"}` {
		t.Errorf("tool call = %+v", call)
	}
	if last == nil || last.InputTokens != 12 || last.OutputTokens != 9 {
		t.Errorf("final chunk = %+v", last)
	}
}

func TestAnthropicCompleteClassifiesCorruptedHistory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"type":"error","error":{"type":"invalid_request_error","message":"messages.1: tool_use ids were found without tool_result blocks immediately after: toolu_1"}}`)
	}))
	defer server.Close()

	p, _ := NewAnthropicProvider(AnthropicConfig{APIKey: "sk-ant-test", BaseURL: server.URL, MaxRetries: 2, RetryDelay: time.Millisecond})
	chunks, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	_, _, _, streamErr := collect(t, chunks)
	pe, ok := GetProviderError(streamErr)
	if !ok {
		t.Fatalf("expected ProviderError, got %v", streamErr)
	}
	if pe.Reason != ReasonInvalidHistory {
		t.Errorf("reason = %q, want %q", pe.Reason, ReasonInvalidHistory)
	}
	if pe.Status != http.StatusBadRequest {
		t.Errorf("status = %d", pe.Status)
	}
	if !agent.IsCorruptedHistory(streamErr) {
		t.Error("IsCorruptedHistory should recognise the error")
	}
}
