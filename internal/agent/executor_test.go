package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/malhub/pkg/models"
)

func TestExecutorExecuteAllKeepsOrder(t *testing.T) {
	slow := newFakeTool("slow")
	slow.delay = 30 * time.Millisecond
	fast := newFakeTool("fast")
	exec := NewExecutor(catalogOf(slow, fast), nil)

	results := exec.ExecuteAll(context.Background(), []models.ToolCall{
		call("1", "slow", `{}`),
		call("2", "fast", `{}`),
	})
	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
	if results[0].ToolCallID != "1" || results[0].Result.Content != "slow ok" {
		t.Errorf("first result = %+v", results[0])
	}
	if results[1].ToolCallID != "2" || results[1].Result.Content != "fast ok" {
		t.Errorf("second result = %+v", results[1])
	}
	if exec.Metrics().TotalExecutions != 2 {
		t.Errorf("TotalExecutions = %d", exec.Metrics().TotalExecutions)
	}
}

func TestExecutorRetriesTransportErrors(t *testing.T) {
	flaky := newFakeTool("flaky")
	flaky.fn = func(json.RawMessage) (*ToolResult, error) {
		if flaky.runs.Load() < 2 {
			return nil, errors.New("connection refused")
		}
		return &ToolResult{Content: "ok"}, nil
	}
	exec := NewExecutor(catalogOf(flaky), &ExecutorConfig{DefaultRetries: 2, RetryBackoff: time.Millisecond})

	res := exec.Execute(context.Background(), call("1", "flaky", `{}`))
	if res.Error != nil {
		t.Fatalf("Execute() error = %v", res.Error)
	}
	if res.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", res.Attempts)
	}
	if exec.Metrics().TotalRetries != 1 {
		t.Errorf("TotalRetries = %d, want 1", exec.Metrics().TotalRetries)
	}
}

func TestExecutorNoRetryWhenConfiguredZero(t *testing.T) {
	flaky := newFakeTool("mal_delete_skill")
	flaky.fn = func(json.RawMessage) (*ToolResult, error) {
		return nil, errors.New("connection reset")
	}
	exec := NewExecutor(catalogOf(flaky), &ExecutorConfig{DefaultRetries: 3, RetryBackoff: time.Millisecond})
	exec.ConfigureTool("mal_delete_skill", &ToolConfig{Retries: 0})

	res := exec.Execute(context.Background(), call("1", "mal_delete_skill", `{}`))
	if res.Error == nil {
		t.Fatal("expected error")
	}
	if got := flaky.runs.Load(); got != 1 {
		t.Errorf("runs = %d, want 1", got)
	}
	tr := res.ToToolResult()
	if !tr.IsError || tr.ToolCallID != "1" {
		t.Errorf("ToToolResult() = %+v", tr)
	}
}

func TestExecutorTimeout(t *testing.T) {
	slow := newFakeTool("slow")
	slow.delay = time.Second
	exec := NewExecutor(catalogOf(slow), &ExecutorConfig{DefaultRetries: 0})
	exec.ConfigureTool("slow", &ToolConfig{Timeout: 20 * time.Millisecond, Retries: 0})

	res := exec.Execute(context.Background(), call("1", "slow", `{}`))
	toolErr, ok := GetToolError(res.Error)
	if !ok || toolErr.Type != ToolErrorTimeout {
		t.Fatalf("error = %v, want timeout ToolError", res.Error)
	}
	if !strings.Contains(res.Error.Error(), "timed out") {
		t.Errorf("error text = %q", res.Error.Error())
	}
	if exec.Metrics().TotalTimeouts != 1 {
		t.Errorf("TotalTimeouts = %d", exec.Metrics().TotalTimeouts)
	}
}

func TestExecutorRecoversPanics(t *testing.T) {
	bad := newFakeTool("bad")
	bad.fn = func(json.RawMessage) (*ToolResult, error) {
		panic("kaboom")
	}
	exec := NewExecutor(catalogOf(bad), &ExecutorConfig{DefaultRetries: 0})

	res := exec.Execute(context.Background(), call("1", "bad", `{}`))
	if !errors.Is(res.Error, ErrToolPanic) {
		t.Fatalf("error = %v, want ErrToolPanic", res.Error)
	}
	if exec.Metrics().TotalPanics != 1 {
		t.Errorf("TotalPanics = %d", exec.Metrics().TotalPanics)
	}
}

func TestExecutionResultToToolResult(t *testing.T) {
	r := &ExecutionResult{ToolCallID: "c", Result: &ToolResult{Content: "bad input", IsError: true}}
	got := r.ToToolResult()
	if got.Content != "bad input" || !got.IsError || got.ToolCallID != "c" {
		t.Errorf("ToToolResult() = %+v", got)
	}
	if got := (&ExecutionResult{ToolCallID: "c"}).ToToolResult(); got.IsError || got.Content != "" {
		t.Errorf("empty result = %+v", got)
	}
}
