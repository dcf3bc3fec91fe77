package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
)

type recordingCaller struct {
	calls  []string
	result *ToolCallResult
	err    error
}

func (c *recordingCaller) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error) {
	c.calls = append(c.calls, name+" "+string(arguments))
	return c.result, c.err
}

func sprintTool() *ToolInfo {
	return &ToolInfo{
		Name:        "mal_get_sprint",
		Description: "  Get sprint details.  ",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"sprint_id": {"type": "string", "minLength": 1}},
			"required": ["sprint_id"],
			"additionalProperties": false
		}`),
	}
}

func TestRemoteToolExecute(t *testing.T) {
	caller := &recordingCaller{result: &ToolCallResult{Content: []ToolResultContent{{Type: "text", Text: "Sprint 12"}}}}
	tool, err := NewRemoteTool(caller, sprintTool())
	if err != nil {
		t.Fatalf("NewRemoteTool() error = %v", err)
	}
	if tool.Description() != "Get sprint details." {
		t.Errorf("Description() = %q", tool.Description())
	}

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"sprint_id":"s-12"}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.IsError || res.Content != "Sprint 12" {
		t.Errorf("result = %+v", res)
	}
	if len(caller.calls) != 1 || caller.calls[0] != `mal_get_sprint {"sprint_id":"s-12"}` {
		t.Errorf("calls = %v", caller.calls)
	}
}

func TestRemoteToolRejectsInvalidArguments(t *testing.T) {
	tests := []struct {
		name   string
		params string
	}{
		{"missing required", `{}`},
		{"wrong type", `{"sprint_id": 12}`},
		{"unknown field", `{"sprint_id":"s","extra":true}`},
		{"not json", `{"sprint_id":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caller := &recordingCaller{}
			tool, _ := NewRemoteTool(caller, sprintTool())

			res, err := tool.Execute(context.Background(), json.RawMessage(tt.params))
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			if !res.IsError || !strings.Contains(res.Content, "invalid arguments for mal_get_sprint") {
				t.Errorf("result = %+v", res)
			}
			if len(caller.calls) != 0 {
				t.Errorf("invalid call reached the server: %v", caller.calls)
			}
		})
	}
}

func TestRemoteToolErrors(t *testing.T) {
	caller := &recordingCaller{result: &ToolCallResult{IsError: true, Content: []ToolResultContent{{Type: "text", Text: "sprint not found"}}}}
	tool, _ := NewRemoteTool(caller, sprintTool())
	res, err := tool.Execute(context.Background(), json.RawMessage(`{"sprint_id":"nope"}`))
	if err != nil || !res.IsError || res.Content != "sprint not found" {
		t.Errorf("tool-reported failure = %+v, %v", res, err)
	}

	caller.err = errors.New("connection refused")
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"sprint_id":"x"}`)); err == nil {
		t.Error("transport failure should be returned as an error")
	}
}

func TestRemoteToolWithoutSchema(t *testing.T) {
	caller := &recordingCaller{result: &ToolCallResult{}}
	tool, err := NewRemoteTool(caller, &ToolInfo{Name: "mal_health_check"})
	if err != nil {
		t.Fatal(err)
	}
	if string(tool.Schema()) != `{"type":"object","properties":{}}` {
		t.Errorf("Schema() = %s", tool.Schema())
	}
	if _, err := tool.Execute(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
	if caller.calls[0] != "mal_health_check {}" {
		t.Errorf("calls = %v", caller.calls)
	}
}

func TestBuildRegistry(t *testing.T) {
	infos := []*ToolInfo{
		sprintTool(),
		{Name: "mal_broken", InputSchema: json.RawMessage(`{"type": 12}`)},
		{Name: ""},
		nil,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := BuildRegistry(&recordingCaller{}, infos, logger)

	if got := strings.Join(reg.Names(), ","); got != "mal_broken,mal_get_sprint" {
		t.Errorf("Names() = %s", got)
	}
}

func TestToolCallResultText(t *testing.T) {
	tests := []struct {
		name   string
		result *ToolCallResult
		want   string
	}{
		{"nil", nil, ""},
		{"empty", &ToolCallResult{}, ""},
		{"joined", &ToolCallResult{Content: []ToolResultContent{{Type: "text", Text: "a"}, {Type: "text"}, {Type: "text", Text: "b"}}}, "a\nb"},
		{"non-text", &ToolCallResult{Content: []ToolResultContent{{Type: "image", Data: "AA==", MimeType: "image/png"}}}, `{"content":[{"type":"image","data":"AA==","mimeType":"image/png"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.Text(); got != tt.want {
				t.Errorf("Text() = %q, want %q", got, tt.want)
			}
		})
	}
}
