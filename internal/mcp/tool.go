package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/malhub/internal/agent"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolCaller is the part of the client that remote tools need.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*ToolCallResult, error)
}

// RemoteTool exposes a catalog tool as an agent tool. Arguments are checked
// against the tool's input schema before the call leaves the process.
type RemoteTool struct {
	caller ToolCaller
	info   *ToolInfo
	schema *jsonschema.Schema
}

// NewRemoteTool wraps info. A schema that does not compile disables local
// validation for the tool; the server still validates.
func NewRemoteTool(caller ToolCaller, info *ToolInfo) (*RemoteTool, error) {
	t := &RemoteTool{caller: caller, info: info}
	if len(info.InputSchema) == 0 {
		return t, nil
	}
	compiled, err := jsonschema.CompileString(info.Name+".schema.json", string(info.InputSchema))
	if err != nil {
		return t, fmt.Errorf("compile input schema for %s: %w", info.Name, err)
	}
	t.schema = compiled
	return t, nil
}

func (t *RemoteTool) Name() string {
	return t.info.Name
}

func (t *RemoteTool) Description() string {
	return strings.TrimSpace(t.info.Description)
}

func (t *RemoteTool) Schema() json.RawMessage {
	if len(t.info.InputSchema) == 0 {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return t.info.InputSchema
}

// Execute invokes the remote tool. Invalid arguments and tool-reported
// failures come back as error-bearing results; only transport failures are
// returned as errors.
func (t *RemoteTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	if err := t.validate(params); err != nil {
		return &agent.ToolResult{Content: fmt.Sprintf("invalid arguments for %s: %v", t.info.Name, err), IsError: true}, nil
	}

	result, err := t.caller.CallTool(ctx, t.info.Name, params)
	if err != nil {
		return nil, err
	}
	return &agent.ToolResult{Content: result.Text(), IsError: result.IsError}, nil
}

func (t *RemoteTool) validate(params json.RawMessage) error {
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return err
	}
	if t.schema == nil {
		return nil
	}
	return t.schema.Validate(decoded)
}

// Catalog builds a tool registry from the client's cached tools.
func Catalog(client *Client, logger *slog.Logger) *agent.ToolRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return BuildRegistry(client, client.Tools(), logger)
}

// BuildRegistry wraps each tool in infos as a RemoteTool. Tools without a name
// are skipped.
func BuildRegistry(caller ToolCaller, infos []*ToolInfo, logger *slog.Logger) *agent.ToolRegistry {
	reg := agent.NewToolRegistry()
	for _, info := range infos {
		if info == nil || info.Name == "" {
			continue
		}
		tool, err := NewRemoteTool(caller, info)
		if err != nil {
			logger.Warn("tool schema not usable, skipping local validation", "tool_name", info.Name, "error", err)
		}
		reg.Register(tool)
	}
	return reg
}
