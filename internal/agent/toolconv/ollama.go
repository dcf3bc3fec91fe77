package toolconv

import (
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/malhub/internal/agent"
	"github.com/haasonsaas/malhub/pkg/models"
	"github.com/ollama/ollama/api"
)

// ToOllamaTools converts internal tool definitions to Ollama function tools.
// Only top-level properties are carried; nested object schemas are described
// by their type alone.
func ToOllamaTools(tools []agent.Tool) []api.Tool {
	if len(tools) == 0 {
		return nil
	}
	result := make([]api.Tool, 0, len(tools))
	for _, tool := range tools {
		m := schemaMap(tool.Schema())
		params := api.ToolFunctionParameters{
			Type:       "object",
			Properties: api.NewToolPropertiesMap(),
			Required:   stringList(m["required"]),
		}
		if props, ok := m["properties"].(map[string]any); ok {
			for name, raw := range props {
				pm, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				params.Properties.Set(name, ollamaProperty(pm))
			}
		}
		result = append(result, api.Tool{
			Type: "function",
			Function: api.ToolFunction{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  params,
			},
		})
	}
	return result
}

func ollamaProperty(m map[string]any) api.ToolProperty {
	prop := api.ToolProperty{}
	if desc, ok := m["description"].(string); ok {
		prop.Description = desc
	}
	switch t := m["type"].(type) {
	case string:
		prop.Type = api.PropertyType{t}
	case []any:
		prop.Type = api.PropertyType(stringList(t))
	}
	if enum, ok := m["enum"].([]any); ok {
		prop.Enum = enum
	}
	return prop
}

// ToOllamaToolCall converts a persisted tool call into an Ollama call.
func ToOllamaToolCall(call models.ToolCall) (api.ToolCall, error) {
	args := api.NewToolCallFunctionArguments()
	if len(call.Input) > 0 {
		var m map[string]any
		if err := json.Unmarshal(call.Input, &m); err != nil {
			return api.ToolCall{}, fmt.Errorf("invalid tool call input for %s: %w", call.Name, err)
		}
		for k, v := range m {
			args.Set(k, v)
		}
	}
	return api.ToolCall{
		ID: call.ID,
		Function: api.ToolCallFunction{
			Name:      call.Name,
			Arguments: args,
		},
	}, nil
}
