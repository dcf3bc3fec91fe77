package toolconv

import (
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/haasonsaas/malhub/internal/agent"
)

// ToAnthropicTools converts catalog tools to Anthropic tool params. Only the
// top-level properties and required list of each input schema are sent;
// nested schemas travel inside the properties unchanged.
func ToAnthropicTools(tools []agent.Tool) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		m := schemaMap(tool.Schema())
		input := anthropic.ToolInputSchemaParam{
			Properties: m["properties"],
			Required:   stringList(m["required"]),
		}
		if input.Properties == nil {
			input.Properties = map[string]any{}
		}

		param := anthropic.ToolUnionParamOfTool(input, tool.Name())
		if param.OfTool == nil {
			return nil, fmt.Errorf("tool %s: anthropic tool param not built", tool.Name())
		}
		if desc := tool.Description(); desc != "" {
			param.OfTool.Description = anthropic.String(desc)
		}
		out = append(out, param)
	}
	return out, nil
}
