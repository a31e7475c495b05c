package tools

// Tool is a capability agent mode can call. The engine only needs its
// metadata; execution belongs to the host's agent loop.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
}

// ToolInfo is the listing entry returned by AvailableTools.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// ToolToSchema renders a tool in the function-calling schema shape.
func ToolToSchema(tool Tool) map[string]interface{} {
	return map[string]interface{}{
		"type": "function",
		"function": map[string]interface{}{
			"name":        tool.Name(),
			"description": tool.Description(),
			"parameters":  tool.Parameters(),
		},
	}
}
