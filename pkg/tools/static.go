package tools

import (
	"fmt"
	"strings"
)

// StaticTool is a tool declared in configuration.
type StaticTool struct {
	ToolName        string                 `json:"name" yaml:"name"`
	ToolDescription string                 `json:"description" yaml:"description"`
	Params          map[string]interface{} `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

func NewStaticTool(name, description string) *StaticTool {
	return &StaticTool{ToolName: name, ToolDescription: description}
}

func (t *StaticTool) Name() string        { return t.ToolName }
func (t *StaticTool) Description() string { return t.ToolDescription }

func (t *StaticTool) Parameters() map[string]interface{} {
	if t.Params == nil {
		return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return t.Params
}

// Validate checks the tool name is usable for lexical matching.
func (t *StaticTool) Validate() error {
	name := strings.TrimSpace(t.ToolName)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if strings.ContainsAny(name, " \t\n") {
		return fmt.Errorf("tool name %q must not contain whitespace", name)
	}
	return nil
}
