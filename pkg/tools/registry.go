package tools

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/hybridmode/pkg/logger"
)

type ToolRegistry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]Tool),
	}
}

// Register adds or replaces a tool by name.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool is nil")
	}
	name := strings.TrimSpace(tool.Name())
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	r.mu.Lock()
	_, replaced := r.tools[name]
	r.tools[name] = tool
	r.mu.Unlock()

	logger.DebugCF("tool", "Tool registered",
		map[string]interface{}{
			"tool":     name,
			"replaced": replaced,
		})
	return nil
}

// RegisterStatic registers config-declared tools, skipping invalid entries.
func (r *ToolRegistry) RegisterStatic(defs []StaticTool) int {
	n := 0
	for i := range defs {
		def := defs[i]
		if err := def.Validate(); err != nil {
			logger.WarnCF("tool", "Skipping invalid tool definition",
				map[string]interface{}{
					"index": i,
					"error": err.Error(),
				})
			continue
		}
		if err := r.Register(&def); err == nil {
			n++
		}
	}
	return n
}

func (r *ToolRegistry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	return true
}

func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List returns all registered tool names, sorted.
func (r *ToolRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ToolNames is List; it lets the registry serve as the engine's tool provider.
func (r *ToolRegistry) ToolNames() []string {
	return r.List()
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// AvailableTools returns name and description of each tool in name order.
func (r *ToolRegistry) AvailableTools() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolInfo, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, ToolInfo{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetDefinitions returns the function-calling schema of every tool.
func (r *ToolRegistry) GetDefinitions() []map[string]interface{} {
	infos := r.AvailableTools()
	definitions := make([]map[string]interface{}, 0, len(infos))
	for _, info := range infos {
		r.mu.RLock()
		tool, ok := r.tools[info.Name]
		r.mu.RUnlock()
		if ok {
			definitions = append(definitions, ToolToSchema(tool))
		}
	}
	return definitions
}

// GetSummaries returns "- `name` - description" lines in name order.
func (r *ToolRegistry) GetSummaries() []string {
	infos := r.AvailableTools()
	summaries := make([]string, 0, len(infos))
	for _, info := range infos {
		summaries = append(summaries, fmt.Sprintf("- `%s` - %s", info.Name, info.Description))
	}
	return summaries
}
