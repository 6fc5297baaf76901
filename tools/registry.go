package tools

import (
	"fmt"

	"menucost/catalog"
)

// Registry maps tool names to implementations
type Registry map[string]Tool

// NewRegistry creates a new tool registry over the given catalog index.
// Limit and cutoff become the search defaults offered to the reasoning
// service.
func NewRegistry(index *catalog.Index, limit, cutoff int) (*Registry, error) {
	if index == nil {
		return nil, fmt.Errorf("catalog index is required")
	}

	tools := map[string]Tool{
		"catalog_search": NewCatalogSearch(index, limit, cutoff),
	}

	registry := Registry(tools)
	return &registry, nil
}

// GetTools returns all tools in the registry as a slice
func (r *Registry) GetTools() []Tool {
	tools := make([]Tool, 0, len(*r))
	for _, tool := range *r {
		tools = append(tools, tool)
	}
	return tools
}

// GetTool retrieves a tool by name from the registry
func (r Registry) GetTool(name string) (Tool, error) {
	tool, exists := r[name]
	if !exists {
		return nil, fmt.Errorf("tool %q not found in registry", name)
	}
	return tool, nil
}
