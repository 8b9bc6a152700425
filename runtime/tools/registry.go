package tools

import (
	"fmt"
	"sort"
	"sync"

	"goa.design/agentcore/runtime/model"
)

// Registry resolves tools by name. Safe for concurrent use; registration
// typically happens at startup, lookup on every dispatched call.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns a registry holding the given tools. Duplicate names
// return an error.
func NewRegistry(ts ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool. The name comes from the tool's definition and must be
// unique within the registry.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("tools: nil tool")
	}
	name := t.Definition().Name
	if name == "" {
		return fmt.Errorf("tools: tool has empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; ok {
		return fmt.Errorf("tools: duplicate tool %q", name)
	}
	r.tools[name] = t
	return nil
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the schemas of all registered tools sorted by name, the
// form advertised to the model.
func (r *Registry) Definitions() []model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]model.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
