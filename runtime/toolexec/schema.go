package toolexec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaCache compiles and memoizes tool input schemas keyed by tool name.
// Tool definitions are static after registration so compiled schemas never
// invalidate.
type schemaCache struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func (c *schemaCache) compile(name string, schema map[string]any) (*jsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.compiled[name]; ok {
		return s, nil
	}
	// Round-trip through JSON so the compiler sees the document form it
	// expects regardless of how the map was constructed.
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("toolexec: marshal schema for %s: %w", name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("toolexec: decode schema for %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	url := "tool:///" + name + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("toolexec: add schema for %s: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("toolexec: compile schema for %s: %w", name, err)
	}
	if c.compiled == nil {
		c.compiled = make(map[string]*jsonschema.Schema)
	}
	c.compiled[name] = compiled
	return compiled, nil
}
