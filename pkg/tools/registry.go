package tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrToolNotFound is returned when looking up an unregistered tool.
var ErrToolNotFound = errors.New("tool not found")

// ErrToolExists is returned when registering a duplicate tool name.
var ErrToolExists = errors.New("tool already registered")

// Registry is the thread-safe tool catalog. Tool names are unique;
// MCP-backed tools use the "<server>_<tool>" naming convention so a whole
// server's tools can be removed by prefix on disconnect.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*Tool
	compiled map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]*Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool. Names must be unique; tools advertising a raw
// JSON-Schema document get it compiled here so invalid schemas fail fast
// at registration rather than at call time.
func (r *Registry) Register(tool *Tool) error {
	if tool == nil || tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Execute == nil {
		return fmt.Errorf("tool %q has no execute function", tool.Name)
	}

	var schema *jsonschema.Schema
	if len(tool.RawSchema) > 0 {
		var err error
		schema, err = jsonschema.CompileString(tool.Name+".schema.json", string(tool.RawSchema))
		if err != nil {
			return fmt.Errorf("compiling schema for tool %q: %w", tool.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolExists, tool.Name)
	}
	r.tools[tool.Name] = tool
	if schema != nil {
		r.compiled[tool.Name] = schema
	}
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return tool, nil
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns all tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Unregister removes a tool by name.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return false
	}
	delete(r.tools, name)
	delete(r.compiled, name)
	return true
}

// RemovePrefix removes every tool whose name starts with prefix and
// returns the removed names. Used on MCP server disconnect.
func (r *Registry) RemovePrefix(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for name := range r.tools {
		if strings.HasPrefix(name, prefix) {
			delete(r.tools, name)
			delete(r.compiled, name)
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)
	return removed
}

// ValidateArgs checks args against the tool's parameter schema. Local
// schemas use the recursive variant check; raw MCP schemas use the
// compiled JSON-Schema validator. Tools without a schema accept anything.
func (r *Registry) ValidateArgs(name string, args map[string]any) error {
	r.mu.RLock()
	tool, ok := r.tools[name]
	compiled := r.compiled[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if tool.Schema != nil {
		if violations := tool.Schema.Validate(args); len(violations) > 0 {
			return &SchemaError{Tool: name, Violations: violations}
		}
		return nil
	}
	if compiled != nil {
		// The validator wants plain decoded JSON values.
		normalized, err := normalizeJSON(args)
		if err != nil {
			return err
		}
		if err := compiled.Validate(normalized); err != nil {
			return fmt.Errorf("arguments for tool %q rejected: %w", name, err)
		}
	}
	return nil
}

func normalizeJSON(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
