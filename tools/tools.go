// Package tools describes the function catalog the core resolves tool calls
// against: a FunctionDescriptor per callable name (parameter schema,
// description, permission/context-binding metadata) and a ToolRegistry
// collaborator giving O(1) name resolution plus JSON-schema argument
// validation. The core never authors tools itself; it only consumes this
// narrow interface, letting an agent builder assemble the concrete registry
// from generated or hand-written function specs.
package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// FunctionDescriptor is everything the core needs to know about one callable
// tool: how to validate arguments against it, whether invoking it requires
// operator permission, and whether it binds to additional execution context
// the agent builder wants threaded through (e.g. a sub-agent identity for
// agent-as-tool nesting).
type FunctionDescriptor struct {
	// Name is the function name the model calls by, unique within a
	// ToolRegistry.
	Name string
	// Description is shown to the model as part of the tool catalog.
	Description string
	// ParameterSchema is the JSON Schema (as raw bytes) describing the
	// function's argument object. Nil means no schema is enforced.
	ParameterSchema []byte
	// RequiresPermission marks a function whose invocation must pass
	// through the permission filter before it runs.
	RequiresPermission bool
	// IsAgentTool marks a function that itself invokes a nested agent run,
	// letting a UI track its progress distinctly without the core
	// depending on nested-run orchestration.
	IsAgentTool bool
	// ContextBinding carries caller-defined metadata threaded alongside
	// the call (e.g. the nested agent's identifier), opaque to the core.
	ContextBinding map[string]any
}

// ToolRegistry is the external collaborator the core resolves tool calls
// against. Resolution must be O(1); implementations typically hold a plain
// map built once at agent-assembly time.
type ToolRegistry interface {
	// Resolve looks up a function by name. ok is false when the function
	// is not registered, which the dispatcher treats as an unknown-call.
	Resolve(name string) (FunctionDescriptor, bool)
	// Definitions returns the full catalog, in registration order, for
	// building the model-facing tool list of a request.
	Definitions() []FunctionDescriptor
}

// Registry is the in-memory ToolRegistry the agent builder assembles from a
// static list of descriptors. It compiles and caches each descriptor's JSON
// Schema once, on registration, rather than per call.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]FunctionDescriptor
	order  []string
	schema map[string]*jsonschema.Schema
}

// NewRegistry builds a Registry from descriptors, compiling each one's
// ParameterSchema eagerly. A malformed schema is an assembly-time error: it
// fails NewRegistry rather than surfacing lazily on the first call.
func NewRegistry(descriptors ...FunctionDescriptor) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]FunctionDescriptor, len(descriptors)),
		schema: make(map[string]*jsonschema.Schema, len(descriptors)),
	}
	for _, d := range descriptors {
		if d.Name == "" {
			return nil, fmt.Errorf("tools: descriptor with empty name")
		}
		if _, dup := r.byName[d.Name]; dup {
			return nil, fmt.Errorf("tools: duplicate function name %q", d.Name)
		}
		if len(d.ParameterSchema) > 0 {
			sch, err := compile(d.Name, d.ParameterSchema)
			if err != nil {
				return nil, fmt.Errorf("tools: compile schema for %q: %w", d.Name, err)
			}
			r.schema[d.Name] = sch
		}
		r.byName[d.Name] = d
		r.order = append(r.order, d.Name)
	}
	return r, nil
}

func (r *Registry) Resolve(name string) (FunctionDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

func (r *Registry) Definitions() []FunctionDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FunctionDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Validate checks args (raw JSON) against name's compiled parameter schema.
// A function with no schema always validates. Unknown names are the
// dispatcher's concern, not this registry's: Validate returns an error for
// them rather than treating them as vacuously valid.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	r.mu.RLock()
	sch, hasSchema := r.schema[name]
	_, known := r.byName[name]
	r.mu.RUnlock()
	if !known {
		return fmt.Errorf("tools: unknown function %q", name)
	}
	if !hasSchema {
		return nil
	}
	var decoded any
	if len(args) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("tools: decode arguments for %q: %w", name, err)
	}
	if err := sch.Validate(decoded); err != nil {
		return fmt.Errorf("tools: arguments for %q invalid: %w", name, err)
	}
	return nil
}

func compile(name string, schema []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, err
	}
	url := "mem://tools/" + name + ".schema.json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}
