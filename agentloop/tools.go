package agentloop

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/martinemde/blenderagent/unifiedllm"
)

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Registry is an immutable, ordered set of tool specs.
type Registry struct {
	specs   []ToolSpec
	index   map[string]int
	schemas sync.Map // name -> *jsonschema.Schema
}

// NewRegistry builds a registry from specs in the given order. It panics on
// an empty or duplicate name.
func NewRegistry(specs ...ToolSpec) *Registry {
	r := &Registry{
		specs: make([]ToolSpec, len(specs)),
		index: make(map[string]int, len(specs)),
	}
	for i, spec := range specs {
		if spec.Name == "" {
			panic(fmt.Sprintf("agentloop: tool spec %d has no name", i))
		}
		if _, dup := r.index[spec.Name]; dup {
			panic(fmt.Sprintf("agentloop: duplicate tool spec %q", spec.Name))
		}
		r.index[spec.Name] = i
		r.specs[i] = spec
	}
	return r
}

// Specs returns the specs in registration order.
func (r *Registry) Specs() []ToolSpec {
	out := make([]ToolSpec, len(r.specs))
	copy(out, r.specs)
	return out
}

// Lookup returns the spec for name.
func (r *Registry) Lookup(name string) (ToolSpec, bool) {
	i, ok := r.index[name]
	if !ok {
		return ToolSpec{}, false
	}
	return r.specs[i], true
}

// Names returns the tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.specs))
	for i, s := range r.specs {
		names[i] = s.Name
	}
	return names
}

// Len returns the number of tools.
func (r *Registry) Len() int { return len(r.specs) }

// Definitions converts the specs to the SDK's tool definitions.
func (r *Registry) Definitions() []unifiedllm.ToolDefinition {
	defs := make([]unifiedllm.ToolDefinition, len(r.specs))
	for i, s := range r.specs {
		defs[i] = unifiedllm.ToolDefinition{Name: s.Name, Description: s.Description, Parameters: s.Parameters}
	}
	return defs
}

// Validate checks raw arguments against the named tool's parameter schema.
// Unknown tools and tools without parameters always validate.
func (r *Registry) Validate(name string, raw json.RawMessage) error {
	spec, ok := r.Lookup(name)
	if !ok || spec.Parameters == nil {
		return nil
	}
	schema, err := r.compiled(spec)
	if err != nil {
		return err
	}

	var args any = map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return fmt.Errorf("decode arguments: %w", err)
		}
	}
	return schema.Validate(args)
}

func (r *Registry) compiled(spec ToolSpec) (*jsonschema.Schema, error) {
	if cached, ok := r.schemas.Load(spec.Name); ok {
		return cached.(*jsonschema.Schema), nil
	}
	raw, err := json.Marshal(spec.Parameters)
	if err != nil {
		return nil, fmt.Errorf("encode schema for %s: %w", spec.Name, err)
	}
	schema, err := jsonschema.CompileString(spec.Name+".schema.json", string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", spec.Name, err)
	}
	r.schemas.Store(spec.Name, schema)
	return schema, nil
}

// ParseToolArguments unmarshals tool call arguments into a map. Empty input
// yields an empty map.
func ParseToolArguments(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(raw) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// GetStringArg extracts a string argument from parsed tool arguments.
func GetStringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
