// Package registry maintains the set of invocable tools and readable
// resources. Registration happens once at startup; afterwards the registry is
// immutable and safe for concurrent reads without locking.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry errors.
var (
	ErrDuplicateTool   = errors.New("tool already registered")
	ErrUnknownTool     = errors.New("unknown tool")
	ErrUnknownResource = errors.New("unknown resource")
)

// Handler executes a tool call. Arguments have already been validated against
// the tool's input schema.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Descriptor describes one invocable tool.
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`

	Handler Handler `json:"-"`

	compiled *jsonschema.Schema
}

// Validate checks arguments against the tool's compiled input schema.
func (d *Descriptor) Validate(args map[string]any) error {
	if d.compiled == nil {
		return nil
	}
	// jsonschema validates generic decoded JSON values only.
	var v any = map[string]any{}
	if args != nil {
		v = toJSONValue(args)
	}
	return d.compiled.Validate(v)
}

// Resource is a named static payload readable by clients.
type Resource struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Data        any    `json:"data"`
}

// Registry holds tools and resources.
type Registry struct {
	tools     map[string]*Descriptor
	toolOrder []string
	resources map[string]Resource
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tools:     make(map[string]*Descriptor),
		resources: make(map[string]Resource),
	}
}

// Register adds a tool. The input schema is compiled once here; an empty
// schema means the tool accepts any object.
func (r *Registry) Register(d Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if d.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", d.Name)
	}
	if _, ok := r.tools[d.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, d.Name)
	}

	if len(d.InputSchema) == 0 {
		d.InputSchema = json.RawMessage(`{"type":"object"}`)
	}

	compiler := jsonschema.NewCompiler()
	url := d.Name + ".schema.json"
	if err := compiler.AddResource(url, strings.NewReader(string(d.InputSchema))); err != nil {
		return fmt.Errorf("tool %s: add schema: %w", d.Name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", d.Name, err)
	}
	d.compiled = schema

	r.tools[d.Name] = &d
	r.toolOrder = append(r.toolOrder, d.Name)
	return nil
}

// Lookup returns the descriptor for a tool name.
func (r *Registry) Lookup(name string) (*Descriptor, error) {
	d, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return d, nil
}

// Tools yields descriptors in registration order. The sequence is restartable:
// each range starts from the beginning.
func (r *Registry) Tools() iter.Seq[Descriptor] {
	return func(yield func(Descriptor) bool) {
		for _, name := range r.toolOrder {
			if !yield(*r.tools[name]) {
				return
			}
		}
	}
}

// RegisterResource adds a readable resource, replacing any previous entry
// under the same name.
func (r *Registry) RegisterResource(res Resource) {
	r.resources[res.Name] = res
}

// Resource returns the payload for a resource name.
func (r *Registry) Resource(name string) (Resource, error) {
	res, ok := r.resources[name]
	if !ok {
		return Resource{}, fmt.Errorf("%w: %s", ErrUnknownResource, name)
	}
	return res, nil
}

// Resources returns all resources sorted by name.
func (r *Registry) Resources() []Resource {
	out := make([]Resource, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// toJSONValue normalizes argument maps into the generic JSON value shape the
// schema validator expects. Arguments decoded from request bodies already have
// this shape; the round trip only matters for handler-constructed values.
func toJSONValue(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
