// Package tools holds the ordered tool registry attached to the planning and
// execution agents, and the built-in tools.
//
// Registration order is preserved: agents list tools in their system prompt
// in that order, and context tools run before the model call in that order.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var (
	// ErrToolNotFound is returned when invoking an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")

	// ErrDuplicateTool is returned when a name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")
)

// Handler executes a tool with raw JSON input.
type Handler func(ctx context.Context, input json.RawMessage) (any, error)

// Tool describes one callable tool.
type Tool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
	Handler     Handler

	// Context marks tools whose output is gathered before the model call
	// and placed in the system prompt.
	Context bool
}

var inputReflector = jsonschema.Reflector{
	DoNotReference: true,
	ExpandedStruct: true,
}

// New builds a Tool whose input is decoded into In. The input schema is
// reflected from In.
func New[In any](name, description string, fn func(ctx context.Context, in In) (any, error)) Tool {
	var zero In
	schema := inputReflector.Reflect(&zero)
	schema.Version = ""
	return Tool{
		Name:        name,
		Description: description,
		InputSchema: schema,
		Handler: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var in In
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &in); err != nil {
					return nil, fmt.Errorf("decode %s input: %w", name, err)
				}
			}
			return fn(ctx, in)
		},
	}
}

// Registry is a thread-safe, insertion-ordered set of tools.
type Registry struct {
	mu    sync.RWMutex
	tools *orderedmap.OrderedMap[string, Tool]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: orderedmap.New[string, Tool]()}
}

// Register adds a tool. Names are unique.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return errors.New("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q: handler is required", t.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools.Get(t.Name); ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	r.tools.Set(t.Name, t)
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools.Get(name)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools.Len()
}

// List returns a snapshot of the tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, r.tools.Len())
	for pair := r.tools.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	list := r.List()
	names := make([]string, len(list))
	for i, t := range list {
		names[i] = t.Name
	}
	return names
}

// ContextTools returns the tools marked Context, in order.
func (r *Registry) ContextTools() []Tool {
	var out []Tool
	for _, t := range r.List() {
		if t.Context {
			out = append(out, t)
		}
	}
	return out
}

// Invoke runs the named tool.
func (r *Registry) Invoke(ctx context.Context, name string, input json.RawMessage) (any, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t.Handler(ctx, input)
}

// Describe renders one line per tool for a system prompt:
// "- name: description (input: {json schema})".
func (r *Registry) Describe() string {
	var b strings.Builder
	for _, t := range r.List() {
		b.WriteString("- ")
		b.WriteString(t.Name)
		b.WriteString(": ")
		b.WriteString(t.Description)
		if t.InputSchema != nil {
			if raw, err := json.Marshal(t.InputSchema); err == nil {
				b.WriteString(" (input: ")
				b.Write(raw)
				b.WriteString(")")
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}
