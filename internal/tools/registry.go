package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/snowcodeer/VisualAIser/internal/flow"
)

// Result describes the outcome of a side effect.
type Result struct {
	Content string
	Link    string
}

// Func performs a tool's side effect.
type Func func(ctx context.Context, args map[string]any) (Result, error)

// Tool pairs the schema declared to the agent with its side effect.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Call        Func
}

// Registry is the static name -> tool mapping built at startup.
type Registry struct {
	order []string
	tools map[string]Tool
}

// NewRegistry validates and indexes tools. Names must be unique and non-empty.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return nil, fmt.Errorf("tools: tool with empty name")
		}
		if t.Call == nil {
			return nil, fmt.Errorf("tools: %s has no side effect", name)
		}
		if _, dup := r.tools[name]; dup {
			return nil, fmt.Errorf("tools: duplicate tool %q", name)
		}
		t.Name = name
		r.tools[name] = t
		r.order = append(r.order, name)
	}
	return r, nil
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.tools[strings.TrimSpace(name)]
	return t, ok
}

// Definitions returns the schemas to declare in StartConversation, in
// registration order.
func (r *Registry) Definitions() []flow.ToolDefinition {
	defs := make([]flow.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, flow.ToolDefinition{
			Type: "function",
			Function: flow.FunctionSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return defs
}
