// Package tools defines the schema-validated capabilities a secretary
// may execute on behalf of the language model.
package tools

import (
	"context"
	"fmt"
	"sort"
)

// Handler executes a tool call. args have already passed schema
// validation; caller identity travels in ctx (see [WithCaller]).
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool represents a callable capability.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON schema
	Handler     Handler        `json:"-"`
}

// Registry holds the tools bound to one secretary instance.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool to the registry, replacing any previous tool
// with the same name.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil if absent.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the tool schemas in the wire shape the LLM provider
// expects.
func (r *Registry) List() []map[string]any {
	var result []map[string]any
	for _, name := range r.Names() {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			},
		})
	}
	return result
}

// FilteredCopyExcluding returns a shallow copy of the registry without
// the named tools. Used to strip the delegation tool from sub-agent
// registries.
func (r *Registry) FilteredCopyExcluding(exclude []string) *Registry {
	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}

	out := NewRegistry()
	for name, t := range r.tools {
		if !excluded[name] {
			out.tools[name] = t
		}
	}
	return out
}

// Execute runs a tool by name. Argument schema violations come back as
// a [*ValidationError]; a missing tool as [*ErrToolUnavailable]. Both
// are meant to be rendered into tool-result content for the model, not
// treated as run-fatal.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	tool := r.tools[name]
	if tool == nil {
		return "", &ErrToolUnavailable{ToolName: name}
	}

	if err := ValidateArgs(tool.Parameters, args); err != nil {
		return "", &ValidationError{ToolName: name, Reason: err.Error()}
	}

	result, err := tool.Handler(ctx, args)
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return result, nil
}
