package agentrt

import (
	"context"
	"encoding/json"

	"github.com/cuemby/tsbx/internal/llm"
)

// Tool is one entry in the closed Tool Registry (§4.6). Every tool's args
// schema requires a plain-text commentary field in gerund form; every
// tool returns a JSON envelope {status:"ok"|"error", tool, ...}.
type Tool interface {
	Name() string
	Description() string
	ParametersSchema() string
	Execute(ctx context.Context, args json.RawMessage) (map[string]any, error)
}

// Registry is the fixed set of tools the Agent Loop can dispatch to.
type Registry struct {
	tools map[string]Tool
	order []string
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Known reports whether name is a registered tool.
func (r *Registry) Known(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Execute runs the named tool, returning an envelope with status "error"
// (rather than a Go error) when the tool itself fails — callers treat a
// failed execution as part of the conversation, not a control-flow abort.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) map[string]any {
	t, ok := r.tools[name]
	if !ok {
		return map[string]any{"status": "error", "tool": name, "error": "unknown tool"}
	}
	out, err := t.Execute(ctx, args)
	if err != nil {
		return map[string]any{"status": "error", "tool": name, "error": err.Error()}
	}
	if out == nil {
		out = map[string]any{}
	}
	out["status"] = "ok"
	out["tool"] = name
	return out
}

// Definitions returns the tools in registration order, for presenting to
// the model as native tool-call definitions.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, llm.ToolDefinition{
			Name:             t.Name(),
			Description:      t.Description(),
			ParametersSchema: t.ParametersSchema(),
		})
	}
	return defs
}
