package tools

import (
	"context"

	"go.uber.org/zap"

	"opsmend/internal/policy"
	"opsmend/internal/remote"
)

// Dispatcher normalizes, validates, and executes operation requests. Every
// outcome (unknown tool, missing parameter, policy denial, operation fault)
// becomes a structured Result; nothing escapes as a panic or error.
type Dispatcher struct {
	reg *Registry
	env *Env
}

// NewDispatcher wires the catalog to a backend executor and per-run policy.
func NewDispatcher(reg *Registry, exec remote.Executor, pol policy.Policy, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		reg: reg,
		env: &Env{Exec: exec, Policy: pol, Log: log},
	}
}

// Registry exposes the catalog for protocol declaration.
func (d *Dispatcher) Registry() *Registry { return d.reg }

// Dispatch runs one named operation with raw decision-maker arguments.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			d.env.Log.Warn("tool panicked", zap.String("tool", name), zap.Any("panic", r))
			res = Failf("tool execution error: %v", r)
		}
	}()

	tool := d.reg.Get(name)
	if tool == nil {
		return Failf("unknown tool %s", name)
	}

	if args == nil {
		args = map[string]any{}
	}
	normalized := Normalize(name, args)

	for _, required := range tool.Schema.Required {
		if _, ok := normalized[required]; !ok {
			return Failf("missing required parameter: %s", required)
		}
	}

	d.env.Log.Debug("dispatching tool", zap.String("tool", name))
	return tool.Run(ctx, d.env, normalized)
}
