// Package tools normalizes, validates, and executes the operation requests
// produced by the external decision-maker. Every operation returns a
// uniform Result envelope; faults never escape the dispatcher, because the
// orchestration loop treats results as data rather than control flow.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"opsmend/internal/policy"
	"opsmend/internal/remote"
)

var (
	// ErrToolNameEmpty is returned when registering a tool without a name.
	ErrToolNameEmpty = errors.New("tool name is empty")
	// ErrToolRunNil is returned when registering a tool without a Run func.
	ErrToolRunNil = errors.New("tool run function is nil")
	// ErrToolAlreadyRegistered is returned on duplicate registration.
	ErrToolAlreadyRegistered = errors.New("tool already registered")
)

// Property describes a single parameter for the declared tool schema.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
}

// Schema declares a tool's parameters for the decision-maker protocol.
type Schema struct {
	Required   []string            `json:"required"`
	Properties map[string]Property `json:"properties"`
}

// Env carries the execution environment an operation runs against: the
// backend executor and the per-run policy. The policy is a value threaded
// through every call; there is no process-global flag.
type Env struct {
	Exec   remote.Executor
	Policy policy.Policy
	Log    *zap.Logger
}

// RunFunc executes one operation.
type RunFunc func(ctx context.Context, env *Env, args map[string]any) Result

// Tool is one named operation in the catalog.
type Tool struct {
	Name        string
	Description string
	Schema      Schema
	// ReadOnly marks inspection tools, the only ones offered during the
	// verification phase.
	ReadOnly bool
	Run      RunFunc
}

// Validate checks the tool definition.
func (t *Tool) Validate() error {
	if t.Name == "" {
		return ErrToolNameEmpty
	}
	if t.Run == nil {
		return ErrToolRunNil
	}
	return nil
}

// Result is the uniform envelope for every operation, success or failure.
type Result struct {
	OK     bool
	Code   *int
	Stdout string
	Stderr string
	// Extra carries operation-specific structured payload (file content,
	// service status flags, diffs).
	Extra map[string]any
}

// MarshalJSON flattens the envelope into the wire shape the decision-maker
// sees: {"ok": ..., "rc": ..., "stdout": ..., "stderr": ..., <extra>}.
func (r Result) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, 4+len(r.Extra))
	m["ok"] = r.OK
	if r.Code != nil {
		m["rc"] = *r.Code
	}
	if r.Stdout != "" {
		m["stdout"] = r.Stdout
	}
	if r.Stderr != "" {
		m["stderr"] = r.Stderr
	}
	for k, v := range r.Extra {
		m[k] = v
	}
	return json.Marshal(m)
}

// UnmarshalJSON restores the envelope from the flattened wire shape.
func (r *Result) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*r = Result{}
	if ok, found := m["ok"].(bool); found {
		r.OK = ok
	}
	delete(m, "ok")
	if rc, found := m["rc"].(float64); found {
		c := int(rc)
		r.Code = &c
	}
	delete(m, "rc")
	if s, found := m["stdout"].(string); found {
		r.Stdout = s
	}
	delete(m, "stdout")
	if s, found := m["stderr"].(string); found {
		r.Stderr = s
	}
	delete(m, "stderr")
	if len(m) > 0 {
		r.Extra = m
	}
	return nil
}

// Failf builds a failure result with a formatted stderr message.
func Failf(format string, a ...any) Result {
	return Result{OK: false, Stderr: fmt.Sprintf(format, a...)}
}

// execResult wraps a backend exit into the envelope.
func execResult(code int, stdout, stderr string, err error) Result {
	if err != nil {
		return Failf("remote operation failed: %v", err)
	}
	c := code
	return Result{OK: code == 0, Code: &c, Stdout: stdout, Stderr: stderr}
}
