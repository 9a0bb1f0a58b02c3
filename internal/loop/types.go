// Package loop drives the supervised plan, execute, verify cycle that
// turns a natural language goal into gated remediation actions on a
// target host. Each run makes up to MaxRetries attempts; a failed
// verification feeds a structured failure analysis back into the next
// planning round.
package loop

import (
	"opsmend/internal/tools"
)

// PlanStep is one planned action. Parameters are passed to the tool
// dispatcher as-is; the dispatcher normalizes synonym names.
type PlanStep struct {
	Number     int            `json:"step_number"`
	Action     string         `json:"action"`
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	Expected   string         `json:"expected_result"`
}

// Plan is an ordered list of steps produced by the planning phase.
type Plan []PlanStep

// Entry records one dispatched tool call during execution.
type Entry struct {
	Op     string         `json:"op"`
	Args   map[string]any `json:"args"`
	Result tools.Result   `json:"result"`
}

// Transcript is the full record of an execution phase: the tool calls
// in order plus the closing note from the decision maker.
type Transcript struct {
	Calls []Entry `json:"calls"`
	Note  string  `json:"note,omitempty"`
}

// Check records one read-only probe made during verification.
type Check struct {
	Name   string         `json:"check"`
	Args   map[string]any `json:"args"`
	Result tools.Result   `json:"result"`
}

// FailedStep names an execution step that did not succeed, with a
// truncated error, for the next planning round.
type FailedStep struct {
	Op    string         `json:"step"`
	Args  map[string]any `json:"args"`
	Error string         `json:"error"`
}

// FailureAnalysis is handed to the planner when verification fails.
type FailureAnalysis struct {
	Conclusion  string       `json:"conclusion"`
	FailedSteps []FailedStep `json:"failed_steps"`
	Checks      []Check      `json:"verification_checks"`
}

// Verification is the outcome of the verify phase.
type Verification struct {
	Success    bool             `json:"success"`
	Conclusion string           `json:"conclusion"`
	Checks     []Check          `json:"checks"`
	Failure    *FailureAnalysis `json:"failure_analysis,omitempty"`
}

// Attempt is the immutable record of one plan/execute/verify round.
type Attempt struct {
	Number       int          `json:"attempt_number"`
	Plan         Plan         `json:"plan"`
	Transcript   Transcript   `json:"execution"`
	Verification Verification `json:"verification"`
}

// Outcome is the result of a full run.
type Outcome struct {
	Goal     string    `json:"goal"`
	Success  bool      `json:"success"`
	Attempts []Attempt `json:"attempts"`
	Final    int       `json:"final_attempt"`
}

// Classifier decides whether a verification conclusion counts as
// success. The default is KeywordClassifier.
type Classifier func(conclusion string) bool
