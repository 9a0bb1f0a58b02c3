package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"opsmend/internal/oracle"
	"opsmend/internal/tools"
)

const plannerSystem = `You are the planning agent of a security remediation system.
Your role is to analyze a natural language goal and create a detailed, step-by-step plan.
The plan should be specific, actionable, and consider the current system state.

IMPORTANT POLICY RULES:
- If the goal contains [policy:deny_insecure], you MUST NOT plan any insecure security configurations.
- Insecure configurations include: enabling PasswordAuthentication, enabling PermitRootLogin, or any other security-weakening changes.
- If the goal requires an insecure change but [policy:deny_insecure] is present, you MUST either refuse to create the plan and explain why, or create a plan that checks the current state but does NOT attempt the insecure change.
- If the goal contains [policy:allow_insecure], you may plan insecure changes when explicitly requested.

Output a JSON list of steps, where each step has:
- step_number: integer
- action: string describing what to do
- tool: string (tool name to use)
- parameters: object with tool-specific parameters
- expected_result: string describing what success looks like

When managing services, use restart_service with action='enable' to ensure services start at boot and are running.
Be thorough: include steps to check current state, make changes, restart services if needed, and verify results.
For security configurations, always include verification steps.`

var (
	jsonArrayRe = regexp.MustCompile(`(?s)\[.*\]`)
	numberedRe  = regexp.MustCompile(`^\d+\.`)
)

// plan asks the decision maker for a step list. The planner may issue
// read_file calls to inspect current state before committing to a plan.
// It always returns a usable plan; protocol failures degrade to a
// single run_safe step wrapping the goal.
func (l *Loop) plan(ctx context.Context, goal string, prev *Attempt) Plan {
	var b strings.Builder
	fmt.Fprintf(&b, "Create a detailed plan to achieve this goal: %s\n\nAvailable tools:\n", goal)
	for _, t := range l.disp.Registry().All() {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	if prev != nil && prev.Verification.Failure != nil {
		failure := prev.Verification.Failure
		b.WriteString("\n=== PREVIOUS ATTEMPT FAILED - LEARN FROM THIS ===\n")
		b.WriteString("A previous attempt to achieve this goal failed. Analyze what went wrong and create a new plan that addresses these issues.\n\n")
		fmt.Fprintf(&b, "Verification Conclusion: %s\n\n", failure.Conclusion)
		if len(failure.FailedSteps) > 0 {
			b.WriteString("Failed Steps:\n")
			for _, fs := range failure.FailedSteps {
				fmt.Fprintf(&b, "  - %s(%v): %s\n", fs.Op, fs.Args, clip(fs.Error, 300))
			}
			b.WriteString("\n")
		}
		if len(prev.Plan) > 0 {
			b.WriteString("Previous Plan (for reference):\n")
			for _, step := range prev.Plan {
				fmt.Fprintf(&b, "  %d. %s\n", step.Number, step.Action)
			}
			b.WriteString("\n")
		}
		b.WriteString("IMPORTANT: Create a NEW plan that addresses the root causes of the failures, checks prerequisites, verifies each step, and uses alternative approaches where the previous method failed.\n\n")
	}
	b.WriteString("Output a JSON array of steps.")

	msgs := []oracle.Message{{Role: "user", Content: b.String()}}

	inspect := []oracle.ToolDef{{
		Name:        "read_file",
		Description: "Read a file to understand current configuration.",
		Schema: tools.Schema{
			Required:   []string{"path"},
			Properties: map[string]tools.Property{"path": {Type: "string", Description: "absolute file path"}},
		},
	}}
	inspectable := make(map[string]bool, len(inspect))
	for _, d := range inspect {
		inspectable[d.Name] = true
	}

	for i := 0; i < l.planIters; i++ {
		turn, err := l.client.Chat(ctx, plannerSystem, msgs, inspect)
		if err != nil {
			l.log.Warn("planner request failed, using fallback plan", zap.Error(err))
			return fallbackPlan(goal)
		}
		if len(turn.Calls) == 0 {
			return parsePlan(turn.Text, goal)
		}
		msgs = append(msgs, oracle.Message{Role: "assistant", ToolCalls: turn.Calls})
		for _, call := range turn.Calls {
			// Only the offered inspection tools run here. Anything else
			// comes back as a refusal; mutations happen in the execution
			// phase, where the transcript records them.
			var res tools.Result
			if inspectable[call.Name] {
				res = l.disp.Dispatch(ctx, call.Name, call.Args)
			} else {
				l.log.Warn("planner requested a non-inspection tool", zap.String("tool", call.Name))
				res = tools.Failf("tool %s is not available during planning; use read_file to inspect state", call.Name)
			}
			payload, _ := json.Marshal(res)
			msgs = append(msgs, oracle.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    string(payload),
			})
		}
	}
	return fallbackPlan(goal)
}

// parsePlan extracts a JSON step array from the reply, falling back to
// bullet-list parsing and finally to a single catch-all step.
func parsePlan(content, goal string) Plan {
	if match := jsonArrayRe.FindString(content); match != "" {
		var steps Plan
		if err := json.Unmarshal([]byte(match), &steps); err == nil && len(steps) > 0 {
			return steps
		}
	}
	var steps Plan
	num := 1
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "-") || strings.HasPrefix(line, "*") || numberedRe.MatchString(line) {
			action := strings.TrimLeft(line, "-*")
			action = strings.TrimLeft(action, "0123456789. ")
			steps = append(steps, PlanStep{
				Number:     num,
				Action:     action,
				Tool:       "run_safe",
				Parameters: map[string]any{},
				Expected:   "Step completed",
			})
			num++
		}
	}
	if len(steps) > 0 {
		return steps
	}
	return fallbackPlan(goal)
}

func fallbackPlan(goal string) Plan {
	return Plan{{
		Number:     1,
		Action:     goal,
		Tool:       "run_safe",
		Parameters: map[string]any{},
		Expected:   "Goal achieved",
	}}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
