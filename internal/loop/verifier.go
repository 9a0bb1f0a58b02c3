package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"opsmend/internal/oracle"
)

const verifierSystem = `You are the verification agent of a security remediation system.
Your role is to verify that the goal has been achieved.

CRITICAL RULES:
1. Check the EXACT file paths and locations from the execution transcript
2. If files were created in /tmp/, check /tmp/, not default locations
3. Use the execution transcript to understand what was actually done
4. Don't assume default locations - use the actual paths from execution

Verification steps:
- Check the current state of the system using the paths from execution
- Verify that files exist at the locations shown in the execution transcript
- Verify file contents match expectations
- Test that services are running correctly if applicable
- Confirm security configurations are in place
- Report success or failure with specific evidence`

var successTerms = []string{"success", "achieved", "verified", "complete", "correct", "pass"}

var failureTerms = []string{
	"fail", "error", "missing", "incorrect", "not achieved",
	"not met", "not created", "not generated", "empty", "no content",
}

// KeywordClassifier is the default verdict heuristic: the conclusion
// must contain a success term and no failure term.
func KeywordClassifier(conclusion string) bool {
	lower := strings.ToLower(conclusion)
	hit := false
	for _, term := range successTerms {
		if strings.Contains(lower, term) {
			hit = true
			break
		}
	}
	if !hit {
		return false
	}
	for _, term := range failureTerms {
		if strings.Contains(lower, term) {
			return false
		}
	}
	return true
}

// verify probes system state with a read-only tool subset and
// classifies the decision maker's conclusion.
func (l *Loop) verify(ctx context.Context, goal string, transcript Transcript) Verification {
	summary, failedSteps := summarize(transcript)

	prompt := fmt.Sprintf(`Verify that this goal was achieved: %s

Execution transcript:
%s

IMPORTANT: Use the file paths and locations from the execution transcript above.
Check the system state and confirm if the goal is met. Be thorough.`, goal, summary)

	msgs := []oracle.Message{{Role: "user", Content: prompt}}
	catalog := l.verifyCatalog()

	var checks []Check
	for i := 0; i < l.verifyIters; i++ {
		turn, err := l.client.Chat(ctx, verifierSystem, msgs, catalog)
		if err != nil {
			conclusion := fmt.Sprintf("verification aborted: %v", err)
			return failedVerification(conclusion, failedSteps, checks)
		}

		if len(turn.Calls) == 0 {
			conclusion := turn.Text
			if conclusion == "" {
				conclusion = "Verification incomplete"
			}
			if l.classify(conclusion) {
				return Verification{Success: true, Conclusion: conclusion, Checks: checks}
			}
			return failedVerification(conclusion, failedSteps, checks)
		}

		msgs = append(msgs, oracle.Message{Role: "assistant", ToolCalls: turn.Calls})
		for _, call := range turn.Calls {
			res := l.disp.Dispatch(ctx, call.Name, call.Args)
			checks = append(checks, Check{Name: call.Name, Args: call.Args, Result: res})
			payload, _ := json.Marshal(res)
			msgs = append(msgs, oracle.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    string(payload),
			})
		}
	}
	return failedVerification("Verification incomplete - max iterations reached", failedSteps, checks)
}

func failedVerification(conclusion string, failedSteps []FailedStep, checks []Check) Verification {
	return Verification{
		Success:    false,
		Conclusion: conclusion,
		Checks:     checks,
		Failure: &FailureAnalysis{
			Conclusion:  conclusion,
			FailedSteps: failedSteps,
			Checks:      checks,
		},
	}
}

// verifyCatalog is the probe subset offered during verification, derived
// from the ReadOnly flag on each catalog tool. run_safe carries the flag:
// the command gate still applies, and state checks like grep and
// systemctl status need it.
func (l *Loop) verifyCatalog() []oracle.ToolDef {
	return oracle.Catalog(l.disp.Registry().ReadOnly())
}

// summarize renders each executed call as one line for the verifier
// prompt and collects the failed steps for the failure analysis.
func summarize(transcript Transcript) (string, []FailedStep) {
	var lines []string
	var failed []FailedStep
	for _, e := range transcript.Calls {
		detail := fmt.Sprintf("- %s(%v): ok=%v", e.Op, e.Args, e.Result.OK)

		if e.Op == "read_file" || e.Op == "write_file" {
			if path, ok := e.Args["path"].(string); ok {
				detail += fmt.Sprintf(", file=%s", path)
			}
			if e.Op == "read_file" && e.Result.OK {
				if content, ok := e.Result.Extra["content"].(string); ok && content != "" {
					detail += fmt.Sprintf(", content_length=%d", len(content))
				} else {
					detail += ", file_empty=true"
				}
			}
		}
		if e.Op == "run_safe" {
			if cmd, ok := e.Args["cmd"].(string); ok {
				detail += fmt.Sprintf(", cmd=%s", cmd)
			}
			if !e.Result.OK {
				if msg := firstNonEmpty(e.Result.Stderr, e.Result.Stdout); msg != "" {
					detail += fmt.Sprintf(", error=%s", clip(msg, 200))
				}
			}
		}

		if !e.Result.OK {
			failed = append(failed, FailedStep{
				Op:    e.Op,
				Args:  e.Args,
				Error: firstNonEmpty(e.Result.Stderr, e.Result.Stdout, "Unknown error"),
			})
		}
		lines = append(lines, detail)
	}
	return strings.Join(lines, "\n"), failed
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
