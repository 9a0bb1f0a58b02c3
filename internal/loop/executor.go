package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"opsmend/internal/oracle"
)

const executorSystem = `You are the execution agent of a security remediation system.
Your role is to execute the planned steps EXACTLY as specified in the plan.

CRITICAL RULES:
1. Execute steps IN ORDER from the plan
2. Use the EXACT tool name specified in each step
3. Use the EXACT parameters specified in each step's "parameters" field
4. DO NOT skip steps - execute every step in the plan
5. DO NOT execute tools that are not in the plan
6. DO NOT deviate from the plan unless explicitly necessary

Parameter handling:
- Use the parameter names from the plan as-is (the system will normalize them)

Error handling:
- If a tool fails, note the error but continue
- Some steps may be independent and can succeed even if earlier steps failed
- Report errors clearly but don't stop execution

Your goal is to execute ALL steps in the plan, in order, using the exact tools and parameters specified.`

// execute drives a bounded chat loop that dispatches the plan's steps
// through the policy-gated catalog. Every dispatched call lands in the
// transcript; the decision maker's closing text becomes the note.
func (l *Loop) execute(ctx context.Context, plan Plan) Transcript {
	var b strings.Builder
	b.WriteString("Execute this plan EXACTLY as specified. Execute each step in order using the exact tool and parameters shown.\n\nPLAN TO EXECUTE:\n")
	for _, step := range plan {
		fmt.Fprintf(&b, "STEP %d: %s\n  Tool: %s\n  Parameters: %v\n\n", step.Number, step.Action, step.Tool, step.Parameters)
	}
	b.WriteString("INSTRUCTIONS:\n")
	b.WriteString("1. Start with STEP 1 and execute it using the specified tool and parameters\n")
	b.WriteString("2. After completing each step, move to the next one\n")
	b.WriteString("3. Execute ALL steps in the plan, in order\n")
	b.WriteString("4. Continue even if some steps fail - complete all steps\n\n")
	b.WriteString("Begin executing STEP 1 now.")

	msgs := []oracle.Message{{Role: "user", Content: b.String()}}
	catalog := oracle.Catalog(l.disp.Registry().All())

	var transcript Transcript
	for i := 0; i < l.execIters; i++ {
		turn, err := l.client.Chat(ctx, executorSystem, msgs, catalog)
		if err != nil {
			transcript.Note = fmt.Sprintf("execution aborted: %v", err)
			return transcript
		}

		if len(turn.Calls) == 0 {
			// A premature "done" before the plan is exhausted gets a
			// corrective resume instruction.
			lower := strings.ToLower(turn.Text)
			done := strings.Contains(lower, "done") || strings.Contains(lower, "complete") || strings.Contains(lower, "finished")
			if done && len(transcript.Calls) < len(plan) {
				msgs = append(msgs, oracle.Message{Role: "assistant", Content: turn.Text})
				msgs = append(msgs, oracle.Message{
					Role: "user",
					Content: fmt.Sprintf("You have executed %d steps, but the plan has %d steps. Please continue executing the remaining steps from the plan. Start with STEP %d.",
						len(transcript.Calls), len(plan), len(transcript.Calls)+1),
				})
				continue
			}
			transcript.Note = turn.Text
			return transcript
		}

		msgs = append(msgs, oracle.Message{Role: "assistant", ToolCalls: turn.Calls})
		for _, call := range turn.Calls {
			res := l.disp.Dispatch(ctx, call.Name, call.Args)
			transcript.Calls = append(transcript.Calls, Entry{Op: call.Name, Args: call.Args, Result: res})
			payload, _ := json.Marshal(res)
			msgs = append(msgs, oracle.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    string(payload),
			})
		}
	}
	return transcript
}
