package loop

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"opsmend/internal/oracle"
	"opsmend/internal/policy"
	"opsmend/internal/tools"
)

// scriptClient replays a fixed sequence of turns and records every
// message list it was handed.
type scriptClient struct {
	turns []oracle.Turn
	errs  []error
	n     int
	seen  [][]oracle.Message
}

func (s *scriptClient) Chat(_ context.Context, _ string, msgs []oracle.Message, _ []oracle.ToolDef) (oracle.Turn, error) {
	s.seen = append(s.seen, append([]oracle.Message(nil), msgs...))
	if s.n >= len(s.turns) {
		return oracle.Turn{Text: "no more scripted turns"}, nil
	}
	i := s.n
	s.n++
	if i < len(s.errs) && s.errs[i] != nil {
		return oracle.Turn{}, s.errs[i]
	}
	return s.turns[i], nil
}

type nullExecutor struct {
	files map[string]string
	cmds  []string
}

func (e *nullExecutor) Execute(_ context.Context, cmd string) (int, string, string, error) {
	e.cmds = append(e.cmds, cmd)
	return 0, "ok", "", nil
}

func (e *nullExecutor) ReadFile(_ context.Context, path string) (string, error) {
	if c, ok := e.files[path]; ok {
		return c, nil
	}
	return "", fmt.Errorf("open %s: no such file", path)
}

func (e *nullExecutor) WriteFile(_ context.Context, path, content string) error {
	if e.files == nil {
		e.files = map[string]string{}
	}
	e.files[path] = content
	return nil
}

func (e *nullExecutor) TestConnection(context.Context) bool { return true }

func newTestLoop(client oracle.Client, opts ...Option) (*Loop, *nullExecutor) {
	exec := &nullExecutor{}
	disp := tools.NewDispatcher(tools.NewCatalog(), exec, policy.Policy{}, zap.NewNop())
	return New(client, disp, zap.NewNop(), opts...), exec
}

func TestKeywordClassifier(t *testing.T) {
	cases := []struct {
		conclusion string
		want       bool
	}{
		{"The goal was achieved successfully.", true},
		{"Verification complete, configuration is correct.", true},
		{"VERIFIED: all checks pass", true},
		{"The step failed with an error.", false},
		{"Complete, but the file is missing.", false},
		{"Goal not achieved.", false},
		{"The service restarted.", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := KeywordClassifier(tc.conclusion); got != tc.want {
			t.Errorf("KeywordClassifier(%q) = %v, want %v", tc.conclusion, got, tc.want)
		}
	}
}

func TestParsePlanJSONArray(t *testing.T) {
	content := `Here is the plan:
[
  {"step_number": 1, "action": "check sshd config", "tool": "read_file", "parameters": {"path": "/etc/ssh/sshd_config"}, "expected_result": "config read"},
  {"step_number": 2, "action": "disable root login", "tool": "set_config_kv", "parameters": {"path": "/etc/ssh/sshd_config", "key": "PermitRootLogin", "value": "no"}, "expected_result": "key set"}
]`
	plan := parsePlan(content, "goal")
	require.Len(t, plan, 2)
	assert.Equal(t, "read_file", plan[0].Tool)
	assert.Equal(t, "/etc/ssh/sshd_config", plan[0].Parameters["path"])
	assert.Equal(t, 2, plan[1].Number)
}

func TestParsePlanBulletFallback(t *testing.T) {
	content := "Plan:\n- check the config file\n- restart the service\n* verify the result"
	plan := parsePlan(content, "goal")
	require.Len(t, plan, 3)
	for i, step := range plan {
		assert.Equal(t, i+1, step.Number)
		assert.Equal(t, "run_safe", step.Tool)
	}
	assert.Equal(t, "check the config file", plan[0].Action)
	assert.Equal(t, "verify the result", plan[2].Action)
}

func TestParsePlanFinalFallback(t *testing.T) {
	plan := parsePlan("I cannot produce a plan here.", "harden sshd")
	require.Len(t, plan, 1)
	assert.Equal(t, "harden sshd", plan[0].Action)
	assert.Equal(t, "run_safe", plan[0].Tool)
}

func TestPlannerFallsBackOnProtocolError(t *testing.T) {
	client := &scriptClient{errs: []error{fmt.Errorf("boom")}, turns: []oracle.Turn{{}}}
	l, _ := newTestLoop(client)
	plan := l.plan(context.Background(), "install nginx", nil)
	require.Len(t, plan, 1)
	assert.Equal(t, "install nginx", plan[0].Action)
}

func TestPlannerInspectsWithReadFile(t *testing.T) {
	client := &scriptClient{turns: []oracle.Turn{
		{Calls: []oracle.ToolCall{{ID: "c1", Name: "read_file", Args: map[string]any{"path": "/etc/ssh/sshd_config"}}}},
		{Text: `[{"step_number": 1, "action": "set key", "tool": "set_config_kv", "parameters": {}, "expected_result": "done"}]`},
	}}
	l, exec := newTestLoop(client)
	exec.files = map[string]string{"/etc/ssh/sshd_config": "PermitRootLogin yes\n"}

	plan := l.plan(context.Background(), "disable root login", nil)
	require.Len(t, plan, 1)
	assert.Equal(t, "set_config_kv", plan[0].Tool)

	// The inspection result has to flow back as a tool message.
	last := client.seen[len(client.seen)-1]
	require.NotEmpty(t, last)
	tail := last[len(last)-1]
	assert.Equal(t, "tool", tail.Role)
	assert.Equal(t, "c1", tail.ToolCallID)
	assert.Contains(t, tail.Content, "PermitRootLogin")
}

func TestPlannerRefusesMutatingCalls(t *testing.T) {
	client := &scriptClient{turns: []oracle.Turn{
		{Calls: []oracle.ToolCall{{ID: "c1", Name: "write_file", Args: map[string]any{"path": "/etc/ssh/sshd_config", "content": "PermitRootLogin yes\n"}}}},
		{Text: `[{"step_number": 1, "action": "set key", "tool": "set_config_kv", "parameters": {}, "expected_result": "done"}]`},
	}}
	l, exec := newTestLoop(client)

	plan := l.plan(context.Background(), "disable root login", nil)
	require.Len(t, plan, 1)

	// Planning never touches the target.
	assert.Empty(t, exec.files)
	assert.Empty(t, exec.cmds)

	// The refusal flows back as a failed tool message so the planner can
	// recover and still emit a plan.
	last := client.seen[len(client.seen)-1]
	require.NotEmpty(t, last)
	tail := last[len(last)-1]
	assert.Equal(t, "tool", tail.Role)
	assert.Equal(t, "c1", tail.ToolCallID)
	assert.Contains(t, tail.Content, "not available during planning")
}

func TestVerifierOffersOnlyReadOnlyTools(t *testing.T) {
	l, _ := newTestLoop(&scriptClient{})

	names := map[string]bool{}
	for _, d := range l.verifyCatalog() {
		names[d.Name] = true
	}
	for _, want := range []string{"read_file", "run_safe", "verify_regex", "check_service_status", "list_services", "list_packages"} {
		assert.True(t, names[want], "missing %s", want)
	}
	for _, banned := range []string{"write_file", "set_config_kv", "run_command", "install_package", "restart_service"} {
		assert.False(t, names[banned], "%s offered to the verifier", banned)
	}
}

func TestPlannerCarriesFailureContext(t *testing.T) {
	client := &scriptClient{turns: []oracle.Turn{{Text: "no structured plan"}}}
	l, _ := newTestLoop(client)

	prev := &Attempt{
		Number: 1,
		Plan:   Plan{{Number: 1, Action: "install the package"}},
		Verification: Verification{
			Failure: &FailureAnalysis{
				Conclusion: "package was not installed",
				FailedSteps: []FailedStep{
					{Op: "install_package", Args: map[string]any{"package": "nginx"}, Error: "E: Unable to locate package"},
				},
			},
		},
	}
	l.plan(context.Background(), "install nginx", prev)

	require.NotEmpty(t, client.seen)
	prompt := client.seen[0][0].Content
	assert.Contains(t, prompt, "PREVIOUS ATTEMPT FAILED")
	assert.Contains(t, prompt, "package was not installed")
	assert.Contains(t, prompt, "install_package")
	assert.Contains(t, prompt, "install the package")
}

func TestExecutorRecordsCalls(t *testing.T) {
	client := &scriptClient{turns: []oracle.Turn{
		{Calls: []oracle.ToolCall{{ID: "c1", Name: "run_safe", Args: map[string]any{"cmd": "systemctl status ssh"}}}},
		{Text: "All steps executed."},
	}}
	l, exec := newTestLoop(client)

	plan := Plan{{Number: 1, Action: "check ssh", Tool: "run_safe", Parameters: map[string]any{"cmd": "systemctl status ssh"}}}
	transcript := l.execute(context.Background(), plan)

	require.Len(t, transcript.Calls, 1)
	assert.Equal(t, "run_safe", transcript.Calls[0].Op)
	assert.True(t, transcript.Calls[0].Result.OK)
	assert.Equal(t, "All steps executed.", transcript.Note)
	assert.Contains(t, exec.cmds, "systemctl status ssh")
}

func TestExecutorPrematureDoneGetsResumed(t *testing.T) {
	client := &scriptClient{turns: []oracle.Turn{
		{Text: "I am done."},
		{Calls: []oracle.ToolCall{{ID: "c1", Name: "run_safe", Args: map[string]any{"cmd": "systemctl status ssh"}}}},
		{Calls: []oracle.ToolCall{{ID: "c2", Name: "run_safe", Args: map[string]any{"cmd": "grep -n Port /etc/ssh/sshd_config"}}}},
		{Text: "All steps finished."},
	}}
	l, _ := newTestLoop(client)

	plan := Plan{
		{Number: 1, Action: "check ssh", Tool: "run_safe"},
		{Number: 2, Action: "check port", Tool: "run_safe"},
	}
	transcript := l.execute(context.Background(), plan)

	require.Len(t, transcript.Calls, 2)
	assert.Equal(t, "All steps finished.", transcript.Note)

	// The resume instruction must have been injected after the premature
	// "done" reply.
	require.GreaterOrEqual(t, len(client.seen), 2)
	second := client.seen[1]
	tail := second[len(second)-1]
	assert.Equal(t, "user", tail.Role)
	assert.Contains(t, tail.Content, "Start with STEP 1")
}

func TestVerifierBuildsFailureAnalysis(t *testing.T) {
	client := &scriptClient{turns: []oracle.Turn{
		{Calls: []oracle.ToolCall{{ID: "c1", Name: "read_file", Args: map[string]any{"path": "/etc/nginx/nginx.conf"}}}},
		{Text: "The config file is missing, goal not achieved."},
	}}
	l, _ := newTestLoop(client)

	transcript := Transcript{Calls: []Entry{
		{Op: "install_package", Args: map[string]any{"package": "nginx"}, Result: tools.Result{OK: false, Stderr: "E: Unable to locate package nginx"}},
	}}
	v := l.verify(context.Background(), "install nginx", transcript)

	assert.False(t, v.Success)
	require.NotNil(t, v.Failure)
	require.Len(t, v.Failure.FailedSteps, 1)
	assert.Equal(t, "install_package", v.Failure.FailedSteps[0].Op)
	assert.Contains(t, v.Failure.FailedSteps[0].Error, "Unable to locate")
	require.Len(t, v.Checks, 1)
	assert.Equal(t, "read_file", v.Checks[0].Name)
}

func TestVerifierSummaryNamesPathsAndCommands(t *testing.T) {
	transcript := Transcript{Calls: []Entry{
		{Op: "read_file", Args: map[string]any{"path": "/tmp/out.txt"}, Result: tools.Result{OK: true, Extra: map[string]any{"content": "hello"}}},
		{Op: "run_safe", Args: map[string]any{"cmd": "grep -n Port /etc/ssh/sshd_config"}, Result: tools.Result{OK: false, Stderr: "grep: no match"}},
	}}
	summary, failed := summarize(transcript)

	assert.Contains(t, summary, "file=/tmp/out.txt")
	assert.Contains(t, summary, "content_length=5")
	assert.Contains(t, summary, "cmd=grep -n Port /etc/ssh/sshd_config")
	assert.Contains(t, summary, "error=grep: no match")
	require.Len(t, failed, 1)
	assert.Equal(t, "run_safe", failed[0].Op)
}

// attemptScript builds the four turns one full attempt consumes:
// planner reply, executor tool call, executor close, verifier verdict.
func attemptScript(verdict string) []oracle.Turn {
	return []oracle.Turn{
		{Text: `[{"step_number": 1, "action": "touch marker", "tool": "run_safe", "parameters": {"cmd": "systemctl status ssh"}, "expected_result": "ok"}]`},
		{Calls: []oracle.ToolCall{{ID: "c1", Name: "run_safe", Args: map[string]any{"cmd": "systemctl status ssh"}}}},
		{Text: "All steps executed."},
		{Text: verdict},
	}
}

func TestRunConvergesAfterFailedAttempts(t *testing.T) {
	var turns []oracle.Turn
	turns = append(turns, attemptScript("The goal was not achieved, the marker is missing.")...)
	turns = append(turns, attemptScript("The goal was not achieved, the marker is missing.")...)
	turns = append(turns, attemptScript("Verification complete, the goal was achieved.")...)
	client := &scriptClient{turns: turns}
	l, _ := newTestLoop(client)

	out := l.Run(context.Background(), "leave a marker")

	assert.True(t, out.Success)
	require.Len(t, out.Attempts, 3)
	assert.Equal(t, 3, out.Final)
	for i, a := range out.Attempts {
		assert.Equal(t, i+1, a.Number)
	}
	assert.False(t, out.Attempts[0].Verification.Success)
	assert.True(t, out.Attempts[2].Verification.Success)

	// The third planning prompt has to carry the second failure.
	var replanPrompt string
	for _, msgs := range client.seen {
		if len(msgs) == 1 && strings.Contains(msgs[0].Content, "PREVIOUS ATTEMPT FAILED") {
			replanPrompt = msgs[0].Content
		}
	}
	assert.Contains(t, replanPrompt, "marker is missing")
}

func TestRunStopsEarlyOnSuccess(t *testing.T) {
	client := &scriptClient{turns: attemptScript("Verification complete, the goal was achieved.")}
	l, _ := newTestLoop(client)

	out := l.Run(context.Background(), "leave a marker")

	assert.True(t, out.Success)
	assert.Len(t, out.Attempts, 1)
	assert.Equal(t, 1, out.Final)
}

func TestRunExhaustsRetries(t *testing.T) {
	var turns []oracle.Turn
	for i := 0; i < 2; i++ {
		turns = append(turns, attemptScript("The goal was not achieved.")...)
	}
	client := &scriptClient{turns: turns}
	l, _ := newTestLoop(client, WithMaxRetries(2))

	out := l.Run(context.Background(), "leave a marker")

	assert.False(t, out.Success)
	assert.Len(t, out.Attempts, 2)
	assert.Equal(t, 2, out.Final)
}
