package sandbox

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

// scriptedRunner records docker invocations and replays canned responses.
type scriptedRunner struct {
	calls     []string
	responses map[string]response // keyed by first matching substring
}

type response struct {
	code   int
	stdout string
}

func (r *scriptedRunner) run(ctx context.Context, name string, args ...string) (int, string, string, error) {
	call := name + " " + strings.Join(args, " ")
	r.calls = append(r.calls, call)
	for key, resp := range r.responses {
		if strings.Contains(call, key) {
			return resp.code, resp.stdout, "", nil
		}
	}
	return 0, "", "", nil
}

func runningSandbox(r *scriptedRunner) *Executor {
	if r.responses == nil {
		r.responses = map[string]response{}
	}
	r.responses["inspect"] = response{code: 0, stdout: "running\n"}
	return New(withRunner(r.run))
}

func TestExecute_RoutesThroughDockerExec(t *testing.T) {
	r := &scriptedRunner{responses: map[string]response{
		"exec": {code: 0, stdout: "hello\n"},
	}}
	e := runningSandbox(r)

	code, out, _, err := e.Execute(context.Background(), "cat /etc/hostname")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if code != 0 || out != "hello\n" {
		t.Errorf("code=%d out=%q", code, out)
	}

	found := false
	for _, c := range r.calls {
		if strings.Contains(c, "exec -u root "+DefaultContainer+" bash -c cat /etc/hostname") {
			found = true
		}
	}
	if !found {
		t.Errorf("docker exec not invoked as expected: %v", r.calls)
	}
}

func TestExecute_FailsWhenContainerDown(t *testing.T) {
	r := &scriptedRunner{responses: map[string]response{
		"inspect": {code: 1},
	}}
	e := New(withRunner(r.run))

	code, _, stderr, err := e.Execute(context.Background(), "pwd")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if code == 0 {
		t.Error("expected non-zero code when container is down")
	}
	if !strings.Contains(stderr, "not running") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestWriteFile_AtomicProtocol(t *testing.T) {
	r := &scriptedRunner{responses: map[string]response{
		"exec": {code: 0},
	}}
	e := runningSandbox(r)
	e.now = func() time.Time { return time.Unix(1700000000, 0) }

	if err := e.WriteFile(context.Background(), "/etc/ssh/sshd_config", "PermitRootLogin no\n"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var script string
	for _, c := range r.calls {
		if strings.Contains(c, "base64 -d") {
			script = c
		}
	}
	if script == "" {
		t.Fatalf("no write script in calls: %v", r.calls)
	}
	for _, want := range []string{
		".bak.1700000000",
		".opsmend.tmp",
		"mkdir -p",
		base64.StdEncoding.EncodeToString([]byte("PermitRootLogin no\n")),
	} {
		if !strings.Contains(script, want) {
			t.Errorf("write script missing %q: %s", want, script)
		}
	}
}

func TestReadFile_MissingFileIsEmpty(t *testing.T) {
	r := &scriptedRunner{responses: map[string]response{
		"exec": {code: 0, stdout: ""},
	}}
	e := runningSandbox(r)

	content, err := e.ReadFile(context.Background(), "/no/such/file")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if content != "" {
		t.Errorf("content = %q, want empty", content)
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "''"},
		{"plain", "'plain'"},
		{"with space", "'with space'"},
		{"it's", `'it'"'"'s'`},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
