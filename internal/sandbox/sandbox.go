// Package sandbox provides the local container backend: a remote.Executor
// that routes every operation through single-shot docker exec calls, plus
// minimal container lifecycle management.
package sandbox

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"opsmend/internal/confedit"
)

const (
	// DefaultContainer is the sandbox container name.
	DefaultContainer = "opsmend-sbx"
	// DefaultImage is the sandbox base image.
	DefaultImage = "ubuntu:24.04"
)

// runner executes a local command; swapped out in tests.
type runner func(ctx context.Context, name string, args ...string) (int, string, string, error)

func runLocal(ctx context.Context, name string, args ...string) (int, string, string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
			err = nil
		} else {
			code = -1
		}
	}
	return code, stdout.String(), stderr.String(), err
}

// Executor runs operations inside a managed container. Each exec is a
// single-shot privileged call; no shell state persists across calls.
type Executor struct {
	container string
	image     string
	run       runner
	log       *zap.Logger
	now       func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithContainer overrides the container name.
func WithContainer(name string) Option {
	return func(e *Executor) { e.container = name }
}

// WithImage overrides the base image.
func WithImage(image string) Option {
	return func(e *Executor) { e.image = image }
}

// WithLogger attaches a logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Executor) { e.log = log }
}

func withRunner(r runner) Option {
	return func(e *Executor) { e.run = r }
}

// New creates a sandbox executor. It does not start the container; call
// EnsureUp first or use the sandbox CLI commands.
func New(opts ...Option) *Executor {
	e := &Executor{
		container: DefaultContainer,
		image:     DefaultImage,
		run:       runLocal,
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) docker(ctx context.Context, args ...string) (int, string, string, error) {
	return e.run(ctx, "docker", args...)
}

// Execute runs a command inside the container as root.
func (e *Executor) Execute(ctx context.Context, cmd string) (int, string, string, error) {
	if !e.Running(ctx) {
		return 1, "", fmt.Sprintf("container %s is not running", e.container), nil
	}
	return e.docker(ctx, "exec", "-u", "root", e.container, "bash", "-c", cmd)
}

// ReadFile returns the content of a file inside the container, or an empty
// string if the file does not exist.
func (e *Executor) ReadFile(ctx context.Context, filePath string) (string, error) {
	code, out, stderr, err := e.Execute(ctx, fmt.Sprintf("test -f %s && cat %s || true", shellQuote(filePath), shellQuote(filePath)))
	if err != nil {
		return "", err
	}
	if code != 0 && code != 1 {
		return "", fmt.Errorf("read %s: %s", filePath, strings.TrimSpace(stderr))
	}
	return out, nil
}

// WriteFile atomically replaces a file inside the container: timestamped
// backup, base64 decode into a temp file, rename over the target.
func (e *Executor) WriteFile(ctx context.Context, filePath, content string) error {
	dir := path.Dir(filePath)
	ts := e.now().Unix()
	b64 := base64.StdEncoding.EncodeToString([]byte(content))
	tmp := confedit.TempPath(filePath)

	script := strings.Join([]string{
		fmt.Sprintf("mkdir -p %s", shellQuote(dir)),
		fmt.Sprintf("test -f %s && cp %s %s || true", shellQuote(filePath), shellQuote(filePath), shellQuote(confedit.BackupPath(filePath, ts))),
		fmt.Sprintf("echo %s | base64 -d > %s && chmod 644 %s && mv %s %s", shellQuote(b64), shellQuote(tmp), shellQuote(tmp), shellQuote(tmp), shellQuote(filePath)),
	}, " && ")

	code, _, stderr, err := e.Execute(ctx, script)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("write %s: %s", filePath, strings.TrimSpace(stderr))
	}
	return nil
}

// TestConnection reports whether the container is running.
func (e *Executor) TestConnection(ctx context.Context) bool {
	return e.Running(ctx)
}

// Running reports whether the sandbox container exists and is running.
func (e *Executor) Running(ctx context.Context) bool {
	code, out, _, err := e.docker(ctx, "inspect", e.container, "--format", "{{.State.Status}}")
	return err == nil && code == 0 && strings.TrimSpace(out) == "running"
}

// Exists reports whether the container exists in any state.
func (e *Executor) Exists(ctx context.Context) bool {
	code, out, _, err := e.docker(ctx, "ps", "-a", "--filter", "name="+e.container, "--format", "{{.ID}}")
	return err == nil && code == 0 && strings.TrimSpace(out) != ""
}

// EnsureUp makes sure the sandbox container is created and running,
// creating it from the base image if needed. Total inability to reach
// docker here is the one fatal condition the engine surfaces.
func (e *Executor) EnsureUp(ctx context.Context) error {
	if code, _, _, err := e.run(ctx, "docker", "version", "--format", "{{.Server.Version}}"); err != nil || code != 0 {
		return errors.New("docker is not available; install and start the docker daemon")
	}

	if e.Running(ctx) {
		return nil
	}
	if e.Exists(ctx) {
		code, _, stderr, err := e.docker(ctx, "start", e.container)
		if err != nil || code != 0 {
			return fmt.Errorf("start container %s: %s", e.container, strings.TrimSpace(stderr))
		}
		return nil
	}

	e.log.Info("creating sandbox container", zap.String("container", e.container), zap.String("image", e.image))
	code, out, stderr, err := e.docker(ctx, "run", "-d",
		"--name", e.container, "--hostname", e.container,
		e.image, "sleep", "infinity")
	if err != nil {
		return err
	}
	if code != 0 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = strings.TrimSpace(out)
		}
		return fmt.Errorf("create container %s: %s", e.container, msg)
	}
	return nil
}

// Down removes the sandbox container.
func (e *Executor) Down(ctx context.Context) error {
	code, _, stderr, err := e.docker(ctx, "rm", "-f", e.container)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("remove container %s: %s", e.container, strings.TrimSpace(stderr))
	}
	return nil
}

// shellQuote single-quotes a value for safe interpolation into bash -c.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
