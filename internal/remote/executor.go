package remote

import (
	"context"
	"time"

	"opsmend/internal/confedit"
)

// Executor is the uniform contract every operation runs through. The
// backend is chosen once at construction; callers never branch on it.
type Executor interface {
	// Execute runs one command, returning its exit code and output.
	Execute(ctx context.Context, cmd string) (code int, stdout, stderr string, err error)
	// ReadFile returns the whole content of a remote file.
	ReadFile(ctx context.Context, path string) (string, error)
	// WriteFile atomically replaces a remote file, leaving a timestamped
	// backup of any previous content.
	WriteFile(ctx context.Context, path, content string) error
	// TestConnection reports whether the backend is reachable.
	TestConnection(ctx context.Context) bool
}

// SSHExecutor performs operations over pooled sessions. Every operation
// acquires a session and releases it in a deferred cleanup, so sessions
// are returned even on error paths.
type SSHExecutor struct {
	pool *Pool
	cfg  Config

	// now is the clock for backup timestamps; overridable in tests.
	now func() time.Time
}

// NewSSHExecutor binds an executor to one endpoint configuration.
func NewSSHExecutor(pool *Pool, cfg Config) *SSHExecutor {
	return &SSHExecutor{pool: pool, cfg: cfg, now: time.Now}
}

func (e *SSHExecutor) Execute(ctx context.Context, cmd string) (int, string, string, error) {
	s, err := e.pool.Acquire(ctx, e.cfg)
	if err != nil {
		return -1, "", "", err
	}
	defer e.pool.Release(e.cfg, s)

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}
	return s.Exec(ctx, cmd)
}

func (e *SSHExecutor) ReadFile(ctx context.Context, path string) (string, error) {
	s, err := e.pool.Acquire(ctx, e.cfg)
	if err != nil {
		return "", err
	}
	defer e.pool.Release(e.cfg, s)
	return s.ReadFile(path)
}

func (e *SSHExecutor) WriteFile(ctx context.Context, path, content string) error {
	s, err := e.pool.Acquire(ctx, e.cfg)
	if err != nil {
		return err
	}
	defer e.pool.Release(e.cfg, s)

	ts := e.now().Unix()
	return s.WriteFile(path, content, 0o644,
		func(p string) string { return confedit.BackupPath(p, ts) },
		confedit.TempPath)
}

func (e *SSHExecutor) TestConnection(ctx context.Context) bool {
	s, err := e.pool.Acquire(ctx, e.cfg)
	if err != nil {
		return false
	}
	defer e.pool.Release(e.cfg, s)
	return s.Alive()
}
