package remote

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
)

// memConn is an in-memory fileConn that records every operation in order.
type memConn struct {
	files map[string]string
	modes map[string]os.FileMode
	ops   []string

	renameErr error
}

func newMemConn() *memConn {
	return &memConn{files: map[string]string{}, modes: map[string]os.FileMode{}}
}

type memFile struct {
	buf  bytes.Buffer
	conn *memConn
	path string
}

func (f *memFile) Write(p []byte) (int, error) { return f.buf.Write(p) }

func (f *memFile) Close() error {
	f.conn.files[f.path] = f.buf.String()
	return nil
}

func (c *memConn) Open(path string) (io.ReadCloser, error) {
	c.ops = append(c.ops, "open "+path)
	content, ok := c.files[path]
	if !ok {
		return nil, fmt.Errorf("file does not exist: %s", path)
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

func (c *memConn) Create(path string) (io.WriteCloser, error) {
	c.ops = append(c.ops, "create "+path)
	return &memFile{conn: c, path: path}, nil
}

func (c *memConn) MkdirAll(path string) error {
	c.ops = append(c.ops, "mkdir "+path)
	return nil
}

func (c *memConn) PosixRename(oldname, newname string) error {
	c.ops = append(c.ops, "rename "+oldname+" "+newname)
	if c.renameErr != nil {
		return c.renameErr
	}
	c.files[newname] = c.files[oldname]
	c.modes[newname] = c.modes[oldname]
	delete(c.files, oldname)
	delete(c.modes, oldname)
	return nil
}

func (c *memConn) Remove(path string) error {
	c.ops = append(c.ops, "remove "+path)
	delete(c.files, path)
	return nil
}

func (c *memConn) Chmod(path string, mode os.FileMode) error {
	c.modes[path] = mode
	return nil
}

func (c *memConn) Close() error { return nil }

func fileSession(c *memConn) *Session {
	return &Session{files: func() (fileConn, error) { return c, nil }}
}

func writeTarget(s *Session, path, content string) error {
	return s.WriteFile(path, content, 0o644,
		func(p string) string { return p + ".bak.1700000000" },
		func(p string) string { return p + ".tmp" })
}

func (c *memConn) opIndex(t *testing.T, op string) int {
	t.Helper()
	for i, o := range c.ops {
		if o == op {
			return i
		}
	}
	t.Fatalf("operation %q not recorded: %v", op, c.ops)
	return -1
}

func TestSessionWriteThenReadRoundTrip(t *testing.T) {
	conn := newMemConn()
	s := fileSession(conn)

	content := "PermitRootLogin no\nPort 22\n"
	if err := writeTarget(s, "/etc/ssh/sshd_config", content); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	got, err := s.ReadFile("/etc/ssh/sshd_config")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got != content {
		t.Errorf("content = %q, want %q", got, content)
	}
	if conn.modes["/etc/ssh/sshd_config"] != 0o644 {
		t.Errorf("mode = %v, want 0644", conn.modes["/etc/ssh/sshd_config"])
	}
}

func TestSessionWriteFileBacksUpExisting(t *testing.T) {
	conn := newMemConn()
	conn.files["/etc/ssh/sshd_config"] = "PermitRootLogin yes\n"
	s := fileSession(conn)

	if err := writeTarget(s, "/etc/ssh/sshd_config", "PermitRootLogin no\n"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if got := conn.files["/etc/ssh/sshd_config.bak.1700000000"]; got != "PermitRootLogin yes\n" {
		t.Errorf("backup content = %q", got)
	}
	if got := conn.files["/etc/ssh/sshd_config"]; got != "PermitRootLogin no\n" {
		t.Errorf("target content = %q", got)
	}
	if _, ok := conn.files["/etc/ssh/sshd_config.tmp"]; ok {
		t.Error("temp file left behind after rename")
	}

	// Backup before temp write before rename.
	backup := conn.opIndex(t, "create /etc/ssh/sshd_config.bak.1700000000")
	tmp := conn.opIndex(t, "create /etc/ssh/sshd_config.tmp")
	rename := conn.opIndex(t, "rename /etc/ssh/sshd_config.tmp /etc/ssh/sshd_config")
	if !(backup < tmp && tmp < rename) {
		t.Errorf("protocol out of order: %v", conn.ops)
	}
}

func TestSessionWriteFileNoBackupWhenMissing(t *testing.T) {
	conn := newMemConn()
	s := fileSession(conn)

	if err := writeTarget(s, "/etc/motd", "hello\n"); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	for path := range conn.files {
		if strings.Contains(path, ".bak.") {
			t.Errorf("backup created for a missing target: %s", path)
		}
	}
}

func TestSessionWriteFileRenameFailureRemovesTemp(t *testing.T) {
	conn := newMemConn()
	conn.files["/etc/motd"] = "old\n"
	conn.renameErr = fmt.Errorf("permission denied")
	s := fileSession(conn)

	err := writeTarget(s, "/etc/motd", "new\n")
	if err == nil {
		t.Fatal("expected error from failed rename")
	}
	if _, ok := conn.files["/etc/motd.tmp"]; ok {
		t.Error("temp file not cleaned up after failed rename")
	}
	if got := conn.files["/etc/motd"]; got != "old\n" {
		t.Errorf("target changed despite failed rename: %q", got)
	}
}

func TestSessionReadFileMissing(t *testing.T) {
	s := fileSession(newMemConn())
	if _, err := s.ReadFile("/no/such/file"); err == nil {
		t.Fatal("expected error for missing file")
	}
}
