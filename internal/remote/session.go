package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Session is one authenticated connection to an endpoint. While idle it is
// owned exclusively by the pool; while checked out, by the caller. Each
// Exec opens a fresh channel, so no shell state persists across calls.
type Session struct {
	endpoint Endpoint
	client   *ssh.Client
	done     chan struct{}

	// files opens the file-transfer surface; swapped out in tests.
	files func() (fileConn, error)
}

// fileConn is the file-transfer surface the session needs. SFTP provides
// it over the live transport; tests substitute an in-memory fake.
type fileConn interface {
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	MkdirAll(path string) error
	PosixRename(oldname, newname string) error
	Remove(path string) error
	Chmod(path string, mode os.FileMode) error
	Close() error
}

// sftpConn adapts *sftp.Client to fileConn. Open and Create need explicit
// wrappers because *sftp.File is a concrete return type.
type sftpConn struct{ *sftp.Client }

func (c sftpConn) Open(path string) (io.ReadCloser, error) { return c.Client.Open(path) }
func (c sftpConn) Create(path string) (io.WriteCloser, error) { return c.Client.Create(path) }

func (s *Session) openFiles() (fileConn, error) {
	if s.files != nil {
		return s.files()
	}
	client, err := sftp.NewClient(s.client)
	if err != nil {
		return nil, fmt.Errorf("open sftp: %w", err)
	}
	return sftpConn{client}, nil
}

// dial establishes a new session: key auth first, password fallback, then
// a keep-alive heartbeat on success.
func dial(ctx context.Context, cfg Config) (*Session, error) {
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("authenticate %s@%s: %w", cfg.User, addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	s := &Session{
		endpoint: cfg.Endpoint,
		client:   ssh.NewClient(clientConn, chans, reqs),
		done:     make(chan struct{}),
	}
	if cfg.KeepAlive > 0 {
		go s.keepalive(cfg.KeepAlive)
	}
	return s, nil
}

// authMethods assembles the ordered authentication strategies. The ssh
// transport tries them in slice order, which yields the key-then-password
// fallback behavior.
func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	var keyPEM []byte
	switch {
	case cfg.KeyFile != "":
		data, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		keyPEM = data
	case cfg.KeyData != "":
		keyPEM = []byte(cfg.KeyData)
	}
	if keyPEM != nil {
		var signer ssh.Signer
		var err error
		if cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyPEM, []byte(cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyPEM)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("no authentication method configured (key or password required)")
	}
	return methods, nil
}

func (s *Session) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				return
			}
		}
	}
}

// Alive probes transport responsiveness. A dead session must be closed and
// never returned to the pool.
func (s *Session) Alive() bool {
	if s == nil || s.client == nil {
		return false
	}
	_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// Close tears down the transport. Safe to call more than once.
func (s *Session) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Exec runs one command on a fresh channel and returns its exit code and
// captured output. A non-zero exit is reported in the code, not as an error.
func (s *Session) Exec(ctx context.Context, cmd string) (int, string, string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return -1, "", "", fmt.Errorf("open channel: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	errCh := make(chan error, 1)
	go func() { errCh <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return -1, stdout.String(), stderr.String(), ctx.Err()
	case err := <-errCh:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return exitErr.ExitStatus(), stdout.String(), stderr.String(), nil
			}
			return -1, stdout.String(), stderr.String(), fmt.Errorf("run command: %w", err)
		}
		return 0, stdout.String(), stderr.String(), nil
	}
}

// ReadFile fetches a whole file over SFTP.
func (s *Session) ReadFile(path string) (string, error) {
	client, err := s.openFiles()
	if err != nil {
		return "", err
	}
	defer client.Close()

	data, err := readAll(client, path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// WriteFile replaces a whole file over SFTP using the atomic protocol:
// timestamped backup of the existing file, write to a temporary sibling,
// then rename over the target. Permission bits are set explicitly.
func (s *Session) WriteFile(filePath, content string, mode os.FileMode, backup func(string) string, temp func(string) string) error {
	client, err := s.openFiles()
	if err != nil {
		return err
	}
	defer client.Close()

	if dir := path.Dir(filePath); dir != "" && dir != "/" {
		_ = client.MkdirAll(dir)
	}

	// Back up the current content if the target exists.
	if old, err := readAll(client, filePath); err == nil {
		if err := writeWhole(client, backup(filePath), old, mode); err != nil {
			return fmt.Errorf("write backup: %w", err)
		}
	}

	tmp := temp(filePath)
	if err := writeWhole(client, tmp, content, mode); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := client.PosixRename(tmp, filePath); err != nil {
		_ = client.Remove(tmp)
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func readAll(client fileConn, path string) (string, error) {
	f, err := client.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func writeWhole(client fileConn, path, content string, mode os.FileMode) error {
	f, err := client.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write([]byte(content)); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return client.Chmod(path, mode)
}
