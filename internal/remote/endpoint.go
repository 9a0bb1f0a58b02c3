// Package remote provides the pooled SSH connection layer and the uniform
// executor contract used by every operation against a target machine.
package remote

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Endpoint identifies one reusable connection target. It is the immutable
// pool key: sessions are bucketed per endpoint and never shared across
// endpoints.
type Endpoint struct {
	Protocol string
	Host     string
	Port     int
	User     string
}

// Key returns the canonical bucket key for the endpoint.
func (e Endpoint) Key() string {
	return fmt.Sprintf("%s@%s", e.User, net.JoinHostPort(e.Host, strconv.Itoa(e.Port)))
}

// Config holds everything needed to establish a session with an endpoint.
type Config struct {
	Endpoint

	// Authentication, tried in order: key file, in-memory key data,
	// then password fallback.
	KeyFile    string
	KeyData    string
	Passphrase string
	Password   string

	// Timeout bounds connection establishment and each remote command.
	Timeout time.Duration
	// KeepAlive is the negotiated heartbeat interval; zero disables it.
	KeepAlive time.Duration
}

const (
	defaultPort      = 22
	defaultUser      = "root"
	defaultTimeout   = 30 * time.Second
	defaultKeepAlive = 30 * time.Second
)

// ParseURL parses "ssh://user@host:port" or the bare "user@host:port" form
// into a Config with defaults applied (user root, port 22). A password
// embedded in the URL is honored but discouraged.
func ParseURL(raw string) (Config, error) {
	if raw == "" {
		return Config{}, fmt.Errorf("empty target URL")
	}
	withScheme := raw
	if !strings.Contains(raw, "://") {
		withScheme = "ssh://" + raw
	}
	u, err := url.Parse(withScheme)
	if err != nil {
		return Config{}, fmt.Errorf("parse target %q: %w", raw, err)
	}
	if u.Scheme != "ssh" {
		return Config{}, fmt.Errorf("unsupported protocol %q in target %q", u.Scheme, raw)
	}
	if u.Hostname() == "" {
		return Config{}, fmt.Errorf("target %q has no host", raw)
	}

	cfg := Config{
		Endpoint: Endpoint{
			Protocol: "ssh",
			Host:     u.Hostname(),
			Port:     defaultPort,
			User:     defaultUser,
		},
		Timeout:   defaultTimeout,
		KeepAlive: defaultKeepAlive,
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return Config{}, fmt.Errorf("invalid port in target %q: %w", raw, err)
		}
		cfg.Port = port
	}
	if u.User != nil {
		if name := u.User.Username(); name != "" {
			cfg.User = name
		}
		if pw, ok := u.User.Password(); ok {
			cfg.Password = pw
		}
	}
	return cfg, nil
}
