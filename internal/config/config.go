// Package config loads opsmend configuration from YAML with
// environment overrides and sane defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all opsmend configuration.
type Config struct {
	Name string `yaml:"name"`

	// Decision-maker endpoint
	Oracle OracleConfig `yaml:"oracle"`

	// SSH connection behavior
	SSH SSHConfig `yaml:"ssh"`

	// Local docker sandbox
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Run history database
	HistoryPath string `yaml:"history_path"`

	Logging LoggingConfig `yaml:"logging"`
}

// OracleConfig configures the chat-completions endpoint.
type OracleConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// SSHConfig configures the pooled SSH backend.
type SSHConfig struct {
	MaxConnectionsPerHost int    `yaml:"max_connections_per_host"`
	Timeout               string `yaml:"timeout"`
	KeepAlive             string `yaml:"keepalive"`
	KeyFile               string `yaml:"key_file"`
}

// SandboxConfig configures the docker sandbox target.
type SandboxConfig struct {
	Container string `yaml:"container"`
	Image     string `yaml:"image"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Name: "opsmend",
		Oracle: OracleConfig{
			Model:   "gpt-4o",
			BaseURL: "https://api.openai.com/v1",
			Timeout: "120s",
		},
		SSH: SSHConfig{
			MaxConnectionsPerHost: 5,
			Timeout:               "30s",
			KeepAlive:             "30s",
		},
		Sandbox: SandboxConfig{
			Container: "opsmend-sbx",
			Image:     "ubuntu:24.04",
		},
		HistoryPath: "data/opsmend.db",
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment variables override both.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("OPSMEND_API_KEY"); key != "" {
		c.Oracle.APIKey = key
	} else if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.Oracle.APIKey == "" {
		c.Oracle.APIKey = key
	}
	if model := os.Getenv("OPSMEND_MODEL"); model != "" {
		c.Oracle.Model = model
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" {
		c.Oracle.BaseURL = url
	}
	if v := os.Getenv("OPSMEND_SSH_MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.SSH.MaxConnectionsPerHost = n
		}
	}
	if v := os.Getenv("OPSMEND_SSH_TIMEOUT"); v != "" {
		c.SSH.Timeout = v
	}
	if v := os.Getenv("OPSMEND_SSH_KEEPALIVE"); v != "" {
		c.SSH.KeepAlive = v
	}
	if v := os.Getenv("OPSMEND_SANDBOX_CONTAINER"); v != "" {
		c.Sandbox.Container = v
	}
	if v := os.Getenv("OPSMEND_SANDBOX_IMAGE"); v != "" {
		c.Sandbox.Image = v
	}
	if v := os.Getenv("OPSMEND_DB"); v != "" {
		c.HistoryPath = v
	}
	if v := os.Getenv("OPSMEND_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// OracleTimeout parses the oracle timeout, defaulting to two minutes.
func (c *Config) OracleTimeout() time.Duration {
	return parseDuration(c.Oracle.Timeout, 2*time.Minute)
}

// SSHTimeout parses the SSH dial timeout, defaulting to 30 seconds.
func (c *Config) SSHTimeout() time.Duration {
	return parseDuration(c.SSH.Timeout, 30*time.Second)
}

// SSHKeepAlive parses the keepalive interval, defaulting to 30 seconds.
func (c *Config) SSHKeepAlive() time.Duration {
	return parseDuration(c.SSH.KeepAlive, 30*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
