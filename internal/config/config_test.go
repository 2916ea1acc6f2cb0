package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  request_timeout: 10s
auth:
  enabled: true
  api_key: secret
logging:
  development: false
  level: debug
backend:
  base_url: https://scraper.example.com
  timeout: 20s
  rate_limit:
    rps: 2
    burst: 4
channel:
  mode: push
  push_url: wss://scraper.example.com/ws
  max_attempts: 3
recovery:
  auto_retry: false
  policies:
    network:
      retry_delay: 2s
      max_retries: 5
      backoff_multiplier: 3
persistence:
  backend: sqlite
  sqlite_path: /tmp/tracker.db
pubsub:
  project_id: demo
  topic_name: jobs
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.RequestTimeout != 10*time.Second {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
	if cfg.Backend.BaseURL != "https://scraper.example.com" || cfg.Backend.Timeout != 20*time.Second {
		t.Fatalf("expected backend overrides, got %+v", cfg.Backend)
	}
	if cfg.Backend.RateLimit.RPS != 2 || cfg.Backend.RateLimit.Burst != 4 {
		t.Fatalf("expected rate limit overrides, got %+v", cfg.Backend.RateLimit)
	}
	if cfg.Backend.StartPath != "/api/jobs/start" {
		t.Fatalf("expected default start path, got %q", cfg.Backend.StartPath)
	}
	if cfg.Channel.Mode != ChannelPush || cfg.Channel.MaxAttempts != 3 {
		t.Fatalf("expected channel overrides, got %+v", cfg.Channel)
	}
	if cfg.Channel.BackoffBase != time.Second || cfg.Channel.BackoffMax != time.Minute {
		t.Fatalf("expected default backoff, got %+v", cfg.Channel)
	}
	network, ok := cfg.Recovery.Policies["network"]
	if !ok || network.RetryDelay != 2*time.Second || network.MaxRetries != 5 || network.BackoffMultiplier != 3 {
		t.Fatalf("expected network policy override, got %+v", cfg.Recovery.Policies)
	}
	if cfg.Recovery.AutoRetry {
		t.Fatalf("expected auto retry disabled")
	}
	if cfg.Persistence.Backend != PersistenceSQLite || cfg.Persistence.SQLitePath != "/tmp/tracker.db" {
		t.Fatalf("expected sqlite persistence, got %+v", cfg.Persistence)
	}
	if cfg.PubSub.ProjectID != "demo" || cfg.PubSub.TopicName != "jobs" {
		t.Fatalf("expected pubsub overrides, got %+v", cfg.PubSub)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Channel.Mode != ChannelPoll || cfg.Channel.PollInterval != 2*time.Second {
		t.Fatalf("expected poll defaults, got %+v", cfg.Channel)
	}
	if cfg.Persistence.Backend != PersistenceMemory {
		t.Fatalf("expected memory persistence, got %q", cfg.Persistence.Backend)
	}
	if !cfg.Recovery.AutoRetry {
		t.Fatalf("expected auto retry enabled by default")
	}
	if cfg.Persistence.SnapshotDelay != 2*time.Second {
		t.Fatalf("expected 2s snapshot delay, got %v", cfg.Persistence.SnapshotDelay)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TRACKER_CHANNEL_MODE", "push")
	t.Setenv("TRACKER_CHANNEL_PUSH_URL", "ws://localhost:3000/feed")
	t.Setenv("TRACKER_SERVER_PORT", "7070")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Channel.Mode != ChannelPush || cfg.Channel.PushURL != "ws://localhost:3000/feed" {
		t.Fatalf("expected env channel overrides, got %+v", cfg.Channel)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected port 7070, got %d", cfg.Server.Port)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "relative backend", mutate: func(c *Config) { c.Backend.BaseURL = "/api" }, want: "backend.base_url"},
		{name: "zero backend timeout", mutate: func(c *Config) { c.Backend.Timeout = 0 }, want: "backend.timeout"},
		{name: "negative rate", mutate: func(c *Config) { c.Backend.RateLimit.RPS = -1 }, want: "backend.rate_limit"},
		{name: "unknown mode", mutate: func(c *Config) { c.Channel.Mode = "sse" }, want: "channel.mode"},
		{name: "push without url", mutate: func(c *Config) { c.Channel.Mode = ChannelPush }, want: "channel.push_url"},
		{name: "zero poll interval", mutate: func(c *Config) { c.Channel.PollInterval = 0 }, want: "channel.poll_interval"},
		{name: "zero attempts", mutate: func(c *Config) { c.Channel.MaxAttempts = 0 }, want: "channel.max_attempts"},
		{name: "inverted backoff", mutate: func(c *Config) { c.Channel.BackoffMax = time.Millisecond }, want: "channel.backoff_max"},
		{
			name: "negative policy",
			mutate: func(c *Config) {
				c.Recovery.Policies = map[string]PolicyConfig{"timeout": {MaxRetries: -1}}
			},
			want: "recovery.policies.timeout",
		},
		{name: "unknown persistence", mutate: func(c *Config) { c.Persistence.Backend = "redis" }, want: "persistence.backend"},
		{
			name: "gcs without bucket",
			mutate: func(c *Config) {
				c.Persistence.Backend = PersistenceGCS
				c.Persistence.GCSBucket = ""
			},
			want: "persistence.gcs_bucket",
		},
		{
			name: "pubsub without topic",
			mutate: func(c *Config) {
				c.PubSub.ProjectID = "demo"
				c.PubSub.TopicName = ""
			},
			want: "pubsub.topic_name",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoadPartialPolicyKeepsCategoryDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	configYAML := `
recovery:
  policies:
    rate_limit:
      retry_delay: 30s
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	rate := cfg.Recovery.Policies["rate_limit"]
	if rate.RetryDelay != 30*time.Second || rate.MaxRetries != 2 || rate.BackoffMultiplier != 2 {
		t.Fatalf("expected rate_limit override merged with defaults, got %+v", rate)
	}
	network := cfg.Recovery.Policies["network"]
	if network.RetryDelay != 5*time.Second || network.MaxRetries != 3 || network.BackoffMultiplier != 2 {
		t.Fatalf("expected network defaults, got %+v", network)
	}
	if auth := cfg.Recovery.Policies["auth"]; auth.MaxRetries != 0 || auth.BackoffMultiplier != 1 {
		t.Fatalf("expected auth defaults, got %+v", auth)
	}
}
