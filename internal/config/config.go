// Package config loads and validates tracker configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/scrape-job-tracker/internal/recovery"
)

// Channel modes.
const (
	ChannelPoll = "poll"
	ChannelPush = "push"
)

// Persistence backends.
const (
	PersistenceMemory = "memory"
	PersistenceLocal  = "local"
	PersistenceSQLite = "sqlite"
	PersistenceGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Backend      BackendConfig      `mapstructure:"backend"`
	Channel      ChannelConfig      `mapstructure:"channel"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Recovery     RecoveryConfig     `mapstructure:"recovery"`
	Persistence  PersistenceConfig  `mapstructure:"persistence"`
	Progress     ProgressConfig     `mapstructure:"progress"`
	Database     DatabaseConfig     `mapstructure:"database"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// BackendConfig points at the remote scraping backend.
type BackendConfig struct {
	BaseURL      string          `mapstructure:"base_url"`
	StartPath    string          `mapstructure:"start_path"`
	ProgressPath string          `mapstructure:"progress_path"`
	Timeout      time.Duration   `mapstructure:"timeout"`
	APIKey       string          `mapstructure:"api_key"`
	UserAgent    string          `mapstructure:"user_agent"`
	UserIdentity string          `mapstructure:"user_identity"`
	RateLimit    RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig bounds outbound calls per endpoint.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// ChannelConfig selects and tunes the update channel transport.
type ChannelConfig struct {
	Mode             string        `mapstructure:"mode"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	PushURL          string        `mapstructure:"push_url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
}

// ConnectivityConfig controls the reachability prober. An empty ProbeURL
// disables probing.
type ConnectivityConfig struct {
	ProbeURL         string        `mapstructure:"probe_url"`
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// RecoveryConfig toggles auto-retry and overrides per-category policies.
type RecoveryConfig struct {
	AutoRetry bool                    `mapstructure:"auto_retry"`
	Policies  map[string]PolicyConfig `mapstructure:"policies"`
}

// PolicyConfig overrides one category's retry policy.
type PolicyConfig struct {
	RetryDelay        time.Duration `mapstructure:"retry_delay"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
}

// PersistenceConfig selects where the job handle and snapshots live.
type PersistenceConfig struct {
	Backend       string        `mapstructure:"backend"`
	LocalDir      string        `mapstructure:"local_dir"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
	GCSBucket     string        `mapstructure:"gcs_bucket"`
	GCSPrefix     string        `mapstructure:"gcs_prefix"`
	SnapshotDelay time.Duration `mapstructure:"snapshot_delay"`
}

// ProgressConfig tunes the lifecycle event hub and its sinks.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogSink        bool          `mapstructure:"log_sink"`
	PrometheusSink bool          `mapstructure:"prometheus_sink"`
}

// DatabaseConfig controls the Postgres run history. An empty DSN disables it.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// PubSubConfig holds lifecycle notification settings. Without a project the
// notifications go to an in-memory publisher.
type PubSubConfig struct {
	ProjectID      string        `mapstructure:"project_id"`
	TopicName      string        `mapstructure:"topic_name"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	MemoryLimit    int           `mapstructure:"memory_limit"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TRACKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("backend.base_url", "http://localhost:3000")
	v.SetDefault("backend.start_path", "/api/jobs/start")
	v.SetDefault("backend.progress_path", "/api/jobs/progress")
	v.SetDefault("backend.timeout", 15*time.Second)
	v.SetDefault("backend.user_agent", "scrape-job-tracker/0.1")
	v.SetDefault("backend.user_identity", "anonymous")
	v.SetDefault("backend.rate_limit.rps", 5.0)
	v.SetDefault("backend.rate_limit.burst", 5)
	v.SetDefault("channel.mode", ChannelPoll)
	v.SetDefault("channel.poll_interval", 2*time.Second)
	v.SetDefault("channel.handshake_timeout", 10*time.Second)
	v.SetDefault("channel.backoff_base", time.Second)
	v.SetDefault("channel.backoff_max", time.Minute)
	v.SetDefault("channel.max_attempts", 5)
	v.SetDefault("connectivity.probe_interval", 15*time.Second)
	v.SetDefault("connectivity.probe_timeout", 5*time.Second)
	v.SetDefault("connectivity.failure_threshold", 2)
	v.SetDefault("recovery.auto_retry", true)
	for category, p := range recovery.DefaultPolicies() {
		prefix := "recovery.policies." + string(category)
		v.SetDefault(prefix+".retry_delay", p.RetryDelay)
		v.SetDefault(prefix+".max_retries", p.MaxRetries)
		v.SetDefault(prefix+".backoff_multiplier", p.BackoffMultiplier)
	}
	v.SetDefault("persistence.backend", PersistenceMemory)
	v.SetDefault("persistence.local_dir", "data/state")
	v.SetDefault("persistence.sqlite_path", "data/tracker.db")
	v.SetDefault("persistence.gcs_prefix", "tracker")
	v.SetDefault("persistence.snapshot_delay", 2*time.Second)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 256)
	v.SetDefault("progress.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 5*time.Second)
	v.SetDefault("progress.log_sink", true)
	v.SetDefault("progress.prometheus_sink", true)
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.migrate", true)
	v.SetDefault("pubsub.topic_name", "job-lifecycle")
	v.SetDefault("pubsub.publish_timeout", 10*time.Second)
	v.SetDefault("pubsub.memory_limit", 256)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if u, err := url.Parse(c.Backend.BaseURL); err != nil || u.Host == "" ||
		(u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("backend.base_url must be an absolute http(s) url")
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend.timeout must be > 0")
	}
	if c.Backend.RateLimit.RPS < 0 || c.Backend.RateLimit.Burst < 0 {
		return fmt.Errorf("backend.rate_limit values must be >= 0")
	}
	switch c.Channel.Mode {
	case ChannelPoll:
		if c.Channel.PollInterval <= 0 {
			return fmt.Errorf("channel.poll_interval must be > 0")
		}
	case ChannelPush:
		u, err := url.Parse(c.Channel.PushURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("channel.push_url must be a ws(s) url in push mode")
		}
	default:
		return fmt.Errorf("channel.mode must be %q or %q", ChannelPoll, ChannelPush)
	}
	if c.Channel.MaxAttempts <= 0 {
		return fmt.Errorf("channel.max_attempts must be > 0")
	}
	if c.Channel.BackoffBase <= 0 || c.Channel.BackoffMax < c.Channel.BackoffBase {
		return fmt.Errorf("channel.backoff_max must be >= channel.backoff_base > 0")
	}
	for name, p := range c.Recovery.Policies {
		if p.RetryDelay < 0 || p.MaxRetries < 0 || p.BackoffMultiplier < 0 {
			return fmt.Errorf("recovery.policies.%s values must be >= 0", name)
		}
	}
	switch c.Persistence.Backend {
	case PersistenceMemory:
	case PersistenceLocal:
		if c.Persistence.LocalDir == "" {
			return fmt.Errorf("persistence.local_dir is required for the local backend")
		}
	case PersistenceSQLite:
		if c.Persistence.SQLitePath == "" {
			return fmt.Errorf("persistence.sqlite_path is required for the sqlite backend")
		}
	case PersistenceGCS:
		if c.Persistence.GCSBucket == "" {
			return fmt.Errorf("persistence.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("persistence.backend %q is not supported", c.Persistence.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	return nil
}
