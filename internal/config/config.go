// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level dispatcher configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	RateLimits  RateLimitConfig   `yaml:"rate_limits"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Health      HealthConfig      `yaml:"health"`
	LogPipeline LogPipelineConfig `yaml:"log_pipeline"`
	Groups      []GroupEntry      `yaml:"groups"`
	ProxyKeys   []ProxyKeyEntry   `yaml:"proxy_keys"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	SampleRate float64 `yaml:"sample_rate"`
}

// RateLimitConfig holds the configured default RPM. The value is parsed and
// defaulted here only; the dispatcher does not apply it, and a group or proxy
// key with no RPM limit of its own (0) is unlimited.
type RateLimitConfig struct {
	DefaultRPM int64 `yaml:"default_rpm"`
}

// HealthConfig controls the health scanner (§4.D).
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Interval     time.Duration `yaml:"interval"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	Concurrency  int           `yaml:"concurrency"`
}

// LogPipelineConfig controls the async log pipeline (§4.C).
type LogPipelineConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	BatchSize    int           `yaml:"batch_size"`
	FlushEvery   time.Duration `yaml:"flush_every"`
	BodyCapBytes int           `yaml:"body_cap_bytes"`
	MaxRetries   int           `yaml:"max_retries"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// AuthConfig holds admin-surface authentication settings.
type AuthConfig struct {
	AdminKey string `yaml:"admin_key"`
}

// GroupEntry is a Group definition in the config file.
type GroupEntry struct {
	ID                string            `yaml:"id"`
	Name              string            `yaml:"name"`
	Kind              string            `yaml:"provider_kind"` // openai|anthropic|gemini
	BaseURL           string            `yaml:"base_url"`
	APIKeys           []string          `yaml:"api_keys"`
	BalancePolicy     string            `yaml:"balance_policy"` // round_robin|random|failover
	RetryCount        int               `yaml:"retry_count"`
	ConnectTimeoutMs  int               `yaml:"connect_timeout_ms"`
	ResponseTimeoutMs int               `yaml:"response_timeout_ms"`
	RPMLimit          int64             `yaml:"rpm_limit"`
	TestModel         string            `yaml:"test_model"`
	ProxyURL          string            `yaml:"proxy_url"`
	ParamOverrides    map[string]any    `yaml:"param_overrides"`
	Headers           map[string]string `yaml:"headers"`
	Aliases           map[string]string `yaml:"aliases"`
	Models            []string          `yaml:"models"`
	FakeStreaming     bool              `yaml:"fake_streaming"`
	Hosting           string            `yaml:"hosting"` // "", "vertex", "bedrock", "azure"
	Region            string            `yaml:"region"`
	Project           string            `yaml:"project"`
	Priority          int               `yaml:"priority"`
	Enabled           *bool             `yaml:"enabled"`
}

// IsEnabled reports whether the group is enabled (defaults to true when nil).
func (g GroupEntry) IsEnabled() bool { return g.Enabled == nil || *g.Enabled }

// ResolvedConnectTimeout returns the connect timeout, floored at 30s per
// spec.md §4.E ("HTTP connect-timeout separately, min 30s floor").
func (g GroupEntry) ResolvedConnectTimeout() time.Duration {
	d := time.Duration(g.ConnectTimeoutMs) * time.Millisecond
	if d < 30*time.Second {
		return 30 * time.Second
	}
	return d
}

// ResolvedResponseTimeout returns the response timeout, defaulting to 60s.
func (g GroupEntry) ResolvedResponseTimeout() time.Duration {
	if g.ResponseTimeoutMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(g.ResponseTimeoutMs) * time.Millisecond
}

// MarshalParamOverrides returns the param-override map as a JSON object,
// or nil if none is configured.
func (g GroupEntry) MarshalParamOverrides() (json.RawMessage, error) {
	if len(g.ParamOverrides) == 0 {
		return nil, nil
	}
	return json.Marshal(g.ParamOverrides)
}

// ProxyKeyEntry is a ProxyKey seed in the config file.
type ProxyKeyEntry struct {
	Name          string         `yaml:"name"`
	Token         string         `yaml:"token"` // plaintext, hashed on bootstrap
	Description   string         `yaml:"description"`
	AllowedGroups []string       `yaml:"allowed_groups"`
	GroupBalance  string         `yaml:"group_balance_policy"`
	GroupWeights  map[string]int `yaml:"group_weights"`
	RPMLimit      int64          `yaml:"rpm_limit"`
	Enabled       *bool          `yaml:"enabled"`
}

// IsEnabled reports whether the proxy key is enabled (defaults to true when nil).
func (k ProxyKeyEntry) IsEnabled() bool { return k.Enabled == nil || *k.Enabled }

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "kestrel.db",
		},
		RateLimits: RateLimitConfig{
			DefaultRPM: 0,
		},
		Health: HealthConfig{
			Enabled:      true,
			Interval:     1 * time.Minute,
			ProbeTimeout: 5 * time.Second,
			Concurrency:  4,
		},
		LogPipeline: LogPipelineConfig{
			QueueSize:    1000,
			BatchSize:    100,
			FlushEvery:   5 * time.Second,
			BodyCapBytes: 16 * 1024,
			MaxRetries:   3,
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
