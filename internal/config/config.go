package config

import (
	"fmt"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oktsec/attestd/internal/safefile"
)

// Config is the top-level attestd configuration.
type Config struct {
	Version    string           `yaml:"version"`
	Server     ServerConfig     `yaml:"server"`
	Identity   IdentityConfig   `yaml:"identity"`
	Storage    StorageConfig    `yaml:"storage"`
	Replay     ReplayConfig     `yaml:"replay"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Escalation EscalationConfig `yaml:"escalation"`
	Policies   PoliciesConfig   `yaml:"policies"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit,omitempty"`
	Webhooks   []Webhook        `yaml:"webhooks"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port     int    `yaml:"port"`
	Bind     string `yaml:"bind"` // Address to bind (default: 127.0.0.1)
	LogLevel string `yaml:"log_level"`
	// Dashboard serves the read-only web dashboard under /dashboard.
	Dashboard bool `yaml:"dashboard"`
}

// IdentityConfig locates operator key material for keygen and sign.
type IdentityConfig struct {
	KeysDir string `yaml:"keys_dir"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver        string `yaml:"driver"` // sqlite or postgres
	Path          string `yaml:"path"`
	DSN           string `yaml:"dsn,omitempty"`
	RetentionDays int    `yaml:"retention_days"` // purge security events older than N days (0 = keep forever)
}

// ReplayConfig configures the replay guard.
type ReplayConfig struct {
	Backend       string        `yaml:"backend"` // sql, redis or memory
	MaxAge        time.Duration `yaml:"max_age"`
	ClockSkew     time.Duration `yaml:"clock_skew"`
	RedisAddr     string        `yaml:"redis_addr,omitempty"`
	RedisPassword string        `yaml:"redis_password,omitempty"`
	RedisDB       int           `yaml:"redis_db,omitempty"`
}

// RetryConfig bounds retries of storage writes.
type RetryConfig struct {
	Attempts     int           `yaml:"attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// PipelineConfig tunes background verification.
type PipelineConfig struct {
	Workers          int           `yaml:"workers"` // 0 = one per CPU
	SignatureTimeout time.Duration `yaml:"signature_timeout"`
	PendingTTL       time.Duration `yaml:"pending_ttl"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	Retry            RetryConfig   `yaml:"retry"`
	EligibleStatuses []string      `yaml:"eligible_statuses"`
}

// EscalationConfig controls automatic compromise on repeated failures.
type EscalationConfig struct {
	Threshold int           `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`
}

// PoliciesConfig locates the policy set.
type PoliciesConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// TelemetryConfig toggles tracing and metrics.
type TelemetryConfig struct {
	Tracing     bool   `yaml:"tracing"`
	Metrics     bool   `yaml:"metrics"`
	ServiceName string `yaml:"service_name,omitempty"`
}

// RateLimitConfig limits report submissions per device.
type RateLimitConfig struct {
	PerDevice int `yaml:"per_device"` // max submissions per window (0 = unlimited)
	WindowS   int `yaml:"window_s"`
}

// Webhook defines an outgoing security event notification endpoint.
type Webhook struct {
	URL         string   `yaml:"url"`
	Events      []string `yaml:"events"`                 // event types; empty = all
	MinSeverity string   `yaml:"min_severity,omitempty"` // low, medium, high, critical
	Template    string   `yaml:"template,omitempty"`     // plain text with {{TAG}} placeholders
}

// Load reads and parses an attestd config file.
func Load(path string) (*Config, error) {
	data, err := safefile.ReadFileMax(path, safefile.MaxConfig)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Defaults returns a config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Version: "1",
		Server: ServerConfig{
			Port:      8443,
			Bind:      "127.0.0.1",
			LogLevel:  "info",
			Dashboard: true,
		},
		Identity: IdentityConfig{KeysDir: "./keys"},
		Storage: StorageConfig{
			Driver:        "sqlite",
			Path:          "attestd.db",
			RetentionDays: 90,
		},
		Replay: ReplayConfig{
			Backend:   "sql",
			MaxAge:    60 * time.Minute,
			ClockSkew: 5 * time.Minute,
		},
		Pipeline: PipelineConfig{
			Workers:          runtime.NumCPU(),
			SignatureTimeout: 30 * time.Second,
			PendingTTL:       15 * time.Minute,
			SweepInterval:    time.Minute,
			Retry: RetryConfig{
				Attempts:     3,
				InitialDelay: 50 * time.Millisecond,
				MaxDelay:     time.Second,
			},
			EligibleStatuses: []string{"provisioning", "active", "maintenance"},
		},
		Escalation: EscalationConfig{
			Threshold: 3,
			Window:    24 * time.Hour,
		},
		Policies: PoliciesConfig{
			File:  "policies.yaml",
			Watch: true,
		},
		Telemetry: TelemetryConfig{
			Metrics:     true,
			ServiceName: "attestd",
		},
		RateLimit: RateLimitConfig{WindowS: 60},
	}
}

// applyDefaults fills zero values left by a partial file.
func (c *Config) applyDefaults() {
	d := Defaults()
	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = d.Pipeline.Workers
	}
	if c.Pipeline.SignatureTimeout == 0 {
		c.Pipeline.SignatureTimeout = d.Pipeline.SignatureTimeout
	}
	if c.Pipeline.PendingTTL == 0 {
		c.Pipeline.PendingTTL = d.Pipeline.PendingTTL
	}
	if c.Pipeline.SweepInterval == 0 {
		c.Pipeline.SweepInterval = d.Pipeline.SweepInterval
	}
	if c.Pipeline.Retry.Attempts == 0 {
		c.Pipeline.Retry = d.Pipeline.Retry
	}
	if len(c.Pipeline.EligibleStatuses) == 0 {
		c.Pipeline.EligibleStatuses = d.Pipeline.EligibleStatuses
	}
	if c.Replay.MaxAge == 0 {
		c.Replay.MaxAge = d.Replay.MaxAge
	}
	if c.Replay.ClockSkew == 0 {
		c.Replay.ClockSkew = d.Replay.ClockSkew
	}
	if c.Escalation.Threshold == 0 {
		c.Escalation.Threshold = d.Escalation.Threshold
	}
	if c.Escalation.Window == 0 {
		c.Escalation.Window = d.Escalation.Window
	}
	if c.RateLimit.WindowS == 0 {
		c.RateLimit.WindowS = d.RateLimit.WindowS
	}
}

// Save writes the config to a YAML file at the given path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := safefile.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

var deviceStatuses = map[string]bool{
	"provisioning": true, "active": true, "maintenance": true, "compromised": true, "decommissioned": true,
}

var severities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}

// Validate checks that the config is consistent.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	switch c.Server.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.Server.LogLevel)
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for sqlite")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("invalid storage driver %q", c.Storage.Driver)
	}
	if c.Storage.RetentionDays < 0 {
		return fmt.Errorf("storage.retention_days must not be negative")
	}

	switch c.Replay.Backend {
	case "sql", "memory":
	case "redis":
		if c.Replay.RedisAddr == "" {
			return fmt.Errorf("replay.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid replay backend %q", c.Replay.Backend)
	}
	if c.Replay.MaxAge < 0 || c.Replay.ClockSkew < 0 {
		return fmt.Errorf("replay windows must not be negative")
	}

	if c.Pipeline.Workers < 0 {
		return fmt.Errorf("pipeline.workers must not be negative")
	}
	if c.Pipeline.Retry.Attempts < 0 {
		return fmt.Errorf("pipeline.retry.attempts must not be negative")
	}
	for _, s := range c.Pipeline.EligibleStatuses {
		if !deviceStatuses[s] {
			return fmt.Errorf("unknown eligible status %q", s)
		}
		if s == "compromised" || s == "decommissioned" {
			return fmt.Errorf("status %q cannot be eligible for attestation", s)
		}
	}

	if c.Escalation.Threshold < 0 || c.Escalation.Window < 0 {
		return fmt.Errorf("escalation settings must not be negative")
	}
	if c.RateLimit.PerDevice < 0 {
		return fmt.Errorf("rate_limit.per_device must not be negative")
	}

	for _, wh := range c.Webhooks {
		if wh.URL == "" {
			return fmt.Errorf("webhook url is required")
		}
		if wh.MinSeverity != "" && !severities[wh.MinSeverity] {
			return fmt.Errorf("webhook %s has invalid min_severity %q", wh.URL, wh.MinSeverity)
		}
	}
	return nil
}
