// Package config loads and validates the guestmail TOML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/guestmail/guestmail/expiry"
)

// DatabaseConfig holds the embedded record store configuration.
type DatabaseConfig struct {
	Path        string `toml:"path"`         // Path to the sqlite database file
	LockRetry   string `toml:"lock_retry"`   // Pause between write-lock attempts (default: "100ms")
	LockTimeout string `toml:"lock_timeout"` // Total bound on write-lock acquisition (default: "5s")
	QueryLog    bool   `toml:"query_log"`    // Log every statement (debugging only)
}

// MailcowConfig holds the remote mailbox provider endpoint.
type MailcowConfig struct {
	Endpoint string `toml:"endpoint"` // Base URL of the mailcow API, e.g. "https://mail.example.org"
	APIKey   string `toml:"api_key"`  // X-API-Key credential
	Timeout  string `toml:"timeout"`  // Per-request timeout (default: "20s")
	Tag      string `toml:"tag"`      // Tag attached to every mailbox we create (default: "guestmail")
}

// WebConfig holds the HTTP adapter configuration.
type WebConfig struct {
	Addr   string `toml:"addr"`    // Listen address (default: "127.0.0.1:3691")
	APIKey string `toml:"api_key"` // Key protecting the /admin routes; empty disables them
}

// PrunerConfig holds the periodic expiry/warning job configuration.
type PrunerConfig struct {
	Enabled  bool   `toml:"enabled"`
	Interval string `toml:"interval"` // Scan interval (default: "10m", minimum 1m)
}

// LifecycleConfig carries the expiry policy knobs. The inactivity values
// encode a business policy inherited from the previous deployment, not an
// algorithmic necessity, which is why they are configurable.
type LifecycleConfig struct {
	MailDomain       string  `toml:"mail_domain"`               // Domain all issued addresses must end with
	WebEndpoint      string  `toml:"web_endpoint"`              // Externally visible account-creation URL
	SoftExpiryMinTTL string  `toml:"soft_expiry_min_ttl"`       // Accounts with at least this TTL are inactivity-checked (default: "27d")
	SoftExpiryIdle   float64 `toml:"soft_expiry_idle_fraction"` // Idle time beyond this fraction of TTL expires the account (default: 0.25)
	CreateRetries    int     `toml:"create_retries"`            // Attempts for synthesized-address collisions (default: 10)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // "stdout", "stderr" or a file path
	Format string `toml:"format"` // "console" or "json"
	Level  string `toml:"level"`  // "debug", "info", "warn", "error"
}

// Config is the top level configuration for the guestmail service.
type Config struct {
	Database  DatabaseConfig  `toml:"database"`
	Mailcow   MailcowConfig   `toml:"mailcow"`
	Web       WebConfig       `toml:"web"`
	Pruner    PrunerConfig    `toml:"pruner"`
	Lifecycle LifecycleConfig `toml:"lifecycle"`
	Logging   LoggingConfig   `toml:"logging"`
}

// NewDefaultConfig returns a configuration populated with defaults.
func NewDefaultConfig() Config {
	return Config{
		Database: DatabaseConfig{
			Path:        "guestmail.db",
			LockRetry:   "100ms",
			LockTimeout: "5s",
		},
		Mailcow: MailcowConfig{
			Timeout: "20s",
			Tag:     "guestmail",
		},
		Web: WebConfig{
			Addr: "127.0.0.1:3691",
		},
		Pruner: PrunerConfig{
			Enabled:  true,
			Interval: "10m",
		},
		Lifecycle: LifecycleConfig{
			SoftExpiryMinTTL: "27d",
			SoftExpiryIdle:   0.25,
			CreateRetries:    10,
		},
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
	}
}

// Load reads a TOML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := NewDefaultConfig()
	if _, err := os.Stat(path); err != nil {
		return cfg, fmt.Errorf("config file %s not readable: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if _, err := ParseDuration(c.Database.LockRetry, 100*time.Millisecond); err != nil {
		return fmt.Errorf("database.lock_retry: %w", err)
	}
	if _, err := ParseDuration(c.Database.LockTimeout, 5*time.Second); err != nil {
		return fmt.Errorf("database.lock_timeout: %w", err)
	}
	if c.Mailcow.Endpoint != "" && !strings.HasPrefix(c.Mailcow.Endpoint, "http") {
		return fmt.Errorf("mailcow.endpoint must be an http(s) URL, got %q", c.Mailcow.Endpoint)
	}
	if _, err := ParseDuration(c.Mailcow.Timeout, 20*time.Second); err != nil {
		return fmt.Errorf("mailcow.timeout: %w", err)
	}
	if _, err := ParseDuration(c.Pruner.Interval, 10*time.Minute); err != nil {
		return fmt.Errorf("pruner.interval: %w", err)
	}
	if _, err := expiry.Parse(defaultString(c.Lifecycle.SoftExpiryMinTTL, "27d")); err != nil {
		return fmt.Errorf("lifecycle.soft_expiry_min_ttl: %w", err)
	}
	if c.Lifecycle.SoftExpiryIdle < 0 || c.Lifecycle.SoftExpiryIdle > 1 {
		return fmt.Errorf("lifecycle.soft_expiry_idle_fraction must be within [0, 1], got %v", c.Lifecycle.SoftExpiryIdle)
	}
	if c.Lifecycle.CreateRetries < 1 {
		return fmt.Errorf("lifecycle.create_retries must be at least 1, got %d", c.Lifecycle.CreateRetries)
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be \"console\" or \"json\", got %q", c.Logging.Format)
	}
	return nil
}

// LockRetryDuration returns the parsed write-lock retry pause.
func (c *DatabaseConfig) LockRetryDuration() time.Duration {
	d, _ := ParseDuration(c.LockRetry, 100*time.Millisecond)
	return d
}

// LockTimeoutDuration returns the parsed write-lock acquisition bound.
func (c *DatabaseConfig) LockTimeoutDuration() time.Duration {
	d, _ := ParseDuration(c.LockTimeout, 5*time.Second)
	return d
}

// TimeoutDuration returns the parsed per-request timeout.
func (c *MailcowConfig) TimeoutDuration() time.Duration {
	d, _ := ParseDuration(c.Timeout, 20*time.Second)
	return d
}

// IntervalDuration returns the parsed pruner interval.
func (c *PrunerConfig) IntervalDuration() time.Duration {
	d, _ := ParseDuration(c.Interval, 10*time.Minute)
	return d
}

// SoftExpiryMinTTLSeconds returns the inactivity-check TTL threshold.
func (c *LifecycleConfig) SoftExpiryMinTTLSeconds() int64 {
	secs, err := expiry.Parse(defaultString(c.SoftExpiryMinTTL, "27d"))
	if err != nil {
		secs, _ = expiry.Parse("27d")
	}
	return secs
}

// ParseDuration parses a duration string, using def for the empty string.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", s)
	}
	return d, nil
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
