package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "guestmail.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
[database]
path = "/var/lib/guestmail/guestmail.db"

[lifecycle]
mail_domain = "example.org"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/guestmail/guestmail.db", cfg.Database.Path)
	assert.Equal(t, 100*time.Millisecond, cfg.Database.LockRetryDuration())
	assert.Equal(t, 5*time.Second, cfg.Database.LockTimeoutDuration())
	assert.Equal(t, 20*time.Second, cfg.Mailcow.TimeoutDuration())
	assert.Equal(t, 10*time.Minute, cfg.Pruner.IntervalDuration())
	assert.Equal(t, "example.org", cfg.Lifecycle.MailDomain)
	assert.Equal(t, int64(27*24*3600), cfg.Lifecycle.SoftExpiryMinTTLSeconds())
	assert.Equal(t, 0.25, cfg.Lifecycle.SoftExpiryIdle)
	assert.Equal(t, 10, cfg.Lifecycle.CreateRetries)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
[database]
path = "test.db"
lock_retry = "50ms"
lock_timeout = "2s"

[mailcow]
endpoint = "https://mail.example.org"
api_key = "secret"
timeout = "5s"

[pruner]
interval = "1m"

[lifecycle]
mail_domain = "example.org"
soft_expiry_min_ttl = "14d"
soft_expiry_idle_fraction = 0.5
create_retries = 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50*time.Millisecond, cfg.Database.LockRetryDuration())
	assert.Equal(t, 2*time.Second, cfg.Database.LockTimeoutDuration())
	assert.Equal(t, "https://mail.example.org", cfg.Mailcow.Endpoint)
	assert.Equal(t, 5*time.Second, cfg.Mailcow.TimeoutDuration())
	assert.Equal(t, time.Minute, cfg.Pruner.IntervalDuration())
	assert.Equal(t, int64(14*24*3600), cfg.Lifecycle.SoftExpiryMinTTLSeconds())
	assert.Equal(t, 0.5, cfg.Lifecycle.SoftExpiryIdle)
	assert.Equal(t, 3, cfg.Lifecycle.CreateRetries)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty db path", func(c *Config) { c.Database.Path = "" }},
		{"bad lock retry", func(c *Config) { c.Database.LockRetry = "fast" }},
		{"bad mailcow endpoint", func(c *Config) { c.Mailcow.Endpoint = "mail.example.org" }},
		{"bad soft expiry ttl", func(c *Config) { c.Lifecycle.SoftExpiryMinTTL = "27 days" }},
		{"idle fraction above one", func(c *Config) { c.Lifecycle.SoftExpiryIdle = 1.5 }},
		{"zero create retries", func(c *Config) { c.Lifecycle.CreateRetries = 0 }},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
