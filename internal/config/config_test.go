package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
database:
  path: /tmp/optout-test.db
users:
  - id: alice
    email: alice@example.com
    inbox:
      provider: gmail
      password: app-password
    smtp:
      host: smtp.gmail.com
      port: 465
      username: alice@example.com
      password: app-password
      use_tls: true
lifecycle:
  backoff_base: 10m
scan:
  rate_limit:
    max_runs: 2
    window: 30m
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/optout-test.db", cfg.Database.Path)
	assert.Equal(t, 10*time.Minute, cfg.Lifecycle.BackoffBase)
	assert.Equal(t, 2.0, cfg.Lifecycle.BackoffMultiplier)
	assert.Equal(t, 24*time.Hour, cfg.Lifecycle.BackoffMax)
	assert.Equal(t, 5, cfg.Lifecycle.MaxAttempts)

	assert.Equal(t, 2, cfg.Scan.RateLimit.MaxRuns)
	assert.Equal(t, 30*time.Minute, cfg.Scan.RateLimit.Window)
	assert.Equal(t, defaultWorkers, cfg.Scan.Workers)
	assert.Equal(t, defaultDailySchedule, cfg.Schedule.Daily)

	in := cfg.Users[0].Inbox
	assert.Equal(t, "imap.gmail.com", in.Server)
	assert.Equal(t, 993, in.Port)
	assert.Equal(t, "INBOX", in.Folder)
	assert.Equal(t, "alice@example.com", in.Username)
	assert.Equal(t, "smtp", cfg.Users[0].Outbound.Provider)

	assert.Equal(t, 0.5, cfg.Classifier.BrokerThreshold)
	assert.Equal(t, 1.0, cfg.Classifier.ExactMatchConfidence)

	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.Users[0].ValidateInbox())
}

func TestLoadAPIKeyFromEnv(t *testing.T) {
	t.Setenv(apiKeyEnv, "sk-test")
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.AI.APIKey)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{Users: []UserConfig{{
			ID:    "alice",
			Email: "alice@example.com",
			SMTP:  SMTPConfig{Host: "smtp.example.com", Port: 465},
		}}}
		cfg.ApplyDefaults()
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no users", func(c *Config) { c.Users = nil }},
		{"missing id", func(c *Config) { c.Users[0].ID = "" }},
		{"duplicate id", func(c *Config) { c.Users = append(c.Users, c.Users[0]) }},
		{"missing smtp", func(c *Config) { c.Users[0].SMTP.Host = "" }},
		{"unknown outbound provider", func(c *Config) { c.Users[0].Outbound.Provider = "pigeon" }},
		{"resend without key", func(c *Config) { c.Users[0].Outbound.Provider = "resend" }},
		{"threshold out of range", func(c *Config) { c.Classifier.BrokerThreshold = 1.5 }},
		{"multiplier below one", func(c *Config) { c.Lifecycle.BackoffMultiplier = 0.5 }},
		{"ai without key", func(c *Config) { c.AI.Enabled = true }},
	}

	require.NoError(t, valid().Validate())

	apiOnly := valid()
	apiOnly.Users[0].SMTP = SMTPConfig{}
	apiOnly.Users[0].Outbound = OutboundConfig{Provider: "sendgrid", APIKey: "SG.key"}
	require.NoError(t, apiOnly.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := &Config{Users: []UserConfig{{ID: "bob", Email: "bob@example.com"}}}
	cfg.ApplyDefaults()

	require.NoError(t, Save(path, cfg))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "bob", loaded.Users[0].ID)
	assert.Equal(t, cfg.Lifecycle, loaded.Lifecycle)
}
