package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesFileThenDefaults(t *testing.T) {
	path := writeConfig(t, `
approval:
  token_ttl: 2m
  max_batch_size: 20
kafka:
  enabled: true
  brokers: ["kafka-1:9092", "kafka-2:9092"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Approval.TokenTTL)
	assert.Equal(t, 20, cfg.Approval.MaxBatchSize)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)

	assert.Equal(t, 24*time.Hour, cfg.Approval.RequestMaxAge)
	assert.Equal(t, 3, cfg.Lockout.MaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.Lockout.Duration)
	assert.Equal(t, 30*time.Second, cfg.Sweeper.Interval)
	assert.Equal(t, "approval-events", cfg.Kafka.Topic)
	assert.Equal(t, "dev-only-secret", cfg.Auth.JWTSecret)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "lockout:\n  max_attempts: 4\n")
	t.Setenv("LOCKOUT_MAX_ATTEMPTS", "6")
	t.Setenv("APPROVAL_REQUEST_MAX_AGE", "2h")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6, cfg.Lockout.MaxAttempts)
	assert.Equal(t, 2*time.Hour, cfg.Approval.RequestMaxAge)
}

func TestLoadWithoutFileUsesEnvironment(t *testing.T) {
	t.Setenv("VERIFY_RATE_PER_MINUTE", "12")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.VerifyRate.PerMinute)
	assert.Equal(t, 5, cfg.VerifyRate.Burst)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		path := writeConfig(t, "auth:\n  jwt_secret: s3cret\n")
		cfg, err := Load(path)
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"release without secret", func(c *Config) { c.HTTP.GinMode = "release"; c.Auth.JWTSecret = "" }},
		{"zero token ttl", func(c *Config) { c.Approval.TokenTTL = 0 }},
		{"no counter offers", func(c *Config) { c.Approval.MaxCounterOffers = 0 }},
		{"zero lockout attempts", func(c *Config) { c.Lockout.MaxAttempts = 0 }},
		{"zero burst", func(c *Config) { c.VerifyRate.Burst = 0 }},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true; c.Kafka.Brokers = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, valid().Validate())
}
