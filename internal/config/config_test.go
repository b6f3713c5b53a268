// File: internal/config/config_test.go
package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	// Verify a few key defaults to ensure the mechanism works.
	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, ":8789", cfg.Server.ListenAddr)
	assert.Equal(t, 4, cfg.Supervisor.MaxConcurrentJobs)
	assert.Equal(t, 10*time.Minute, cfg.Supervisor.PlanDeadline)
	assert.Equal(t, time.Hour, cfg.Supervisor.JobRetention)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 10*time.Minute, cfg.Browser.IdleTTL)
	assert.Equal(t, 30*time.Second, cfg.Executor.NavigateTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Executor.BackoffBase)
	assert.Equal(t, 0.55, cfg.Vision.ConfidenceThreshold)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.True(t, cfg.Browser.Humanize.Enabled)
	assert.Equal(t, 30, cfg.Browser.Humanize.KeyDelayMinMs)
	assert.Equal(t, 90, cfg.Browser.Humanize.KeyDelayMaxMs)
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	valid := func() *Config { return NewDefaultConfig() }

	t.Run("valid defaults", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	t.Run("invalid job concurrency", func(t *testing.T) {
		cfg := valid()
		cfg.Supervisor.MaxConcurrentJobs = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_concurrent_jobs")
	})

	t.Run("invalid session cap", func(t *testing.T) {
		cfg := valid()
		cfg.Browser.MaxSessions = -1
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max_sessions")
	})

	t.Run("confidence threshold out of range", func(t *testing.T) {
		cfg := valid()
		cfg.Vision.ConfidenceThreshold = 1.5
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "confidence_threshold")
	})

	t.Run("inverted key delay range", func(t *testing.T) {
		cfg := valid()
		cfg.Browser.Humanize.KeyDelayMinMs = 90
		cfg.Browser.Humanize.KeyDelayMaxMs = 30
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "key delay")
	})

	t.Run("unknown store backend", func(t *testing.T) {
		cfg := valid()
		cfg.Store.Backend = "etcd"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store.backend")
	})

	t.Run("redis backend requires an address", func(t *testing.T) {
		cfg := valid()
		cfg.Store.Backend = "redis"
		cfg.Store.RedisAddr = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "redis_addr")
	})

	t.Run("bad default url", func(t *testing.T) {
		cfg := valid()
		cfg.Executor.DefaultURL = "not a url"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "default_url")
	})
}

// -- Environment Binding Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("empty viper yields a runnable config", func(t *testing.T) {
		cfg, err := NewConfigFromViper(viper.New())
		require.NoError(t, err)

		assert.Equal(t, ":8789", cfg.Server.ListenAddr)
		assert.Equal(t, 4, cfg.Supervisor.MaxConcurrentJobs)
		assert.Equal(t, "memory", cfg.Store.Backend)
		assert.NoError(t, cfg.Validate())
	})

	t.Run("env overrides", func(t *testing.T) {
		t.Setenv("BACKEND_LISTEN_ADDR", "127.0.0.1:9999")
		t.Setenv("DEFAULT_PLANNER_MODEL", "gemini-exp")
		t.Setenv("MAX_CONCURRENT_JOBS", "2")

		v := viper.New()
		SetDefaults(v)
		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, "127.0.0.1:9999", cfg.Server.ListenAddr)
		assert.Equal(t, "gemini-exp", cfg.LLM.PlannerModel)
		assert.Equal(t, 2, cfg.Supervisor.MaxConcurrentJobs)
	})

	t.Run("bare-second ttl env vars decode as seconds", func(t *testing.T) {
		t.Setenv("SESSION_IDLE_TTL_SECONDS", "120")
		t.Setenv("PLAN_DEADLINE_SECONDS", "300")

		v := viper.New()
		SetDefaults(v)
		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, 2*time.Minute, cfg.Browser.IdleTTL)
		assert.Equal(t, 5*time.Minute, cfg.Supervisor.PlanDeadline)
	})

	t.Run("validation failure propagates", func(t *testing.T) {
		t.Setenv("MAX_CONCURRENT_JOBS", "0")

		v := viper.New()
		SetDefaults(v)
		_, err := NewConfigFromViper(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}
