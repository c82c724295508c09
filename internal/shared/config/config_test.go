package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 9091, cfg.Server.Port)
	assert.Equal(t, "ws://parakeet-asr:8000/ws", cfg.ASR.URL)
	assert.Equal(t, 16000, cfg.ASR.SampleRate)
	assert.Equal(t, "LINEAR16", cfg.ASR.Encoding)
	assert.Equal(t, 5, cfg.ASR.MaxReconnectAttempts)
	assert.Equal(t, 2*time.Second, cfg.ASR.ReconnectBaseDelay)
	assert.Equal(t, 60*time.Second, cfg.Analysis.Timeout)
	assert.Equal(t, 60*time.Minute, cfg.Sessions.IdleTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Sessions.SweepInterval)
	assert.Equal(t, 10, cfg.Sessions.ContextWindow)
	assert.Equal(t, 1000, cfg.Suggestions.QueueSize)
	assert.Equal(t, 20.0, cfg.RateLimit.MessagesPerSecond)
	assert.False(t, cfg.Auth.Enabled)
	assert.Empty(t, cfg.Auth.ArchiveRoles)
	assert.False(t, cfg.Database.Enabled)
	assert.False(t, cfg.KurrentDB.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "8080")
	t.Setenv("SESSION_IDLE_TIMEOUT", "30m")
	t.Setenv("ANALYSIS_API_TOKEN", "secret-token")
	t.Setenv("DB_ENABLED", "true")
	t.Setenv("AUTH_ARCHIVE_ROLES", "clinician, supervisor")

	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.IdleTimeout)
	assert.Equal(t, "secret-token", cfg.Analysis.APIToken)
	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, []string{"clinician", "supervisor"}, cfg.Auth.ArchiveRoles)
	assert.Equal(t, "host=localhost port=5432 user=assistant password=assistant dbname=assistant sslmode=disable", cfg.Database.DSN())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assistant.yaml")
	require.NoError(t, os.WriteFile(path, []byte("asr_url: ws://asr.internal/ws\nsuggestion_queue_size: 50\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SUGGESTION_QUEUE_SIZE", "75")

	cfg, err := LoadFrom(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "ws://asr.internal/ws", cfg.ASR.URL)
	assert.Equal(t, 75, cfg.Suggestions.QueueSize, "environment wins over the file")
}

func TestLoadFromMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := LoadFrom(viper.New())
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := LoadFrom(viper.New())
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"empty asr url", func(c *Config) { c.ASR.URL = "" }},
		{"negative reconnects", func(c *Config) { c.ASR.MaxReconnectAttempts = -1 }},
		{"zero idle timeout", func(c *Config) { c.Sessions.IdleTimeout = 0 }},
		{"zero sweep interval", func(c *Config) { c.Sessions.SweepInterval = 0 }},
		{"zero context window", func(c *Config) { c.Sessions.ContextWindow = 0 }},
		{"zero queue", func(c *Config) { c.Suggestions.QueueSize = 0 }},
		{"zero message rate", func(c *Config) { c.RateLimit.MessagesPerSecond = 0 }},
		{"auth without secret", func(c *Config) { c.Auth.Enabled = true; c.Auth.JWTSecret = "" }},
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
