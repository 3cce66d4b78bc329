package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("CACHE_DIR", "/var/cache/hubfetch")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "https://huggingface.co", cfg.Endpoint)
	assert.Equal(t, "/var/cache/hubfetch", cfg.CacheDir)
	assert.Equal(t, 10.0, cfg.RequestsPerSecond)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.BackoffBase)
	assert.True(t, cfg.BackoffJitter)
	assert.Equal(t, 1048576, cfg.ChunkSize)
	assert.Equal(t, 4, cfg.MaxParallel)
	assert.Equal(t, 24*time.Hour, cfg.PartialMaxAge)
	assert.Equal(t, "0.0.0.0:8090", cfg.Web.BindAddress)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("CACHE_DIR", "/tmp/cache")
	t.Setenv("HUB_ENDPOINT", "https://hub.internal")
	t.Setenv("MAX_PARALLEL", "16")
	t.Setenv("RESUME_ENABLED", "false")
	t.Setenv("WEB_BIND_ADDRESS", "127.0.0.1:9000")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "https://hub.internal", cfg.Endpoint)
	assert.Equal(t, 16, cfg.MaxParallel)
	assert.False(t, cfg.ResumeEnabled)
	assert.Equal(t, "127.0.0.1:9000", cfg.Web.BindAddress)
}

func TestLoadConfig_MissingCacheDir(t *testing.T) {
	_, err := LoadConfig()
	require.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		cfg := Config{LogLevel: tt.raw}
		assert.Equal(t, tt.want, cfg.SlogLevel(), tt.raw)
	}
}
