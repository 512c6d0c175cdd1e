package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Empty(t, cfg.WorkerSocket)
	assert.Equal(t, 5*time.Second, cfg.WorkerReadyTimeout)
	assert.Equal(t, 30*time.Second, cfg.WorkerCommandTimeout)
	assert.Equal(t, 10*time.Second, cfg.WorkerDialTimeout)
	assert.Equal(t, 168*time.Hour, cfg.QueueTTL)
	assert.Equal(t, time.Hour, cfg.QueueSweepInterval)
	assert.Zero(t, cfg.QueueMaxPages)
	assert.True(t, cfg.BackgroundRetryEnabled)
	assert.Equal(t, 2, cfg.RetryParallel)
	assert.Equal(t, 30*time.Second, cfg.ConnectivityInterval)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "offline_sync", cfg.Telemetry.ServiceName)
	assert.Equal(t, "0.0.0.0:9091", cfg.Web.BindAddress)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("WORKER_SOCKET", "/run/worker.sock")
	t.Setenv("QUEUE_TTL", "24h")
	t.Setenv("BACKGROUND_RETRY_ENABLED", "false")
	t.Setenv("TELEMETRY_ENABLED", "false")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("WEB_USERNAME", "reader")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/run/worker.sock", cfg.WorkerSocket)
	assert.Equal(t, 24*time.Hour, cfg.QueueTTL)
	assert.False(t, cfg.BackgroundRetryEnabled)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, "reader", cfg.Web.Username)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "bad duration", key: "QUEUE_TTL", val: "soon"},
		{name: "no parallelism", key: "RETRY_PARALLEL", val: "0"},
		{name: "negative quota", key: "QUEUE_MAX_PAGES", val: "-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)

			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"Warn":  slog.LevelWarn,
		"ERROR": slog.LevelError,
		"loud":  slog.LevelInfo,
	}

	for in, want := range tests {
		cfg := Config{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}
