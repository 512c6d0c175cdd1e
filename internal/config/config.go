package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	WorkerSocket         string        `envconfig:"WORKER_SOCKET"`
	WorkerReadyTimeout   time.Duration `envconfig:"WORKER_READY_TIMEOUT" default:"5s"`
	WorkerCommandTimeout time.Duration `envconfig:"WORKER_COMMAND_TIMEOUT" default:"30s"`
	WorkerDialTimeout    time.Duration `envconfig:"WORKER_DIAL_TIMEOUT" default:"10s"`

	QueueDBPath        string        `envconfig:"QUEUE_DB_PATH" default:"offline_sync.db"`
	QueueTTL           time.Duration `envconfig:"QUEUE_TTL" default:"168h"`
	QueueSweepInterval time.Duration `envconfig:"QUEUE_SWEEP_INTERVAL" default:"1h"`
	QueueMaxPages      int           `envconfig:"QUEUE_MAX_PAGES" default:"0"`

	BackgroundRetryEnabled bool `envconfig:"BACKGROUND_RETRY_ENABLED" default:"true"`
	RetryParallel          int  `envconfig:"RETRY_PARALLEL" default:"2"`

	ConnectivityProbeURL string        `envconfig:"CONNECTIVITY_PROBE_URL"`
	ConnectivityInterval time.Duration `envconfig:"CONNECTIVITY_INTERVAL" default:"30s"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"offline_sync"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.RetryParallel < 1 {
		return nil, fmt.Errorf("RETRY_PARALLEL must be at least 1, got %d", cfg.RetryParallel)
	}

	if cfg.QueueMaxPages < 0 {
		return nil, fmt.Errorf("QUEUE_MAX_PAGES must not be negative, got %d", cfg.QueueMaxPages)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
