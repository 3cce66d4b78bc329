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
	Endpoint string `envconfig:"HUB_ENDPOINT" default:"https://huggingface.co"`
	Token    string `envconfig:"HUB_TOKEN"`

	CacheDir string `envconfig:"CACHE_DIR" required:"true"`

	RequestsPerSecond float64 `envconfig:"REQUESTS_PER_SECOND" default:"10"`
	RequestBurst      int     `envconfig:"REQUEST_BURST" default:"10"`

	MaxAttempts       int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	BackoffBase       time.Duration `envconfig:"BACKOFF_BASE" default:"500ms"`
	BackoffMultiplier float64       `envconfig:"BACKOFF_MULTIPLIER" default:"2.0"`
	BackoffMax        time.Duration `envconfig:"BACKOFF_MAX" default:"30s"`
	BackoffJitter     bool          `envconfig:"BACKOFF_JITTER" default:"true"`

	ChunkSize      int  `envconfig:"CHUNK_SIZE" default:"1048576"`
	ResumeEnabled  bool `envconfig:"RESUME_ENABLED" default:"true"`
	VerifyChecksum bool `envconfig:"VERIFY_CHECKSUM" default:"true"`
	MaxParallel    int  `envconfig:"MAX_PARALLEL" default:"4"`

	ResponseHeaderTimeout time.Duration `envconfig:"RESPONSE_HEADER_TIMEOUT" default:"30s"`

	PartialMaxAge   time.Duration `envconfig:"PARTIAL_MAX_AGE" default:"24h"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	LogLevel   string `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath     string `envconfig:"DB_PATH" default:"downloads.db"`
	WebhookURL string `envconfig:"WEBHOOK_URL"`

	Telemetry struct {
		Enabled bool `split_words:"true" default:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8090"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"10m"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
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
