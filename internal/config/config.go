package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DownloadDir            string        `envconfig:"DOWNLOAD_DIR" required:"true"`
	TempDir                string        `envconfig:"TEMP_DIR"`
	ResumeDataDir          string        `envconfig:"RESUME_DATA_DIR"`
	DBPath                 string        `envconfig:"DB_PATH" default:"downloads.db"`
	MaxParallel            int           `envconfig:"MAX_PARALLEL" default:"2"`
	LogLevel               string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL      string        `envconfig:"DISCORD_WEBHOOK_URL"`
	CleanupInterval        time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	KeepPartialFor         time.Duration `envconfig:"KEEP_PARTIAL_FOR" default:"72h"`
	ProgressSampleInterval time.Duration `envconfig:"PROGRESS_SAMPLE_INTERVAL" default:"1s"`
	UserAgent              string        `envconfig:"USER_AGENT" default:"zim-downloader"`

	API struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"` // SSE streams stay open
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled      bool          `default:"true"`
		ServiceName  string        `split_words:"true" default:"zim-downloader"`
		OTLPEndpoint string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInterval time.Duration `envconfig:"OTLP_INTERVAL" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
// Partial transfers and resume data default to hidden directories next to the
// archives so they share a filesystem with them.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.DownloadDir == "" {
		return nil, fmt.Errorf("DOWNLOAD_DIR must not be empty")
	}

	if cfg.TempDir == "" {
		cfg.TempDir = filepath.Join(cfg.DownloadDir, ".partial")
	}

	if cfg.ResumeDataDir == "" {
		cfg.ResumeDataDir = filepath.Join(cfg.DownloadDir, ".resume")
	}

	if cfg.MaxParallel < 1 {
		return nil, fmt.Errorf("MAX_PARALLEL must be at least 1, got %d", cfg.MaxParallel)
	}

	return &cfg, nil
}

// AuthEnabled reports whether the API requires basic auth.
func (c *Config) AuthEnabled() bool {
	return c.API.Username != "" && c.API.Password != ""
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
