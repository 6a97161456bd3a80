package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/italolelis/batch_downloader/internal/network"
)

// Config struct for environment variables.
type Config struct {
	DownloadDir       string        `envconfig:"DOWNLOAD_DIR" required:"true"`
	CacheDir          string        `envconfig:"CACHE_DIR"`
	DBPath            string        `envconfig:"DB_PATH" default:"downloads.db"`
	KeepDownloadedFor time.Duration `envconfig:"KEEP_DOWNLOADED_FOR" default:"0"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"10m"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFormat         string        `envconfig:"LOG_FORMAT" default:"json"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`

	PutioBaseURL string `envconfig:"PUTIO_BASE_URL"`
	PutioToken   string `envconfig:"PUTIO_TOKEN"`

	Transfer struct {
		PassInterval    time.Duration `split_words:"true" default:"1s"`
		MaxRedirects    int           `split_words:"true" default:"5"`
		MaxRetries      int           `split_words:"true" default:"5"`
		BaseRetryDelay  time.Duration `split_words:"true" default:"30s"`
		UserAgent       string        `split_words:"true" default:"batch-downloader/1.0"`
		ConnectTimeout  time.Duration `split_words:"true" default:"30s"`
		ReserveBytes    int64         `split_words:"true" default:"0"`
		ProgressEvery   time.Duration `split_words:"true" default:"1s"`
		ResponseTimeout time.Duration `split_words:"true" default:"60s"`
	}

	Network struct {
		Type                          string        `split_words:"true" default:"ethernet"`
		Roaming                       bool          `split_words:"true"`
		Metered                       bool          `split_words:"true"`
		MaxBytesOverMobile            int64         `split_words:"true"`
		RecommendedMaxBytesOverMobile int64         `split_words:"true"`
		ProbeAddress                  string        `split_words:"true"`
		ProbeInterval                 time.Duration `split_words:"true" default:"30s"`
	}

	Scanner struct {
		ArrBaseURL string `split_words:"true"`
		ArrAPIKey  string `split_words:"true"`
	}

	Policy struct {
		MaxBatchBytes int64  `split_words:"true"`
		WebhookURL    string `split_words:"true"`
	}

	Telemetry struct {
		Enabled        bool          `split_words:"true" default:"true"`
		ServiceName    string        `split_words:"true" default:"batch_downloader"`
		OTLPEndpoint   string        `envconfig:"OTLP_ENDPOINT"`
		OTLPInsecure   bool          `envconfig:"OTLP_INSECURE" default:"true"`
		ExportInterval time.Duration `split_words:"true" default:"30s"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9091"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads an optional .env file, then environment variables, and
// validates the result.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	if _, err := network.ParseType(c.Network.Type); err != nil {
		return err
	}

	if c.Transfer.MaxRedirects < 0 {
		return errors.New("TRANSFER_MAX_REDIRECTS must not be negative")
	}

	if c.Transfer.MaxRetries < 1 {
		return errors.New("TRANSFER_MAX_RETRIES must be at least 1")
	}

	if c.Transfer.PassInterval <= 0 {
		return errors.New("TRANSFER_PASS_INTERVAL must be positive")
	}

	if c.Scanner.ArrBaseURL != "" && c.Scanner.ArrAPIKey == "" {
		return errors.New("SCANNER_ARR_API_KEY is required when SCANNER_ARR_BASE_URL is set")
	}

	if c.Web.Username != "" && c.Web.Password == "" {
		return errors.New("WEB_PASSWORD is required when WEB_USERNAME is set")
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}

	return nil
}

// NetworkType returns the configured network type. Validate has already
// rejected unknown names.
func (c *Config) NetworkType() network.Type {
	t, _ := network.ParseType(c.Network.Type)

	return t
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
