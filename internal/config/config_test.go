package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/batch_downloader/internal/network"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DOWNLOAD_DIR", "/data/downloads")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "/data/downloads", cfg.DownloadDir)
	assert.Equal(t, "downloads.db", cfg.DBPath)
	assert.Equal(t, time.Second, cfg.Transfer.PassInterval)
	assert.Equal(t, 5, cfg.Transfer.MaxRedirects)
	assert.Equal(t, 5, cfg.Transfer.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Transfer.BaseRetryDelay)
	assert.Equal(t, network.TypeEthernet, cfg.NetworkType())
	assert.Equal(t, "0.0.0.0:9091", cfg.Web.BindAddress)
	assert.True(t, cfg.Telemetry.Enabled)
}

func TestLoadConfigNestedOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DOWNLOAD_DIR", "/data/downloads")
	t.Setenv("NETWORK_TYPE", "mobile")
	t.Setenv("NETWORK_MAX_BYTES_OVER_MOBILE", "1000")
	t.Setenv("TRANSFER_MAX_REDIRECTS", "2")
	t.Setenv("TELEMETRY_OTLP_ENDPOINT", "collector:4317")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, network.TypeMobile, cfg.NetworkType())
	assert.Equal(t, int64(1000), cfg.Network.MaxBytesOverMobile)
	assert.Equal(t, 2, cfg.Transfer.MaxRedirects)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
}

func TestLoadConfigRequiresDownloadDir(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{LogFormat: "json"}
		cfg.Network.Type = "wifi"
		cfg.Transfer.MaxRetries = 5
		cfg.Transfer.PassInterval = time.Second

		return cfg
	}

	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.Network.Type = "satellite"
	require.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Transfer.MaxRetries = 0
	require.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Scanner.ArrBaseURL = "http://sonarr:8989"
	require.Error(t, cfg.Validate())

	cfg = valid()
	cfg.Web.Username = "admin"
	require.Error(t, cfg.Validate())

	cfg = valid()
	cfg.LogFormat = "xml"
	require.Error(t, cfg.Validate())
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, (&Config{LogLevel: "debug"}).SlogLevel())
	assert.Equal(t, slog.LevelWarn, (&Config{LogLevel: "WARN"}).SlogLevel())
	assert.Equal(t, slog.LevelInfo, (&Config{LogLevel: "nonsense"}).SlogLevel())
}
