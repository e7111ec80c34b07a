package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/fieldsync/core/internal/errors"
	"github.com/fieldsync/core/internal/logging"
	"github.com/fieldsync/core/internal/models"
)

// TestLoad_Defaults verifies the documented defaults.
func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Empty(t, cfg.ServerURL)
	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "cache"), cfg.CacheDir)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 100, cfg.Sync.PageSize)
	assert.Equal(t, 3, cfg.Sync.MaxAttempts)
	assert.Equal(t, []time.Duration{time.Second, 3 * time.Second, 10 * time.Second}, cfg.Sync.RetryDelays)
	assert.Equal(t, 30*time.Second, cfg.Sync.HealthInterval)
	assert.Equal(t, 5*time.Minute, cfg.Sync.PeriodicInterval)
	assert.Equal(t, 30*time.Second, cfg.Sync.HTTPTimeout)
	assert.Equal(t, "local_wins", cfg.Sync.MitigationStrategy)
}

// TestLoad_EnvOverrides verifies FIELDSYNC_ variables win over defaults.
func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FIELDSYNC_SERVER_URL", "https://sync.example.com")
	t.Setenv("FIELDSYNC_SYNC_PAGE_SIZE", "25")
	t.Setenv("FIELDSYNC_SYNC_RETRY_DELAYS", "2s,4s")
	t.Setenv("FIELDSYNC_SYNC_MITIGATION_STRATEGY", "merge")
	t.Setenv("FIELDSYNC_LOG_LEVEL", "debug")
	t.Setenv("FIELDSYNC_AUTH_TOKEN", "secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://sync.example.com", cfg.ServerURL)
	assert.Equal(t, 25, cfg.Sync.PageSize)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, cfg.Sync.RetryDelays)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "secret", cfg.AuthToken)

	s, err := cfg.MitigationStrategy()
	require.NoError(t, err)
	assert.Equal(t, models.StrategyMerge, s)
	assert.NoError(t, cfg.Validate())
}

// TestLoad_DotEnvAndConfigFile verifies .env loading and YAML files.
func TestLoad_DotEnvAndConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	// Registered so the variable set by .env is removed after the test.
	t.Setenv("FIELDSYNC_DATA_DIR", "")
	require.NoError(t, os.Unsetenv("FIELDSYNC_DATA_DIR"))
	require.NoError(t, os.WriteFile(".env", []byte("FIELDSYNC_DATA_DIR=/var/lib/fieldsync\n"), 0o600))

	file := filepath.Join(dir, "fieldsync.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
server_url: http://localhost:8080
sync:
  page_size: 50
  health_interval: 10s
log:
  file: /tmp/fieldsync.log
`), 0o600))

	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.ServerURL)
	assert.Equal(t, "/var/lib/fieldsync", cfg.DataDir)
	assert.Equal(t, filepath.Join("/var/lib/fieldsync", "cache"), cfg.CacheDir)
	assert.Equal(t, 50, cfg.Sync.PageSize)
	assert.Equal(t, 10*time.Second, cfg.Sync.HealthInterval)
	assert.Equal(t, "/tmp/fieldsync.log", cfg.Log.File)
}

// TestLoad_MissingConfigFile fails on an unreadable file.
func TestLoad_MissingConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

// TestLoad_InvalidRetryDelays rejects unparsable durations.
func TestLoad_InvalidRetryDelays(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("FIELDSYNC_SYNC_RETRY_DELAYS", "1s,soon")

	_, err := Load("")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))
}

// TestConfig_Validate covers each rejected setting.
func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			ServerURL: "https://sync.example.com",
			DataDir:   "/data",
			Sync: SyncConfig{
				PageSize:           100,
				MaxAttempts:        3,
				HealthInterval:     30 * time.Second,
				PeriodicInterval:   5 * time.Minute,
				MitigationStrategy: "local_wins",
			},
		}
	}

	tests := []struct {
		name     string
		mutate   func(*Config)
		wantCode apperrors.ErrorCode
	}{
		{"valid", func(*Config) {}, ""},
		{"missing server", func(c *Config) { c.ServerURL = "" }, apperrors.ErrSyncNotConfigured},
		{"server without scheme", func(c *Config) { c.ServerURL = "sync.example.com" }, apperrors.ErrValidation},
		{"missing data dir", func(c *Config) { c.DataDir = "" }, apperrors.ErrValidation},
		{"zero page size", func(c *Config) { c.Sync.PageSize = 0 }, apperrors.ErrValidation},
		{"negative attempts", func(c *Config) { c.Sync.MaxAttempts = -1 }, apperrors.ErrValidation},
		{"zero health interval", func(c *Config) { c.Sync.HealthInterval = 0 }, apperrors.ErrValidation},
		{"server wins for mitigation", func(c *Config) { c.Sync.MitigationStrategy = "server_wins" }, apperrors.ErrValidation},
		{"unknown strategy", func(c *Config) { c.Sync.MitigationStrategy = "newest" }, apperrors.ErrValidation},
		{"merge for mitigation", func(c *Config) { c.Sync.MitigationStrategy = "merge" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantCode == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, apperrors.CodeOf(err))
		})
	}
}

// TestConfig_LoggingConfig maps log settings.
func TestConfig_LoggingConfig(t *testing.T) {
	cfg := &Config{Log: LogConfig{Level: "warn", File: "/tmp/x.log"}}
	lc := cfg.LoggingConfig()
	assert.Equal(t, logging.ParseLevel("warn"), lc.Level)
	assert.Equal(t, "/tmp/x.log", lc.File)
}
