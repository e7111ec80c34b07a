// Package config loads client settings from defaults, an optional config
// file, a .env file and FIELDSYNC_ environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "github.com/fieldsync/core/internal/errors"
	"github.com/fieldsync/core/internal/logging"
	"github.com/fieldsync/core/internal/models"
)

// EnvPrefix prefixes every environment override, e.g. FIELDSYNC_SERVER_URL
// or FIELDSYNC_SYNC_PAGE_SIZE.
const EnvPrefix = "FIELDSYNC"

const (
	defaultDataDir            = ".fieldsync"
	defaultLogLevel           = "info"
	defaultPageSize           = 100
	defaultMaxAttempts        = 3
	defaultHealthInterval     = 30 * time.Second
	defaultPeriodicInterval   = 5 * time.Minute
	defaultHTTPTimeout        = 30 * time.Second
	defaultMitigationStrategy = "local_wins"
)

var defaultRetryDelays = []string{"1s", "3s", "10s"}

// Config holds the client settings.
type Config struct {
	ServerURL string
	DataDir   string
	CacheDir  string
	AuthToken string

	Log       LogConfig
	Telemetry TelemetryConfig
	Sync      SyncConfig
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string
	File  string
}

// TelemetryConfig toggles span and metric export.
type TelemetryConfig struct {
	Enabled bool
}

// SyncConfig tunes the sync engine and scheduler.
type SyncConfig struct {
	PageSize           int
	MaxAttempts        int
	RetryDelays        []time.Duration
	HealthInterval     time.Duration
	PeriodicInterval   time.Duration
	HTTPTimeout        time.Duration
	MitigationStrategy string
}

// Load reads the configuration. configFile may be empty; a .env file in
// the working directory is loaded when present.
func Load(configFile string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			logging.Warn("Failed to load .env file", map[string]interface{}{"error": err.Error()})
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("failed to read config file %s", configFile), err)
		}
	}

	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	v.SetDefault("server_url", "")
	v.SetDefault("data_dir", filepath.Join(homeDir, defaultDataDir))
	v.SetDefault("cache_dir", "")
	v.SetDefault("auth.token", "")
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.file", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("sync.page_size", defaultPageSize)
	v.SetDefault("sync.max_attempts", defaultMaxAttempts)
	v.SetDefault("sync.retry_delays", defaultRetryDelays)
	v.SetDefault("sync.health_interval", defaultHealthInterval)
	v.SetDefault("sync.periodic_interval", defaultPeriodicInterval)
	v.SetDefault("sync.http_timeout", defaultHTTPTimeout)
	v.SetDefault("sync.mitigation_strategy", defaultMitigationStrategy)
}

func fromViper(v *viper.Viper) (*Config, error) {
	delays, err := parseDelays(v.GetStringSlice("sync.retry_delays"))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid sync.retry_delays", err)
	}

	cfg := &Config{
		ServerURL: strings.TrimSpace(v.GetString("server_url")),
		DataDir:   v.GetString("data_dir"),
		CacheDir:  v.GetString("cache_dir"),
		AuthToken: v.GetString("auth.token"),
		Log: LogConfig{
			Level: v.GetString("log.level"),
			File:  v.GetString("log.file"),
		},
		Telemetry: TelemetryConfig{
			Enabled: v.GetBool("telemetry.enabled"),
		},
		Sync: SyncConfig{
			PageSize:           v.GetInt("sync.page_size"),
			MaxAttempts:        v.GetInt("sync.max_attempts"),
			RetryDelays:        delays,
			HealthInterval:     v.GetDuration("sync.health_interval"),
			PeriodicInterval:   v.GetDuration("sync.periodic_interval"),
			HTTPTimeout:        v.GetDuration("sync.http_timeout"),
			MitigationStrategy: v.GetString("sync.mitigation_strategy"),
		},
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = filepath.Join(cfg.DataDir, "cache")
	}
	return cfg, nil
}

// parseDelays accepts a list of durations. A single entry may hold a
// comma-separated list, which is how environment variables arrive.
func parseDelays(raw []string) ([]time.Duration, error) {
	var parts []string
	for _, r := range raw {
		for _, p := range strings.Split(r, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
	}

	delays := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(p)
		if err != nil {
			return nil, err
		}
		if d < 0 {
			return nil, fmt.Errorf("negative delay %s", p)
		}
		delays = append(delays, d)
	}
	return delays, nil
}

// Validate checks the settings the sync core cannot run without.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return apperrors.New(apperrors.ErrSyncNotConfigured, "server_url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return apperrors.New(apperrors.ErrValidation, fmt.Sprintf("server_url %q is not an http(s) URL", c.ServerURL))
	}
	if c.DataDir == "" {
		return apperrors.New(apperrors.ErrValidation, "data_dir is required")
	}
	if c.Sync.PageSize <= 0 {
		return apperrors.New(apperrors.ErrValidation, "sync.page_size must be positive")
	}
	if c.Sync.MaxAttempts < 0 {
		return apperrors.New(apperrors.ErrValidation, "sync.max_attempts must not be negative")
	}
	if c.Sync.HealthInterval <= 0 || c.Sync.PeriodicInterval <= 0 {
		return apperrors.New(apperrors.ErrValidation, "sync intervals must be positive")
	}
	if _, err := c.MitigationStrategy(); err != nil {
		return err
	}
	return nil
}

// MitigationStrategy returns the automatic strategy for hazard and
// control conflicts.
func (c *Config) MitigationStrategy() (models.Strategy, error) {
	s, err := models.ParseStrategy(c.Sync.MitigationStrategy)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrValidation, "invalid sync.mitigation_strategy", err)
	}
	if s != models.StrategyLocalWins && s != models.StrategyMerge {
		return "", apperrors.New(apperrors.ErrValidation, "sync.mitigation_strategy must be local_wins or merge")
	}
	return s, nil
}

// LoggingConfig converts the log settings for logging.Init.
func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level: logging.ParseLevel(c.Log.Level),
		File:  c.Log.File,
	}
}
