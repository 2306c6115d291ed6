package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"storykeep/internal/analytics"
	"storykeep/internal/compositor"
)

// Config is the on-disk and environment configuration of storykeep
type Config struct {
	DBPath   string `yaml:"db_path"`
	RedisURL string `yaml:"redis_url"`
	LogLevel string `yaml:"log_level"`
	Tenant   string `yaml:"tenant"`

	Compositor CompositorConfig `yaml:"compositor"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
}

// CompositorConfig controls the node store
type CompositorConfig struct {
	HistoryLimit int `yaml:"history_limit"`
}

// AnalyticsConfig controls the hourly loaders
type AnalyticsConfig struct {
	CacheTTL            time.Duration `yaml:"cache_ttl"`
	LoadThrottle        time.Duration `yaml:"load_throttle"`
	ComputationThrottle time.Duration `yaml:"computation_throttle"`
	LockTTL             time.Duration `yaml:"lock_ttl"`
	ChunkHours          int           `yaml:"chunk_hours"`
	MaxNodes            int           `yaml:"max_nodes"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() Config {
	a := analytics.DefaultConfig()
	return Config{
		LogLevel:   "info",
		Tenant:     "default",
		Compositor: CompositorConfig{HistoryLimit: compositor.DefaultHistoryLimit},
		Analytics: AnalyticsConfig{
			CacheTTL:            a.CacheTTL,
			LoadThrottle:        a.LoadThrottle,
			ComputationThrottle: a.ComputationThrottle,
			LockTTL:             a.LockTTL,
			ChunkHours:          a.ChunkHours,
			MaxNodes:            a.MaxNodes,
		},
	}
}

// Load reads defaults, then path (if it exists), then STORYKEEP_* variables.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	c.DBPath = getEnvString("STORYKEEP_DB", c.DBPath)
	c.RedisURL = getEnvString("STORYKEEP_REDIS_URL", c.RedisURL)
	c.LogLevel = getEnvString("STORYKEEP_LOG_LEVEL", c.LogLevel)
	c.Tenant = getEnvString("STORYKEEP_TENANT", c.Tenant)

	var err error
	if c.Compositor.HistoryLimit, err = getEnvInt("STORYKEEP_HISTORY_LIMIT", c.Compositor.HistoryLimit); err != nil {
		return err
	}
	if c.Analytics.CacheTTL, err = getEnvDuration("STORYKEEP_CACHE_TTL", c.Analytics.CacheTTL); err != nil {
		return err
	}
	if c.Analytics.LoadThrottle, err = getEnvDuration("STORYKEEP_LOAD_THROTTLE", c.Analytics.LoadThrottle); err != nil {
		return err
	}
	if c.Analytics.LockTTL, err = getEnvDuration("STORYKEEP_LOCK_TTL", c.Analytics.LockTTL); err != nil {
		return err
	}
	return nil
}

// Validate rejects values the loaders cannot run with
func (c Config) Validate() error {
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Tenant == "" {
		return errors.New("tenant must not be empty")
	}
	if c.Compositor.HistoryLimit < 0 {
		return fmt.Errorf("history_limit must be >= 0, got %d", c.Compositor.HistoryLimit)
	}
	if c.Analytics.ChunkHours < 0 || c.Analytics.ChunkHours > analytics.MaxAnalyticsHours {
		return fmt.Errorf("chunk_hours must be between 0 and %d, got %d", analytics.MaxAnalyticsHours, c.Analytics.ChunkHours)
	}
	return nil
}

// AnalyticsLoaderConfig converts the file settings into loader tunables
func (c Config) AnalyticsLoaderConfig(logger *slog.Logger) analytics.Config {
	a := analytics.DefaultConfig()
	a.CacheTTL = c.Analytics.CacheTTL
	a.LoadThrottle = c.Analytics.LoadThrottle
	a.ComputationThrottle = c.Analytics.ComputationThrottle
	a.LockTTL = c.Analytics.LockTTL
	a.ChunkHours = c.Analytics.ChunkHours
	a.MaxNodes = c.Analytics.MaxNodes
	if logger != nil {
		a.Logger = logger
	}
	return a
}

// CompositorStoreConfig converts the file settings into store options
func (c Config) CompositorStoreConfig(logger *slog.Logger) compositor.Config {
	cfg := compositor.DefaultConfig()
	if c.Compositor.HistoryLimit > 0 {
		cfg.HistoryLimit = c.Compositor.HistoryLimit
	}
	cfg.Logger = logger
	return cfg
}

// ParseLevel maps debug|info|warn|error to a slog level
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

func getEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
