package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"storykeep/internal/analytics"
	"storykeep/internal/config"
	"storykeep/internal/db"
)

const dbFileName = ".storykeep.db"

var (
	dbPath     string
	configPath string
	logLevel   string
	tenantFlag string

	cfg    = config.DefaultConfig()
	logger = slog.Default()
)

var rootCmd = &cobra.Command{
	Use:           "storykeep",
	Short:         "Story compositor tree and visitor analytics",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = os.Getenv("STORYKEEP_CONFIG")
		}
		loaded, err := config.Load(path)
		if err != nil {
			return err
		}
		if logLevel != "" {
			loaded.LogLevel = logLevel
		}
		if tenantFlag != "" {
			loaded.Tenant = tenantFlag
		}
		l, err := newLogger(os.Stderr, loaded.LogLevel)
		if err != nil {
			return err
		}
		cfg, logger = loaded, l
		slog.SetDefault(l)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to "+dbFileName+" database")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config (default $STORYKEEP_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&tenantFlag, "tenant", "", "Tenant id (default from config)")
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// DiscoverDB finds the database path using priority: env > flag > config > walk-up > XDG fallback
func DiscoverDB() (string, error) {
	if envPath := os.Getenv("STORYKEEP_DB"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
	}

	if dbPath != "" {
		if _, err := os.Stat(dbPath); err == nil {
			return dbPath, nil
		}
		return "", fmt.Errorf("database not found at --db path: %s", dbPath)
	}

	if cfg.DBPath != "" {
		if _, err := os.Stat(cfg.DBPath); err == nil {
			return cfg.DBPath, nil
		}
	}

	dir, err := os.Getwd()
	if err == nil {
		for {
			candidate := filepath.Join(dir, dbFileName)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	if xdgPath, ok := xdgDBPath(); ok {
		if _, err := os.Stat(xdgPath); err == nil {
			return xdgPath, nil
		}
	}

	return "", fmt.Errorf("no %s found (set STORYKEEP_DB, use --db, or run `storykeep db init`)", dbFileName)
}

func xdgDBPath() (string, bool) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	return filepath.Join(home, ".local", "share", "storykeep", "storykeep.db"), true
}

// OpenDatabase discovers and opens the database
func OpenDatabase() (*db.DB, error) {
	path, err := DiscoverDB()
	if err != nil {
		return nil, err
	}
	logger.Debug("opening database", "path", path)
	return db.OpenDB(path)
}

// openLocks returns the Redis lock backend when configured, otherwise
// in-process locks. The returned func releases the backend.
func openLocks() (analytics.LockManager, func(), error) {
	if cfg.RedisURL == "" {
		return analytics.NewMemoryLocks(cfg.Analytics.LockTTL, nil), func() {}, nil
	}
	r, err := analytics.NewRedisLocks(cfg.RedisURL, cfg.Analytics.LockTTL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting lock backend: %w", err)
	}
	return r, func() {
		if err := r.Close(); err != nil {
			logger.Warn("closing lock backend", "error", err)
		}
	}, nil
}

// tolerateBusy drops the errors that only mean another load got there first
func tolerateBusy(err error) error {
	if errors.Is(err, analytics.ErrThrottled) || errors.Is(err, analytics.ErrLockHeld) {
		logger.Info("analytics load skipped", "reason", err)
		return nil
	}
	return err
}
