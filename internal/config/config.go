// Package config loads fieldsync settings.
//
// Sources are applied in order, later ones winning: built-in defaults, the
// global file ~/.fieldsync/config.yaml, the project file
// .fieldsync/config.yaml, an explicit --config file, then FIELDSYNC_*
// environment variables (section.key becomes FIELDSYNC_SECTION_KEY). A .env
// file in the working directory is loaded into the environment first.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DirName is the per-user and per-project settings directory.
const DirName = ".fieldsync"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FIELDSYNC"

// Config is the full settings tree.
type Config struct {
	Device    DeviceConfig    `mapstructure:"device" yaml:"device"`
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue"`
	Sync      SyncConfig      `mapstructure:"sync" yaml:"sync"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// DeviceConfig identifies this device and its user.
type DeviceConfig struct {
	ID    string `mapstructure:"id" yaml:"id"`
	Actor string `mapstructure:"actor" yaml:"actor"`
}

// QueueConfig configures the local change queue.
type QueueConfig struct {
	Path        string        `mapstructure:"path" yaml:"path"`
	BackoffMin  time.Duration `mapstructure:"backoff_min" yaml:"backoff_min"`
	BackoffMax  time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
}

// SyncConfig configures the sync scheduler.
type SyncConfig struct {
	Endpoint       string        `mapstructure:"endpoint" yaml:"endpoint"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
	SpoolDir       string        `mapstructure:"spool_dir" yaml:"spool_dir"`
	Deferred       bool          `mapstructure:"deferred" yaml:"deferred"`
}

// ServerConfig configures the reference server.
type ServerConfig struct {
	Addr             string   `mapstructure:"addr" yaml:"addr"`
	DBPath           string   `mapstructure:"db_path" yaml:"db_path"`
	AuditDBPath      string   `mapstructure:"audit_db_path" yaml:"audit_db_path"`
	AuditDatabaseURL string   `mapstructure:"audit_database_url" yaml:"audit_database_url"`
	Roles            []string `mapstructure:"roles" yaml:"roles"`
}

// DashboardConfig configures the WebSocket dashboard.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// LogConfig configures log output. An empty File logs to stderr.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

// Options controls where Load looks.
type Options struct {
	// Home overrides the user's home directory
	Home string
	// WorkDir overrides the working directory
	WorkDir string
	// File is an explicit config file (--config); it must exist
	File string
}

// Load builds the configuration from all sources.
func Load(opts Options) (*Config, error) {
	if opts.Home == "" {
		opts.Home, _ = os.UserHomeDir()
	}
	if opts.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		opts.WorkDir = wd
	}

	envFile := filepath.Join(opts.WorkDir, ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v, opts)

	var files []string
	if opts.Home != "" {
		files = append(files, GlobalPath(opts.Home))
	}
	files = append(files, ProjectPath(opts.WorkDir))
	for _, path := range files {
		if err := mergeFile(v, path, false); err != nil {
			return nil, err
		}
	}
	if opts.File != "" {
		if err := mergeFile(v, opts.File, true); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeFile(v *viper.Viper, path string, required bool) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings no component could run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Queue.BackoffMin <= 0 {
		errs = append(errs, fmt.Errorf("queue.backoff_min must be positive"))
	}
	if c.Queue.BackoffMax < c.Queue.BackoffMin {
		errs = append(errs, fmt.Errorf("queue.backoff_max must be at least queue.backoff_min"))
	}
	if c.Queue.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("queue.max_attempts must not be negative"))
	}
	if c.Sync.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("sync.poll_interval must be positive"))
	}
	if c.Sync.AttemptTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sync.attempt_timeout must be positive"))
	}
	if c.Sync.Endpoint == "" {
		errs = append(errs, fmt.Errorf("sync.endpoint is required"))
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// GlobalPath returns the per-user config file under home.
func GlobalPath(home string) string {
	return filepath.Join(home, DirName, "config.yaml")
}

// ProjectPath returns the project config file under dir.
func ProjectPath(dir string) string {
	return filepath.Join(dir, DirName, "config.yaml")
}
