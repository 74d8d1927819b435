package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          int
	DataDir       string
	SourceMount   string
	TempDir       string
	WrapperScript string
	ExecPath      string
	StorageDriver string

	CancelGrace     time.Duration
	PollInterval    time.Duration
	ShutdownTimeout time.Duration

	HistoryRetentionDays int
	RetentionSchedule    string

	Log LogConfig
}

type LogConfig struct {
	Level      string
	Format     string // text or json
	Output     string // stdout or file
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

const (
	StorageSQLite = "sqlite"
	StorageJSON   = "json"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8000)
	v.SetDefault("data_dir", "/app/data")
	v.SetDefault("source_mount", "/videos")
	v.SetDefault("temp_dir", "/app/temp")
	v.SetDefault("wrapper_script", "/app/scripts/conversion_wrapper.sh")
	v.SetDefault("exec_path", "/usr/bin:/bin:/usr/local/bin")
	v.SetDefault("storage_driver", StorageSQLite)

	v.SetDefault("cancel_grace", "500ms")
	v.SetDefault("poll_interval", "1s")
	v.SetDefault("shutdown_timeout", "30s")

	v.SetDefault("history_retention_days", 0)
	v.SetDefault("retention_schedule", "@hourly")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("log_output", "stdout")
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size_mb", 100)
	v.SetDefault("log_max_backups", 3)
	v.SetDefault("log_max_age_days", 28)
}

// Load reads configuration from the optional YAML file at path and from
// environment variables (PORT, DATA_DIR, ...), which take precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	cfg := &Config{
		Port:                 v.GetInt("port"),
		DataDir:              v.GetString("data_dir"),
		SourceMount:          v.GetString("source_mount"),
		TempDir:              v.GetString("temp_dir"),
		WrapperScript:        v.GetString("wrapper_script"),
		ExecPath:             v.GetString("exec_path"),
		StorageDriver:        strings.ToLower(v.GetString("storage_driver")),
		CancelGrace:          v.GetDuration("cancel_grace"),
		PollInterval:         v.GetDuration("poll_interval"),
		ShutdownTimeout:      v.GetDuration("shutdown_timeout"),
		HistoryRetentionDays: v.GetInt("history_retention_days"),
		RetentionSchedule:    v.GetString("retention_schedule"),
		Log: LogConfig{
			Level:      strings.ToLower(v.GetString("log_level")),
			Format:     strings.ToLower(v.GetString("log_format")),
			Output:     strings.ToLower(v.GetString("log_output")),
			File:       v.GetString("log_file"),
			MaxSizeMB:  v.GetInt("log_max_size_mb"),
			MaxBackups: v.GetInt("log_max_backups"),
			MaxAgeDays: v.GetInt("log_max_age_days"),
		},
	}
	if cfg.Log.File == "" {
		cfg.Log.File = filepath.Join(cfg.DataDir, "logs", "reencode.log")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	switch c.StorageDriver {
	case StorageSQLite, StorageJSON:
	default:
		return fmt.Errorf("invalid STORAGE_DRIVER: %q", c.StorageDriver)
	}
	if !filepath.IsAbs(c.SourceMount) {
		return fmt.Errorf("SOURCE_MOUNT must be absolute: %q", c.SourceMount)
	}
	if c.WrapperScript == "" {
		return fmt.Errorf("WRAPPER_SCRIPT is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("invalid POLL_INTERVAL: %s", c.PollInterval)
	}
	if c.CancelGrace < 0 {
		return fmt.Errorf("invalid CANCEL_GRACE: %s", c.CancelGrace)
	}
	if c.HistoryRetentionDays < 0 {
		return fmt.Errorf("invalid HISTORY_RETENTION_DAYS: %d", c.HistoryRetentionDays)
	}
	return nil
}
