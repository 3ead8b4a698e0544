package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds daemon configuration.
type Config struct {
	Watch     WatchConfig
	Database  DatabaseConfig
	Artifacts ArtifactsConfig
	Batch     BatchConfig
	Reconcile ReconcileConfig
	Sync      SyncConfig
	Log       LogConfig
}

// WatchConfig holds the directories the controller operates on.
type WatchConfig struct {
	SourceDir    string `mapstructure:"source_dir"`
	WorkDir      string `mapstructure:"work_dir"`
	ResetOnStart bool   `mapstructure:"reset_on_start"`
}

// DatabaseConfig holds sqlite settings.
type DatabaseConfig struct {
	Path string
}

// ArtifactsConfig holds paths for the published tabular files. Target is the
// read-only quota dataset; the other three are produced by the pipeline.
type ArtifactsConfig struct {
	Ledger  string
	Report  string
	History string
	Target  string
}

// BatchConfig holds batching and polling thresholds.
type BatchConfig struct {
	Size         int           `mapstructure:"size"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ReconcileConfig holds reconciliation tuning.
type ReconcileConfig struct {
	ShortageThreshold float64 `mapstructure:"shortage_threshold"`
}

// SyncConfig describes the external batch-sync command. An empty command
// disables syncing.
type SyncConfig struct {
	Command string
	Args    []string
	Dir     string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
}

// Load reads configuration from file and env. Env var overrides use prefix FLOATWATCH_.
func Load() (Config, error) {
	v := viper.New()

	dataDir := filepath.Join(os.Getenv("HOME"), ".local", "share", "floatwatch")

	// default values
	v.SetDefault("watch.source_dir", filepath.Join(dataDir, "incoming"))
	v.SetDefault("watch.work_dir", filepath.Join(dataDir, "data"))
	v.SetDefault("watch.reset_on_start", true)
	v.SetDefault("database.path", filepath.Join(dataDir, "floatwatch.db"))
	v.SetDefault("artifacts.ledger", filepath.Join(dataDir, "summary.csv"))
	v.SetDefault("artifacts.report", filepath.Join(dataDir, "reconciliation.csv"))
	v.SetDefault("artifacts.history", filepath.Join(dataDir, "history.csv"))
	v.SetDefault("artifacts.target", filepath.Join(dataDir, "oos.csv"))
	v.SetDefault("batch.size", 100)
	v.SetDefault("batch.idle_timeout", "180s")
	v.SetDefault("batch.poll_interval", "1s")
	v.SetDefault("reconcile.shortage_threshold", 0.5)
	v.SetDefault("sync.command", "")
	v.SetDefault("sync.args", []string{})
	v.SetDefault("sync.dir", "")
	v.SetDefault("log.level", "info")

	v.SetConfigType("toml")

	cfgPath := os.Getenv("FLOATWATCH_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "floatwatch"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("FLOATWATCH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// read config file if present
	_ = v.ReadInConfig()

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if c.Batch.Size <= 0 {
		return Config{}, fmt.Errorf("batch.size must be positive, got %d", c.Batch.Size)
	}
	if c.Batch.PollInterval <= 0 {
		return Config{}, fmt.Errorf("batch.poll_interval must be positive, got %s", c.Batch.PollInterval)
	}
	return c, nil
}
