package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Storage        StorageConfig        `mapstructure:"storage"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	User           UserConfig           `mapstructure:"user"`
	Usage          UsageConfig          `mapstructure:"usage"`
	Reconcile      ReconcileConfig      `mapstructure:"reconcile"`
	Sync           SyncConfig           `mapstructure:"sync"`
	Lock           LockConfig           `mapstructure:"lock"`
	Steps          StepsConfig          `mapstructure:"steps"`
	Foreground     ForegroundConfig     `mapstructure:"foreground"`
	Classification ClassificationConfig `mapstructure:"classification"`
	Apps           []AppConfig          `mapstructure:"apps"`
}

// ServerConfig defines the metrics/health listener
type ServerConfig struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	BindAddress string `mapstructure:"bind_address"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// UserConfig identifies the owner of the remote ledger rows
type UserConfig struct {
	ID string `mapstructure:"id"`
}

// UsageConfig defines usage accounting settings
type UsageConfig struct {
	FlushThreshold   string `mapstructure:"flush_threshold"`
	PollActive       string `mapstructure:"poll_active"`
	PollIdle         string `mapstructure:"poll_idle"`
	PollScreenOff    string `mapstructure:"poll_screen_off"`
	SnapshotInterval string `mapstructure:"snapshot_interval"`
}

// ReconcileConfig defines remote reconciliation settings
type ReconcileConfig struct {
	Interval     string `mapstructure:"interval"`
	Grace        string `mapstructure:"grace"`
	FetchTimeout string `mapstructure:"fetch_timeout"`
}

// SyncConfig defines how deductions are pushed to the ledger
type SyncConfig struct {
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
	Timeout   string  `mapstructure:"timeout"`
}

// LockConfig defines lock overlay behavior
type LockConfig struct {
	AffectedPlatform  bool   `mapstructure:"affected_platform"`
	MaxAttempts       int    `mapstructure:"max_attempts"`
	RetryDelay        string `mapstructure:"retry_delay"`
	EmergencyDuration string `mapstructure:"emergency_duration"`
}

// StepsConfig defines step pipeline settings
type StepsConfig struct {
	BatchSize         int64   `mapstructure:"batch_size"`
	MaxStepsPerSecond float64 `mapstructure:"max_steps_per_second"`
}

// ForegroundConfig defines how the current foreground app is probed
type ForegroundConfig struct {
	ProbeCommand  string `mapstructure:"probe_command"`
	ProbeAttempts int    `mapstructure:"probe_attempts"`
	ProbeInterval string `mapstructure:"probe_interval"`
}

// ClassificationConfig is the identifier table for system surfaces
type ClassificationConfig struct {
	TransientIDs      []string `mapstructure:"transient_ids"`
	TransientPrefixes []string `mapstructure:"transient_prefixes"`
	SystemIDs         []string `mapstructure:"system_ids"`
	SystemPrefixes    []string `mapstructure:"system_prefixes"`
	CacheSize         int      `mapstructure:"cache_size"`
	PolicyFile        string   `mapstructure:"policy_file"`
}

// AppConfig declares a managed application
type AppConfig struct {
	ID      string `mapstructure:"id"`
	Name    string `mapstructure:"name"`
	Blocked bool   `mapstructure:"blocked"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("UNLOCKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.metrics_port", 9091)
	v.SetDefault("server.bind_address", "127.0.0.1")

	// Storage defaults
	v.SetDefault("storage.type", "redis")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("user.id", "default")

	// Usage accounting defaults
	v.SetDefault("usage.flush_threshold", "15s")
	v.SetDefault("usage.poll_active", "1s")
	v.SetDefault("usage.poll_idle", "2s")
	v.SetDefault("usage.poll_screen_off", "5s")
	v.SetDefault("usage.snapshot_interval", "1m")

	// Reconciliation defaults
	v.SetDefault("reconcile.interval", "15m")
	v.SetDefault("reconcile.grace", "10s")
	v.SetDefault("reconcile.fetch_timeout", "30s")

	// Sync defaults
	v.SetDefault("sync.rate_limit", 5.0)
	v.SetDefault("sync.burst", 10)
	v.SetDefault("sync.timeout", "15s")

	// Lock overlay defaults
	v.SetDefault("lock.affected_platform", false)
	v.SetDefault("lock.max_attempts", 3)
	v.SetDefault("lock.retry_delay", "500ms")
	v.SetDefault("lock.emergency_duration", "5m")

	// Step pipeline defaults
	v.SetDefault("steps.batch_size", 50)
	v.SetDefault("steps.max_steps_per_second", 5.0)

	// Foreground probe defaults
	v.SetDefault("foreground.probe_command", "")
	v.SetDefault("foreground.probe_attempts", 3)
	v.SetDefault("foreground.probe_interval", "300ms")

	// Classification defaults
	v.SetDefault("classification.transient_ids", []string{
		"com.android.systemui",
		"android",
	})
	v.SetDefault("classification.transient_prefixes", []string{
		"com.google.android.inputmethod",
		"com.samsung.android.honeyboard",
		"com.swiftkey",
		"com.touchtype.swiftkey",
	})
	v.SetDefault("classification.system_ids", []string{
		"com.android.settings",
	})
	v.SetDefault("classification.system_prefixes", []string{
		"com.android.launcher",
		"com.google.android.apps.nexuslauncher",
		"com.sec.android.app.launcher",
		"com.miui.home",
	})
	v.SetDefault("classification.cache_size", 512)
	v.SetDefault("classification.policy_file", "")

	v.SetDefault("apps", []map[string]interface{}{})
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "redis"
	}

	if cfg.User.ID == "" {
		return fmt.Errorf("user.id is required")
	}

	durations := map[string]string{
		"usage.flush_threshold":     cfg.Usage.FlushThreshold,
		"usage.poll_active":         cfg.Usage.PollActive,
		"usage.poll_idle":           cfg.Usage.PollIdle,
		"usage.poll_screen_off":     cfg.Usage.PollScreenOff,
		"usage.snapshot_interval":   cfg.Usage.SnapshotInterval,
		"reconcile.interval":        cfg.Reconcile.Interval,
		"reconcile.grace":           cfg.Reconcile.Grace,
		"reconcile.fetch_timeout":   cfg.Reconcile.FetchTimeout,
		"sync.timeout":              cfg.Sync.Timeout,
		"lock.retry_delay":          cfg.Lock.RetryDelay,
		"lock.emergency_duration":   cfg.Lock.EmergencyDuration,
		"foreground.probe_interval": cfg.Foreground.ProbeInterval,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		if d < 0 {
			return fmt.Errorf("invalid %s: must not be negative", key)
		}
	}

	if cfg.Lock.MaxAttempts < 1 {
		return fmt.Errorf("lock.max_attempts must be at least 1")
	}
	if cfg.Steps.BatchSize < 1 {
		return fmt.Errorf("steps.batch_size must be at least 1")
	}
	if cfg.Steps.MaxStepsPerSecond <= 0 {
		return fmt.Errorf("steps.max_steps_per_second must be positive")
	}
	if cfg.Sync.RateLimit <= 0 {
		return fmt.Errorf("sync.rate_limit must be positive")
	}

	seen := make(map[string]bool, len(cfg.Apps))
	for _, app := range cfg.Apps {
		if app.ID == "" {
			return fmt.Errorf("managed app entry is missing an id")
		}
		if seen[app.ID] {
			return fmt.Errorf("duplicate managed app: %s", app.ID)
		}
		seen[app.ID] = true
	}

	return nil
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
