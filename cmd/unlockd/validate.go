package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/unlockd/internal/config"
	"github.com/goodtune/unlockd/internal/policy"
	"github.com/goodtune/unlockd/internal/policy/opa"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the unlockd configuration file and compile its classification policy.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// The policy file is only read at startup, so compile it here too
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel)
	if _, err := policy.NewEngine(
		policy.TableFromConfig(cfg.Classification),
		opa.Config{PolicyFile: cfg.Classification.PolicyFile},
		cfg.Classification.CacheSize,
		logger,
	); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "❌ Classification policy failed to compile: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with -dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)
	_, _ = fmt.Fprintf(os.Stdout, "   %d managed application(s) for user %q\n", len(cfg.Apps), cfg.User.ID)

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		_, _ = fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		_, _ = fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	// If dump requested, show full configuration with defaults highlighted
	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, getDefaultConfig())
	}

	return nil
}

// getDefaultConfig creates a configuration with default values
func getDefaultConfig() *config.Config {
	v := viper.New()
	config.SetDefaults(v)

	var cfg config.Config
	_ = v.Unmarshal(&cfg)

	return &cfg
}

// findUnknownKeys loads the config file and checks for keys that have no
// default, which is every key the daemon reads
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	defaults := viper.New()
	config.SetDefaults(defaults)

	validKeys := make(map[string]bool)
	for _, key := range defaults.AllKeys() {
		validKeys[key] = true
	}

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if !validKeys[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)

	return unknown, nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	_, _ = cyan.Println("\n[server]")
	dumpField("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort, yellow, green)
	dumpField("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress, yellow, green)

	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)

	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	_, _ = cyan.Println("\n[user]")
	dumpField("  id", cfg.User.ID, defaultCfg.User.ID, yellow, green)

	_, _ = cyan.Println("\n[usage]")
	dumpField("  flush_threshold", cfg.Usage.FlushThreshold, defaultCfg.Usage.FlushThreshold, yellow, green)
	dumpField("  poll_active", cfg.Usage.PollActive, defaultCfg.Usage.PollActive, yellow, green)
	dumpField("  poll_idle", cfg.Usage.PollIdle, defaultCfg.Usage.PollIdle, yellow, green)
	dumpField("  poll_screen_off", cfg.Usage.PollScreenOff, defaultCfg.Usage.PollScreenOff, yellow, green)
	dumpField("  snapshot_interval", cfg.Usage.SnapshotInterval, defaultCfg.Usage.SnapshotInterval, yellow, green)

	_, _ = cyan.Println("\n[reconcile]")
	dumpField("  interval", cfg.Reconcile.Interval, defaultCfg.Reconcile.Interval, yellow, green)
	dumpField("  grace", cfg.Reconcile.Grace, defaultCfg.Reconcile.Grace, yellow, green)
	dumpField("  fetch_timeout", cfg.Reconcile.FetchTimeout, defaultCfg.Reconcile.FetchTimeout, yellow, green)

	_, _ = cyan.Println("\n[sync]")
	dumpField("  rate_limit", cfg.Sync.RateLimit, defaultCfg.Sync.RateLimit, yellow, green)
	dumpField("  burst", cfg.Sync.Burst, defaultCfg.Sync.Burst, yellow, green)
	dumpField("  timeout", cfg.Sync.Timeout, defaultCfg.Sync.Timeout, yellow, green)

	_, _ = cyan.Println("\n[lock]")
	dumpField("  affected_platform", cfg.Lock.AffectedPlatform, defaultCfg.Lock.AffectedPlatform, yellow, green)
	dumpField("  max_attempts", cfg.Lock.MaxAttempts, defaultCfg.Lock.MaxAttempts, yellow, green)
	dumpField("  retry_delay", cfg.Lock.RetryDelay, defaultCfg.Lock.RetryDelay, yellow, green)
	dumpField("  emergency_duration", cfg.Lock.EmergencyDuration, defaultCfg.Lock.EmergencyDuration, yellow, green)

	_, _ = cyan.Println("\n[steps]")
	dumpField("  batch_size", cfg.Steps.BatchSize, defaultCfg.Steps.BatchSize, yellow, green)
	dumpField("  max_steps_per_second", cfg.Steps.MaxStepsPerSecond, defaultCfg.Steps.MaxStepsPerSecond, yellow, green)

	_, _ = cyan.Println("\n[foreground]")
	dumpField("  probe_command", cfg.Foreground.ProbeCommand, defaultCfg.Foreground.ProbeCommand, yellow, green)
	dumpField("  probe_attempts", cfg.Foreground.ProbeAttempts, defaultCfg.Foreground.ProbeAttempts, yellow, green)
	dumpField("  probe_interval", cfg.Foreground.ProbeInterval, defaultCfg.Foreground.ProbeInterval, yellow, green)

	_, _ = cyan.Println("\n[classification]")
	dumpField("  transient_ids", cfg.Classification.TransientIDs, defaultCfg.Classification.TransientIDs, yellow, green)
	dumpField("  transient_prefixes", cfg.Classification.TransientPrefixes, defaultCfg.Classification.TransientPrefixes, yellow, green)
	dumpField("  system_ids", cfg.Classification.SystemIDs, defaultCfg.Classification.SystemIDs, yellow, green)
	dumpField("  system_prefixes", cfg.Classification.SystemPrefixes, defaultCfg.Classification.SystemPrefixes, yellow, green)
	dumpField("  cache_size", cfg.Classification.CacheSize, defaultCfg.Classification.CacheSize, yellow, green)
	dumpField("  policy_file", cfg.Classification.PolicyFile, defaultCfg.Classification.PolicyFile, yellow, green)

	_, _ = cyan.Println("\n[apps]")
	for _, app := range cfg.Apps {
		_, _ = yellow.Printf("  %s = %q blocked=%t\n", app.ID, app.Name, app.Blocked)
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
