package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/unlockd/internal/bridge"
	"github.com/goodtune/unlockd/internal/config"
	"github.com/goodtune/unlockd/internal/foreground"
	"github.com/goodtune/unlockd/internal/lock"
	"github.com/goodtune/unlockd/internal/metrics"
	"github.com/goodtune/unlockd/internal/policy"
	"github.com/goodtune/unlockd/internal/policy/opa"
	"github.com/goodtune/unlockd/internal/steps"
	"github.com/goodtune/unlockd/internal/storage"
	"github.com/goodtune/unlockd/internal/storage/redis"
	"github.com/goodtune/unlockd/internal/systemd"
	"github.com/goodtune/unlockd/internal/usage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const resolveTimeout = 15 * time.Second

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the unlockd daemon",
	Long: `Start the unlockd daemon. Bridge messages are read as newline-delimited
JSON from stdin and overlay requests are written to stdout.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Str("user", cfg.User.ID).
		Msg("Starting unlockd")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to get systemd listeners")
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize Storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize usage accounting
	catalog := usage.NewCatalog(usage.AppsFromConfig(cfg.Apps))
	cache := usage.NewCache()

	flusher := usage.NewFlusher(store.Ledger(), cache, usage.FlusherConfig{
		UserID:    cfg.User.ID,
		RateLimit: cfg.Sync.RateLimit,
		Burst:     cfg.Sync.Burst,
		Timeout:   config.ParseDuration(cfg.Sync.Timeout, usage.DefaultSyncTimeout),
	}, logger)

	// Overlay requests go to stdout, so logs must not
	overlay := bridge.NewWriter(os.Stdout)

	trigger := lock.NewTrigger(overlay, cache, store.Ledger(), lock.Config{
		UserID:            cfg.User.ID,
		AffectedPlatform:  cfg.Lock.AffectedPlatform,
		MaxAttempts:       cfg.Lock.MaxAttempts,
		RetryDelay:        config.ParseDuration(cfg.Lock.RetryDelay, lock.DefaultRetryDelay),
		EmergencyDuration: config.ParseDuration(cfg.Lock.EmergencyDuration, lock.DefaultEmergencyDuration),
	}, logger)

	monitor := usage.NewMonitor(catalog, cache, flusher, trigger, store.Balances(), policy.RealClock{}, usage.Config{
		UserID:           cfg.User.ID,
		FlushThreshold:   config.ParseDuration(cfg.Usage.FlushThreshold, usage.DefaultFlushThreshold),
		PollActive:       config.ParseDuration(cfg.Usage.PollActive, usage.DefaultPollActive),
		PollIdle:         config.ParseDuration(cfg.Usage.PollIdle, usage.DefaultPollIdle),
		PollScreenOff:    config.ParseDuration(cfg.Usage.PollScreenOff, usage.DefaultPollScreenOff),
		SnapshotInterval: config.ParseDuration(cfg.Usage.SnapshotInterval, usage.DefaultSnapshotInterval),
	}, logger)

	if err := monitor.Restore(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to restore balance snapshot, starting cold")
	}

	reconciler := usage.NewReconciler(cache, config.ParseDuration(cfg.Reconcile.Grace, usage.DefaultGrace), logger)
	scheduler := usage.NewReconcileScheduler(store.Ledger(), monitor, reconciler, policy.RealClock{}, usage.SchedulerConfig{
		UserID:       cfg.User.ID,
		Interval:     config.ParseDuration(cfg.Reconcile.Interval, 15*time.Minute),
		FetchTimeout: config.ParseDuration(cfg.Reconcile.FetchTimeout, 30*time.Second),
	}, logger)

	// Initialize Classification Engine
	policyEngine, err := policy.NewEngine(
		policy.TableFromConfig(cfg.Classification),
		opa.Config{PolicyFile: cfg.Classification.PolicyFile},
		cfg.Classification.CacheSize,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize classification engine: %w", err)
	}

	// Initialize step pipeline
	pipeline := steps.NewPipeline(store.Ledger(), store.Steps(), steps.Config{
		UserID:            cfg.User.ID,
		BatchSize:         cfg.Steps.BatchSize,
		MaxStepsPerSecond: cfg.Steps.MaxStepsPerSecond,
	}, logger)
	if err := pipeline.Load(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to load step state, starting with no baseline")
	}

	// Initialize bridge reader
	reader := bridge.NewReader(bridge.Handlers{
		Steps: func(value int64, at time.Time) {
			pipeline.Record(ctx, value, at)
		},
		Motion: func(inVehicle bool, at time.Time) {
			pipeline.SetInVehicle(inVehicle)
		},
		Resolve: func(r lock.Resolution) {
			go func() {
				resolveCtx, resolveCancel := context.WithTimeout(ctx, resolveTimeout)
				defer resolveCancel()
				if err := trigger.Resolve(resolveCtx, r); err != nil {
					logger.Error().Err(err).
						Str("app_id", r.AppID).
						Str("action", string(r.Action)).
						Msg("Failed to resolve lock overlay")
				}
			}()
		},
	}, policy.RealClock{}, logger)

	// Initialize foreground observer
	var prober foreground.Prober
	if p := bridge.NewCommandProber(cfg.Foreground.ProbeCommand); p != nil {
		prober = p
	}

	observer := foreground.NewObserver(policyEngine, monitor, prober, catalog, monitor, policy.RealClock{}, foreground.Config{
		ProbeAttempts: cfg.Foreground.ProbeAttempts,
		ProbeInterval: config.ParseDuration(cfg.Foreground.ProbeInterval, 300*time.Millisecond),
	}, logger)

	// Start background loops
	scheduler.Start()
	monitor.Start()

	go func() {
		err := reader.Run(ctx, os.Stdin)
		switch {
		case err == nil:
			logger.Warn().Msg("Bridge input closed")
		case ctx.Err() == nil:
			logger.Error().Err(err).Msg("Bridge reader stopped")
		}
	}()

	observerDone := make(chan struct{})
	go func() {
		defer close(observerDone)
		if err := observer.Run(ctx, reader.Events()); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("Foreground observer stopped")
		}
	}()

	// Initialize Metrics Server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, observer, logger)

	// Use systemd socket-activated listener if available
	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	go systemd.RunWatchdog(ctx, observer.Alive, logger)

	logger.Info().
		Int("managed_apps", catalog.Count()).
		Msgf("unlockd startup complete, metrics on http://%s/metrics", metricsAddr)

	// Notify systemd that we're ready
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	// Signal handling loop
	for {
		sig := <-sigChan

		switch sig {
		case syscall.SIGHUP:
			logger.Info().Msg("SIGHUP received, reloading classification policy and managed apps...")
			if err := policyEngine.Reload(); err != nil {
				logger.Error().Err(err).Msg("Failed to reload classification policy")
			} else {
				logger.Info().Msg("Classification policy reloaded successfully")
			}
			added, removed, err := reloadCatalog(configPath, catalog)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to reload managed apps, keeping the current set")
			} else {
				logger.Info().
					Int("added", added).
					Int("removed", removed).
					Int("managed_apps", catalog.Count()).
					Msg("Managed apps reloaded")
			}
			continue

		case os.Interrupt, syscall.SIGTERM:
			logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		}

		break
	}

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	// No new bridge events past this point
	cancel()
	<-observerDone

	scheduler.Stop()
	monitor.Stop()

	// Push what is left before the queues close
	if n := monitor.FlushAll(); n > 0 {
		logger.Info().Int("apps", n).Msg("Flushed pending deductions")
	}
	flusher.Stop()
	trigger.Stop()

	snapshotCtx, snapshotCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := monitor.SaveSnapshot(snapshotCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to save balance snapshot")
	}
	snapshotCancel()

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().Msg("unlockd stopped")

	return nil
}

// reloadCatalog re-reads the managed apps from the configuration file. The
// catalog is left untouched when the file no longer loads.
func reloadCatalog(path string, catalog *usage.Catalog) (added, removed int, err error) {
	cfg, err := config.Load(path)
	if err != nil {
		return 0, 0, err
	}
	added, removed = catalog.Sync(usage.AppsFromConfig(cfg.Apps))
	return added, removed, nil
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "redis"
	}

	switch storageType {
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (only 'redis' is supported)", storageType)
	}
}

// setupLogger configures the logger based on configuration. Logs always go
// to stderr because stdout carries overlay requests to the bridge.
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}
