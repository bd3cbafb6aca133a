package metrics

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Balance metrics
	RemainingMilliseconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "unlockd_remaining_milliseconds",
			Help: "Locally cached unlocked time remaining per application",
		},
		[]string{"app"},
	)

	PendingMilliseconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "unlockd_pending_deduction_milliseconds",
			Help: "Usage accounted locally but not yet flushed to the ledger",
		},
		[]string{"app"},
	)

	UsageDeductedSeconds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unlockd_usage_deducted_seconds_total",
			Help: "Total unlocked time deducted by foreground usage",
		},
		[]string{"app"},
	)

	// Sync metrics
	FlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unlockd_flushes_total",
			Help: "Deduction flushes sent to the remote ledger",
		},
		[]string{"result"},
	)

	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "unlockd_flush_duration_seconds",
			Help:    "Remote ledger consume call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Reconciliation metrics
	ReconcileActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unlockd_reconcile_actions_total",
			Help: "Per-application reconciliation outcomes",
		},
		[]string{"action"},
	)

	ReconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unlockd_reconcile_runs_total",
			Help: "Remote pulls attempted by the reconcile scheduler",
		},
		[]string{"result"},
	)

	// Lock metrics
	LockOverlays = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unlockd_lock_overlays_total",
			Help: "Lock overlay display outcomes",
		},
		[]string{"result"},
	)

	LockResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unlockd_lock_resolutions_total",
			Help: "Lock overlay resolutions by action and result",
		},
		[]string{"action", "result"},
	)

	// Foreground observer metrics
	ForegroundTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unlockd_foreground_events_total",
			Help: "Foreground events by disposition",
		},
		[]string{"disposition"},
	)

	ObserverAlive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "unlockd_observer_alive",
			Help: "Whether the foreground observation facility is delivering events",
		},
	)

	ManagedApps = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "unlockd_managed_apps",
			Help: "Number of currently managed applications",
		},
	)

	ClassificationCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "unlockd_classification_cache_hits_total",
			Help: "Classification cache hits",
		},
	)

	ClassificationCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "unlockd_classification_cache_misses_total",
			Help: "Classification cache misses",
		},
	)

	// Step metrics
	StepReadings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unlockd_step_readings_total",
			Help: "Step sensor readings by outcome",
		},
		[]string{"outcome"},
	)

	StepsVisible = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "unlockd_steps_visible",
			Help: "User-visible step total since the current baseline",
		},
	)

	StepsLogged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "unlockd_steps_logged_total",
			Help: "Steps flushed to the remote ledger",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RemainingMilliseconds,
		PendingMilliseconds,
		UsageDeductedSeconds,
		FlushesTotal,
		FlushDuration,
		ReconcileActions,
		ReconcileRuns,
		LockOverlays,
		LockResolutions,
		ForegroundTransitions,
		ObserverAlive,
		ManagedApps,
		ClassificationCacheHits,
		ClassificationCacheMisses,
		StepReadings,
		StepsVisible,
		StepsLogged,
	)
}

// Health is the self-reported status of the foreground pipeline.
type Health struct {
	Alive       bool   `json:"alive"`
	ManagedApps int    `json:"managed_apps"`
	Tracking    string `json:"tracking,omitempty"`
}

// HealthReporter supplies the /health payload.
type HealthReporter interface {
	Health() Health
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, health HealthReporter, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/health", HealthHandler(health))

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// HealthHandler serves the observer status as JSON. It answers 503 while
// the observer is not alive.
func HealthHandler(health HealthReporter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := Health{Alive: true}
		if health != nil {
			status = health.Health()
		}

		w.Header().Set("Content-Type", "application/json")
		if !status.Alive {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
