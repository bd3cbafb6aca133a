package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/unlockd/internal/metrics"
	"github.com/goodtune/unlockd/internal/policy"
	"github.com/goodtune/unlockd/internal/storage"
	"github.com/rs/zerolog"
)

// DefaultGrace separates a genuine remote increase from jitter
const DefaultGrace = 10 * time.Second

// Action is the outcome of reconciling one application
type Action string

const (
	// ActionOverwrite replaces the local balance with the remote total
	ActionOverwrite Action = "overwrite"
	// ActionTrack records the remote total without touching the local balance
	ActionTrack Action = "track"
	// ActionKeep changes nothing
	ActionKeep Action = "keep"
	// ActionRemove drops a balance that no longer has an unlock
	ActionRemove Action = "remove"
)

// Decision records how one application was reconciled
type Decision struct {
	AppID     string
	Action    Action
	Remote    int64
	LastKnown int64
	Before    int64
	After     int64
}

// Decide applies the reconciliation policy to one application.
//
// A remote total that grew past the grace window is trusted immediately.
// A remote total that shrank is presumed to be the ledger catching up to our
// own flushed deductions, so only the bookkeeping moves. A remote zero wins
// over any local time.
func Decide(lastKnown, remote, local, graceMs int64) Action {
	switch {
	case lastKnown == NeverSynced:
		return ActionOverwrite
	case remote > lastKnown+graceMs:
		return ActionOverwrite
	case remote == 0 && local > 0:
		return ActionOverwrite
	case remote < lastKnown:
		return ActionTrack
	default:
		return ActionKeep
	}
}

// Reconciler applies remote totals to the local balance cache
type Reconciler struct {
	cache  *Cache
	grace  time.Duration
	logger zerolog.Logger
}

// NewReconciler creates a reconciler over cache
func NewReconciler(cache *Cache, grace time.Duration, logger zerolog.Logger) *Reconciler {
	if grace < 0 {
		grace = DefaultGrace
	}
	return &Reconciler{
		cache:  cache,
		grace:  grace,
		logger: logger.With().Str("component", "reconciler").Logger(),
	}
}

// Reconcile applies remoteTotalsByApp to the cache
func (r *Reconciler) Reconcile(remoteTotalsByApp map[string]int64) []Decision {
	decisions := r.cache.Reconcile(remoteTotalsByApp, r.grace.Milliseconds())

	for _, d := range decisions {
		metrics.ReconcileActions.WithLabelValues(string(d.Action)).Inc()

		event := r.logger.Debug()
		if d.Action == ActionOverwrite || d.Action == ActionRemove {
			event = r.logger.Info()
		}
		event.
			Str("app_id", d.AppID).
			Str("action", string(d.Action)).
			Int64("remote_ms", d.Remote).
			Int64("last_known_ms", d.LastKnown).
			Int64("before_ms", d.Before).
			Int64("after_ms", d.After).
			Msg("Reconciled balance")
	}

	return decisions
}

// ReconcileScheduler periodically retries pending flushes and reconciles
// the cache against the remote ledger
type ReconcileScheduler struct {
	ledger       storage.Ledger
	userID       string
	monitor      *Monitor
	reconciler   *Reconciler
	clock        policy.Clock
	interval     time.Duration
	fetchTimeout time.Duration
	logger       zerolog.Logger
	stopChan     chan struct{}
	done         chan struct{}
}

// SchedulerConfig holds reconcile scheduler configuration
type SchedulerConfig struct {
	UserID       string
	Interval     time.Duration
	FetchTimeout time.Duration
}

// NewReconcileScheduler creates a new reconcile scheduler
func NewReconcileScheduler(ledger storage.Ledger, monitor *Monitor, reconciler *Reconciler, clock policy.Clock, config SchedulerConfig, logger zerolog.Logger) *ReconcileScheduler {
	if config.Interval <= 0 {
		config.Interval = 15 * time.Minute
	}
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = 30 * time.Second
	}
	if clock == nil {
		clock = policy.RealClock{}
	}

	return &ReconcileScheduler{
		ledger:       ledger,
		userID:       config.UserID,
		monitor:      monitor,
		reconciler:   reconciler,
		clock:        clock,
		interval:     config.Interval,
		fetchTimeout: config.FetchTimeout,
		logger:       logger.With().Str("component", "reconcile-scheduler").Logger(),
		stopChan:     make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start begins the scheduler. The first pull runs immediately.
func (rs *ReconcileScheduler) Start() {
	go rs.run()
	rs.logger.Info().
		Dur("interval", rs.interval).
		Msg("Reconcile scheduler started")
}

// Stop stops the scheduler and waits for an in-flight pass to finish
func (rs *ReconcileScheduler) Stop() {
	close(rs.stopChan)
	<-rs.done
	rs.logger.Info().Msg("Reconcile scheduler stopped")
}

// run is the main scheduler loop
func (rs *ReconcileScheduler) run() {
	defer close(rs.done)

	for {
		if err := rs.RunOnce(context.Background()); err != nil {
			rs.logger.Warn().Err(err).Msg("Reconcile pass failed, will retry next interval")
		}

		select {
		case <-time.After(rs.interval):
		case <-rs.stopChan:
			return
		}
	}
}

// RunOnce retries pending deductions, then pulls the remote totals and
// reconciles them
func (rs *ReconcileScheduler) RunOnce(ctx context.Context) error {
	if rs.monitor != nil {
		if n := rs.monitor.FlushAll(); n > 0 {
			rs.logger.Debug().Int("apps", n).Msg("Retried pending deductions")
		}
	}

	ctx, cancel := context.WithTimeout(ctx, rs.fetchTimeout)
	defer cancel()

	unlocks, err := rs.ledger.FetchActiveUnlocks(ctx, rs.userID)
	if err != nil {
		metrics.ReconcileRuns.WithLabelValues("error").Inc()
		return fmt.Errorf("fetch active unlocks: %w", err)
	}

	totals := storage.TotalsByApp(unlocks, rs.clock.Now())
	decisions := rs.reconciler.Reconcile(totals)

	metrics.ReconcileRuns.WithLabelValues("success").Inc()
	rs.logger.Debug().
		Int("unlocks", len(unlocks)).
		Int("apps", len(decisions)).
		Msg("Reconcile pass completed")

	return nil
}
