package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/unlockd/internal/metrics"
	"github.com/goodtune/unlockd/internal/policy"
	"github.com/goodtune/unlockd/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultFlushThreshold is the pending deduction that triggers a flush
	DefaultFlushThreshold = 15 * time.Second

	// DefaultPollActive is the poll cadence while a blocked app is draining
	DefaultPollActive = 1 * time.Second

	// DefaultPollIdle is the poll cadence while nothing is draining
	DefaultPollIdle = 2 * time.Second

	// DefaultPollScreenOff is the poll cadence while the screen is off or locked
	DefaultPollScreenOff = 5 * time.Second

	// DefaultSnapshotInterval is how often balances are saved for warm restart
	DefaultSnapshotInterval = time.Minute
)

// Locker is told about every accounting decision for the tracked app
type Locker interface {
	// Observe reports the balance of a blocked app while it is foreground
	Observe(app ManagedApplication, remainingMs int64)
	// Background reports that appID is no longer foreground
	Background(appID string)
}

// Dispatcher sends pending deductions to the ledger
type Dispatcher interface {
	Dispatch(appID string, ms int64) bool
}

// Config holds monitor configuration
type Config struct {
	UserID           string
	FlushThreshold   time.Duration
	PollActive       time.Duration
	PollIdle         time.Duration
	PollScreenOff    time.Duration
	SnapshotInterval time.Duration
}

// Monitor owns the tracking anchor and drives the usage clock from both
// foreground events and its own polling loop
type Monitor struct {
	config     Config
	catalog    *Catalog
	cache      *Cache
	dispatcher Dispatcher
	locker     Locker
	snapshots  storage.BalanceStore
	clock      policy.Clock
	logger     zerolog.Logger

	mu           sync.Mutex
	current      string
	anchor       time.Time
	tracking     string
	screenOn     bool
	deviceLocked bool

	stopChan chan struct{}
	done     chan struct{}
}

// NewMonitor creates a new usage monitor
func NewMonitor(catalog *Catalog, cache *Cache, dispatcher Dispatcher, locker Locker, snapshots storage.BalanceStore, clock policy.Clock, config Config, logger zerolog.Logger) *Monitor {
	if config.FlushThreshold <= 0 {
		config.FlushThreshold = DefaultFlushThreshold
	}
	if config.PollActive <= 0 {
		config.PollActive = DefaultPollActive
	}
	if config.PollIdle <= 0 {
		config.PollIdle = DefaultPollIdle
	}
	if config.PollScreenOff <= 0 {
		config.PollScreenOff = DefaultPollScreenOff
	}
	if config.SnapshotInterval <= 0 {
		config.SnapshotInterval = DefaultSnapshotInterval
	}
	if clock == nil {
		clock = policy.RealClock{}
	}

	return &Monitor{
		config:     config,
		catalog:    catalog,
		cache:      cache,
		dispatcher: dispatcher,
		locker:     locker,
		snapshots:  snapshots,
		clock:      clock,
		logger:     logger.With().Str("component", "usage-monitor").Logger(),
		anchor:     clock.Now(),
		screenOn:   true,
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// AccountElapsed charges the time since the anchor to appID and advances
// the anchor. Calling it twice with the same now charges the interval once.
func (m *Monitor) AccountElapsed(appID string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accountLocked(appID, now)
}

func (m *Monitor) accountLocked(appID string, now time.Time) {
	// The anchor never moves backwards
	if now.Before(m.anchor) {
		now = m.anchor
	}

	app, managed := m.catalog.Get(appID)
	if appID == "" || !managed || !app.Blocked || !m.screenOn || m.deviceLocked {
		// Untracked time is never charged later
		m.anchor = now
		m.tracking = ""
		return
	}

	elapsed := now.Sub(m.anchor).Milliseconds()
	m.anchor = now
	m.tracking = appID

	if m.cache.Remaining(appID) == 0 {
		m.notifyLocker(app, 0)
		return
	}

	remaining, deducted, pending := m.cache.Deduct(appID, elapsed)
	if deducted > 0 {
		metrics.UsageDeductedSeconds.WithLabelValues(appID).Add(float64(deducted) / 1000)
		m.logger.Debug().
			Str("app_id", appID).
			Int64("deducted_ms", deducted).
			Int64("remaining_ms", remaining).
			Int64("pending_ms", pending).
			Msg("Usage accounted")
	}

	if pending >= m.config.FlushThreshold.Milliseconds() {
		m.flushLocked(appID, pending)
	}

	m.notifyLocker(app, remaining)
}

// flushLocked hands pending to the dispatcher and only then clears it
func (m *Monitor) flushLocked(appID string, pending int64) bool {
	if pending <= 0 || m.dispatcher == nil {
		return false
	}
	if !m.dispatcher.Dispatch(appID, pending) {
		return false
	}
	m.cache.SubtractPending(appID, pending)
	return true
}

func (m *Monitor) notifyLocker(app ManagedApplication, remaining int64) {
	if m.locker != nil {
		m.locker.Observe(app, remaining)
	}
}

// HandleForeground finalizes the outgoing application's usage, force
// flushes it and starts the anchor for appID
func (m *Monitor) HandleForeground(appID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.current
	m.accountLocked(previous, at)

	if appID == previous {
		return
	}

	if previous != "" {
		m.flushLocked(previous, m.cache.Pending(previous))
		if m.locker != nil {
			m.locker.Background(previous)
		}
	}

	m.logger.Debug().Str("from", previous).Str("to", appID).Msg("Foreground changed")

	m.current = appID
	m.accountLocked(appID, at)
}

// SetScreenState records whether the screen is on and the device unlocked.
// Time up to now is accounted under the previous state.
func (m *Monitor) SetScreenState(on, locked bool, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasActive := m.screenOn && !m.deviceLocked
	m.accountLocked(m.current, now)

	m.screenOn = on
	m.deviceLocked = locked

	active := on && !locked
	if wasActive && !active && m.current != "" {
		m.flushLocked(m.current, m.cache.Pending(m.current))
		if m.locker != nil {
			m.locker.Background(m.current)
		}
	}

	m.logger.Debug().Bool("screen_on", on).Bool("locked", locked).Msg("Screen state changed")

	// Re-evaluate the foreground app under the new state
	m.accountLocked(m.current, now)
}

// Poll accounts the current application at the clock's time. The clock is
// read under the lock so a concurrent switch cannot be charged to the
// application that just left.
func (m *Monitor) Poll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accountLocked(m.current, m.clock.Now())
}

// Current returns the foreground application as last reported
func (m *Monitor) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current
}

// Tracking returns the application currently being charged, if any
func (m *Monitor) Tracking() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.tracking
}

// PollInterval returns the cadence for the next poll
func (m *Monitor) PollInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.screenOn || m.deviceLocked {
		return m.config.PollScreenOff
	}
	if m.tracking != "" && m.cache.Remaining(m.tracking) > 0 {
		return m.config.PollActive
	}
	return m.config.PollIdle
}

// FlushAll dispatches every non-zero pending deduction and returns how
// many applications were dispatched
func (m *Monitor) FlushAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for appID, pending := range m.cache.PendingAll() {
		if m.flushLocked(appID, pending) {
			n++
		}
	}
	return n
}

// Restore loads the warm-restart snapshot and re-dispatches its pending
// deductions
func (m *Monitor) Restore(ctx context.Context) error {
	if m.snapshots == nil {
		return nil
	}

	snapshots, err := m.snapshots.LoadBalances(ctx, m.config.UserID)
	if err != nil {
		return fmt.Errorf("load balance snapshot: %w", err)
	}

	m.cache.Restore(snapshots)
	flushed := m.FlushAll()

	m.logger.Info().
		Int("balances", len(snapshots)).
		Int("flushed", flushed).
		Msg("Restored balance snapshot")

	return nil
}

// SaveSnapshot persists every balance for warm restart
func (m *Monitor) SaveSnapshot(ctx context.Context) error {
	if m.snapshots == nil {
		return nil
	}

	if err := m.snapshots.SaveBalances(ctx, m.config.UserID, m.cache.Snapshot()); err != nil {
		return fmt.Errorf("save balance snapshot: %w", err)
	}
	return nil
}

// Start begins the smart polling loop
func (m *Monitor) Start() {
	go m.run()
	m.logger.Info().
		Dur("poll_active", m.config.PollActive).
		Dur("poll_idle", m.config.PollIdle).
		Dur("poll_screen_off", m.config.PollScreenOff).
		Dur("flush_threshold", m.config.FlushThreshold).
		Msg("Usage monitor started")
}

// Stop stops the polling loop and waits for it to exit
func (m *Monitor) Stop() {
	close(m.stopChan)
	<-m.done
	m.logger.Info().Msg("Usage monitor stopped")
}

// run is the polling loop
func (m *Monitor) run() {
	defer close(m.done)

	lastSnapshot := m.clock.Now()
	for {
		select {
		case <-time.After(m.PollInterval()):
			m.Poll()

			if now := m.clock.Now(); now.Sub(lastSnapshot) >= m.config.SnapshotInterval {
				lastSnapshot = now
				if err := m.SaveSnapshot(context.Background()); err != nil {
					m.logger.Error().Err(err).Msg("Failed to save balance snapshot")
				}
			}
		case <-m.stopChan:
			return
		}
	}
}
