package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/unlockd/internal/metrics"
	"github.com/goodtune/unlockd/internal/storage"
	"github.com/goodtune/unlockd/internal/usage"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxAttempts is the overlay attempts on platforms that drop requests
	DefaultMaxAttempts = 3

	// DefaultRetryDelay separates overlay attempts
	DefaultRetryDelay = 500 * time.Millisecond

	// DefaultEmergencyDuration is the time granted by an emergency unlock
	DefaultEmergencyDuration = 5 * time.Minute

	showTimeout = 5 * time.Second
)

// State is the lock state of one application
type State int

const (
	StateUnknown State = iota
	StateForegroundHasTime
	StateLocked
	StateBackground
)

func (s State) String() string {
	switch s {
	case StateForegroundHasTime:
		return "foreground"
	case StateLocked:
		return "locked"
	case StateBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Overlay displays the blocking surface
type Overlay interface {
	ShowLock(ctx context.Context, appID, displayName string) error
}

// Balances is the mutation path for granted time
type Balances interface {
	UnlockPackage(appID string, durationMs int64) int64
}

// Config holds lock trigger configuration
type Config struct {
	UserID            string
	AffectedPlatform  bool
	MaxAttempts       int
	RetryDelay        time.Duration
	EmergencyDuration time.Duration
}

// Trigger shows the lock overlay when a foreground blocked application
// runs out of time, once per continuous zero-balance session
type Trigger struct {
	config   Config
	overlay  Overlay
	balances Balances
	ledger   storage.Ledger
	logger   zerolog.Logger

	mu      sync.Mutex
	states  map[string]State
	stopped bool

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewTrigger creates a new lock trigger
func NewTrigger(overlay Overlay, balances Balances, ledger storage.Ledger, config Config, logger zerolog.Logger) *Trigger {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if config.EmergencyDuration <= 0 {
		config.EmergencyDuration = DefaultEmergencyDuration
	}

	return &Trigger{
		config:   config,
		overlay:  overlay,
		balances: balances,
		ledger:   ledger,
		logger:   logger.With().Str("component", "lock-trigger").Logger(),
		states:   make(map[string]State),
		stopChan: make(chan struct{}),
	}
}

// Observe implements usage.Locker
func (t *Trigger) Observe(app usage.ManagedApplication, remainingMs int64) {
	t.mu.Lock()
	previous := t.states[app.ID]
	if remainingMs > 0 {
		t.states[app.ID] = StateForegroundHasTime
		t.mu.Unlock()
		return
	}
	if previous == StateLocked {
		t.mu.Unlock()
		return
	}
	t.states[app.ID] = StateLocked
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()

	t.logger.Info().
		Str("app_id", app.ID).
		Str("from", previous.String()).
		Msg("Balance exhausted, locking")

	go t.show(app)
}

// Background implements usage.Locker
func (t *Trigger) Background(appID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.states[appID]; ok {
		t.states[appID] = StateBackground
	}
}

// State returns the lock state of appID
func (t *Trigger) State(appID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.states[appID]
}

func (t *Trigger) stillLocked(appID string) bool {
	return t.State(appID) == StateLocked
}

// show issues overlay requests until one succeeds, the app leaves the
// locked state, or attempts run out
func (t *Trigger) show(app usage.ManagedApplication) {
	defer t.wg.Done()

	attempts := 1
	if t.config.AffectedPlatform {
		attempts = t.config.MaxAttempts
	}

	requested := 0
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(t.config.RetryDelay):
			case <-t.stopChan:
				return
			}
			if !t.stillLocked(app.ID) {
				return
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), showTimeout)
		err := t.overlay.ShowLock(ctx, app.ID, app.DisplayName)
		cancel()

		if err != nil {
			t.logger.Warn().Err(err).Str("app_id", app.ID).Int("attempt", attempt).Msg("Lock overlay request failed")
			continue
		}

		requested++
		metrics.LockOverlays.WithLabelValues("requested").Inc()
		t.logger.Debug().Str("app_id", app.ID).Int("attempt", attempt).Msg("Lock overlay requested")

		// Affected launchers drop requests silently, so keep re-issuing
		// while the app stays locked
		if !t.config.AffectedPlatform {
			return
		}
	}

	if requested == 0 {
		metrics.LockOverlays.WithLabelValues("exhausted").Inc()
		t.logger.Warn().Str("app_id", app.ID).Int("attempts", attempts).Msg("Giving up on lock overlay")
	}
}

// Stop cancels pending retries, waits for in-flight requests
// and refuses new overlay requests
func (t *Trigger) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()

	t.stopOnce.Do(func() { close(t.stopChan) })
	t.wg.Wait()
}

// Action is an overlay resolution
type Action string

const (
	ActionUnlock    Action = "unlock"
	ActionEarn      Action = "earn"
	ActionEmergency Action = "emergency"
)

// ParseAction parses a resolution action name
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionUnlock, ActionEarn, ActionEmergency:
		return Action(s), nil
	default:
		return "", fmt.Errorf("unknown resolution action: %q", s)
	}
}

// Resolution is the user's answer to the overlay
type Resolution struct {
	AppID   string
	Action  Action
	Minutes int
	Cost    int64
}

// ErrInvalidResolution is returned for malformed resolutions
var ErrInvalidResolution = errors.New("lock: invalid resolution")

// Resolve records the resolution with the ledger and then credits the
// granted time to the local balance
func (t *Trigger) Resolve(ctx context.Context, r Resolution) error {
	if r.AppID == "" {
		return fmt.Errorf("%w: missing app id", ErrInvalidResolution)
	}

	var granted time.Duration
	var err error

	switch r.Action {
	case ActionUnlock:
		if r.Minutes <= 0 || r.Cost < 0 {
			return fmt.Errorf("%w: unlock needs positive minutes and a cost", ErrInvalidResolution)
		}
		err = t.ledger.GrantUnlock(ctx, t.config.UserID, r.AppID, r.Minutes, r.Cost)
		granted = time.Duration(r.Minutes) * time.Minute
	case ActionEarn:
		if r.Minutes <= 0 {
			return fmt.Errorf("%w: earned time needs positive minutes", ErrInvalidResolution)
		}
		err = t.ledger.GrantUnlock(ctx, t.config.UserID, r.AppID, r.Minutes, 0)
		granted = time.Duration(r.Minutes) * time.Minute
	case ActionEmergency:
		err = t.ledger.EmergencyUnlock(ctx, t.config.UserID, r.AppID, t.config.EmergencyDuration)
		granted = t.config.EmergencyDuration
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidResolution, r.Action)
	}

	if err != nil {
		metrics.LockResolutions.WithLabelValues(string(r.Action), "error").Inc()
		t.logger.Warn().Err(err).Str("app_id", r.AppID).Str("action", string(r.Action)).Msg("Lock resolution rejected")
		return err
	}

	remaining := t.balances.UnlockPackage(r.AppID, granted.Milliseconds())

	t.mu.Lock()
	if t.states[r.AppID] == StateLocked {
		t.states[r.AppID] = StateForegroundHasTime
	}
	t.mu.Unlock()

	metrics.LockResolutions.WithLabelValues(string(r.Action), "success").Inc()
	t.logger.Info().
		Str("app_id", r.AppID).
		Str("action", string(r.Action)).
		Dur("granted", granted).
		Int64("remaining_ms", remaining).
		Msg("Lock resolved")

	return nil
}
