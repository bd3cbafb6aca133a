package foreground

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/goodtune/unlockd/internal/metrics"
	"github.com/goodtune/unlockd/internal/policy"
	"github.com/rs/zerolog"
)

const (
	// DefaultProbeAttempts is how often the startup probe is tried
	DefaultProbeAttempts = 3

	// DefaultProbeInterval separates startup probe attempts
	DefaultProbeInterval = 300 * time.Millisecond
)

// ErrUnknownForeground is returned by a Prober that cannot tell which
// application is in the foreground
var ErrUnknownForeground = errors.New("foreground: current application unknown")

// Event is one raw notification from the OS. A non-nil Screen makes it a
// screen state change rather than a foreground change.
type Event struct {
	AppID     string
	Timestamp time.Time
	Screen    *ScreenState
}

// ScreenState is the display and keyguard state
type ScreenState struct {
	On     bool
	Locked bool
}

// Disposition is what the observer did with an event
type Disposition string

const (
	DispositionAccepted  Disposition = "accepted"
	DispositionDuplicate Disposition = "duplicate"
	DispositionTransient Disposition = "transient"
	DispositionUnknown   Disposition = "unknown"
	DispositionScreen    Disposition = "screen"
)

// Classifier classifies foreground identifiers
type Classifier interface {
	Classify(ctx context.Context, appID string) policy.Class
}

// Handler receives stable foreground transitions
type Handler interface {
	HandleForeground(appID string, at time.Time)
}

// ScreenHandler receives screen state changes in stream order. A Handler
// that also implements it gets them; otherwise they are dropped.
type ScreenHandler interface {
	SetScreenState(on, locked bool, now time.Time)
}

// Prober actively asks the OS for the current foreground application
type Prober interface {
	Probe(ctx context.Context) (string, error)
}

// Counter reports the number of managed applications
type Counter interface {
	Count() int
}

// Tracker reports the application currently being charged
type Tracker interface {
	Tracking() string
}

// Config holds observer configuration
type Config struct {
	ProbeAttempts int
	ProbeInterval time.Duration
}

// Observer turns the raw OS event stream into stable foreground
// transitions. It is the single consumer of the event channel.
type Observer struct {
	config     Config
	classifier Classifier
	handler    Handler
	prober     Prober
	catalog    Counter
	tracker    Tracker
	clock      policy.Clock
	logger     zerolog.Logger

	mu      sync.RWMutex
	current string
	alive   bool
}

// NewObserver creates a new foreground observer. prober may be nil.
func NewObserver(classifier Classifier, handler Handler, prober Prober, catalog Counter, tracker Tracker, clock policy.Clock, config Config, logger zerolog.Logger) *Observer {
	if config.ProbeAttempts <= 0 {
		config.ProbeAttempts = DefaultProbeAttempts
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = DefaultProbeInterval
	}
	if clock == nil {
		clock = policy.RealClock{}
	}

	return &Observer{
		config:     config,
		classifier: classifier,
		handler:    handler,
		prober:     prober,
		catalog:    catalog,
		tracker:    tracker,
		clock:      clock,
		logger:     logger.With().Str("component", "foreground").Logger(),
	}
}

// Run probes the current foreground application, then consumes events
// until the channel closes or ctx is cancelled
func (o *Observer) Run(ctx context.Context, events <-chan Event) error {
	o.setAlive(true)
	defer o.setAlive(false)

	o.Probe(ctx)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				o.logger.Warn().Msg("Foreground event stream closed")
				return nil
			}
			o.Handle(ctx, ev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Handle processes a single event
func (o *Observer) Handle(ctx context.Context, ev Event) Disposition {
	disposition := o.handle(ctx, ev)
	metrics.ForegroundTransitions.WithLabelValues(string(disposition)).Inc()
	return disposition
}

func (o *Observer) handle(ctx context.Context, ev Event) Disposition {
	if ev.Screen != nil {
		o.handleScreen(ev)
		return DispositionScreen
	}

	appID := strings.TrimSpace(ev.AppID)
	if appID == "" {
		// Leave the anchor alone rather than guess
		o.logger.Debug().Msg("Ignoring foreground event without an identifier")
		return DispositionUnknown
	}

	if appID == o.Current() {
		return DispositionDuplicate
	}

	class := o.classifier.Classify(ctx, appID)
	if class == policy.ClassTransient {
		o.logger.Debug().Str("app_id", appID).Msg("Suppressing transient surface")
		return DispositionTransient
	}

	at := ev.Timestamp
	if at.IsZero() {
		at = o.clock.Now()
	}

	o.mu.Lock()
	previous := o.current
	o.current = appID
	o.mu.Unlock()

	o.logger.Debug().
		Str("from", previous).
		Str("to", appID).
		Str("class", string(class)).
		Msg("Foreground transition")

	o.handler.HandleForeground(appID, at)
	return DispositionAccepted
}

func (o *Observer) handleScreen(ev Event) {
	at := ev.Timestamp
	if at.IsZero() {
		at = o.clock.Now()
	}

	if h, ok := o.handler.(ScreenHandler); ok {
		h.SetScreenState(ev.Screen.On, ev.Screen.Locked, at)
	}
}

// Probe asks the prober for the current application, retrying briefly.
// If every attempt fails nothing is reported.
func (o *Observer) Probe(ctx context.Context) {
	if o.prober == nil {
		return
	}

	for attempt := 1; attempt <= o.config.ProbeAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(o.config.ProbeInterval):
			case <-ctx.Done():
				return
			}
		}

		appID, err := o.prober.Probe(ctx)
		if err == nil && strings.TrimSpace(appID) != "" {
			o.logger.Info().Str("app_id", appID).Int("attempt", attempt).Msg("Probed current foreground application")
			o.Handle(ctx, Event{AppID: appID, Timestamp: o.clock.Now()})
			return
		}

		o.logger.Debug().Err(err).Int("attempt", attempt).Msg("Foreground probe failed")
	}

	o.logger.Warn().Int("attempts", o.config.ProbeAttempts).Msg("Could not determine foreground application at startup")
}

// Current returns the last stable foreground application
func (o *Observer) Current() string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.current
}

// Alive reports whether the observer is consuming events
func (o *Observer) Alive() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.alive
}

func (o *Observer) setAlive(alive bool) {
	o.mu.Lock()
	o.alive = alive
	o.mu.Unlock()

	if alive {
		metrics.ObserverAlive.Set(1)
	} else {
		metrics.ObserverAlive.Set(0)
	}
}

// Health implements metrics.HealthReporter
func (o *Observer) Health() metrics.Health {
	h := metrics.Health{Alive: o.Alive()}
	if o.catalog != nil {
		h.ManagedApps = o.catalog.Count()
	}
	if o.tracker != nil {
		h.Tracking = o.tracker.Tracking()
	}
	return h
}
