package bridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/goodtune/unlockd/internal/foreground"
	"github.com/goodtune/unlockd/internal/lock"
	"github.com/goodtune/unlockd/internal/policy"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	// eventBuffer bounds foreground events waiting for the observer
	eventBuffer = 64

	maxLineSize = 64 * 1024
)

// Message types on the inbound stream
const (
	TypeForeground = "foreground"
	TypeScreen     = "screen"
	TypeSteps      = "steps"
	TypeMotion     = "motion"
	TypeResolve    = "resolve"
)

// Handlers receive the messages that do not touch the tracking anchor.
// Nil handlers drop their message type.
type Handlers struct {
	Steps   func(value int64, at time.Time)
	Motion  func(inVehicle bool, at time.Time)
	Resolve func(r lock.Resolution)
}

// Reader decodes the newline-delimited JSON stream from the OS integration
// layer. Foreground and screen messages share one channel so the observer
// applies them in stream order; everything else goes to the handlers.
type Reader struct {
	handlers Handlers
	events   chan foreground.Event
	clock    policy.Clock
	logger   zerolog.Logger
}

// NewReader creates a new bridge reader
func NewReader(handlers Handlers, clock policy.Clock, logger zerolog.Logger) *Reader {
	if clock == nil {
		clock = policy.RealClock{}
	}
	return &Reader{
		handlers: handlers,
		events:   make(chan foreground.Event, eventBuffer),
		clock:    clock,
		logger:   logger.With().Str("component", "bridge").Logger(),
	}
}

// Events returns the foreground event stream. It closes when Run returns.
func (r *Reader) Events() <-chan foreground.Event {
	return r.events
}

// Run reads messages from in until EOF or ctx is cancelled
func (r *Reader) Run(ctx context.Context, in io.Reader) error {
	defer close(r.events)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if err := r.dispatch(ctx, line); err != nil {
			r.logger.Warn().Err(err).Msg("Dropping malformed bridge message")
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read bridge stream: %w", err)
	}

	r.logger.Info().Msg("Bridge stream ended")
	return nil
}

func (r *Reader) dispatch(ctx context.Context, line []byte) error {
	if !gjson.ValidBytes(line) {
		return fmt.Errorf("invalid JSON")
	}

	msg := gjson.ParseBytes(line)
	at := r.timestamp(msg.Get("ts"))

	switch msgType := msg.Get("type").String(); msgType {
	case TypeForeground:
		return r.emit(ctx, foreground.Event{AppID: msg.Get("app_id").String(), Timestamp: at})

	case TypeScreen:
		on := msg.Get("on")
		return r.emit(ctx, foreground.Event{
			Timestamp: at,
			Screen:    &foreground.ScreenState{On: !on.Exists() || on.Bool(), Locked: msg.Get("locked").Bool()},
		})

	case TypeSteps:
		value := msg.Get("value")
		if !value.Exists() {
			return fmt.Errorf("steps message without value")
		}
		if r.handlers.Steps != nil {
			r.handlers.Steps(value.Int(), at)
		}

	case TypeMotion:
		if r.handlers.Motion != nil {
			r.handlers.Motion(msg.Get("in_vehicle").Bool(), at)
		}

	case TypeResolve:
		action, err := lock.ParseAction(msg.Get("action").String())
		if err != nil {
			return err
		}
		if r.handlers.Resolve != nil {
			r.handlers.Resolve(lock.Resolution{
				AppID:   msg.Get("app_id").String(),
				Action:  action,
				Minutes: int(msg.Get("minutes").Int()),
				Cost:    msg.Get("cost").Int(),
			})
		}

	default:
		return fmt.Errorf("unknown message type %q", msgType)
	}

	return nil
}

func (r *Reader) emit(ctx context.Context, ev foreground.Event) error {
	select {
	case r.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// timestamp reads ts as unix milliseconds or RFC 3339, defaulting to now
func (r *Reader) timestamp(ts gjson.Result) time.Time {
	switch ts.Type {
	case gjson.Number:
		return time.UnixMilli(ts.Int())
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, ts.String()); err == nil {
			return t
		}
	}
	return r.clock.Now()
}
