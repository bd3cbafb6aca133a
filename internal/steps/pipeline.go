package steps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goodtune/unlockd/internal/metrics"
	"github.com/goodtune/unlockd/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultBatchSize is the step count that triggers a flush
	DefaultBatchSize = 50

	// DefaultMaxStepsPerSecond is the plausibility ceiling for sensor deltas
	DefaultMaxStepsPerSecond = 5.0

	// noReading marks a pipeline that has never seen the sensor
	noReading int64 = -1
)

// Config holds step pipeline configuration
type Config struct {
	UserID            string
	BatchSize         int64
	MaxStepsPerSecond float64
}

// Pipeline turns raw hardware step counter readings into a user-visible
// total, excluding counter resets, implausible jumps and vehicle motion,
// and logs it to the ledger in batches
type Pipeline struct {
	config Config
	ledger storage.Ledger
	store  storage.StepStore
	logger zerolog.Logger

	mu        sync.Mutex
	state     storage.StepState
	inVehicle bool
}

// NewPipeline creates a new step pipeline
func NewPipeline(ledger storage.Ledger, store storage.StepStore, config Config, logger zerolog.Logger) *Pipeline {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.MaxStepsPerSecond <= 0 {
		config.MaxStepsPerSecond = DefaultMaxStepsPerSecond
	}

	return &Pipeline{
		config: config,
		ledger: ledger,
		store:  store,
		logger: logger.With().Str("component", "steps").Logger(),
		state:  storage.StepState{LastSensorValue: noReading},
	}
}

// Load restores persisted state. A missing record starts fresh.
func (p *Pipeline) Load(ctx context.Context) error {
	state, err := p.store.LoadStepState(ctx, p.config.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load step state: %w", err)
	}

	p.mu.Lock()
	p.state = *state
	visible := p.visibleLocked()
	p.mu.Unlock()

	metrics.StepsVisible.Set(float64(visible))
	p.logger.Info().
		Int64("last_sensor_value", state.LastSensorValue).
		Int64("visible", visible).
		Msg("Restored step state")

	return nil
}

// SetInVehicle records the latest motion transition
func (p *Pipeline) SetInVehicle(inVehicle bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inVehicle != inVehicle {
		p.logger.Debug().Bool("in_vehicle", inVehicle).Msg("Motion state changed")
	}
	p.inVehicle = inVehicle
}

// Visible returns the user-visible step total
func (p *Pipeline) Visible() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.visibleLocked()
}

// State returns a copy of the pipeline state
func (p *Pipeline) State() storage.StepState {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

func (p *Pipeline) visibleLocked() int64 {
	if p.state.LastSensorValue == noReading {
		return 0
	}
	visible := (p.state.LastSensorValue - p.state.Baseline) - p.state.VehicleOffsetSteps
	if visible < 0 {
		return 0
	}
	return visible
}

// Record processes one raw counter reading and returns the visible total
func (p *Pipeline) Record(ctx context.Context, value int64, at time.Time) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	outcome := p.recordLocked(ctx, value, at)
	metrics.StepReadings.WithLabelValues(outcome).Inc()

	visible := p.visibleLocked()
	metrics.StepsVisible.Set(float64(visible))

	if err := p.store.SaveStepState(ctx, p.config.UserID, p.state); err != nil {
		p.logger.Error().Err(err).Msg("Failed to persist step state")
	}

	return visible
}

func (p *Pipeline) recordLocked(ctx context.Context, value int64, at time.Time) string {
	s := &p.state

	if s.LastSensorValue != noReading && value < s.LastSensorValue {
		p.logger.Info().
			Int64("previous", s.LastSensorValue).
			Int64("value", value).
			Msg("Step counter reset detected")

		s.Baseline = value
		s.LoggedTotal = 0
		s.VehicleOffsetSteps = 0
		s.VehicleOffsetMs = 0
		s.LastSensorValue = value
		s.LastReadingAt = at
		return "reset"
	}

	if s.LastSensorValue == noReading {
		s.Baseline = value
		s.LastSensorValue = value
		s.LastReadingAt = at
		return "baseline"
	}

	delta := value - s.LastSensorValue
	interval := at.Sub(s.LastReadingAt)
	s.LastSensorValue = value
	s.LastReadingAt = at

	if delta == 0 {
		return "idle"
	}

	if !p.plausible(delta, interval) {
		// Shift the baseline so the glitch never reaches the visible total
		s.Baseline += delta
		p.logger.Warn().
			Int64("delta", delta).
			Dur("interval", interval).
			Float64("ceiling", p.config.MaxStepsPerSecond).
			Msg("Discarding implausible step delta")
		return "rejected"
	}

	if p.inVehicle {
		s.VehicleOffsetSteps += delta
		s.VehicleOffsetMs += interval.Milliseconds()
		p.logger.Debug().Int64("delta", delta).Int64("vehicle_offset", s.VehicleOffsetSteps).Msg("Steps attributed to vehicle")
		return "vehicle"
	}

	p.flushLocked(ctx, at)
	return "accepted"
}

func (p *Pipeline) plausible(delta int64, interval time.Duration) bool {
	if interval <= 0 {
		return false
	}
	return float64(delta)/interval.Seconds() <= p.config.MaxStepsPerSecond
}

// flushLocked logs the unflushed steps once a full batch has accumulated.
// On failure the batch stays unlogged for the next reading.
func (p *Pipeline) flushLocked(ctx context.Context, at time.Time) {
	visible := p.visibleLocked()
	unlogged := visible - p.state.LoggedTotal
	if unlogged < p.config.BatchSize {
		return
	}

	if err := p.ledger.LogSteps(ctx, p.config.UserID, unlogged, at); err != nil {
		p.logger.Warn().Err(err).Int64("steps", unlogged).Msg("Failed to log steps, will retry")
		return
	}

	p.state.LoggedTotal = visible
	metrics.StepsLogged.Add(float64(unlogged))
	p.logger.Debug().Int64("steps", unlogged).Int64("logged_total", visible).Msg("Logged step batch")
}
