package redis

import (
	"context"
	"time"

	"github.com/goodtune/unlockd/internal/storage"
	"github.com/redis/go-redis/v9"
)

type stepStore struct {
	client *redis.Client
}

// LoadStepState returns the persisted step counters, or ErrNotFound
func (s *stepStore) LoadStepState(ctx context.Context, userID string) (*storage.StepState, error) {
	data, err := s.client.HGetAll(ctx, stepStateKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	return parseStepState(data)
}

// SaveStepState overwrites the persisted step counters
func (s *stepStore) SaveStepState(ctx context.Context, userID string, state storage.StepState) error {
	lastReadingAt := ""
	if !state.LastReadingAt.IsZero() {
		lastReadingAt = state.LastReadingAt.Format(time.RFC3339Nano)
	}

	return s.client.HSet(ctx, stepStateKey(userID),
		"last_sensor_value", state.LastSensorValue,
		"last_reading_at", lastReadingAt,
		"baseline", state.Baseline,
		"logged_total", state.LoggedTotal,
		"vehicle_offset_steps", state.VehicleOffsetSteps,
		"vehicle_offset_ms", state.VehicleOffsetMs,
	).Err()
}
