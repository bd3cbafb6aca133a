package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goodtune/unlockd/internal/storage"
)

// parseUnlock converts a Redis hash to Unlock
func parseUnlock(data map[string]string) (*storage.Unlock, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	startedAt, err := time.Parse(time.RFC3339Nano, data["started_at"])
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}

	var expiresAt *time.Time
	if raw := data["expires_at"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse expires_at: %w", err)
		}
		expiresAt = &t
	}

	remainingMs, err := parseInt(data, "remaining_ms")
	if err != nil {
		return nil, err
	}

	coinsSpent, err := parseInt(data, "coins_spent")
	if err != nil {
		return nil, err
	}

	minutesGranted, err := parseInt(data, "minutes_granted")
	if err != nil {
		return nil, err
	}

	kind := storage.UnlockKind(data["kind"])
	switch kind {
	case storage.UnlockUsage, storage.UnlockWindow:
	default:
		return nil, fmt.Errorf("unknown unlock kind: %q", data["kind"])
	}

	return &storage.Unlock{
		AppID:          data["app_id"],
		Kind:           kind,
		CoinsSpent:     coinsSpent,
		MinutesGranted: int(minutesGranted),
		StartedAt:      startedAt,
		ExpiresAt:      expiresAt,
		RemainingMs:    remainingMs,
	}, nil
}

// parseAccount converts a Redis hash to Account
func parseAccount(userID string, data map[string]string) (*storage.Account, error) {
	account := &storage.Account{UserID: userID}
	if len(data) == 0 {
		return account, nil
	}

	var err error
	if account.Coins, err = parseInt(data, "coins"); err != nil {
		return nil, err
	}
	if account.Streak, err = parseInt(data, "streak"); err != nil {
		return nil, err
	}

	if raw := data["last_emergency"]; raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_emergency: %w", err)
		}
		account.LastEmergency = &t
	}

	return account, nil
}

// parseStepState converts a Redis hash to StepState
func parseStepState(data map[string]string) (*storage.StepState, error) {
	if len(data) == 0 {
		return nil, storage.ErrNotFound
	}

	state := &storage.StepState{}
	var err error
	if state.LastSensorValue, err = parseInt(data, "last_sensor_value"); err != nil {
		return nil, err
	}
	if state.Baseline, err = parseInt(data, "baseline"); err != nil {
		return nil, err
	}
	if state.LoggedTotal, err = parseInt(data, "logged_total"); err != nil {
		return nil, err
	}
	if state.VehicleOffsetSteps, err = parseInt(data, "vehicle_offset_steps"); err != nil {
		return nil, err
	}
	if state.VehicleOffsetMs, err = parseInt(data, "vehicle_offset_ms"); err != nil {
		return nil, err
	}

	if raw := data["last_reading_at"]; raw != "" {
		state.LastReadingAt, err = time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_reading_at: %w", err)
		}
	}

	return state, nil
}

// parseInt reads an integer field; a missing field reads as zero
func parseInt(data map[string]string, field string) (int64, error) {
	raw, ok := data[field]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", field, err)
	}
	return v, nil
}
