package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// UnlockKind distinguishes usage-metered unlocks from wall-clock windows.
type UnlockKind string

const (
	UnlockUsage  UnlockKind = "USAGE"
	UnlockWindow UnlockKind = "WINDOW"
)

// UnmarshalJSON implements json.Unmarshaler to normalize kind to uppercase.
func (k *UnlockKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	normalized := UnlockKind(strings.ToUpper(s))

	switch normalized {
	case UnlockUsage, UnlockWindow:
		*k = normalized
		return nil
	default:
		return fmt.Errorf("invalid unlock kind: %s (must be USAGE or WINDOW)", s)
	}
}

// MarshalJSON implements json.Marshaler to ensure uppercase output.
func (k UnlockKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(k))
}

// Unlock is one remote ledger row granting time to an application.
type Unlock struct {
	AppID          string     `json:"app_id"`
	Kind           UnlockKind `json:"kind"`
	CoinsSpent     int64      `json:"coins_spent"`
	MinutesGranted int        `json:"minutes_granted"`
	StartedAt      time.Time  `json:"started_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	RemainingMs    int64      `json:"remaining_ms"`
}

// TotalRemaining derives the remaining time of the unlock at now.
func (u Unlock) TotalRemaining(now time.Time) int64 {
	if u.Kind == UnlockWindow {
		if u.ExpiresAt == nil {
			return 0
		}
		left := u.ExpiresAt.Sub(now).Milliseconds()
		if left < 0 {
			return 0
		}
		return left
	}
	if u.RemainingMs < 0 {
		return 0
	}
	return u.RemainingMs
}

// TotalsByApp sums the derived remaining time of unlocks per application.
// Applications whose unlocks have all run out are omitted.
func TotalsByApp(unlocks []Unlock, now time.Time) map[string]int64 {
	totals := make(map[string]int64, len(unlocks))
	for _, u := range unlocks {
		remaining := u.TotalRemaining(now)
		if remaining <= 0 {
			continue
		}
		totals[u.AppID] += remaining
	}
	return totals
}

// Account is the user's currency state on the remote ledger.
type Account struct {
	UserID        string     `json:"user_id"`
	Coins         int64      `json:"coins"`
	Streak        int64      `json:"streak"`
	LastEmergency *time.Time `json:"last_emergency,omitempty"`
}

// StepState is the persisted step pipeline state.
type StepState struct {
	LastSensorValue    int64     `json:"last_sensor_value"`
	LastReadingAt      time.Time `json:"last_reading_at"`
	Baseline           int64     `json:"baseline"`
	LoggedTotal        int64     `json:"logged_total"`
	VehicleOffsetSteps int64     `json:"vehicle_offset_steps"`
	VehicleOffsetMs    int64     `json:"vehicle_offset_ms"`
}

// BalanceSnapshot is the persisted form of one local time balance.
type BalanceSnapshot struct {
	AppID                  string `json:"app_id"`
	RemainingMs            int64  `json:"remaining_ms"`
	PendingDeductionMs     int64  `json:"pending_deduction_ms"`
	LastKnownRemoteTotalMs int64  `json:"last_known_remote_total_ms"`
}
