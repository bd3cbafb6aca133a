package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record is missing from storage.
var ErrNotFound = errors.New("storage: record not found")

// ErrInsufficientCoins is returned when a grant costs more than the user holds.
var ErrInsufficientCoins = errors.New("storage: insufficient coins")

// ErrRateLimited is returned when an emergency unlock is requested too soon
// after the previous one.
var ErrRateLimited = errors.New("storage: emergency unlock rate limited")

// Store represents the root storage interface.
type Store interface {
	Close() error
	Ledger() Ledger
	Steps() StepStore
	Balances() BalanceStore
}

// Ledger is the remote source of truth for unlocks, coins and step totals.
type Ledger interface {
	FetchActiveUnlocks(ctx context.Context, userID string) ([]Unlock, error)
	ConsumeTime(ctx context.Context, userID, appID string, ms int64) error
	GrantUnlock(ctx context.Context, userID, appID string, minutes int, cost int64) error
	EmergencyUnlock(ctx context.Context, userID, appID string, duration time.Duration) error
	LogSteps(ctx context.Context, userID string, steps int64, at time.Time) error
	GetAccount(ctx context.Context, userID string) (*Account, error)
	AddCoins(ctx context.Context, userID string, coins int64) error
	GetDailySteps(ctx context.Context, userID, date string) (int64, error)
}

// StepStore persists the step pipeline counters across process restarts.
type StepStore interface {
	LoadStepState(ctx context.Context, userID string) (*StepState, error)
	SaveStepState(ctx context.Context, userID string, state StepState) error
}

// BalanceStore holds the warm-restart snapshot of local time balances.
type BalanceStore interface {
	LoadBalances(ctx context.Context, userID string) ([]BalanceSnapshot, error)
	SaveBalances(ctx context.Context, userID string, balances []BalanceSnapshot) error
}
