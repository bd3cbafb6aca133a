package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/unlockd/internal/storage"
	"github.com/redis/go-redis/v9"
)

const (
	// emergencyWindow is how long an emergency unlock blocks the next one
	emergencyWindow = 24 * time.Hour

	// grantAttempts bounds retries when a window row changes under a grant
	grantAttempts = 3
)

// errUnlockChanged means the window row moved between read and script
var errUnlockChanged = errors.New("unlock row changed during grant")

type ledgerStore struct {
	client *redis.Client
	now    func() time.Time
}

// FetchActiveUnlocks returns every unlock row with time left
func (s *ledgerStore) FetchActiveUnlocks(ctx context.Context, userID string) ([]storage.Unlock, error) {
	indexKey := unlockIndexKey(userID)

	keys, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, err
	}

	if len(keys) == 0 {
		return []storage.Unlock{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	now := s.now()
	unlocks := make([]storage.Unlock, 0, len(keys))
	stale := make([]interface{}, 0)
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			stale = append(stale, keys[i])
			continue
		}

		unlock, err := parseUnlock(data)
		if err != nil {
			continue
		}

		if unlock.TotalRemaining(now) <= 0 {
			continue
		}
		unlocks = append(unlocks, *unlock)
	}

	// Rows removed out from under the index
	if len(stale) > 0 {
		s.client.SRem(ctx, indexKey, stale...)
	}

	return unlocks, nil
}

// ConsumeTime deducts ms from the application's usage-based unlock
func (s *ledgerStore) ConsumeTime(ctx context.Context, userID, appID string, ms int64) error {
	if ms <= 0 {
		return nil
	}

	remaining, err := consumeTime.Run(ctx, s.client, []string{unlockKey(userID, appID)}, ms).Int64()
	if err != nil {
		return fmt.Errorf("consume time for %s: %w", appID, err)
	}
	if remaining < 0 {
		return fmt.Errorf("consume time for %s: %w", appID, storage.ErrNotFound)
	}

	return nil
}

// GrantUnlock spends cost coins and adds minutes of usage-based time
func (s *ledgerStore) GrantUnlock(ctx context.Context, userID, appID string, minutes int, cost int64) error {
	if minutes <= 0 {
		return fmt.Errorf("grant unlock for %s: minutes must be positive", appID)
	}
	if cost < 0 {
		return fmt.Errorf("grant unlock for %s: cost must not be negative", appID)
	}

	keys := []string{accountKey(userID), unlockKey(userID, appID), unlockIndexKey(userID)}

	for attempt := 0; attempt < grantAttempts; attempt++ {
		now := s.now()
		expires, carry, err := s.windowCarry(ctx, keys[1], now)
		if err != nil {
			return fmt.Errorf("grant unlock for %s: %w", appID, err)
		}

		args := []interface{}{userID, appID, minutes, cost, now.Format(time.RFC3339Nano), expires, carry}
		result, err := grantUnlock.Run(ctx, s.client, keys, args...).Int64()
		if err != nil {
			return fmt.Errorf("grant unlock for %s: %w", appID, err)
		}
		switch result {
		case -1:
			return storage.ErrInsufficientCoins
		case -2:
			continue
		}
		return nil
	}

	return fmt.Errorf("grant unlock for %s: %w", appID, errUnlockChanged)
}

// EmergencyUnlock grants duration of free time, at most once per window
func (s *ledgerStore) EmergencyUnlock(ctx context.Context, userID, appID string, duration time.Duration) error {
	keys := []string{emergencyKey(userID), accountKey(userID), unlockKey(userID, appID), unlockIndexKey(userID)}

	for attempt := 0; attempt < grantAttempts; attempt++ {
		now := s.now()
		expires, carry, err := s.windowCarry(ctx, keys[2], now)
		if err != nil {
			return fmt.Errorf("emergency unlock for %s: %w", appID, err)
		}

		args := []interface{}{userID, appID, duration.Milliseconds(), emergencyWindow.Milliseconds(), now.Format(time.RFC3339Nano), expires, carry}
		result, err := emergencyUnlock.Run(ctx, s.client, keys, args...).Int64()
		if err != nil {
			return fmt.Errorf("emergency unlock for %s: %w", appID, err)
		}
		switch result {
		case -1:
			return storage.ErrRateLimited
		case -2:
			continue
		}
		return nil
	}

	return fmt.Errorf("emergency unlock for %s: %w", appID, errUnlockChanged)
}

// windowCarry returns the raw expires_at of a WINDOW row and the time it
// still holds at now. Other rows carry nothing.
func (s *ledgerStore) windowCarry(ctx context.Context, key string, now time.Time) (string, int64, error) {
	data, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return "", 0, err
	}
	if storage.UnlockKind(data["kind"]) != storage.UnlockWindow {
		return "", 0, nil
	}

	unlock, err := parseUnlock(data)
	if err != nil {
		return "", 0, err
	}
	return data["expires_at"], unlock.TotalRemaining(now), nil
}

// LogSteps adds steps to the user's daily total for the day of at
func (s *ledgerStore) LogSteps(ctx context.Context, userID string, steps int64, at time.Time) error {
	if steps <= 0 {
		return nil
	}

	date := at.Format("2006-01-02")
	keys := []string{dailyStepsKey(userID, date), dailyStepsIndexKey(date)}

	if err := logSteps.Run(ctx, s.client, keys, userID, date, steps).Err(); err != nil {
		return fmt.Errorf("log steps: %w", err)
	}
	return nil
}

// GetDailySteps returns the logged step total for a date (YYYY-MM-DD)
func (s *ledgerStore) GetDailySteps(ctx context.Context, userID, date string) (int64, error) {
	total, err := s.client.HGet(ctx, dailyStepsKey(userID, date), "total_steps").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return total, nil
}

// GetAccount returns the user's coin balance and streak
func (s *ledgerStore) GetAccount(ctx context.Context, userID string) (*storage.Account, error) {
	data, err := s.client.HGetAll(ctx, accountKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	return parseAccount(userID, data)
}

// AddCoins credits (or, with a negative amount, debits) the user's coins
func (s *ledgerStore) AddCoins(ctx context.Context, userID string, coins int64) error {
	key := accountKey(userID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "user_id", userID)
		pipe.HIncrBy(ctx, key, "coins", coins)
		return nil
	})
	return err
}
