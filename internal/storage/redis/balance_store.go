package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goodtune/unlockd/internal/storage"
	"github.com/redis/go-redis/v9"
)

type balanceStore struct {
	client *redis.Client
}

// LoadBalances returns the last saved balance snapshot
func (s *balanceStore) LoadBalances(ctx context.Context, userID string) ([]storage.BalanceSnapshot, error) {
	data, err := s.client.HGetAll(ctx, balancesKey(userID)).Result()
	if err != nil {
		return nil, err
	}

	balances := make([]storage.BalanceSnapshot, 0, len(data))
	for appID, raw := range data {
		var snapshot storage.BalanceSnapshot
		if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
			return nil, fmt.Errorf("failed to decode balance for %s: %w", appID, err)
		}
		snapshot.AppID = appID
		balances = append(balances, snapshot)
	}

	return balances, nil
}

// SaveBalances atomically replaces the balance snapshot
func (s *balanceStore) SaveBalances(ctx context.Context, userID string, balances []storage.BalanceSnapshot) error {
	key := balancesKey(userID)

	fields := make([]interface{}, 0, len(balances)*2)
	for _, b := range balances {
		encoded, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("failed to encode balance for %s: %w", b.AppID, err)
		}
		fields = append(fields, b.AppID, string(encoded))
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(fields) > 0 {
			pipe.HSet(ctx, key, fields...)
		}
		return nil
	})
	return err
}
