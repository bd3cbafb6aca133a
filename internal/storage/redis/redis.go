package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goodtune/unlockd/internal/config"
	"github.com/goodtune/unlockd/internal/storage"
	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every key written by this package
const keyPrefix = "unlockd:"

// Store implements the storage.Store interface using Redis
type Store struct {
	client       *redis.Client
	ledgerStore  *ledgerStore
	stepStore    *stepStore
	balanceStore *balanceStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Host may already carry a port (e.g. miniredis addresses)
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewWithClient(client), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *redis.Client) *Store {
	return &Store{
		client:       client,
		ledgerStore:  &ledgerStore{client: client, now: time.Now},
		stepStore:    &stepStore{client: client},
		balanceStore: &balanceStore{client: client},
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ledger returns the remote ledger implementation
func (s *Store) Ledger() storage.Ledger {
	return s.ledgerStore
}

// Steps returns the step state store
func (s *Store) Steps() storage.StepStore {
	return s.stepStore
}

// Balances returns the balance snapshot store
func (s *Store) Balances() storage.BalanceStore {
	return s.balanceStore
}

func unlockKey(userID, appID string) string {
	return fmt.Sprintf("%sunlock:%s:%s", keyPrefix, userID, appID)
}

func unlockIndexKey(userID string) string {
	return fmt.Sprintf("%sunlocks:%s", keyPrefix, userID)
}

func accountKey(userID string) string {
	return fmt.Sprintf("%saccount:%s", keyPrefix, userID)
}

func emergencyKey(userID string) string {
	return fmt.Sprintf("%semergency:%s", keyPrefix, userID)
}

func dailyStepsKey(userID, date string) string {
	return fmt.Sprintf("%ssteps:daily:%s:%s", keyPrefix, userID, date)
}

func dailyStepsIndexKey(date string) string {
	return fmt.Sprintf("%ssteps:daily:index:%s", keyPrefix, date)
}

func stepStateKey(userID string) string {
	return fmt.Sprintf("%sstepstate:%s", keyPrefix, userID)
}

func balancesKey(userID string) string {
	return fmt.Sprintf("%sbalances:%s", keyPrefix, userID)
}
