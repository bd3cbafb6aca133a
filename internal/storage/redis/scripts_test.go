package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// setupTestRedis creates a miniredis instance for testing Lua scripts
func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return client, mr
}

func TestConsumeTimeScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()

	ctx := context.Background()
	key := "unlockd:unlock:u:com.x"

	tests := []struct {
		name      string
		kind      string
		remaining string
		consume   int64
		want      int64
	}{
		{name: "partial consume", kind: "USAGE", remaining: "60000", consume: 15000, want: 45000},
		{name: "floor at zero", kind: "USAGE", remaining: "10000", consume: 15000, want: 0},
		{name: "window untouched", kind: "WINDOW", remaining: "0", consume: 15000, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr.Del(key)
			mr.HSet(key, "kind", tt.kind, "remaining_ms", tt.remaining)

			got, err := client.Eval(ctx, consumeTimeScript, []string{key}, tt.consume).Int64()
			if err != nil {
				t.Fatalf("Script failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}
			if stored := mr.HGet(key, "remaining_ms"); stored != tt.remaining && tt.kind == "WINDOW" {
				t.Errorf("Window unlock was modified: %s", stored)
			}
		})
	}

	t.Run("missing row", func(t *testing.T) {
		got, err := client.Eval(ctx, consumeTimeScript, []string{"unlockd:unlock:u:none"}, 1000).Int64()
		if err != nil {
			t.Fatalf("Script failed: %v", err)
		}
		if got != -1 {
			t.Errorf("Expected -1 for missing row, got %d", got)
		}
	})
}

func TestGrantUnlockScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()

	ctx := context.Background()
	keys := []string{"unlockd:account:u", "unlockd:unlock:u:com.x", "unlockd:unlocks:u"}

	mr.HSet(keys[0], "coins", "30")

	got, err := client.Eval(ctx, grantUnlockScript, keys, "u", "com.x", 2, 25, "2026-03-01T12:00:00Z").Int64()
	if err != nil {
		t.Fatalf("Script failed: %v", err)
	}
	if got != 5 {
		t.Errorf("Expected 5 coins left, got %d", got)
	}
	if mr.HGet(keys[1], "remaining_ms") != "120000" {
		t.Errorf("Expected remaining_ms 120000, got %s", mr.HGet(keys[1], "remaining_ms"))
	}
	if ok, _ := mr.SIsMember(keys[2], keys[1]); !ok {
		t.Error("Expected unlock key in index")
	}

	got, err = client.Eval(ctx, grantUnlockScript, keys, "u", "com.x", 2, 25, "2026-03-01T12:00:00Z").Int64()
	if err != nil {
		t.Fatalf("Script failed: %v", err)
	}
	if got != -1 {
		t.Errorf("Expected -1 for insufficient coins, got %d", got)
	}
	if mr.HGet(keys[1], "remaining_ms") != "120000" {
		t.Errorf("Rejected grant modified remaining_ms: %s", mr.HGet(keys[1], "remaining_ms"))
	}
}

func TestEmergencyUnlockScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()

	ctx := context.Background()
	keys := []string{"unlockd:emergency:u", "unlockd:account:u", "unlockd:unlock:u:com.x", "unlockd:unlocks:u"}

	mr.HSet(keys[1], "streak", "4")

	got, err := client.Eval(ctx, emergencyUnlockScript, keys, "u", "com.x", 300000, 86400000, "2026-03-01T12:00:00Z").Int64()
	if err != nil {
		t.Fatalf("Script failed: %v", err)
	}
	if got != 1 {
		t.Errorf("Expected 1, got %d", got)
	}
	if mr.HGet(keys[1], "streak") != "0" {
		t.Errorf("Expected streak 0, got %s", mr.HGet(keys[1], "streak"))
	}
	if !mr.Exists(keys[0]) {
		t.Error("Expected rate limit key to be set")
	}

	got, err = client.Eval(ctx, emergencyUnlockScript, keys, "u", "com.x", 300000, 86400000, "2026-03-01T12:00:00Z").Int64()
	if err != nil {
		t.Fatalf("Script failed: %v", err)
	}
	if got != -1 {
		t.Errorf("Expected -1 while rate limited, got %d", got)
	}
	if mr.HGet(keys[2], "remaining_ms") != "300000" {
		t.Errorf("Expected a single grant of 300000, got %s", mr.HGet(keys[2], "remaining_ms"))
	}
}

func TestLogStepsScript(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()

	ctx := context.Background()
	keys := []string{"unlockd:steps:daily:u:2026-03-01", "unlockd:steps:daily:index:2026-03-01"}

	for i, want := range []int64{50, 110} {
		steps := []int{50, 60}[i]
		got, err := client.Eval(ctx, logStepsScript, keys, "u", "2026-03-01", steps).Int64()
		if err != nil {
			t.Fatalf("Script failed: %v", err)
		}
		if got != want {
			t.Errorf("Call %d: expected total %d, got %d", i, want, got)
		}
	}

	if ok, _ := mr.SIsMember(keys[1], "u"); !ok {
		t.Error("Expected user in daily index")
	}
}

func TestGrantUnlockScriptWindowRow(t *testing.T) {
	client, mr := setupTestRedis(t)
	defer client.Close()

	ctx := context.Background()
	keys := []string{"unlockd:account:u", "unlockd:unlock:u:com.y", "unlockd:unlocks:u"}
	expires := "2026-03-01T12:10:00Z"

	mr.HSet(keys[0], "coins", "100")
	mr.HSet(keys[1], "kind", "WINDOW", "expires_at", expires, "remaining_ms", "0")

	// A stale read of the window is refused without spending coins
	got, err := client.Eval(ctx, grantUnlockScript, keys, "u", "com.y", 30, 50, "2026-03-01T12:00:00Z", "2026-03-01T12:05:00Z", 300000).Int64()
	if err != nil {
		t.Fatalf("Script failed: %v", err)
	}
	if got != -2 {
		t.Errorf("Expected -2 for a changed window, got %d", got)
	}
	if mr.HGet(keys[0], "coins") != "100" {
		t.Errorf("Refused grant spent coins: %s", mr.HGet(keys[0], "coins"))
	}

	got, err = client.Eval(ctx, grantUnlockScript, keys, "u", "com.y", 30, 50, "2026-03-01T12:00:00Z", expires, 600000).Int64()
	if err != nil {
		t.Fatalf("Script failed: %v", err)
	}
	if got != 50 {
		t.Errorf("Expected 50 coins left, got %d", got)
	}
	if mr.HGet(keys[1], "kind") != "USAGE" {
		t.Errorf("Expected USAGE kind, got %s", mr.HGet(keys[1], "kind"))
	}
	if mr.HGet(keys[1], "remaining_ms") != "2400000" {
		t.Errorf("Expected remaining_ms 2400000, got %s", mr.HGet(keys[1], "remaining_ms"))
	}
	if mr.HGet(keys[1], "expires_at") != "" {
		t.Errorf("Expected expires_at cleared, got %s", mr.HGet(keys[1], "expires_at"))
	}
}
