package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/unlockd/internal/storage"
	"github.com/goodtune/unlockd/internal/usage"
	"github.com/rs/zerolog"
)

type fakeOverlay struct {
	mu       sync.Mutex
	calls    []string
	failures int
}

func (o *fakeOverlay) ShowLock(ctx context.Context, appID, displayName string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, appID+"/"+displayName)
	if o.failures > 0 {
		o.failures--
		return errors.New("overlay surface unavailable")
	}
	return nil
}

func (o *fakeOverlay) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.calls)
}

type grant struct {
	appID   string
	minutes int
	cost    int64
}

type fakeLedger struct {
	storage.Ledger

	grants       []grant
	emergencies  []time.Duration
	grantErr     error
	emergencyErr error
}

func (l *fakeLedger) GrantUnlock(ctx context.Context, userID, appID string, minutes int, cost int64) error {
	if l.grantErr != nil {
		return l.grantErr
	}
	l.grants = append(l.grants, grant{appID: appID, minutes: minutes, cost: cost})
	return nil
}

func (l *fakeLedger) EmergencyUnlock(ctx context.Context, userID, appID string, duration time.Duration) error {
	if l.emergencyErr != nil {
		return l.emergencyErr
	}
	l.emergencies = append(l.emergencies, duration)
	return nil
}

var blockedApp = usage.ManagedApplication{ID: "com.x", DisplayName: "X", Blocked: true}

func newTestTrigger(overlay Overlay, cache *usage.Cache, ledger storage.Ledger, affected bool) *Trigger {
	return NewTrigger(overlay, cache, ledger, Config{
		UserID:           "user-1",
		AffectedPlatform: affected,
		MaxAttempts:      3,
		RetryDelay:       time.Millisecond,
	}, zerolog.Nop())
}

func TestTrigger_FiresOncePerZeroSession(t *testing.T) {
	overlay := &fakeOverlay{}
	trigger := newTestTrigger(overlay, usage.NewCache(), &fakeLedger{}, false)

	trigger.Observe(blockedApp, 5000)
	if got := trigger.State("com.x"); got != StateForegroundHasTime {
		t.Fatalf("Expected foreground state, got %s", got)
	}

	for i := 0; i < 5; i++ {
		trigger.Observe(blockedApp, 0)
	}
	trigger.wg.Wait()

	if overlay.count() != 1 {
		t.Fatalf("Expected a single overlay request, got %d", overlay.count())
	}
	if got := trigger.State("com.x"); got != StateLocked {
		t.Errorf("Expected locked state, got %s", got)
	}

	// Leaving and returning starts a new zero-balance session
	trigger.Background("com.x")
	if got := trigger.State("com.x"); got != StateBackground {
		t.Errorf("Expected background state, got %s", got)
	}
	trigger.Observe(blockedApp, 0)
	trigger.Stop()

	if overlay.count() != 2 {
		t.Errorf("Expected a second overlay request after returning, got %d", overlay.count())
	}
}

func TestTrigger_Attempts(t *testing.T) {
	tests := []struct {
		name      string
		affected  bool
		failures  int
		wantCalls int
	}{
		{name: "single attempt succeeds", affected: false, failures: 0, wantCalls: 1},
		{name: "single attempt gives up", affected: false, failures: 5, wantCalls: 1},
		{name: "affected platform retries failures", affected: true, failures: 2, wantCalls: 3},
		{name: "affected platform re-issues while locked", affected: true, failures: 0, wantCalls: 3},
		{name: "affected platform gives up", affected: true, failures: 5, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			overlay := &fakeOverlay{failures: tt.failures}
			trigger := newTestTrigger(overlay, usage.NewCache(), &fakeLedger{}, tt.affected)

			trigger.Observe(blockedApp, 0)
			trigger.wg.Wait()
			trigger.Stop()

			if overlay.count() != tt.wantCalls {
				t.Errorf("Expected %d overlay requests, got %d", tt.wantCalls, overlay.count())
			}
		})
	}
}

func TestTrigger_NoOverlayAfterStop(t *testing.T) {
	overlay := &fakeOverlay{}
	trigger := newTestTrigger(overlay, usage.NewCache(), &fakeLedger{}, true)

	trigger.Stop()
	trigger.Observe(blockedApp, 0)
	trigger.Stop()

	if got := overlay.count(); got != 0 {
		t.Errorf("Expected no overlay request after Stop, got %d", got)
	}
	if got := trigger.State("com.x"); got != StateLocked {
		t.Errorf("Expected state still tracked as locked, got %s", got)
	}
}

func TestTrigger_ResolveUnlock(t *testing.T) {
	cache := usage.NewCache()
	ledger := &fakeLedger{}
	trigger := newTestTrigger(&fakeOverlay{}, cache, ledger, false)

	trigger.Observe(blockedApp, 0)
	trigger.wg.Wait()

	err := trigger.Resolve(context.Background(), Resolution{AppID: "com.x", Action: ActionUnlock, Minutes: 10, Cost: 40})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if len(ledger.grants) != 1 || ledger.grants[0] != (grant{appID: "com.x", minutes: 10, cost: 40}) {
		t.Errorf("Expected one paid grant, got %+v", ledger.grants)
	}
	if got := cache.Remaining("com.x"); got != 600000 {
		t.Errorf("Expected 600000ms unlocked, got %d", got)
	}
	if got := trigger.State("com.x"); got != StateForegroundHasTime {
		t.Errorf("Expected foreground state after unlock, got %s", got)
	}
}

func TestTrigger_ResolveEarnIsFree(t *testing.T) {
	cache := usage.NewCache()
	ledger := &fakeLedger{}
	trigger := newTestTrigger(&fakeOverlay{}, cache, ledger, false)

	if err := trigger.Resolve(context.Background(), Resolution{AppID: "com.x", Action: ActionEarn, Minutes: 2, Cost: 99}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(ledger.grants) != 1 || ledger.grants[0].cost != 0 {
		t.Errorf("Expected a free grant, got %+v", ledger.grants)
	}
	if got := cache.Remaining("com.x"); got != 120000 {
		t.Errorf("Expected 120000ms, got %d", got)
	}
}

func TestTrigger_ResolveEmergency(t *testing.T) {
	cache := usage.NewCache()
	ledger := &fakeLedger{}
	trigger := newTestTrigger(&fakeOverlay{}, cache, ledger, false)

	if err := trigger.Resolve(context.Background(), Resolution{AppID: "com.x", Action: ActionEmergency}); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(ledger.emergencies) != 1 || ledger.emergencies[0] != DefaultEmergencyDuration {
		t.Errorf("Expected one emergency unlock of %v, got %v", DefaultEmergencyDuration, ledger.emergencies)
	}
	if got := cache.Remaining("com.x"); got != DefaultEmergencyDuration.Milliseconds() {
		t.Errorf("Expected %dms, got %d", DefaultEmergencyDuration.Milliseconds(), got)
	}

	ledger.emergencyErr = storage.ErrRateLimited
	err := trigger.Resolve(context.Background(), Resolution{AppID: "com.x", Action: ActionEmergency})
	if !errors.Is(err, storage.ErrRateLimited) {
		t.Fatalf("Expected ErrRateLimited, got %v", err)
	}
	if got := cache.Remaining("com.x"); got != DefaultEmergencyDuration.Milliseconds() {
		t.Errorf("Expected rejected emergency to grant nothing, got %d", got)
	}
}

func TestTrigger_ResolveRejected(t *testing.T) {
	cache := usage.NewCache()
	ledger := &fakeLedger{grantErr: storage.ErrInsufficientCoins}
	trigger := newTestTrigger(&fakeOverlay{}, cache, ledger, false)

	err := trigger.Resolve(context.Background(), Resolution{AppID: "com.x", Action: ActionUnlock, Minutes: 10, Cost: 40})
	if !errors.Is(err, storage.ErrInsufficientCoins) {
		t.Fatalf("Expected ErrInsufficientCoins, got %v", err)
	}
	if got := cache.Remaining("com.x"); got != 0 {
		t.Errorf("Expected no local time, got %d", got)
	}

	invalid := []Resolution{
		{Action: ActionUnlock, Minutes: 1},
		{AppID: "com.x", Action: ActionUnlock, Minutes: 0},
		{AppID: "com.x", Action: "bribe", Minutes: 1},
	}
	for _, r := range invalid {
		if err := trigger.Resolve(context.Background(), r); !errors.Is(err, ErrInvalidResolution) {
			t.Errorf("Expected ErrInvalidResolution for %+v, got %v", r, err)
		}
	}
}

func TestParseAction(t *testing.T) {
	if a, err := ParseAction("earn"); err != nil || a != ActionEarn {
		t.Errorf("Expected earn, got %s (%v)", a, err)
	}
	if _, err := ParseAction("steal"); err == nil {
		t.Error("Expected error for unknown action")
	}
}
