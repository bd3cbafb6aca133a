package usage

import (
	"context"
	"testing"
	"time"

	"github.com/goodtune/unlockd/internal/policy"
	"github.com/goodtune/unlockd/internal/storage"
	"github.com/rs/zerolog"
)

func TestDecide(t *testing.T) {
	const grace = 10000

	tests := []struct {
		name      string
		lastKnown int64
		remote    int64
		local     int64
		want      Action
	}{
		{name: "first load", lastKnown: NeverSynced, remote: 5000, local: 0, want: ActionOverwrite},
		{name: "first load of zero", lastKnown: NeverSynced, remote: 0, local: 0, want: ActionOverwrite},
		{name: "genuine increase", lastKnown: 5000, remote: 20000, local: 4000, want: ActionOverwrite},
		{name: "increase within grace", lastKnown: 5000, remote: 12000, local: 4000, want: ActionKeep},
		{name: "remote expired", lastKnown: 5000, remote: 0, local: 3000, want: ActionOverwrite},
		{name: "catching up to our flush", lastKnown: 20000, remote: 15000, local: 12000, want: ActionTrack},
		{name: "unchanged", lastKnown: 15000, remote: 15000, local: 12000, want: ActionKeep},
		{name: "zero with nothing local", lastKnown: 5000, remote: 0, local: 0, want: ActionTrack},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Decide(tt.lastKnown, tt.remote, tt.local, grace); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestReconciler_GrantThenCatchUp(t *testing.T) {
	cache := NewCache()
	r := NewReconciler(cache, 2*time.Second, zerolog.Nop())

	cache.Restore([]storage.BalanceSnapshot{
		{AppID: "com.x", RemainingMs: 5000, LastKnownRemoteTotalMs: 5000},
	})

	r.Reconcile(map[string]int64{"com.x": 12000})
	if got := cache.Remaining("com.x"); got != 12000 {
		t.Fatalf("Expected grant to overwrite to 12000, got %d", got)
	}

	// Local usage the remote has not yet seen
	cache.Deduct("com.x", 2000)

	r.Reconcile(map[string]int64{"com.x": 3000})
	if got := cache.Remaining("com.x"); got != 10000 {
		t.Errorf("Expected local 10000 to stand against a lower remote, got %d", got)
	}
	if got := cache.Get("com.x").LastKnownRemoteTotalMs; got != 3000 {
		t.Errorf("Expected last known remote to track 3000, got %d", got)
	}
}

func TestReconciler_DefaultGraceKeepsSmallIncrease(t *testing.T) {
	cache := NewCache()
	r := NewReconciler(cache, DefaultGrace, zerolog.Nop())

	cache.Restore([]storage.BalanceSnapshot{
		{AppID: "com.x", RemainingMs: 5000, LastKnownRemoteTotalMs: 5000},
	})

	decisions := r.Reconcile(map[string]int64{"com.x": 12000})
	if len(decisions) != 1 || decisions[0].Action != ActionKeep {
		t.Fatalf("Expected keep within the default grace, got %+v", decisions)
	}
	if got := cache.Remaining("com.x"); got != 5000 {
		t.Errorf("Expected 5000 unchanged, got %d", got)
	}
}

func TestReconciler_Idempotent(t *testing.T) {
	cache := NewCache()
	r := NewReconciler(cache, DefaultGrace, zerolog.Nop())
	cache.UnlockPackage("com.x", 1000)

	inputs := []map[string]int64{
		{"com.x": 60000, "com.y": 30000},
		{"com.x": 40000, "com.y": 30000},
		{"com.x": 0, "com.y": 90000},
	}

	for i, totals := range inputs {
		r.Reconcile(totals)
		before := map[string]int64{"com.x": cache.Remaining("com.x"), "com.y": cache.Remaining("com.y")}

		decisions := r.Reconcile(totals)
		for _, d := range decisions {
			if d.Before != d.After {
				t.Errorf("Input %d: second application changed %s from %d to %d", i, d.AppID, d.Before, d.After)
			}
			if d.After != before[d.AppID] {
				t.Errorf("Input %d: %s moved from %d to %d", i, d.AppID, before[d.AppID], d.After)
			}
		}
	}
}

func TestReconciler_RemovesAbsentApps(t *testing.T) {
	cache := NewCache()
	r := NewReconciler(cache, DefaultGrace, zerolog.Nop())
	cache.UnlockPackage("com.x", 1000)
	cache.UnlockPackage("com.y", 1000)

	decisions := r.Reconcile(map[string]int64{"com.y": 20000})

	apps := cache.Apps()
	if len(apps) != 1 || apps[0] != "com.y" {
		t.Errorf("Expected only com.y to remain, got %v", apps)
	}

	var removed bool
	for _, d := range decisions {
		if d.AppID == "com.x" && d.Action == ActionRemove {
			removed = true
		}
	}
	if !removed {
		t.Errorf("Expected a remove decision for com.x, got %+v", decisions)
	}
}

func TestReconcileScheduler_RunOnce(t *testing.T) {
	f := newMonitorFixture(t)
	f.ledger.unlocks = []storage.Unlock{
		{AppID: "com.x", Kind: storage.UnlockUsage, RemainingMs: 30000},
		{AppID: "com.x", Kind: storage.UnlockUsage, RemainingMs: 15000},
	}

	// Pending from an earlier failed flush is retried first
	f.cache.AddPending("com.y", 4000)

	reconciler := NewReconciler(f.cache, DefaultGrace, zerolog.Nop())
	scheduler := NewReconcileScheduler(f.ledger, f.monitor, reconciler, f.clock, SchedulerConfig{UserID: "user-1"}, zerolog.Nop())

	if err := scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	f.flusher.Stop()

	if got := f.cache.Remaining("com.x"); got != 45000 {
		t.Errorf("Expected first load to set 45000, got %d", got)
	}
	if calls := f.ledger.calls("com.y"); len(calls) != 1 || calls[0] != 4000 {
		t.Errorf("Expected pending com.y to be retried, got %v", calls)
	}
	if apps := f.cache.Apps(); len(apps) != 1 {
		t.Errorf("Expected com.y to be removed with no remote unlock, got %v", apps)
	}
}

func TestReconcileScheduler_FetchError(t *testing.T) {
	cache := NewCache()
	cache.UnlockPackage("com.x", 1000)
	ledger := newFakeLedger()
	ledger.fetchErr = errLedgerDown

	clock := policy.NewTestClock(time.Now())
	reconciler := NewReconciler(cache, DefaultGrace, zerolog.Nop())
	scheduler := NewReconcileScheduler(ledger, nil, reconciler, clock, SchedulerConfig{UserID: "user-1"}, zerolog.Nop())

	if err := scheduler.RunOnce(context.Background()); err == nil {
		t.Fatal("Expected fetch error")
	}
	if got := cache.Remaining("com.x"); got != 1000 {
		t.Errorf("Expected cache untouched on fetch failure, got %d", got)
	}
}

func TestReconcileScheduler_StopWaitsForPass(t *testing.T) {
	cache := NewCache()
	ledger := newFakeLedger()
	ledger.fetchStarted = make(chan struct{}, 1)
	ledger.fetchGate = make(chan struct{})

	clock := policy.NewTestClock(time.Now())
	reconciler := NewReconciler(cache, DefaultGrace, zerolog.Nop())
	scheduler := NewReconcileScheduler(ledger, nil, reconciler, clock, SchedulerConfig{UserID: "user-1", Interval: time.Hour}, zerolog.Nop())

	scheduler.Start()
	<-ledger.fetchStarted

	stopped := make(chan struct{})
	go func() {
		scheduler.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a reconcile pass was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(ledger.fetchGate)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the pass finished")
	}
}
