package usage

import (
	"sync"
	"testing"
	"time"

	"github.com/goodtune/unlockd/internal/storage"
	"github.com/rs/zerolog"
)

func TestFlusher_SerializesPerApp(t *testing.T) {
	ledger := newFakeLedger()
	ledger.delay = 5 * time.Millisecond
	cache := NewCache()
	flusher := NewFlusher(ledger, cache, FlusherConfig{UserID: "user-1", Burst: 1}, zerolog.Nop())

	var wg sync.WaitGroup
	for _, appID := range []string{"com.x", "com.y"} {
		wg.Add(1)
		go func(appID string) {
			defer wg.Done()
			for i := 1; i <= 5; i++ {
				if !flusher.Dispatch(appID, int64(i*1000)) {
					t.Errorf("Dispatch %d for %s was refused", i, appID)
				}
			}
		}(appID)
	}
	wg.Wait()
	flusher.Stop()

	if ledger.overlapping.Load() {
		t.Error("Expected flushes for one app never to overlap")
	}

	for _, appID := range []string{"com.x", "com.y"} {
		calls := ledger.calls(appID)
		if len(calls) != 5 {
			t.Fatalf("Expected 5 flushes for %s, got %v", appID, calls)
		}
		for i, ms := range calls {
			if ms != int64((i+1)*1000) {
				t.Errorf("Expected flushes for %s in dispatch order, got %v", appID, calls)
				break
			}
		}
	}
}

func TestFlusher_DropsWhenNoUnlock(t *testing.T) {
	ledger := newFakeLedger()
	ledger.setErr(storage.ErrNotFound)
	cache := NewCache()
	flusher := NewFlusher(ledger, cache, FlusherConfig{UserID: "user-1"}, zerolog.Nop())

	flusher.Dispatch("com.x", 5000)
	flusher.Stop()

	if got := cache.Pending("com.x"); got != 0 {
		t.Errorf("Expected deduction without a remote unlock to be dropped, got %d pending", got)
	}
}

func TestFlusher_RejectsEmptyDispatch(t *testing.T) {
	flusher := NewFlusher(newFakeLedger(), NewCache(), FlusherConfig{}, zerolog.Nop())
	defer flusher.Stop()

	if flusher.Dispatch("com.x", 0) {
		t.Error("Expected a zero dispatch to be refused")
	}
}
