package usage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/unlockd/internal/storage"
)

// fakeLedger records ConsumeTime calls and serves canned unlocks
type fakeLedger struct {
	mu       sync.Mutex
	consumed map[string][]int64
	unlocks  []storage.Unlock
	err      error
	fetchErr error

	inflight    map[string]*int32
	overlapping atomic.Bool
	delay       time.Duration

	// fetchStarted and fetchGate hold FetchActiveUnlocks open when set
	fetchStarted chan struct{}
	fetchGate    chan struct{}
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		consumed: make(map[string][]int64),
		inflight: make(map[string]*int32),
	}
}

func (l *fakeLedger) FetchActiveUnlocks(ctx context.Context, userID string) ([]storage.Unlock, error) {
	l.mu.Lock()
	started, gate := l.fetchStarted, l.fetchGate
	l.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fetchErr != nil {
		return nil, l.fetchErr
	}
	return append([]storage.Unlock(nil), l.unlocks...), nil
}

func (l *fakeLedger) ConsumeTime(ctx context.Context, userID, appID string, ms int64) error {
	l.mu.Lock()
	counter, ok := l.inflight[appID]
	if !ok {
		counter = new(int32)
		l.inflight[appID] = counter
	}
	err := l.err
	delay := l.delay
	l.mu.Unlock()

	if atomic.AddInt32(counter, 1) > 1 {
		l.overlapping.Store(true)
	}
	defer atomic.AddInt32(counter, -1)

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.consumed[appID] = append(l.consumed[appID], ms)
	return nil
}

func (l *fakeLedger) GrantUnlock(ctx context.Context, userID, appID string, minutes int, cost int64) error {
	return nil
}

func (l *fakeLedger) EmergencyUnlock(ctx context.Context, userID, appID string, duration time.Duration) error {
	return nil
}

func (l *fakeLedger) LogSteps(ctx context.Context, userID string, steps int64, at time.Time) error {
	return nil
}

func (l *fakeLedger) GetAccount(ctx context.Context, userID string) (*storage.Account, error) {
	return &storage.Account{UserID: userID}, nil
}

func (l *fakeLedger) AddCoins(ctx context.Context, userID string, coins int64) error {
	return nil
}

func (l *fakeLedger) GetDailySteps(ctx context.Context, userID, date string) (int64, error) {
	return 0, storage.ErrNotFound
}

func (l *fakeLedger) calls(appID string) []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int64(nil), l.consumed[appID]...)
}

func (l *fakeLedger) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

var errLedgerDown = errors.New("ledger unavailable")

// fakeLocker records observations
type fakeLocker struct {
	mu          sync.Mutex
	observed    []int64
	backgrounds []string
}

func (l *fakeLocker) Observe(app ManagedApplication, remainingMs int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observed = append(l.observed, remainingMs)
}

func (l *fakeLocker) Background(appID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.backgrounds = append(l.backgrounds, appID)
}

func (l *fakeLocker) zeroObservations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.observed {
		if r == 0 {
			n++
		}
	}
	return n
}

// memBalanceStore is an in-memory BalanceStore
type memBalanceStore struct {
	mu       sync.Mutex
	balances []storage.BalanceSnapshot
}

func (s *memBalanceStore) LoadBalances(ctx context.Context, userID string) ([]storage.BalanceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.BalanceSnapshot(nil), s.balances...), nil
}

func (s *memBalanceStore) SaveBalances(ctx context.Context, userID string, balances []storage.BalanceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances = append([]storage.BalanceSnapshot(nil), balances...)
	return nil
}
