package usage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goodtune/unlockd/internal/metrics"
	"github.com/goodtune/unlockd/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	// DefaultSyncTimeout bounds a single consume call
	DefaultSyncTimeout = 15 * time.Second

	// flushQueueSize bounds the dispatches buffered per application
	flushQueueSize = 32
)

// FlusherConfig holds flusher configuration
type FlusherConfig struct {
	UserID    string
	RateLimit float64
	Burst     int
	Timeout   time.Duration
}

// Flusher pushes pending deductions to the remote ledger. Each application
// has its own worker so flushes of one application are strictly ordered
// and never concurrent, while different applications proceed independently.
type Flusher struct {
	ledger  storage.Ledger
	cache   *Cache
	userID  string
	limiter *rate.Limiter
	timeout time.Duration
	logger  zerolog.Logger

	mu     sync.Mutex
	queues map[string]chan int64
	closed bool
	wg     sync.WaitGroup
}

// NewFlusher creates a new flusher. Failed flushes are returned to cache.
func NewFlusher(ledger storage.Ledger, cache *Cache, config FlusherConfig, logger zerolog.Logger) *Flusher {
	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultSyncTimeout
	}

	return &Flusher{
		ledger:  ledger,
		cache:   cache,
		userID:  config.UserID,
		limiter: rate.NewLimiter(limit, config.Burst),
		timeout: config.Timeout,
		logger:  logger.With().Str("component", "flusher").Logger(),
		queues:  make(map[string]chan int64),
	}
}

// Dispatch queues ms of usage for appID and returns without waiting for
// the ledger. It reports false when the flush could not be queued, in which
// case the caller keeps the amount pending.
func (f *Flusher) Dispatch(appID string, ms int64) bool {
	if ms <= 0 {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return false
	}

	queue, ok := f.queues[appID]
	if !ok {
		queue = make(chan int64, flushQueueSize)
		f.queues[appID] = queue
		f.wg.Add(1)
		go f.worker(appID, queue)
	}

	select {
	case queue <- ms:
		f.logger.Debug().Str("app_id", appID).Int64("ms", ms).Msg("Flush dispatched")
		return true
	default:
		metrics.FlushesTotal.WithLabelValues("backlogged").Inc()
		f.logger.Warn().Str("app_id", appID).Int64("ms", ms).Msg("Flush queue full, keeping deduction pending")
		return false
	}
}

// worker sends queued flushes for one application in order
func (f *Flusher) worker(appID string, queue chan int64) {
	defer f.wg.Done()

	for ms := range queue {
		if err := f.send(appID, ms); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// No unlock row left to charge
				metrics.FlushesTotal.WithLabelValues("dropped").Inc()
				f.logger.Debug().Str("app_id", appID).Int64("ms", ms).Msg("No remote unlock for deduction, dropping")
				continue
			}

			metrics.FlushesTotal.WithLabelValues("error").Inc()
			f.cache.AddPending(appID, ms)
			f.logger.Warn().Err(err).Str("app_id", appID).Int64("ms", ms).Msg("Flush failed, deduction returned to pending")
			continue
		}

		metrics.FlushesTotal.WithLabelValues("success").Inc()
	}
}

// send issues one consume call to the ledger
func (f *Flusher) send(appID string, ms int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()

	if err := f.limiter.Wait(ctx); err != nil {
		return err
	}

	start := time.Now()
	err := f.ledger.ConsumeTime(ctx, f.userID, appID, ms)
	metrics.FlushDuration.Observe(time.Since(start).Seconds())

	return err
}

// Stop refuses new dispatches and waits for queued flushes to finish
func (f *Flusher) Stop() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for _, queue := range f.queues {
		close(queue)
	}
	f.mu.Unlock()

	f.wg.Wait()
	f.logger.Info().Msg("Flusher stopped")
}
