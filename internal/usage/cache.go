package usage

import (
	"sort"
	"sync"

	"github.com/goodtune/unlockd/internal/metrics"
	"github.com/goodtune/unlockd/internal/storage"
)

// Cache is the local balance cache. Every read-modify-write of a balance
// happens under a single lock so the event, poll and reconcile paths never
// lose each other's updates.
type Cache struct {
	balances map[string]*TimeBalance
	mu       sync.Mutex
}

// NewCache creates an empty balance cache
func NewCache() *Cache {
	return &Cache{
		balances: make(map[string]*TimeBalance),
	}
}

// getLocked returns the balance for appID, creating it on first use
func (c *Cache) getLocked(appID string) *TimeBalance {
	b, ok := c.balances[appID]
	if !ok {
		b = &TimeBalance{LastKnownRemoteTotalMs: NeverSynced}
		c.balances[appID] = b
	}
	return b
}

// Get returns a copy of the balance for appID
func (c *Cache) Get(appID string) TimeBalance {
	c.mu.Lock()
	defer c.mu.Unlock()

	return *c.getLocked(appID)
}

// Remaining returns the unlocked time left for appID
func (c *Cache) Remaining(appID string) int64 {
	return c.Get(appID).RemainingMs
}

// Pending returns the deducted time not yet flushed for appID
func (c *Cache) Pending(appID string) int64 {
	return c.Get(appID).PendingDeductionMs
}

// PendingAll returns every application with unflushed deductions
func (c *Cache) PendingAll() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := make(map[string]int64)
	for appID, b := range c.balances {
		if b.PendingDeductionMs > 0 {
			pending[appID] = b.PendingDeductionMs
		}
	}
	return pending
}

// Deduct charges elapsed against appID. It returns the new remaining time,
// the amount actually deducted and the resulting pending total.
func (c *Cache) Deduct(appID string, elapsed int64) (remaining, deducted, pending int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.getLocked(appID)
	b.RemainingMs, deducted = Deduct(b.RemainingMs, elapsed)
	b.PendingDeductionMs += deducted
	c.observe(appID, b)

	return b.RemainingMs, deducted, b.PendingDeductionMs
}

// SubtractPending removes a dispatched amount from the pending counter
func (c *Cache) SubtractPending(appID string, ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.balances[appID]
	if !ok {
		return
	}
	b.PendingDeductionMs -= ms
	if b.PendingDeductionMs < 0 {
		b.PendingDeductionMs = 0
	}
	c.observe(appID, b)
}

// AddPending returns an amount to the pending counter after a failed flush
func (c *Cache) AddPending(appID string, ms int64) {
	if ms <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.getLocked(appID)
	b.PendingDeductionMs += ms
	c.observe(appID, b)
}

// UnlockPackage adds durationMs of unlocked time to appID
func (c *Cache) UnlockPackage(appID string, durationMs int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	b := c.getLocked(appID)
	if durationMs > 0 {
		b.RemainingMs += durationMs
	}
	c.observe(appID, b)
	return b.RemainingMs
}

// Remove drops the balance for appID
func (c *Cache) Remove(appID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.removeLocked(appID)
}

func (c *Cache) removeLocked(appID string) {
	delete(c.balances, appID)
	metrics.RemainingMilliseconds.DeleteLabelValues(appID)
	metrics.PendingMilliseconds.DeleteLabelValues(appID)
}

// Apps returns the identifiers of every cached balance
func (c *Cache) Apps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	apps := make([]string, 0, len(c.balances))
	for appID := range c.balances {
		apps = append(apps, appID)
	}
	sort.Strings(apps)
	return apps
}

// Reconcile applies remote totals to the cache under one lock. Balances
// absent from totals are removed.
func (c *Cache) Reconcile(totals map[string]int64, graceMs int64) []Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	decisions := make([]Decision, 0, len(totals)+len(c.balances))

	for appID := range c.balances {
		if _, ok := totals[appID]; !ok {
			decisions = append(decisions, Decision{
				AppID:  appID,
				Action: ActionRemove,
				Before: c.balances[appID].RemainingMs,
			})
			c.removeLocked(appID)
		}
	}

	for appID, remote := range totals {
		b := c.getLocked(appID)
		d := Decision{
			AppID:     appID,
			Action:    Decide(b.LastKnownRemoteTotalMs, remote, b.RemainingMs, graceMs),
			Remote:    remote,
			Before:    b.RemainingMs,
			LastKnown: b.LastKnownRemoteTotalMs,
		}

		switch d.Action {
		case ActionOverwrite:
			b.RemainingMs = remote
			b.LastKnownRemoteTotalMs = remote
		case ActionTrack:
			b.LastKnownRemoteTotalMs = remote
		}

		d.After = b.RemainingMs
		c.observe(appID, b)
		decisions = append(decisions, d)
	}

	sort.Slice(decisions, func(i, j int) bool { return decisions[i].AppID < decisions[j].AppID })
	return decisions
}

// Snapshot returns the persisted form of every balance
func (c *Cache) Snapshot() []storage.BalanceSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshots := make([]storage.BalanceSnapshot, 0, len(c.balances))
	for appID, b := range c.balances {
		snapshots = append(snapshots, storage.BalanceSnapshot{
			AppID:                  appID,
			RemainingMs:            b.RemainingMs,
			PendingDeductionMs:     b.PendingDeductionMs,
			LastKnownRemoteTotalMs: b.LastKnownRemoteTotalMs,
		})
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].AppID < snapshots[j].AppID })
	return snapshots
}

// Restore replaces the cache contents with a saved snapshot
func (c *Cache) Restore(snapshots []storage.BalanceSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for appID := range c.balances {
		c.removeLocked(appID)
	}

	for _, s := range snapshots {
		if s.AppID == "" {
			continue
		}
		b := &TimeBalance{
			RemainingMs:            max(s.RemainingMs, 0),
			PendingDeductionMs:     max(s.PendingDeductionMs, 0),
			LastKnownRemoteTotalMs: s.LastKnownRemoteTotalMs,
		}
		c.balances[s.AppID] = b
		c.observe(s.AppID, b)
	}
}

func (c *Cache) observe(appID string, b *TimeBalance) {
	metrics.RemainingMilliseconds.WithLabelValues(appID).Set(float64(b.RemainingMs))
	metrics.PendingMilliseconds.WithLabelValues(appID).Set(float64(b.PendingDeductionMs))
}
