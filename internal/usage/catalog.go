package usage

import (
	"sort"
	"sync"

	"github.com/goodtune/unlockd/internal/metrics"
)

// Catalog is the registry of managed applications
type Catalog struct {
	apps map[string]ManagedApplication
	mu   sync.RWMutex
}

// NewCatalog creates a catalog seeded with apps
func NewCatalog(apps []ManagedApplication) *Catalog {
	c := &Catalog{
		apps: make(map[string]ManagedApplication, len(apps)),
	}
	for _, app := range apps {
		c.apps[app.ID] = app
	}
	metrics.ManagedApps.Set(float64(len(c.apps)))
	return c
}

// Sync replaces the managed set with apps and reports how many
// identifiers were added and removed. Changed entries count as neither.
func (c *Catalog) Sync(apps []ManagedApplication) (added, removed int) {
	next := make(map[string]ManagedApplication, len(apps))
	for _, app := range apps {
		next[app.ID] = app
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for id := range next {
		if _, ok := c.apps[id]; !ok {
			added++
		}
	}
	for id := range c.apps {
		if _, ok := next[id]; !ok {
			removed++
		}
	}

	c.apps = next
	metrics.ManagedApps.Set(float64(len(c.apps)))
	return added, removed
}

// Get returns the application with the given identifier
func (c *Catalog) Get(appID string) (ManagedApplication, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	app, ok := c.apps[appID]
	return app, ok
}

// Count returns the number of managed applications
func (c *Catalog) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.apps)
}

// List returns all managed applications ordered by identifier
func (c *Catalog) List() []ManagedApplication {
	c.mu.RLock()
	defer c.mu.RUnlock()

	apps := make([]ManagedApplication, 0, len(c.apps))
	for _, app := range c.apps {
		apps = append(apps, app)
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].ID < apps[j].ID })
	return apps
}
