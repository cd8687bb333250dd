package entitlement

import (
	"context"
	"sync"
	"time"

	"github.com/oddsight/oddsight/internal/metrics"
)

// Cache is a short-TTL, per-user memoization layer in front of the store.
//
// It is an injected component, not an ambient singleton: every writer calls
// Invalidate synchronously after a successful store write, so the next read
// for that user reflects the new state instead of waiting out the TTL. Entries
// past the TTL are treated as a miss, never served stale.
//
// The cache is per-process. In a multi-instance deployment other instances may
// serve a view up to one TTL old after a write happening elsewhere; that is
// the accepted staleness bound.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	store   Store
	now     func() time.Time
}

type cacheEntry struct {
	snapshot  *UserEntitlement
	fetchedAt time.Time
}

// NewCache creates a read-through cache over store with the given TTL.
func NewCache(store Store, ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		store:   store,
		now:     time.Now,
	}
}

// SetClock overrides the cache clock (tests only).
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the entitlement for userID, reading through to the store on a
// miss or a stale entry. The returned value is a copy; mutating it does not
// affect the cached snapshot.
func (c *Cache) Get(ctx context.Context, userID string) (*UserEntitlement, error) {
	c.mu.RLock()
	entry, ok := c.entries[userID]
	now := c.now()
	c.mu.RUnlock()

	if ok && now.Sub(entry.fetchedAt) < c.ttl {
		metrics.PlanCacheHitsTotal.Inc()
		return entry.snapshot.Clone(), nil
	}

	metrics.PlanCacheMissesTotal.Inc()
	u, err := c.store.LoadOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[userID] = cacheEntry{snapshot: u.Clone(), fetchedAt: c.now()}
	c.mu.Unlock()

	return u, nil
}

// Invalidate removes the cached entry for userID immediately.
func (c *Cache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

// Sweep drops entries older than twice the TTL and returns how many were
// removed. Called periodically so abandoned users do not accumulate.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, entry := range c.entries {
		if now.Sub(entry.fetchedAt) > 2*c.ttl {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Size returns the current number of cached users.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
