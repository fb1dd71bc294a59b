package directory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/pitabwire/passage/internal/observability"
	"github.com/pitabwire/passage/model"
)

type cacheEntry struct {
	users   []string
	expires time.Time
}

// CachedDirectory wraps an ApproverDirectory with a TTL cache keyed by role.
type CachedDirectory struct {
	next       model.ApproverDirectory
	ttl        time.Duration
	maxEntries int
	metrics    *observability.Metrics
	now        func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewCachedDirectory caches lookups against next for ttl. When the cache
// holds maxEntries roles it is cleared before the next insert; maxEntries
// of zero means unbounded. metrics may be nil.
func NewCachedDirectory(next model.ApproverDirectory, ttl time.Duration, maxEntries int, metrics *observability.Metrics) *CachedDirectory {
	return &CachedDirectory{
		next:       next,
		ttl:        ttl,
		maxEntries: maxEntries,
		metrics:    metrics,
		now:        time.Now,
		cache:      make(map[string]cacheEntry),
	}
}

// ResolveApprover returns the cached users for role, consulting the wrapped
// directory on a miss. Errors are not cached.
func (c *CachedDirectory) ResolveApprover(ctx context.Context, role string) ([]string, error) {
	c.mu.RLock()
	entry, ok := c.cache[role]
	c.mu.RUnlock()
	if ok && c.now().Before(entry.expires) {
		if c.metrics != nil {
			c.metrics.RecordDirectoryCacheHit()
		}
		return slices.Clone(entry.users), nil
	}

	if c.metrics != nil {
		c.metrics.RecordDirectoryCacheMiss()
	}
	users, err := c.next.ResolveApprover(ctx, role)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.maxEntries > 0 && len(c.cache) >= c.maxEntries {
		clear(c.cache)
	}
	c.cache[role] = cacheEntry{users: slices.Clone(users), expires: c.now().Add(c.ttl)}
	c.mu.Unlock()

	return users, nil
}

// HealthCheck delegates to the wrapped directory when it supports one.
func (c *CachedDirectory) HealthCheck(ctx context.Context) error {
	if hc, ok := c.next.(observability.HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}
