package discovery

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/onnwee/offboard/internal/identity"
	"golang.org/x/sync/errgroup"
)

// AppCache memoises resolved application identities by id for the life of
// the process. Entries are never evicted; application identities are
// long-lived and Reset exists for tests.
type AppCache struct {
	mu     sync.RWMutex
	apps   map[string]*identity.AppIdentity
	hits   int
	misses int
}

// NewAppCache creates an empty cache.
func NewAppCache() *AppCache {
	return &AppCache{apps: make(map[string]*identity.AppIdentity)}
}

// Get returns a cached identity.
func (c *AppCache) Get(id string) (*identity.AppIdentity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	app, ok := c.apps[id]
	return app, ok
}

// Put stores an identity under id. Last writer wins.
func (c *AppCache) Put(id string, app *identity.AppIdentity) {
	if app == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apps[id] = app
}

// Len returns the number of cached identities.
func (c *AppCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.apps)
}

// Stats returns cache hit and miss counts.
func (c *AppCache) Stats() (hits, misses int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}

// Reset empties the cache.
func (c *AppCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apps = make(map[string]*identity.AppIdentity)
	c.hits, c.misses = 0, 0
}

// Resolve looks up every id, fetching misses from the provider in one
// bounded-concurrency batch. Unresolvable ids are absent from the result.
func (c *AppCache) Resolve(ctx context.Context, provider identity.Provider, ids []string, limit int, logger *slog.Logger) map[string]*identity.AppIdentity {
	if logger == nil {
		logger = slog.Default()
	}
	out := make(map[string]*identity.AppIdentity, len(ids))
	var missing []string

	c.mu.Lock()
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		if app, ok := c.apps[id]; ok {
			out[id] = app
			c.hits++
			continue
		}
		missing = append(missing, id)
		c.misses++
	}
	c.mu.Unlock()

	if len(missing) == 0 {
		return out
	}
	sort.Strings(missing)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, id := range missing {
		g.Go(func() error {
			app, err := provider.ResolveApplication(ctx, id)
			if err != nil {
				logger.Warn("application resolution failed", "client_id", id, "error", err)
				return nil
			}
			if app == nil {
				return nil
			}
			c.Put(id, app)
			mu.Lock()
			out[id] = app
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
