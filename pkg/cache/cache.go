// Package cache holds the token to identity cache used by the gate.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/openchami/oauth2bridge/pkg/identity"
	"github.com/openchami/oauth2bridge/pkg/logging"
	"github.com/openchami/oauth2bridge/pkg/metrics"
)

const (
	// DefaultTTL applies when a non-positive TTL is configured.
	DefaultTTL = 1800 * time.Second
	// DefaultMaxEntries bounds the number of cached tokens.
	DefaultMaxEntries = 10000
)

// Entry is a cached, verified token
type Entry struct {
	Token        string
	Identity     *identity.Identity
	InsertedAt   time.Time
	LastAccessed time.Time
}

// generation is one immutable-TTL instance of the cache. mu orders
// get-and-touch against invalidation and against retirement by Reconfigure.
type generation struct {
	mu      sync.Mutex
	lru     *expirable.LRU[string, Entry]
	ttl     time.Duration
	retired atomic.Bool
}

// TokenCache maps access tokens to identities with sliding expiry and a hard
// size bound. The active generation is swapped atomically on Reconfigure.
type TokenCache struct {
	active     atomic.Pointer[generation]
	reconfMu   sync.Mutex
	maxEntries int
	logger     *logging.StructuredLogger
}

// Option configures a TokenCache
type Option func(*TokenCache)

// WithMaxEntries overrides DefaultMaxEntries
func WithMaxEntries(n int) Option {
	return func(c *TokenCache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// New creates a cache with the given idle TTL
func New(ttl time.Duration, opts ...Option) *TokenCache {
	c := &TokenCache{
		maxEntries: DefaultMaxEntries,
		logger:     logging.NewStructuredLogger("token-cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.active.Store(c.newGeneration(NormalizeTTL(ttl)))
	return c
}

// NormalizeTTL maps non-positive values to DefaultTTL
func NormalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

func (c *TokenCache) newGeneration(ttl time.Duration) *generation {
	g := &generation{ttl: ttl}
	g.lru = expirable.NewLRU[string, Entry](c.maxEntries, func(string, Entry) {
		// Purging a retired generation is not an eviction.
		if !g.retired.Load() {
			metrics.CacheEvictions.Inc()
		}
	}, ttl)
	return g
}

// current runs fn against the live generation while holding its lock.
func (c *TokenCache) current(fn func(g *generation)) {
	for {
		g := c.active.Load()
		g.mu.Lock()
		if g.retired.Load() {
			g.mu.Unlock()
			continue
		}
		fn(g)
		g.mu.Unlock()
		return
	}
}

// Get returns the identity cached for token and restarts its idle timer.
func (c *TokenCache) Get(token string) (*identity.Identity, bool) {
	var (
		entry Entry
		ok    bool
	)
	c.current(func(g *generation) {
		entry, ok = g.lru.Get(token)
		if ok {
			entry.LastAccessed = time.Now()
			g.lru.Add(token, entry)
		}
	})
	metrics.RecordCacheLookup(ok)
	if !ok {
		return nil, false
	}
	return entry.Identity, true
}

// Put caches id for token
func (c *TokenCache) Put(token string, id *identity.Identity) {
	if token == "" || id == nil {
		return
	}
	now := time.Now()
	c.current(func(g *generation) {
		g.lru.Add(token, Entry{Token: token, Identity: id, InsertedAt: now, LastAccessed: now})
	})
}

// Invalidate removes token. It reports whether an entry was present.
func (c *TokenCache) Invalidate(token string) bool {
	var removed bool
	c.current(func(g *generation) {
		removed = g.lru.Remove(token)
	})
	return removed
}

// TTL returns the idle timeout of the live generation
func (c *TokenCache) TTL() time.Duration {
	return c.active.Load().ttl
}

// Len returns the number of entries, including ones expired but not yet reclaimed
func (c *TokenCache) Len() int {
	return c.active.Load().lru.Len()
}

// Reconfigure replaces the cache with one using ttl, carrying over every
// live entry in recency order. Concurrent callers are never without a cache.
func (c *TokenCache) Reconfigure(ttl time.Duration) {
	ttl = NormalizeTTL(ttl)

	c.reconfMu.Lock()
	defer c.reconfMu.Unlock()

	old := c.active.Load()
	if old.ttl == ttl {
		return
	}

	next := c.newGeneration(ttl)

	old.mu.Lock()
	for _, token := range old.lru.Keys() {
		if entry, ok := old.lru.Peek(token); ok {
			next.lru.Add(token, entry)
		}
	}
	c.active.Store(next)
	old.retired.Store(true)
	old.mu.Unlock()

	old.lru.Purge()
	metrics.CacheReconfigurations.Inc()

	c.logger.WithFields(map[string]interface{}{
		"old_ttl": old.ttl.String(),
		"new_ttl": ttl.String(),
		"entries": next.lru.Len(),
	}).Info("token cache reconfigured")
}

// EnsureTTL reconfigures the cache when ttl differs from the live one.
func (c *TokenCache) EnsureTTL(ttl time.Duration) {
	if NormalizeTTL(ttl) != c.TTL() {
		c.Reconfigure(ttl)
	}
}
