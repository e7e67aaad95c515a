package search

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hazyhaar/recherche/scrape"
)

// FailureEntry records the most recent failure for one normalized query.
// Partial holds whatever metadata the failed search managed to gather before
// giving up, so short-circuited repeats can still answer with something.
type FailureEntry struct {
	Query     string            `json:"query"`
	Reason    string            `json:"reason"`
	Count     int               `json:"count"`
	Partial   []scrape.Metadata `json:"partial,omitempty"`
	FirstSeen time.Time         `json:"first_seen"`
	LastSeen  time.Time         `json:"last_seen"`
}

// FailureCache remembers queries that recently failed across every engine so
// repeated identical requests are answered without touching the network.
// Entries expire after a TTL; capacity eviction drops the globally oldest
// entry, and lookups never refresh an entry's age. Thread-safe.
type FailureCache struct {
	mu  sync.Mutex
	lru *lru.Cache[string, *FailureEntry]
	ttl time.Duration
	now func() time.Time
}

// FailureCacheOption configures a FailureCache.
type FailureCacheOption func(*FailureCache)

// WithFailureTTL sets the entry time-to-live.
func WithFailureTTL(d time.Duration) FailureCacheOption {
	return func(c *FailureCache) { c.ttl = d }
}

// WithFailureClock sets a custom clock function (for testing).
func WithFailureClock(fn func() time.Time) FailureCacheOption {
	return func(c *FailureCache) { c.now = fn }
}

// NewFailureCache creates a failure cache with the given capacity (<= 0 means
// the default of 100) and a 5 minute TTL.
func NewFailureCache(capacity int, opts ...FailureCacheOption) *FailureCache {
	if capacity <= 0 {
		capacity = 100
	}
	l, _ := lru.New[string, *FailureEntry](capacity)
	c := &FailureCache{
		lru: l,
		ttl: 5 * time.Minute,
		now: time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// normalizeQuery canonicalizes a query for cache keying: lowercase,
// whitespace-collapsed.
func normalizeQuery(query string) string {
	return strings.Join(strings.Fields(strings.ToLower(query)), " ")
}

// Record marks a query as failed, optionally keeping the partial metadata the
// failed search produced. Re-recording an unexpired entry bumps its count and
// refreshes the TTL; at capacity the globally oldest entry is evicted.
func (c *FailureCache) Record(query, reason string, partial []scrape.Metadata) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := normalizeQuery(query)
	now := c.now()
	// Get, not Peek: overwriting makes the entry the youngest again.
	if e, ok := c.lru.Get(key); ok && now.Sub(e.FirstSeen) < c.ttl {
		e.Count++
		e.LastSeen = now
		e.Reason = reason
		if len(partial) > 0 {
			e.Partial = append([]scrape.Metadata(nil), partial...)
		}
		return
	}
	c.lru.Add(key, &FailureEntry{
		Query:     key,
		Reason:    reason,
		Count:     1,
		Partial:   append([]scrape.Metadata(nil), partial...),
		FirstSeen: now,
		LastSeen:  now,
	})
}

// Lookup returns the failure entry for a query, or nil when absent or
// expired. Expired entries are dropped on access. Lookups do not refresh the
// entry's position in the eviction order: only recording does.
func (c *FailureCache) Lookup(query string) *FailureEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := normalizeQuery(query)
	e, ok := c.lru.Peek(key)
	if !ok {
		return nil
	}
	if c.now().Sub(e.LastSeen) >= c.ttl {
		c.lru.Remove(key)
		return nil
	}
	cp := *e
	cp.Partial = append([]scrape.Metadata(nil), e.Partial...)
	return &cp
}

// Forget removes a query's failure entry, if any. Called after a success so
// a recovered query is never short-circuited.
func (c *FailureCache) Forget(query string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(normalizeQuery(query))
}

// CleanExpired sweeps out every expired entry and reports how many were
// removed. Expiry is otherwise lazy on Lookup; a periodic sweep keeps dead
// entries from squatting on capacity.
func (c *FailureCache) CleanExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && now.Sub(e.LastSeen) >= c.ttl {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries currently held, expired or not.
func (c *FailureCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
