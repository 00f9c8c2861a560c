package gateway

import (
	"sync"
	"time"
)

// DefaultCacheCapacity bounds the policy decision cache.
const DefaultCacheCapacity = 1000

// DefaultCacheTTL is the per-entry lifetime of a cached decision.
const DefaultCacheTTL = 5 * time.Minute

// CachedDecision is one remembered authorization outcome for a
// (principal, resource) pair, used when the authoritative policy
// store is unreachable.
type CachedDecision struct {
	PrincipalID string            `json:"principal_id"`
	Resource    string            `json:"resource"`
	Allowed     bool              `json:"allowed"`
	MandateID   string            `json:"mandate_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	InsertedAt  time.Time         `json:"inserted_at"`
}

// CacheStats is the observable state of the policy cache.
type CacheStats struct {
	Hits         uint64  `json:"hits"`
	Misses       uint64  `json:"misses"`
	Evictions    uint64  `json:"evictions"`
	Size         int     `json:"size"`
	OldestAgeSec float64 `json:"oldest_entry_age_seconds"`
	HitRate      float64 `json:"hit_rate"`
}

type cacheKey struct {
	principalID string
	resource    string
}

// PolicyCache is a fixed-capacity TTL cache of authorization decisions.
// When full, inserting a new key evicts the oldest-inserted entry.
type PolicyCache struct {
	mu        sync.Mutex
	capacity  int
	ttl       time.Duration
	entries   map[cacheKey]*CachedDecision
	hits      uint64
	misses    uint64
	evictions uint64
	clock     func() time.Time
}

// NewPolicyCache builds a cache; non-positive capacity or ttl fall back
// to the defaults.
func NewPolicyCache(capacity int, ttl time.Duration) *PolicyCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &PolicyCache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[cacheKey]*CachedDecision),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (c *PolicyCache) WithClock(clock func() time.Time) *PolicyCache {
	c.clock = clock
	return c
}

// Get returns the cached decision for (principal, resource), or nil.
// Expired entries are evicted on access and count as misses.
func (c *PolicyCache) Get(principalID, resource string) *CachedDecision {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{principalID, resource}
	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil
	}
	if c.clock().Sub(entry.InsertedAt) > c.ttl {
		delete(c.entries, key)
		c.misses++
		return nil
	}
	c.hits++
	cp := *entry
	return &cp
}

// Put inserts or refreshes a decision. Inserting a new key at capacity
// evicts the oldest-inserted entry first.
func (c *PolicyCache) Put(principalID, resource string, allowed bool, mandateID string, metadata map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{principalID, resource}
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}
	c.entries[key] = &CachedDecision{
		PrincipalID: principalID,
		Resource:    resource,
		Allowed:     allowed,
		MandateID:   mandateID,
		Metadata:    metadata,
		InsertedAt:  c.clock(),
	}
}

func (c *PolicyCache) evictOldestLocked() {
	var oldestKey cacheKey
	var oldest time.Time
	first := true
	for k, e := range c.entries {
		if first || e.InsertedAt.Before(oldest) {
			oldestKey = k
			oldest = e.InsertedAt
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
		c.evictions++
	}
}

// Invalidate drops the (principal, resource) entry, or every entry for
// the principal when resource is empty.
func (c *PolicyCache) Invalidate(principalID, resource string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if resource != "" {
		delete(c.entries, cacheKey{principalID, resource})
		return
	}
	for k := range c.entries {
		if k.principalID == principalID {
			delete(c.entries, k)
		}
	}
}

// CleanupExpired drops every expired entry and returns the count.
// Intended for a periodic task.
func (c *PolicyCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock()
	dropped := 0
	for k, e := range c.entries {
		if now.Sub(e.InsertedAt) > c.ttl {
			delete(c.entries, k)
			dropped++
		}
	}
	return dropped
}

// Size returns the current entry count.
func (c *PolicyCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Age returns how long ago the (principal, resource) entry was
// inserted, and whether it exists.
func (c *PolicyCache) Age(principalID, resource string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey{principalID, resource}]
	if !ok {
		return 0, false
	}
	return c.clock().Sub(entry.InsertedAt), true
}

// Stats reports counters and derived hit rate.
func (c *PolicyCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
	}
	now := c.clock()
	for _, e := range c.entries {
		if age := now.Sub(e.InsertedAt).Seconds(); age > stats.OldestAgeSec {
			stats.OldestAgeSec = age
		}
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}
