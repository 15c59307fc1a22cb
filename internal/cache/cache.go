// Package cache provides a thread-safe in-memory cache with per-entry TTL and
// FIFO capacity eviction. Raw snapshots and processed records live in distinct
// namespaces under the same capacity cap.
//
// Eviction is oldest-created-first, not least-recently-used: retention is
// driven by when data was collected, not by how often it is read.
package cache

import (
	"sync"
	"time"
)

// Namespace separates raw and processed entries sharing one cache.
type Namespace string

const (
	// NamespaceRaw holds MarketSnapshots keyed by fingerprint.
	NamespaceRaw Namespace = "raw"
	// NamespaceProcessed holds ProcessedRecords keyed by record ID.
	NamespaceProcessed Namespace = "processed"
)

type entry struct {
	value     any
	createdAt time.Time
	expiresAt time.Time
	seq       uint64 // creation order tiebreak for equal timestamps
}

// Cache is a bounded TTL cache. All methods are safe for concurrent use and
// idempotent: repeating a Put with identical value and TTL only refreshes the
// entry's expiry.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	maxEntries int
	seq        uint64

	now func() time.Time // overridable in tests
}

// New creates a cache holding at most maxEntries entries across all
// namespaces. A non-positive maxEntries means unbounded.
func New(maxEntries int) *Cache {
	return &Cache{
		entries:    make(map[string]entry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func compositeKey(ns Namespace, key string) string {
	return string(ns) + ":" + key
}

// Put stores value under (ns, key) with expiry = now + ttl, overwriting any
// existing entry for the same key. When the cache exceeds its capacity the
// oldest-created entries are evicted until it is back under the limit.
func (c *Cache) Put(ns Namespace, key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.seq++
	c.entries[compositeKey(ns, key)] = entry{
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
		seq:       c.seq,
	}

	for c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		c.evictOldestLocked()
	}
}

// Get returns the value stored under (ns, key). An expired entry is treated
// as absent and removed on the spot.
func (c *Cache) Get(ns Namespace, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ck := compositeKey(ns, key)
	e, exists := c.entries[ck]
	if !exists {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, ck)
		return nil, false
	}
	return e.value, true
}

// Len returns the number of entries currently held, including entries that
// have expired but not yet been swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes all expired entries and returns how many were removed.
// Intended to run periodically; Get is correct without it.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// evictOldestLocked removes the entry with the earliest creation time.
// Caller must hold c.mu.
func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldest entry
	first := true
	for k, e := range c.entries {
		if first || e.createdAt.Before(oldest.createdAt) ||
			(e.createdAt.Equal(oldest.createdAt) && e.seq < oldest.seq) {
			oldestKey = k
			oldest = e
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}
