package license

import (
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"authme/internal/clock"
)

// CacheKey derives the cache key for a license key and fingerprint. The
// separator keeps ("ab","c") and ("a","bc") apart.
func CacheKey(licenseKey, fingerprint string) string {
	sum := blake2b.Sum256([]byte(licenseKey + "\x00" + fingerprint))
	return hex.EncodeToString(sum[:])
}

type cacheEntry struct {
	result   ValidationResult
	storedAt time.Time
}

// ValidationCache keeps successful validation results for a fixed TTL.
// Only valid results are stored. It is safe for concurrent use.
type ValidationCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
	clock   clock.Clock
}

// NewValidationCache creates a cache with the given TTL. A zero TTL makes
// every entry stale immediately.
func NewValidationCache(ttl time.Duration, c clock.Clock) *ValidationCache {
	if c == nil {
		c = clock.Real()
	}
	return &ValidationCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		clock:   c,
	}
}

func (c *ValidationCache) fresh(e cacheEntry, now time.Time) bool {
	return now.Sub(e.storedAt) < c.ttl
}

// Get returns a copy of a fresh entry marked FromCache. Expired entries are
// reported as misses and left in place.
func (c *ValidationCache) Get(key string) (ValidationResult, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || !c.fresh(e, c.clock.Now()) {
		return ValidationResult{}, false
	}
	res := e.result
	res.Metadata = e.result.Metadata.clone()
	res.FromCache = true
	return res, true
}

// Put stores a valid result and reports whether it was stored.
func (c *ValidationCache) Put(key string, res ValidationResult) bool {
	if !res.Valid {
		return false
	}
	res.FromCache = false
	res.Metadata = res.Metadata.clone()

	c.mu.Lock()
	c.entries[key] = cacheEntry{result: res, storedAt: c.clock.Now()}
	c.mu.Unlock()
	return true
}

// Evict removes key and reports whether an entry was present.
func (c *ValidationCache) Evict(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	return true
}

// Clear drops every entry.
func (c *ValidationCache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Stats counts entries without modifying the cache.
func (c *ValidationCache) Stats() CacheStats {
	now := c.clock.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := CacheStats{Total: len(c.entries)}
	for _, e := range c.entries {
		if c.fresh(e, now) {
			stats.Valid++
		} else {
			stats.Expired++
		}
	}
	return stats
}
