// ABOUTME: This file implements the time-bound response cache for idempotent reads
// ABOUTME: Expiry is checked at read time; no background sweep is required

package service

import (
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// cacheEntry stores one response body with its storage time and ttl.
type cacheEntry struct {
	body     []byte
	storedAt time.Time
	ttl      time.Duration
}

// expired is exclusive at the boundary: an entry aged exactly ttl is gone.
func (e cacheEntry) expired(now time.Time) bool {
	return !now.Before(e.storedAt.Add(e.ttl))
}

// ResponseCache caches idempotent read responses keyed by request
// fingerprint. Two callers racing to populate the same fingerprint may both
// write; last write wins, which is acceptable for identical requests.
type ResponseCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	now     func() time.Time
}

// NewResponseCache creates an empty response cache.
func NewResponseCache() *ResponseCache {
	return &ResponseCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Fingerprint builds the cache key for a request: method, path, and the
// query normalized by sorting keys and values.
func Fingerprint(method, path string, query url.Values) string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(path)

	if len(query) > 0 {
		keys := make([]string, 0, len(query))
		for k := range query {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		b.WriteByte('?')
		for i, k := range keys {
			values := append([]string(nil), query[k]...)
			sort.Strings(values)
			for j, v := range values {
				if i > 0 || j > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
	}

	return b.String()
}

// Get returns the cached body for the fingerprint, or false when the entry
// is absent or expired. Expired entries are evicted lazily here.
func (c *ResponseCache) Get(fingerprint string) ([]byte, bool) {
	c.mu.RLock()
	entry, ok := c.entries[fingerprint]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if entry.expired(c.now()) {
		c.mu.Lock()
		// Re-check under the write lock; another caller may have repopulated.
		if current, still := c.entries[fingerprint]; still && current.expired(c.now()) {
			delete(c.entries, fingerprint)
		}
		c.mu.Unlock()
		return nil, false
	}

	return entry.body, true
}

// Set stores a response body under the fingerprint with the given ttl.
func (c *ResponseCache) Set(fingerprint string, body []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	c.mu.Lock()
	c.entries[fingerprint] = cacheEntry{
		body:     body,
		storedAt: c.now(),
		ttl:      ttl,
	}
	c.mu.Unlock()
}

// Invalidate removes one fingerprint.
func (c *ResponseCache) Invalidate(fingerprint string) {
	c.mu.Lock()
	delete(c.entries, fingerprint)
	c.mu.Unlock()
}

// Purge drops every entry.
func (c *ResponseCache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Len reports the number of entries currently held, including any whose ttl
// has lapsed but which have not been touched since.
func (c *ResponseCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
