// ABOUTME: Tests for the response cache fingerprinting and expiry boundary
// ABOUTME: Uses an injected clock so boundary cases are exact

package service

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint_NormalizesQueryOrder(t *testing.T) {
	a := Fingerprint("get", "/users", url.Values{"b": {"2"}, "a": {"1"}})
	b := Fingerprint("GET", "/users", url.Values{"a": {"1"}, "b": {"2"}})

	assert.Equal(t, a, b)
}

func TestFingerprint_DistinguishesRequests(t *testing.T) {
	base := Fingerprint("GET", "/users", url.Values{"a": {"1"}})

	assert.NotEqual(t, base, Fingerprint("GET", "/groups", url.Values{"a": {"1"}}))
	assert.NotEqual(t, base, Fingerprint("GET", "/users", url.Values{"a": {"2"}}))
	assert.NotEqual(t, base, Fingerprint("DELETE", "/users", url.Values{"a": {"1"}}))
}

func TestResponseCache_HitWithinTTL(t *testing.T) {
	cache := NewResponseCache()
	now := time.Now()
	cache.now = func() time.Time { return now }

	cache.Set("key", []byte(`{"v":1}`), time.Minute)

	now = now.Add(59 * time.Second)
	body, ok := cache.Get("key")
	assert.True(t, ok)
	assert.Equal(t, `{"v":1}`, string(body))
}

func TestResponseCache_ExactTTLBoundaryIsExpired(t *testing.T) {
	cache := NewResponseCache()
	now := time.Now()
	cache.now = func() time.Time { return now }

	cache.Set("key", []byte(`{"v":1}`), time.Minute)

	// An entry aged exactly ttl is already expired.
	now = now.Add(time.Minute)
	_, ok := cache.Get("key")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len(), "expired entries are evicted on read")
}

func TestResponseCache_LastWriteWins(t *testing.T) {
	cache := NewResponseCache()

	cache.Set("key", []byte(`{"v":1}`), time.Minute)
	cache.Set("key", []byte(`{"v":2}`), time.Minute)

	body, ok := cache.Get("key")
	assert.True(t, ok)
	assert.Equal(t, `{"v":2}`, string(body))
}

func TestResponseCache_InvalidateAndPurge(t *testing.T) {
	cache := NewResponseCache()

	cache.Set("a", []byte(`1`), time.Minute)
	cache.Set("b", []byte(`2`), time.Minute)

	cache.Invalidate("a")
	_, ok := cache.Get("a")
	assert.False(t, ok)
	_, ok = cache.Get("b")
	assert.True(t, ok)

	cache.Purge()
	assert.Equal(t, 0, cache.Len())
}

func TestResponseCache_NonPositiveTTLNeverStores(t *testing.T) {
	cache := NewResponseCache()

	cache.Set("key", []byte(`1`), 0)

	_, ok := cache.Get("key")
	assert.False(t, ok)
}
