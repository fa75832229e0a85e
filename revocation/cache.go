// Package revocation checks certificate revocation status with a tiered
// fallback: cached CRL data first, then a live OCSP query, then an
// on-demand CRL download.
package revocation

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCacheMiss is returned when a cache key has no live entry.
var ErrCacheMiss = errors.New("cache miss")

// Cache stores serialized CRL data between verifications. The checker
// reads and writes JSON payloads; implementations only move bytes.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// MemoryCache is a mutex-guarded TTL cache for single-process
// deployments and tests.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	// now is injectable for expiry tests.
	now func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
	hasExpiry bool
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || (entry.hasExpiry && c.now().After(entry.expiresAt)) {
		return nil, ErrCacheMiss
	}
	return entry.value, nil
}

// Set implements Cache. A non-positive ttl stores the entry without
// expiry.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = c.now().Add(ttl)
		entry.hasExpiry = true
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return nil
}
