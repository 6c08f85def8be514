package cache

import (
	"context"
	"sync"
	"time"

	"github.com/kjstillabower/agri-assistant/internal/models"
)

// Cache stores resolved location records by normalized location key.
// Get returns fresh entries only; GetStale also returns entries that expired at most
// maxStale ago, for serving when the upstream is down.
type Cache interface {
	Get(ctx context.Context, key string) (models.CachedRecord, bool, error)
	GetStale(ctx context.Context, key string, maxStale time.Duration) (models.CachedRecord, bool, error)
	Set(ctx context.Context, key string, value models.CachedRecord, ttl time.Duration) error
}

// InMemoryCache implements Cache with a mutex-guarded map. Entries are kept for
// staleRetention past expiry and removed lazily on access.
type InMemoryCache struct {
	mu             sync.Mutex
	data           map[string]cacheEntry
	staleRetention time.Duration
	now            func() time.Time
}

type cacheEntry struct {
	value     models.CachedRecord
	expiresAt time.Time
}

// NewInMemoryCache creates an in-memory cache keeping expired entries for staleRetention.
func NewInMemoryCache(staleRetention time.Duration) *InMemoryCache {
	return &InMemoryCache{
		data:           make(map[string]cacheEntry),
		staleRetention: staleRetention,
		now:            time.Now,
	}
}

// Get returns (value, true, nil) for a fresh entry and (zero, false, nil) otherwise.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.CachedRecord, bool, error) {
	return c.lookup(key, 0)
}

// GetStale returns the entry if it expired no more than maxStale ago (bounded by staleRetention).
func (c *InMemoryCache) GetStale(ctx context.Context, key string, maxStale time.Duration) (models.CachedRecord, bool, error) {
	if maxStale > c.staleRetention {
		maxStale = c.staleRetention
	}
	return c.lookup(key, maxStale)
}

func (c *InMemoryCache) lookup(key string, grace time.Duration) (models.CachedRecord, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.data[key]
	if !ok {
		return models.CachedRecord{}, false, nil
	}
	now := c.now()
	if now.After(entry.expiresAt.Add(c.staleRetention)) {
		delete(c.data, key)
		return models.CachedRecord{}, false, nil
	}
	if now.After(entry.expiresAt.Add(grace)) {
		return models.CachedRecord{}, false, nil
	}
	return entry.value, true, nil
}

// Set stores value for ttl.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.CachedRecord, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry{value: value, expiresAt: c.now().Add(ttl)}
	return nil
}

// Len returns the number of stored entries, including stale ones not yet pruned.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
