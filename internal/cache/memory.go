package cache

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"
)

// memItem stores a cached value together with its expiry time.
type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process Cache with per-entry TTL and a size bound.
//
// It is safe for concurrent use. A background goroutine periodically removes
// expired entries; when the cache is full, Set evicts expired entries first
// and then an arbitrary entry.
//
// Use this backend when Redis is not available. For multi-replica
// deployments use RedisCache instead so that all replicas share one cache.
type MemoryCache struct {
	mu      sync.RWMutex
	items   map[string]memItem
	maxSize int

	done chan struct{}
}

// NewMemoryCache creates a MemoryCache bounded to maxSize entries and starts
// the background cleanup loop. maxSize <= 0 means unbounded. The cleanup
// goroutine stops when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context, maxSize int) *MemoryCache {
	c := &MemoryCache{
		items:   make(map[string]memItem),
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c
}

// Get returns the cached value for key. Returns (nil, false) on a miss or if
// the entry has expired. Expired entries are removed lazily on access.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Now().After(item.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, false
	}

	return item.data, true
}

// Set stores value under key for the duration of ttl.
// A zero or negative ttl is treated as a 1-hour TTL.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}

	c.mu.Lock()
	if c.maxSize > 0 && len(c.items) >= c.maxSize {
		if _, exists := c.items[key]; !exists {
			c.evictOneLocked()
		}
	}
	c.items[key] = memItem{
		data:      value,
		expiresAt: time.Now().Add(ttl),
	}
	c.mu.Unlock()

	return nil
}

// evictOneLocked frees one slot: an expired entry if any exists, otherwise
// an arbitrary entry. Caller holds the write lock.
func (c *MemoryCache) evictOneLocked() {
	now := time.Now()
	for k, v := range c.items {
		if now.After(v.expiresAt) {
			delete(c.items, k)
			return
		}
	}
	for k := range c.items {
		delete(c.items, k)
		return
	}
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// DeletePattern removes every key under KeyPrefix whose suffix matches the
// glob pattern and returns the number of keys removed. An empty pattern
// clears the whole cache namespace.
func (c *MemoryCache) DeletePattern(_ context.Context, pattern string) (int, error) {
	if pattern == "" {
		pattern = "*"
	}

	cleared := 0
	c.mu.Lock()
	for k := range c.items {
		if !strings.HasPrefix(k, KeyPrefix) {
			continue
		}
		if ok, _ := path.Match(pattern, strings.TrimPrefix(k, KeyPrefix)); ok {
			delete(c.items, k)
			cleared++
		}
	}
	c.mu.Unlock()
	return cleared, nil
}

// Len returns the number of entries currently held in the cache
// (including entries that may have expired but not yet been evicted).
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Close stops the background cleanup goroutine.
func (c *MemoryCache) Close() {
	close(c.done)
}

// cleanup runs every 5 minutes and evicts all expired entries.
func (c *MemoryCache) cleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	for k, v := range c.items {
		if now.After(v.expiresAt) {
			delete(c.items, k)
		}
	}
	c.mu.Unlock()
}
