package cache

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Cache is a thread-safe map of expiring entries. A single mutex guards the
// whole map, so GetOrPut runs compute at most once per miss even when many
// goroutines ask for the same key. Unrelated keys are serialized too.
type Cache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]Entry[V]

	clock  clockwork.Clock
	logger *zap.Logger
	stats  *counters
}

// New creates an empty cache.
func New[K comparable, V any](opts ...Option) *Cache[K, V] {
	o := buildOptions("generic", opts)
	return &Cache[K, V]{
		entries: make(map[K]Entry[V]),
		clock:   o.clock,
		logger:  o.logger,
		stats:   &counters{name: o.name, recorder: o.recorder},
	}
}

// Put stores value under key, stamped with the current time.
func (c *Cache[K, V]) Put(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = NewEntry(value, c.clock.Now(), ttl)
}

// Get returns the value for key if present and not expired. An expired
// entry is removed as a side effect.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.getLocked(key)
}

func (c *Cache[K, V]) getLocked(key K) (V, bool) {
	var zero V

	entry, ok := c.entries[key]
	if !ok {
		c.stats.miss()
		return zero, false
	}
	if entry.IsExpired(c.clock.Now()) {
		delete(c.entries, key)
		c.stats.miss()
		return zero, false
	}

	c.stats.hit()
	return entry.Value, true
}

// GetOrPut returns the cached value for key, or runs compute, stores its
// result with ttl and returns it. compute runs with the cache lock held; a
// concurrent caller for the same key waits and then observes the stored
// value. A compute error or panic is logged, nothing is stored and the
// zero value is returned with false.
func (c *Cache[K, V]) GetOrPut(key K, ttl time.Duration, compute func() (V, error)) (V, bool) {
	if compute == nil {
		panic("cache: GetOrPut called with nil compute")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.getLocked(key); ok {
		return v, true
	}

	v, err := c.safeCompute(compute)
	if err != nil {
		c.logger.Warn("Failed to compute cache value", zap.Any("key", key), zap.Error(err))
		var zero V
		return zero, false
	}

	c.entries[key] = NewEntry(v, c.clock.Now(), ttl)
	return v, true
}

func (c *Cache[K, V]) safeCompute(compute func() (V, error)) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compute panicked: %v", r)
		}
	}()
	return compute()
}

// Remove deletes key.
func (c *Cache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
}

// Clear deletes every entry.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[K]Entry[V])
}

// ContainsKey reports whether key holds an unexpired entry, without
// touching hit/miss statistics.
func (c *Cache[K, V]) ContainsKey(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return false
	}
	if entry.IsExpired(c.clock.Now()) {
		delete(c.entries, key)
		return false
	}
	return true
}

// CleanExpired removes every expired entry and returns how many were removed.
func (c *Cache[K, V]) CleanExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for k, entry := range c.entries {
		if entry.IsExpired(now) {
			delete(c.entries, k)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("Removed expired cache entries", zap.Int("count", removed))
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}
