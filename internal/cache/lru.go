package cache

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/bustrack/transitsync/pkg/types"
)

// Sizer is implemented by values that know their own weight.
type Sizer interface {
	Size() int64
}

// Weigher maps a value to its weight against the memory budget.
type Weigher func(value any) int64

// DefaultWeigher weighs []byte by byte count, strings by length, Sizers by
// Size() and everything else as 1.
func DefaultWeigher(value any) int64 {
	switch v := value.(type) {
	case []byte:
		return int64(len(v))
	case string:
		return int64(len(v))
	case Sizer:
		return v.Size()
	default:
		return 1
	}
}

type memoryItem struct {
	entry  Entry[any]
	weight int64
}

// MemoryTier is a weight-bounded, strict least-recently-used cache. The
// summed weight of resident entries never exceeds the capacity given at
// construction.
type MemoryTier struct {
	mu       sync.Mutex
	items    *simplelru.LRU
	capacity int64
	weight   int64

	weigher Weigher
	clock   clockwork.Clock
	logger  *zap.Logger
	stats   *counters
}

// NewMemoryTier creates a memory tier holding at most capacity weight units.
func NewMemoryTier(capacity int64, opts ...Option) (*MemoryTier, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("memory tier capacity must be positive, got %d", capacity)
	}

	o := buildOptions("memory", opts)
	t := &MemoryTier{
		capacity: capacity,
		weigher:  o.weigher,
		clock:    o.clock,
		logger:   o.logger,
		stats:    &counters{name: o.name, recorder: o.recorder},
	}

	// Entry count is unbounded here; the weight loop in Put does the eviction.
	items, err := simplelru.NewLRU(math.MaxInt32, t.onRemoved)
	if err != nil {
		return nil, fmt.Errorf("failed to create lru: %w", err)
	}
	t.items = items

	return t, nil
}

// onRemoved runs under t.mu for every entry leaving the list.
func (t *MemoryTier) onRemoved(_ interface{}, value interface{}) {
	t.weight -= value.(*memoryItem).weight
}

// Put stores value under key. A value heavier than the whole capacity is
// not cached and any previous value for key is dropped.
func (t *MemoryTier) Put(key string, value any, ttl time.Duration) {
	w := t.weigher(value)
	if w < 0 {
		w = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if w > t.capacity {
		t.items.Remove(key)
		t.logger.Debug("Value exceeds memory capacity, not cached",
			zap.String("key", key), zap.Int64("weight", w), zap.Int64("capacity", t.capacity))
		return
	}

	if old, ok := t.items.Peek(key); ok {
		t.weight -= old.(*memoryItem).weight
	}
	t.items.Add(key, &memoryItem{entry: NewEntry(value, t.clock.Now(), ttl), weight: w})
	t.weight += w

	for t.weight > t.capacity {
		k, _, ok := t.items.RemoveOldest()
		if !ok {
			break
		}
		t.stats.evicted()
		t.logger.Debug("Evicted memory cache entry", zap.Any("key", k))
	}
}

// Get returns the value for key and marks it most recently used.
func (t *MemoryTier) Get(key string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.items.Get(key)
	if !ok {
		t.stats.miss()
		return nil, false
	}

	item := v.(*memoryItem)
	if item.entry.IsExpired(t.clock.Now()) {
		t.items.Remove(key)
		t.stats.miss()
		return nil, false
	}

	t.stats.hit()
	return item.entry.Value, true
}

// Contains reports whether key is resident without changing its recency.
func (t *MemoryTier) Contains(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.items.Peek(key)
	return ok && !v.(*memoryItem).entry.IsExpired(t.clock.Now())
}

// Remove deletes key.
func (t *MemoryTier) Remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.items.Remove(key)
}

// Clear deletes every entry.
func (t *MemoryTier) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.items.Purge()
	t.weight = 0
}

// CleanExpired removes expired entries and returns how many were removed.
func (t *MemoryTier) CleanExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	removed := 0
	for _, k := range t.items.Keys() {
		v, ok := t.items.Peek(k)
		if ok && v.(*memoryItem).entry.IsExpired(now) {
			t.items.Remove(k)
			removed++
		}
	}
	return removed
}

// Keys returns resident keys from least to most recently used.
func (t *MemoryTier) Keys() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	raw := t.items.Keys()
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		keys = append(keys, k.(string))
	}
	return keys
}

// Weight returns the summed weight of resident entries.
func (t *MemoryTier) Weight() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.weight
}

// Capacity returns the configured weight budget.
func (t *MemoryTier) Capacity() int64 {
	return t.capacity
}

// Len returns the number of resident entries.
func (t *MemoryTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.items.Len()
}

// Stats returns a statistics snapshot.
func (t *MemoryTier) Stats() types.CacheStats {
	s := t.stats.snapshot()

	t.mu.Lock()
	s.Entries = t.items.Len()
	s.Size = t.weight
	t.mu.Unlock()

	s.Capacity = t.capacity
	s.ComputeRates()
	return s
}

// Name returns the tier name used in logs and metrics.
func (t *MemoryTier) Name() string {
	return t.stats.name
}
