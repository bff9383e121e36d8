package cache

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sized int64

func (s sized) Size() int64 { return int64(s) }

func bytesOf(n int) []byte {
	return []byte(strings.Repeat("x", n))
}

// TestDefaultWeigher tests value weights
func TestDefaultWeigher(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  int64
	}{
		{"bytes", []byte("abcd"), 4},
		{"string", "abc", 3},
		{"sizer", sized(42), 42},
		{"other", struct{}{}, 1},
		{"int", 12345, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultWeigher(tt.value))
		})
	}
}

// TestNewMemoryTier tests capacity validation
func TestNewMemoryTier(t *testing.T) {
	_, err := NewMemoryTier(0)
	assert.Error(t, err)

	tier, err := NewMemoryTier(100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), tier.Capacity())
	assert.Equal(t, 0, tier.Len())
}

// TestMemoryTier_LRUOrder tests that the least recently used entry goes first
func TestMemoryTier_LRUOrder(t *testing.T) {
	tier, err := NewMemoryTier(30)
	require.NoError(t, err)

	tier.Put("A", bytesOf(10), time.Minute)
	tier.Put("C", bytesOf(10), time.Minute)

	_, ok := tier.Get("A")
	require.True(t, ok)

	tier.Put("B", bytesOf(20), time.Minute)

	assert.True(t, tier.Contains("A"))
	assert.True(t, tier.Contains("B"))
	assert.False(t, tier.Contains("C"))
	assert.Equal(t, int64(30), tier.Weight())
	assert.Equal(t, uint64(1), tier.Stats().Evictions)
}

// TestMemoryTier_WeightNeverExceedsCapacity tests that resident weight stays within capacity
func TestMemoryTier_WeightNeverExceedsCapacity(t *testing.T) {
	tier, err := NewMemoryTier(100)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		tier.Put(string(rune('a'+i%26))+strings.Repeat("k", i), bytesOf(7+i%13), 0)
		assert.LessOrEqual(t, tier.Weight(), int64(100))
	}
}

// TestMemoryTier_Oversized tests that values larger than the capacity are skipped
func TestMemoryTier_Oversized(t *testing.T) {
	tier, err := NewMemoryTier(10)
	require.NoError(t, err)

	tier.Put("k", bytesOf(5), 0)
	tier.Put("k", bytesOf(11), 0)

	_, ok := tier.Get("k")
	assert.False(t, ok)
	assert.Equal(t, int64(0), tier.Weight())
}

// TestMemoryTier_Replace tests weight accounting when a key is overwritten
func TestMemoryTier_Replace(t *testing.T) {
	tier, err := NewMemoryTier(100)
	require.NoError(t, err)

	tier.Put("k", bytesOf(40), 0)
	tier.Put("k", bytesOf(10), 0)
	assert.Equal(t, int64(10), tier.Weight())
	assert.Equal(t, 1, tier.Len())

	v, ok := tier.Get("k")
	require.True(t, ok)
	assert.Len(t, v.([]byte), 10)
}

// TestMemoryTier_Expiry tests TTL handling
func TestMemoryTier_Expiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tier, err := NewMemoryTier(100, WithClock(clock))
	require.NoError(t, err)

	tier.Put("short", "abc", time.Second)
	tier.Put("long", "def", time.Hour)

	clock.Advance(2 * time.Second)
	_, ok := tier.Get("short")
	assert.False(t, ok)
	assert.Equal(t, int64(3), tier.Weight())

	tier.Put("short2", "abc", time.Second)
	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, tier.CleanExpired())
	assert.Equal(t, []string{"long"}, tier.Keys())
}

// TestMemoryTier_RemoveClear tests removal bookkeeping
func TestMemoryTier_RemoveClear(t *testing.T) {
	tier, err := NewMemoryTier(100)
	require.NoError(t, err)

	tier.Put("a", bytesOf(10), 0)
	tier.Put("b", bytesOf(20), 0)
	tier.Remove("a")
	assert.Equal(t, int64(20), tier.Weight())

	tier.Clear()
	assert.Equal(t, int64(0), tier.Weight())
	assert.Equal(t, 0, tier.Len())
}

// TestMemoryTier_Stats tests hit and miss counters
func TestMemoryTier_Stats(t *testing.T) {
	tier, err := NewMemoryTier(100)
	require.NoError(t, err)

	tier.Put("a", bytesOf(25), 0)
	tier.Get("a")
	tier.Get("a")
	tier.Get("b")

	s := tier.Stats()
	assert.Equal(t, uint64(2), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, int64(25), s.Size)
	assert.InDelta(t, 2.0/3.0, s.HitRate, 0.001)
	assert.InDelta(t, 0.25, s.Utilization, 0.001)
}

// TestMemoryTier_Concurrent tests concurrent access under the race detector
func TestMemoryTier_Concurrent(t *testing.T) {
	tier, err := NewMemoryTier(1000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := string(rune('a' + (g+i)%20))
				tier.Put(key, bytesOf(10+i%30), time.Minute)
				tier.Get(key)
				if i%17 == 0 {
					tier.Remove(key)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, tier.Weight(), int64(1000))
}
