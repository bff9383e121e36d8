package cache

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewDiskTier tests directory creation
func TestNewDiskTier(t *testing.T) {
	base := t.TempDir()

	tier, err := NewDiskTier(base)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "cache"), tier.Dir())

	info, err := os.Stat(tier.Dir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = NewDiskTier("")
	assert.Error(t, err)
}

// TestDiskTier_RoundTrip tests persistence across instances
func TestDiskTier_RoundTrip(t *testing.T) {
	base := t.TempDir()
	payload := []byte{0x00, 0x01, 0xfe, 0xff, 'b', 'u', 's'}

	first, err := NewDiskTier(base)
	require.NoError(t, err)
	first.Put("stopId123", payload, time.Minute)

	second, err := NewDiskTier(base)
	require.NoError(t, err)
	got, ok := second.Get("stopId123")
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

// TestDiskTier_FileLayout tests that files hold the raw payload under the hashed name
func TestDiskTier_FileLayout(t *testing.T) {
	tier, err := NewDiskTier(t.TempDir())
	require.NoError(t, err)

	tier.Put("route:R1", []byte("raw"), 0)

	raw, err := os.ReadFile(filepath.Join(tier.Dir(), FileName("route:R1")))
	require.NoError(t, err)
	assert.Equal(t, []byte("raw"), raw)
	assert.Len(t, FileName("route:R1"), 64)
	assert.NotEqual(t, FileName("a"), FileName("b"))
}

// TestDiskTier_MissingAndCorrupt tests that read problems are misses
func TestDiskTier_MissingAndCorrupt(t *testing.T) {
	tier, err := NewDiskTier(t.TempDir())
	require.NoError(t, err)

	_, ok := tier.Get("never-written")
	assert.False(t, ok)

	// A directory where the file should be makes ReadFile fail.
	require.NoError(t, os.Mkdir(filepath.Join(tier.Dir(), FileName("dir")), 0o755))
	_, ok = tier.Get("dir")
	assert.False(t, ok)

	s := tier.Stats()
	assert.Equal(t, uint64(2), s.Misses)
}

// TestDiskTier_PutIntoMissingDirectory tests that write failures are swallowed
func TestDiskTier_PutIntoMissingDirectory(t *testing.T) {
	tier, err := NewDiskTier(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(tier.Dir()))

	assert.NotPanics(t, func() {
		tier.Put("k", []byte("v"), 0)
		tier.Remove("k")
		tier.Clear()
	})
	_, ok := tier.Get("k")
	assert.False(t, ok)
	assert.Equal(t, int64(0), tier.Size())
}

// TestDiskTier_SizeRemoveClear tests aggregate size and deletion
func TestDiskTier_SizeRemoveClear(t *testing.T) {
	tier, err := NewDiskTier(t.TempDir())
	require.NoError(t, err)

	tier.Put("a", make([]byte, 100), 0)
	tier.Put("b", make([]byte, 50), 0)
	tier.Put("a", make([]byte, 10), 0)
	assert.Equal(t, int64(60), tier.Size())
	assert.Equal(t, 2, tier.Count())

	tier.Remove("a")
	assert.False(t, tier.Contains("a"))
	assert.Equal(t, int64(50), tier.Size())

	tier.Remove("a")
	tier.Clear()
	assert.Equal(t, int64(0), tier.Size())
	assert.Equal(t, 0, tier.Count())
}

// TestDiskTier_Prune tests age-based cleanup
func TestDiskTier_Prune(t *testing.T) {
	tier, err := NewDiskTier(t.TempDir())
	require.NoError(t, err)

	tier.Put("old", []byte("1"), 0)
	tier.Put("new", []byte("2"), 0)

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(tier.Dir(), FileName("old")), old, old))

	abandoned := filepath.Join(tier.Dir(), tempPrefix+"leftover")
	require.NoError(t, os.WriteFile(abandoned, []byte("partial"), 0o600))
	require.NoError(t, os.Chtimes(abandoned, old, old))

	assert.Equal(t, 2, tier.Prune(24*time.Hour))
	assert.False(t, tier.Contains("old"))
	assert.True(t, tier.Contains("new"))
	_, err = os.Stat(abandoned)
	assert.True(t, os.IsNotExist(err))
}

// TestDiskTier_ConcurrentWritersSameKey tests that readers never see partial files
func TestDiskTier_ConcurrentWritersSameKey(t *testing.T) {
	tier, err := NewDiskTier(t.TempDir())
	require.NoError(t, err)

	a := make([]byte, 4096)
	b := make([]byte, 4096)
	for i := range b {
		b[i] = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); tier.Put("k", a, 0) }()
		go func() { defer wg.Done(); tier.Put("k", b, 0) }()
	}
	wg.Wait()

	got, ok := tier.Get("k")
	require.True(t, ok)
	require.Len(t, got, 4096)
	for _, v := range got[1:] {
		assert.Equal(t, got[0], v)
	}
	assert.Equal(t, 1, tier.Count())
}
