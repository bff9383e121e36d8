package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/bustrack/transitsync/pkg/types"
)

const (
	diskSubdir    = "cache"
	tempPrefix    = ".tmp-"
	diskFileMode  = 0o600
	diskDirectory = 0o755
	staleTempAge  = time.Minute
)

// DiskTier stores one file per key under <baseDir>/cache/. The file name
// is the hex SHA-256 of the key and the file body is the raw payload.
// There is no index: a missing or unreadable file is a miss.
//
// Files carry no header, so per-entry TTLs are not persisted. Age-based
// expiry is done by Prune using file modification times.
type DiskTier struct {
	dir    string
	clock  clockwork.Clock
	logger *zap.Logger
	stats  *counters
}

// NewDiskTier creates the cache directory under baseDir if needed.
func NewDiskTier(baseDir string, opts ...Option) (*DiskTier, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("disk tier base directory cannot be empty")
	}

	dir := filepath.Join(baseDir, diskSubdir)
	if err := os.MkdirAll(dir, diskDirectory); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	o := buildOptions("disk", opts)
	return &DiskTier{
		dir:    dir,
		clock:  o.clock,
		logger: o.logger,
		stats:  &counters{name: o.name, recorder: o.recorder},
	}, nil
}

// Dir returns the directory holding cache files.
func (d *DiskTier) Dir() string {
	return d.dir
}

// FileName returns the file name a key is stored under.
func FileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (d *DiskTier) path(key string) string {
	return filepath.Join(d.dir, FileName(key))
}

// Put writes data for key. The ttl is accepted for symmetry with the other
// tiers and is not persisted. Failures are logged and swallowed.
func (d *DiskTier) Put(key string, data []byte, _ time.Duration) {
	tmp, err := os.CreateTemp(d.dir, tempPrefix+"*")
	if err != nil {
		d.logger.Warn("Failed to create disk cache file", zap.String("key", key), zap.Error(err))
		return
	}
	tmpName := tmp.Name()

	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(tmpName)
		d.logger.Warn("Failed to write disk cache entry",
			zap.String("key", key), zap.Error(errors.Join(werr, cerr)))
		return
	}

	if err := os.Chmod(tmpName, diskFileMode); err != nil {
		d.logger.Debug("Failed to chmod disk cache file", zap.String("key", key), zap.Error(err))
	}

	if err := os.Rename(tmpName, d.path(key)); err != nil {
		_ = os.Remove(tmpName)
		d.logger.Warn("Failed to commit disk cache entry", zap.String("key", key), zap.Error(err))
	}
}

// Get reads the payload for key.
func (d *DiskTier) Get(key string) ([]byte, bool) {
	data, err := os.ReadFile(d.path(key))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			d.logger.Warn("Failed to read disk cache entry", zap.String("key", key), zap.Error(err))
		}
		d.stats.miss()
		return nil, false
	}

	d.stats.hit()
	return data, true
}

// Contains reports whether a file exists for key.
func (d *DiskTier) Contains(key string) bool {
	_, err := os.Stat(d.path(key))
	return err == nil
}

// Remove deletes the file for key.
func (d *DiskTier) Remove(key string) {
	if err := os.Remove(d.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.logger.Warn("Failed to remove disk cache entry", zap.String("key", key), zap.Error(err))
	}
}

// Clear deletes every file in the cache directory.
func (d *DiskTier) Clear() {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		d.logger.Warn("Failed to list disk cache", zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			d.logger.Warn("Failed to remove disk cache file", zap.String("file", e.Name()), zap.Error(err))
		}
	}
}

// Size returns the summed size in bytes of all committed cache files.
func (d *DiskTier) Size() int64 {
	var total int64
	d.walk(func(_ string, info fs.FileInfo) {
		total += info.Size()
	})
	return total
}

// Count returns the number of committed cache files.
func (d *DiskTier) Count() int {
	n := 0
	d.walk(func(string, fs.FileInfo) { n++ })
	return n
}

// Prune removes files last written more than maxAge ago and returns how
// many were removed. Temp files abandoned by an interrupted Put are
// removed once they are older than staleTempAge.
func (d *DiskTier) Prune(maxAge time.Duration) int {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		d.logger.Warn("Failed to list disk cache", zap.Error(err))
		return 0
	}

	now := d.clock.Now()
	cutoff := now.Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		var stale bool
		if strings.HasPrefix(e.Name(), tempPrefix) {
			stale = info.ModTime().Before(now.Add(-staleTempAge))
		} else {
			stale = maxAge > 0 && info.ModTime().Before(cutoff)
		}
		if !stale {
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, e.Name())); err == nil {
			removed++
			d.stats.evicted()
		}
	}
	return removed
}

func (d *DiskTier) walk(fn func(name string, info fs.FileInfo)) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		d.logger.Warn("Failed to list disk cache", zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		fn(e.Name(), info)
	}
}

// Stats returns a statistics snapshot.
func (d *DiskTier) Stats() types.CacheStats {
	s := d.stats.snapshot()
	d.walk(func(_ string, info fs.FileInfo) {
		s.Entries++
		s.Size += info.Size()
	})
	s.ComputeRates()
	return s
}

// Name returns the tier name used in logs and metrics.
func (d *DiskTier) Name() string {
	return d.stats.name
}
