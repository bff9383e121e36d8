package cache

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bustrack/transitsync/pkg/types"
)

// Config represents cache configuration
type Config struct {
	// MemoryCapacity is the byte budget of each memory tier. Callers that
	// want a fraction of available memory compute it themselves.
	MemoryCapacity int64 `yaml:"memory_capacity"`

	// Directory is the base directory; files live in Directory/cache.
	Directory string `yaml:"directory"`

	// DefaultTTL applies to entries promoted from disk into memory.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// DiskMaxAge bounds how long disk files survive cleanup.
	DiskMaxAge time.Duration `yaml:"disk_max_age"`
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() Config {
	return Config{
		MemoryCapacity: 32 * 1024 * 1024,
		Directory:      "/var/lib/transitsync",
		DefaultTTL:     10 * time.Minute,
		DiskMaxAge:     7 * 24 * time.Hour,
	}
}

// ManagerStats groups per-tier statistics.
type ManagerStats struct {
	Memory         types.CacheStats `json:"memory"`
	TwoLevelMemory types.CacheStats `json:"two_level_memory"`
	Disk           types.CacheStats `json:"disk"`
}

// Manager routes cache calls either to a memory-only tier or to the
// two-level cache, chosen per call.
type Manager struct {
	memory   *MemoryTier
	twoLevel *TwoLevel
	logger   *zap.Logger
	recorder types.CacheRecorder
}

// NewManager wires pre-built tiers together.
func NewManager(memory *MemoryTier, twoLevel *TwoLevel, opts ...Option) *Manager {
	o := buildOptions("manager", opts)
	return &Manager{memory: memory, twoLevel: twoLevel, logger: o.logger, recorder: o.recorder}
}

// NewManagerFromConfig builds both tiers from cfg. opts are applied to every
// tier; tier names are fixed so metrics stay distinguishable.
func NewManagerFromConfig(cfg Config, opts ...Option) (*Manager, error) {
	memory, err := NewMemoryTier(cfg.MemoryCapacity, append(opts, WithName("memory"))...)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory tier: %w", err)
	}

	l1, err := NewMemoryTier(cfg.MemoryCapacity, append(opts, WithName("two_level_memory"))...)
	if err != nil {
		return nil, fmt.Errorf("failed to create two-level memory tier: %w", err)
	}

	disk, err := NewDiskTier(cfg.Directory, append(opts, WithName("disk"))...)
	if err != nil {
		return nil, fmt.Errorf("failed to create disk tier: %w", err)
	}

	return NewManager(memory, NewTwoLevel(l1, disk, cfg.DefaultTTL, opts...), opts...), nil
}

// Put stores data under key.
func (m *Manager) Put(key string, data []byte, ttl time.Duration, memoryOnly bool) {
	if memoryOnly {
		m.memory.Put(key, data, ttl)
		return
	}
	m.twoLevel.Put(key, data, ttl)
}

// Get returns the data for key.
func (m *Manager) Get(key string, memoryOnly bool) ([]byte, bool) {
	if !memoryOnly {
		return m.twoLevel.Get(key)
	}

	v, ok := m.memory.Get(key)
	if !ok {
		return nil, false
	}
	data, ok := v.([]byte)
	return data, ok
}

// Remove deletes key.
func (m *Manager) Remove(key string, memoryOnly bool) {
	if memoryOnly {
		m.memory.Remove(key)
		return
	}
	m.twoLevel.Remove(key)
}

// Clear empties the selected cache.
func (m *Manager) Clear(memoryOnly bool) {
	if memoryOnly {
		m.memory.Clear()
		return
	}
	m.twoLevel.Clear()
}

// CleanExpired sweeps expired entries from both memory tiers.
func (m *Manager) CleanExpired() int {
	n := m.memory.CleanExpired() + m.twoLevel.Memory().CleanExpired()
	m.reportSizes()
	return n
}

// PruneDisk removes disk files older than maxAge.
func (m *Manager) PruneDisk(maxAge time.Duration) int {
	n := m.twoLevel.Disk().Prune(maxAge)
	m.reportSizes()
	return n
}

// reportSizes pushes tier sizes to the recorder. Sizes are only sampled
// on sweeps; the disk walk is too slow for the read path.
func (m *Manager) reportSizes() {
	if m.recorder == nil {
		return
	}
	m.recorder.SetCacheSize(m.memory.Name(), m.memory.Weight())
	m.recorder.SetCacheSize(m.twoLevel.Memory().Name(), m.twoLevel.Memory().Weight())
	m.recorder.SetCacheSize(m.twoLevel.Disk().Name(), m.twoLevel.Disk().Size())
}

// DiskSize returns the summed size of disk cache files.
func (m *Manager) DiskSize() int64 {
	return m.twoLevel.Disk().Size()
}

// Stats returns per-tier statistics.
func (m *Manager) Stats() ManagerStats {
	return ManagerStats{
		Memory:         m.memory.Stats(),
		TwoLevelMemory: m.twoLevel.Memory().Stats(),
		Disk:           m.twoLevel.Disk().Stats(),
	}
}
