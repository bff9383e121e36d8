package cache

import (
	"time"

	"go.uber.org/zap"
)

// TwoLevel composes a MemoryTier over a DiskTier. Writes go to both tiers;
// reads try memory first and promote disk hits back into memory.
//
// Remove and Clear are issued to both tiers without atomicity. A crash
// between the two calls can leave one tier stale until the next write.
type TwoLevel struct {
	memory     *MemoryTier
	disk       *DiskTier
	defaultTTL time.Duration
	logger     *zap.Logger
}

// NewTwoLevel creates a write-through cache. defaultTTL is applied to
// entries promoted from disk into memory.
func NewTwoLevel(memory *MemoryTier, disk *DiskTier, defaultTTL time.Duration, opts ...Option) *TwoLevel {
	o := buildOptions("two_level", opts)
	return &TwoLevel{
		memory:     memory,
		disk:       disk,
		defaultTTL: defaultTTL,
		logger:     o.logger,
	}
}

// Put writes data to memory and disk.
func (c *TwoLevel) Put(key string, data []byte, ttl time.Duration) {
	c.memory.Put(key, data, ttl)
	c.disk.Put(key, data, ttl)
}

// Get returns data from memory, falling back to disk. A disk hit is copied
// into memory with the default TTL.
func (c *TwoLevel) Get(key string) ([]byte, bool) {
	if v, ok := c.memory.Get(key); ok {
		if data, isBytes := v.([]byte); isBytes {
			return data, true
		}
		c.logger.Warn("Unexpected value type in memory tier", zap.String("key", key))
	}

	data, ok := c.disk.Get(key)
	if !ok {
		return nil, false
	}

	c.memory.Put(key, data, c.defaultTTL)
	return data, true
}

// Remove deletes key from both tiers.
func (c *TwoLevel) Remove(key string) {
	c.memory.Remove(key)
	c.disk.Remove(key)
}

// Clear empties both tiers.
func (c *TwoLevel) Clear() {
	c.memory.Clear()
	c.disk.Clear()
}

// ClearMemory empties only the memory tier.
func (c *TwoLevel) ClearMemory() {
	c.memory.Clear()
}

// Memory returns the memory tier.
func (c *TwoLevel) Memory() *MemoryTier {
	return c.memory
}

// Disk returns the disk tier.
func (c *TwoLevel) Disk() *DiskTier {
	return c.disk
}
