package cache

import (
	"go.uber.org/atomic"

	"github.com/bustrack/transitsync/pkg/types"
)

// counters are shared by every tier.
type counters struct {
	name      string
	recorder  types.CacheRecorder
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func (c *counters) hit() {
	c.hits.Inc()
	if c.recorder != nil {
		c.recorder.RecordCacheRequest(c.name, true)
	}
}

func (c *counters) miss() {
	c.misses.Inc()
	if c.recorder != nil {
		c.recorder.RecordCacheRequest(c.name, false)
	}
}

func (c *counters) evicted() {
	c.evictions.Inc()
	if c.recorder != nil {
		c.recorder.RecordCacheEviction(c.name)
	}
}

func (c *counters) snapshot() types.CacheStats {
	return types.CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
