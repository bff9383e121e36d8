/*
Package cache provides the tiered cache used by the transit sync layer.

Tiers, leaves first:

	Entry        value + write time + TTL, expiry check
	Cache[K,V]   mutex-guarded map of entries, GetOrPut computes once per miss
	MemoryTier   weight-bounded strict LRU (bytes for []byte, length for string, else 1)
	DiskTier     <dir>/cache/<sha256(key)>, raw bytes, no index
	TwoLevel     write-through to memory and disk, promote-on-read
	Manager      routes each call to the MemoryTier or the TwoLevel cache

Every operation is best-effort. I/O and compute failures are logged and
surface as a cache miss or a no-op; nothing in this package returns an
error to callers after construction.

The Manager is an ordinary value. The composition root builds one with
NewManager or NewManagerFromConfig and passes it to the repositories.

# Usage

	mgr, err := cache.NewManagerFromConfig(cfg.Cache, cache.WithLogger(logger))
	if err != nil {
		return err
	}
	mgr.Put("route:R1", payload, 10*time.Minute, false)
	if data, ok := mgr.Get("route:R1", false); ok {
		...
	}
*/
package cache
