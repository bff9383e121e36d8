package cache

import "time"

// Entry is a timestamped cache value.
type Entry[V any] struct {
	Value     V
	WrittenAt time.Time
	TTL       time.Duration
}

// NewEntry stamps value with now.
func NewEntry[V any](value V, now time.Time, ttl time.Duration) Entry[V] {
	return Entry[V]{Value: value, WrittenAt: now, TTL: ttl}
}

// IsExpired reports whether more than TTL has elapsed since the entry was
// written. A non-positive TTL never expires.
func (e Entry[V]) IsExpired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.Sub(e.WrittenAt) > e.TTL
}
