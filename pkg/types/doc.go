/*
Package types holds the small shared contracts of the sync layer.

Statistics snapshots such as CacheStats are returned by the cache tiers and the
scheduler. The recorder interfaces decouple those components from the Prometheus
collector in internal/metrics: every component accepts a recorder at construction,
and a nil recorder disables reporting.

	cache tiers ──RecordCacheRequest──┐
	repositories ──RecordFetch────────┼──> metrics.Collector
	scheduler ──RecordWorkerRun───────┘
*/
package types
