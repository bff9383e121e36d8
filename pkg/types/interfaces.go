package types

import "time"

// CacheRecorder receives cache tier events.
type CacheRecorder interface {
	RecordCacheRequest(tier string, hit bool)
	RecordCacheEviction(tier string)
	SetCacheSize(tier string, bytes int64)
}

// FetchRecorder receives remote fetch timings.
type FetchRecorder interface {
	RecordFetch(resource string, duration time.Duration, err error)
}

// WorkerRecorder receives background worker outcomes.
type WorkerRecorder interface {
	RecordWorkerRun(run WorkerRun)
}
