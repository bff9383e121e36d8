package types

import "time"

// CacheStats represents cache tier statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Entries     int     `json:"entries"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// ComputeRates fills HitRate and Utilization from the raw counters.
func (s *CacheStats) ComputeRates() {
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	if s.Capacity > 0 {
		s.Utilization = float64(s.Size) / float64(s.Capacity)
	}
}

// WorkerOutcome is the label a scheduler run is recorded under.
type WorkerOutcome string

const (
	OutcomeSuccess WorkerOutcome = "success"
	OutcomeRetry   WorkerOutcome = "retry"
	OutcomeFailure WorkerOutcome = "failure"
	OutcomeSkipped WorkerOutcome = "skipped"
)

// WorkerRun summarizes one worker invocation.
type WorkerRun struct {
	Worker   string        `json:"worker"`
	RunID    string        `json:"run_id"`
	Outcome  WorkerOutcome `json:"outcome"`
	Attempt  int           `json:"attempt"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}
