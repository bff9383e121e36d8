// Package worker runs background synchronization jobs under device
// constraints, retrying transient failures with capped exponential backoff.
package worker

import (
	"context"
	stderr "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bustrack/transitsync/pkg/errors"
)

// NetworkType is a connectivity class. Higher values satisfy lower requirements.
type NetworkType int

const (
	// NetworkNone means no connectivity, or no requirement
	NetworkNone NetworkType = iota
	// NetworkConnected means any working connection
	NetworkConnected
	// NetworkUnmetered means a connection without data charges
	NetworkUnmetered
)

// String returns the string representation of the network type
func (n NetworkType) String() string {
	switch n {
	case NetworkNone:
		return "none"
	case NetworkConnected:
		return "connected"
	case NetworkUnmetered:
		return "unmetered"
	default:
		return "unknown"
	}
}

// DeviceState reports the conditions constraints are checked against.
type DeviceState interface {
	Network() NetworkType
	BatteryLow() bool
	StorageLow() bool
	Charging() bool
}

// Constraints are the conditions a worker needs to run.
type Constraints struct {
	Network          NetworkType
	BatteryNotLow    bool
	StorageNotLow    bool
	RequiresCharging bool
}

// Satisfied reports whether state meets c and, if not, why.
func (c Constraints) Satisfied(state DeviceState) (bool, string) {
	if state == nil {
		return true, ""
	}
	if got := state.Network(); got < c.Network {
		return false, fmt.Sprintf("network %s, need %s", got, c.Network)
	}
	if c.BatteryNotLow && state.BatteryLow() {
		return false, "battery low"
	}
	if c.StorageNotLow && state.StorageLow() {
		return false, "storage low"
	}
	if c.RequiresCharging && !state.Charging() {
		return false, "not charging"
	}
	return true, ""
}

// Schedule says when a worker runs. A periodic schedule repeats every
// Interval; a one-shot schedule runs once after Delay and stops when the
// run succeeds or fails permanently.
type Schedule struct {
	Interval time.Duration
	Delay    time.Duration
	OneShot  bool
}

// Periodic returns a schedule repeating every interval, starting immediately.
func Periodic(interval time.Duration) Schedule {
	return Schedule{Interval: interval}
}

// Once returns a one-shot schedule.
func Once(delay time.Duration) Schedule {
	return Schedule{Delay: delay, OneShot: true}
}

// Input holds the primitive parameters passed to a worker.
type Input map[string]any

// String returns the string under key, or def.
func (in Input) String(key, def string) string {
	if v, ok := in[key].(string); ok {
		return v
	}
	return def
}

// Int returns the integer under key, or def. Strings are parsed.
func (in Input) Int(key string, def int) int {
	switch v := in[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Bool returns the boolean under key, or def. Strings are parsed.
func (in Input) Bool(key string, def bool) bool {
	switch v := in[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Duration returns the duration under key, or def. Strings use
// time.ParseDuration; integers are seconds.
func (in Input) Duration(key string, def time.Duration) time.Duration {
	switch v := in[key].(type) {
	case time.Duration:
		return v
	case int:
		return time.Duration(v) * time.Second
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// Status is the outcome of a run.
type Status int

const (
	// StatusSuccess means the work completed
	StatusSuccess Status = iota
	// StatusRetry means a transient failure; run again after backoff
	StatusRetry
	// StatusFailure means a permanent failure; do not retry
	StatusFailure
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusRetry:
		return "retry"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Result is what a worker reports back to the scheduler.
type Result struct {
	Status Status
	Err    error
}

// Success returns a successful result.
func Success() Result { return Result{Status: StatusSuccess} }

// Retry returns a transient failure.
func Retry(err error) Result { return Result{Status: StatusRetry, Err: err} }

// Failure returns a permanent failure.
func Failure(err error) Result { return Result{Status: StatusFailure, Err: err} }

// FromError maps err to a result: nil is success, retryable errors and
// cancellation retry, everything else fails.
func FromError(err error) Result {
	switch {
	case err == nil:
		return Success()
	case stderr.Is(err, context.Canceled), errors.IsRetryable(err):
		return Retry(err)
	default:
		return Failure(err)
	}
}

// Worker is a background job.
type Worker interface {
	Name() string
	Constraints() Constraints
	Schedule() Schedule
	Run(ctx context.Context, input Input) Result
}
