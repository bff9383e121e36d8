// Package circuit guards remote calls with a circuit breaker so an
// unreachable API fails fast instead of stalling every refresh.
package circuit

import (
	"context"
	stderr "errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bustrack/transitsync/pkg/errors"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed lets requests through
	StateClosed State = iota
	// StateOpen rejects requests until the open timeout elapses
	StateOpen
	// StateHalfOpen lets a limited number of probe requests through
	StateHalfOpen
)

// String returns string representation of state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config contains circuit breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips the breaker
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// OpenTimeout is how long the breaker stays open before probing
	OpenTimeout time.Duration `yaml:"open_timeout"`

	// HalfOpenRequests is how many probes are allowed while half-open
	HalfOpenRequests uint32 `yaml:"half_open_requests"`

	// OnStateChange is called with the breaker lock held
	OnStateChange func(name string, from, to State) `yaml:"-"`

	// IsFailure decides whether an error counts against the breaker
	IsFailure func(err error) bool `yaml:"-"`
}

// DefaultConfig returns the default breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
		HalfOpenRequests: 1,
	}
}

// Counts holds the numbers of requests and their outcomes in the current state
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

// ErrOpenState is returned when the breaker rejects a request.
var ErrOpenState = stderr.New("circuit breaker is open")

// Breaker implements the circuit breaker pattern
type Breaker struct {
	name   string
	config Config
	clock  clockwork.Clock

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
}

// New creates a breaker. A nil clock uses the real clock.
func New(name string, config Config, clock clockwork.Clock) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	if config.HalfOpenRequests == 0 {
		config.HalfOpenRequests = 1
	}
	if config.IsFailure == nil {
		config.IsFailure = DefaultIsFailure
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Breaker{name: name, config: config, clock: clock, state: StateClosed}
}

// DefaultIsFailure counts only transient failures. A 4xx or malformed
// payload means the API is up, so it does not trip the breaker.
func DefaultIsFailure(err error) bool {
	if err == nil || stderr.Is(err, context.Canceled) {
		return false
	}
	return errors.IsRetryable(err)
}

// Execute runs fn if the breaker allows it.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	b.afterRequest(err)
	return err
}

func (b *Breaker) beforeRequest() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	if state == StateOpen {
		return ErrOpenState
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.HalfOpenRequests {
		return ErrOpenState
	}

	b.counts.Requests++
	return nil
}

func (b *Breaker) afterRequest(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	if !b.config.IsFailure(err) {
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if state == StateHalfOpen {
			b.setState(StateClosed)
		}
		return
	}

	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0

	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
	case StateHalfOpen:
		b.setState(StateOpen)
	}
}

func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.clock.Since(b.openedAt) >= b.config.OpenTimeout {
		b.setState(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setState(state State) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.counts = Counts{}
	if state == StateOpen {
		b.openedAt = b.clock.Now()
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(StateClosed)
	b.counts = Counts{}
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}
