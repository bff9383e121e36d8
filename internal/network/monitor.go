// Package network tracks whether the transit API is reachable so that
// repositories and workers can skip fetches while offline.
package network

import (
	"context"
	stderr "errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/bustrack/transitsync/pkg/errors"
)

// State represents the connectivity state
type State int32

const (
	// StateUnknown means no probe has completed yet
	StateUnknown State = iota

	// StateOnline means the last probe succeeded
	StateOnline

	// StateOffline means FailureThreshold consecutive probes failed
	StateOffline
)

// String returns the string representation of state
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "invalid"
	}
}

// Checker reports whether the network is available.
type Checker interface {
	IsOnline() bool
}

// Static is a Checker with fixed availability.
type Static bool

// IsOnline implements Checker.
func (s Static) IsOnline() bool { return bool(s) }

// Probe checks reachability. A nil error means online.
type Probe func(ctx context.Context) error

// Config configures the monitor
type Config struct {
	// Interval is how often to probe
	Interval time.Duration `yaml:"interval"`

	// Timeout bounds a single probe
	Timeout time.Duration `yaml:"timeout"`

	// FailureThreshold is the number of consecutive failed probes before
	// the monitor reports offline
	FailureThreshold int `yaml:"failure_threshold"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:         30 * time.Second,
		Timeout:          5 * time.Second,
		FailureThreshold: 2,
	}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the clock driving the probe loop.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Monitor) { m.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// Monitor probes the remote service periodically. Until the first probe
// completes it reports online so that a cold start still attempts a fetch.
type Monitor struct {
	config Config
	probe  Probe
	clock  clockwork.Clock
	logger *zap.Logger

	state    atomic.Int32
	failures atomic.Int32

	mu        sync.Mutex
	listeners []func(from, to State)
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewMonitor creates a monitor. Call Start to begin probing.
func NewMonitor(config Config, probe Probe, opts ...Option) *Monitor {
	defaults := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}

	m := &Monitor{
		config: config,
		probe:  probe,
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "network"))
	return m
}

// State returns the current state
func (m *Monitor) State() State {
	return State(m.state.Load())
}

// IsOnline implements Checker.
func (m *Monitor) IsOnline() bool {
	return m.State() != StateOffline
}

// OnChange registers a callback invoked on every state transition.
func (m *Monitor) OnChange(fn func(from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Check runs a single probe and updates the state.
func (m *Monitor) Check(ctx context.Context) State {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	err := m.probe(probeCtx)
	cancel()

	if ctx.Err() != nil {
		return m.State()
	}
	if err == nil || answered(err) {
		if err != nil {
			m.logger.Debug("Connectivity probe answered with an error", zap.Error(err))
		}
		m.failures.Store(0)
		m.transition(StateOnline)
		return StateOnline
	}

	failures := m.failures.Inc()
	m.logger.Debug("Connectivity probe failed", zap.Int32("failures", failures), zap.Error(err))
	if int(failures) >= m.config.FailureThreshold {
		m.transition(StateOffline)
	}
	return m.State()
}

// answered reports a permanent taxonomy error, such as a 404 from the
// health endpoint. The API replied, so the network is up.
func answered(err error) bool {
	var e *errors.Error
	return stderr.As(err, &e) && !e.Retryable
}

func (m *Monitor) transition(to State) {
	from := State(m.state.Swap(int32(to)))
	if from == to {
		return
	}

	m.logger.Info("Connectivity changed", zap.Stringer("from", from), zap.Stringer("to", to))

	m.mu.Lock()
	listeners := append([]func(from, to State){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(from, to)
	}
}

// Start probes immediately and then every Interval until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)

		ticker := m.clock.NewTicker(m.config.Interval)
		defer ticker.Stop()

		m.Check(ctx)
		for {
			select {
			case <-ticker.Chan():
				m.Check(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
