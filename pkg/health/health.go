// Package health tracks the health of background components from the
// outcomes they report.
package health

import (
	stderr "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bustrack/transitsync/pkg/errors"
)

// State represents the health state of a component
type State int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy State = iota

	// StateDegraded indicates repeated failures
	StateDegraded

	// StateReadOnly indicates local writes are failing while reads still work
	StateReadOnly

	// StateUnavailable indicates the component keeps failing
	StateUnavailable
)

// String returns the string representation of a health state
func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateReadOnly:
		return "read-only"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateHealthy, StateDegraded, StateReadOnly, StateUnavailable} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown health state %q", text)
}

// ComponentHealth is a snapshot of one component
type ComponentHealth struct {
	Name                 string    `json:"name"`
	State                State     `json:"state"`
	LastStateChange      time.Time `json:"last_state_change"`
	LastReport           time.Time `json:"last_report"`
	ConsecutiveErrors    int       `json:"consecutive_errors"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastErrorMessage     string    `json:"last_error_message,omitempty"`
}

// Config configures health tracking behavior
type Config struct {
	// ErrorThreshold is the number of consecutive errors before a component is degraded
	ErrorThreshold int `yaml:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before it is unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold"`

	// RecoveryThreshold is the number of consecutive successes needed to become healthy again
	RecoveryThreshold int `yaml:"recovery_threshold"`
}

// DefaultConfig returns a default tracker configuration
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
		RecoveryThreshold:    2,
	}
}

// StateChangeFunc is called after a component changes state.
type StateChangeFunc func(component string, from, to State, err error)

// Tracker tracks the health of components and derives the overall state
type Tracker struct {
	config Config
	clock  clockwork.Clock

	mu         sync.RWMutex
	components map[string]*ComponentHealth
	callbacks  []StateChangeFunc
}

// NewTracker creates a tracker. A nil clock uses the real clock.
func NewTracker(config Config, clock clockwork.Clock) *Tracker {
	defaults := DefaultConfig()
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = defaults.ErrorThreshold
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = max(defaults.UnavailableThreshold, config.ErrorThreshold)
	}
	if config.RecoveryThreshold <= 0 {
		config.RecoveryThreshold = defaults.RecoveryThreshold
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Tracker{
		config:     config,
		clock:      clock,
		components: make(map[string]*ComponentHealth),
	}
}

// RegisterComponent starts tracking name as healthy. Registering twice is a no-op.
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; exists {
		return
	}
	now := t.clock.Now()
	t.components[name] = &ComponentHealth{
		Name:            name,
		State:           StateHealthy,
		LastStateChange: now,
		LastReport:      now,
	}
}

// OnStateChange registers fn for every state transition.
func (t *Tracker) OnStateChange(fn StateChangeFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, fn)
}

// RecordSuccess records a successful run. Unregistered components are ignored.
func (t *Tracker) RecordSuccess(component string) {
	t.record(component, nil)
}

// RecordError records a failed run. Unregistered components are ignored.
func (t *Tracker) RecordError(component string, err error) {
	if err == nil {
		err = stderr.New("unspecified error")
	}
	t.record(component, err)
}

func (t *Tracker) record(component string, err error) {
	t.mu.Lock()
	h, exists := t.components[component]
	if !exists {
		t.mu.Unlock()
		return
	}

	from := h.State
	h.LastReport = t.clock.Now()

	if err == nil {
		h.ConsecutiveErrors = 0
		h.ConsecutiveSuccesses++
		if h.State != StateHealthy && h.ConsecutiveSuccesses >= t.config.RecoveryThreshold {
			h.State = StateHealthy
			h.LastErrorMessage = ""
		}
	} else {
		h.ConsecutiveSuccesses = 0
		h.ConsecutiveErrors++
		h.LastErrorMessage = err.Error()

		switch {
		case h.ConsecutiveErrors >= t.config.UnavailableThreshold:
			h.State = StateUnavailable
		case h.ConsecutiveErrors >= t.config.ErrorThreshold:
			if isWriteError(err) {
				h.State = StateReadOnly
			} else {
				h.State = StateDegraded
			}
		}
	}

	to := h.State
	if to != from {
		h.LastStateChange = h.LastReport
	}
	callbacks := t.callbacks
	t.mu.Unlock()

	if to == from {
		return
	}
	for _, fn := range callbacks {
		fn(component, from, to, err)
	}
}

// isWriteError reports errors that mean local writes fail but reads may work.
func isWriteError(err error) bool {
	switch errors.CodeOf(err) {
	case errors.CodeCacheWrite, errors.CodeStore:
		return true
	default:
		return false
	}
}

// GetState returns the state of component. Unknown components are unavailable.
func (t *Tracker) GetState(component string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if h, exists := t.components[component]; exists {
		return h.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a copy of the health of component.
func (t *Tracker) GetComponentHealth(component string) (ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h, exists := t.components[component]
	if !exists {
		return ComponentHealth{}, fmt.Errorf("component %s not registered", component)
	}
	return *h, nil
}

// GetAllComponents returns snapshots of every component sorted by name.
func (t *Tracker) GetAllComponents() []ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]ComponentHealth, 0, len(t.components))
	for _, h := range t.components {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetOverallState returns the worst state of any component.
func (t *Tracker) GetOverallState() State {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, h := range t.components {
		if h.State > overall {
			overall = h.State
		}
	}
	return overall
}

// IsHealthy returns true if the component is healthy
func (t *Tracker) IsHealthy(component string) bool {
	return t.GetState(component) == StateHealthy
}
