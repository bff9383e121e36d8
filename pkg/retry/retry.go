// Package retry provides capped exponential backoff for remote calls and sync jobs.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bustrack/transitsync/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts including the first one.
	// Zero means unlimited when used by the worker scheduler.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay caps the delay between retries
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which delay increases after each retry
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds ±20% randomness to each delay
	Jitter bool `yaml:"jitter" json:"jitter"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 30 * time.Second,
		MaxDelay:     5 * time.Hour,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

func (c Config) withDefaults() Config {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2.0
	}
	return c
}

// Backoff returns the delay before retry number attempt (1-based):
// InitialDelay * Multiplier^(attempt-1), capped at MaxDelay.
func (c Config) Backoff(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1))
	if delay > float64(c.MaxDelay) || math.IsInf(delay, 0) {
		delay = float64(c.MaxDelay)
	}

	if c.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
		if delay > float64(c.MaxDelay) {
			delay = float64(c.MaxDelay)
		}
	}

	return time.Duration(delay)
}

// Retryer runs a function until it succeeds, fails permanently, or runs out of attempts.
type Retryer struct {
	config Config
	clock  clockwork.Clock
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	return &Retryer{config: config.withDefaults(), clock: clockwork.NewRealClock()}
}

// WithClock returns a copy of the Retryer that sleeps on clock.
func (r *Retryer) WithClock(clock clockwork.Clock) *Retryer {
	cp := *r
	cp.clock = clock
	return &cp
}

// Do executes the given function with retry logic
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(context.Context) error {
		return fn()
	})
}

// DoWithContext executes fn, retrying errors the taxonomy marks as transient.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("operation canceled: %w", err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !errors.IsRetryable(err) || attempt == r.config.MaxAttempts {
			break
		}

		delay := r.config.Backoff(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled after %d attempts: %w", attempt, ctx.Err())
		case <-r.clock.After(delay):
		}
	}

	return lastErr
}
