package circuit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bustrack/transitsync/pkg/errors"
)

func fail(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func ok(context.Context) error { return nil }

func TestBreaker_Defaults(t *testing.T) {
	b := New("api", Config{}, nil)

	assert.Equal(t, "api", b.Name())
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, uint32(5), b.config.FailureThreshold)
	assert.Equal(t, 30*time.Second, b.config.OpenTimeout)
	assert.Equal(t, uint32(1), b.config.HalfOpenRequests)
}

func TestBreaker_TripsOnConsecutiveFailures(t *testing.T) {
	clock := clockwork.NewFakeClock()
	var transitions []string
	cfg := Config{
		FailureThreshold: 3,
		OpenTimeout:      time.Minute,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	}
	b := New("api", cfg, clock)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.Error(t, b.Execute(ctx, fail(errors.Timeout(nil))))
	}
	assert.Equal(t, StateClosed, b.State())

	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, uint32(0), b.Counts().ConsecutiveFailures)

	for i := 0; i < 3; i++ {
		assert.Error(t, b.Execute(ctx, fail(errors.NoConnectivity(nil))))
	}
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpenState)
	assert.False(t, called)

	clock.Advance(time.Minute)
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Execute(ctx, ok))
	assert.Equal(t, StateClosed, b.State())

	assert.Equal(t, []string{"closed->open", "open->half_open", "half_open->closed"}, transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New("api", Config{FailureThreshold: 1, OpenTimeout: time.Second}, clock)
	ctx := context.Background()

	_ = b.Execute(ctx, fail(errors.ServerError(502, "")))
	require.Equal(t, StateOpen, b.State())

	clock.Advance(time.Second)
	_ = b.Execute(ctx, fail(errors.ServerError(502, "")))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenLimitsProbes(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := New("api", Config{FailureThreshold: 1, OpenTimeout: time.Second, HalfOpenRequests: 1}, clock)
	ctx := context.Background()

	_ = b.Execute(ctx, fail(errors.Timeout(nil)))
	clock.Advance(time.Second)

	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			<-release
			return nil
		})
	}()

	assert.Eventually(t, func() bool { return b.Counts().Requests == 1 }, time.Second, time.Millisecond)
	assert.ErrorIs(t, b.Execute(ctx, ok), ErrOpenState)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_NonTransientErrorsDoNotTrip(t *testing.T) {
	b := New("api", Config{FailureThreshold: 2}, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Execute(ctx, fail(errors.APIError(404, "")))
		_ = b.Execute(ctx, fail(errors.Validation("id", "empty")))
		_ = b.Execute(ctx, fail(context.Canceled))
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestDefaultIsFailure(t *testing.T) {
	assert.False(t, DefaultIsFailure(nil))
	assert.False(t, DefaultIsFailure(context.Canceled))
	assert.True(t, DefaultIsFailure(context.DeadlineExceeded))
	assert.True(t, DefaultIsFailure(errors.ServerError(500, "")))
	assert.False(t, DefaultIsFailure(fmt.Errorf("unclassified")))
}

func TestBreaker_Reset(t *testing.T) {
	b := New("api", Config{FailureThreshold: 1}, nil)
	_ = b.Execute(context.Background(), fail(errors.Timeout(nil)))
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, Counts{}, b.Counts())
}
