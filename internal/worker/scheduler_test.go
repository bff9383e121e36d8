package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bustrack/transitsync/pkg/errors"
	"github.com/bustrack/transitsync/pkg/health"
	"github.com/bustrack/transitsync/pkg/retry"
	"github.com/bustrack/transitsync/pkg/types"
)

type scriptedWorker struct {
	name        string
	constraints Constraints
	schedule    Schedule

	mu      sync.Mutex
	results []Result
	runs    int
	inputs  []Input
}

func (w *scriptedWorker) Name() string             { return w.name }
func (w *scriptedWorker) Constraints() Constraints { return w.constraints }
func (w *scriptedWorker) Schedule() Schedule       { return w.schedule }

func (w *scriptedWorker) Run(_ context.Context, in Input) Result {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.runs++
	w.inputs = append(w.inputs, in)
	if len(w.results) == 0 {
		return Success()
	}
	r := w.results[0]
	if len(w.results) > 1 {
		w.results = w.results[1:]
	}
	return r
}

func (w *scriptedWorker) runCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runs
}

type runRecorder struct {
	mu   sync.Mutex
	runs []types.WorkerRun
}

func (r *runRecorder) RecordWorkerRun(run types.WorkerRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
}

func (r *runRecorder) outcomes() []types.WorkerOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.WorkerOutcome, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, run.Outcome)
	}
	return out
}

func testBackoff() retry.Config {
	return retry.Config{MaxAttempts: 4, InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}
}

func TestScheduler_Register(t *testing.T) {
	s := NewScheduler(DefaultConfig(), nil)
	w := &scriptedWorker{name: "a", schedule: Periodic(time.Minute)}

	require.NoError(t, s.Register(w, nil))
	assert.Error(t, s.Register(w, nil))
	require.NoError(t, s.Register(&scriptedWorker{name: "b"}, Input{"k": 1}))
	assert.Equal(t, []string{"a", "b"}, s.Names())

	s.Start(context.Background())
	defer s.Stop()
	assert.Error(t, s.Register(&scriptedWorker{name: "c"}, nil))
}

func TestScheduler_RunNow(t *testing.T) {
	rec := &runRecorder{}
	tracker := health.NewTracker(health.Config{ErrorThreshold: 1}, nil)
	s := NewScheduler(DefaultConfig(), nil, WithRecorder(rec), WithTracker(tracker))

	w := &scriptedWorker{name: "sync", results: []Result{Retry(errors.Timeout(nil)), Success()}}
	require.NoError(t, s.Register(w, Input{"x": "y"}))

	res, err := s.RunNow(context.Background(), "sync")
	require.NoError(t, err)
	assert.Equal(t, StatusRetry, res.Status)
	assert.Equal(t, health.StateDegraded, tracker.GetState("sync"))

	res, err = s.RunNow(context.Background(), "sync")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "y", w.inputs[0].String("x", ""))

	_, err = s.RunNow(context.Background(), "missing")
	assert.Error(t, err)

	require.Len(t, rec.runs, 2)
	assert.NotEmpty(t, rec.runs[0].RunID)
	assert.NotEqual(t, rec.runs[0].RunID, rec.runs[1].RunID)
	assert.Equal(t, "sync", rec.runs[0].Worker)
	assert.NotEmpty(t, rec.runs[0].Error)
	assert.Equal(t, []types.WorkerOutcome{types.OutcomeRetry, types.OutcomeSuccess}, rec.outcomes())
}

func TestScheduler_RunNowRecoversPanic(t *testing.T) {
	s := NewScheduler(DefaultConfig(), nil)
	require.NoError(t, s.Register(panicWorker{}, nil))

	res, err := s.RunNow(context.Background(), "panic")
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, res.Status)
	assert.Error(t, res.Err)
}

type panicWorker struct{}

func (panicWorker) Name() string                     { return "panic" }
func (panicWorker) Constraints() Constraints         { return Constraints{} }
func (panicWorker) Schedule() Schedule               { return Once(0) }
func (panicWorker) Run(context.Context, Input) Result { panic("boom") }

func TestScheduler_RunNowUnmetConstraints(t *testing.T) {
	rec := &runRecorder{}
	d := &device{}
	s := NewScheduler(DefaultConfig(), d, WithRecorder(rec))
	w := &scriptedWorker{name: "sync", constraints: Constraints{Network: NetworkConnected}}
	require.NoError(t, s.Register(w, nil))

	res, err := s.RunNow(context.Background(), "sync")
	require.NoError(t, err)
	assert.Equal(t, StatusRetry, res.Status)
	assert.Zero(t, w.runCount())
	assert.Equal(t, []types.WorkerOutcome{types.OutcomeSkipped}, rec.outcomes())
}

func TestScheduler_PeriodicRuns(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewScheduler(DefaultConfig(), nil, WithClock(clock))
	w := &scriptedWorker{name: "tick", schedule: Periodic(time.Minute)}
	require.NoError(t, s.Register(w, nil))

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return w.runCount() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		clock.Advance(time.Minute)
		return w.runCount() >= 3
	}, time.Second, time.Millisecond)
}

func TestScheduler_RetriesWithBackoff(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &runRecorder{}
	cfg := Config{ConstraintPoll: time.Second, Backoff: testBackoff()}
	s := NewScheduler(cfg, nil, WithClock(clock), WithRecorder(rec))

	transient := Retry(errors.ServerError(503, ""))
	w := &scriptedWorker{name: "flaky", schedule: Once(0), results: []Result{transient, transient, Success()}}
	require.NoError(t, s.Register(w, nil))

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return w.runCount() == 3
	}, 2*time.Second, time.Millisecond)

	// One-shot job finished: no further runs.
	clock.Advance(time.Hour)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 3, w.runCount())

	require.Eventually(t, func() bool { return len(rec.outcomes()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, rec.runs[0].Attempt)
	assert.Equal(t, 3, rec.runs[2].Attempt)
	assert.Equal(t, []types.WorkerOutcome{types.OutcomeRetry, types.OutcomeRetry, types.OutcomeSuccess}, rec.outcomes())
}

func TestScheduler_OneShotGivesUp(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := Config{Backoff: testBackoff()}
	s := NewScheduler(cfg, nil, WithClock(clock))
	w := &scriptedWorker{name: "doomed", schedule: Once(0), results: []Result{Retry(fmt.Errorf("still down"))}}
	require.NoError(t, s.Register(w, nil))

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		clock.Advance(10 * time.Second)
		return w.runCount() == 4
	}, 2*time.Second, time.Millisecond)

	clock.Advance(time.Hour)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 4, w.runCount())
}

func TestScheduler_PermanentFailureStopsOneShot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewScheduler(Config{Backoff: testBackoff()}, nil, WithClock(clock))
	w := &scriptedWorker{name: "bad", schedule: Once(0), results: []Result{Failure(errors.Validation("id", "empty"))}}
	require.NoError(t, s.Register(w, nil))

	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return w.runCount() == 1 }, time.Second, time.Millisecond)
	clock.Advance(time.Hour)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, w.runCount())
}

func TestScheduler_WaitsForConstraints(t *testing.T) {
	clock := clockwork.NewFakeClock()
	d := &lockedDevice{}
	s := NewScheduler(Config{ConstraintPoll: time.Second, Backoff: testBackoff()}, d, WithClock(clock))
	w := &scriptedWorker{name: "net", schedule: Once(0), constraints: Constraints{Network: NetworkConnected}}
	require.NoError(t, s.Register(w, nil))

	s.Start(context.Background())
	defer s.Stop()

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
	}
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, w.runCount())

	d.setNetwork(NetworkConnected)
	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		return w.runCount() == 1
	}, time.Second, time.Millisecond)
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	s := NewScheduler(DefaultConfig(), nil)
	s.Stop()
	s.Start(context.Background())
	s.Stop()
	s.Stop()
}

type lockedDevice struct {
	mu      sync.Mutex
	network NetworkType
}

func (d *lockedDevice) setNetwork(n NetworkType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.network = n
}

func (d *lockedDevice) Network() NetworkType {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.network
}

func (d *lockedDevice) BatteryLow() bool { return false }
func (d *lockedDevice) StorageLow() bool { return false }
func (d *lockedDevice) Charging() bool   { return true }
