package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bustrack/transitsync/pkg/health"
	"github.com/bustrack/transitsync/pkg/retry"
	"github.com/bustrack/transitsync/pkg/types"
)

var tracer = otel.Tracer("transitsync")

// Config configures the scheduler
type Config struct {
	// ConstraintPoll is how often unmet constraints are re-checked
	ConstraintPoll time.Duration `yaml:"constraint_poll"`

	// Backoff controls retry delays. MaxAttempts of zero retries until
	// the next periodic run would be due anyway.
	Backoff retry.Config `yaml:"backoff"`
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		ConstraintPoll: 30 * time.Second,
		Backoff:        retry.DefaultConfig(),
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithRecorder sets the run recorder.
func WithRecorder(r types.WorkerRecorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithTracker reports run outcomes to a health tracker, one component per worker.
func WithTracker(t *health.Tracker) Option {
	return func(s *Scheduler) { s.tracker = t }
}

type job struct {
	worker Worker
	input  Input

	// run serializes executions so a manual run never overlaps a scheduled one.
	run sync.Mutex
}

// Scheduler runs registered workers on their schedules.
type Scheduler struct {
	config   Config
	device   DeviceState
	clock    clockwork.Clock
	logger   *zap.Logger
	recorder types.WorkerRecorder
	tracker  *health.Tracker

	mu      sync.Mutex
	jobs    map[string]*job
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewScheduler creates a scheduler. device may be nil, in which case every
// constraint is treated as met.
func NewScheduler(config Config, device DeviceState, opts ...Option) *Scheduler {
	if config.ConstraintPoll <= 0 {
		config.ConstraintPoll = DefaultConfig().ConstraintPoll
	}

	s := &Scheduler{
		config: config,
		device: device,
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
		jobs:   make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("component", "scheduler"))
	return s
}

// Register adds w with its input. Names must be unique and registration
// must happen before Start.
func (s *Scheduler) Register(w Worker, input Input) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("cannot register %s: scheduler already started", w.Name())
	}
	if _, exists := s.jobs[w.Name()]; exists {
		return fmt.Errorf("worker %s already registered", w.Name())
	}
	if input == nil {
		input = Input{}
	}
	s.jobs[w.Name()] = &job{worker: w, input: input}
	if s.tracker != nil {
		s.tracker.RegisterComponent(w.Name())
	}
	return nil
}

// Names returns the registered worker names in order.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start launches one loop per worker. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	for _, j := range s.jobs {
		s.wg.Add(1)
		go func(j *job) {
			defer s.wg.Done()
			s.loop(ctx, j)
		}(j)
	}
	s.logger.Info("Scheduler started", zap.Int("workers", len(s.jobs)))
}

// Stop cancels all loops and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	s.logger.Info("Scheduler stopped")
}

// RunNow runs the named worker once, ignoring its schedule. Unmet
// constraints produce a Retry result without running the worker.
func (s *Scheduler) RunNow(ctx context.Context, name string) (Result, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("worker %s not registered", name)
	}

	if ok, reason := j.worker.Constraints().Satisfied(s.device); !ok {
		s.logger.Info("Constraints not met", zap.String("worker", name), zap.String("reason", reason))
		s.record(j, "", types.OutcomeSkipped, 1, s.clock.Now(), 0, nil)
		return Retry(fmt.Errorf("constraints not met: %s", reason)), nil
	}
	return s.execute(ctx, j, 1), nil
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	sched := j.worker.Schedule()
	logger := s.logger.With(zap.String("worker", j.worker.Name()))

	delay := sched.Delay
	attempt := 0
	for {
		if !s.sleep(ctx, delay) {
			return
		}
		if !s.waitForConstraints(ctx, j, logger) {
			return
		}

		attempt++
		res := s.execute(ctx, j, attempt)
		if ctx.Err() != nil {
			return
		}

		switch res.Status {
		case StatusRetry:
			limit := s.config.Backoff.MaxAttempts
			if limit <= 0 || attempt < limit {
				delay = s.config.Backoff.Backoff(attempt)
				if !sched.OneShot && sched.Interval > 0 && delay > sched.Interval {
					delay = sched.Interval
				}
				logger.Info("Retrying after backoff", zap.Int("attempt", attempt), zap.Duration("delay", delay))
				continue
			}
			logger.Warn("Giving up after retries", zap.Int("attempts", attempt), zap.Error(res.Err))
		case StatusFailure:
			logger.Error("Run failed permanently", zap.Error(res.Err))
		}

		attempt = 0
		if sched.OneShot || sched.Interval <= 0 {
			return
		}
		delay = sched.Interval
	}
}

// sleep waits d or until ctx is done, reporting whether to continue.
func (s *Scheduler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := s.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.Chan():
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Scheduler) waitForConstraints(ctx context.Context, j *job, logger *zap.Logger) bool {
	logged := false
	for {
		ok, reason := j.worker.Constraints().Satisfied(s.device)
		if ok {
			return true
		}
		if !logged {
			logger.Info("Waiting for constraints", zap.String("reason", reason))
			logged = true
		}
		if !s.sleep(ctx, s.config.ConstraintPoll) {
			return false
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, j *job, attempt int) (res Result) {
	j.run.Lock()
	defer j.run.Unlock()

	name := j.worker.Name()
	runID := xid.New().String()
	logger := s.logger.With(zap.String("worker", name), zap.String("run_id", runID))

	ctx, span := tracer.Start(ctx, "worker.run", trace.WithAttributes(
		attribute.String("worker", name),
		attribute.String("run_id", runID),
		attribute.Int("attempt", attempt),
	))
	defer span.End()

	started := s.clock.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Worker panicked", zap.Any("panic", r))
			res = Failure(fmt.Errorf("worker %s panicked: %v", name, r))
		}

		duration := s.clock.Since(started)
		outcome := outcomeOf(res.Status)
		if res.Err != nil {
			span.RecordError(res.Err)
			span.SetStatus(codes.Error, outcome)
		}
		span.SetAttributes(attribute.String("outcome", outcome))

		s.record(j, runID, types.WorkerOutcome(outcome), attempt, started, duration, res.Err)
		logger.Info("Worker finished",
			zap.String("outcome", outcome),
			zap.Int("attempt", attempt),
			zap.Duration("duration", duration),
			zap.Error(res.Err))
	}()

	logger.Debug("Worker starting", zap.Int("attempt", attempt))
	return j.worker.Run(ctx, j.input)
}

func outcomeOf(status Status) string {
	switch status {
	case StatusSuccess:
		return string(types.OutcomeSuccess)
	case StatusRetry:
		return string(types.OutcomeRetry)
	default:
		return string(types.OutcomeFailure)
	}
}

func (s *Scheduler) record(j *job, runID string, outcome types.WorkerOutcome, attempt int, started time.Time, d time.Duration, err error) {
	name := j.worker.Name()
	if s.recorder != nil {
		run := types.WorkerRun{
			Worker:   name,
			RunID:    runID,
			Outcome:  outcome,
			Attempt:  attempt,
			Started:  started,
			Duration: d,
		}
		if err != nil {
			run.Error = err.Error()
		}
		s.recorder.RecordWorkerRun(run)
	}

	if s.tracker == nil {
		return
	}
	switch outcome {
	case types.OutcomeSuccess:
		s.tracker.RecordSuccess(name)
	case types.OutcomeRetry, types.OutcomeFailure:
		s.tracker.RecordError(name, err)
	}
}
