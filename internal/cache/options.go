package cache

import (
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/bustrack/transitsync/pkg/types"
)

// Option configures a cache component.
type Option func(*options)

type options struct {
	clock    clockwork.Clock
	logger   *zap.Logger
	recorder types.CacheRecorder
	weigher  Weigher
	name     string
}

func buildOptions(defaultName string, opts []Option) options {
	o := options{
		clock:   clockwork.NewRealClock(),
		logger:  zap.NewNop(),
		weigher: DefaultWeigher,
		name:    defaultName,
	}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = o.logger.With(zap.String("cache", o.name))
	return o
}

// WithClock sets the clock used for entry timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRecorder reports hits, misses and evictions to recorder.
func WithRecorder(recorder types.CacheRecorder) Option {
	return func(o *options) {
		o.recorder = recorder
	}
}

// WithWeigher overrides how the memory tier weighs values.
func WithWeigher(w Weigher) Option {
	return func(o *options) {
		if w != nil {
			o.weigher = w
		}
	}
}

// WithName sets the tier name used in logs and metrics.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}
