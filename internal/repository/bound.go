// Package repository implements offline-first reads over the local store
// and the transit API.
//
// Every read is a NetworkBoundResource: local data is served first, a
// network refresh runs when it is due and the network is reachable, and
// failures are reported as resource.Error values that keep the last known
// data.
package repository

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/bustrack/transitsync/internal/network"
	"github.com/bustrack/transitsync/pkg/errors"
	"github.com/bustrack/transitsync/pkg/resource"
)

var tracer = otel.Tracer("transitsync")

// Bound describes one network-bound read.
type Bound[T any] struct {
	// Key names the read for logs, traces and request deduplication.
	Key string

	// Query reads local data. ok is false when nothing is stored.
	Query func(ctx context.Context) (data T, ok bool, err error)

	// ShouldFetch decides whether a refresh is due given the local data.
	ShouldFetch func(data T, ok bool) bool

	// Fetch loads fresh data from the network.
	Fetch func(ctx context.Context) (T, error)

	// Save persists fetched data locally.
	Save func(ctx context.Context, data T) error

	// Network reports availability. Nil means always online.
	Network network.Checker

	// Group deduplicates concurrent refreshes sharing Key. Optional.
	Group *singleflight.Group

	// Logger is optional.
	Logger *zap.Logger
}

// NetworkBoundResource runs b and streams its states. The first value is
// always a Loading with no data. When a refresh is due and local data
// exists, a Loading carrying that data follows, so a failed refresh over
// stored data streams Loading(), Loading(local), Error(local). The last
// value is Success or Error, after which the channel is closed. Cancelling
// ctx closes the channel early; a local write already in progress is not
// rolled back.
func NetworkBoundResource[T any](ctx context.Context, b Bound[T]) <-chan resource.Resource[T] {
	out := make(chan resource.Resource[T], 1)
	logger := b.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("resource", b.Key))

	go func() {
		defer close(out)

		emit := func(r resource.Resource[T]) bool {
			select {
			case out <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit(resource.Loading[T]()) {
			return
		}

		local, hasLocal, err := b.Query(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("Local read failed", zap.Error(err))
			hasLocal = false
		}

		if b.Network != nil && !b.Network.IsOnline() {
			if hasLocal {
				emit(resource.Success(local))
				return
			}
			emit(resource.Failure[T](errors.NoConnectivity(nil), ""))
			return
		}

		if !b.ShouldFetch(local, hasLocal) {
			if hasLocal {
				emit(resource.Success(local))
				return
			}
			var zero T
			emit(resource.Success(zero))
			return
		}

		if hasLocal {
			if !emit(resource.LoadingWith(local)) {
				return
			}
		}

		fresh, fetched, err := refresh(ctx, b)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Info("Refresh failed",
				zap.Bool("fetched", fetched), zap.Bool("has_local", hasLocal), zap.Error(err))
			switch {
			case fetched:
				emit(resource.FailureWith(err, "", fresh))
			case hasLocal:
				emit(resource.FailureWith(err, "", local))
			default:
				emit(resource.Failure[T](err, ""))
			}
			return
		}

		reread, ok, err := b.Query(ctx)
		if err != nil || !ok {
			if ctx.Err() != nil {
				return
			}
			emit(resource.Success(fresh))
			return
		}
		emit(resource.Success(reread))
	}()

	return out
}

type refreshResult[T any] struct {
	data    T
	fetched bool
	err     error
}

// refresh fetches and saves. fetched reports whether the network call
// succeeded, in which case data is fresh even if the save failed.
//
// A shared refresh runs detached from the caller that started it, so one
// caller leaving does not fail the others; each caller stops waiting when
// its own ctx is done.
func refresh[T any](ctx context.Context, b Bound[T]) (data T, fetched bool, err error) {
	if b.Group == nil || b.Key == "" {
		r := fetchAndSave(ctx, b)
		return r.data, r.fetched, r.err
	}

	shared := context.WithoutCancel(ctx)
	ch := b.Group.DoChan(b.Key, func() (interface{}, error) {
		return fetchAndSave(shared, b), nil
	})
	select {
	case v := <-ch:
		r := v.Val.(refreshResult[T])
		return r.data, r.fetched, r.err
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}

func fetchAndSave[T any](ctx context.Context, b Bound[T]) refreshResult[T] {
	ctx, span := tracer.Start(ctx, "repository.refresh", trace.WithAttributes(attribute.String("resource", b.Key)))
	defer span.End()

	data, err := b.Fetch(ctx)
	if err != nil {
		err = errors.Classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return refreshResult[T]{err: err}
	}

	if err := b.Save(ctx, data); err != nil {
		werr := errors.CacheWrite(b.Key, err)
		span.RecordError(werr)
		span.SetStatus(codes.Error, "save failed")
		return refreshResult[T]{data: data, fetched: true, err: werr}
	}

	return refreshResult[T]{data: data, fetched: true}
}
