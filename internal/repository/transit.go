package repository

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bustrack/transitsync/internal/model"
	"github.com/bustrack/transitsync/internal/store"
	"github.com/bustrack/transitsync/pkg/errors"
	"github.com/bustrack/transitsync/pkg/resource"
)

// Cache and bookkeeping keys.
const (
	BusesKey  = "buses"
	RoutesKey = "routes"
	StopsKey  = "stops"
)

// BusSource fetches bus positions.
type BusSource interface {
	FetchBuses(ctx context.Context) ([]model.Bus, error)
	FetchBus(ctx context.Context, id string) (model.Bus, error)
}

// RouteSource fetches routes.
type RouteSource interface {
	FetchRoutes(ctx context.Context) ([]model.Route, error)
	FetchRoute(ctx context.Context, id string) (model.Route, error)
}

// StopSource fetches stops.
type StopSource interface {
	FetchStops(ctx context.Context) ([]model.Stop, error)
}

// offlineSource answers every fetch with NoConnectivity. It stands in for
// a missing source when the daemon runs without an API.
type offlineSource struct{}

func (offlineSource) FetchBuses(context.Context) ([]model.Bus, error) {
	return nil, errors.NoConnectivity(nil)
}

func (offlineSource) FetchBus(context.Context, string) (model.Bus, error) {
	return model.Bus{}, errors.NoConnectivity(nil)
}

func (offlineSource) FetchRoutes(context.Context) ([]model.Route, error) {
	return nil, errors.NoConnectivity(nil)
}

func (offlineSource) FetchRoute(context.Context, string) (model.Route, error) {
	return model.Route{}, errors.NoConnectivity(nil)
}

func (offlineSource) FetchStops(context.Context) ([]model.Stop, error) {
	return nil, errors.NoConnectivity(nil)
}

// BusRepository serves live bus positions. Positions change constantly,
// so they are cached in memory only.
type BusRepository struct {
	c      *collection[model.Bus]
	source BusSource
}

// NewBusRepository creates a bus repository. A nil source fails every
// fetch with NoConnectivity.
func NewBusRepository(s store.Store[model.Bus], source BusSource, deps Deps, ttl time.Duration) *BusRepository {
	if source == nil {
		source = offlineSource{}
	}
	return &BusRepository{c: newCollection(BusesKey, s, deps, ttl, true), source: source}
}

// Bus streams the position of one bus.
func (r *BusRepository) Bus(ctx context.Context, id string) <-chan resource.Resource[model.Bus] {
	return r.c.one(ctx, id, r.source.FetchBus)
}

// Buses streams all known bus positions.
func (r *BusRepository) Buses(ctx context.Context) <-chan resource.Resource[[]model.Bus] {
	return r.c.all(ctx, r.source.FetchBuses)
}

// Watch emits the stored positions after every local change.
func (r *BusRepository) Watch(ctx context.Context) <-chan []model.Bus {
	return r.c.store.Observe(ctx)
}

// SyncBuses refreshes all positions from the API.
func (r *BusRepository) SyncBuses(ctx context.Context) (int, error) {
	return r.c.sync(ctx, r.source.FetchBuses)
}

// PruneOlderThan deletes positions last updated before now-retention.
func (r *BusRepository) PruneOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := r.c.deps.Clock.Now().Add(-retention)
	n, err := r.c.store.DeleteWhere(ctx, func(b model.Bus) bool {
		return b.UpdatedAt.Before(cutoff)
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.c.invalidate()
		r.c.logger.Info("Pruned stale bus positions", zap.Int("count", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// RouteRepository serves routes through the two-level cache.
type RouteRepository struct {
	c      *collection[model.Route]
	source RouteSource
}

// NewRouteRepository creates a route repository
func NewRouteRepository(s store.Store[model.Route], source RouteSource, deps Deps, ttl time.Duration) *RouteRepository {
	if source == nil {
		source = offlineSource{}
	}
	return &RouteRepository{c: newCollection(RoutesKey, s, deps, ttl, false), source: source}
}

// Route streams one route.
func (r *RouteRepository) Route(ctx context.Context, id string) <-chan resource.Resource[model.Route] {
	return r.c.one(ctx, id, r.source.FetchRoute)
}

// Routes streams all routes.
func (r *RouteRepository) Routes(ctx context.Context) <-chan resource.Resource[[]model.Route] {
	return r.c.all(ctx, r.source.FetchRoutes)
}

// Watch emits the stored routes after every local change.
func (r *RouteRepository) Watch(ctx context.Context) <-chan []model.Route {
	return r.c.store.Observe(ctx)
}

// SyncRoutes refreshes all routes from the API.
func (r *RouteRepository) SyncRoutes(ctx context.Context) (int, error) {
	return r.c.sync(ctx, r.source.FetchRoutes)
}

// StopRepository serves stops through the two-level cache.
type StopRepository struct {
	c      *collection[model.Stop]
	source StopSource
}

// NewStopRepository creates a stop repository
func NewStopRepository(s store.Store[model.Stop], source StopSource, deps Deps, ttl time.Duration) *StopRepository {
	if source == nil {
		source = offlineSource{}
	}
	return &StopRepository{c: newCollection(StopsKey, s, deps, ttl, false), source: source}
}

// Stops streams all stops.
func (r *StopRepository) Stops(ctx context.Context) <-chan resource.Resource[[]model.Stop] {
	return r.c.all(ctx, r.source.FetchStops)
}

// SyncStops refreshes all stops from the API.
func (r *StopRepository) SyncStops(ctx context.Context) (int, error) {
	return r.c.sync(ctx, r.source.FetchStops)
}
