package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/bustrack/transitsync/internal/cache"
	"github.com/bustrack/transitsync/internal/model"
	"github.com/bustrack/transitsync/internal/network"
	"github.com/bustrack/transitsync/internal/store"
	"github.com/bustrack/transitsync/pkg/errors"
	"github.com/bustrack/transitsync/pkg/resource"
)

// Config sets how long each kind of data stays fresh. The same duration
// is used as the cache TTL.
type Config struct {
	BusTTL   time.Duration `yaml:"bus_ttl"`
	RouteTTL time.Duration `yaml:"route_ttl"`
	StopTTL  time.Duration `yaml:"stop_ttl"`
}

// DefaultConfig returns the default freshness windows
func DefaultConfig() Config {
	return Config{
		BusTTL:   30 * time.Second,
		RouteTTL: 24 * time.Hour,
		StopTTL:  24 * time.Hour,
	}
}

// Deps are the collaborators shared by all repositories.
type Deps struct {
	Cache   *cache.Manager
	Sync    *store.SyncTracker
	Network network.Checker
	Clock   clockwork.Clock
	Logger  *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// collection is the shared plumbing for one entity kind: the local store,
// a serialized copy of the whole list in the cache, and sync bookkeeping
// under name. memo holds the decoded list keyed by the hash of the cached
// payload, so a payload is decoded once. Lists read from memo are shared
// and must not be modified.
type collection[T model.Entity] struct {
	name       string
	store      store.Store[T]
	memo       *cache.Cache[uint64, []T]
	deps       Deps
	ttl        time.Duration
	memoryOnly bool
	group      singleflight.Group
	logger     *zap.Logger
}

func newCollection[T model.Entity](name string, s store.Store[T], deps Deps, ttl time.Duration, memoryOnly bool) *collection[T] {
	deps = deps.withDefaults()
	memo := cache.New[uint64, []T](
		cache.WithClock(deps.Clock),
		cache.WithLogger(deps.Logger),
		cache.WithName(name+"_decoded"))
	return &collection[T]{
		name:       name,
		store:      s,
		memo:       memo,
		deps:       deps,
		ttl:        ttl,
		memoryOnly: memoryOnly,
		logger:     deps.Logger.With(zap.String("repository", name)),
	}
}

// cached returns the list held in the cache. Any failure is a miss.
func (c *collection[T]) cached() ([]T, bool) {
	if c.deps.Cache == nil {
		return nil, false
	}
	data, ok := c.deps.Cache.Get(c.name, c.memoryOnly)
	if !ok {
		return nil, false
	}
	items, ok := c.memo.GetOrPut(xxhash.Sum64(data), c.ttl, func() ([]T, error) {
		var items []T
		err := json.Unmarshal(data, &items)
		return items, err
	})
	if !ok {
		c.logger.Debug("Discarding undecodable cache entry")
		c.deps.Cache.Remove(c.name, c.memoryOnly)
		return nil, false
	}
	return items, len(items) > 0
}

func (c *collection[T]) cache(items []T) {
	if c.deps.Cache == nil {
		return
	}
	data, err := json.Marshal(items)
	if err != nil {
		c.logger.Warn("Failed to encode cache entry", zap.Error(err))
		return
	}
	c.deps.Cache.Put(c.name, data, c.ttl, c.memoryOnly)
	c.memo.Clear()
	c.memo.Put(xxhash.Sum64(data), items, c.ttl)
}

func (c *collection[T]) invalidate() {
	c.memo.Clear()
	if c.deps.Cache != nil {
		c.deps.Cache.Remove(c.name, c.memoryOnly)
	}
}

func (c *collection[T]) list(ctx context.Context) ([]T, bool, error) {
	if items, ok := c.cached(); ok {
		return items, true, nil
	}
	items, err := c.store.List(ctx)
	if err != nil {
		return nil, false, err
	}
	if len(items) == 0 {
		return items, false, nil
	}
	c.cache(items)
	return items, true, nil
}

func (c *collection[T]) stale() bool {
	if c.deps.Sync == nil {
		return true
	}
	return c.deps.Sync.IsStale(c.name, c.ttl)
}

// persist upserts items, records the sync and refreshes the cached list.
func (c *collection[T]) persist(ctx context.Context, items []T) error {
	if err := c.store.Save(ctx, items...); err != nil {
		return err
	}
	if c.deps.Sync != nil {
		if err := c.deps.Sync.MarkSynced(c.name); err != nil {
			return errors.New(errors.CodeStore, "failed to record sync time").
				WithComponent("repository").
				WithOperation(c.name).
				WithCause(err)
		}
	}

	all, err := c.store.List(ctx)
	if err != nil {
		c.invalidate()
		return nil
	}
	c.cache(all)
	return nil
}

// sync fetches the remote list and persists it, returning the number of
// items written. It does not consult the network checker. Concurrent
// syncs share one detached run; a caller whose ctx ends stops waiting
// without failing the others.
func (c *collection[T]) sync(ctx context.Context, fetch func(context.Context) ([]T, error)) (int, error) {
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(c.name+"#sync", func() (interface{}, error) {
		items, err := fetch(shared)
		if err != nil {
			return 0, errors.Classify(err)
		}
		if err := c.persist(shared, items); err != nil {
			return 0, err
		}
		return len(items), nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if res.Err != nil {
		return 0, res.Err
	}

	n := res.Val.(int)
	c.logger.Debug("Synced", zap.Int("count", n))
	return n, nil
}

func (c *collection[T]) all(ctx context.Context, fetch func(context.Context) ([]T, error)) <-chan resource.Resource[[]T] {
	return NetworkBoundResource(ctx, Bound[[]T]{
		Key:   c.name,
		Query: c.list,
		ShouldFetch: func(_ []T, ok bool) bool {
			return !ok || c.stale()
		},
		Fetch:   fetch,
		Save:    c.persist,
		Network: c.deps.Network,
		Group:   &c.group,
		Logger:  c.logger,
	})
}

func (c *collection[T]) one(ctx context.Context, id string, fetch func(context.Context, string) (T, error)) <-chan resource.Resource[T] {
	return NetworkBoundResource(ctx, Bound[T]{
		Key: c.name + "/" + id,
		Query: func(ctx context.Context) (T, bool, error) {
			return c.store.Get(ctx, id)
		},
		ShouldFetch: func(_ T, ok bool) bool {
			return !ok || c.stale()
		},
		Fetch: func(ctx context.Context) (T, error) {
			return fetch(ctx, id)
		},
		Save: func(ctx context.Context, item T) error {
			if err := c.store.Save(ctx, item); err != nil {
				return err
			}
			c.invalidate()
			return nil
		},
		Network: c.deps.Network,
		Group:   &c.group,
		Logger:  c.logger,
	})
}
