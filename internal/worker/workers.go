package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/bustrack/transitsync/internal/backup"
	"github.com/bustrack/transitsync/pkg/errors"
)

// Worker names.
const (
	LocationSyncName = "location_sync"
	RouteSyncName    = "route_sync"
	CleanupName      = "cleanup"
	BackupName       = "backup"
)

// Input keys.
const (
	InputIncludeStops = "include_stops"
	InputDiskMaxAge   = "disk_max_age"
	InputRetention    = "bus_retention"
	InputPrefix       = "prefix"
)

// BusSyncer refreshes bus positions.
type BusSyncer interface {
	SyncBuses(ctx context.Context) (int, error)
}

// RouteSyncer refreshes routes.
type RouteSyncer interface {
	SyncRoutes(ctx context.Context) (int, error)
}

// StopSyncer refreshes stops.
type StopSyncer interface {
	SyncStops(ctx context.Context) (int, error)
}

// BusPruner deletes old bus positions.
type BusPruner interface {
	PruneOlderThan(ctx context.Context, retention time.Duration) (int, error)
}

// CacheMaintainer sweeps the cache tiers.
type CacheMaintainer interface {
	CleanExpired() int
	PruneDisk(maxAge time.Duration) int
}

// Snapshotter writes a consistent copy of the local store.
type Snapshotter interface {
	Snapshot(w io.Writer) (int64, error)
}

type base struct {
	name        string
	constraints Constraints
	schedule    Schedule
	device      DeviceState
	logger      *zap.Logger
}

func newBase(name string, c Constraints, s Schedule, device DeviceState, logger *zap.Logger) base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return base{name: name, constraints: c, schedule: s, device: device, logger: logger.With(zap.String("worker", name))}
}

func (b base) Name() string             { return b.name }
func (b base) Constraints() Constraints { return b.constraints }
func (b base) Schedule() Schedule       { return b.schedule }

// networkReady re-checks the network requirement. The scheduler checked
// it before starting, but connectivity may have dropped since.
func (b base) networkReady() (Result, bool) {
	if b.device == nil || b.constraints.Network == NetworkNone {
		return Result{}, true
	}
	if got := b.device.Network(); got < b.constraints.Network {
		err := errors.NoConnectivity(nil).
			WithComponent(b.name).
			WithDetail("network", got.String())
		return Retry(err), false
	}
	return Result{}, true
}

// LocationSyncWorker refreshes live bus positions.
type LocationSyncWorker struct {
	base
	buses BusSyncer
}

// NewLocationSyncWorker creates the location sync worker
func NewLocationSyncWorker(buses BusSyncer, interval time.Duration, device DeviceState, logger *zap.Logger) *LocationSyncWorker {
	return &LocationSyncWorker{
		base:  newBase(LocationSyncName, Constraints{Network: NetworkConnected}, Periodic(interval), device, logger),
		buses: buses,
	}
}

// Run implements Worker.
func (w *LocationSyncWorker) Run(ctx context.Context, _ Input) Result {
	if res, ok := w.networkReady(); !ok {
		return res
	}

	n, err := w.buses.SyncBuses(ctx)
	if err != nil {
		return FromError(err)
	}
	w.logger.Debug("Bus positions synced", zap.Int("count", n))
	return Success()
}

// RouteSyncWorker refreshes routes and, unless disabled by input, stops.
type RouteSyncWorker struct {
	base
	routes RouteSyncer
	stops  StopSyncer
}

// NewRouteSyncWorker creates the route sync worker
func NewRouteSyncWorker(routes RouteSyncer, stops StopSyncer, interval time.Duration, device DeviceState, logger *zap.Logger) *RouteSyncWorker {
	c := Constraints{Network: NetworkConnected, BatteryNotLow: true}
	return &RouteSyncWorker{
		base:   newBase(RouteSyncName, c, Periodic(interval), device, logger),
		routes: routes,
		stops:  stops,
	}
}

// Run implements Worker.
func (w *RouteSyncWorker) Run(ctx context.Context, input Input) Result {
	if res, ok := w.networkReady(); !ok {
		return res
	}

	routes, err := w.routes.SyncRoutes(ctx)
	if err != nil {
		return FromError(err)
	}

	stops := 0
	if w.stops != nil && input.Bool(InputIncludeStops, true) {
		if stops, err = w.stops.SyncStops(ctx); err != nil {
			return FromError(err)
		}
	}

	w.logger.Info("Routes synced", zap.Int("routes", routes), zap.Int("stops", stops))
	return Success()
}

// CleanupWorker sweeps expired cache entries, old disk files and stale
// bus positions.
type CleanupWorker struct {
	base
	cache      CacheMaintainer
	buses      BusPruner
	diskMaxAge time.Duration
	retention  time.Duration
}

// NewCleanupWorker creates the cleanup worker
func NewCleanupWorker(cache CacheMaintainer, buses BusPruner, interval, diskMaxAge, retention time.Duration, device DeviceState, logger *zap.Logger) *CleanupWorker {
	return &CleanupWorker{
		base:       newBase(CleanupName, Constraints{BatteryNotLow: true}, Periodic(interval), device, logger),
		cache:      cache,
		buses:      buses,
		diskMaxAge: diskMaxAge,
		retention:  retention,
	}
}

// Run implements Worker.
func (w *CleanupWorker) Run(ctx context.Context, input Input) Result {
	expired := w.cache.CleanExpired()
	pruned := w.cache.PruneDisk(input.Duration(InputDiskMaxAge, w.diskMaxAge))

	removed := 0
	if w.buses != nil {
		var err error
		removed, err = w.buses.PruneOlderThan(ctx, input.Duration(InputRetention, w.retention))
		if err != nil {
			return FromError(err)
		}
	}

	w.logger.Info("Cleanup finished",
		zap.Int("expired_entries", expired),
		zap.Int("disk_files", pruned),
		zap.Int("bus_positions", removed))
	return Success()
}

// BackupWorker uploads a snapshot of the local store.
type BackupWorker struct {
	base
	db       Snapshotter
	uploader backup.Uploader
	prefix   string
	clock    clockwork.Clock
}

// NewBackupWorker creates the backup worker. It only runs on an unmetered
// network while charging.
func NewBackupWorker(db Snapshotter, uploader backup.Uploader, prefix string, interval time.Duration, device DeviceState, clock clockwork.Clock, logger *zap.Logger) *BackupWorker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := Constraints{Network: NetworkUnmetered, RequiresCharging: true, StorageNotLow: true}
	return &BackupWorker{
		base:     newBase(BackupName, c, Periodic(interval), device, logger),
		db:       db,
		uploader: uploader,
		prefix:   prefix,
		clock:    clock,
	}
}

// Run implements Worker.
func (w *BackupWorker) Run(ctx context.Context, input Input) Result {
	if res, ok := w.networkReady(); !ok {
		return res
	}

	f, err := os.CreateTemp("", "transitsync-snapshot-*")
	if err != nil {
		return Failure(fmt.Errorf("failed to create snapshot file: %w", err))
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}()

	size, err := w.db.Snapshot(f)
	if err != nil {
		return Failure(err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Failure(fmt.Errorf("failed to rewind snapshot: %w", err))
	}

	key := backup.ObjectKey(input.String(InputPrefix, w.prefix), w.clock.Now())
	if err := w.uploader.Upload(ctx, key, f, size); err != nil {
		return FromError(err)
	}

	w.logger.Info("Backup uploaded", zap.String("key", key), zap.Int64("size", size))
	return Success()
}
