// Package main runs transitsyncd, the offline-first transit data daemon.
// It keeps a local copy of buses, routes and stops in sync with the
// transit API and serves its health and metrics over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bustrack/transitsync/internal/backup"
	"github.com/bustrack/transitsync/internal/cache"
	"github.com/bustrack/transitsync/internal/config"
	"github.com/bustrack/transitsync/internal/logging"
	"github.com/bustrack/transitsync/internal/metrics"
	"github.com/bustrack/transitsync/internal/model"
	"github.com/bustrack/transitsync/internal/network"
	"github.com/bustrack/transitsync/internal/remote"
	"github.com/bustrack/transitsync/internal/repository"
	"github.com/bustrack/transitsync/internal/store"
	"github.com/bustrack/transitsync/internal/worker"
	"github.com/bustrack/transitsync/pkg/health"
)

const shutdownTimeout = 10 * time.Second

type flags struct {
	configPath string
	offline    bool
	once       bool
}

func main() {
	var f flags
	flag.StringVar(&f.configPath, "config", "", "Path to YAML config file")
	flag.BoolVar(&f.offline, "offline", false, "Serve local data only; never contact the transit API")
	flag.BoolVar(&f.once, "once", false, "Run every worker once and exit")
	flag.Parse()

	if err := run(f); err != nil {
		fmt.Fprintf(os.Stderr, "transitsyncd: %v\n", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	if f.once {
		return d.runOnce(ctx)
	}
	return d.serve(ctx)
}

func loadConfig(f flags) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if f.configPath != "" {
		if err := cfg.LoadFromFile(f.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if f.offline {
		cfg.Network.Offline = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// daemon holds every long-lived component.
type daemon struct {
	logger    *zap.Logger
	db        *store.DB
	collector *metrics.Collector
	monitor   *network.Monitor
	scheduler *worker.Scheduler
}

func build(ctx context.Context, cfg *config.Configuration, logger *zap.Logger) (*daemon, error) {
	d := &daemon{logger: logger}

	tracker := health.NewTracker(cfg.Health, nil)
	tracker.OnStateChange(func(component string, from, to health.State, err error) {
		logger.Warn("Component health changed",
			zap.String("component", component),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.Error(err))
	})

	collector, err := metrics.NewCollector(cfg.Metrics, metrics.WithLogger(logger), metrics.WithHealth(tracker))
	if err != nil {
		return nil, fmt.Errorf("create metrics collector: %w", err)
	}
	tracker.OnStateChange(collector.SetComponentState)
	d.collector = collector

	db, err := store.Open(cfg.Store, store.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	d.db = db

	buses, err := store.NewCollection[model.Bus](db, repository.BusesKey)
	if err != nil {
		d.close()
		return nil, err
	}
	routes, err := store.NewCollection[model.Route](db, repository.RoutesKey)
	if err != nil {
		d.close()
		return nil, err
	}
	stops, err := store.NewCollection[model.Stop](db, repository.StopsKey)
	if err != nil {
		d.close()
		return nil, err
	}

	manager, err := cache.NewManagerFromConfig(cfg.Cache, cache.WithLogger(logger), cache.WithRecorder(collector))
	if err != nil {
		d.close()
		return nil, err
	}

	var checker network.Checker = network.Static(false)
	var api *remote.TransitAPI
	if !cfg.Network.Offline {
		client, err := remote.NewClient(cfg.Remote, remote.WithLogger(logger), remote.WithRecorder(collector))
		if err != nil {
			d.close()
			return nil, err
		}
		api = remote.NewTransitAPI(client)

		d.monitor = network.NewMonitor(cfg.Network.Config, api.Ping, network.WithLogger(logger))
		d.monitor.OnChange(func(from, to network.State) {
			logger.Info("Connectivity changed", zap.Stringer("from", from), zap.Stringer("to", to))
		})
		d.monitor.Check(ctx)
		checker = d.monitor
	} else {
		logger.Info("Running in offline mode")
	}

	deps := repository.Deps{Cache: manager, Sync: store.NewSyncTracker(db), Network: checker, Logger: logger}
	busRepo := repository.NewBusRepository(buses, busSource(api), deps, cfg.Repository.BusTTL)
	routeRepo := repository.NewRouteRepository(routes, routeSource(api), deps, cfg.Repository.RouteTTL)
	stopRepo := repository.NewStopRepository(stops, stopSource(api), deps, cfg.Repository.StopTTL)

	device := worker.HostState{
		Checker:    checker,
		Metered:    cfg.Network.Metered,
		Disk:       manager,
		DiskBudget: cfg.Sync.DiskBudget,
	}
	d.scheduler = worker.NewScheduler(cfg.Scheduler, device,
		worker.WithLogger(logger),
		worker.WithRecorder(collector),
		worker.WithTracker(tracker))

	workers := []worker.Worker{
		worker.NewLocationSyncWorker(busRepo, cfg.Sync.LocationInterval, device, logger),
		worker.NewRouteSyncWorker(routeRepo, stopRepo, cfg.Sync.RouteInterval, device, logger),
		worker.NewCleanupWorker(manager, busRepo, cfg.Sync.CleanupInterval, cfg.Cache.DiskMaxAge, cfg.Sync.BusRetention, device, logger),
	}
	if cfg.Backup.Enabled() {
		uploader, err := backup.New(ctx, cfg.Backup, logger)
		if err != nil {
			d.close()
			return nil, err
		}
		workers = append(workers, worker.NewBackupWorker(db, uploader, cfg.Backup.Prefix, cfg.Sync.BackupInterval, device, nil, logger))
	}

	for _, w := range workers {
		input := worker.Input{}
		if w.Name() == worker.RouteSyncName {
			input[worker.InputIncludeStops] = true
		}
		if err := d.scheduler.Register(w, input); err != nil {
			d.close()
			return nil, err
		}
	}

	return d, nil
}

func (d *daemon) serve(ctx context.Context) error {
	if err := d.collector.Start(ctx); err != nil {
		return err
	}
	if d.monitor != nil {
		d.monitor.Start(ctx)
	}
	d.scheduler.Start(ctx)
	d.logger.Info("transitsyncd started", zap.Strings("workers", d.scheduler.Names()))

	<-ctx.Done()
	d.logger.Info("Shutting down")

	d.scheduler.Stop()
	if d.monitor != nil {
		d.monitor.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return d.collector.Stop(shutdownCtx)
}

// runOnce runs every registered worker once. A worker that fails outright
// fails the command; retries are reported and ignored.
func (d *daemon) runOnce(ctx context.Context) error {
	var failed []string
	for _, name := range d.scheduler.Names() {
		res, err := d.scheduler.RunNow(ctx, name)
		if err != nil {
			return err
		}
		d.logger.Info("Worker finished", zap.String("worker", name), zap.Stringer("status", res.Status), zap.Error(res.Err))
		if res.Status == worker.StatusFailure {
			failed = append(failed, name)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("workers failed: %v", failed)
	}
	return nil
}

func (d *daemon) close() {
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.logger.Warn("Failed to close store", zap.Error(err))
		}
	}
}

// The repositories take interfaces, so a nil *TransitAPI must not be
// passed through as a non-nil interface value.

func busSource(api *remote.TransitAPI) repository.BusSource {
	if api == nil {
		return nil
	}
	return api
}

func routeSource(api *remote.TransitAPI) repository.RouteSource {
	if api == nil {
		return nil
	}
	return api
}

func stopSource(api *remote.TransitAPI) repository.StopSource {
	if api == nil {
		return nil
	}
	return api
}
