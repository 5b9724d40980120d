package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"Lazythumb/internal/core/lazyload"
	"Lazythumb/internal/db/migrations"
)

// closer releases a resource during shutdown.
type closer func(ctx context.Context) error

// app holds the wired core for the serve and warm commands.
type app struct {
	cfg      lazyload.Config
	svc      *lazyload.Service
	disk     *lazyload.DiskStore
	registry *prometheus.Registry
	closers  []closer
}

// newApp builds the store, coordinator and service from cfg.
func newApp(cfg lazyload.Config) (*app, error) {
	a := &app{cfg: cfg, registry: prometheus.NewRegistry()}
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	observer, err := lazyload.NewPrometheusObserver("lazythumb", a.registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	coordinator := lazyload.NewCoordinator(cfg.ComputeTimeout)

	store, err := a.openStore(coordinator)
	if err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}

	svc, err := lazyload.NewService(store, cfg.NewFetcher(), cfg.NewProcessor(), cfg,
		lazyload.WithObserver(observer),
		lazyload.WithCoordinator(coordinator),
	)
	if err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	a.svc = svc

	slog.Info("[LAZYLOAD] service initialized",
		"cache_backend", cfg.CacheBackend,
		"cache_path", cfg.CachePath,
		"memory_entries", cfg.MemoryEntries,
		"source_root", cfg.SourceRoot,
		"default_aspect", cfg.DefaultAspect.String(),
		"breaker_threshold", cfg.BreakerThreshold,
	)
	return a, nil
}

func (a *app) openStore(coordinator *lazyload.Coordinator) (lazyload.Store, error) {
	cfg := a.cfg

	var back lazyload.Store
	switch cfg.CacheBackend {
	case lazyload.BackendMemory:
		entries := cfg.MemoryEntries
		if entries <= 0 {
			entries = lazyload.DefaultConfig().MemoryEntries
		}
		return lazyload.NewMemoryStore(entries)

	case lazyload.BackendLevelDB:
		db, err := lazyload.OpenLevelDBStore(cfg.CachePath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return db.Close() })
		back = db

	default:
		disk, err := lazyload.NewDiskStore(cfg.CachePath, cfg.CacheMaxGB, cfg.CacheTTLDays)
		if err != nil {
			return nil, err
		}
		// Eviction must not remove an entry a computation is about to publish or serve.
		disk.SetBusyFunc(coordinator.InFlight)
		a.disk = disk
		back = disk
	}

	if cfg.MemoryEntries <= 0 {
		return back, nil
	}
	front, err := lazyload.NewMemoryStore(cfg.MemoryEntries)
	if err != nil {
		return nil, err
	}
	return lazyload.NewTieredStore(front, back), nil
}

// startCleanup runs the disk retention job until Close.
func (a *app) startCleanup() {
	if a.disk == nil {
		return
	}
	stop := a.disk.StartCleanupJob(a.cfg.CleanupInterval)
	a.closers = append(a.closers, func(context.Context) error { stop(); return nil })
}

// onClose registers c to run during Close, before earlier registrations.
func (a *app) onClose(c closer) {
	a.closers = append(a.closers, c)
}

// Close runs closers in reverse registration order.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// openDatabase connects to postgres and applies the embedded migrations.
func openDatabase(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrations.Up(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("connected to database, migrations applied")
	return db, nil
}
