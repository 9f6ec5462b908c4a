// Package app wires the directory, shard connectivity, Local Shadow upkeep,
// routing and services into one value shared by the binaries.
package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dreamware/shardsql/internal/admin"
	"github.com/dreamware/shardsql/internal/config"
	"github.com/dreamware/shardsql/internal/directory"
	"github.com/dreamware/shardsql/internal/orders"
	"github.com/dreamware/shardsql/internal/router"
	"github.com/dreamware/shardsql/internal/shadow"
	"github.com/dreamware/shardsql/internal/shard"
	"golang.org/x/exp/slices"
)

// App holds every long-lived component of a process.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Directory *directory.Directory
	Connector *shard.Connector
	Shadow    *shadow.SQLStore
	Updater   *shadow.Updater
	Router    *router.Router
	Health    *shard.HealthMonitor
	Admin     *admin.Service
	Orders    *orders.Service

	unsubscribe []func()
}

// New opens the directory and builds the components around it. The shadow
// updater starts immediately; Close drains it.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir, err := directory.Open(ctx, cfg.Directory.Driver, cfg.Directory.DSN, cfg.ShardMapName, directory.Options{
		Timeout: cfg.Directory.Timeout,
		Logger:  logger.With("component", "directory"),
	})
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger, Directory: dir}
	a.Connector = shard.NewConnector(shard.Config{
		Driver:         cfg.Shards.Driver,
		DSNTemplate:    cfg.Shards.DSNTemplate,
		ConnectTimeout: cfg.Shards.ConnectTimeout,
		MaxOpenConns:   cfg.Shards.MaxOpenConns,
	}, logger.With("component", "shard"))
	a.Shadow = shadow.NewSQLStore(a.Connector, cfg.ShardMapName)

	a.Updater = shadow.NewUpdater(a.Shadow, shadow.DefaultBuffer, logger.With("component", "shadow"))
	a.Updater.Start(ctx)
	a.unsubscribe = append(a.unsubscribe, dir.Subscribe(a.Updater.Listen))

	ropts := router.Options{CacheTTL: cfg.Router.CacheTTL, Logger: logger.With("component", "router")}
	if cfg.Router.ValidateOnOpen {
		ropts.Shadow = a.Shadow
	}
	a.Router = router.New(dir, a.Connector, ropts)
	a.unsubscribe = append(a.unsubscribe, dir.Subscribe(a.Router.Listen))

	a.Health = shard.NewHealthMonitor(cfg.Health.Interval, a.Connector.Ping, logger.With("component", "health"))
	a.Admin = admin.New(cfg, dir, a.Connector, a.Shadow, admin.Options{Health: a.Health, Updater: a.Updater, Logger: logger})
	a.Orders = orders.NewService(a.Router, logger.With("component", "orders"))
	return a, nil
}

// ShardLocations lists registered shards; it feeds the health monitor.
func (a *App) ShardLocations(ctx context.Context) ([]directory.Location, error) {
	shards, err := a.Directory.ListShards(ctx)
	if err != nil {
		return nil, err
	}
	locs := make([]directory.Location, 0, len(shards))
	for _, s := range shards {
		locs = append(locs, s.Location)
	}
	return locs, nil
}

// Stats is a point-in-time view of the process's counters.
type Stats struct {
	Cache     router.CacheStats   `json:"cache"`
	Connector shard.Stats         `json:"connector"`
	Shadow    shadow.UpdaterStats `json:"shadow"`
	// Shards holds the health monitor's view, ordered by location. It is
	// empty until the monitor has run.
	Shards []shard.Health `json:"shards"`
}

// Stats collects the counters of every component.
func (a *App) Stats() Stats {
	st := Stats{
		Cache:     a.Router.CacheStats(),
		Connector: a.Connector.Stats(),
		Shadow:    a.Updater.Stats(),
		Shards:    []shard.Health{},
	}
	for _, h := range a.Health.All() {
		st.Shards = append(st.Shards, h)
	}
	slices.SortFunc(st.Shards, func(x, y shard.Health) int { return directory.CompareLocations(x.Location, y.Location) })
	return st
}

// Close stops listening to the directory, drains pending shadow updates and
// closes every connection.
func (a *App) Close() error {
	for _, fn := range a.unsubscribe {
		fn()
	}
	a.Updater.Close()
	return errors.Join(a.Connector.Close(), a.Directory.Close())
}
