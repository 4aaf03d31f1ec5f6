// Package app assembles the store, engine and directory for one workspace.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"time"

	"fieldcrm/internal/config"
	"fieldcrm/internal/db"
	"fieldcrm/internal/engine"
	"fieldcrm/internal/engine/auth"
	"fieldcrm/internal/events"
	"fieldcrm/internal/metrics"
	"fieldcrm/internal/migrate"
	"fieldcrm/internal/repo"
	"fieldcrm/internal/seed"
	"fieldcrm/internal/store"
	"fieldcrm/internal/views"
)

// Options select the workspace and the collaborators of an App.
type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *log.Logger
	Now       func() time.Time
}

// App is the explicitly wired CRM core shared by the CLI and the server.
type App struct {
	Config    *config.Config
	Location  *time.Location
	Backend   store.Backend
	Store     *store.Store
	Events    events.Log
	Engine    engine.Engine
	Directory *auth.Directory
	Sessions  auth.SessionStore
	Metrics   *metrics.Metrics
	Gate      auth.Gate
	// DB is set for the sqlite driver.
	DB *sql.DB

	now     func() time.Time
	closers []io.Closer
}

// Open connects the configured backend, loads persisted state and seeds the
// demo directory into an empty store when configured to.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load(opts.Workspace)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	a := &App{Config: cfg, Location: loc, now: now}
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		conn, err := db.Open(ctx, db.Config{Workspace: opts.Workspace})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, conn)
		if err := migrate.Migrate(conn); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.DB = conn
		a.Backend = repo.Repo{DB: conn, Now: now}
		a.Events = events.Writer{DB: conn, Now: now}
	case config.DriverRedis:
		r, err := repo.NewRedis(ctx, repo.RedisOptions{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
			Prefix:   cfg.Storage.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		r.Now = now
		a.closers = append(a.closers, r)
		a.Backend = r
		a.Events = r
	default:
		a.Backend = store.NewMemoryBackend()
		a.Events = &events.Memory{Now: now}
	}

	a.Store = store.New(store.Options{Backend: a.Backend, Now: now, Logger: logger})
	if err := a.Store.Load(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.Metrics = metrics.New()
	a.Engine = engine.New(a.Store, a.Events, cfg)
	a.Engine.Now = now
	a.Engine.Observer = a.Metrics
	a.Engine.Logger = logger
	a.Directory = auth.NewDirectory(a.Store, a.Backend, cfg.Directory.BcryptCost)
	a.Directory.Events = a.Events
	a.Directory.Logger = logger
	a.Sessions = auth.SessionStore{Backend: a.Backend, Logger: logger}

	if cfg.Directory.SeedDemoUsers {
		if _, err := seed.Load(ctx, a.Store, a.Directory, now(), loc, false); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// Now is the clock every view and mutation shares.
func (a *App) Now() time.Time { return a.now() }

// Clock anchors views at the current instant in the configured zone.
func (a *App) Clock() views.Clock {
	clk := views.NewClock(a.now(), a.Location)
	if ws, err := a.Config.WeekStart(); err == nil {
		clk.WeekStart = ws
	}
	return clk
}

// Seed writes the demo data, replacing existing data when reset is set.
func (a *App) Seed(ctx context.Context, reset bool) (bool, error) {
	return seed.Load(ctx, a.Store, a.Directory, a.now(), a.Location, reset)
}

func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
