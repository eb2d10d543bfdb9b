// Package app assembles the mercury components into a running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/mercury/internal/api"
	"github.com/seantiz/mercury/internal/config"
	"github.com/seantiz/mercury/internal/dispatch"
	"github.com/seantiz/mercury/internal/flight"
	"github.com/seantiz/mercury/internal/handlers"
	"github.com/seantiz/mercury/internal/host"
	"github.com/seantiz/mercury/internal/host/bridge"
	"github.com/seantiz/mercury/internal/pool"
	"github.com/seantiz/mercury/internal/race"
	"github.com/seantiz/mercury/internal/store"
)

const (
	shutdownTimeout = 15 * time.Second
	dispatchTimeout = 30 * time.Second
)

// Options are the externally provided pieces of the service.
type Options struct {
	Config    config.Config
	Providers *config.Providers
	Store     store.Store
	Logger    *slog.Logger
	Version   string

	// Host drives the worker contexts. When Bridge is set and Host is nil,
	// the bridge is the host.
	Host   host.Host
	Bridge *bridge.Bridge

	// Flight overrides the coordinator defaults.
	Flight flight.Options
}

// App is the assembled service.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	Pool        *pool.Pool
	Coordinator *flight.Coordinator
	Dispatcher  *dispatch.Dispatcher
	Server      *api.Server
	bridge      *bridge.Bridge
}

// New wires the pool, race engine, coordinator, dispatcher, handlers and
// HTTP server.
func New(opts Options) (*App, error) {
	h := opts.Host
	if h == nil {
		if opts.Bridge == nil {
			return nil, errors.New("app: a host or a bridge is required")
		}
		h = opts.Bridge
	}
	cfg, logger := opts.Config, opts.Logger

	p := pool.New(h, opts.Providers, pool.Options{
		ErrorGrace:     cfg.ErrorGrace,
		HealthInterval: cfg.HealthInterval,
	}, logger.With("component", "pool"))
	engine := race.NewEngine(logger.With("component", "race"))

	fopts := opts.Flight
	if fopts.SweepInterval == 0 {
		fopts.SweepInterval = cfg.SweepInterval
	}
	coord := flight.NewCoordinator(p, engine, opts.Providers, opts.Store, fopts, logger.With("component", "flight"))

	d := dispatch.New(logger, Middleware(cfg, logger)...)
	handlers.New(handlers.Deps{
		Flights:   coord,
		Contexts:  p,
		Harvester: engine,
		Host:      h,
		Providers: opts.Providers,
		Store:     opts.Store,
		Logger:    logger.With("component", "handlers"),
		Version:   opts.Version,
	}).Register(d)

	deps := api.Deps{
		Dispatcher: d,
		Flights:    coord,
		Contexts:   p,
		Providers:  opts.Providers,
		Store:      opts.Store,
		Logger:     logger,
	}
	if opts.Bridge != nil {
		deps.Bridge = opts.Bridge
	}

	return &App{
		cfg:         cfg,
		logger:      logger,
		Pool:        p,
		Coordinator: coord,
		Dispatcher:  d,
		Server:      api.NewServer(cfg.ListenAddr, deps),
		bridge:      opts.Bridge,
	}, nil
}

// Middleware returns the dispatcher chain for cfg, outermost first.
// Prompt execution is bounded by the flight timeout, not the dispatch
// deadline.
func Middleware(cfg config.Config, logger *slog.Logger) []dispatch.Middleware {
	mws := []dispatch.Middleware{
		dispatch.Recover(logger),
		dispatch.Tracing(),
		dispatch.Logging(logger),
		dispatch.Metrics(),
	}
	if cfg.RateLimit > 0 {
		mws = append(mws, dispatch.RateLimit(cfg.RateLimit, cfg.RateBurst))
	}
	return append(mws,
		dispatch.Timeout(dispatchTimeout, map[string]time.Duration{
			handlers.TypeExecutePrompt:   0,
			handlers.TypeBroadcastPrompt: 0,
		}),
		dispatch.Validation(),
	)
}

// Run serves until ctx is done, then shuts every component down in order:
// HTTP, flights, the pool, and finally the bridge.
func (a *App) Run(ctx context.Context) error {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	bg, bgCtx := errgroup.WithContext(runCtx)
	bg.Go(func() error {
		a.Pool.Run(bgCtx)
		return nil
	})
	bg.Go(func() error {
		a.Coordinator.RunSweep(bgCtx)
		return nil
	})
	if a.bridge != nil && a.cfg.BridgeSocket != "" {
		bg.Go(func() error {
			return a.bridge.ListenUnix(bgCtx, a.cfg.BridgeSocket)
		})
	}

	serveErr := a.Server.Run(bgCtx)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Coordinator.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("flights did not drain", "error", err)
	}
	a.Pool.Shutdown(shutdownCtx)
	if a.bridge != nil {
		a.bridge.Close()
	}

	bgErr := bg.Wait()
	if serveErr != nil {
		return serveErr
	}
	if bgErr != nil {
		return fmt.Errorf("background task: %w", bgErr)
	}
	return nil
}
