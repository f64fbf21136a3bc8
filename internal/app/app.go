// Package app bootstraps and runs the helmsman daemon: it loads the
// configuration and registry, wires the orchestrator, idle monitor and
// control API together, and supervises their lifecycles.
package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"helmsman/internal/api"
	"helmsman/internal/config"
	"helmsman/internal/consistency"
	"helmsman/internal/httpserver"
	"helmsman/internal/orchestrator"
	"helmsman/internal/probe"
	"helmsman/internal/provider"
	"helmsman/internal/registry"
	"helmsman/internal/sleeper"
	"helmsman/internal/store/redisstore"
	"helmsman/internal/store/sqlstore"
	"helmsman/internal/store/weaviatestore"
	"helmsman/internal/supervise"
	"helmsman/pkg/logging"

	"golang.org/x/sync/errgroup"
)

// Options control the bootstrap.
type Options struct {
	// ConfigPath is the configuration file; empty means config.DefaultPath.
	ConfigPath string

	// Debug lowers the log level to debug.
	Debug bool

	// Silent suppresses all log output.
	Silent bool
}

// Application is the assembled daemon.
type Application struct {
	cfg      config.Config
	registry *registry.Registry
	server   *httpserver.Server
	monitor  *sleeper.Monitor

	closers []io.Closer
}

// New performs the bootstrap: logging, configuration, registry, stores and
// component wiring. It fails fast on a broken configuration or catalog.
func New(opts Options) (*Application, error) {
	level := logging.LevelInfo
	if opts.Debug {
		level = logging.LevelDebug
	}
	var logOutput io.Writer = os.Stdout
	if opts.Silent {
		logOutput = io.Discard
	}
	logging.Init(level, logOutput)

	configPath := opts.ConfigPath
	if configPath == "" {
		configPath = config.DefaultPath
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	reg, err := registry.Load(cfg.RegistryPath)
	if err != nil {
		return nil, fmt.Errorf("loading registry from %s: %w", cfg.RegistryPath, err)
	}

	app := &Application{cfg: cfg, registry: reg}

	supervisor := supervise.New(reg)
	prov := provider.NewOllamaClient(cfg.Provider.Endpoint)
	prober := probe.New(
		probe.WithInterval(cfg.Probe.Interval),
		probe.WithTimeout(cfg.Probe.Timeout),
	)

	orch := orchestrator.New(reg, supervisor, prov, prober,
		orchestrator.WithModelKeepAlive(cfg.Models.KeepAlive),
	)

	app.monitor = sleeper.New(reg, supervisor, prov,
		sleeper.WithInterval(cfg.Idle.Interval),
		sleeper.WithIdleTimeout(cfg.Idle.Timeout),
	)

	inspector, err := app.buildInspector(cfg.Stores)
	if err != nil {
		app.closeAll()
		return nil, err
	}

	app.server = httpserver.New(cfg.Listen, reg, orch, inspector)
	return app, nil
}

// buildInspector wires the configured stores. With fewer than two stores
// configured there is nothing to compare, so no inspector is built and the
// consistency endpoints stay disabled.
func (a *Application) buildInspector(cfg config.StoresConfig) (*consistency.Inspector, error) {
	var fetchers []api.StoreFetcher

	if cfg.Vector.Host != "" {
		ws, err := weaviatestore.New(cfg.Vector.Host, cfg.Vector.Scheme, cfg.Vector.Class)
		if err != nil {
			return nil, fmt.Errorf("wiring vector store: %w", err)
		}
		fetchers = append(fetchers, ws)
	}

	if cfg.Cache.Addr != "" {
		rs := redisstore.New(cfg.Cache.Addr, cfg.Cache.Password, cfg.Cache.DB, cfg.Cache.Prefix)
		a.closers = append(a.closers, rs)
		fetchers = append(fetchers, rs)
	}

	if cfg.Relational.Path != "" {
		ss, err := sqlstore.Open(cfg.Relational.Path)
		if err != nil {
			return nil, fmt.Errorf("wiring relational store: %w", err)
		}
		a.closers = append(a.closers, ss)
		fetchers = append(fetchers, ss)
	}

	if len(fetchers) < 2 {
		logging.Info("Bootstrap", "%d store(s) configured, consistency inspection disabled", len(fetchers))
		return nil, nil
	}
	return consistency.New(fetchers), nil
}

// Run serves until ctx is cancelled: the control API, the idle monitor and
// the registry file watcher run side by side and shut down together.
func (a *Application) Run(ctx context.Context) error {
	defer a.closeAll()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Run(gctx)
	})

	g.Go(func() error {
		a.monitor.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return a.registry.Watch(gctx, a.cfg.RegistryPath)
	})

	return g.Wait()
}

func (a *Application) closeAll() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			logging.Warn("Bootstrap", "Closing store: %v", err)
		}
	}
	a.closers = nil
}
