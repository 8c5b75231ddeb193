package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/genricoloni/solo/internal/agent"
	"github.com/genricoloni/solo/internal/api"
	"github.com/genricoloni/solo/internal/bus"
	"github.com/genricoloni/solo/internal/config"
	"github.com/genricoloni/solo/internal/domain"
	"github.com/genricoloni/solo/internal/engine"
	"github.com/genricoloni/solo/internal/metrics"
	"github.com/genricoloni/solo/internal/monitor"
	"github.com/genricoloni/solo/internal/notify"
	"github.com/genricoloni/solo/internal/orchestrator"
	"github.com/genricoloni/solo/internal/settings"
	"github.com/genricoloni/solo/internal/transport/ws"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// AppOptions is the daemon's dependency graph
var AppOptions = fx.Options(
	fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
		return &fxevent.ZapLogger{Logger: log}
	}),

	fx.Provide(
		newLogger,
		config.NewAppConfig,
		fx.Annotate(
			func(cfg *config.AppConfig) *config.AppConfig { return cfg },
			fx.As(new(domain.Config)),
		),
		newRegistry,
		metrics.New,
		newBus,
		newOrchestrator,
		newSettingsStore,
		monitor.NewMprisMonitor,
		newNotifier,
		newAgentServer,
		newAPIServer,
		newEngine,
	),

	fx.Invoke(registerHooks),
)

// newLogger builds a production logger, or a development one when
// SOLO_DEBUG is set
func newLogger() (*zap.Logger, error) {
	if v := os.Getenv("SOLO_DEBUG"); v == "1" || v == "true" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newRegistry() (*prometheus.Registry, prometheus.Registerer, prometheus.Gatherer) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, reg, reg
}

func newBus(logger *zap.Logger, cfg *config.AppConfig, m *metrics.Metrics) *bus.Local {
	return bus.NewLocal(logger, m, cfg.QueueSize)
}

func newOrchestrator(logger *zap.Logger, cfg *config.AppConfig, b *bus.Local, m *metrics.Metrics) *orchestrator.Orchestrator {
	o := orchestrator.New(logger, b,
		orchestrator.WithMetrics(m),
		orchestrator.WithRequestTimeout(cfg.RequestTimeout),
		orchestrator.WithScanConcurrency(cfg.ProbeConcurrency),
	)
	b.Bind(o)
	return o
}

// newSettingsStore opens the SQLite database with the YAML file as backup.
// Without a usable data directory settings live in memory only.
func newSettingsStore(lc fx.Lifecycle, logger *zap.Logger, cfg domain.Config) domain.SettingsStore {
	dir := cfg.GetDataDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("Data directory unavailable, settings kept in memory", zap.String("dir", dir), zap.Error(err))
		return settings.NewMemoryStore(nil)
	}

	var primary, secondary domain.SettingsStore
	db, err := settings.OpenSQLite(context.Background(), filepath.Join(dir, "settings.db"), logger)
	if err != nil {
		logger.Warn("Settings database unavailable", zap.Error(err))
	} else {
		primary = db
		lc.Append(fx.Hook{OnStop: func(context.Context) error { return db.Close() }})
	}

	backup, err := settings.OpenYAML(filepath.Join(dir, "settings.yaml"))
	if err != nil {
		logger.Warn("Settings backup file unreadable", zap.Error(err))
		secondary = settings.NewMemoryStore(nil)
	} else {
		secondary = backup
	}
	return settings.NewFallbackStore(logger, primary, secondary)
}

func newNotifier(lc fx.Lifecycle, logger *zap.Logger, mon *monitor.MprisMonitor) domain.Notifier {
	d := notify.NewDesktop(logger, func() (notify.Caller, bool) {
		conn, ok := mon.Client()
		if !ok {
			return nil, false
		}
		return conn, true
	})
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return d.Close() }})
	return d
}

func newAgentServer(logger *zap.Logger, cfg *config.AppConfig, b *bus.Local) *ws.Server {
	return ws.NewServer(logger, b, cfg.RequestTimeout)
}

func newAPIServer(logger *zap.Logger, cfg *config.AppConfig, o *orchestrator.Orchestrator, agents *ws.Server, gather prometheus.Gatherer) *api.Server {
	return api.NewServer(logger, o, agents, gather, api.Options{
		Addr:          cfg.ListenAddr,
		RatePerSecond: cfg.APIRate,
		Burst:         cfg.APIBurst,
	})
}

func newEngine(
	logger *zap.Logger,
	cfg *config.AppConfig,
	mon *monitor.MprisMonitor,
	b *bus.Local,
	o *orchestrator.Orchestrator,
	store domain.SettingsStore,
	notifier domain.Notifier,
	m *metrics.Metrics,
) *engine.Engine {
	return engine.NewEngine(logger, cfg, mon, b, o, monitor.NewProber(logger, mon), store, notifier, engine.Options{
		Agent: agent.Options{
			MinVolume:     cfg.MinVolume,
			RetryDelay:    cfg.RetryDelay,
			RetryAttempts: cfg.RetryAttempts,
		},
		ConfigFile:       cfg.File,
		Settings:         cfg.Settings,
		ProbeConcurrency: cfg.ProbeConcurrency,
		Metrics:          m,
	})
}

// registerHooks sets up application lifecycle hooks. The API comes up
// before the engine so remote agents can connect while local players are
// discovered, and goes down after it.
func registerHooks(lc fx.Lifecycle, logger *zap.Logger, b *bus.Local, srv *api.Server, eng *engine.Engine) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Solo daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			b.Close()
			logger.Info("Shutting down")
			return nil
		},
	})
	lc.Append(fx.Hook{
		OnStart: srv.Start,
		OnStop:  srv.Stop,
	})
	lc.Append(fx.Hook{
		OnStart: eng.Start,
		OnStop:  eng.Stop,
	})
}
