// Package bootstrap assembles the process: configuration, logging,
// telemetry, venues, engines, and the operational HTTP surface.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"basis_arb/internal/config"
	"basis_arb/internal/core"
	"basis_arb/internal/engine/arb"
	"basis_arb/internal/exchange"
	"basis_arb/internal/infrastructure/health"
	"basis_arb/internal/infrastructure/metrics"
	"basis_arb/internal/journal"
	"basis_arb/internal/snapshot"
	"basis_arb/internal/trading/arbitrage"
	"basis_arb/pkg/concurrency"
	"basis_arb/pkg/logging"
	"basis_arb/pkg/telemetry"
)

const serviceName = "basis_arb"

// healthChecker is what a component exposes to the probe registry.
type healthChecker interface {
	CheckHealth() error
}

// taskRuntime pairs one engine with the venue manager it trades through.
type taskRuntime struct {
	task    config.TaskConfig
	manager *exchange.Manager
	engine  *arb.Engine
}

// App owns every long-lived component and their start/stop order.
type App struct {
	cfg    *config.Config
	logger core.ILogger
	tel    *telemetry.Telemetry

	pool    *concurrency.DispatchPool
	journal *journal.Journal
	health  *health.Manager
	metrics *metrics.Server

	tasks []*taskRuntime
}

// New loads configuration from disk and assembles the application.
func New(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig assembles the application from an already validated
// configuration. Venue connections are not opened here; that happens when
// Run initializes the engines.
func NewWithConfig(cfg *config.Config) (*App, error) {
	logger, err := logging.NewZapLogger(cfg.System.LogLevel, cfg.System.LogEncoding)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	if err := prepareStorage(cfg); err != nil {
		return nil, err
	}

	app := &App{
		cfg:    cfg,
		logger: logger,
		health: health.NewManager(),
	}

	if cfg.Telemetry.EnableMetrics {
		if cfg.Telemetry.DebugExporters {
			app.tel, err = telemetry.Setup(serviceName)
		} else {
			app.tel, err = telemetry.SetupMetricsOnly(serviceName)
		}
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		app.metrics = metrics.NewServer(
			fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort), app.health, logger)
	}

	app.pool = concurrency.NewDispatchPool(concurrency.Config{
		Name:      "dispatch",
		Workers:   8,
		QueueSize: 1024,
	}, logger)

	if cfg.Storage.JournalPath != "" {
		app.journal, err = journal.Open(cfg.Storage.JournalPath, logger)
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
	}

	if err := app.buildTasks(); err != nil {
		if app.journal != nil {
			app.journal.Close()
		}
		return nil, err
	}

	return app, nil
}

// buildTasks constructs the manager, snapshot store, and engine for every
// configured task and registers their probes.
func (a *App) buildTasks() error {
	engCfg := arb.Config{
		TickInterval:      a.cfg.Engine.TickInterval(),
		AnalysisInterval:  a.cfg.Engine.AnalysisInterval(),
		SnapshotInterval:  a.cfg.Engine.SnapshotInterval(),
		RecoveryBackoff:   a.cfg.Engine.RecoveryBackoff(),
		ReconcileInterval: a.cfg.Engine.ReconcileInterval(),
		SettleDelay:       a.cfg.Engine.SettleDelay(),
		BreakerThreshold:  a.cfg.Engine.MaxConsecutiveFailures,
		BreakerCooldown:   a.cfg.Engine.BreakerCooldown(),
	}

	for _, task := range a.cfg.Tasks {
		legs, err := exchange.BuildLegs(task, a.cfg.Venues, a.pool, a.logger)
		if err != nil {
			return err
		}
		manager, err := exchange.NewManager(task.ID, legs, a.logger)
		if err != nil {
			return fmt.Errorf("task %s: %w", task.ID, err)
		}

		snaps, err := snapshot.NewManager[arb.Context](snapshot.Options{
			Root:   a.cfg.Storage.SnapshotRoot,
			TaskID: task.ID,
			Codec:  a.cfg.Storage.SnapshotCodec,
			Retain: a.cfg.Storage.SnapshotRetention,
		}, arb.Summarize, a.logger)
		if err != nil {
			return fmt.Errorf("task %s snapshots: %w", task.ID, err)
		}

		symbol := core.Symbol{Base: task.Base, Quote: task.Quote}
		eng, err := arb.New(engCfg, task.ID, symbol, paramsFromTask(task),
			manager, snaps, a.journal, a.logger)
		if err != nil {
			return err
		}

		a.health.Register("engine:"+task.ID, eng.CheckHealth)
		a.health.Register("snapshot:"+task.ID, eng.SnapshotHealth)
		for _, leg := range legs {
			if probe, ok := leg.Public.(healthChecker); ok {
				a.health.Register(fmt.Sprintf("%s:%s:public", task.ID, leg.Public.GetName()), probe.CheckHealth)
			}
			if probe, ok := leg.Private.(healthChecker); ok {
				a.health.Register(fmt.Sprintf("%s:%s:private", task.ID, leg.Private.GetName()), probe.CheckHealth)
			}
		}

		a.tasks = append(a.tasks, &taskRuntime{task: task, manager: manager, engine: eng})
	}
	return nil
}

// Run drives every engine until a signal or the first fatal error, then
// shuts everything down within the configured grace period.
func (a *App) Run(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.metrics != nil {
		a.metrics.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	if a.journal != nil {
		g.Go(func() error { return a.journal.Run(gctx) })
	}
	for _, rt := range a.tasks {
		rt := rt
		g.Go(func() error { return rt.engine.Run(gctx) })
	}

	if a.metrics != nil {
		a.metrics.SetReady(true)
		go func() {
			<-gctx.Done()
			a.metrics.SetReady(false)
		}()
	}

	a.logger.Info("application running", "tasks", len(a.tasks))

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("application stopped with error", "error", err)
	} else {
		err = nil
	}

	a.shutdown()
	return err
}

// shutdown tears components down in reverse dependency order: open orders
// first, then venue connections, then the operational surfaces.
func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.System.ShutdownGrace())
	defer cancel()

	for _, rt := range a.tasks {
		if a.cfg.System.CancelOnExit {
			if err := rt.manager.CancelAllOrders(ctx); err != nil {
				a.logger.Error("cancel on exit failed", "task", rt.task.ID, "error", err)
			}
		}
		if err := rt.manager.Shutdown(ctx); err != nil {
			a.logger.Error("venue shutdown failed", "task", rt.task.ID, "error", err)
		}
	}

	if a.metrics != nil {
		if err := a.metrics.Stop(ctx); err != nil {
			a.logger.Error("metrics server stop failed", "error", err)
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Error("journal close failed", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Stop()
	}
	if a.tel != nil {
		if err := a.tel.Shutdown(ctx); err != nil {
			a.logger.Error("telemetry shutdown failed", "error", err)
		}
	}
	a.logger.Info("shutdown complete")
}

// prepareStorage creates the snapshot root and the journal directory so the
// first write never races directory creation.
func prepareStorage(cfg *config.Config) error {
	if cfg.Storage.SnapshotRoot != "" {
		if err := os.MkdirAll(cfg.Storage.SnapshotRoot, 0o755); err != nil {
			return fmt.Errorf("create snapshot root: %w", err)
		}
	}
	if cfg.Storage.JournalPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.JournalPath), 0o755); err != nil {
			return fmt.Errorf("create journal dir: %w", err)
		}
	}
	return nil
}

// paramsFromTask maps task configuration onto trading parameters. Optional
// knobs keep their defaults when unset.
func paramsFromTask(task config.TaskConfig) arbitrage.Params {
	params := arbitrage.DefaultParams()
	params.BasePositionSize = decimal.NewFromFloat(task.BasePositionSizeQuote)
	if task.MaxPositionMultiplier > 0 {
		params.MaxPositionMultiplier = decimal.NewFromFloat(task.MaxPositionMultiplier)
	}
	if task.FuturesLeverage > 0 {
		params.FuturesLeverage = decimal.NewFromFloat(task.FuturesLeverage)
	}
	params.MaxEntryCostPct = decimal.NewFromFloat(task.MaxEntryCostPct)
	params.ExitThresholdPct = decimal.NewFromFloat(task.ExitThresholdPct)
	if task.DeltaTolerancePct > 0 {
		params.DeltaTolerancePct = decimal.NewFromFloat(task.DeltaTolerancePct)
	}
	params.PositionAgeLimit = task.PositionAgeLimit()
	if task.MinProfitQuote > 0 {
		params.MinProfitQuote = decimal.NewFromFloat(task.MinProfitQuote)
	}
	return params
}
