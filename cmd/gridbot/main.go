// Command gridbot runs a single grid trading instance: it loads its
// config, wires a persistence backend and exchange adapter, starts the
// strategy engine, and blocks until an operator signal or a fatal error.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/quantgrid/gridcore/internal/bootstrap"
	"github.com/quantgrid/gridcore/internal/config"
	"github.com/quantgrid/gridcore/internal/core"
	"github.com/quantgrid/gridcore/internal/engine"
	"github.com/quantgrid/gridcore/internal/exchange"
	exmock "github.com/quantgrid/gridcore/internal/exchange/mock"
	"github.com/quantgrid/gridcore/internal/geometry"
	"github.com/quantgrid/gridcore/internal/persistence"
	"github.com/quantgrid/gridcore/pkg/telemetry"
	"github.com/shopspring/decimal"
)

const telemetryShutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to gridbot YAML config")
	teardown := flag.Bool("teardown", false, "cancel open orders for the configured instance and delete its persisted snapshot, then exit")
	flag.Parse()

	var err error
	if *teardown {
		err = runTeardown(*configPath)
	} else {
		err = run(*configPath)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "gridbot:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	app, err := bootstrap.NewApp(configPath)
	if err != nil {
		return fmt.Errorf("bootstrap app: %w", err)
	}

	if app.Cfg.Telemetry.EnableMetrics {
		serviceName := app.Cfg.Telemetry.ServiceName
		if serviceName == "" {
			serviceName = "gridbot"
		}
		tel, err := telemetry.Setup(serviceName)
		if err != nil {
			return fmt.Errorf("telemetry setup: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
			defer cancel()
			_ = tel.Shutdown(ctx)
		}()
	}

	store, err := buildStore(app.Cfg.Persistence)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}

	filters, err := buildFilters(app.Cfg.Grid)
	if err != nil {
		return fmt.Errorf("build filters: %w", err)
	}

	ex := buildExchange(app.Cfg.Exchange, app.Logger)

	eng, instanceID, err := buildEngine(app.Cfg, filters, ex, store, app.Logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	app.Logger.Info("starting grid instance", "instance_id", instanceID.String(), "symbol", app.Cfg.Grid.Symbol)

	return app.Run(&engineRunner{eng: eng})
}

// runTeardown is the operator `-teardown` command: it loads the
// configured instance's persisted state, cancels its open orders, and
// deletes the snapshot. It does not start the engine's consumer queue —
// the instance is assumed not to be running elsewhere.
func runTeardown(configPath string) error {
	app, err := bootstrap.NewApp(configPath)
	if err != nil {
		return fmt.Errorf("bootstrap app: %w", err)
	}

	store, err := buildStore(app.Cfg.Persistence)
	if err != nil {
		return fmt.Errorf("build store: %w", err)
	}

	if app.Cfg.App.InstanceID == "" {
		return fmt.Errorf("app.instance_id must be set to tear down an instance")
	}
	instanceID, err := uuid.Parse(app.Cfg.App.InstanceID)
	if err != nil {
		return fmt.Errorf("app.instance_id: %w", err)
	}

	existing, err := store.LoadState(context.Background(), instanceID.String())
	if err != nil {
		return fmt.Errorf("load existing state: %w", err)
	}
	if existing == nil {
		return fmt.Errorf("no persisted state found for instance %s", instanceID)
	}

	ex := buildExchange(app.Cfg.Exchange, app.Logger)
	eng := engine.New(instanceID, existing, ex, store, app.Logger)

	app.Logger.Warn("tearing down grid instance", "instance_id", instanceID.String(), "symbol", existing.Config.Symbol)
	return eng.Teardown(context.Background())
}

// engineRunner adapts core.Engine to bootstrap.Runner.
type engineRunner struct {
	eng core.Engine
}

func (r *engineRunner) Run(ctx context.Context) error {
	if err := r.eng.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return r.eng.Stop(context.Background(), "operator shutdown")
}

func buildStore(cfg config.PersistenceConfig) (core.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		return persistence.NewSQLiteStore(cfg.Path)
	default:
		return persistence.NewFileStore(cfg.Path)
	}
}

func buildFilters(cfg config.GridConfig) (geometry.Filters, error) {
	tick, err := decimal.NewFromString(cfg.TickSize)
	if err != nil {
		return geometry.Filters{}, fmt.Errorf("grid.tick_size: %w", err)
	}
	lot, err := decimal.NewFromString(cfg.LotSize)
	if err != nil {
		return geometry.Filters{}, fmt.Errorf("grid.lot_size: %w", err)
	}
	minNotional, err := decimal.NewFromString(cfg.MinNotional)
	if err != nil {
		return geometry.Filters{}, fmt.Errorf("grid.min_notional: %w", err)
	}
	return geometry.Filters{TickSize: tick, LotSize: lot, MinNotional: minNotional}, nil
}

// buildExchange wires the resilient decorator around a concrete adapter.
// No vendor HTTP exchange client ships with this repo (out of scope, §1);
// the in-memory mock stands in until a real adapter is plugged in behind
// the same core.IExchange seam.
func buildExchange(cfg config.ExchangeConfig, logger core.ILogger) core.IExchange {
	inner := exmock.New()
	return exchange.NewResilient(inner, logger, cfg.RateLimitRPS, cfg.RateLimitBurst)
}

func buildEngine(cfg *config.Config, filters geometry.Filters, ex core.IExchange, store core.Store, logger core.ILogger) (core.Engine, uuid.UUID, error) {
	ctx := context.Background()

	var instanceID uuid.UUID
	if cfg.App.InstanceID != "" {
		parsed, err := uuid.Parse(cfg.App.InstanceID)
		if err != nil {
			return nil, uuid.Nil, fmt.Errorf("app.instance_id: %w", err)
		}
		instanceID = parsed
	} else {
		instanceID = uuid.New()
		logger.Warn("no app.instance_id configured, minted a new one; persist it back to config to resume this instance on restart", "instance_id", instanceID.String())
	}

	existing, err := store.LoadState(ctx, instanceID.String())
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("load existing state: %w", err)
	}
	if existing != nil {
		return engine.New(instanceID, existing, ex, store, logger), instanceID, nil
	}

	gridCfg, err := cfg.ToCoreGridConfig()
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("grid config: %w", err)
	}
	eng, err := engine.NewFromConfig(instanceID, gridCfg, filters, ex, store, logger)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("geometry: %w", err)
	}
	return eng, instanceID, nil
}
