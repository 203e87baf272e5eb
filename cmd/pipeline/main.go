// Command pipeline runs the signal-to-order pipeline with its control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/quantflow/internal/app/datasource"
	"github.com/coachpo/quantflow/internal/app/executor"
	"github.com/coachpo/quantflow/internal/app/pipeline"
	"github.com/coachpo/quantflow/internal/app/strategy"
	"github.com/coachpo/quantflow/internal/app/strategy/js"
	"github.com/coachpo/quantflow/internal/domain/schema"
	"github.com/coachpo/quantflow/internal/infra/adapters/binance"
	"github.com/coachpo/quantflow/internal/infra/adapters/fake"
	"github.com/coachpo/quantflow/internal/infra/adapters/paper"
	"github.com/coachpo/quantflow/internal/infra/adapters/wsfeed"
	"github.com/coachpo/quantflow/internal/infra/bus/eventbus"
	"github.com/coachpo/quantflow/internal/infra/config"
	"github.com/coachpo/quantflow/internal/infra/logging"
	"github.com/coachpo/quantflow/internal/infra/persistence/migrations"
	"github.com/coachpo/quantflow/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/quantflow/internal/infra/server/http"
	"github.com/coachpo/quantflow/internal/infra/telemetry"
)

const (
	defaultConfigPath            = "config/app.yaml"
	meterName                    = "github.com/coachpo/quantflow"
	databaseConnectTimeout       = 15 * time.Second
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	pipelineShutdownTimeout      = 15 * time.Second
	lifecycleShutdownTimeout     = 10 * time.Second
	dataBusShutdownTimeout       = 2 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
)

// pipelineStore adapts the PostgreSQL repositories to pipeline.Store.
type pipelineStore struct {
	*postgres.OrderStore
	*postgres.RiskStore
	*postgres.BalanceStore
}

// auditStore adapts the PostgreSQL repositories to pipeline.AuditStore.
type auditStore struct {
	*postgres.SignalStore
	*postgres.RiskStore
	*postgres.InstanceStore
	*postgres.BalanceStore
}

// historyStore adapts the PostgreSQL repositories to httpserver.History.
type historyStore struct {
	*postgres.SignalStore
	*postgres.RiskStore
	*postgres.OrderStore
	*postgres.BalanceStore
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	appCfg, err := config.LoadOrDefault(ctx, resolveConfigPath(cfgPathFlag))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.Options{
		Environment: string(appCfg.Environment),
		Level:       appCfg.Logging.Level,
		Service:     "quantflow",
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("configuration initialised",
		zap.String("env", string(appCfg.Environment)),
		zap.Int("projects", len(appCfg.Projects)),
		zap.Int("executors", len(appCfg.Executors)),
		zap.Int("instances", len(appCfg.Instances)))

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Telemetry)
	if err != nil {
		return err
	}
	metrics := telemetry.NewMetrics(telemetryProvider.Meter(meterName))

	store, err := initDatabase(ctx, logger, appCfg.Database)
	if err != nil {
		return err
	}

	// runCtx outlives the signal context so shutdown can drain in order.
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	var lifecycle conc.WaitGroup

	bus := newEventBus(appCfg.Eventbus, store, logger)
	if store != nil {
		recorder := pipeline.NewRecorder(auditStore{store.Signals(), store.Risk(), store.Instances(), store.Balances()}, logger)
		lifecycle.Go(func() {
			if err := recorder.Run(runCtx, bus); err != nil {
				logger.Error("recorder stopped", zap.Error(err))
			}
		})
	}

	hub, err := newMarketData(appCfg.DataSource, logger, metrics)
	if err != nil {
		return err
	}

	catalog := buildCatalog(ctx, appCfg.Strategies, logger)

	opts := pipeline.Options{
		Feed:            hub,
		Catalog:         catalog,
		Bus:             bus,
		DefaultExpiry:   appCfg.Signals.DefaultExpiry,
		SweepInterval:   appCfg.Signals.SweepInterval,
		SignalRetention: appCfg.Signals.Retention,
		CallBudget:      appCfg.Strategies.CallBudget,
		EventBuffer:     appCfg.Strategies.EventBuffer,
		MonitorInterval: appCfg.Risk.MonitorInterval,
		Logger:          logger,
		Metrics:         metrics,
	}
	if store != nil {
		opts.Store = pipelineStore{store.Orders(), store.Risk(), store.Balances()}
	}
	p, err := pipeline.New(opts)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	venues, err := registerExecutors(p, appCfg.Executors, logger)
	if err != nil {
		return err
	}
	if err := p.Restore(ctx); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	if err := configureProjects(ctx, p, appCfg.Projects); err != nil {
		return err
	}
	p.Start(runCtx)
	startInstances(ctx, logger, p, appCfg.Instances, store)

	var history httpserver.History
	if store != nil {
		history = historyStore{store.Signals(), store.Risk(), store.Orders(), store.Balances()}
	}
	apiServer := buildAPIServer(appCfg.APIServer, appCfg.Environment, p, history)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Info("control API listening", zap.String("addr", apiServer.Addr))

	logger.Info("pipeline running; awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:    apiServer,
		pipeline:  p,
		venues:    venues,
		hub:       hub,
		runCancel: runCancel,
		lifecycle: &lifecycle,
		dataBus:   bus,
		store:     store,
		telemetry: telemetryProvider,
	})
	logger.Info("shutdown completed", zap.Duration("took", time.Since(shutdownStart)))
	return nil
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initTelemetry(ctx context.Context, logger *zap.Logger, cfg telemetry.Config) (*telemetry.Provider, error) {
	provider, err := telemetry.NewProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if cfg.Enabled {
		logger.Info("telemetry initialized",
			zap.String("endpoint", cfg.OTLPEndpoint),
			zap.String("service", cfg.ServiceName))
	} else {
		logger.Info("telemetry disabled")
	}
	return provider, nil
}

func initDatabase(ctx context.Context, logger *zap.Logger, cfg config.DatabaseConfig) (*postgres.Store, error) {
	if !cfg.Enabled {
		logger.Info("database disabled; running without persistence")
		return nil, nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, databaseConnectTimeout)
	defer cancel()
	if cfg.RunMigrations {
		if err := migrations.Apply(connectCtx, cfg.DSN, cfg.MigrationsPath, logger); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	store, err := postgres.Connect(connectCtx, cfg)
	if err != nil {
		return nil, err
	}
	postgres.ObservePoolMetrics(store.Pool(), "quantflow")
	logger.Info("database connected", zap.Int32("max_conns", cfg.MaxConns))
	return store, nil
}

// newEventBus wraps the memory bus in the outbox when a database is configured.
func newEventBus(cfg config.EventbusConfig, store *postgres.Store, logger *zap.Logger) eventbus.Bus {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:    cfg.BufferSize,
		FanoutWorkers: cfg.FanoutWorkers,
		Logger:        logger,
	})
	if store == nil {
		return bus
	}
	return eventbus.NewDurableBus(bus, store.Outbox(), eventbus.WithDurableLogger(logger))
}

func newMarketData(cfg config.DataSourceConfig, logger *zap.Logger, metrics *telemetry.Metrics) (*datasource.Hub, error) {
	var feed datasource.Feed
	switch cfg.Kind {
	case "simulated":
		prices := make(map[string]decimal.Decimal, len(cfg.Simulated.StartPrices))
		for instrument, amount := range cfg.Simulated.StartPrices {
			price, err := amount.Decimal()
			if err != nil {
				return nil, fmt.Errorf("datasource start price %s: %w", instrument, err)
			}
			prices[instrument] = price
		}
		feed = fake.NewFeed(fake.Options{
			TickInterval:  cfg.Simulated.TickInterval,
			StartPrices:   prices,
			VolatilityBps: cfg.Simulated.VolatilityBps,
			Seed:          cfg.Simulated.Seed,
		})
	case "websocket":
		feed = wsfeed.New(cfg.URL)
	case "binance":
		feed = binance.New(cfg.URL)
	default:
		return nil, fmt.Errorf("datasource kind %q not supported", cfg.Kind)
	}
	adapter := datasource.NewAdapter(feed, datasource.Config{
		BufferSize:      cfg.BufferSize,
		InitialInterval: cfg.Reconnect.InitialInterval,
		MaxInterval:     cfg.Reconnect.MaxInterval,
	}, logger, metrics)
	logger.Info("market data configured", zap.String("feed", feed.Name()))
	return datasource.NewHub(adapter, cfg.BufferSize, logger, metrics), nil
}

// buildCatalog registers the native strategies plus every JavaScript module
// found under the configured directory. A missing directory is not fatal.
func buildCatalog(ctx context.Context, cfg config.StrategiesConfig, logger *zap.Logger) *strategy.Catalog {
	catalog := strategy.NewCatalog()
	loader, err := js.NewLoader(cfg.Directory)
	if err != nil {
		logger.Warn("javascript strategies unavailable", zap.Error(err))
		return catalog
	}
	if err := loader.Refresh(ctx); err != nil {
		logger.Warn("load javascript strategies", zap.String("dir", loader.Root()), zap.Error(err))
		return catalog
	}
	js.Register(catalog, loader, logger)
	logger.Info("strategy catalog loaded", zap.Int("strategies", len(catalog.List())))
	return catalog
}

func registerExecutors(p *pipeline.Pipeline, specs []config.ExecutorConfig, logger *zap.Logger) ([]*paper.Executor, error) {
	venues := make([]*paper.Executor, 0, len(specs))
	for _, spec := range specs {
		feeRate, err := spec.Paper.FeeRate.Decimal()
		if err != nil {
			return venues, fmt.Errorf("executor %s: feeRate: %w", spec.Name, err)
		}
		venue := paper.New(paper.Options{
			Name:        spec.Name,
			FillLatency: spec.Paper.FillLatency,
			FeeRate:     feeRate,
			SlippageBps: spec.Paper.SlippageBps,
			Logger:      logger,
		})
		if err := p.RegisterExecutor(venue, executorConfig(spec)); err != nil {
			venue.Close()
			return venues, fmt.Errorf("register executor %s: %w", spec.Name, err)
		}
		venues = append(venues, venue)
	}
	return venues, nil
}

func executorConfig(spec config.ExecutorConfig) executor.Config {
	return executor.Config{
		RequestTimeout: spec.RequestTimeout,
		MaxRetries:     spec.MaxRetries,
		RatePerSecond:  spec.RatePerSecond,
		Burst:          spec.Burst,
		QueueSize:      spec.QueueSize,
	}
}

// configureProjects installs the configured projects. Limits restored from the
// database win over the file so operator edits survive restarts.
func configureProjects(ctx context.Context, p *pipeline.Pipeline, projects []config.ProjectConfig) error {
	for _, pc := range projects {
		spec, err := pc.Build()
		if err != nil {
			return err
		}
		limits := bootLimits(spec, p.Limits(spec.Project.ID))
		if _, err := p.UpsertProject(ctx, spec.Project, limits); err != nil {
			return fmt.Errorf("project %s: %w", spec.Project.ID, err)
		}
	}
	return nil
}

func bootLimits(spec config.ProjectSpec, restored schema.RiskLimit) *schema.RiskLimit {
	if restored.Version > 0 {
		return nil
	}
	limits := spec.Limits
	return &limits
}

// startInstances launches autostart instances from the config, then resumes
// instances the database last saw running.
func startInstances(ctx context.Context, logger *zap.Logger, p *pipeline.Pipeline, instances []config.InstanceConfig, store *postgres.Store) {
	started := make(map[string]struct{})
	for _, in := range instances {
		if !in.Autostart {
			continue
		}
		start(ctx, logger, p, strategy.Spec{
			ID:          in.ID,
			Project:     in.Project,
			Strategy:    in.Strategy,
			Instruments: in.Instruments,
			Params:      in.Params,
		})
		started[in.ID] = struct{}{}
	}
	if store == nil {
		return
	}
	persisted, err := store.Instances().ListInstances(ctx)
	if err != nil {
		logger.Warn("list persisted instances", zap.Error(err))
		return
	}
	for _, st := range resumable(persisted, started) {
		start(ctx, logger, p, strategy.Spec{
			ID:          st.ID,
			Project:     st.Project,
			Strategy:    st.Strategy,
			Instruments: st.Instruments,
			Params:      st.Params,
		})
	}
}

func resumable(persisted []schema.InstanceStatus, skip map[string]struct{}) []schema.InstanceStatus {
	var out []schema.InstanceStatus
	for _, st := range persisted {
		if _, ok := skip[st.ID]; ok {
			continue
		}
		if st.State == schema.InstanceRunning || st.State == schema.InstanceStarting {
			out = append(out, st)
		}
	}
	return out
}

func start(ctx context.Context, logger *zap.Logger, p *pipeline.Pipeline, spec strategy.Spec) {
	if _, err := p.StartStrategy(ctx, spec); err != nil {
		logger.Error("start strategy instance", zap.String("instance", spec.ID), zap.Error(err))
		return
	}
	logger.Info("strategy instance started", zap.String("instance", spec.ID), zap.String("strategy", spec.Strategy))
}

func buildAPIServer(cfg config.APIServerConfig, env config.Environment, p *pipeline.Pipeline, history httpserver.History) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpserver.NewHandler(env, p, history),
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *zap.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("control server", zap.Error(err))
		}
	})
}

type gracefulShutdownConfig struct {
	server    *http.Server
	pipeline  *pipeline.Pipeline
	venues    []*paper.Executor
	hub       *datasource.Hub
	runCancel context.CancelFunc
	lifecycle *conc.WaitGroup
	dataBus   eventbus.Bus
	store     *postgres.Store
	telemetry *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger *zap.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed", zap.String("step", name), zap.Error(err))
		}
	}
	waitFor := func(stepCtx context.Context, fn func()) error {
		done := make(chan struct{})
		go func() {
			fn()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-stepCtx.Done():
			return stepCtx.Err()
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}
	if cfg.pipeline != nil {
		shutdownStep("draining pipeline", pipelineShutdownTimeout, cfg.pipeline.Close)
	}
	for _, venue := range cfg.venues {
		venue.Close()
	}
	if cfg.hub != nil {
		shutdownStep("closing market data", dataBusShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.hub.Close)
		})
	}

	if cfg.runCancel != nil {
		cfg.runCancel()
	}
	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.lifecycle.Wait)
		})
	}
	if cfg.dataBus != nil {
		shutdownStep("closing event bus", dataBusShutdownTimeout, func(stepCtx context.Context) error {
			return waitFor(stepCtx, cfg.dataBus.Close)
		})
	}
	if cfg.store != nil {
		cfg.store.Close()
	}
	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("QUANTFLOW_CONFIG"); env != "" {
		return env
	}
	return filepath.Clean(defaultConfigPath)
}
