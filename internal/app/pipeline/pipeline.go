// Package pipeline wires the signal path end to end: strategies publish into the
// signal queue, the gate runs risk checks on resolved signals and dispatches
// orders, and every state change is appended to the journal.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/app/executor"
	"github.com/coachpo/quantflow/internal/app/ledger"
	"github.com/coachpo/quantflow/internal/app/risk"
	"github.com/coachpo/quantflow/internal/app/signalqueue"
	"github.com/coachpo/quantflow/internal/app/strategy"
	"github.com/coachpo/quantflow/internal/domain/schema"
	"github.com/coachpo/quantflow/internal/infra/bus/eventbus"
	"github.com/coachpo/quantflow/internal/infra/logging"
	"github.com/coachpo/quantflow/internal/infra/telemetry"
	"github.com/coachpo/quantflow/lib/keylock"
	"github.com/coachpo/quantflow/lib/schedule"
)

// Store is the persistence the pipeline needs beyond the audit recorder.
type Store interface {
	executor.Store
	ListPositions(ctx context.Context, project string) ([]schema.Position, error)
	ListOpenOrders(ctx context.Context) ([]schema.Order, error)
	SaveLimits(ctx context.Context, limits schema.RiskLimit) error
	LoadLimits(ctx context.Context) ([]schema.RiskLimit, error)
	ActiveHalts(ctx context.Context) ([]schema.HaltEvent, error)
}

// PriceObserver receives every mark price the pipeline sees.
type PriceObserver interface {
	Mark(instrument string, price decimal.Decimal)
}

// Options wires a Pipeline. Feed, Catalog and Bus are required.
type Options struct {
	Feed    strategy.Subscriber
	Catalog *strategy.Catalog
	Bus     eventbus.Bus
	Store   Store

	DefaultExpiry   time.Duration
	SweepInterval   time.Duration
	// SignalRetention is how long resolved signals stay fully readable.
	SignalRetention time.Duration
	CallBudget      time.Duration
	EventBuffer     int
	MonitorInterval time.Duration
	// OrderRetention is how long terminal orders stay queryable in memory.
	OrderRetention time.Duration

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	Clock   func() time.Time
}

// Pipeline owns the ledger, queue, risk manager, dispatcher and strategy runtime.
type Pipeline struct {
	opts   Options
	logger *zap.Logger

	sched      *schedule.Scheduler
	journal    *Journal
	ledger     *ledger.Ledger
	queue      *signalqueue.Queue
	risk       *risk.Manager
	dispatcher *executor.Dispatcher
	runtime    *strategy.Runtime
	keys       *keylock.Map

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu        sync.Mutex
	started   bool
	lanes     map[string]chan schema.Signal
	marking   map[string]struct{}
	observers []PriceObserver
}

// New builds the pipeline. Call Restore, then Start.
func New(opts Options) (*Pipeline, error) {
	if opts.Feed == nil || opts.Catalog == nil || opts.Bus == nil {
		return nil, errs.New("pipeline", errs.CodeInvalid, errs.WithMessage("feed, catalog and bus required"))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.OrderRetention <= 0 {
		opts.OrderRetention = time.Hour
	}
	logger := logging.OrNop(opts.Logger)
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		opts:    opts,
		logger:  logger.Named("pipeline"),
		sched:   schedule.New(),
		journal: NewJournal(opts.Bus, logger),
		keys:    keylock.New(),
		ctx:     ctx,
		cancel:  cancel,
		lanes:   make(map[string]chan schema.Signal),
		marking: make(map[string]struct{}),
	}

	p.ledger = ledger.New(
		ledger.WithLogger(logger),
		ledger.WithClock(opts.Clock),
		ledger.WithTransactionHook(func(tx schema.BalanceTransaction) { p.journal.Append(schema.BalanceRecord(tx)) }),
	)
	p.queue = signalqueue.New(signalqueue.Options{
		Scheduler:     p.sched,
		DefaultExpiry: opts.DefaultExpiry,
		SweepInterval: opts.SweepInterval,
		Retention:     opts.SignalRetention,
		Logger:        logger,
		Metrics:       opts.Metrics,
		OnTransition:  func(sig schema.Signal) { p.journal.Append(schema.SignalRecord(sig)) },
		Clock:         opts.Clock,
	})
	p.risk = risk.NewManager(risk.Options{
		Positions: p.ledger,
		Signals:   p,
		Logger:    logger,
		Metrics:   opts.Metrics,
		OnRiskLog: func(entry schema.RiskLogEntry) { p.journal.Append(schema.RiskLogRecord(entry)) },
		OnHalt:    func(ev schema.HaltEvent) { p.journal.Append(schema.HaltRecord(ev)) },
		Clock:     opts.Clock,
	})

	var store executor.Store
	if opts.Store != nil {
		store = opts.Store
	}
	dispatcher, err := executor.NewDispatcher(executor.Options{
		Positions: p.ledger,
		Store:     store,
		Logger:    logger,
		Metrics:   opts.Metrics,
		OnOrder:   func(order schema.Order) { p.journal.Append(schema.OrderRecord(order)) },
		OnFill: func(fill schema.Fill, pos schema.Position) {
			p.journal.Append(schema.FillRecord(pos.Project, fill))
			p.journal.Append(schema.PositionSnapshot(pos))
		},
		Clock: opts.Clock,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	p.dispatcher = dispatcher

	runtime, err := strategy.NewRuntime(strategy.Options{
		Catalog:     opts.Catalog,
		Feed:        opts.Feed,
		Signals:     p,
		Positions:   p.ledger,
		CallBudget:  opts.CallBudget,
		EventBuffer: opts.EventBuffer,
		Logger:      logger,
		Metrics:     opts.Metrics,
		OnStatus:    func(st schema.InstanceStatus) { p.journal.Append(schema.InstanceRecord(st)) },
		Clock:       opts.Clock,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	p.runtime = runtime
	return p, nil
}

// RegisterExecutor adds a venue lane. Executors that also observe prices are
// fed every mark the pipeline sees.
func (p *Pipeline) RegisterExecutor(exec executor.Executor, cfg executor.Config) error {
	if err := p.dispatcher.Register(exec, cfg); err != nil {
		return err
	}
	if obs, ok := exec.(PriceObserver); ok {
		p.Observe(obs)
	}
	return nil
}

// Observe registers a price observer.
func (p *Pipeline) Observe(obs PriceObserver) {
	if obs == nil {
		return
	}
	p.mu.Lock()
	p.observers = append(p.observers, obs)
	p.mu.Unlock()
}

// Start begins signal delivery, gating, position monitoring and price marking.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	instruments := make([]string, 0, len(p.marking))
	for instrument := range p.marking {
		instruments = append(instruments, instrument)
	}
	p.mu.Unlock()

	runCtx := p.ctx
	p.wg.Go(func() {
		select {
		case <-ctx.Done():
			p.cancel()
		case <-runCtx.Done():
		}
	})
	p.queue.Start(runCtx)
	p.wg.Go(func() { p.gate(runCtx) })
	p.risk.RunMonitor(runCtx, p.sched, p.opts.MonitorInterval)
	p.sched.Every(runCtx, p.opts.OrderRetention/4, func(context.Context) {
		if removed := p.dispatcher.Prune(p.opts.Clock().Add(-p.opts.OrderRetention)); removed > 0 {
			p.logger.Debug("pruned terminal orders", zap.Int("orders", removed))
		}
	})
	for _, instrument := range instruments {
		p.startMarking(runCtx, instrument)
	}
	p.logger.Info("pipeline started", zap.Int("instruments", len(instruments)))
}

// Publish queues a signal. It satisfies the sink used by strategies and the
// risk monitor, so failures are logged rather than returned.
func (p *Pipeline) Publish(ctx context.Context, sig schema.Signal) {
	if _, err := p.queue.Enqueue(ctx, sig); err != nil {
		p.logger.Warn("signal not queued",
			zap.String("signal", sig.ID),
			zap.String("project", sig.Project),
			zap.String("instrument", sig.Instrument),
			zap.Error(err))
	}
}

// Close stops strategies first, then drains the gate, the venues and the journal.
func (p *Pipeline) Close(ctx context.Context) error {
	var closeErrs []error
	if err := p.runtime.Close(ctx); err != nil {
		closeErrs = append(closeErrs, err)
	}
	p.cancel()
	p.queue.Close()
	p.wg.Wait()
	if err := p.dispatcher.Close(ctx); err != nil {
		closeErrs = append(closeErrs, err)
	}
	p.sched.Close()
	if err := p.journal.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		closeErrs = append(closeErrs, err)
	}
	return logging.AggregateErrors(p.logger, "pipeline shutdown", closeErrs)
}

// ensureMarking subscribes to instrument prices once per instrument.
func (p *Pipeline) ensureMarking(instruments ...string) {
	p.mu.Lock()
	var fresh []string
	for _, instrument := range instruments {
		instrument = schema.NormalizeInstrument(instrument)
		if instrument == "" {
			continue
		}
		if _, ok := p.marking[instrument]; ok {
			continue
		}
		p.marking[instrument] = struct{}{}
		fresh = append(fresh, instrument)
	}
	started := p.started
	p.mu.Unlock()
	if !started {
		return
	}
	for _, instrument := range fresh {
		p.startMarking(p.ctx, instrument)
	}
}

func (p *Pipeline) startMarking(ctx context.Context, instrument string) {
	events := p.opts.Feed.Subscribe(ctx, instrument)
	p.wg.Go(func() {
		for ev := range events {
			price := ev.MarkPrice()
			if !price.IsPositive() {
				continue
			}
			p.ledger.Mark(ev.Instrument, price)
			p.mu.Lock()
			observers := p.observers
			p.mu.Unlock()
			for _, obs := range observers {
				obs.Mark(ev.Instrument, price)
			}
		}
	})
}
