package executor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/app/ledger"
	"github.com/coachpo/quantflow/internal/domain/schema"
	"github.com/coachpo/quantflow/internal/infra/logging"
	"github.com/coachpo/quantflow/internal/infra/telemetry"
	"github.com/coachpo/quantflow/lib/async"
)

// Options wires a Dispatcher.
type Options struct {
	Positions Positions
	Store     Store
	Logger    *zap.Logger
	Metrics   *telemetry.Metrics
	// OnOrder observes every order state change in the order it happened.
	OnOrder func(schema.Order)
	// OnFill observes each applied fill with the resulting position.
	OnFill func(schema.Fill, schema.Position)
	Clock  func() time.Time
}

// Dispatcher routes orders to executor lanes. Each lane submits one order at a
// time, so orders for one executor reach the venue in dispatch order.
type Dispatcher struct {
	opts   Options
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu     sync.RWMutex
	lanes  map[string]*lane
	orders map[string]*orderEntry
}

type lane struct {
	exec    Executor
	cfg     Config
	pool    *async.Pool
	limiter *rate.Limiter
}

type orderEntry struct {
	mu    sync.Mutex
	order schema.Order
	fills map[string]struct{}
}

// NewDispatcher constructs a dispatcher. Positions is required.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Positions == nil {
		return nil, errs.New("executor", errs.CodeInvalid, errs.WithMessage("positions ledger required"))
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("executor"),
		ctx:    ctx,
		cancel: cancel,
		lanes:  make(map[string]*lane),
		orders: make(map[string]*orderEntry),
	}, nil
}

// Register adds an executor lane and starts consuming its fills.
func (d *Dispatcher) Register(exec Executor, cfg Config) error {
	if exec == nil {
		return errs.New("executor", errs.CodeInvalid, errs.WithMessage("executor required"))
	}
	cfg.normalize()
	name := exec.Name()
	logger := d.logger.With(zap.String("executor", name))
	pool, err := async.NewPool(async.Options{
		Workers: 1,
		Queue:   cfg.QueueSize,
		OnError: func(err error) { logger.Error("lane task failed", zap.Error(err)) },
	})
	if err != nil {
		return err
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	ln := &lane{exec: exec, cfg: cfg, pool: pool, limiter: rate.NewLimiter(limit, cfg.Burst)}

	d.mu.Lock()
	if _, exists := d.lanes[name]; exists {
		d.mu.Unlock()
		pool.Close()
		return errs.New("executor", errs.CodeConflict, errs.WithEntityID(name), errs.WithMessage("executor already registered"))
	}
	d.lanes[name] = ln
	d.mu.Unlock()

	d.wg.Go(func() { d.consumeFills(ln) })
	logger.Info("executor registered",
		zap.Duration("request_timeout", cfg.RequestTimeout),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Float64("rate", cfg.RatePerSecond))
	return nil
}

// Executors lists registered executor names.
func (d *Dispatcher) Executors() []string {
	d.mu.RLock()
	out := make([]string, 0, len(d.lanes))
	for name := range d.lanes {
		out = append(out, name)
	}
	d.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Submit records a Created order, reserves its exposure and queues it on the
// executor lane. When the order cannot be queued it is rejected and the returned
// order carries the final state together with the error.
func (d *Dispatcher) Submit(ctx context.Context, order schema.Order) (schema.Order, error) {
	now := d.opts.Clock()
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	order.State = schema.OrderCreated
	order.CreatedAt, order.UpdatedAt = now, now

	d.mu.Lock()
	if _, exists := d.orders[order.ID]; exists {
		d.mu.Unlock()
		return order, errs.New("order", errs.CodeConflict, errs.WithEntityID(order.ID), errs.WithMessage("order already dispatched"))
	}
	entry := &orderEntry{order: order, fills: make(map[string]struct{})}
	d.orders[order.ID] = entry
	ln := d.lanes[order.Executor]
	d.mu.Unlock()

	d.publish(ctx, order)
	d.opts.Positions.Reserve(order)

	if ln == nil {
		cause := errs.New("executor", errs.CodeNotFound, errs.WithEntityID(order.Executor), errs.WithMessage("executor not registered"))
		return d.reject(ctx, entry, errs.ReasonExecutorSubmissionFailed, cause), cause
	}
	if err := ln.pool.Submit(d.ctx, func(taskCtx context.Context) error {
		d.place(taskCtx, ln, entry)
		return nil
	}); err != nil {
		cause := errs.New("executor", errs.CodeUnavailable,
			errs.WithEntityID(order.Executor),
			errs.WithReason(errs.ReasonExecutorSubmissionFailed),
			errs.WithCause(err))
		return d.reject(ctx, entry, errs.ReasonExecutorSubmissionFailed, cause), cause
	}
	return order, nil
}

// place runs on the lane worker.
func (d *Dispatcher) place(ctx context.Context, ln *lane, entry *orderEntry) {
	order := entry.snapshot()
	if order.State != schema.OrderCreated {
		return
	}
	logger := d.logger.With(zap.String("executor", ln.exec.Name()), zap.String("order_id", order.ID))
	if err := ln.limiter.Wait(ctx); err != nil {
		d.reject(ctx, entry, errs.ReasonExecutorSubmissionFailed, err)
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, ln.cfg.RequestTimeout)
	start := time.Now()
	ack, err := ln.exec.Submit(reqCtx, order)
	cancel()
	took := time.Since(start)

	switch {
	case err == nil:
		d.opts.Metrics.SubmitDuration(ctx, ln.exec.Name(), "ack", took)
		d.markSubmitted(ctx, entry, ack.VenueOrderID)
	case IsVenueRejection(err):
		d.opts.Metrics.SubmitDuration(ctx, ln.exec.Name(), "rejected", took)
		logger.Info("venue rejected order", zap.Error(err))
		d.reject(ctx, entry, errs.ReasonOrderRejected, err)
	default:
		d.opts.Metrics.SubmitDuration(ctx, ln.exec.Name(), "unknown", took)
		logger.Warn("submission outcome unknown, querying venue", zap.Error(err))
		d.reconcile(ctx, ln, entry, err)
	}
}

// reconcile resolves an ambiguous submission by querying the venue instead of
// resubmitting, so a timed-out order is never placed twice.
func (d *Dispatcher) reconcile(ctx context.Context, ln *lane, entry *orderEntry, cause error) {
	order := entry.snapshot()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = ln.cfg.RetryInterval
	bo.MaxInterval = ln.cfg.RetryInterval * 8

	for attempt := 1; attempt <= ln.cfg.MaxRetries; attempt++ {
		qctx, cancel := context.WithTimeout(ctx, ln.cfg.RequestTimeout)
		status, err := ln.exec.Query(qctx, order)
		cancel()
		switch {
		case err != nil:
			d.opts.Metrics.StatusQuery(ctx, ln.exec.Name(), "error")
			d.logger.Debug("status query failed",
				zap.String("order_id", order.ID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		case !status.Found:
			// Venue lookups can lag the submit; keep asking until retries run out.
			d.opts.Metrics.StatusQuery(ctx, ln.exec.Name(), "not_found")
			d.logger.Debug("order not yet visible at venue",
				zap.String("order_id", order.ID),
				zap.Int("attempt", attempt))
		default:
			d.opts.Metrics.StatusQuery(ctx, ln.exec.Name(), "found")
			d.adoptStatus(ctx, entry, status)
			return
		}
		if attempt == ln.cfg.MaxRetries {
			break
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = bo.MaxInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.reject(ctx, entry, errs.ReasonExecutorSubmissionFailed, ctx.Err())
			return
		case <-timer.C:
		}
	}
	d.reject(ctx, entry, errs.ReasonExecutorSubmissionFailed,
		errs.New("executor", errs.CodeTimeout,
			errs.WithEntityID(order.ID),
			errs.WithReason(errs.ReasonExecutorSubmissionFailed),
			errs.WithMessage("venue status unresolved after retries"),
			errs.WithCause(cause)))
}

func (d *Dispatcher) adoptStatus(ctx context.Context, entry *orderEntry, status Status) {
	switch status.State {
	case schema.OrderRejected:
		d.reject(ctx, entry, errs.ReasonOrderRejected, errs.New("order", errs.CodeVenue, errs.WithMessage(status.Detail)))
	case schema.OrderCancelled:
		d.markSubmitted(ctx, entry, status.VenueOrderID)
		d.markCancelled(ctx, entry)
	default:
		// Fill states are reached through the fill stream.
		d.markSubmitted(ctx, entry, status.VenueOrderID)
	}
}

// Cancel requests cancellation through the order's lane, behind any earlier
// submission, and waits for the venue response.
func (d *Dispatcher) Cancel(ctx context.Context, orderID string) (schema.Order, error) {
	entry := d.entry(orderID)
	if entry == nil {
		return schema.Order{}, errs.New("order", errs.CodeNotFound, errs.WithEntityID(orderID))
	}
	order := entry.snapshot()
	if order.State.Terminal() {
		return order, nil
	}
	d.mu.RLock()
	ln := d.lanes[order.Executor]
	d.mu.RUnlock()
	if ln == nil {
		return order, errs.New("executor", errs.CodeNotFound, errs.WithEntityID(order.Executor))
	}

	done := make(chan error, 1)
	if err := ln.pool.Submit(ctx, func(taskCtx context.Context) error {
		current := entry.snapshot()
		if current.State.Terminal() {
			done <- nil
			return nil
		}
		if err := ln.limiter.Wait(taskCtx); err != nil {
			done <- err
			return nil
		}
		reqCtx, cancel := context.WithTimeout(taskCtx, ln.cfg.RequestTimeout)
		err := ln.exec.Cancel(reqCtx, current)
		cancel()
		if err == nil {
			d.markCancelled(taskCtx, entry)
		}
		done <- err
		return nil
	}); err != nil {
		return order, err
	}
	select {
	case err := <-done:
		if err != nil {
			return entry.snapshot(), errs.New("order", errs.CodeVenue, errs.WithEntityID(orderID), errs.WithCause(err))
		}
		return entry.snapshot(), nil
	case <-ctx.Done():
		return entry.snapshot(), ctx.Err()
	}
}

func (d *Dispatcher) consumeFills(ln *lane) {
	fills := ln.exec.Fills()
	for {
		select {
		case <-d.ctx.Done():
			return
		case fill, ok := <-fills:
			if !ok {
				return
			}
			if fill.Executor == "" {
				fill.Executor = ln.exec.Name()
			}
			d.HandleFill(d.ctx, fill)
		}
	}
}

// HandleFill folds a venue execution into its order and the position ledger.
// Duplicate fill ids are ignored and quantity beyond the order size is clipped.
// The order change is installed only after the ledger commit succeeds.
func (d *Dispatcher) HandleFill(ctx context.Context, fill schema.Fill) {
	entry := d.entry(fill.OrderID)
	logger := d.logger.With(zap.String("order_id", fill.OrderID), zap.String("fill_id", fill.ID))
	if entry == nil {
		logger.Warn("fill for unknown order dropped", zap.String("executor", fill.Executor))
		return
	}
	if fill.ID == "" {
		fill.ID = uuid.NewString()
	}
	if fill.Time.IsZero() {
		fill.Time = d.opts.Clock()
	}

	entry.mu.Lock()
	if _, dup := entry.fills[fill.ID]; dup {
		entry.mu.Unlock()
		logger.Debug("duplicate fill ignored")
		return
	}
	next := entry.order
	var promoted bool
	if next.State == schema.OrderCreated {
		// Fill raced ahead of the acknowledgement.
		if err := next.Transition(schema.OrderSubmitted, errs.ReasonNone, fill.Time); err == nil {
			promoted = true
		}
	}
	applied, err := next.ApplyFill(fill.Quantity, fill.Price, fill.Fee, fill.Time)
	if err != nil {
		entry.mu.Unlock()
		logger.Warn("fill not applicable", zap.String("state", string(entry.order.State)), zap.Error(err))
		return
	}
	if applied.LessThan(fill.Quantity) {
		logger.Warn("overfill clipped",
			zap.String("reported", fill.Quantity.String()),
			zap.String("applied", applied.String()))
	}
	if !applied.IsPositive() {
		entry.fills[fill.ID] = struct{}{}
		entry.mu.Unlock()
		return
	}

	stored := fill
	stored.Quantity = applied
	stored.Instrument = next.Instrument
	stored.Side = next.Side
	pos, err := d.opts.Positions.ApplyFill(ctx, ledger.Fill{
		ID:         fill.ID,
		OrderID:    next.ID,
		Project:    next.Project,
		Instrument: next.Instrument,
		Side:       next.Side,
		Quantity:   applied,
		Price:      fill.Price,
		Fee:        fill.Fee,
		Origin:     next.Origin,
		Time:       fill.Time,
	}, func(ctx context.Context, nextPos schema.Position) error {
		if d.opts.Store == nil {
			return nil
		}
		return d.opts.Store.CommitFill(ctx, next, stored, nextPos)
	})
	if err != nil {
		entry.mu.Unlock()
		logger.Error("fill commit failed, awaiting redelivery", zap.Error(err))
		return
	}
	entry.order = next
	entry.fills[fill.ID] = struct{}{}
	entry.mu.Unlock()

	if promoted {
		d.opts.Metrics.OrderTransition(ctx, next.Executor, string(schema.OrderSubmitted), "")
	}
	d.opts.Metrics.OrderTransition(ctx, next.Executor, string(next.State), "")
	d.opts.Metrics.Fill(ctx, next.Project, next.Instrument, string(next.Side))
	logger.Info("fill applied",
		zap.String("state", string(next.State)),
		zap.String("qty", applied.String()),
		zap.String("price", fill.Price.String()),
		zap.String("position", pos.Quantity.String()))
	if d.opts.OnOrder != nil {
		d.opts.OnOrder(next)
	}
	if d.opts.OnFill != nil {
		d.opts.OnFill(stored, pos)
	}
}

func (d *Dispatcher) markSubmitted(ctx context.Context, entry *orderEntry, venueID string) {
	entry.mu.Lock()
	if entry.order.State != schema.OrderCreated {
		if venueID != "" && entry.order.VenueOrderID == "" {
			entry.order.VenueOrderID = venueID
		}
		entry.mu.Unlock()
		return
	}
	next := entry.order
	_ = next.Transition(schema.OrderSubmitted, errs.ReasonNone, d.opts.Clock())
	next.VenueOrderID = venueID
	entry.order = next
	entry.mu.Unlock()
	d.publish(ctx, next)
}

func (d *Dispatcher) markCancelled(ctx context.Context, entry *orderEntry) {
	entry.mu.Lock()
	next := entry.order
	if err := next.Transition(schema.OrderCancelled, errs.ReasonNone, d.opts.Clock()); err != nil {
		entry.mu.Unlock()
		return
	}
	entry.order = next
	entry.mu.Unlock()
	d.opts.Positions.Release(next.Project, next.Instrument, next.ID)
	d.publish(ctx, next)
}

// reject finishes the order as Rejected. An order still in Created passes
// through Submitted first so the journal never skips a state.
func (d *Dispatcher) reject(ctx context.Context, entry *orderEntry, reason errs.Reason, cause error) schema.Order {
	now := d.opts.Clock()
	entry.mu.Lock()
	next := entry.order
	var submitted *schema.Order
	if next.State == schema.OrderCreated {
		if err := next.Transition(schema.OrderSubmitted, errs.ReasonNone, now); err == nil {
			via := next
			submitted = &via
		}
	}
	if err := next.Transition(schema.OrderRejected, reason, now); err != nil {
		current := entry.order
		entry.mu.Unlock()
		return current
	}
	entry.order = next
	entry.mu.Unlock()
	d.opts.Positions.Release(next.Project, next.Instrument, next.ID)
	if submitted != nil {
		d.publish(ctx, *submitted)
	}
	d.logger.Warn("order rejected",
		zap.String("order_id", next.ID),
		zap.String("executor", next.Executor),
		zap.String("reason", string(reason)),
		zap.Error(cause))
	d.publish(ctx, next)
	return next
}

func (d *Dispatcher) publish(ctx context.Context, order schema.Order) {
	d.opts.Metrics.OrderTransition(ctx, order.Executor, string(order.State), string(order.Reason))
	if d.opts.Store != nil {
		if err := d.opts.Store.SaveOrder(ctx, order); err != nil {
			d.logger.Error("persist order", zap.String("order_id", order.ID), zap.Error(err))
		}
	}
	if d.opts.OnOrder != nil {
		d.opts.OnOrder(order)
	}
}

func (d *Dispatcher) entry(id string) *orderEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.orders[id]
}

func (e *orderEntry) snapshot() schema.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order
}

// Restore re-registers open orders loaded at startup and reserves their
// remaining exposure. Terminal orders are ignored.
func (d *Dispatcher) Restore(orders []schema.Order) {
	for _, order := range orders {
		if order.State.Terminal() {
			continue
		}
		d.mu.Lock()
		if _, exists := d.orders[order.ID]; !exists {
			d.orders[order.ID] = &orderEntry{order: order, fills: make(map[string]struct{})}
		}
		d.mu.Unlock()
		d.opts.Positions.Reserve(order)
	}
}

// Order returns the current state of an order.
func (d *Dispatcher) Order(id string) (schema.Order, bool) {
	entry := d.entry(id)
	if entry == nil {
		return schema.Order{}, false
	}
	return entry.snapshot(), true
}

// Orders lists the project's orders by creation time. An empty project lists all.
func (d *Dispatcher) Orders(project string) []schema.Order {
	d.mu.RLock()
	entries := make([]*orderEntry, 0, len(d.orders))
	for _, e := range d.orders {
		entries = append(entries, e)
	}
	d.mu.RUnlock()
	out := make([]schema.Order, 0, len(entries))
	for _, e := range entries {
		order := e.snapshot()
		if project == "" || order.Project == project {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// OpenOrders lists orders that are not yet terminal.
func (d *Dispatcher) OpenOrders(project string) []schema.Order {
	all := d.Orders(project)
	out := all[:0]
	for _, order := range all {
		if order.State.Open() {
			out = append(out, order)
		}
	}
	return out
}

// Prune forgets terminal orders last updated before cutoff.
func (d *Dispatcher) Prune(cutoff time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for id, e := range d.orders {
		order := e.snapshot()
		if order.State.Terminal() && order.UpdatedAt.Before(cutoff) {
			delete(d.orders, id)
			removed++
		}
	}
	return removed
}

// Close drains queued submissions, then stops fill consumption.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.RLock()
	lanes := make([]*lane, 0, len(d.lanes))
	for _, ln := range d.lanes {
		lanes = append(lanes, ln)
	}
	d.mu.RUnlock()

	var shutdownErrs []error
	for _, ln := range lanes {
		if err := ln.pool.Shutdown(ctx); err != nil {
			shutdownErrs = append(shutdownErrs, err)
		}
	}
	d.cancel()
	d.wg.Wait()
	return logging.AggregateErrors(d.logger, "dispatcher shutdown", shutdownErrs)
}
