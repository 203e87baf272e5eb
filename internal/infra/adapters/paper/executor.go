// Package paper implements a simulated venue that fills orders against the last
// observed market price.
package paper

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/app/executor"
	"github.com/coachpo/quantflow/internal/domain/schema"
	"github.com/coachpo/quantflow/internal/infra/logging"
	"github.com/coachpo/quantflow/lib/schedule"
)

var bpsDivisor = decimal.NewFromInt(10_000)

// Options configures a paper venue.
type Options struct {
	Name        string
	FillLatency time.Duration
	FeeRate     decimal.Decimal
	SlippageBps float64
	FillBuffer  int
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Executor is an in-memory venue. Market orders fill in full after FillLatency at
// the last price adjusted by slippage; limit orders rest until the price crosses.
type Executor struct {
	opts     Options
	slippage decimal.Decimal
	logger   *zap.Logger
	sched    *schedule.Scheduler
	fills    chan schema.Fill
	done     chan struct{}

	mu     sync.Mutex
	prices map[string]decimal.Decimal
	orders map[string]*venueOrder
	closed bool
}

type venueOrder struct {
	order   schema.Order
	venueID string
	state   schema.OrderState
	timer   schedule.Handle
}

var _ executor.Executor = (*Executor)(nil)

// New constructs a paper venue.
func New(opts Options) *Executor {
	if opts.Name == "" {
		opts.Name = "paper"
	}
	if opts.FillBuffer <= 0 {
		opts.FillBuffer = 1024
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Executor{
		opts:     opts,
		slippage: decimal.NewFromFloat(opts.SlippageBps).Div(bpsDivisor),
		logger:   logging.OrNop(opts.Logger).Named("paper").With(zap.String("executor", opts.Name)),
		sched:    schedule.New(),
		fills:    make(chan schema.Fill, opts.FillBuffer),
		done:     make(chan struct{}),
		prices:   make(map[string]decimal.Decimal),
		orders:   make(map[string]*venueOrder),
	}
}

// Name returns the executor name.
func (e *Executor) Name() string { return e.opts.Name }

// Fills streams simulated executions.
func (e *Executor) Fills() <-chan schema.Fill { return e.fills }

// Mark records the latest price for instrument and fills resting limit orders it crosses.
func (e *Executor) Mark(instrument string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	e.mu.Lock()
	e.prices[instrument] = price
	var crossed []*venueOrder
	for _, vo := range e.orders {
		if vo.state.Open() && vo.order.Instrument == instrument &&
			vo.order.Pricing.Type == schema.OrderTypeLimit && marketable(vo.order, price) {
			crossed = append(crossed, vo)
		}
	}
	e.mu.Unlock()
	for _, vo := range crossed {
		e.fill(vo.order.ID)
	}
}

// Submit accepts the order. Unpriced market orders and invalid sizes are venue rejections.
func (e *Executor) Submit(ctx context.Context, order schema.Order) (executor.Ack, error) {
	if err := ctx.Err(); err != nil {
		return executor.Ack{}, err
	}
	if !order.Quantity.IsPositive() {
		return executor.Ack{}, errs.New("paper", errs.CodeVenue, errs.WithEntityID(order.ID), errs.WithMessage("quantity must be positive"))
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return executor.Ack{}, errs.New("paper", errs.CodeUnavailable, errs.WithMessage("venue closed"))
	}
	if _, exists := e.orders[order.ID]; exists {
		vo := e.orders[order.ID]
		e.mu.Unlock()
		return executor.Ack{VenueOrderID: vo.venueID}, nil
	}
	price, priced := e.prices[order.Instrument]
	limit := order.Pricing.Type == schema.OrderTypeLimit
	if limit && !order.Pricing.LimitPrice.IsPositive() {
		e.mu.Unlock()
		return executor.Ack{}, errs.New("paper", errs.CodeVenue, errs.WithEntityID(order.ID), errs.WithMessage("limit order without price"))
	}
	if !limit && !priced {
		e.mu.Unlock()
		return executor.Ack{}, errs.New("paper", errs.CodeVenue, errs.WithEntityID(order.ID), errs.WithMessage("no market price for "+order.Instrument))
	}
	vo := &venueOrder{order: order, venueID: "paper-" + uuid.NewString(), state: schema.OrderSubmitted}
	e.orders[order.ID] = vo
	fillNow := !limit || (priced && marketable(order, price))
	if fillNow {
		vo.timer = e.sched.After(e.opts.FillLatency, func() { e.fill(order.ID) })
	}
	e.mu.Unlock()

	e.logger.Debug("order accepted",
		zap.String("order_id", order.ID),
		zap.String("venue_id", vo.venueID),
		zap.String("type", string(order.Pricing.Type)))
	return executor.Ack{VenueOrderID: vo.venueID}, nil
}

// Cancel cancels an open order.
func (e *Executor) Cancel(ctx context.Context, order schema.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	vo, ok := e.orders[order.ID]
	if !ok {
		return errs.New("paper", errs.CodeNotFound, errs.WithEntityID(order.ID))
	}
	if !vo.state.Open() {
		return errs.New("paper", errs.CodeVenue, errs.WithEntityID(order.ID), errs.WithMessage("order already "+string(vo.state)))
	}
	vo.timer.Cancel()
	vo.state = schema.OrderCancelled
	return nil
}

// Query reports the venue view of an order by client id.
func (e *Executor) Query(ctx context.Context, order schema.Order) (executor.Status, error) {
	if err := ctx.Err(); err != nil {
		return executor.Status{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	vo, ok := e.orders[order.ID]
	if !ok {
		return executor.Status{}, nil
	}
	return executor.Status{Found: true, VenueOrderID: vo.venueID, State: vo.state}, nil
}

func (e *Executor) fill(orderID string) {
	e.mu.Lock()
	vo, ok := e.orders[orderID]
	if !ok || !vo.state.Open() || e.closed {
		e.mu.Unlock()
		return
	}
	order := vo.order
	price, priced := e.prices[order.Instrument]
	if order.Pricing.Type == schema.OrderTypeLimit {
		price, priced = order.Pricing.LimitPrice, true
	} else if priced {
		price = e.slipped(order.Side, price)
	}
	if !priced {
		e.mu.Unlock()
		return
	}
	vo.state = schema.OrderFilled
	e.mu.Unlock()

	qty := order.Remaining()
	fill := schema.Fill{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		Executor:   e.opts.Name,
		Instrument: order.Instrument,
		Side:       order.Side,
		Quantity:   qty,
		Price:      price,
		Fee:        qty.Mul(price).Mul(e.opts.FeeRate),
		Time:       e.opts.Clock(),
	}
	select {
	case e.fills <- fill:
	case <-e.done:
	}
}

func (e *Executor) slipped(side schema.Side, price decimal.Decimal) decimal.Decimal {
	if e.slippage.IsZero() {
		return price
	}
	if side == schema.SideBuy {
		return price.Mul(decimal.NewFromInt(1).Add(e.slippage))
	}
	return price.Mul(decimal.NewFromInt(1).Sub(e.slippage))
}

func marketable(order schema.Order, price decimal.Decimal) bool {
	if order.Side == schema.SideBuy {
		return price.LessThanOrEqual(order.Pricing.LimitPrice)
	}
	return price.GreaterThanOrEqual(order.Pricing.LimitPrice)
}

// Close stops pending fills.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.done)
	e.mu.Unlock()
	e.sched.Close()
}
