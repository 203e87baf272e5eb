// Package ledger is the single writer of position state. All quantity changes
// arrive as fills; open orders contribute reserved exposure until they finish.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/domain/schema"
	"github.com/coachpo/quantflow/internal/infra/logging"
)

// Fill is a venue execution attributed to one position.
type Fill struct {
	ID         string
	OrderID    string
	Project    string
	Instrument string
	Side       schema.Side
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Fee        decimal.Decimal
	// Origin is the strategy instance behind the order, recorded when the fill opens exposure.
	Origin string
	Time   time.Time
}

// CommitFunc persists the next position before the ledger installs it.
// Returning an error leaves the in-memory position unchanged.
type CommitFunc func(ctx context.Context, next schema.Position) error

// Ledger tracks positions keyed by (project, instrument).
type Ledger struct {
	mu      sync.RWMutex
	entries map[schema.PositionKey]*entry
	logger  *zap.Logger
	now     func() time.Time

	// acctMu is taken after an entry lock, never before.
	acctMu   sync.Mutex
	accounts map[string]*schema.Account
	onTx     func(schema.BalanceTransaction)
}

type entry struct {
	mu     sync.Mutex
	pos    schema.Position
	orders map[string]decimal.Decimal
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the ledger logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		l.logger = logging.OrNop(logger).Named("ledger")
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithTransactionHook observes every balance transaction in posting order.
func WithTransactionHook(fn func(schema.BalanceTransaction)) Option {
	return func(l *Ledger) {
		l.onTx = fn
	}
}

// New constructs an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		entries:  make(map[schema.PositionKey]*entry),
		accounts: make(map[string]*schema.Account),
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

func (l *Ledger) entry(key schema.PositionKey) *entry {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if ok {
		return e
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok = l.entries[key]; ok {
		return e
	}
	e = &entry{
		pos:    schema.Position{Project: key.Project, Instrument: key.Instrument},
		orders: make(map[string]decimal.Decimal),
	}
	l.entries[key] = e
	return e
}

// Read returns a consistent snapshot of the position. Unknown keys read as flat.
func (l *Ledger) Read(project, instrument string) schema.Position {
	e := l.entry(schema.PositionKey{Project: project, Instrument: instrument})
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}

// Reserve records an open order's remaining quantity as pending exposure.
func (l *Ledger) Reserve(order schema.Order) schema.Position {
	e := l.entry(schema.PositionKey{Project: order.Project, Instrument: order.Instrument})
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.orders[order.ID]; exists {
		return e.pos
	}
	signed := order.SignedRemaining()
	e.orders[order.ID] = signed
	shiftPending(&e.pos, signed, true)
	e.pos.OpenOrders++
	e.pos.UpdatedAt = l.now()
	return e.pos
}

// Release drops any pending exposure still held by the order.
func (l *Ledger) Release(project, instrument, orderID string) schema.Position {
	e := l.entry(schema.PositionKey{Project: project, Instrument: instrument})
	e.mu.Lock()
	defer e.mu.Unlock()
	e.releaseLocked(orderID)
	e.pos.UpdatedAt = l.now()
	return e.pos
}

func (e *entry) releaseLocked(orderID string) {
	remaining, ok := e.orders[orderID]
	if !ok {
		return
	}
	delete(e.orders, orderID)
	shiftPending(&e.pos, remaining, false)
	e.pos.OpenOrders--
}

// shiftPending adds or removes signed open-order quantity. Buys are tracked on
// PendingBuy and sells on PendingSell so opposite orders never net out.
func shiftPending(pos *schema.Position, remaining decimal.Decimal, add bool) {
	delta := remaining
	if !add {
		delta = delta.Neg()
	}
	pos.Pending = pos.Pending.Add(delta)
	if remaining.IsPositive() {
		pos.PendingBuy = pos.PendingBuy.Add(delta)
	} else {
		pos.PendingSell = pos.PendingSell.Sub(delta)
	}
}

// ApplyFill folds a fill into the position using weighted-average cost.
// Reductions realize P&L against the average price; a flip re-opens at the fill price.
// commit, when non-nil, runs while the key is held and must succeed for the change to stick.
func (l *Ledger) ApplyFill(ctx context.Context, fill Fill, commit CommitFunc) (schema.Position, error) {
	if !fill.Quantity.IsPositive() || fill.Price.IsNegative() || !fill.Side.Valid() {
		return schema.Position{}, errs.New("position", errs.CodeInvalid,
			errs.WithEntityID(fill.Project+"/"+fill.Instrument),
			errs.WithMessage("fill requires positive quantity, non-negative price and a side"))
	}
	e := l.entry(schema.PositionKey{Project: fill.Project, Instrument: fill.Instrument})
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.pos
	applyTrade(&next, fill.Side.Signed(fill.Quantity), fill.Price, fill.Origin)
	next.Fees = next.Fees.Add(fill.Fee)

	remaining, tracked := e.orders[fill.OrderID]
	var left decimal.Decimal
	if tracked {
		consumed := decimal.Min(fill.Quantity, remaining.Abs())
		if remaining.IsNegative() {
			consumed = consumed.Neg()
		}
		left = remaining.Sub(consumed)
		shiftPending(&next, consumed, false)
		if left.IsZero() {
			next.OpenOrders--
		}
	}
	markLocked(&next, next.MarkPrice)
	next.Version = e.pos.Version + 1
	if fill.Time.IsZero() {
		next.UpdatedAt = l.now()
	} else {
		next.UpdatedAt = fill.Time
	}

	if commit != nil {
		if err := commit(ctx, next); err != nil {
			return e.pos, err
		}
	}
	if tracked {
		if left.IsZero() {
			delete(e.orders, fill.OrderID)
		} else {
			e.orders[fill.OrderID] = left
		}
	}
	prev := e.pos
	e.pos = next
	l.postFillLegs(fill, next.RealizedPnL.Sub(prev.RealizedPnL))
	l.logger.Debug("fill applied",
		zap.String("project", fill.Project),
		zap.String("instrument", fill.Instrument),
		zap.String("order_id", fill.OrderID),
		zap.String("qty", next.Quantity.String()),
		zap.String("avg_price", next.AvgPrice.String()),
		zap.String("realized_pnl", next.RealizedPnL.String()))
	return next, nil
}

func applyTrade(pos *schema.Position, delta, price decimal.Decimal, origin string) {
	qty := pos.Quantity
	switch {
	case qty.IsZero() || qty.Sign() == delta.Sign():
		total := qty.Add(delta)
		cost := qty.Abs().Mul(pos.AvgPrice).Add(delta.Abs().Mul(price))
		pos.AvgPrice = cost.Div(total.Abs())
		pos.Quantity = total
		if qty.IsZero() {
			pos.OpenedBy = origin
		}
	default:
		closing := decimal.Min(delta.Abs(), qty.Abs())
		pnl := price.Sub(pos.AvgPrice).Mul(closing)
		if qty.IsNegative() {
			pnl = pnl.Neg()
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		total := qty.Add(delta)
		pos.Quantity = total
		switch {
		case total.IsZero():
			pos.AvgPrice = decimal.Zero
			pos.OpenedBy = ""
		case total.Sign() != qty.Sign():
			pos.AvgPrice = price
			pos.OpenedBy = origin
		}
	}
}

// Mark revalues every position on instrument at price and returns the updated snapshots.
func (l *Ledger) Mark(instrument string, price decimal.Decimal) []schema.Position {
	if !price.IsPositive() {
		return nil
	}
	l.mu.RLock()
	targets := make([]*entry, 0)
	for key, e := range l.entries {
		if key.Instrument == instrument {
			targets = append(targets, e)
		}
	}
	l.mu.RUnlock()

	out := make([]schema.Position, 0, len(targets))
	for _, e := range targets {
		e.mu.Lock()
		markLocked(&e.pos, price)
		out = append(out, e.pos)
		e.mu.Unlock()
	}
	return out
}

func markLocked(pos *schema.Position, price decimal.Decimal) {
	pos.MarkPrice = price
	if pos.Quantity.IsZero() || !price.IsPositive() {
		pos.UnrealizedPnL = decimal.Zero
		return
	}
	pos.UnrealizedPnL = price.Sub(pos.AvgPrice).Mul(pos.Quantity)
}

// Positions returns every tracked position for project, or all projects when project is empty.
func (l *Ledger) Positions(project string) []schema.Position {
	l.mu.RLock()
	targets := make([]*entry, 0, len(l.entries))
	for key, e := range l.entries {
		if project == "" || key.Project == project {
			targets = append(targets, e)
		}
	}
	l.mu.RUnlock()

	out := make([]schema.Position, 0, len(targets))
	for _, e := range targets {
		e.mu.Lock()
		out = append(out, e.pos)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Project != out[j].Project {
			return out[i].Project < out[j].Project
		}
		return out[i].Instrument < out[j].Instrument
	})
	return out
}

// OpenPositions returns positions with non-zero quantity.
func (l *Ledger) OpenPositions(project string) []schema.Position {
	all := l.Positions(project)
	open := all[:0]
	for _, p := range all {
		if !p.Flat() {
			open = append(open, p)
		}
	}
	return open
}

// Portfolio aggregates a project's positions against its initial capital.
func (l *Ledger) Portfolio(project string, capital decimal.Decimal) schema.Portfolio {
	positions := l.Positions(project)
	out := schema.Portfolio{
		Project:        project,
		InitialCapital: capital,
		Positions:      positions,
		Time:           l.now(),
	}
	for _, p := range positions {
		out.RealizedPnL = out.RealizedPnL.Add(p.RealizedPnL)
		out.UnrealizedPnL = out.UnrealizedPnL.Add(p.UnrealizedPnL)
		out.Fees = out.Fees.Add(p.Fees)
	}
	out.Equity = capital.Add(out.RealizedPnL).Add(out.UnrealizedPnL).Sub(out.Fees)
	return out
}

// Restore installs positions loaded from storage. Pending exposure is rebuilt by Reserve.
func (l *Ledger) Restore(positions []schema.Position) {
	for _, p := range positions {
		e := l.entry(p.Key())
		e.mu.Lock()
		p.Pending = decimal.Zero
		p.PendingBuy = decimal.Zero
		p.PendingSell = decimal.Zero
		p.OpenOrders = 0
		prev := e.pos
		e.pos = p
		l.restoreAccountLegs(p.Project, p.RealizedPnL.Sub(prev.RealizedPnL), p.Fees.Sub(prev.Fees))
		e.orders = make(map[string]decimal.Decimal)
		e.mu.Unlock()
	}
}
