package strategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/quantflow/internal/domain/schema"
)

// Momentum buys when the mark rises a threshold above its moving average and sells
// when it falls the same distance below. It targets a position of +/- quantity.
type Momentum struct {
	env Env

	mu        sync.Mutex
	lookback  int
	threshold decimal.Decimal
	quantity  decimal.Decimal
	windows   map[string][]decimal.Decimal
}

// NewMomentum builds a momentum instance. Params: lookback (events), threshold_bps, quantity.
func NewMomentum(env Env) (Strategy, error) {
	m := &Momentum{env: env, windows: make(map[string][]decimal.Decimal)}
	if err := m.SetParams(env.Params); err != nil {
		return nil, err
	}
	return m, nil
}

// SetParams replaces the tuning parameters. Price history is kept.
func (m *Momentum) SetParams(params map[string]any) error {
	lookback, err := paramInt(params, "lookback", 20)
	if err != nil {
		return err
	}
	bps, err := paramDecimal(params, "threshold_bps", decimal.NewFromInt(25))
	if err != nil {
		return err
	}
	qty, err := paramDecimal(params, "quantity", decimal.NewFromInt(1))
	if err != nil {
		return err
	}
	if lookback < 2 {
		return fmt.Errorf("momentum: lookback must be at least 2")
	}
	if !qty.IsPositive() || bps.IsNegative() {
		return fmt.Errorf("momentum: quantity must be positive and threshold_bps non-negative")
	}
	m.mu.Lock()
	m.lookback = lookback
	m.threshold = bps.Div(decimal.NewFromInt(10_000))
	m.quantity = qty
	m.mu.Unlock()
	return nil
}

// OnEvent implements Strategy.
func (m *Momentum) OnEvent(_ context.Context, ev schema.MarketEvent) ([]Intent, error) {
	price := ev.MarkPrice()
	if ev.Kind.IsNotice() || !price.IsPositive() {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	window := append(m.windows[ev.Instrument], price)
	if len(window) > m.lookback {
		window = window[len(window)-m.lookback:]
	}
	m.windows[ev.Instrument] = window
	if len(window) < m.lookback {
		return nil, nil
	}

	sum := decimal.Zero
	for _, p := range window {
		sum = sum.Add(p)
	}
	avg := sum.Div(decimal.NewFromInt(int64(len(window))))
	upper := avg.Mul(decimal.NewFromInt(1).Add(m.threshold))
	lower := avg.Mul(decimal.NewFromInt(1).Sub(m.threshold))

	var target decimal.Decimal
	switch {
	case price.GreaterThan(upper):
		target = m.quantity
	case price.LessThan(lower):
		target = m.quantity.Neg()
	default:
		return nil, nil
	}

	pos := m.env.Position(ev.Instrument)
	delta := target.Sub(pos.Exposure())
	if delta.IsZero() {
		return nil, nil
	}
	return []Intent{{
		Instrument: ev.Instrument,
		Side:       schema.SideForDelta(delta),
		Quantity:   delta.Abs(),
		PriceHint:  price,
	}}, nil
}

// Close implements Strategy.
func (m *Momentum) Close() {}
