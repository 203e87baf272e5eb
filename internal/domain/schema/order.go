package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/quantflow/errs"
)

// OrderState is the lifecycle state of an order.
type OrderState string

const (
	OrderCreated         OrderState = "CREATED"
	OrderSubmitted       OrderState = "SUBMITTED"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCancelled       OrderState = "CANCELLED"
	OrderRejected        OrderState = "REJECTED"
)

var orderTransitions = map[OrderState][]OrderState{
	OrderCreated:         {OrderSubmitted},
	OrderSubmitted:       {OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderRejected},
	OrderPartiallyFilled: {OrderPartiallyFilled, OrderFilled, OrderCancelled, OrderRejected},
}

// Terminal reports whether the order can no longer change.
func (s OrderState) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// Open reports whether the order still occupies exposure at the venue.
func (s OrderState) Open() bool {
	return s == OrderCreated || s == OrderSubmitted || s == OrderPartiallyFilled
}

// CanTransition reports whether from → to is a legal order transition.
func (s OrderState) CanTransition(to OrderState) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderType selects how the venue prices the order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// PricePolicy describes how an order is priced.
type PricePolicy struct {
	Type       OrderType       `json:"type"`
	LimitPrice decimal.Decimal `json:"limitPrice"`
}

// Order is the venue-facing instruction derived from exactly one approved signal.
type Order struct {
	ID             string          `json:"id"`
	SignalID       string          `json:"signalId"`
	Project        string          `json:"project"`
	Instrument     string          `json:"instrument"`
	Side           Side            `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filledQuantity"`
	AvgFillPrice   decimal.Decimal `json:"avgFillPrice"`
	Fees           decimal.Decimal `json:"fees"`
	Pricing        PricePolicy     `json:"pricing"`
	Executor       string          `json:"executor"`
	Origin         string          `json:"origin,omitempty"`
	VenueOrderID   string          `json:"venueOrderId,omitempty"`
	State          OrderState      `json:"state"`
	Reason         errs.Reason     `json:"reason,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() decimal.Decimal {
	rem := o.Quantity.Sub(o.FilledQuantity)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// SignedRemaining returns the remaining quantity with the order's sign.
func (o Order) SignedRemaining() decimal.Decimal {
	return o.Side.Signed(o.Remaining())
}

// Transition moves the order to the next state, rejecting illegal moves.
func (o *Order) Transition(to OrderState, reason errs.Reason, at time.Time) error {
	if !o.State.CanTransition(to) {
		return errs.New("order", errs.CodeConflict,
			errs.WithEntityID(o.ID),
			errs.WithMessage("illegal order transition "+string(o.State)+" -> "+string(to)))
	}
	o.State = to
	if reason != errs.ReasonNone {
		o.Reason = reason
	}
	o.UpdatedAt = at
	return nil
}

// ApplyFill accumulates an execution onto the order and advances its state.
// The applied quantity is clipped so that FilledQuantity never exceeds Quantity;
// the clipped amount is returned.
func (o *Order) ApplyFill(qty, price, fee decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	if !qty.IsPositive() {
		return decimal.Zero, errs.New("order", errs.CodeInvalid, errs.WithEntityID(o.ID), errs.WithMessage("fill quantity must be positive"))
	}
	if o.State != OrderSubmitted && o.State != OrderPartiallyFilled {
		return decimal.Zero, errs.New("order", errs.CodeConflict,
			errs.WithEntityID(o.ID),
			errs.WithMessage("fill on order in state "+string(o.State)))
	}
	applied := decimal.Min(qty, o.Remaining())
	if !applied.IsPositive() {
		return decimal.Zero, nil
	}
	total := o.FilledQuantity.Add(applied)
	o.AvgFillPrice = o.AvgFillPrice.Mul(o.FilledQuantity).Add(price.Mul(applied)).Div(total)
	o.FilledQuantity = total
	o.Fees = o.Fees.Add(fee)

	next := OrderPartiallyFilled
	if o.FilledQuantity.Equal(o.Quantity) {
		next = OrderFilled
	}
	if err := o.Transition(next, errs.ReasonNone, at); err != nil {
		return decimal.Zero, err
	}
	return applied, nil
}

// Fill is a venue execution against an order.
type Fill struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"orderId"`
	Executor   string          `json:"executor"`
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Fee        decimal.Decimal `json:"fee"`
	Time       time.Time       `json:"time"`
}
