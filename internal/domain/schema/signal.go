package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/quantflow/errs"
)

// SignalState is the lifecycle state of a signal.
type SignalState string

const (
	SignalPending   SignalState = "PENDING"
	SignalConfirmed SignalState = "CONFIRMED"
	SignalRejected  SignalState = "REJECTED"
	SignalExpired   SignalState = "EXPIRED"
	SignalConsumed  SignalState = "CONSUMED"
)

// OriginRiskMonitor marks signals synthesized by the risk monitor.
const OriginRiskMonitor = "system:risk"

// OriginOperator marks signals synthesized on an operator flatten request.
const OriginOperator = "system:operator"

var signalTransitions = map[SignalState][]SignalState{
	SignalPending:   {SignalConfirmed, SignalRejected, SignalExpired},
	SignalConfirmed: {SignalConsumed},
	SignalRejected:  {SignalConsumed},
}

// Resolved reports whether the signal has left Pending.
func (s SignalState) Resolved() bool {
	return s != SignalPending && s != ""
}

// Final reports whether no further transition is possible.
func (s SignalState) Final() bool {
	return s == SignalConsumed || s == SignalExpired
}

// CanTransition reports whether from → to is a legal signal transition.
func (s SignalState) CanTransition(to SignalState) bool {
	for _, next := range signalTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Signal is a trading intent awaiting confirmation and risk approval.
type Signal struct {
	ID         string          `json:"id"`
	Project    string          `json:"project"`
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	PriceHint  decimal.Decimal `json:"priceHint"`
	Origin     string          `json:"origin"`
	Synthetic  bool            `json:"synthetic"`
	// OpenedBy names the strategy instance whose exposure a synthetic signal closes.
	OpenedBy  string          `json:"openedBy,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
	State     SignalState     `json:"state"`
	Reason    errs.Reason     `json:"reason,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Transition moves the signal to the next state, rejecting illegal moves.
func (s *Signal) Transition(to SignalState, reason errs.Reason, at time.Time) error {
	if !s.State.CanTransition(to) {
		return errs.New("signal", errs.CodeConflict,
			errs.WithEntityID(s.ID),
			errs.WithMessage("illegal signal transition "+string(s.State)+" -> "+string(to)))
	}
	s.State = to
	if reason != errs.ReasonNone {
		s.Reason = reason
	}
	s.UpdatedAt = at
	return nil
}

// Overdue reports whether a pending signal has passed its expiry at now.
func (s Signal) Overdue(now time.Time) bool {
	return s.State == SignalPending && !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Notional returns quantity multiplied by the price hint.
func (s Signal) Notional() decimal.Decimal {
	return s.Quantity.Abs().Mul(s.PriceHint)
}

// Validate checks the fields required before a signal can be queued.
func (s Signal) Validate() error {
	switch {
	case s.Project == "":
		return errs.New("signal", errs.CodeInvalid, errs.WithEntityID(s.ID), errs.WithMessage("project required"))
	case s.Instrument == "":
		return errs.New("signal", errs.CodeInvalid, errs.WithEntityID(s.ID), errs.WithMessage("instrument required"))
	case !s.Side.Valid():
		return errs.New("signal", errs.CodeInvalid, errs.WithEntityID(s.ID), errs.WithMessage("side must be BUY or SELL"))
	case !s.Quantity.IsPositive():
		return errs.New("signal", errs.CodeInvalid, errs.WithEntityID(s.ID), errs.WithMessage("quantity must be positive"))
	case s.PriceHint.IsNegative():
		return errs.New("signal", errs.CodeInvalid, errs.WithEntityID(s.ID), errs.WithMessage("price hint must not be negative"))
	}
	return nil
}
