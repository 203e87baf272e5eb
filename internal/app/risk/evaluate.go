// Package risk gates confirmed signals against project limits and watches open
// positions for stop-loss, take-profit and emergency breaches.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/domain/schema"
)

// Decision is the outcome of a pre-trade check.
type Decision struct {
	Approved     bool
	Reason       errs.Reason
	Detail       string
	LimitVersion uint64
}

func approve(limits schema.RiskLimit) Decision {
	return Decision{Approved: true, LimitVersion: limits.Version}
}

func reject(limits schema.RiskLimit, reason errs.Reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...), LimitVersion: limits.Version}
}

// Err converts a rejection into an error envelope attributed to the signal.
func (d Decision) Err(signalID string) error {
	if d.Approved {
		return nil
	}
	return errs.New("signal", errs.CodeRejected,
		errs.WithEntityID(signalID),
		errs.WithReason(d.Reason),
		errs.WithMessage(d.Detail))
}

// Evaluate applies the limit checks in order: instrument whitelist, resulting
// position, order notional and open order count. pos must carry the pending
// quantities of open orders; openOrders counts open orders across the project.
// The position check assumes every same-side open order fills and every
// opposite order is cancelled. Zero limits disable their check. Synthetic
// signals are only required to reduce exposure.
func Evaluate(sig schema.Signal, project schema.Project, pos schema.Position, limits schema.RiskLimit, openOrders int) Decision {
	delta := sig.Side.Signed(sig.Quantity)
	current := pos.Exposure()
	next := current.Add(delta)
	if sig.Synthetic {
		// Synthetic closes may only shrink exposure.
		if next.Abs().GreaterThan(current.Abs()) {
			return reject(limits, errs.ReasonPositionLimit, "synthetic signal would grow exposure from %s to %s", current, next)
		}
		return approve(limits)
	}

	if !project.Allows(sig.Instrument) {
		return reject(limits, errs.ReasonInstrumentNotAllowed, "instrument %s not in project %s whitelist", sig.Instrument, project.ID)
	}
	if limits.MaxPositionSize.IsPositive() {
		if worst := pos.WorstCase(delta).Abs(); worst.GreaterThan(limits.MaxPositionSize) {
			return reject(limits, errs.ReasonPositionLimit, "resulting position %s exceeds max %s", worst, limits.MaxPositionSize)
		}
	}

	if limits.MaxOrderNotional.IsPositive() {
		notional := sig.Notional()
		if notional.GreaterThan(limits.MaxOrderNotional) {
			return reject(limits, errs.ReasonNotionalLimit, "order notional %s exceeds max %s", notional, limits.MaxOrderNotional)
		}
	}

	if limits.MaxOpenOrders > 0 && openOrders >= limits.MaxOpenOrders {
		return reject(limits, errs.ReasonOpenOrdersLimit, "%d open orders, max %d", openOrders, limits.MaxOpenOrders)
	}
	return approve(limits)
}

// Breach classifies a marked position against the stop thresholds.
func Breach(pos schema.Position, limits schema.RiskLimit) (reason errs.Reason, emergency bool) {
	if pos.Flat() || !pos.MarkPrice.IsPositive() {
		return errs.ReasonNone, false
	}
	ret := pos.ReturnPct()
	loss := ret.Neg()
	if limits.EmergencyLossPct.IsPositive() && loss.GreaterThanOrEqual(limits.EmergencyLossPct) {
		return errs.ReasonEmergencyLoss, true
	}
	if limits.StopLossPct.IsPositive() && loss.GreaterThanOrEqual(limits.StopLossPct) {
		return errs.ReasonStopLoss, false
	}
	if limits.TakeProfitPct.IsPositive() && ret.GreaterThanOrEqual(limits.TakeProfitPct) {
		return errs.ReasonTakeProfit, false
	}
	return errs.ReasonNone, false
}

// ClosingQuantity returns the side and unsigned size that flattens pos.
func ClosingQuantity(pos schema.Position) (schema.Side, decimal.Decimal) {
	return schema.SideForDelta(pos.Quantity.Neg()), pos.Quantity.Abs()
}
