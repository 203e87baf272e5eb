package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionKey addresses one ledger entry.
type PositionKey struct {
	Project    string `json:"project"`
	Instrument string `json:"instrument"`
}

func (k PositionKey) String() string {
	return k.Project + "/" + k.Instrument
}

// Position is the signed holding of one project in one instrument.
type Position struct {
	Project       string          `json:"project"`
	Instrument    string          `json:"instrument"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	MarkPrice     decimal.Decimal `json:"markPrice"`
	Fees          decimal.Decimal `json:"fees"`
	// Pending is the signed remaining quantity of open orders on this key.
	Pending decimal.Decimal `json:"pending"`
	// PendingBuy and PendingSell split Pending by side, both unsigned.
	PendingBuy  decimal.Decimal `json:"pendingBuy"`
	PendingSell decimal.Decimal `json:"pendingSell"`
	// OpenOrders counts open orders on this key.
	OpenOrders int `json:"openOrders"`
	// OpenedBy is the strategy instance that last opened exposure from flat.
	OpenedBy  string    `json:"openedBy,omitempty"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Key returns the ledger address of the position.
func (p Position) Key() PositionKey {
	return PositionKey{Project: p.Project, Instrument: p.Instrument}
}

// Flat reports whether the position holds no quantity.
func (p Position) Flat() bool {
	return p.Quantity.IsZero()
}

// Exposure returns held plus pending signed quantity.
func (p Position) Exposure() decimal.Decimal {
	return p.Quantity.Add(p.Pending)
}

// WorstCase returns the signed holding if every open order on the delta's
// side fills and every opposite order is cancelled.
func (p Position) WorstCase(delta decimal.Decimal) decimal.Decimal {
	if delta.IsNegative() {
		return p.Quantity.Sub(p.PendingSell).Add(delta)
	}
	return p.Quantity.Add(p.PendingBuy).Add(delta)
}

// CostBasis returns the absolute entry value of the holding.
func (p Position) CostBasis() decimal.Decimal {
	return p.Quantity.Abs().Mul(p.AvgPrice)
}

// ReturnPct returns unrealized P&L as a fraction of cost basis, or zero when flat.
func (p Position) ReturnPct() decimal.Decimal {
	basis := p.CostBasis()
	if basis.IsZero() {
		return decimal.Zero
	}
	return p.UnrealizedPnL.Div(basis)
}

// Portfolio aggregates a project's positions into an asset snapshot.
type Portfolio struct {
	Project        string          `json:"project"`
	InitialCapital decimal.Decimal `json:"initialCapital"`
	NetDeposits    decimal.Decimal `json:"netDeposits"`
	Balance        decimal.Decimal `json:"balance"`
	RealizedPnL    decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL  decimal.Decimal `json:"unrealizedPnl"`
	Fees           decimal.Decimal `json:"fees"`
	Equity         decimal.Decimal `json:"equity"`
	Positions      []Position      `json:"positions"`
	Time           time.Time       `json:"time"`
}
