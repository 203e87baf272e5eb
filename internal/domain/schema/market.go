// Package schema defines the canonical records that flow through the signal-to-order pipeline.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind classifies a market event.
type EventKind string

const (
	// EventKindTrade is a last-trade print.
	EventKindTrade EventKind = "TRADE"
	// EventKindQuote is a top-of-book update.
	EventKindQuote EventKind = "QUOTE"
	// EventKindDisconnected marks a gap in the stream after the upstream connection dropped.
	EventKindDisconnected EventKind = "DISCONNECTED"
	// EventKindReconnected marks the stream resuming after a gap.
	EventKindReconnected EventKind = "RECONNECTED"
)

// IsNotice reports whether the kind carries no market data.
func (k EventKind) IsNotice() bool {
	return k == EventKindDisconnected || k == EventKindReconnected
}

// MarketEvent is a single observation on one instrument's stream.
type MarketEvent struct {
	Instrument string          `json:"instrument"`
	Kind       EventKind       `json:"kind"`
	Seq        uint64          `json:"seq"`
	Time       time.Time       `json:"time"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	// Session changes when the upstream feed restarts its sequence numbering.
	Session string `json:"session,omitempty"`
}

// MarkPrice returns the best available valuation price for the event.
func (e MarketEvent) MarkPrice() decimal.Decimal {
	if e.Price.IsPositive() {
		return e.Price
	}
	if e.Bid.IsPositive() && e.Ask.IsPositive() {
		return e.Bid.Add(e.Ask).Div(decimal.NewFromInt(2))
	}
	if e.Bid.IsPositive() {
		return e.Bid
	}
	return e.Ask
}

// NormalizeInstrument trims and uppercases an instrument symbol.
func NormalizeInstrument(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
