package schema

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// ConfirmationPolicy selects how pending signals are resolved.
type ConfirmationPolicy string

const (
	ConfirmAuto   ConfirmationPolicy = "auto"
	ConfirmManual ConfirmationPolicy = "manual"
)

// RiskLimit is a versioned set of per-project thresholds. Zero values disable a check.
type RiskLimit struct {
	Project          string          `json:"project"`
	MaxPositionSize  decimal.Decimal `json:"maxPositionSize"`
	MaxOrderNotional decimal.Decimal `json:"maxOrderNotional"`
	StopLossPct      decimal.Decimal `json:"stopLossPct"`
	TakeProfitPct    decimal.Decimal `json:"takeProfitPct"`
	EmergencyLossPct decimal.Decimal `json:"emergencyLossPct"`
	MaxOpenOrders    int             `json:"maxOpenOrders"`
	Version          uint64          `json:"version"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Project groups instruments, capital and risk configuration.
type Project struct {
	ID             string             `json:"id"`
	Instruments    []string           `json:"instruments"`
	InitialCapital decimal.Decimal    `json:"initialCapital"`
	Enabled        bool               `json:"enabled"`
	Confirmation   ConfirmationPolicy `json:"confirmation"`
	AllowOverlap   bool               `json:"allowOverlap"`
	SignalExpiry   time.Duration      `json:"signalExpiry"`
	Executor       string             `json:"executor"`
	OrderType      OrderType          `json:"orderType"`
}

// Allows reports whether the instrument is on the project's whitelist.
func (p Project) Allows(instrument string) bool {
	return slices.Contains(p.Instruments, NormalizeInstrument(instrument))
}
