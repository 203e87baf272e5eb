package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// BalanceKind classifies a movement of project cash.
type BalanceKind string

const (
	BalanceDeposit  BalanceKind = "DEPOSIT"
	BalanceWithdraw BalanceKind = "WITHDRAW"
	BalanceFee      BalanceKind = "FEE"
	BalancePnL      BalanceKind = "PNL"
)

// Valid reports whether k is a known kind.
func (k BalanceKind) Valid() bool {
	switch k {
	case BalanceDeposit, BalanceWithdraw, BalanceFee, BalancePnL:
		return true
	}
	return false
}

// Transfer reports whether k is an operator capital movement rather than a trading leg.
func (k BalanceKind) Transfer() bool {
	return k == BalanceDeposit || k == BalanceWithdraw
}

// BalanceTransaction is one journaled change of a project's cash balance.
// Amount is signed: deposits and realized gains are positive, withdrawals,
// fees and realized losses negative.
type BalanceTransaction struct {
	ID            string          `json:"id"`
	Project       string          `json:"project"`
	Kind          BalanceKind     `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceBefore decimal.Decimal `json:"balanceBefore"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	Instrument    string          `json:"instrument,omitempty"`
	OrderID       string          `json:"orderId,omitempty"`
	FillID        string          `json:"fillId,omitempty"`
	Origin        string          `json:"origin,omitempty"`
	Description   string          `json:"description,omitempty"`
	Time          time.Time       `json:"time"`
}

// Account is the cash view of a project.
type Account struct {
	Project        string          `json:"project"`
	InitialCapital decimal.Decimal `json:"initialCapital"`
	NetDeposits    decimal.Decimal `json:"netDeposits"`
	RealizedPnL    decimal.Decimal `json:"realizedPnl"`
	Fees           decimal.Decimal `json:"fees"`
}

// Capital returns initial capital plus net deposits.
func (a Account) Capital() decimal.Decimal {
	return a.InitialCapital.Add(a.NetDeposits)
}

// Balance returns capital plus realized P&L less fees.
func (a Account) Balance() decimal.Decimal {
	return a.Capital().Add(a.RealizedPnL).Sub(a.Fees)
}
