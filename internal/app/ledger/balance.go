package ledger

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/domain/schema"
)

func (l *Ledger) accountLocked(project string) *schema.Account {
	acct, ok := l.accounts[project]
	if !ok {
		acct = &schema.Account{Project: project}
		l.accounts[project] = acct
	}
	return acct
}

// OpenAccount sets the project's initial capital. Deposits, P&L and fees
// already booked are kept.
func (l *Ledger) OpenAccount(project string, initial decimal.Decimal) schema.Account {
	l.acctMu.Lock()
	defer l.acctMu.Unlock()
	acct := l.accountLocked(project)
	acct.InitialCapital = initial
	return *acct
}

// Account returns the cash view of project. Unknown projects read as empty.
func (l *Ledger) Account(project string) schema.Account {
	l.acctMu.Lock()
	defer l.acctMu.Unlock()
	if acct, ok := l.accounts[project]; ok {
		return *acct
	}
	return schema.Account{Project: project}
}

// Transfer books an operator deposit or withdrawal. amount is unsigned; a
// withdrawal may not take the balance below zero.
func (l *Ledger) Transfer(tx schema.BalanceTransaction) (schema.BalanceTransaction, error) {
	if !tx.Kind.Transfer() {
		return tx, errs.New("balance", errs.CodeInvalid,
			errs.WithEntityID(tx.Project),
			errs.WithMessage("transfer kind must be DEPOSIT or WITHDRAW"))
	}
	if !tx.Amount.IsPositive() {
		return tx, errs.New("balance", errs.CodeInvalid,
			errs.WithEntityID(tx.Project),
			errs.WithMessage("transfer amount must be positive"))
	}
	if tx.Kind == schema.BalanceWithdraw {
		tx.Amount = tx.Amount.Neg()
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Time.IsZero() {
		tx.Time = l.now()
	}

	l.acctMu.Lock()
	acct := l.accountLocked(tx.Project)
	before := acct.Balance()
	if after := before.Add(tx.Amount); after.IsNegative() {
		l.acctMu.Unlock()
		return tx, errs.New("balance", errs.CodeConflict,
			errs.WithEntityID(tx.Project),
			errs.WithMessage("withdrawal of "+tx.Amount.Neg().String()+" exceeds balance "+before.String()))
	}
	acct.NetDeposits = acct.NetDeposits.Add(tx.Amount)
	tx.BalanceBefore, tx.BalanceAfter = before, acct.Balance()
	l.acctMu.Unlock()

	l.emit(tx)
	return tx, nil
}

// RestoreDeposits installs net deposits loaded from storage without emitting transactions.
func (l *Ledger) RestoreDeposits(project string, net decimal.Decimal) {
	l.acctMu.Lock()
	l.accountLocked(project).NetDeposits = net
	l.acctMu.Unlock()
}

func (l *Ledger) restoreAccountLegs(project string, pnl, fees decimal.Decimal) {
	l.acctMu.Lock()
	acct := l.accountLocked(project)
	acct.RealizedPnL = acct.RealizedPnL.Add(pnl)
	acct.Fees = acct.Fees.Add(fees)
	l.acctMu.Unlock()
}

// postFillLegs books the fee and realized P&L of an applied fill.
func (l *Ledger) postFillLegs(fill Fill, pnl decimal.Decimal) {
	legs := make([]schema.BalanceTransaction, 0, 2)
	l.acctMu.Lock()
	acct := l.accountLocked(fill.Project)
	if !pnl.IsZero() {
		before := acct.Balance()
		acct.RealizedPnL = acct.RealizedPnL.Add(pnl)
		legs = append(legs, l.fillLeg(fill, schema.BalancePnL, pnl, before, acct.Balance()))
	}
	if !fill.Fee.IsZero() {
		before := acct.Balance()
		acct.Fees = acct.Fees.Add(fill.Fee)
		legs = append(legs, l.fillLeg(fill, schema.BalanceFee, fill.Fee.Neg(), before, acct.Balance()))
	}
	l.acctMu.Unlock()
	for _, tx := range legs {
		l.emit(tx)
	}
}

func (l *Ledger) fillLeg(fill Fill, kind schema.BalanceKind, amount, before, after decimal.Decimal) schema.BalanceTransaction {
	tx := schema.BalanceTransaction{
		Project:       fill.Project,
		Kind:          kind,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Instrument:    fill.Instrument,
		OrderID:       fill.OrderID,
		FillID:        fill.ID,
		Origin:        fill.Origin,
		Time:          fill.Time,
	}
	if fill.ID != "" {
		tx.ID = fill.ID + ":" + string(kind)
	} else {
		tx.ID = uuid.NewString()
	}
	if tx.Time.IsZero() {
		tx.Time = l.now()
	}
	return tx
}

func (l *Ledger) emit(tx schema.BalanceTransaction) {
	l.logger.Debug("balance transaction",
		zap.String("project", tx.Project),
		zap.String("kind", string(tx.Kind)),
		zap.String("amount", tx.Amount.String()),
		zap.String("balance", tx.BalanceAfter.String()))
	if l.onTx != nil {
		l.onTx(tx)
	}
}
