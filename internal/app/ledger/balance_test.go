package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/domain/schema"
)

func TestTransfersMoveCapital(t *testing.T) {
	var seen []schema.BalanceTransaction
	l := New(WithTransactionHook(func(tx schema.BalanceTransaction) { seen = append(seen, tx) }))
	l.OpenAccount("alpha", d("1000"))

	dep, err := l.Transfer(schema.BalanceTransaction{Project: "alpha", Kind: schema.BalanceDeposit, Amount: d("500")})
	require.NoError(t, err)
	require.True(t, dep.BalanceBefore.Equal(d("1000")))
	require.True(t, dep.BalanceAfter.Equal(d("1500")))
	require.NotEmpty(t, dep.ID)

	wd, err := l.Transfer(schema.BalanceTransaction{Project: "alpha", Kind: schema.BalanceWithdraw, Amount: d("200")})
	require.NoError(t, err)
	require.True(t, wd.Amount.Equal(d("-200")))
	require.True(t, wd.BalanceAfter.Equal(d("1300")))

	_, err = l.Transfer(schema.BalanceTransaction{Project: "alpha", Kind: schema.BalanceWithdraw, Amount: d("5000")})
	require.Equal(t, errs.CodeConflict, errs.CodeOf(err))
	_, err = l.Transfer(schema.BalanceTransaction{Project: "alpha", Kind: schema.BalanceFee, Amount: d("1")})
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))
	_, err = l.Transfer(schema.BalanceTransaction{Project: "alpha", Kind: schema.BalanceDeposit, Amount: d("-1")})
	require.Equal(t, errs.CodeInvalid, errs.CodeOf(err))

	acct := l.Account("alpha")
	require.True(t, acct.Capital().Equal(d("1300")))
	require.True(t, acct.NetDeposits.Equal(d("300")))
	require.Len(t, seen, 2)

	l.OpenAccount("alpha", d("2000"))
	require.True(t, l.Account("alpha").Capital().Equal(d("2300")), "reopening keeps deposits")
}

func TestFillsPostFeeAndPnLLegs(t *testing.T) {
	var seen []schema.BalanceTransaction
	l := New(WithTransactionHook(func(tx schema.BalanceTransaction) { seen = append(seen, tx) }))
	l.OpenAccount("alpha", d("1000"))
	ctx := context.Background()

	open := fill(schema.SideBuy, "2", "100")
	open.ID = "f1"
	open.Fee = d("0.5")
	_, err := l.ApplyFill(ctx, open, nil)
	require.NoError(t, err)
	require.Len(t, seen, 1, "opening fill books only its fee")
	require.Equal(t, schema.BalanceFee, seen[0].Kind)
	require.Equal(t, "f1:FEE", seen[0].ID)
	require.True(t, seen[0].Amount.Equal(d("-0.5")))
	require.True(t, seen[0].BalanceAfter.Equal(d("999.5")))

	closeFill := fill(schema.SideSell, "2", "110")
	closeFill.ID = "f2"
	closeFill.Fee = d("0.5")
	_, err = l.ApplyFill(ctx, closeFill, nil)
	require.NoError(t, err)
	require.Len(t, seen, 3)
	pnl, fee := seen[1], seen[2]
	require.Equal(t, schema.BalancePnL, pnl.Kind)
	require.True(t, pnl.Amount.Equal(d("20")))
	require.True(t, pnl.BalanceBefore.Equal(d("999.5")))
	require.True(t, pnl.BalanceAfter.Equal(d("1019.5")))
	require.Equal(t, schema.BalanceFee, fee.Kind)
	require.True(t, fee.BalanceBefore.Equal(pnl.BalanceAfter))
	require.True(t, fee.BalanceAfter.Equal(d("1019")))
	require.Equal(t, "BTC-USDT", fee.Instrument)

	require.True(t, l.Account("alpha").Balance().Equal(d("1019")))
}

func TestFailedCommitPostsNoLegs(t *testing.T) {
	var seen []schema.BalanceTransaction
	l := New(WithTransactionHook(func(tx schema.BalanceTransaction) { seen = append(seen, tx) }))
	f := fill(schema.SideBuy, "1", "100")
	f.Fee = d("1")
	_, err := l.ApplyFill(context.Background(), f, func(context.Context, schema.Position) error {
		return errs.New("store", errs.CodeUnavailable)
	})
	require.Error(t, err)
	require.Empty(t, seen)
	require.True(t, l.Account("alpha").Fees.IsZero())
}

func TestRestoreRebuildsAccountWithoutEmitting(t *testing.T) {
	var seen []schema.BalanceTransaction
	l := New(WithTransactionHook(func(tx schema.BalanceTransaction) { seen = append(seen, tx) }))
	l.OpenAccount("alpha", d("1000"))
	l.RestoreDeposits("alpha", d("250"))
	l.Restore([]schema.Position{
		{Project: "alpha", Instrument: "BTC-USDT", Quantity: d("1"), AvgPrice: d("100"), RealizedPnL: d("40"), Fees: d("2")},
		{Project: "alpha", Instrument: "ETH-USDT", RealizedPnL: d("-10"), Fees: d("1")},
	})
	acct := l.Account("alpha")
	require.True(t, acct.Balance().Equal(d("1277")), "1000 + 250 + 30 - 3, got %s", acct.Balance())
	require.Empty(t, seen)
}
