package pipeline

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DepositStore is implemented by stores that keep the balance transaction
// journal. Restore uses it to rebuild operator deposits and withdrawals.
type DepositStore interface {
	NetDeposits(ctx context.Context) (map[string]decimal.Decimal, error)
}

// Restore loads limits, halts, positions, net deposits and open orders from
// the store. It must run before Start. Without a store it does nothing.
func (p *Pipeline) Restore(ctx context.Context) error {
	store := p.opts.Store
	if store == nil {
		return nil
	}
	limits, err := store.LoadLimits(ctx)
	if err != nil {
		return fmt.Errorf("restore limits: %w", err)
	}
	for _, l := range limits {
		p.risk.RestoreLimits(l)
	}

	halts, err := store.ActiveHalts(ctx)
	if err != nil {
		return fmt.Errorf("restore halts: %w", err)
	}
	for _, ev := range halts {
		p.risk.RestoreHalt(ev)
	}

	positions, err := store.ListPositions(ctx, "")
	if err != nil {
		return fmt.Errorf("restore positions: %w", err)
	}
	p.ledger.Restore(positions)

	var deposits map[string]decimal.Decimal
	if ds, ok := store.(DepositStore); ok {
		deposits, err = ds.NetDeposits(ctx)
		if err != nil {
			return fmt.Errorf("restore deposits: %w", err)
		}
		for project, net := range deposits {
			p.ledger.RestoreDeposits(project, net)
		}
	}

	orders, err := store.ListOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("restore open orders: %w", err)
	}
	p.dispatcher.Restore(orders)

	p.logger.Info("state restored",
		zap.Int("limits", len(limits)),
		zap.Int("halts", len(halts)),
		zap.Int("positions", len(positions)),
		zap.Int("accounts", len(deposits)),
		zap.Int("open_orders", len(orders)))
	return nil
}
