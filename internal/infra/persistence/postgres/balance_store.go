package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/quantflow/internal/domain/schema"
)

// BalanceStore persists the balance transaction journal.
type BalanceStore struct {
	pool *pgxpool.Pool
}

// NewBalanceStore constructs a BalanceStore backed by the provided pool.
func NewBalanceStore(pool *pgxpool.Pool) *BalanceStore {
	return &BalanceStore{pool: pool}
}

const (
	balanceInsertSQL = `
INSERT INTO balance_transactions (
    id,
    project,
    kind,
    amount,
    balance_before,
    balance_after,
    instrument,
    order_id,
    fill_id,
    origin,
    description,
    occurred_at
)
VALUES (
    @id,
    @project,
    @kind,
    @amount,
    @balance_before,
    @balance_after,
    @instrument,
    @order_id,
    @fill_id,
    @origin,
    @description,
    @occurred_at
)
ON CONFLICT (id) DO NOTHING;
`

	balanceSelectSQL = `
SELECT
    id,
    project,
    kind,
    amount::text,
    balance_before::text,
    balance_after::text,
    instrument,
    order_id,
    fill_id,
    origin,
    description,
    occurred_at
FROM balance_transactions
WHERE project = $1
ORDER BY occurred_at DESC, id
LIMIT $2;
`

	netDepositsSQL = `
SELECT project, SUM(amount)::text
FROM balance_transactions
WHERE kind IN ('DEPOSIT', 'WITHDRAW')
GROUP BY project;
`

	defaultBalanceLimit = 100
	maxBalanceLimit     = 1000
)

// AppendBalanceTransaction records one transaction. Replays of the same id are ignored.
func (s *BalanceStore) AppendBalanceTransaction(ctx context.Context, tx schema.BalanceTransaction) error {
	if s.pool == nil {
		return fmt.Errorf("balance store: nil pool")
	}
	if strings.TrimSpace(tx.ID) == "" {
		return fmt.Errorf("balance store: transaction id required")
	}
	args := pgx.NamedArgs{
		"id":             tx.ID,
		"project":        tx.Project,
		"kind":           string(tx.Kind),
		"amount":         numericFromDecimal(tx.Amount),
		"balance_before": numericFromDecimal(tx.BalanceBefore),
		"balance_after":  numericFromDecimal(tx.BalanceAfter),
		"instrument":     tx.Instrument,
		"order_id":       tx.OrderID,
		"fill_id":        tx.FillID,
		"origin":         tx.Origin,
		"description":    tx.Description,
		"occurred_at":    tx.Time,
	}
	if _, err := s.pool.Exec(ctx, balanceInsertSQL, args); err != nil {
		return fmt.Errorf("balance store: insert transaction: %w", err)
	}
	return nil
}

// ListBalanceTransactions returns a project's most recent transactions.
func (s *BalanceStore) ListBalanceTransactions(ctx context.Context, project string, limit int) ([]schema.BalanceTransaction, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("balance store: nil pool")
	}
	rows, err := s.pool.Query(ctx, balanceSelectSQL, strings.TrimSpace(project), clampLimit(limit, defaultBalanceLimit, maxBalanceLimit))
	if err != nil {
		return nil, fmt.Errorf("balance store: list transactions: %w", err)
	}
	defer rows.Close()
	var out []schema.BalanceTransaction
	for rows.Next() {
		var (
			tx   schema.BalanceTransaction
			kind string
			nums = make([]pgtype.Text, 3)
		)
		if err := rows.Scan(&tx.ID, &tx.Project, &kind, &nums[0], &nums[1], &nums[2],
			&tx.Instrument, &tx.OrderID, &tx.FillID, &tx.Origin, &tx.Description, &tx.Time); err != nil {
			return nil, fmt.Errorf("balance store: scan transaction: %w", err)
		}
		if err := decimals(nums, &tx.Amount, &tx.BalanceBefore, &tx.BalanceAfter); err != nil {
			return nil, fmt.Errorf("balance store: %w", err)
		}
		tx.Kind = schema.BalanceKind(kind)
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("balance store: iterate transactions: %w", err)
	}
	return out, nil
}

// NetDeposits sums deposits less withdrawals per project.
func (s *BalanceStore) NetDeposits(ctx context.Context) (map[string]decimal.Decimal, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("balance store: nil pool")
	}
	rows, err := s.pool.Query(ctx, netDepositsSQL)
	if err != nil {
		return nil, fmt.Errorf("balance store: net deposits: %w", err)
	}
	defer rows.Close()
	out := make(map[string]decimal.Decimal)
	for rows.Next() {
		var (
			project string
			raw     pgtype.Text
		)
		if err := rows.Scan(&project, &raw); err != nil {
			return nil, fmt.Errorf("balance store: scan net deposits: %w", err)
		}
		net, err := decimalFromText(raw)
		if err != nil {
			return nil, fmt.Errorf("balance store: %w", err)
		}
		out[project] = net
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("balance store: iterate net deposits: %w", err)
	}
	return out, nil
}
