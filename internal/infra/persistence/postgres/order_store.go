package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/app/executor"
	"github.com/coachpo/quantflow/internal/domain/schema"
)

// OrderStore persists orders, fills and positions.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	orderUpsertSQL = `
INSERT INTO orders (
    id,
    signal_id,
    project,
    instrument,
    side,
    quantity,
    filled_quantity,
    avg_fill_price,
    fees,
    order_type,
    limit_price,
    executor,
    origin,
    venue_order_id,
    state,
    reason,
    created_at,
    updated_at
)
VALUES (
    @id,
    @signal_id,
    @project,
    @instrument,
    @side,
    @quantity,
    @filled_quantity,
    @avg_fill_price,
    @fees,
    @order_type,
    @limit_price,
    @executor,
    @origin,
    @venue_order_id,
    @state,
    @reason,
    @created_at,
    @updated_at
)
ON CONFLICT (id) DO UPDATE SET
    filled_quantity = EXCLUDED.filled_quantity,
    avg_fill_price = EXCLUDED.avg_fill_price,
    fees = EXCLUDED.fees,
    venue_order_id = COALESCE(NULLIF(EXCLUDED.venue_order_id, ''), orders.venue_order_id),
    state = EXCLUDED.state,
    reason = EXCLUDED.reason,
    updated_at = EXCLUDED.updated_at
WHERE orders.updated_at <= EXCLUDED.updated_at;
`

	executionInsertSQL = `
INSERT INTO executions (
    fill_id,
    order_id,
    executor,
    instrument,
    side,
    quantity,
    price,
    fee,
    traded_at
)
VALUES (
    @fill_id,
    @order_id,
    @executor,
    @instrument,
    @side,
    @quantity,
    @price,
    @fee,
    @traded_at
)
ON CONFLICT (order_id, fill_id) DO NOTHING;
`

	positionUpsertSQL = `
INSERT INTO positions (
    project,
    instrument,
    quantity,
    avg_price,
    realized_pnl,
    unrealized_pnl,
    mark_price,
    fees,
    opened_by,
    version,
    updated_at
)
VALUES (
    @project,
    @instrument,
    @quantity,
    @avg_price,
    @realized_pnl,
    @unrealized_pnl,
    @mark_price,
    @fees,
    @opened_by,
    @version,
    @updated_at
)
ON CONFLICT (project, instrument) DO UPDATE SET
    quantity = EXCLUDED.quantity,
    avg_price = EXCLUDED.avg_price,
    realized_pnl = EXCLUDED.realized_pnl,
    unrealized_pnl = EXCLUDED.unrealized_pnl,
    mark_price = EXCLUDED.mark_price,
    fees = EXCLUDED.fees,
    opened_by = EXCLUDED.opened_by,
    version = EXCLUDED.version,
    updated_at = EXCLUDED.updated_at
WHERE positions.version <= EXCLUDED.version;
`

	orderSelectBase = `
SELECT
    id,
    signal_id,
    project,
    instrument,
    side,
    quantity::text,
    filled_quantity::text,
    avg_fill_price::text,
    fees::text,
    order_type,
    limit_price::text,
    executor,
    origin,
    venue_order_id,
    state,
    reason,
    created_at,
    updated_at
FROM orders
`

	executionSelectSQL = `
SELECT
    fill_id,
    order_id,
    executor,
    instrument,
    side,
    quantity::text,
    price::text,
    fee::text,
    traded_at
FROM executions
WHERE order_id = $1
ORDER BY traded_at ASC, fill_id ASC;
`

	positionSelectBase = `
SELECT
    project,
    instrument,
    quantity::text,
    avg_price::text,
    realized_pnl::text,
    unrealized_pnl::text,
    mark_price::text,
    fees::text,
    opened_by,
    version,
    updated_at
FROM positions
`

	defaultOrderLimit = 100
	maxOrderLimit     = 1000
)

func (s *OrderStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("order store: nil pool")
	}
	return s.pool, nil
}

func (s *OrderStore) saveOrderWith(ctx context.Context, exec execer, order schema.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return fmt.Errorf("order store: order id required")
	}
	args := pgx.NamedArgs{
		"id":              order.ID,
		"signal_id":       order.SignalID,
		"project":         order.Project,
		"instrument":      order.Instrument,
		"side":            string(order.Side),
		"quantity":        numericFromDecimal(order.Quantity),
		"filled_quantity": numericFromDecimal(order.FilledQuantity),
		"avg_fill_price":  numericFromDecimal(order.AvgFillPrice),
		"fees":            numericFromDecimal(order.Fees),
		"order_type":      string(order.Pricing.Type),
		"limit_price":     numericFromOptional(order.Pricing.LimitPrice),
		"executor":        order.Executor,
		"origin":          order.Origin,
		"venue_order_id":  order.VenueOrderID,
		"state":           string(order.State),
		"reason":          string(order.Reason),
		"created_at":      order.CreatedAt,
		"updated_at":      order.UpdatedAt,
	}
	if _, err := exec.Exec(ctx, orderUpsertSQL, args); err != nil {
		return fmt.Errorf("order store: upsert order: %w", err)
	}
	return nil
}

func (s *OrderStore) insertExecutionWith(ctx context.Context, exec execer, fill schema.Fill) error {
	args := pgx.NamedArgs{
		"fill_id":    fill.ID,
		"order_id":   fill.OrderID,
		"executor":   fill.Executor,
		"instrument": fill.Instrument,
		"side":       string(fill.Side),
		"quantity":   numericFromDecimal(fill.Quantity),
		"price":      numericFromDecimal(fill.Price),
		"fee":        numericFromDecimal(fill.Fee),
		"traded_at":  fill.Time,
	}
	if _, err := exec.Exec(ctx, executionInsertSQL, args); err != nil {
		return fmt.Errorf("order store: insert execution: %w", err)
	}
	return nil
}

func (s *OrderStore) upsertPositionWith(ctx context.Context, exec execer, pos schema.Position) error {
	args := pgx.NamedArgs{
		"project":        pos.Project,
		"instrument":     pos.Instrument,
		"quantity":       numericFromDecimal(pos.Quantity),
		"avg_price":      numericFromDecimal(pos.AvgPrice),
		"realized_pnl":   numericFromDecimal(pos.RealizedPnL),
		"unrealized_pnl": numericFromDecimal(pos.UnrealizedPnL),
		"mark_price":     numericFromDecimal(pos.MarkPrice),
		"fees":           numericFromDecimal(pos.Fees),
		"opened_by":      pos.OpenedBy,
		"version":        int64(pos.Version),
		"updated_at":     pos.UpdatedAt,
	}
	if _, err := exec.Exec(ctx, positionUpsertSQL, args); err != nil {
		return fmt.Errorf("order store: upsert position: %w", err)
	}
	return nil
}

// SaveOrder upserts the order snapshot. Older snapshots never overwrite newer ones.
func (s *OrderStore) SaveOrder(ctx context.Context, order schema.Order) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.saveOrderWith(ctx, pool, order)
}

// CommitFill writes the order, the fill and the resulting position atomically.
// A replayed fill id is ignored by the executions insert.
func (s *OrderStore) CommitFill(ctx context.Context, order schema.Order, fill schema.Fill, pos schema.Position) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(fill.ID) == "" {
		return fmt.Errorf("order store: fill id required")
	}
	return withTx(ctx, pool, "order store", func(tx pgx.Tx) error {
		if err := s.saveOrderWith(ctx, tx, order); err != nil {
			return err
		}
		if err := s.insertExecutionWith(ctx, tx, fill); err != nil {
			return err
		}
		return s.upsertPositionWith(ctx, tx, pos)
	})
}

// SavePosition upserts a position snapshot outside a fill, e.g. after marking.
func (s *OrderStore) SavePosition(ctx context.Context, pos schema.Position) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.upsertPositionWith(ctx, pool, pos)
}

// GetOrder loads one order by id.
func (s *OrderStore) GetOrder(ctx context.Context, id string) (schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Order{}, err
	}
	order, err := scanOrder(pool.QueryRow(ctx, orderSelectBase+" WHERE id = $1", strings.TrimSpace(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.Order{}, errs.New("order store", errs.CodeNotFound, errs.WithEntityID(id), errs.WithMessage("order not found"))
	}
	return order, err
}

// ListOrders returns the most recent orders of a project, newest first.
func (s *OrderStore) ListOrders(ctx context.Context, project string, limit int) ([]schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	query := orderSelectBase + " WHERE project = $1 ORDER BY created_at DESC LIMIT $2"
	rows, err := pool.Query(ctx, query, strings.TrimSpace(project), clampLimit(limit, defaultOrderLimit, maxOrderLimit))
	if err != nil {
		return nil, fmt.Errorf("order store: list orders: %w", err)
	}
	return collectOrders(rows)
}

// ListOpenOrders returns every order that has not reached a terminal state.
func (s *OrderStore) ListOpenOrders(ctx context.Context) ([]schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	query := orderSelectBase + " WHERE state IN ($1, $2, $3) ORDER BY created_at ASC"
	rows, err := pool.Query(ctx, query,
		string(schema.OrderCreated), string(schema.OrderSubmitted), string(schema.OrderPartiallyFilled))
	if err != nil {
		return nil, fmt.Errorf("order store: list open orders: %w", err)
	}
	return collectOrders(rows)
}

// ListFills returns the executions recorded against an order.
func (s *OrderStore) ListFills(ctx context.Context, orderID string) ([]schema.Fill, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, executionSelectSQL, strings.TrimSpace(orderID))
	if err != nil {
		return nil, fmt.Errorf("order store: list fills: %w", err)
	}
	defer rows.Close()
	var fills []schema.Fill
	for rows.Next() {
		var (
			fill schema.Fill
			side string
			nums = make([]pgtype.Text, 3)
		)
		if err := rows.Scan(&fill.ID, &fill.OrderID, &fill.Executor, &fill.Instrument, &side,
			&nums[0], &nums[1], &nums[2], &fill.Time); err != nil {
			return nil, fmt.Errorf("order store: scan fill: %w", err)
		}
		fill.Side = schema.Side(side)
		if err := decimals(nums, &fill.Quantity, &fill.Price, &fill.Fee); err != nil {
			return nil, fmt.Errorf("order store: %w", err)
		}
		fills = append(fills, fill)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate fills: %w", err)
	}
	return fills, nil
}

// ListPositions returns persisted positions; an empty project lists all.
func (s *OrderStore) ListPositions(ctx context.Context, project string) ([]schema.Position, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	var rows pgx.Rows
	if trimmed := strings.TrimSpace(project); trimmed != "" {
		rows, err = pool.Query(ctx, positionSelectBase+" WHERE project = $1 ORDER BY instrument", trimmed)
	} else {
		rows, err = pool.Query(ctx, positionSelectBase+" ORDER BY project, instrument")
	}
	if err != nil {
		return nil, fmt.Errorf("order store: list positions: %w", err)
	}
	defer rows.Close()
	var positions []schema.Position
	for rows.Next() {
		var (
			pos     schema.Position
			version int64
			nums    = make([]pgtype.Text, 6)
		)
		if err := rows.Scan(&pos.Project, &pos.Instrument, &nums[0], &nums[1], &nums[2], &nums[3], &nums[4], &nums[5],
			&pos.OpenedBy, &version, &pos.UpdatedAt); err != nil {
			return nil, fmt.Errorf("order store: scan position: %w", err)
		}
		if err := decimals(nums, &pos.Quantity, &pos.AvgPrice, &pos.RealizedPnL, &pos.UnrealizedPnL, &pos.MarkPrice, &pos.Fees); err != nil {
			return nil, fmt.Errorf("order store: %w", err)
		}
		pos.Version = uint64(version)
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate positions: %w", err)
	}
	return positions, nil
}

func collectOrders(rows pgx.Rows) ([]schema.Order, error) {
	defer rows.Close()
	var orders []schema.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate orders: %w", err)
	}
	return orders, nil
}

func scanOrder(row rowScanner) (schema.Order, error) {
	var (
		order                          schema.Order
		side, orderType, state, reason string
		nums                           = make([]pgtype.Text, 5)
	)
	if err := row.Scan(
		&order.ID,
		&order.SignalID,
		&order.Project,
		&order.Instrument,
		&side,
		&nums[0],
		&nums[1],
		&nums[2],
		&nums[3],
		&orderType,
		&nums[4],
		&order.Executor,
		&order.Origin,
		&order.VenueOrderID,
		&state,
		&reason,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Order{}, err
		}
		return schema.Order{}, fmt.Errorf("order store: scan order: %w", err)
	}
	if err := decimals(nums, &order.Quantity, &order.FilledQuantity, &order.AvgFillPrice, &order.Fees, &order.Pricing.LimitPrice); err != nil {
		return schema.Order{}, fmt.Errorf("order store: %w", err)
	}
	order.Side = schema.Side(side)
	order.Pricing.Type = schema.OrderType(orderType)
	order.State = schema.OrderState(state)
	order.Reason = errs.Reason(reason)
	return order, nil
}

var _ executor.Store = (*OrderStore)(nil)
