package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/domain/schema"
)

// RiskStore persists risk decisions, halts and versioned limits.
type RiskStore struct {
	pool *pgxpool.Pool
}

// NewRiskStore constructs a RiskStore backed by the provided pool.
func NewRiskStore(pool *pgxpool.Pool) *RiskStore {
	return &RiskStore{pool: pool}
}

const (
	riskLogInsertSQL = `
INSERT INTO risk_logs (
    id,
    project,
    instrument,
    log_type,
    reason,
    signal_id,
    limit_version,
    detail,
    logged_at
)
VALUES (@id, @project, @instrument, @log_type, @reason, @signal_id, @limit_version, @detail, @logged_at)
ON CONFLICT (id) DO NOTHING;
`

	riskLogSelectSQL = `
SELECT id, project, instrument, log_type, reason, signal_id, limit_version, detail, logged_at
FROM risk_logs
WHERE project = $1
ORDER BY logged_at DESC
LIMIT $2;
`

	haltInsertSQL = `
INSERT INTO halts (project, halted, reason, detail, occurred_at)
VALUES ($1, $2, $3, $4, $5);
`

	// latest event per project; a project is halted when that event says so
	haltLatestSQL = `
SELECT DISTINCT ON (project) project, halted, reason, detail, occurred_at
FROM halts
ORDER BY project, occurred_at DESC, id DESC;
`

	limitUpsertSQL = `
INSERT INTO risk_limits (
    project,
    max_position_size,
    max_order_notional,
    stop_loss_pct,
    take_profit_pct,
    emergency_loss_pct,
    max_open_orders,
    version,
    updated_at
)
VALUES (
    @project,
    @max_position_size,
    @max_order_notional,
    @stop_loss_pct,
    @take_profit_pct,
    @emergency_loss_pct,
    @max_open_orders,
    @version,
    @updated_at
)
ON CONFLICT (project) DO UPDATE SET
    max_position_size = EXCLUDED.max_position_size,
    max_order_notional = EXCLUDED.max_order_notional,
    stop_loss_pct = EXCLUDED.stop_loss_pct,
    take_profit_pct = EXCLUDED.take_profit_pct,
    emergency_loss_pct = EXCLUDED.emergency_loss_pct,
    max_open_orders = EXCLUDED.max_open_orders,
    version = EXCLUDED.version,
    updated_at = EXCLUDED.updated_at
WHERE risk_limits.version <= EXCLUDED.version;
`

	limitSelectSQL = `
SELECT
    project,
    max_position_size::text,
    max_order_notional::text,
    stop_loss_pct::text,
    take_profit_pct::text,
    emergency_loss_pct::text,
    max_open_orders,
    version,
    updated_at
FROM risk_limits
ORDER BY project;
`

	defaultRiskLogLimit = 100
	maxRiskLogLimit     = 1000
)

// AppendRiskLog records a risk decision. Replays of the same entry id are ignored.
func (s *RiskStore) AppendRiskLog(ctx context.Context, entry schema.RiskLogEntry) error {
	if s.pool == nil {
		return fmt.Errorf("risk store: nil pool")
	}
	if strings.TrimSpace(entry.ID) == "" {
		return fmt.Errorf("risk store: risk log id required")
	}
	args := pgx.NamedArgs{
		"id":            entry.ID,
		"project":       entry.Project,
		"instrument":    entry.Instrument,
		"log_type":      string(entry.Type),
		"reason":        string(entry.Reason),
		"signal_id":     entry.SignalID,
		"limit_version": int64(entry.LimitVersion),
		"detail":        entry.Detail,
		"logged_at":     entry.Time,
	}
	if _, err := s.pool.Exec(ctx, riskLogInsertSQL, args); err != nil {
		return fmt.Errorf("risk store: insert risk log: %w", err)
	}
	return nil
}

// ListRiskLogs returns a project's most recent risk decisions.
func (s *RiskStore) ListRiskLogs(ctx context.Context, project string, limit int) ([]schema.RiskLogEntry, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("risk store: nil pool")
	}
	rows, err := s.pool.Query(ctx, riskLogSelectSQL, strings.TrimSpace(project), clampLimit(limit, defaultRiskLogLimit, maxRiskLogLimit))
	if err != nil {
		return nil, fmt.Errorf("risk store: list risk logs: %w", err)
	}
	defer rows.Close()
	var out []schema.RiskLogEntry
	for rows.Next() {
		var (
			entry           schema.RiskLogEntry
			logType, reason string
			version         int64
		)
		if err := rows.Scan(&entry.ID, &entry.Project, &entry.Instrument, &logType, &reason,
			&entry.SignalID, &version, &entry.Detail, &entry.Time); err != nil {
			return nil, fmt.Errorf("risk store: scan risk log: %w", err)
		}
		entry.Type = schema.RiskLogType(logType)
		entry.Reason = errs.Reason(reason)
		entry.LimitVersion = uint64(version)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("risk store: iterate risk logs: %w", err)
	}
	return out, nil
}

// RecordHalt appends a halt or clear event.
func (s *RiskStore) RecordHalt(ctx context.Context, ev schema.HaltEvent) error {
	if s.pool == nil {
		return fmt.Errorf("risk store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, haltInsertSQL, ev.Project, ev.Halted, string(ev.Reason), ev.Detail, ev.Time); err != nil {
		return fmt.Errorf("risk store: insert halt: %w", err)
	}
	return nil
}

// ActiveHalts returns the projects whose latest halt event left them halted.
func (s *RiskStore) ActiveHalts(ctx context.Context) ([]schema.HaltEvent, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("risk store: nil pool")
	}
	rows, err := s.pool.Query(ctx, haltLatestSQL)
	if err != nil {
		return nil, fmt.Errorf("risk store: list halts: %w", err)
	}
	defer rows.Close()
	var out []schema.HaltEvent
	for rows.Next() {
		var (
			ev     schema.HaltEvent
			reason string
		)
		if err := rows.Scan(&ev.Project, &ev.Halted, &reason, &ev.Detail, &ev.Time); err != nil {
			return nil, fmt.Errorf("risk store: scan halt: %w", err)
		}
		if !ev.Halted {
			continue
		}
		ev.Reason = errs.Reason(reason)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("risk store: iterate halts: %w", err)
	}
	return out, nil
}

// SaveLimits upserts a project's limits unless a newer version is stored.
func (s *RiskStore) SaveLimits(ctx context.Context, limit schema.RiskLimit) error {
	if s.pool == nil {
		return fmt.Errorf("risk store: nil pool")
	}
	args := pgx.NamedArgs{
		"project":            limit.Project,
		"max_position_size":  numericFromDecimal(limit.MaxPositionSize),
		"max_order_notional": numericFromDecimal(limit.MaxOrderNotional),
		"stop_loss_pct":      numericFromDecimal(limit.StopLossPct),
		"take_profit_pct":    numericFromDecimal(limit.TakeProfitPct),
		"emergency_loss_pct": numericFromDecimal(limit.EmergencyLossPct),
		"max_open_orders":    limit.MaxOpenOrders,
		"version":            int64(limit.Version),
		"updated_at":         limit.UpdatedAt,
	}
	if _, err := s.pool.Exec(ctx, limitUpsertSQL, args); err != nil {
		return fmt.Errorf("risk store: upsert limits: %w", err)
	}
	return nil
}

// LoadLimits returns every stored limit set.
func (s *RiskStore) LoadLimits(ctx context.Context) ([]schema.RiskLimit, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("risk store: nil pool")
	}
	rows, err := s.pool.Query(ctx, limitSelectSQL)
	if err != nil {
		return nil, fmt.Errorf("risk store: load limits: %w", err)
	}
	defer rows.Close()
	var out []schema.RiskLimit
	for rows.Next() {
		var (
			limit   schema.RiskLimit
			version int64
			nums    = make([]pgtype.Text, 5)
		)
		if err := rows.Scan(&limit.Project, &nums[0], &nums[1], &nums[2], &nums[3], &nums[4],
			&limit.MaxOpenOrders, &version, &limit.UpdatedAt); err != nil {
			return nil, fmt.Errorf("risk store: scan limits: %w", err)
		}
		if err := decimals(nums, &limit.MaxPositionSize, &limit.MaxOrderNotional, &limit.StopLossPct,
			&limit.TakeProfitPct, &limit.EmergencyLossPct); err != nil {
			return nil, fmt.Errorf("risk store: %w", err)
		}
		limit.Version = uint64(version)
		out = append(out, limit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("risk store: iterate limits: %w", err)
	}
	return out, nil
}
