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
	"github.com/coachpo/quantflow/internal/domain/schema"
)

// SignalStore keeps the audit trail of every signal and its final state.
type SignalStore struct {
	pool *pgxpool.Pool
}

// NewSignalStore constructs a SignalStore backed by the provided pool.
func NewSignalStore(pool *pgxpool.Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

const (
	signalUpsertSQL = `
INSERT INTO signals (
    id,
    project,
    instrument,
    side,
    quantity,
    price_hint,
    origin,
    synthetic,
    opened_by,
    state,
    reason,
    created_at,
    expires_at,
    updated_at
)
VALUES (
    @id,
    @project,
    @instrument,
    @side,
    @quantity,
    @price_hint,
    @origin,
    @synthetic,
    @opened_by,
    @state,
    @reason,
    @created_at,
    @expires_at,
    @updated_at
)
ON CONFLICT (id) DO UPDATE SET
    state = EXCLUDED.state,
    reason = EXCLUDED.reason,
    updated_at = EXCLUDED.updated_at
WHERE signals.updated_at <= EXCLUDED.updated_at;
`

	signalSelectBase = `
SELECT
    id,
    project,
    instrument,
    side,
    quantity::text,
    price_hint::text,
    origin,
    synthetic,
    opened_by,
    state,
    reason,
    created_at,
    expires_at,
    updated_at
FROM signals
`

	defaultSignalLimit = 100
	maxSignalLimit     = 1000
)

// SaveSignal upserts the signal's latest state.
func (s *SignalStore) SaveSignal(ctx context.Context, sig schema.Signal) error {
	if s.pool == nil {
		return fmt.Errorf("signal store: nil pool")
	}
	if strings.TrimSpace(sig.ID) == "" {
		return fmt.Errorf("signal store: signal id required")
	}
	args := pgx.NamedArgs{
		"id":         sig.ID,
		"project":    sig.Project,
		"instrument": sig.Instrument,
		"side":       string(sig.Side),
		"quantity":   numericFromDecimal(sig.Quantity),
		"price_hint": numericFromDecimal(sig.PriceHint),
		"origin":     sig.Origin,
		"synthetic":  sig.Synthetic,
		"opened_by":  sig.OpenedBy,
		"state":      string(sig.State),
		"reason":     string(sig.Reason),
		"created_at": sig.CreatedAt,
		"expires_at": pgtype.Timestamptz{Time: sig.ExpiresAt, Valid: !sig.ExpiresAt.IsZero()},
		"updated_at": sig.UpdatedAt,
	}
	if _, err := s.pool.Exec(ctx, signalUpsertSQL, args); err != nil {
		return fmt.Errorf("signal store: upsert signal: %w", err)
	}
	return nil
}

// GetSignal loads one signal by id.
func (s *SignalStore) GetSignal(ctx context.Context, id string) (schema.Signal, error) {
	if s.pool == nil {
		return schema.Signal{}, fmt.Errorf("signal store: nil pool")
	}
	sig, err := scanSignal(s.pool.QueryRow(ctx, signalSelectBase+" WHERE id = $1", strings.TrimSpace(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.Signal{}, errs.New("signal store", errs.CodeNotFound, errs.WithEntityID(id), errs.WithMessage("signal not found"))
	}
	return sig, err
}

// ListSignals returns a project's signals, newest first, optionally filtered by state.
func (s *SignalStore) ListSignals(ctx context.Context, project string, state schema.SignalState, limit int) ([]schema.Signal, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("signal store: nil pool")
	}
	builder := strings.Builder{}
	builder.WriteString(signalSelectBase)
	builder.WriteString(" WHERE project = $1")
	args := []any{strings.TrimSpace(project)}
	if state != "" {
		args = append(args, string(state))
		builder.WriteString(fmt.Sprintf(" AND state = $%d", len(args)))
	}
	args = append(args, clampLimit(limit, defaultSignalLimit, maxSignalLimit))
	builder.WriteString(fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args)))

	rows, err := s.pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("signal store: list signals: %w", err)
	}
	defer rows.Close()
	var out []schema.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signal store: iterate signals: %w", err)
	}
	return out, nil
}

func scanSignal(row rowScanner) (schema.Signal, error) {
	var (
		sig                 schema.Signal
		side, state, reason string
		expiresAt           pgtype.Timestamptz
		nums                = make([]pgtype.Text, 2)
	)
	if err := row.Scan(
		&sig.ID,
		&sig.Project,
		&sig.Instrument,
		&side,
		&nums[0],
		&nums[1],
		&sig.Origin,
		&sig.Synthetic,
		&sig.OpenedBy,
		&state,
		&reason,
		&sig.CreatedAt,
		&expiresAt,
		&sig.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Signal{}, err
		}
		return schema.Signal{}, fmt.Errorf("signal store: scan signal: %w", err)
	}
	if err := decimals(nums, &sig.Quantity, &sig.PriceHint); err != nil {
		return schema.Signal{}, fmt.Errorf("signal store: %w", err)
	}
	sig.Side = schema.Side(side)
	sig.State = schema.SignalState(state)
	sig.Reason = errs.Reason(reason)
	if expiresAt.Valid {
		sig.ExpiresAt = expiresAt.Time
	}
	return sig, nil
}
