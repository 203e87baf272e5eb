package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/quantflow/internal/domain/schema"
)

// InstanceStore records the last known status of each strategy instance.
type InstanceStore struct {
	pool *pgxpool.Pool
}

// NewInstanceStore constructs an InstanceStore backed by the provided pool.
func NewInstanceStore(pool *pgxpool.Pool) *InstanceStore {
	return &InstanceStore{pool: pool}
}

const (
	instanceUpsertSQL = `
INSERT INTO strategy_instances (
    id,
    project,
    strategy,
    instruments,
    params,
    state,
    last_error,
    updated_at
)
VALUES (@id, @project, @strategy, @instruments, @params::jsonb, @state, @last_error, @updated_at)
ON CONFLICT (id) DO UPDATE SET
    project = EXCLUDED.project,
    strategy = EXCLUDED.strategy,
    instruments = EXCLUDED.instruments,
    params = EXCLUDED.params,
    state = EXCLUDED.state,
    last_error = EXCLUDED.last_error,
    updated_at = EXCLUDED.updated_at
WHERE strategy_instances.updated_at <= EXCLUDED.updated_at;
`

	instanceSelectSQL = `
SELECT id, project, strategy, instruments, params, state, last_error, updated_at
FROM strategy_instances
ORDER BY id;
`
)

// SaveInstance upserts an instance status snapshot.
func (s *InstanceStore) SaveInstance(ctx context.Context, st schema.InstanceStatus) error {
	if s.pool == nil {
		return fmt.Errorf("instance store: nil pool")
	}
	if strings.TrimSpace(st.ID) == "" {
		return fmt.Errorf("instance store: instance id required")
	}
	params, err := encodeJSON(st.Params)
	if err != nil {
		return fmt.Errorf("instance store: encode params: %w", err)
	}
	instruments := st.Instruments
	if instruments == nil {
		instruments = []string{}
	}
	args := pgx.NamedArgs{
		"id":          st.ID,
		"project":     st.Project,
		"strategy":    st.Strategy,
		"instruments": instruments,
		"params":      params,
		"state":       string(st.State),
		"last_error":  st.LastError,
		"updated_at":  st.UpdatedAt,
	}
	if _, err := s.pool.Exec(ctx, instanceUpsertSQL, args); err != nil {
		return fmt.Errorf("instance store: upsert instance: %w", err)
	}
	return nil
}

// ListInstances returns every recorded instance.
func (s *InstanceStore) ListInstances(ctx context.Context) ([]schema.InstanceStatus, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("instance store: nil pool")
	}
	rows, err := s.pool.Query(ctx, instanceSelectSQL)
	if err != nil {
		return nil, fmt.Errorf("instance store: list instances: %w", err)
	}
	defer rows.Close()
	var out []schema.InstanceStatus
	for rows.Next() {
		var (
			st         schema.InstanceStatus
			paramsJSON []byte
			state      string
			lastError  pgtype.Text
		)
		if err := rows.Scan(&st.ID, &st.Project, &st.Strategy, &st.Instruments, &paramsJSON, &state, &lastError, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("instance store: scan instance: %w", err)
		}
		params, err := decodeJSON(paramsJSON)
		if err != nil {
			return nil, fmt.Errorf("instance store: decode params: %w", err)
		}
		st.Params = params
		st.State = schema.InstanceState(state)
		st.LastError = lastError.String
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("instance store: iterate instances: %w", err)
	}
	return out, nil
}
