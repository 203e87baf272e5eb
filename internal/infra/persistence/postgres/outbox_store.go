package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/quantflow/internal/domain/outboxstore"
)

// OutboxStore persists journal records awaiting bus delivery.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

const (
	defaultOutboxLimit  = 128
	maxOutboxLimit      = 1024
	outboxRetryInterval = 30 * time.Second
)

const (
	outboxColumns = `
    id,
    kind,
    project,
    aggregate_id,
    payload,
    headers,
    available_at,
    published_at,
    attempts,
    last_error,
    delivered,
    created_at`

	outboxInsertSQL = `
INSERT INTO journal_outbox (
    kind,
    project,
    aggregate_id,
    payload,
    headers,
    available_at
)
VALUES ($1, $2, $3, COALESCE($4::jsonb, '{}'::jsonb), COALESCE($5::jsonb, '{}'::jsonb), $6)
RETURNING` + outboxColumns + `;`

	outboxListPendingSQL = `
SELECT` + outboxColumns + `
FROM journal_outbox
WHERE delivered = FALSE
  AND available_at <= NOW()
ORDER BY id ASC
LIMIT $1;
`

	outboxMarkDeliveredSQL = `
UPDATE journal_outbox
SET delivered = TRUE,
    published_at = NOW(),
    attempts = attempts + 1
WHERE id = $1;
`

	outboxMarkFailedSQL = `
UPDATE journal_outbox
SET attempts = attempts + 1,
    last_error = $2,
    available_at = $3
WHERE id = $1;
`

	outboxPurgeSQL = `
DELETE FROM journal_outbox
WHERE delivered = TRUE
  AND published_at < $1;
`
)

// Enqueue inserts a new record into the outbox.
func (s *OutboxStore) Enqueue(ctx context.Context, entry outboxstore.Entry) (outboxstore.EntryRecord, error) {
	if s.pool == nil {
		return outboxstore.EntryRecord{}, fmt.Errorf("outbox store: nil pool")
	}
	kind := strings.TrimSpace(entry.Kind)
	if kind == "" {
		return outboxstore.EntryRecord{}, fmt.Errorf("outbox store: kind required")
	}
	aggregateID := strings.TrimSpace(entry.AggregateID)
	if aggregateID == "" {
		return outboxstore.EntryRecord{}, fmt.Errorf("outbox store: aggregate id required")
	}
	payload := []byte(entry.Payload)
	if len(payload) == 0 {
		payload = nil
	}
	headers, err := encodeJSON(entry.Headers)
	if err != nil {
		return outboxstore.EntryRecord{}, fmt.Errorf("outbox store: encode headers: %w", err)
	}
	availableAt := entry.AvailableAt
	if availableAt.IsZero() || availableAt.After(time.Now()) {
		availableAt = time.Now()
	}
	row := s.pool.QueryRow(ctx, outboxInsertSQL, kind, strings.TrimSpace(entry.Project), aggregateID, payload, headers, availableAt)
	return scanOutboxRecord(row)
}

// ListPending returns undelivered records that are ready for replay, oldest first.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]outboxstore.EntryRecord, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	rows, err := s.pool.Query(ctx, outboxListPendingSQL, clampLimit(limit, defaultOutboxLimit, maxOutboxLimit))
	if err != nil {
		return nil, fmt.Errorf("outbox store: list pending: %w", err)
	}
	defer rows.Close()

	var records []outboxstore.EntryRecord
	for rows.Next() {
		record, err := scanOutboxRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate pending: %w", err)
	}
	return records, nil
}

// MarkDelivered flags a stored record as successfully published.
func (s *OutboxStore) MarkDelivered(ctx context.Context, id int64) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, outboxMarkDeliveredSQL, id)
	if err != nil {
		return fmt.Errorf("outbox store: mark delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark delivered: no rows updated")
	}
	return nil
}

// MarkFailed records a failed publish attempt and schedules a retry.
func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, lastError string) error {
	if s.pool == nil {
		return fmt.Errorf("outbox store: nil pool")
	}
	nextAttempt := time.Now().Add(outboxRetryInterval)
	tag, err := s.pool.Exec(ctx, outboxMarkFailedSQL, id, strings.TrimSpace(lastError), nextAttempt)
	if err != nil {
		return fmt.Errorf("outbox store: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox store: mark failed: no rows updated")
	}
	return nil
}

// Purge deletes delivered records published before cutoff.
func (s *OutboxStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("outbox store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, outboxPurgeSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("outbox store: purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanOutboxRecord(row rowScanner) (outboxstore.EntryRecord, error) {
	var (
		record      outboxstore.EntryRecord
		project     pgtype.Text
		payloadJSON []byte
		headerJSON  []byte
		publishedAt pgtype.Timestamptz
		lastError   pgtype.Text
	)
	if err := row.Scan(
		&record.ID,
		&record.Kind,
		&project,
		&record.AggregateID,
		&payloadJSON,
		&headerJSON,
		&record.AvailableAt,
		&publishedAt,
		&record.Attempts,
		&lastError,
		&record.Delivered,
		&record.CreatedAt,
	); err != nil {
		return outboxstore.EntryRecord{}, fmt.Errorf("outbox store: scan record: %w", err)
	}
	record.Project = project.String
	if publishedAt.Valid {
		t := publishedAt.Time
		record.PublishedAt = &t
	}
	if lastError.Valid {
		record.LastError = lastError.String
	}
	headers, err := decodeJSON(headerJSON)
	if err != nil {
		return outboxstore.EntryRecord{}, fmt.Errorf("outbox store: decode headers: %w", err)
	}
	record.Payload = payloadJSON
	record.Headers = headers
	return record, nil
}

var _ outboxstore.Store = (*OutboxStore)(nil)
