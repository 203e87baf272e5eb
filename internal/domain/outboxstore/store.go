// Package outboxstore defines persistence contracts for the durable journal outbox.
package outboxstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Entry is a journal record ready to be enqueued.
type Entry struct {
	Kind        string
	Project     string
	AggregateID string
	Payload     json.RawMessage
	Headers     map[string]any
	AvailableAt time.Time
}

// EntryRecord is the persisted state of an outbox entry.
type EntryRecord struct {
	ID          int64
	Kind        string
	Project     string
	AggregateID string
	Payload     json.RawMessage
	Headers     map[string]any
	AvailableAt time.Time
	PublishedAt *time.Time
	Attempts    int
	LastError   string
	Delivered   bool
	CreatedAt   time.Time
}

// Store abstracts persistence operations for the outbox.
type Store interface {
	Enqueue(ctx context.Context, entry Entry) (EntryRecord, error)
	ListPending(ctx context.Context, limit int) ([]EntryRecord, error)
	MarkDelivered(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, lastError string) error
	// Purge removes delivered entries published before cutoff.
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
}
