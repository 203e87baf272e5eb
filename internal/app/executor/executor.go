// Package executor dispatches orders to venues and folds venue fills back into
// orders and positions.
package executor

import (
	"context"
	"time"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/app/ledger"
	"github.com/coachpo/quantflow/internal/domain/schema"
)

// Executor is the venue-account capability.
type Executor interface {
	Name() string
	// Submit places the order. Errors with code venue_error are definite venue
	// rejections; any other error leaves the outcome unknown.
	Submit(ctx context.Context, order schema.Order) (Ack, error)
	Cancel(ctx context.Context, order schema.Order) error
	// Query looks the order up by its client id.
	Query(ctx context.Context, order schema.Order) (Status, error)
	// Fills streams executions for orders placed through this executor.
	Fills() <-chan schema.Fill
}

// Ack is a venue acknowledgement.
type Ack struct {
	VenueOrderID string
}

// Status is a venue's view of an order.
type Status struct {
	Found        bool
	VenueOrderID string
	State        schema.OrderState
	Detail       string
}

// Config tunes one executor lane.
type Config struct {
	RequestTimeout time.Duration
	MaxRetries     int
	RetryInterval  time.Duration
	RatePerSecond  float64
	Burst          int
	QueueSize      int
}

func (c *Config) normalize() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 200 * time.Millisecond
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
}

// Positions is the ledger surface the dispatcher mutates.
type Positions interface {
	Reserve(order schema.Order) schema.Position
	Release(project, instrument, orderID string) schema.Position
	ApplyFill(ctx context.Context, fill ledger.Fill, commit ledger.CommitFunc) (schema.Position, error)
}

// Store persists orders and fills. CommitFill must write the order, the fill and
// the position in one transaction.
type Store interface {
	SaveOrder(ctx context.Context, order schema.Order) error
	CommitFill(ctx context.Context, order schema.Order, fill schema.Fill, pos schema.Position) error
}

// IsVenueRejection reports whether err is a definite venue refusal.
func IsVenueRejection(err error) bool {
	return errs.CodeOf(err) == errs.CodeVenue
}
