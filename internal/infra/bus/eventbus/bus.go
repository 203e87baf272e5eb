// Package eventbus fans journal records out to in-process subscribers.
package eventbus

import (
	"context"

	"go.uber.org/zap"

	"github.com/coachpo/quantflow/internal/domain/schema"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers journal records to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, rec schema.Record) error
	// Subscribe registers for the given kinds; no kinds subscribes to everything.
	Subscribe(ctx context.Context, kinds ...schema.RecordKind) (SubscriptionID, <-chan schema.Record, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
	Logger        *zap.Logger
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
