package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/coachpo/quantflow/internal/domain/outboxstore"
	"github.com/coachpo/quantflow/internal/domain/schema"
)

// DurableOption configures the durable bus wrapper.
type DurableOption func(*DurableBus)

// WithDurableLogger overrides the logger used by the durable bus.
func WithDurableLogger(logger *zap.Logger) DurableOption {
	return func(b *DurableBus) {
		if logger != nil {
			b.logger = logger.Named("eventbus.durable")
		}
	}
}

// WithReplayInterval tweaks the polling cadence for replaying undelivered records.
func WithReplayInterval(interval time.Duration) DurableOption {
	return func(b *DurableBus) {
		if interval > 0 {
			b.replayInterval = interval
		}
	}
}

// WithReplayBatchSize configures the number of rows fetched per replay tick.
func WithReplayBatchSize(size int) DurableOption {
	return func(b *DurableBus) {
		if size > 0 {
			b.replayBatchSize = size
		}
	}
}

// WithRetention purges delivered entries older than d on every replay tick.
func WithRetention(d time.Duration) DurableOption {
	return func(b *DurableBus) {
		b.retention = d
	}
}

// WithReplayDisabled skips starting the background replay worker.
func WithReplayDisabled() DurableOption {
	return func(b *DurableBus) {
		b.replayDisabled = true
	}
}

// DurableBus persists every record to the outbox before fanning it out, and
// replays records whose delivery was not confirmed.
type DurableBus struct {
	inner Bus
	store outboxstore.Store

	logger          *zap.Logger
	replayInterval  time.Duration
	replayBatchSize int
	replayDisabled  bool
	retention       time.Duration

	replayCtx    context.Context
	replayCancel context.CancelFunc
	replayWG     sync.WaitGroup
}

const (
	defaultReplayInterval  = 5 * time.Second
	defaultReplayBatchSize = 128
)

// NewDurableBus wraps inner with outbox persistence. When store is nil the
// original bus is returned unmodified.
func NewDurableBus(inner Bus, store outboxstore.Store, opts ...DurableOption) Bus {
	if inner == nil {
		return nil
	}
	if store == nil {
		return inner
	}
	durable := &DurableBus{
		inner:           inner,
		store:           store,
		logger:          zap.NewNop(),
		replayInterval:  defaultReplayInterval,
		replayBatchSize: defaultReplayBatchSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(durable)
		}
	}
	if !durable.replayDisabled {
		durable.startReplayWorker()
	}
	return durable
}

// Publish persists the record to the outbox before delegating to the inner bus.
func (b *DurableBus) Publish(ctx context.Context, rec schema.Record) error {
	ctx = safeContext(ctx)
	recordID, err := b.enqueue(ctx, rec)
	if err != nil {
		return err
	}
	if err := b.inner.Publish(ctx, rec); err != nil {
		b.markFailure(ctx, recordID, err)
		return fmt.Errorf("durable bus publish: %w", err)
	}
	if err := b.store.MarkDelivered(ctx, recordID); err != nil {
		b.logger.Warn("mark delivered failed", zap.Int64("outbox_id", recordID), zap.Error(err))
		return fmt.Errorf("durable bus mark delivered: %w", err)
	}
	return nil
}

// Subscribe delegates to the inner bus.
func (b *DurableBus) Subscribe(ctx context.Context, kinds ...schema.RecordKind) (SubscriptionID, <-chan schema.Record, error) {
	id, ch, err := b.inner.Subscribe(ctx, kinds...)
	if err != nil {
		return "", nil, fmt.Errorf("durable bus subscribe: %w", err)
	}
	return id, ch, nil
}

// Unsubscribe delegates to the inner bus.
func (b *DurableBus) Unsubscribe(id SubscriptionID) {
	b.inner.Unsubscribe(id)
}

// Close stops the replay worker before closing the inner bus.
func (b *DurableBus) Close() {
	if b.replayCancel != nil {
		b.replayCancel()
		b.replayWG.Wait()
	}
	b.inner.Close()
}

func (b *DurableBus) startReplayWorker() {
	ctx, cancel := context.WithCancel(context.Background())
	b.replayCtx = ctx
	b.replayCancel = cancel
	b.replayWG.Add(1)
	go func() {
		defer b.replayWG.Done()
		ticker := time.NewTicker(b.replayInterval)
		defer ticker.Stop()
		b.replayPending(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.replayPending(ctx)
				b.purge(ctx)
			}
		}
	}()
}

func (b *DurableBus) replayPending(ctx context.Context) {
	entries, err := b.store.ListPending(ctx, b.replayBatchSize)
	if err != nil {
		b.logger.Warn("outbox replay list failed", zap.Error(err))
		return
	}
	for _, entry := range entries {
		var rec schema.Record
		if err := json.Unmarshal(entry.Payload, &rec); err != nil {
			b.logger.Error("outbox replay decode failed", zap.Int64("outbox_id", entry.ID), zap.Error(err))
			_ = b.store.MarkFailed(ctx, entry.ID, err.Error())
			continue
		}
		if err := b.inner.Publish(ctx, rec); err != nil {
			b.logger.Warn("outbox replay publish failed", zap.Int64("outbox_id", entry.ID), zap.Error(err))
			_ = b.store.MarkFailed(ctx, entry.ID, err.Error())
			continue
		}
		if err := b.store.MarkDelivered(ctx, entry.ID); err != nil {
			b.logger.Warn("outbox replay mark delivered failed", zap.Int64("outbox_id", entry.ID), zap.Error(err))
		}
	}
}

func (b *DurableBus) purge(ctx context.Context) {
	if b.retention <= 0 {
		return
	}
	removed, err := b.store.Purge(ctx, time.Now().Add(-b.retention))
	if err != nil {
		b.logger.Warn("outbox purge failed", zap.Error(err))
		return
	}
	if removed > 0 {
		b.logger.Debug("outbox purged", zap.Int64("rows", removed))
	}
}

func (b *DurableBus) enqueue(ctx context.Context, rec schema.Record) (int64, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("durable bus: encode record: %w", err)
	}
	headers := map[string]any{}
	if trimmed := strings.TrimSpace(rec.ID); trimmed != "" {
		headers["recordId"] = trimmed
	}
	if rec.Seq > 0 {
		headers["seq"] = rec.Seq
	}
	entry, err := b.store.Enqueue(ctx, outboxstore.Entry{
		Kind:        string(rec.Kind),
		Project:     rec.Project,
		AggregateID: rec.AggregateID(),
		Payload:     payload,
		Headers:     headers,
		AvailableAt: rec.Time,
	})
	if err != nil {
		return 0, fmt.Errorf("durable bus enqueue: %w", err)
	}
	return entry.ID, nil
}

func (b *DurableBus) markFailure(ctx context.Context, id int64, publishErr error) {
	if id == 0 {
		return
	}
	msg := "publish failed"
	if publishErr != nil && strings.TrimSpace(publishErr.Error()) != "" {
		msg = publishErr.Error()
	}
	if err := b.store.MarkFailed(ctx, id, msg); err != nil {
		b.logger.Warn("outbox mark failed error", zap.Int64("outbox_id", id), zap.Error(err))
	}
}

func safeContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

var _ Bus = (*DurableBus)(nil)
