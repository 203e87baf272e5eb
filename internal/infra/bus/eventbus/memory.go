package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/domain/schema"
	"github.com/coachpo/quantflow/internal/infra/logging"
	"github.com/coachpo/quantflow/internal/infra/telemetry"
)

// MemoryBus is an in-memory implementation of the journal bus. Publishes are
// delivered to each subscriber in call order; a full subscriber buffer drops
// its oldest record.
type MemoryBus struct {
	cfg    MemoryConfig
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	publishedCounter metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
	droppedCounter   metric.Int64Counter
	fanoutHistogram  metric.Int64Histogram
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	kinds  map[schema.RecordKind]struct{}
	ch     chan schema.Record
	mu     sync.Mutex
	closed bool
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := &MemoryBus{
		cfg:         cfg,
		logger:      logging.OrNop(cfg.Logger).Named("eventbus"),
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[SubscriptionID]*subscriber),
	}

	meter := otel.Meter("eventbus")
	bus.publishedCounter, _ = meter.Int64Counter("quantflow.eventbus.published",
		metric.WithDescription("Journal records published to the bus"),
		metric.WithUnit("{record}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("quantflow.eventbus.subscribers",
		metric.WithDescription("Active bus subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.droppedCounter, _ = meter.Int64Counter("quantflow.eventbus.dropped",
		metric.WithDescription("Records dropped due to subscriber backpressure"),
		metric.WithUnit("{record}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("quantflow.eventbus.fanout",
		metric.WithDescription("Subscribers per published record"),
		metric.WithUnit("{subscriber}"))
	return bus
}

// Publish fans the record out to every subscriber of its kind.
func (b *MemoryBus) Publish(ctx context.Context, rec schema.Record) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if rec.Kind == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("record kind required"))
	}
	if b.ctx.Err() != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.wants(rec.Kind) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrEventType.String(string(rec.Kind)))
	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(targets)), attrs)
	}
	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, attrs)
	}
	switch len(targets) {
	case 0:
		return nil
	case 1:
		b.deliver(ctx, targets[0], rec)
		return nil
	}

	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	for _, sub := range targets {
		p.Go(func() { b.deliver(ctx, sub, rec) })
	}
	p.Wait()
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, rec schema.Record) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.ch <- rec:
		return
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	if b.droppedCounter != nil {
		b.droppedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			telemetry.AttrEventType.String(string(rec.Kind))))
	}
	b.logger.Warn("subscriber buffer full, dropped oldest record", zap.String("kind", string(rec.Kind)))
	select {
	case sub.ch <- rec:
	default:
	}
}

// Subscribe registers for records of the given kinds.
func (b *MemoryBus) Subscribe(ctx context.Context, kinds ...schema.RecordKind) (SubscriptionID, <-chan schema.Record, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.ctx.Err() != nil {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		ctx:    ctx,
		cancel: cancel,
		ch:     make(chan schema.Record, b.cfg.BufferSize),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[schema.RecordKind]struct{}, len(kinds))
		for _, kind := range kinds {
			sub.kinds[kind] = struct{}{}
		}
	}
	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	b.subscribers[id] = sub
	b.mu.Unlock()
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}

	go func() {
		select {
		case <-sub.ctx.Done():
		case <-b.ctx.Done():
		}
		b.Unsubscribe(id)
	}()
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()
	if !ok {
		return
	}
	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
	sub.close()
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		subs := b.subscribers
		b.subscribers = make(map[SubscriptionID]*subscriber)
		b.mu.Unlock()
		for _, sub := range subs {
			sub.close()
		}
	})
}

func (s *subscriber) wants(kind schema.RecordKind) bool {
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.cancel()
	close(s.ch)
}

var _ Bus = (*MemoryBus)(nil)
