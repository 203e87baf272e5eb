package datasource

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/quantflow/internal/domain/schema"
	"github.com/coachpo/quantflow/internal/infra/logging"
	"github.com/coachpo/quantflow/internal/infra/telemetry"
)

// Source produces one ordered event stream per instrument.
type Source interface {
	Subscribe(ctx context.Context, instrument string) <-chan schema.MarketEvent
}

// Hub shares one upstream subscription per instrument between many consumers.
// A consumer that falls behind loses events rather than stalling the others.
type Hub struct {
	src     Source
	buffer  int
	logger  *zap.Logger
	metrics *telemetry.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu     sync.Mutex
	next   uint64
	topics map[string]*topic
}

type topic struct {
	cancel context.CancelFunc
	subs   map[uint64]chan schema.MarketEvent
}

// NewHub wraps src. buffer sizes each consumer channel.
func NewHub(src Source, buffer int, logger *zap.Logger, metrics *telemetry.Metrics) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		src:     src,
		buffer:  buffer,
		logger:  logging.OrNop(logger).Named("hub"),
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		topics:  make(map[string]*topic),
	}
}

// Subscribe returns a channel of events for instrument that closes when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, instrument string) <-chan schema.MarketEvent {
	instrument = schema.NormalizeInstrument(instrument)
	ch := make(chan schema.MarketEvent, h.buffer)

	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		close(ch)
		return ch
	}
	t, ok := h.topics[instrument]
	if !ok {
		upCtx, cancel := context.WithCancel(h.ctx)
		t = &topic{cancel: cancel, subs: make(map[uint64]chan schema.MarketEvent)}
		h.topics[instrument] = t
		upstream := h.src.Subscribe(upCtx, instrument)
		h.wg.Go(func() { h.pump(instrument, t, upstream) })
		h.logger.Info("upstream subscribed", zap.String("instrument", instrument))
	}
	h.next++
	id := h.next
	t.subs[id] = ch
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-h.ctx.Done():
		}
		h.unsubscribe(instrument, t, id)
	}()
	return ch
}

func (h *Hub) unsubscribe(instrument string, t *topic, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := t.subs[id]
	if !ok {
		return
	}
	delete(t.subs, id)
	close(ch)
	if len(t.subs) == 0 && h.topics[instrument] == t {
		delete(h.topics, instrument)
		t.cancel()
		h.logger.Info("upstream released", zap.String("instrument", instrument))
	}
}

func (h *Hub) pump(instrument string, t *topic, upstream <-chan schema.MarketEvent) {
	for ev := range upstream {
		h.mu.Lock()
		for _, ch := range t.subs {
			select {
			case ch <- ev:
			default:
				h.metrics.Dropped(h.ctx, instrument)
			}
		}
		h.mu.Unlock()
	}
}

// Instruments reports instruments with a live upstream.
func (h *Hub) Instruments() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.topics))
	for instrument := range h.topics {
		out = append(out, instrument)
	}
	return out
}

// Close ends every subscription and waits for upstreams to drain.
func (h *Hub) Close() {
	h.cancel()
	h.wg.Wait()
}
