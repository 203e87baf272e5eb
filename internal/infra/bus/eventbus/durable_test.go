package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/quantflow/internal/domain/outboxstore"
	"github.com/coachpo/quantflow/internal/domain/schema"
)

func TestNewDurableBusReturnsInnerWhenStoreNil(t *testing.T) {
	inner := &stubBus{}
	wrapped := NewDurableBus(inner, nil)
	if wrapped != inner {
		t.Fatalf("expected original bus when store nil")
	}
}

func TestDurableBusPublishPersistsAndMarksDelivered(t *testing.T) {
	inner := &stubBus{}
	store := &fakeOutboxStore{}
	bus := NewDurableBus(inner, store, WithReplayDisabled())
	rec := schema.SignalRecord(schema.Signal{ID: "sig-1", Project: "alpha", State: schema.SignalConfirmed})
	rec.Seq = 3
	if err := bus.Publish(context.Background(), rec); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if len(inner.published) != 1 {
		t.Fatalf("expected publish delegation, got %d", len(inner.published))
	}
	if len(store.delivered) != 1 || len(store.failed) != 0 {
		t.Fatalf("expected one delivered marker, got delivered=%v failed=%v", store.delivered, store.failed)
	}
	entry := store.enqueued[0]
	if entry.Kind != "signal" || entry.AggregateID != "sig-1" || entry.Project != "alpha" {
		t.Fatalf("unexpected outbox entry %+v", entry)
	}
	bus.Close()
}

func TestDurableBusPublishRecordsFailure(t *testing.T) {
	pubErr := errors.New("publish failed")
	inner := &stubBus{publishErr: pubErr}
	store := &fakeOutboxStore{}
	bus := NewDurableBus(inner, store, WithReplayDisabled())
	err := bus.Publish(context.Background(), schema.HaltRecord(schema.HaltEvent{Project: "alpha", Halted: true}))
	if !errors.Is(err, pubErr) {
		t.Fatalf("expected publish error, got %v", err)
	}
	if len(store.failed) != 1 || len(store.delivered) != 0 {
		t.Fatalf("expected failure recorded, got delivered=%v failed=%v", store.delivered, store.failed)
	}
	bus.Close()
}

func TestDurableBusReplayRestoresRecord(t *testing.T) {
	inner := &stubBus{}
	store := &fakeOutboxStore{}
	wrapped := NewDurableBus(inner, store, WithReplayDisabled())
	durable := wrapped.(*DurableBus)

	order := schema.Order{
		ID:             "ord-1",
		Project:        "alpha",
		Instrument:     "BTC-USDT",
		Side:           schema.SideBuy,
		Quantity:       decimal.RequireFromString("0.12345678901234567890"),
		FilledQuantity: decimal.RequireFromString("0.1"),
		State:          schema.OrderPartiallyFilled,
	}
	rec := schema.OrderRecord(order)
	rec.Seq = 9007199254740995
	raw, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("encode record: %v", err)
	}
	store.pending = []outboxstore.EntryRecord{{ID: 42, Kind: "order", Payload: raw}}

	durable.replayPending(context.Background())

	if len(inner.published) != 1 {
		t.Fatalf("expected replayed publish, got %d", len(inner.published))
	}
	replayed := inner.published[0]
	if replayed.Seq != rec.Seq {
		t.Fatalf("seq mismatch: want %d got %d", rec.Seq, replayed.Seq)
	}
	if replayed.Order == nil || !replayed.Order.Quantity.Equal(order.Quantity) || replayed.Order.State != schema.OrderPartiallyFilled {
		t.Fatalf("order payload not restored: %+v", replayed.Order)
	}
	if len(store.delivered) != 1 || store.delivered[0] != 42 {
		t.Fatalf("expected delivered marker for 42, got %v", store.delivered)
	}
}

func TestDurableBusReplayMarksUndecodableEntries(t *testing.T) {
	inner := &stubBus{}
	store := &fakeOutboxStore{pending: []outboxstore.EntryRecord{{ID: 7, Payload: json.RawMessage(`{"kind":`)}}}
	durable := NewDurableBus(inner, store, WithReplayDisabled()).(*DurableBus)
	durable.replayPending(context.Background())
	if len(store.failed) != 1 || len(inner.published) != 0 {
		t.Fatalf("expected failure marker only, got failed=%v published=%d", store.failed, len(inner.published))
	}
}

func TestDurableBusPurgesDeliveredEntries(t *testing.T) {
	store := &fakeOutboxStore{}
	durable := NewDurableBus(&stubBus{}, store, WithReplayDisabled(), WithRetention(time.Hour)).(*DurableBus)
	durable.purge(context.Background())
	if store.purgedBefore.IsZero() || time.Since(store.purgedBefore) < 59*time.Minute {
		t.Fatalf("expected purge cutoff an hour back, got %v", store.purgedBefore)
	}
}

type stubBus struct {
	published  []schema.Record
	publishErr error
}

func (s *stubBus) Publish(_ context.Context, rec schema.Record) error {
	if s.publishErr != nil {
		return s.publishErr
	}
	s.published = append(s.published, rec)
	return nil
}

func (*stubBus) Subscribe(context.Context, ...schema.RecordKind) (SubscriptionID, <-chan schema.Record, error) {
	return "stub", make(chan schema.Record), nil
}

func (*stubBus) Unsubscribe(SubscriptionID) {}

func (*stubBus) Close() {}

type fakeOutboxStore struct {
	nextID       int64
	enqueued     []outboxstore.Entry
	delivered    []int64
	failed       []int64
	pending      []outboxstore.EntryRecord
	purgedBefore time.Time
}

func (s *fakeOutboxStore) Enqueue(_ context.Context, entry outboxstore.Entry) (outboxstore.EntryRecord, error) {
	s.nextID++
	s.enqueued = append(s.enqueued, entry)
	return outboxstore.EntryRecord{ID: s.nextID, Kind: entry.Kind, Payload: entry.Payload}, nil
}

func (s *fakeOutboxStore) ListPending(context.Context, int) ([]outboxstore.EntryRecord, error) {
	batch := s.pending
	s.pending = nil
	return batch, nil
}

func (s *fakeOutboxStore) MarkDelivered(_ context.Context, id int64) error {
	s.delivered = append(s.delivered, id)
	return nil
}

func (s *fakeOutboxStore) MarkFailed(_ context.Context, id int64, _ string) error {
	s.failed = append(s.failed, id)
	return nil
}

func (s *fakeOutboxStore) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	s.purgedBefore = cutoff
	return 0, nil
}
