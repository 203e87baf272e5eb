package eventbus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/coachpo/quantflow/internal/domain/schema"
)

func signalRec(id string) schema.Record {
	return schema.SignalRecord(schema.Signal{ID: id, Project: "alpha"})
}

func receive(t *testing.T, ch <-chan schema.Record) schema.Record {
	t.Helper()
	select {
	case rec, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return rec
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for record")
		return schema.Record{}
	}
}

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()
	if err := bus.Publish(context.Background(), signalRec("s1")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMemoryBusPublishRequiresKind(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()
	if err := bus.Publish(context.Background(), schema.Record{}); err == nil {
		t.Fatal("expected error for record without kind")
	}
}

func TestMemoryBusFiltersByKind(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10, FanoutWorkers: 2})
	defer bus.Close()
	ctx := context.Background()

	_, signals, err := bus.Subscribe(ctx, schema.RecordSignal)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, all, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(ctx, schema.HaltRecord(schema.HaltEvent{Project: "alpha", Halted: true})); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx, signalRec("s1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if rec := receive(t, signals); rec.Kind != schema.RecordSignal || rec.Signal.ID != "s1" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec := receive(t, all); rec.Kind != schema.RecordHalt {
		t.Fatalf("expected halt first, got %s", rec.Kind)
	}
	if rec := receive(t, all); rec.Kind != schema.RecordSignal {
		t.Fatalf("expected signal second, got %s", rec.Kind)
	}
}

func TestMemoryBusPreservesPublishOrder(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 64, FanoutWorkers: 4})
	defer bus.Close()
	ctx := context.Background()
	var chans []<-chan schema.Record
	for i := 0; i < 3; i++ {
		_, ch, err := bus.Subscribe(ctx, schema.RecordSignal)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		chans = append(chans, ch)
	}
	for i := 0; i < 20; i++ {
		if err := bus.Publish(ctx, signalRec(fmt.Sprintf("s%02d", i))); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	for _, ch := range chans {
		for i := 0; i < 20; i++ {
			if rec := receive(t, ch); rec.Signal.ID != fmt.Sprintf("s%02d", i) {
				t.Fatalf("out of order: want s%02d got %s", i, rec.Signal.ID)
			}
		}
	}
}

func TestMemoryBusDropsOldestWhenFull(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 2})
	defer bus.Close()
	ctx := context.Background()
	_, ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if err := bus.Publish(ctx, signalRec(id)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if rec := receive(t, ch); rec.Signal.ID != "b" {
		t.Fatalf("expected oldest dropped, got %s", rec.Signal.ID)
	}
	if rec := receive(t, ch); rec.Signal.ID != "c" {
		t.Fatalf("expected newest retained, got %s", rec.Signal.ID)
	}
}

func TestMemoryBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()
	id, ch, err := bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Unsubscribe(id)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	bus.Unsubscribe(id)
}

func TestMemoryBusContextCancelUnsubscribes(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	_, ch, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestMemoryBusClosedRejectsPublish(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	bus.Close()
	if err := bus.Publish(context.Background(), signalRec("s1")); err == nil {
		t.Fatal("expected error publishing to closed bus")
	}
	if _, _, err := bus.Subscribe(context.Background()); err == nil {
		t.Fatal("expected error subscribing to closed bus")
	}
}
