package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/quantflow/internal/domain/schema"
	"github.com/coachpo/quantflow/internal/infra/bus/eventbus"
)

type collectBus struct {
	mu    sync.Mutex
	recs  []schema.Record
	fail  bool
	delay time.Duration
}

func (b *collectBus) Publish(_ context.Context, rec schema.Record) error {
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("bus down")
	}
	b.recs = append(b.recs, rec)
	return nil
}

func (*collectBus) Subscribe(context.Context, ...schema.RecordKind) (eventbus.SubscriptionID, <-chan schema.Record, error) {
	return "", nil, errors.New("not supported")
}

func (*collectBus) Unsubscribe(eventbus.SubscriptionID) {}

func (*collectBus) Close() {}

func (b *collectBus) records() []schema.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]schema.Record(nil), b.recs...)
}

func TestJournalPublishesInAppendOrder(t *testing.T) {
	bus := &collectBus{}
	j := NewJournal(bus, nil)
	for i := 0; i < 50; i++ {
		j.Append(schema.SignalRecord(schema.Signal{ID: fmt.Sprintf("s%02d", i), Project: "alpha"}))
	}
	require.NoError(t, j.Close(context.Background()))
	require.Equal(t, uint64(50), j.Seq())

	recs := bus.records()
	require.Len(t, recs, 50)
	for i, rec := range recs {
		require.Equal(t, uint64(i+1), rec.Seq)
		require.Equal(t, fmt.Sprintf("s%02d", i), rec.Signal.ID)
		require.NotEmpty(t, rec.ID)
	}
}

func TestJournalDropsAfterClose(t *testing.T) {
	bus := &collectBus{}
	j := NewJournal(bus, nil)
	require.NoError(t, j.Close(context.Background()))
	j.Append(schema.HaltRecord(schema.HaltEvent{Project: "alpha", Halted: true}))
	require.Empty(t, bus.records())
	require.Equal(t, uint64(0), j.Seq())
}

func TestJournalSurvivesPublishFailures(t *testing.T) {
	bus := &collectBus{fail: true}
	j := NewJournal(bus, nil)
	j.Append(schema.HaltRecord(schema.HaltEvent{Project: "alpha", Halted: true}))
	require.NoError(t, j.Close(context.Background()))
	require.Empty(t, bus.records())
}

func TestJournalCloseHonoursDeadline(t *testing.T) {
	bus := &collectBus{delay: 50 * time.Millisecond}
	j := NewJournal(bus, nil)
	for i := 0; i < 20; i++ {
		j.Append(schema.HaltRecord(schema.HaltEvent{Project: "alpha"}))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, j.Close(ctx), context.DeadlineExceeded)
	require.Less(t, len(bus.records()), 20)
}
