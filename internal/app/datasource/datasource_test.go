package datasource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/quantflow/internal/domain/schema"
)

// scriptedFeed hands out one scripted connection per Connect call.
type scriptedFeed struct {
	mu       sync.Mutex
	sessions [][]schema.MarketEvent
	dialErrs int
	connects int
}

func (f *scriptedFeed) Name() string { return "scripted" }

func (f *scriptedFeed) Connect(ctx context.Context, instrument string) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.dialErrs > 0 {
		f.dialErrs--
		return nil, errors.New("dial refused")
	}
	if len(f.sessions) == 0 {
		return &scriptedStream{block: true}, nil
	}
	events := f.sessions[0]
	f.sessions = f.sessions[1:]
	return &scriptedStream{events: events}, nil
}

type scriptedStream struct {
	events []schema.MarketEvent
	block  bool
}

func (s *scriptedStream) Recv(ctx context.Context) (schema.MarketEvent, error) {
	if len(s.events) == 0 {
		if s.block {
			<-ctx.Done()
			return schema.MarketEvent{}, ctx.Err()
		}
		return schema.MarketEvent{}, errors.New("connection reset")
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func (s *scriptedStream) Close() error { return nil }

func trade(seq uint64, price int64) schema.MarketEvent {
	return schema.MarketEvent{Instrument: "BTC-USDT", Kind: schema.EventKindTrade, Seq: seq, Price: decimal.NewFromInt(price), Session: "s1"}
}

func collect(t *testing.T, ch <-chan schema.MarketEvent, n int) []schema.MarketEvent {
	t.Helper()
	out := make([]schema.MarketEvent, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed after %d events", len(out))
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func fastConfig() Config {
	return Config{BufferSize: 16, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
}

func TestSubscribeDropsDuplicatesAndOutOfOrder(t *testing.T) {
	feed := &scriptedFeed{sessions: [][]schema.MarketEvent{{trade(1, 100), trade(2, 101), trade(2, 101), trade(1, 99), trade(3, 102)}}}
	adapter := NewAdapter(feed, fastConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := collect(t, adapter.Subscribe(ctx, "btc-usdt"), 4)
	wantSeq := []uint64{1, 2, 3}
	for i, want := range wantSeq {
		if events[i].Seq != want {
			t.Fatalf("event %d: expected seq %d, got %d", i, want, events[i].Seq)
		}
	}
	if events[3].Kind != schema.EventKindDisconnected {
		t.Fatalf("expected disconnect notice after stream ends, got %s", events[3].Kind)
	}
}

func TestReconnectEmitsNoticesAndKeepsChannelOpen(t *testing.T) {
	feed := &scriptedFeed{
		sessions: [][]schema.MarketEvent{
			{trade(1, 100), trade(2, 101)},
			{trade(2, 101), trade(3, 103)},
		},
		dialErrs: 0,
	}
	adapter := NewAdapter(feed, fastConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := collect(t, adapter.Subscribe(ctx, "BTC-USDT"), 5)
	kinds := []schema.EventKind{
		schema.EventKindTrade, schema.EventKindTrade,
		schema.EventKindDisconnected, schema.EventKindReconnected,
		schema.EventKindTrade,
	}
	for i, want := range kinds {
		if events[i].Kind != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, events[i].Kind)
		}
	}
	if events[4].Seq != 3 {
		t.Fatalf("replayed seq 2 must be dropped after reconnect, got seq %d", events[4].Seq)
	}
}

func TestNewSessionResetsBaseline(t *testing.T) {
	restarted := trade(1, 90)
	restarted.Session = "s2"
	feed := &scriptedFeed{sessions: [][]schema.MarketEvent{{trade(5, 100)}, {restarted}}}
	adapter := NewAdapter(feed, fastConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := collect(t, adapter.Subscribe(ctx, "BTC-USDT"), 4)
	if events[3].Seq != 1 || events[3].Session != "s2" {
		t.Fatalf("expected restarted session event, got %+v", events[3])
	}
}

func TestDialFailuresRetryWithBackoff(t *testing.T) {
	feed := &scriptedFeed{sessions: [][]schema.MarketEvent{{trade(1, 100)}}, dialErrs: 3}
	adapter := NewAdapter(feed, fastConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := collect(t, adapter.Subscribe(ctx, "BTC-USDT"), 1)
	if events[0].Seq != 1 {
		t.Fatalf("expected first trade after retries, got %+v", events[0])
	}
	feed.mu.Lock()
	connects := feed.connects
	feed.mu.Unlock()
	if connects < 4 {
		t.Fatalf("expected at least 4 connect attempts, got %d", connects)
	}
}

func TestChannelClosesOnCancel(t *testing.T) {
	feed := &scriptedFeed{}
	adapter := NewAdapter(feed, fastConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	ch := adapter.Subscribe(ctx, "BTC-USDT")
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected no events")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after cancel")
	}
}

func TestSequencerNoticesDoNotMoveBaseline(t *testing.T) {
	var s Sequencer
	if !s.Accept(trade(4, 1)) {
		t.Fatalf("first event must be accepted")
	}
	if !s.Accept(schema.MarketEvent{Kind: schema.EventKindDisconnected}) {
		t.Fatalf("notices must be accepted")
	}
	if s.Accept(trade(4, 1)) {
		t.Fatalf("duplicate must be dropped")
	}
	if s.Last() != 4 {
		t.Fatalf("expected baseline 4, got %d", s.Last())
	}
}
