// Package fake provides a random-walk market data feed for paper trading and tests.
package fake

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/quantflow/internal/app/datasource"
	"github.com/coachpo/quantflow/internal/domain/schema"
)

const defaultSpreadBps = 2.0

// Options configures the fake feed.
type Options struct {
	TickInterval  time.Duration
	StartPrices   map[string]decimal.Decimal
	VolatilityBps float64
	Seed          int64
}

// Feed emits a geometric random walk per instrument. Prices persist across reconnects.
type Feed struct {
	opts Options

	mu     sync.Mutex
	rng    *rand.Rand
	prices map[string]float64
}

// NewFeed constructs a fake feed.
func NewFeed(opts Options) *Feed {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.VolatilityBps <= 0 {
		opts.VolatilityBps = 5
	}
	seed := uint64(opts.Seed)
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	prices := make(map[string]float64, len(opts.StartPrices))
	for symbol, p := range opts.StartPrices {
		prices[schema.NormalizeInstrument(symbol)] = p.InexactFloat64()
	}
	return &Feed{
		opts:   opts,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		prices: prices,
	}
}

// Name implements datasource.Feed.
func (f *Feed) Name() string { return "fake" }

// Connect implements datasource.Feed. Each connection is a new session with sequence numbers from 1.
func (f *Feed) Connect(ctx context.Context, instrument string) (datasource.Stream, error) {
	instrument = schema.NormalizeInstrument(instrument)
	f.mu.Lock()
	_, ok := f.prices[instrument]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fake feed: no start price for %s", instrument)
	}
	return &stream{
		feed:       f,
		instrument: instrument,
		session:    uuid.NewString(),
		ticker:     time.NewTicker(f.opts.TickInterval),
	}, nil
}

func (f *Feed) step(instrument string) (price, spread float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	last := f.prices[instrument]
	shock := f.rng.NormFloat64() * f.opts.VolatilityBps / 10_000
	next := last * math.Exp(shock)
	f.prices[instrument] = next
	return next, next * defaultSpreadBps / 10_000
}

type stream struct {
	feed       *Feed
	instrument string
	session    string
	seq        uint64
	ticker     *time.Ticker
}

func (s *stream) Recv(ctx context.Context) (schema.MarketEvent, error) {
	select {
	case <-ctx.Done():
		return schema.MarketEvent{}, ctx.Err()
	case now := <-s.ticker.C:
		price, spread := s.feed.step(s.instrument)
		s.seq++
		p := decimal.NewFromFloat(price).Round(8)
		half := decimal.NewFromFloat(spread / 2).Round(8)
		return schema.MarketEvent{
			Instrument: s.instrument,
			Kind:       schema.EventKindTrade,
			Seq:        s.seq,
			Time:       now,
			Price:      p,
			Quantity:   decimal.NewFromFloat(0.01 + s.feed.uniform()).Round(6),
			Bid:        p.Sub(half),
			Ask:        p.Add(half),
			Session:    s.session,
		}, nil
	}
}

func (s *stream) Close() error {
	s.ticker.Stop()
	return nil
}

func (f *Feed) uniform() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rng.Float64()
}
