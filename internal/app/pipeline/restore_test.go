package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/app/strategy"
	"github.com/coachpo/quantflow/internal/domain/schema"
	"github.com/coachpo/quantflow/internal/infra/bus/eventbus"
)

type memoryStore struct {
	mu        sync.Mutex
	orders    map[string]schema.Order
	fills     []schema.Fill
	positions map[schema.PositionKey]schema.Position
	limits    []schema.RiskLimit
	halts     []schema.HaltEvent
	deposits  map[string]decimal.Decimal
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		orders:    make(map[string]schema.Order),
		positions: make(map[schema.PositionKey]schema.Position),
	}
}

func (s *memoryStore) SaveOrder(_ context.Context, order schema.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
	return nil
}

func (s *memoryStore) CommitFill(_ context.Context, order schema.Order, fill schema.Fill, pos schema.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
	s.fills = append(s.fills, fill)
	s.positions[pos.Key()] = pos
	return nil
}

func (s *memoryStore) ListPositions(_ context.Context, project string) ([]schema.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.Position
	for _, pos := range s.positions {
		if project == "" || pos.Project == project {
			out = append(out, pos)
		}
	}
	return out, nil
}

func (s *memoryStore) ListOpenOrders(context.Context) ([]schema.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schema.Order
	for _, order := range s.orders {
		if order.State.Open() {
			out = append(out, order)
		}
	}
	return out, nil
}

func (s *memoryStore) SaveLimits(_ context.Context, limits schema.RiskLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = append(s.limits, limits)
	return nil
}

func (s *memoryStore) LoadLimits(context.Context) ([]schema.RiskLimit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.RiskLimit(nil), s.limits...), nil
}

func (s *memoryStore) ActiveHalts(context.Context) ([]schema.HaltEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]schema.HaltEvent(nil), s.halts...), nil
}

func (s *memoryStore) NetDeposits(context.Context) (map[string]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(s.deposits))
	for k, v := range s.deposits {
		out[k] = v
	}
	return out, nil
}

func TestRestoreInstallsPersistedState(t *testing.T) {
	store := newMemoryStore()
	store.limits = []schema.RiskLimit{{Project: "alpha", MaxPositionSize: d("10"), Version: 3}}
	store.halts = []schema.HaltEvent{{Project: "alpha", Halted: true, Reason: errs.ReasonEmergencyLoss, Time: time.Now()}}
	store.positions[schema.PositionKey{Project: "alpha", Instrument: instrument}] = schema.Position{
		Project: "alpha", Instrument: instrument, Quantity: d("4"), AvgPrice: d("100"),
		RealizedPnL: d("30"), Fees: d("2"), Version: 9,
	}
	store.deposits = map[string]decimal.Decimal{"alpha": d("500")}
	store.orders["o1"] = schema.Order{
		ID: "o1", Project: "alpha", Instrument: instrument, Side: schema.SideBuy,
		Quantity: d("2"), Executor: "paper", State: schema.OrderSubmitted,
	}
	store.orders["o2"] = schema.Order{ID: "o2", Project: "alpha", Instrument: instrument, State: schema.OrderFilled}

	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	defer bus.Close()
	p, err := New(Options{Feed: newPushFeed(), Catalog: strategy.NewCatalog(), Bus: bus, Store: store})
	require.NoError(t, err)
	defer func() { _ = p.Close(context.Background()) }()

	require.NoError(t, p.Restore(context.Background()))

	require.Equal(t, uint64(3), p.Limits("alpha").Version)
	_, halted := p.Halted("alpha")
	require.True(t, halted)

	pos := p.ledger.Read("alpha", instrument)
	require.True(t, pos.Quantity.Equal(d("4")))
	require.True(t, pos.Pending.Equal(d("2")))
	require.True(t, pos.PendingBuy.Equal(d("2")))
	require.True(t, pos.PendingSell.IsZero())
	require.Equal(t, 1, pos.OpenOrders)

	acct := p.ledger.Account("alpha")
	require.True(t, acct.NetDeposits.Equal(d("500")))
	require.True(t, acct.Balance().Equal(d("528")), acct.Balance().String())

	open := p.dispatcher.OpenOrders("alpha")
	require.Len(t, open, 1)
	require.Equal(t, "o1", open[0].ID)
}

func TestRestoreWithoutStoreIsNoop(t *testing.T) {
	bus := eventbus.NewMemoryBus(eventbus.MemoryConfig{})
	defer bus.Close()
	p, err := New(Options{Feed: newPushFeed(), Catalog: strategy.NewCatalog(), Bus: bus})
	require.NoError(t, err)
	defer func() { _ = p.Close(context.Background()) }()
	require.NoError(t, p.Restore(context.Background()))
}
