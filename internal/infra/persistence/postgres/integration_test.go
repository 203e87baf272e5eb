//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/quantflow/internal/domain/outboxstore"
	"github.com/coachpo/quantflow/internal/domain/schema"
	"github.com/coachpo/quantflow/internal/infra/config"
	"github.com/coachpo/quantflow/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/quantflow/internal/infra/persistence/postgres"
)

var (
	testStore   *pgstore.Store
	pgContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "quantflow"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	exitCode := 0
	if err := initialiseDatabase(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres integration tests skipped: %v\n", err)
	} else {
		exitCode = m.Run()
	}

	if testStore != nil {
		testStore.Close()
	}
	_ = pgContainer.Terminate(ctx)
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/quantflow?sslmode=disable", host, port.Port())

	var lastErr error
	for attempt := 0; attempt < 20; attempt++ {
		if lastErr = migrations.Apply(ctx, dsn, migrations.EmbeddedSource, nil); lastErr == nil {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if lastErr != nil {
		return fmt.Errorf("apply migrations: %w", lastErr)
	}
	store, err := pgstore.Connect(ctx, config.DatabaseConfig{Enabled: true, DSN: dsn, MaxConns: 4, MinConns: 1})
	if err != nil {
		return err
	}
	testStore = store
	return nil
}

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestCommitFillIsAtomicAndIdempotent(t *testing.T) {
	ctx := context.Background()
	orders := testStore.Orders()
	now := time.Now().UTC().Truncate(time.Microsecond)

	order := schema.Order{
		ID:         "ord-int-1",
		SignalID:   "sig-int-1",
		Project:    "alpha",
		Instrument: "BTC-USDT",
		Side:       schema.SideBuy,
		Quantity:   d("2"),
		Pricing:    schema.PricePolicy{Type: schema.OrderTypeMarket},
		Executor:   "paper",
		Origin:     "inst-1",
		State:      schema.OrderSubmitted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, orders.SaveOrder(ctx, order))

	filled := order
	filled.FilledQuantity = d("2")
	filled.AvgFillPrice = d("100.5")
	filled.Fees = d("0.2")
	filled.State = schema.OrderFilled
	filled.UpdatedAt = now.Add(time.Second)
	fill := schema.Fill{ID: "fill-1", OrderID: order.ID, Executor: "paper", Instrument: "BTC-USDT",
		Side: schema.SideBuy, Quantity: d("2"), Price: d("100.5"), Fee: d("0.2"), Time: filled.UpdatedAt}
	pos := schema.Position{Project: "alpha", Instrument: "BTC-USDT", Quantity: d("2"), AvgPrice: d("100.5"),
		Fees: d("0.2"), OpenedBy: "inst-1", Version: 1, UpdatedAt: filled.UpdatedAt}

	require.NoError(t, orders.CommitFill(ctx, filled, fill, pos))
	require.NoError(t, orders.CommitFill(ctx, filled, fill, pos))

	stored, err := orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, schema.OrderFilled, stored.State)
	require.True(t, stored.AvgFillPrice.Equal(d("100.5")))
	require.Equal(t, "inst-1", stored.Origin)

	fills, err := orders.ListFills(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, fills, 1)

	// a stale snapshot must not regress the stored order
	require.NoError(t, orders.SaveOrder(ctx, order))
	stored, err = orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, schema.OrderFilled, stored.State)

	positions, err := orders.ListPositions(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.True(t, positions[0].Quantity.Equal(d("2")))
	require.Equal(t, uint64(1), positions[0].Version)

	open, err := orders.ListOpenOrders(ctx)
	require.NoError(t, err)
	for _, o := range open {
		require.NotEqual(t, order.ID, o.ID)
	}
}

func TestSignalAndRiskAudit(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	sig := schema.Signal{ID: "sig-audit", Project: "beta", Instrument: "ETH-USDT", Side: schema.SideSell,
		Quantity: d("1.5"), PriceHint: d("2000"), Origin: "inst-2", State: schema.SignalPending,
		CreatedAt: now, ExpiresAt: now.Add(time.Minute), UpdatedAt: now}
	require.NoError(t, testStore.Signals().SaveSignal(ctx, sig))
	sig.State = schema.SignalRejected
	sig.UpdatedAt = now.Add(time.Second)
	require.NoError(t, testStore.Signals().SaveSignal(ctx, sig))

	got, err := testStore.Signals().GetSignal(ctx, "sig-audit")
	require.NoError(t, err)
	require.Equal(t, schema.SignalRejected, got.State)
	require.True(t, got.Quantity.Equal(d("1.5")))

	entry := schema.RiskLogEntry{ID: "rl-1", Project: "beta", Instrument: "ETH-USDT", Type: schema.RiskLogSignal,
		Reason: "risk_max_position", SignalID: "sig-audit", LimitVersion: 2, Time: now}
	require.NoError(t, testStore.Risk().AppendRiskLog(ctx, entry))
	require.NoError(t, testStore.Risk().AppendRiskLog(ctx, entry))
	logs, err := testStore.Risk().ListRiskLogs(ctx, "beta", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	require.NoError(t, testStore.Risk().RecordHalt(ctx, schema.HaltEvent{Project: "beta", Halted: true, Reason: "risk_emergency_stop", Time: now}))
	halts, err := testStore.Risk().ActiveHalts(ctx)
	require.NoError(t, err)
	require.Len(t, halts, 1)
	require.NoError(t, testStore.Risk().RecordHalt(ctx, schema.HaltEvent{Project: "beta", Halted: false, Time: now.Add(time.Second)}))
	halts, err = testStore.Risk().ActiveHalts(ctx)
	require.NoError(t, err)
	require.Empty(t, halts)

	limit := schema.RiskLimit{Project: "beta", MaxPositionSize: d("10"), StopLossPct: d("0.05"), Version: 3, UpdatedAt: now}
	require.NoError(t, testStore.Risk().SaveLimits(ctx, limit))
	stale := limit
	stale.Version = 2
	stale.MaxPositionSize = d("1")
	require.NoError(t, testStore.Risk().SaveLimits(ctx, stale))
	limits, err := testStore.Risk().LoadLimits(ctx)
	require.NoError(t, err)
	require.Len(t, limits, 1)
	require.True(t, limits[0].MaxPositionSize.Equal(d("10")))
}

func TestBalanceTransactionJournal(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	balances := testStore.Balances()
	deposit := schema.BalanceTransaction{ID: "tx-dep", Project: "gamma", Kind: schema.BalanceDeposit,
		Amount: d("500"), BalanceBefore: d("1000"), BalanceAfter: d("1500"), Description: "top up", Time: now}
	require.NoError(t, balances.AppendBalanceTransaction(ctx, deposit))
	require.NoError(t, balances.AppendBalanceTransaction(ctx, deposit))
	require.NoError(t, balances.AppendBalanceTransaction(ctx, schema.BalanceTransaction{ID: "tx-wd", Project: "gamma",
		Kind: schema.BalanceWithdraw, Amount: d("-120.5"), BalanceBefore: d("1500"), BalanceAfter: d("1379.5"), Time: now.Add(time.Second)}))
	require.NoError(t, balances.AppendBalanceTransaction(ctx, schema.BalanceTransaction{ID: "f-1:FEE", Project: "gamma",
		Kind: schema.BalanceFee, Amount: d("-0.25"), Instrument: "BTC-USDT", OrderID: "o-1", FillID: "f-1", Time: now.Add(2 * time.Second)}))

	list, err := balances.ListBalanceTransactions(ctx, "gamma", 10)
	require.NoError(t, err)
	require.Len(t, list, 3)
	require.Equal(t, "f-1:FEE", list[0].ID)
	require.Equal(t, schema.BalanceFee, list[0].Kind)
	require.Equal(t, "o-1", list[0].OrderID)
	require.True(t, list[2].BalanceAfter.Equal(d("1500")))

	net, err := balances.NetDeposits(ctx)
	require.NoError(t, err)
	require.True(t, net["gamma"].Equal(d("379.5")), net["gamma"].String())
}

func TestInstanceStatusRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := schema.InstanceStatus{ID: "inst-9", Project: "alpha", Strategy: "momentum",
		Instruments: []string{"BTC-USDT"}, Params: map[string]any{"window": 20},
		State: schema.InstanceRunning, UpdatedAt: time.Now().UTC()}
	require.NoError(t, testStore.Instances().SaveInstance(ctx, st))
	list, err := testStore.Instances().ListInstances(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, []string{"BTC-USDT"}, list[0].Instruments)
	require.EqualValues(t, 20, list[0].Params["window"])
}

func TestOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	outbox := testStore.Outbox()
	rec, err := outbox.Enqueue(ctx, outboxstore.Entry{
		Kind:        "signal",
		Project:     "alpha",
		AggregateID: "sig-1",
		Payload:     json.RawMessage(`{"kind":"signal"}`),
		Headers:     map[string]any{"seq": 1},
	})
	require.NoError(t, err)
	require.NotZero(t, rec.ID)

	pending, err := outbox.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.JSONEq(t, `{"kind":"signal"}`, string(pending[0].Payload))

	require.NoError(t, outbox.MarkDelivered(ctx, rec.ID))
	pending, err = outbox.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, pending)

	removed, err := outbox.Purge(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)
}
