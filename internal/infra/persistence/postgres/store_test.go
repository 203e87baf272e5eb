package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/quantflow/internal/domain/schema"
)

func TestNewStoreAllowsNilPool(t *testing.T) {
	store := New(nil)
	if store == nil {
		t.Fatalf("expected store instance")
	}
	if store.Pool() != nil {
		t.Fatalf("expected nil pool passthrough")
	}
	store.Close()
}

func TestWithTxRequiresPool(t *testing.T) {
	err := withTx(context.Background(), nil, "test", func(pgx.Tx) error { return nil })
	require.Error(t, err)
}

func TestRepositoriesRejectNilPool(t *testing.T) {
	ctx := context.Background()
	store := New(nil)

	sig := schema.Signal{ID: "sig-1", Project: "alpha", State: schema.SignalPending}
	require.Error(t, store.Signals().SaveSignal(ctx, sig))
	_, err := store.Signals().ListSignals(ctx, "alpha", "", 10)
	require.Error(t, err)

	require.Error(t, store.Risk().AppendRiskLog(ctx, schema.RiskLogEntry{ID: "r1", Project: "alpha"}))
	require.Error(t, store.Risk().RecordHalt(ctx, schema.HaltEvent{Project: "alpha", Halted: true}))
	_, err = store.Risk().ActiveHalts(ctx)
	require.Error(t, err)
	require.Error(t, store.Risk().SaveLimits(ctx, schema.RiskLimit{Project: "alpha"}))
	_, err = store.Risk().LoadLimits(ctx)
	require.Error(t, err)

	require.Error(t, store.Instances().SaveInstance(ctx, schema.InstanceStatus{ID: "inst-1"}))
	_, err = store.Instances().ListInstances(ctx)
	require.Error(t, err)

	require.Error(t, store.Balances().AppendBalanceTransaction(ctx, schema.BalanceTransaction{ID: "b1", Project: "alpha"}))
	_, err = store.Balances().ListBalanceTransactions(ctx, "alpha", 10)
	require.Error(t, err)
	_, err = store.Balances().NetDeposits(ctx)
	require.Error(t, err)
}

func TestNumericRoundTrip(t *testing.T) {
	value := decimal.RequireFromString("0.12345678901234567890")
	num := numericFromDecimal(value)
	require.True(t, num.Valid)

	text, err := num.Value()
	require.NoError(t, err)
	parsed, err := decimalFromText(pgtype.Text{String: text.(string), Valid: true})
	require.NoError(t, err)
	require.True(t, parsed.Equal(value), "want %s got %s", value, parsed)

	require.False(t, numericFromOptional(decimal.Zero).Valid)

	zero, err := decimalFromText(pgtype.Text{})
	require.NoError(t, err)
	require.True(t, zero.IsZero())

	_, err = decimalFromText(pgtype.Text{String: "abc", Valid: true})
	require.Error(t, err)
}

func TestClampLimit(t *testing.T) {
	require.Equal(t, 50, clampLimit(0, 50, 100))
	require.Equal(t, 100, clampLimit(500, 50, 100))
	require.Equal(t, 7, clampLimit(7, 50, 100))
}

func TestJSONHelpers(t *testing.T) {
	raw, err := encodeJSON(nil)
	require.NoError(t, err)
	require.Equal(t, "{}", string(raw))

	raw, err = encodeJSON(map[string]any{"window": 20})
	require.NoError(t, err)
	out, err := decodeJSON(raw)
	require.NoError(t, err)
	require.EqualValues(t, 20, out["window"])

	empty, err := decodeJSON(nil)
	require.NoError(t, err)
	require.Empty(t, empty)
}
