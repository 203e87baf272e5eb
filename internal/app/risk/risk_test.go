package risk

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/app/ledger"
	"github.com/coachpo/quantflow/internal/domain/schema"
	"github.com/coachpo/quantflow/lib/keylock"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func project() schema.Project {
	return schema.Project{ID: "alpha", Instruments: []string{"BTC-USDT"}, Enabled: true}
}

func buy(qty, price string) schema.Signal {
	return schema.Signal{
		ID:         uuid.NewString(),
		Project:    "alpha",
		Instrument: "BTC-USDT",
		Side:       schema.SideBuy,
		Quantity:   d(qty),
		PriceHint:  d(price),
		Origin:     "inst-1",
	}
}

func TestEvaluateOrder(t *testing.T) {
	limits := schema.RiskLimit{MaxPositionSize: d("100"), MaxOrderNotional: d("1000"), MaxOpenOrders: 2, Version: 7}
	held := schema.Position{Project: "alpha", Instrument: "BTC-USDT", Quantity: d("80")}

	cases := []struct {
		name   string
		sig    schema.Signal
		pos    schema.Position
		open   int
		reason errs.Reason
	}{
		{name: "whitelist first", sig: func() schema.Signal { s := buy("500", "100"); s.Instrument = "DOGE-USDT"; return s }(), reason: errs.ReasonInstrumentNotAllowed},
		{name: "position before notional", sig: buy("30", "100"), pos: held, reason: errs.ReasonPositionLimit},
		{name: "fits exactly", sig: buy("20", "10"), pos: held},
		{name: "notional", sig: buy("20", "100"), pos: held, reason: errs.ReasonNotionalLimit},
		{name: "open orders", sig: buy("1", "10"), open: 2, reason: errs.ReasonOpenOrdersLimit},
		{name: "pending counts", sig: buy("10", "10"), pos: schema.Position{Quantity: d("80"), Pending: d("15"), PendingBuy: d("15")}, reason: errs.ReasonPositionLimit},
		{name: "opposite pending does not offset", sig: buy("60", "1"), pos: schema.Position{Quantity: d("80"), Pending: d("-50"), PendingSell: d("50")}, reason: errs.ReasonPositionLimit},
		{name: "sell reduces", sig: func() schema.Signal { s := buy("150", "1"); s.Side = schema.SideSell; return s }(), pos: held, reason: errs.ReasonNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(tc.sig, project(), tc.pos, limits, tc.open)
			if tc.reason == errs.ReasonNone {
				if !got.Approved {
					t.Fatalf("expected approval, got %s (%s)", got.Reason, got.Detail)
				}
			} else if got.Approved || got.Reason != tc.reason {
				t.Fatalf("expected %s, got approved=%v reason=%s", tc.reason, got.Approved, got.Reason)
			}
			if got.LimitVersion != 7 {
				t.Fatalf("decision must carry the limits version")
			}
		})
	}
}

func TestSyntheticSignalsMustReduce(t *testing.T) {
	pos := schema.Position{Project: "alpha", Instrument: "XRP-USDT", Quantity: d("10")}
	closing, ok := ClosingSignal(pos, schema.OriginRiskMonitor, errs.ReasonStopLoss, pos.UpdatedAt)
	if !ok || closing.Side != schema.SideSell || !closing.Quantity.Equal(d("10")) {
		t.Fatalf("unexpected closing signal %+v", closing)
	}
	if got := Evaluate(closing, project(), pos, schema.RiskLimit{MaxOrderNotional: d("1")}, 99); !got.Approved {
		t.Fatalf("closing a non-whitelisted position must pass: %s", got.Detail)
	}
	grow := closing
	grow.Side = schema.SideBuy
	if got := Evaluate(grow, project(), pos, schema.RiskLimit{}, 0); got.Approved {
		t.Fatalf("synthetic signal growing exposure must be rejected")
	}
}

func TestScenarioEightyThirtyTwenty(t *testing.T) {
	l := ledger.New()
	ctx := context.Background()
	_, _ = l.ApplyFill(ctx, ledger.Fill{OrderID: "seed", Project: "alpha", Instrument: "BTC-USDT", Side: schema.SideBuy, Quantity: d("80"), Price: d("10")}, nil)

	m := NewManager(Options{Positions: l})
	m.UpsertProject(project())
	m.SetLimits(schema.RiskLimit{Project: "alpha", MaxPositionSize: d("100")})

	if dec := m.Check(ctx, buy("30", "10")); dec.Approved || dec.Reason != errs.ReasonPositionLimit {
		t.Fatalf("30 must be rejected, got %+v", dec)
	}
	if dec := m.Check(ctx, buy("20", "10")); !dec.Approved {
		t.Fatalf("20 must be approved, got %+v", dec)
	}
	pos, _ := l.ApplyFill(ctx, ledger.Fill{OrderID: "o2", Project: "alpha", Instrument: "BTC-USDT", Side: schema.SideBuy, Quantity: d("20"), Price: d("10")}, nil)
	if !pos.Quantity.Equal(d("100")) {
		t.Fatalf("expected 100, got %s", pos.Quantity)
	}
}

func TestCancelledCloseCannotLeavePositionPastMax(t *testing.T) {
	l := ledger.New()
	ctx := context.Background()
	_, _ = l.ApplyFill(ctx, ledger.Fill{OrderID: "seed", Project: "alpha", Instrument: "BTC-USDT", Side: schema.SideBuy, Quantity: d("80"), Price: d("10")}, nil)
	l.Reserve(schema.Order{ID: "close", Project: "alpha", Instrument: "BTC-USDT", Side: schema.SideSell, Quantity: d("50")})

	m := NewManager(Options{Positions: l})
	m.UpsertProject(project())
	m.SetLimits(schema.RiskLimit{Project: "alpha", MaxPositionSize: d("100")})

	if dec := m.Check(ctx, buy("60", "10")); dec.Approved || dec.Reason != errs.ReasonPositionLimit {
		t.Fatalf("buy 60 over held 80 must be rejected while the sell is only pending, got %+v", dec)
	}
	if dec := m.Check(ctx, buy("20", "10")); !dec.Approved {
		t.Fatalf("buy 20 must be approved, got %+v", dec)
	}
	l.Reserve(schema.Order{ID: "o2", Project: "alpha", Instrument: "BTC-USDT", Side: schema.SideBuy, Quantity: d("20")})
	l.Release("alpha", "BTC-USDT", "close")
	pos, _ := l.ApplyFill(ctx, ledger.Fill{OrderID: "o2", Project: "alpha", Instrument: "BTC-USDT", Side: schema.SideBuy, Quantity: d("20"), Price: d("10")}, nil)
	if pos.Quantity.GreaterThan(d("100")) {
		t.Fatalf("position %s exceeds max 100", pos.Quantity)
	}
	if !pos.PendingBuy.IsZero() || !pos.PendingSell.IsZero() || !pos.Pending.IsZero() {
		t.Fatalf("expected no pending quantity, got buy %s sell %s net %s", pos.PendingBuy, pos.PendingSell, pos.Pending)
	}
}

func TestLimitsAreVersioned(t *testing.T) {
	m := NewManager(Options{Positions: ledger.New()})
	first := m.SetLimits(schema.RiskLimit{Project: "alpha", MaxPositionSize: d("5")})
	second := m.SetLimits(schema.RiskLimit{Project: "alpha", MaxPositionSize: d("6")})
	if first.Version != 1 || second.Version != 2 {
		t.Fatalf("expected versions 1 and 2, got %d %d", first.Version, second.Version)
	}
	if got := m.Limits("alpha"); !got.MaxPositionSize.Equal(d("6")) || got.Version != 2 {
		t.Fatalf("expected latest version, got %+v", got)
	}
	if got := m.Limits("unknown"); got.Version != 0 || got.MaxPositionSize.IsPositive() {
		t.Fatalf("unknown project should be unlimited")
	}
}

func TestHaltAndDisabledBlockStrategySignals(t *testing.T) {
	var logs []schema.RiskLogEntry
	var halts []schema.HaltEvent
	m := NewManager(Options{
		Positions: ledger.New(),
		OnRiskLog: func(e schema.RiskLogEntry) { logs = append(logs, e) },
		OnHalt:    func(e schema.HaltEvent) { halts = append(halts, e) },
	})
	m.UpsertProject(project())
	ctx := context.Background()

	if !m.Halt(ctx, "alpha", errs.ReasonEmergencyLoss, "manual") || m.Halt(ctx, "alpha", errs.ReasonEmergencyLoss, "again") {
		t.Fatalf("halt must report only the first activation")
	}
	if dec := m.Check(ctx, buy("1", "1")); dec.Reason != errs.ReasonRiskHalt {
		t.Fatalf("expected risk_halt, got %+v", dec)
	}
	if err := m.Check(ctx, buy("1", "1")).Err("sig"); errs.ReasonOf(err) != errs.ReasonRiskHalt || errs.CodeOf(err) != errs.CodeRejected {
		t.Fatalf("decision error must carry the reason, got %v", err)
	}

	if !m.ClearHalt(ctx, "alpha") || m.ClearHalt(ctx, "alpha") {
		t.Fatalf("clear must report only when halted")
	}
	if dec := m.Check(ctx, buy("1", "1")); !dec.Approved {
		t.Fatalf("expected approval after clear, got %+v", dec)
	}

	disabled := project()
	disabled.Enabled = false
	m.UpsertProject(disabled)
	if dec := m.Check(ctx, buy("1", "1")); dec.Reason != errs.ReasonProjectDisabled {
		t.Fatalf("expected project_disabled, got %+v", dec)
	}
	if len(halts) != 2 || !halts[0].Halted || halts[1].Halted {
		t.Fatalf("expected halt then clear events, got %+v", halts)
	}
	if len(logs) == 0 || logs[0].Type != schema.RiskLogActive {
		t.Fatalf("halt must be journaled as an active risk log")
	}
}

func TestConcurrentEvaluationNeverExceedsMax(t *testing.T) {
	l := ledger.New()
	m := NewManager(Options{Positions: l})
	m.UpsertProject(project())
	m.SetLimits(schema.RiskLimit{Project: "alpha", MaxPositionSize: d("10")})
	locks := keylock.New()
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	approved := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = locks.Do(ctx, "alpha/BTC-USDT", func() error {
				sig := buy("1", "1")
				if dec := m.Check(ctx, sig); dec.Approved {
					l.Reserve(schema.Order{ID: sig.ID, Project: "alpha", Instrument: "BTC-USDT", Side: schema.SideBuy, Quantity: sig.Quantity})
					mu.Lock()
					approved++
					mu.Unlock()
				}
				return nil
			})
		}()
	}
	wg.Wait()
	if approved != 10 {
		t.Fatalf("expected exactly 10 approvals, got %d", approved)
	}
	if exposure := l.Read("alpha", "BTC-USDT").Exposure(); !exposure.Equal(d("10")) {
		t.Fatalf("expected exposure 10, got %s", exposure)
	}
}

type capture struct {
	mu      sync.Mutex
	signals []schema.Signal
}

func (c *capture) Publish(_ context.Context, sig schema.Signal) {
	c.mu.Lock()
	c.signals = append(c.signals, sig)
	c.mu.Unlock()
}

func TestMonitorStopLossOncePerEpisodeAndEmergencyHalt(t *testing.T) {
	l := ledger.New()
	out := &capture{}
	m := NewManager(Options{Positions: l, Signals: out})
	m.UpsertProject(project())
	m.SetLimits(schema.RiskLimit{Project: "alpha", StopLossPct: d("0.05"), EmergencyLossPct: d("0.20"), TakeProfitPct: d("0.10")})
	ctx := context.Background()

	_, _ = l.ApplyFill(ctx, ledger.Fill{OrderID: "o1", Project: "alpha", Instrument: "BTC-USDT", Side: schema.SideBuy, Quantity: d("2"), Price: d("100"), Origin: "inst-7"}, nil)

	l.Mark("BTC-USDT", d("97"))
	m.Scan(ctx)
	if len(out.signals) != 0 {
		t.Fatalf("3%% loss must not trigger")
	}

	l.Mark("BTC-USDT", d("94"))
	m.Scan(ctx)
	m.Scan(ctx)
	if len(out.signals) != 1 {
		t.Fatalf("expected one synthetic close per episode, got %d", len(out.signals))
	}
	sig := out.signals[0]
	if !sig.Synthetic || sig.Origin != schema.OriginRiskMonitor || sig.OpenedBy != "inst-7" || sig.Reason != errs.ReasonStopLoss {
		t.Fatalf("unexpected synthetic signal %+v", sig)
	}
	if sig.Side != schema.SideSell || !sig.Quantity.Equal(d("2")) {
		t.Fatalf("expected sell 2, got %s %s", sig.Side, sig.Quantity)
	}
	if _, halted := m.Halted("alpha"); halted {
		t.Fatalf("stop-loss alone must not halt")
	}

	l.Mark("BTC-USDT", d("79"))
	m.Scan(ctx)
	if _, halted := m.Halted("alpha"); !halted {
		t.Fatalf("emergency loss must halt the project")
	}
	if len(out.signals) != 1 {
		t.Fatalf("escalation inside an episode must not emit another close")
	}
	if dec := m.Check(ctx, buy("1", "79")); dec.Reason != errs.ReasonRiskHalt {
		t.Fatalf("strategy signals must be rejected while halted, got %+v", dec)
	}
	if dec := m.Check(ctx, sig); !dec.Approved {
		t.Fatalf("synthetic close must pass during halt, got %+v", dec)
	}

	l.Mark("BTC-USDT", d("100"))
	m.Scan(ctx)
	l.Mark("BTC-USDT", d("111"))
	m.Scan(ctx)
	if len(out.signals) != 2 || out.signals[1].Reason != errs.ReasonTakeProfit {
		t.Fatalf("expected a new take-profit episode, got %d signals", len(out.signals))
	}
}

func TestRestoreKeepsVersionAndStaysQuiet(t *testing.T) {
	var halts []schema.HaltEvent
	m := NewManager(Options{
		Positions: ledger.New(),
		OnHalt:    func(ev schema.HaltEvent) { halts = append(halts, ev) },
	})
	m.RestoreLimits(schema.RiskLimit{Project: "alpha", MaxPositionSize: d("7"), Version: 4})
	m.RestoreLimits(schema.RiskLimit{Project: "alpha", MaxPositionSize: d("1"), Version: 2})
	if got := m.Limits("alpha"); got.Version != 4 || !got.MaxPositionSize.Equal(d("7")) {
		t.Fatalf("expected restored version 4, got %+v", got)
	}
	if next := m.SetLimits(schema.RiskLimit{Project: "alpha"}); next.Version != 5 {
		t.Fatalf("expected version 5 after restore, got %d", next.Version)
	}

	m.RestoreHalt(schema.HaltEvent{Project: "alpha", Halted: true, Reason: errs.ReasonEmergencyLoss})
	m.RestoreHalt(schema.HaltEvent{Project: "beta", Halted: false})
	if _, halted := m.Halted("alpha"); !halted {
		t.Fatal("expected alpha halted after restore")
	}
	if _, halted := m.Halted("beta"); halted {
		t.Fatal("cleared halt must not be restored")
	}
	if len(halts) != 0 {
		t.Fatalf("restore must not emit halt events, got %d", len(halts))
	}
}
