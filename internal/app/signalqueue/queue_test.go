package signalqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/domain/schema"
)

type recorder struct {
	mu    sync.Mutex
	seen  []schema.Signal
	count map[schema.SignalState]int
}

func (r *recorder) observe(sig schema.Signal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == nil {
		r.count = make(map[schema.SignalState]int)
	}
	r.seen = append(r.seen, sig)
	r.count[sig.State]++
}

func (r *recorder) n(state schema.SignalState) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count[state]
}

func newSignal(side schema.Side) schema.Signal {
	return schema.Signal{
		ID:         uuid.NewString(),
		Project:    "alpha",
		Instrument: "BTC-USDT",
		Side:       side,
		Quantity:   decimal.NewFromInt(1),
		PriceHint:  decimal.NewFromInt(100),
		Origin:     "inst-1",
	}
}

func startQueue(t *testing.T, opts Options) (*Queue, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts.OnTransition = rec.observe
	q := New(opts)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	t.Cleanup(func() {
		cancel()
		q.Close()
	})
	return q, rec
}

func receive(t *testing.T, q *Queue) schema.Signal {
	t.Helper()
	select {
	case sig := <-q.Resolved():
		return sig
	case <-time.After(time.Second):
		t.Fatalf("no signal delivered")
		return schema.Signal{}
	}
}

func expectNothing(t *testing.T, q *Queue) {
	t.Helper()
	select {
	case sig := <-q.Resolved():
		t.Fatalf("unexpected delivery %s %s", sig.ID, sig.State)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestAutoPolicyConfirmsAndDelivers(t *testing.T) {
	q, rec := startQueue(t, Options{})
	ctx := context.Background()

	sig, err := q.Enqueue(ctx, newSignal(schema.SideBuy))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if sig.State != schema.SignalConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", sig.State)
	}
	got := receive(t, q)
	if got.ID != sig.ID {
		t.Fatalf("delivered wrong signal")
	}

	consumed, err := q.Consume(ctx, sig.ID, errs.ReasonNone)
	if err != nil || consumed.State != schema.SignalConsumed {
		t.Fatalf("consume: %v %s", err, consumed.State)
	}
	again, err := q.Consume(ctx, sig.ID, errs.ReasonNone)
	if err != nil || again.State != schema.SignalConsumed {
		t.Fatalf("second consume must be a no-op: %v %s", err, again.State)
	}
	if rec.n(schema.SignalConsumed) != 1 {
		t.Fatalf("expected one consumed transition, got %d", rec.n(schema.SignalConsumed))
	}
	if rec.seen[0].State != schema.SignalPending || rec.seen[1].State != schema.SignalConfirmed {
		t.Fatalf("transitions out of order: %s then %s", rec.seen[0].State, rec.seen[1].State)
	}
}

func TestManualConfirmIsIdempotent(t *testing.T) {
	q, rec := startQueue(t, Options{})
	q.SetPolicy("alpha", Policy{Confirmation: schema.ConfirmManual, AllowOverlap: true, Expiry: time.Minute})
	ctx := context.Background()

	sig, _ := q.Enqueue(ctx, newSignal(schema.SideBuy))
	if sig.State != schema.SignalPending {
		t.Fatalf("expected PENDING, got %s", sig.State)
	}
	expectNothing(t, q)
	if pending := q.Pending("alpha"); len(pending) != 1 {
		t.Fatalf("expected one pending, got %d", len(pending))
	}

	first, err := q.Confirm(ctx, sig.ID)
	if err != nil || first.State != schema.SignalConfirmed {
		t.Fatalf("confirm: %v %s", err, first.State)
	}
	second, err := q.Confirm(ctx, sig.ID)
	if err != nil || second.State != schema.SignalConfirmed || !second.UpdatedAt.Equal(first.UpdatedAt) {
		t.Fatalf("repeat confirm must return the same record")
	}
	rejected, err := q.Reject(ctx, sig.ID, errs.ReasonManualReject)
	if err != nil || rejected.State != schema.SignalConfirmed {
		t.Fatalf("reject after confirm must report CONFIRMED, got %s %v", rejected.State, err)
	}
	receive(t, q)
	expectNothing(t, q)
	if rec.n(schema.SignalConfirmed) != 1 {
		t.Fatalf("expected exactly one confirmed transition")
	}
	if _, err := q.Confirm(ctx, "missing"); errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestManualSignalExpiresExactlyOnce(t *testing.T) {
	q, rec := startQueue(t, Options{SweepInterval: 5 * time.Millisecond})
	q.SetPolicy("alpha", Policy{Confirmation: schema.ConfirmManual, AllowOverlap: true, Expiry: 20 * time.Millisecond})
	ctx := context.Background()

	sig, _ := q.Enqueue(ctx, newSignal(schema.SideBuy))
	time.Sleep(80 * time.Millisecond)

	got, err := q.Get(sig.ID)
	if err != nil || got.State != schema.SignalExpired || got.Reason != errs.ReasonSignalExpired {
		t.Fatalf("expected EXPIRED/signal_expired, got %s/%s %v", got.State, got.Reason, err)
	}
	if rec.n(schema.SignalExpired) != 1 {
		t.Fatalf("expected a single expiry, got %d", rec.n(schema.SignalExpired))
	}
	late, _ := q.Confirm(ctx, sig.ID)
	if late.State != schema.SignalExpired {
		t.Fatalf("confirming an expired signal must report EXPIRED, got %s", late.State)
	}
	expectNothing(t, q)
}

func TestSweepExpiresOverdueSignals(t *testing.T) {
	var offset atomic.Int64
	base := time.Now()
	clock := func() time.Time { return base.Add(time.Duration(offset.Load())) }
	q, rec := startQueue(t, Options{Clock: clock, SweepInterval: time.Hour})
	q.SetPolicy("alpha", Policy{Confirmation: schema.ConfirmManual, AllowOverlap: true, Expiry: time.Hour})

	sig, _ := q.Enqueue(context.Background(), newSignal(schema.SideSell))
	q.Sweep(context.Background())
	if got, _ := q.Get(sig.ID); got.State != schema.SignalPending {
		t.Fatalf("signal expired early")
	}
	offset.Store(int64(2 * time.Hour))
	q.Sweep(context.Background())
	q.Sweep(context.Background())
	if got, _ := q.Get(sig.ID); got.State != schema.SignalExpired {
		t.Fatalf("expected EXPIRED after sweep, got %s", got.State)
	}
	if rec.n(schema.SignalExpired) != 1 {
		t.Fatalf("sweeping twice must expire once")
	}
}

func TestOverlapConflictRejectsNewer(t *testing.T) {
	q, _ := startQueue(t, Options{})
	q.SetPolicy("alpha", Policy{Confirmation: schema.ConfirmManual, AllowOverlap: false, Expiry: time.Minute})
	ctx := context.Background()

	first, _ := q.Enqueue(ctx, newSignal(schema.SideBuy))
	second, _ := q.Enqueue(ctx, newSignal(schema.SideBuy))
	if first.State != schema.SignalPending {
		t.Fatalf("first signal should stay pending, got %s", first.State)
	}
	if second.State != schema.SignalRejected || second.Reason != errs.ReasonSignalConflict {
		t.Fatalf("expected REJECTED/signal_conflict, got %s/%s", second.State, second.Reason)
	}
	if other, _ := q.Enqueue(ctx, newSignal(schema.SideSell)); other.State != schema.SignalPending {
		t.Fatalf("opposite side must not conflict, got %s", other.State)
	}
	if got := receive(t, q); got.ID != second.ID {
		t.Fatalf("rejected signal should be delivered for consumption")
	}

	_, _ = q.Confirm(ctx, first.ID)
	receive(t, q)
	if third, _ := q.Enqueue(ctx, newSignal(schema.SideBuy)); third.State != schema.SignalRejected {
		t.Fatalf("confirmed but unconsumed signal still holds the slot, got %s", third.State)
	}
	receive(t, q)
	_, _ = q.Consume(ctx, first.ID, errs.ReasonNone)
	if fourth, _ := q.Enqueue(ctx, newSignal(schema.SideBuy)); fourth.State != schema.SignalPending {
		t.Fatalf("slot should free after consumption, got %s", fourth.State)
	}
}

func TestSyntheticSignalsBypassManualAndOverlap(t *testing.T) {
	q, _ := startQueue(t, Options{})
	q.SetPolicy("alpha", Policy{Confirmation: schema.ConfirmManual, AllowOverlap: false, Expiry: time.Minute})
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, newSignal(schema.SideSell))

	closing := newSignal(schema.SideSell)
	closing.Origin = schema.OriginRiskMonitor
	closing.Synthetic = true
	got, _ := q.Enqueue(ctx, closing)
	if got.State != schema.SignalConfirmed {
		t.Fatalf("synthetic close must confirm immediately, got %s", got.State)
	}
}

func TestDeliveryFollowsConfirmationOrder(t *testing.T) {
	q, _ := startQueue(t, Options{})
	q.SetPolicy("alpha", Policy{Confirmation: schema.ConfirmManual, AllowOverlap: true, Expiry: time.Minute})
	ctx := context.Background()

	ids := make([]string, 3)
	for i := range ids {
		sig, _ := q.Enqueue(ctx, newSignal(schema.SideBuy))
		ids[i] = sig.ID
	}
	pending := q.Pending("alpha")
	for i, sig := range pending {
		if sig.ID != ids[i] {
			t.Fatalf("pending list must be FIFO")
		}
	}
	for _, idx := range []int{2, 0, 1} {
		_, _ = q.Confirm(ctx, ids[idx])
	}
	for _, idx := range []int{2, 0, 1} {
		if got := receive(t, q); got.ID != ids[idx] {
			t.Fatalf("expected %s, got %s", ids[idx], got.ID)
		}
	}
}

func TestInvalidAndDuplicateSignals(t *testing.T) {
	q, _ := startQueue(t, Options{})
	bad := newSignal(schema.SideBuy)
	bad.Quantity = decimal.Zero
	if _, err := q.Enqueue(context.Background(), bad); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("expected invalid error, got %v", err)
	}
	sig := newSignal(schema.SideBuy)
	_, _ = q.Enqueue(context.Background(), sig)
	if _, err := q.Enqueue(context.Background(), sig); errs.CodeOf(err) != errs.CodeConflict {
		t.Fatalf("expected duplicate id conflict, got %v", err)
	}
}

func TestLateResolutionAfterRetentionReportsFinalState(t *testing.T) {
	q, _ := startQueue(t, Options{Retention: 20 * time.Millisecond, SweepInterval: time.Hour})
	q.SetPolicy("alpha", Policy{Confirmation: schema.ConfirmManual, AllowOverlap: true, Expiry: 10 * time.Millisecond})
	ctx := context.Background()

	expired, err := q.Enqueue(ctx, newSignal(schema.SideBuy))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	consumed, _ := q.Enqueue(ctx, newSignal(schema.SideSell))
	if _, err := q.Reject(ctx, consumed.ID, errs.ReasonManualReject); err != nil {
		t.Fatalf("reject: %v", err)
	}
	receive(t, q)
	if _, err := q.Consume(ctx, consumed.ID, errs.ReasonManualReject); err != nil {
		t.Fatalf("consume: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	q.mu.Lock()
	_, live := q.records[expired.ID]
	q.mu.Unlock()
	if live {
		t.Fatalf("retention elapsed, full record should be gone")
	}

	got, err := q.Confirm(ctx, expired.ID)
	if err != nil {
		t.Fatalf("late confirm must report the final state, got %v", err)
	}
	if got.State != schema.SignalExpired || got.Reason != errs.ReasonSignalExpired || got.Project != "alpha" {
		t.Fatalf("unexpected late confirm result %+v", got)
	}
	got, err = q.Reject(ctx, consumed.ID, errs.ReasonNone)
	if err != nil || got.State != schema.SignalConsumed || got.Reason != errs.ReasonManualReject {
		t.Fatalf("late reject must report CONSUMED, got %+v %v", got, err)
	}
	if again, err := q.Consume(ctx, consumed.ID, errs.ReasonNone); err != nil || again.State != schema.SignalConsumed {
		t.Fatalf("late consume must stay idempotent, got %+v %v", again, err)
	}
	if _, err := q.Consume(ctx, expired.ID, errs.ReasonNone); errs.CodeOf(err) != errs.CodeConflict {
		t.Fatalf("expired signals cannot be consumed, got %v", err)
	}
	if _, err := q.Enqueue(ctx, expired); errs.CodeOf(err) != errs.CodeConflict {
		t.Fatalf("retired ids must stay taken, got %v", err)
	}
	expectNothing(t, q)
}
