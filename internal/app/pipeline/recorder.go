package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/coachpo/quantflow/internal/domain/schema"
	"github.com/coachpo/quantflow/internal/infra/bus/eventbus"
	"github.com/coachpo/quantflow/internal/infra/logging"
)

// AuditStore persists the journal records that are not written by the
// dispatcher's fill transaction.
type AuditStore interface {
	SaveSignal(ctx context.Context, sig schema.Signal) error
	AppendRiskLog(ctx context.Context, entry schema.RiskLogEntry) error
	RecordHalt(ctx context.Context, ev schema.HaltEvent) error
	SaveInstance(ctx context.Context, st schema.InstanceStatus) error
	AppendBalanceTransaction(ctx context.Context, tx schema.BalanceTransaction) error
}

// recordedKinds are the journal kinds the recorder writes.
var recordedKinds = []schema.RecordKind{
	schema.RecordSignal,
	schema.RecordRiskLog,
	schema.RecordHalt,
	schema.RecordInstance,
	schema.RecordBalance,
}

const recorderAttempts = 3

// Recorder writes journal records to an AuditStore. Every write is an idempotent
// upsert, so records replayed by the durable bus are harmless.
type Recorder struct {
	store  AuditStore
	logger *zap.Logger
}

// NewRecorder constructs a Recorder.
func NewRecorder(store AuditStore, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, logger: logging.OrNop(logger).Named("recorder")}
}

// Run consumes bus records until ctx ends or the subscription closes.
func (r *Recorder) Run(ctx context.Context, bus eventbus.Bus) error {
	id, records, err := bus.Subscribe(ctx, recordedKinds...)
	if err != nil {
		return fmt.Errorf("recorder subscribe: %w", err)
	}
	defer bus.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-records:
			if !ok {
				return nil
			}
			r.Record(ctx, rec)
		}
	}
}

// Record persists one record, retrying transient failures a few times.
func (r *Recorder) Record(ctx context.Context, rec schema.Record) {
	bo := backoff.NewExponentialBackOff()
	for attempt := 1; ; attempt++ {
		err := r.write(ctx, rec)
		if err == nil {
			return
		}
		if attempt >= recorderAttempts || ctx.Err() != nil {
			r.logger.Error("journal record not persisted",
				zap.String("kind", string(rec.Kind)),
				zap.String("aggregate", rec.AggregateID()),
				zap.Uint64("seq", rec.Seq),
				zap.Error(err))
			return
		}
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (r *Recorder) write(ctx context.Context, rec schema.Record) error {
	switch {
	case rec.Signal != nil:
		return r.store.SaveSignal(ctx, *rec.Signal)
	case rec.RiskLog != nil:
		return r.store.AppendRiskLog(ctx, *rec.RiskLog)
	case rec.Halt != nil:
		return r.store.RecordHalt(ctx, *rec.Halt)
	case rec.Instance != nil:
		return r.store.SaveInstance(ctx, *rec.Instance)
	case rec.Balance != nil:
		return r.store.AppendBalanceTransaction(ctx, *rec.Balance)
	}
	return nil
}
