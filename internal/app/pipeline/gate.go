package pipeline

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/domain/schema"
)

const laneBuffer = 64

func laneKey(project, instrument string) string {
	return project + "/" + instrument
}

// gate routes resolved signals onto one lane per (project, instrument). A lane
// handles its signals one at a time in resolution order; lanes run in parallel.
func (p *Pipeline) gate(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.closeLanes()
			return
		case sig, ok := <-p.queue.Resolved():
			if !ok {
				p.closeLanes()
				return
			}
			p.lane(ctx, sig) <- sig
		}
	}
}

func (p *Pipeline) lane(ctx context.Context, sig schema.Signal) chan<- schema.Signal {
	key := laneKey(sig.Project, sig.Instrument)
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.lanes[key]
	if !ok {
		ch = make(chan schema.Signal, laneBuffer)
		p.lanes[key] = ch
		p.wg.Go(func() {
			for sig := range ch {
				p.handle(ctx, sig)
			}
		})
	}
	return ch
}

func (p *Pipeline) closeLanes() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, ch := range p.lanes {
		close(ch)
		delete(p.lanes, key)
	}
}

// handle consumes one resolved signal. Confirmed signals are risk checked and,
// when approved, become exactly one order.
func (p *Pipeline) handle(ctx context.Context, sig schema.Signal) {
	if sig.State == schema.SignalRejected {
		p.consume(ctx, sig.ID, errs.ReasonNone)
		return
	}
	key := laneKey(sig.Project, sig.Instrument)
	err := p.keys.Do(ctx, key, func() error {
		decision := p.risk.Check(ctx, sig)
		if !decision.Approved {
			p.consume(ctx, sig.ID, decision.Reason)
			return nil
		}
		project, _ := p.risk.Project(sig.Project)
		order, err := p.dispatcher.Submit(ctx, orderFor(sig, project))
		if err != nil {
			p.logger.Warn("order dispatch failed",
				zap.String("signal", sig.ID),
				zap.String("order", order.ID),
				zap.Error(err))
			p.consume(ctx, sig.ID, errs.ReasonExecutorSubmissionFailed)
			return nil
		}
		p.consume(ctx, sig.ID, errs.ReasonNone)
		return nil
	})
	if err != nil {
		p.logger.Warn("signal dropped at shutdown", zap.String("signal", sig.ID), zap.Error(err))
	}
}

func (p *Pipeline) consume(ctx context.Context, id string, reason errs.Reason) {
	if _, err := p.queue.Consume(ctx, id, reason); err != nil {
		p.logger.Warn("consume signal", zap.String("signal", id), zap.Error(err))
	}
}

// orderFor derives the order for an approved signal. Synthetic closes always go
// out at market; a limit project without a price hint falls back to market too.
func orderFor(sig schema.Signal, project schema.Project) schema.Order {
	origin := sig.Origin
	if origin == "" {
		origin = sig.OpenedBy
	}
	order := schema.Order{
		ID:         uuid.NewString(),
		SignalID:   sig.ID,
		Project:    sig.Project,
		Instrument: sig.Instrument,
		Side:       sig.Side,
		Quantity:   sig.Quantity,
		Pricing:    schema.PricePolicy{Type: schema.OrderTypeMarket},
		Executor:   project.Executor,
		Origin:     origin,
	}
	if project.OrderType == schema.OrderTypeLimit && !sig.Synthetic && sig.PriceHint.IsPositive() {
		order.Pricing = schema.PricePolicy{Type: schema.OrderTypeLimit, LimitPrice: sig.PriceHint}
	}
	return order
}
