package pipeline

import (
	"context"
	"slices"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/app/risk"
	"github.com/coachpo/quantflow/internal/app/signalqueue"
	"github.com/coachpo/quantflow/internal/app/strategy"
	"github.com/coachpo/quantflow/internal/domain/schema"
)

// UpsertProject installs or replaces a project. When limits is non-nil a new
// limits version is published as well.
func (p *Pipeline) UpsertProject(ctx context.Context, project schema.Project, limits *schema.RiskLimit) (schema.Project, error) {
	if project.ID == "" {
		return project, errs.New("project", errs.CodeInvalid, errs.WithMessage("project id required"))
	}
	if !slices.Contains(p.dispatcher.Executors(), project.Executor) {
		return project, errs.New("project", errs.CodeInvalid,
			errs.WithEntityID(project.ID),
			errs.WithMessage("executor "+project.Executor+" not registered"))
	}
	instruments := make([]string, 0, len(project.Instruments))
	for _, instrument := range project.Instruments {
		if normalized := schema.NormalizeInstrument(instrument); normalized != "" && !slices.Contains(instruments, normalized) {
			instruments = append(instruments, normalized)
		}
	}
	project.Instruments = instruments
	if project.Confirmation == "" {
		project.Confirmation = schema.ConfirmAuto
	}
	if project.OrderType == "" {
		project.OrderType = schema.OrderTypeMarket
	}

	p.risk.UpsertProject(project)
	p.ledger.OpenAccount(project.ID, project.InitialCapital)
	p.queue.SetPolicy(project.ID, signalqueue.Policy{
		Confirmation: project.Confirmation,
		AllowOverlap: project.AllowOverlap,
		Expiry:       project.SignalExpiry,
	})
	p.ensureMarking(project.Instruments...)
	if limits != nil {
		next := *limits
		next.Project = project.ID
		if _, err := p.UpdateRiskLimits(ctx, next); err != nil {
			return project, err
		}
	}
	p.logger.Info("project configured",
		zap.String("project", project.ID),
		zap.Strings("instruments", project.Instruments),
		zap.String("confirmation", string(project.Confirmation)),
		zap.Bool("enabled", project.Enabled))
	return project, nil
}

// SetProjectEnabled toggles whether strategy signals for the project may trade.
func (p *Pipeline) SetProjectEnabled(_ context.Context, id string, enabled bool) (schema.Project, error) {
	project, ok := p.risk.Project(id)
	if !ok {
		return schema.Project{}, projectNotFound(id)
	}
	project.Enabled = enabled
	p.risk.UpsertProject(project)
	return project, nil
}

// UpdateRiskLimits validates and publishes a new limits version. Persistence
// failures are logged; the new version is live either way.
func (p *Pipeline) UpdateRiskLimits(ctx context.Context, limits schema.RiskLimit) (schema.RiskLimit, error) {
	if _, ok := p.risk.Project(limits.Project); !ok {
		return limits, projectNotFound(limits.Project)
	}
	checks := []struct {
		name  string
		value decimal.Decimal
	}{
		{"maxPositionSize", limits.MaxPositionSize},
		{"maxOrderNotional", limits.MaxOrderNotional},
		{"stopLossPct", limits.StopLossPct},
		{"takeProfitPct", limits.TakeProfitPct},
		{"emergencyLossPct", limits.EmergencyLossPct},
	}
	for _, check := range checks {
		if check.value.IsNegative() {
			return limits, errs.New("risk_limit", errs.CodeInvalid,
				errs.WithEntityID(limits.Project),
				errs.WithMessage(check.name+" must not be negative"))
		}
	}
	if limits.MaxOpenOrders < 0 {
		return limits, errs.New("risk_limit", errs.CodeInvalid,
			errs.WithEntityID(limits.Project),
			errs.WithMessage("maxOpenOrders must not be negative"))
	}
	next := p.risk.SetLimits(limits)
	if p.opts.Store != nil {
		if err := p.opts.Store.SaveLimits(ctx, next); err != nil {
			p.logger.Error("persist risk limits",
				zap.String("project", next.Project),
				zap.Uint64("version", next.Version),
				zap.Error(err))
		}
	}
	return next, nil
}

// RemoveProject forgets a project. It refuses while the project holds positions,
// open orders or active strategy instances.
func (p *Pipeline) RemoveProject(_ context.Context, id string) error {
	if _, ok := p.risk.Project(id); !ok {
		return projectNotFound(id)
	}
	if open := p.ledger.OpenPositions(id); len(open) > 0 {
		return errs.New("project", errs.CodeConflict, errs.WithEntityID(id), errs.WithMessage("project has open positions"))
	}
	if orders := p.dispatcher.OpenOrders(id); len(orders) > 0 {
		return errs.New("project", errs.CodeConflict, errs.WithEntityID(id), errs.WithMessage("project has open orders"))
	}
	for _, st := range p.runtime.Instances() {
		if st.Project == id && (st.State == schema.InstanceRunning || st.State == schema.InstanceStarting) {
			return errs.New("project", errs.CodeConflict,
				errs.WithEntityID(id),
				errs.WithMessage("strategy instance "+st.ID+" is still running"))
		}
	}
	for _, sig := range p.queue.Pending(id) {
		if _, err := p.queue.Reject(context.Background(), sig.ID, errs.ReasonProjectDisabled); err != nil {
			p.logger.Warn("reject pending signal", zap.String("signal", sig.ID), zap.Error(err))
		}
	}
	p.risk.RemoveProject(id)
	p.logger.Info("project removed", zap.String("project", id))
	return nil
}

// StartStrategy launches an instance bound to an existing project. Every
// instrument must be on the project's whitelist.
func (p *Pipeline) StartStrategy(ctx context.Context, spec strategy.Spec) (schema.InstanceStatus, error) {
	project, ok := p.risk.Project(spec.Project)
	if !ok {
		return schema.InstanceStatus{}, projectNotFound(spec.Project)
	}
	for _, instrument := range spec.Instruments {
		if !project.Allows(instrument) {
			return schema.InstanceStatus{}, errs.New("strategy", errs.CodeInvalid,
				errs.WithEntityID(spec.ID),
				errs.WithReason(errs.ReasonInstrumentNotAllowed),
				errs.WithMessage(instrument+" is not traded by project "+project.ID))
		}
	}
	p.ensureMarking(spec.Instruments...)
	return p.runtime.Start(ctx, spec)
}

// StopStrategy stops an instance. Signals it already emitted stay queued.
func (p *Pipeline) StopStrategy(ctx context.Context, id string) (schema.InstanceStatus, error) {
	return p.runtime.Stop(ctx, id)
}

// UpdateStrategyParams hot-swaps instance parameters.
func (p *Pipeline) UpdateStrategyParams(ctx context.Context, id string, params map[string]any) (schema.InstanceStatus, error) {
	return p.runtime.UpdateParams(ctx, id, params)
}

// ConfirmSignal manually confirms a pending signal.
func (p *Pipeline) ConfirmSignal(ctx context.Context, id string) (schema.Signal, error) {
	return p.queue.Confirm(ctx, id)
}

// RejectSignal manually rejects a pending signal.
func (p *Pipeline) RejectSignal(ctx context.Context, id string) (schema.Signal, error) {
	return p.queue.Reject(ctx, id, errs.ReasonManualReject)
}

// ClearHalt lifts a risk halt. It reports whether the project was halted.
func (p *Pipeline) ClearHalt(ctx context.Context, project string) (bool, error) {
	if _, ok := p.risk.Project(project); !ok {
		return false, projectNotFound(project)
	}
	return p.risk.ClearHalt(ctx, project), nil
}

// Flatten queues synthetic closing signals for the project's open positions, or
// for one instrument when instrument is set. Flatten runs even while halted.
func (p *Pipeline) Flatten(ctx context.Context, project, instrument string) ([]schema.Signal, error) {
	if _, ok := p.risk.Project(project); !ok {
		return nil, projectNotFound(project)
	}
	var positions []schema.Position
	if instrument != "" {
		positions = []schema.Position{p.ledger.Read(project, schema.NormalizeInstrument(instrument))}
	} else {
		positions = p.ledger.OpenPositions(project)
	}

	var queued []schema.Signal
	for _, pos := range positions {
		key := laneKey(pos.Project, pos.Instrument)
		err := p.keys.Do(ctx, key, func() error {
			current := p.ledger.Read(pos.Project, pos.Instrument)
			sig, ok := risk.ClosingSignal(current, schema.OriginOperator, errs.ReasonFlatten, p.opts.Clock())
			if !ok {
				return nil
			}
			out, err := p.queue.Enqueue(ctx, sig)
			if err != nil {
				return err
			}
			queued = append(queued, out)
			return nil
		})
		if err != nil {
			return queued, err
		}
	}
	p.logger.Info("flatten requested",
		zap.String("project", project),
		zap.String("instrument", instrument),
		zap.Int("signals", len(queued)))
	return queued, nil
}

// CancelOrder asks the venue to cancel an open order.
func (p *Pipeline) CancelOrder(ctx context.Context, id string) (schema.Order, error) {
	return p.dispatcher.Cancel(ctx, id)
}

// Projects lists configured projects.
func (p *Pipeline) Projects() []schema.Project { return p.risk.Projects() }

// Project returns one project.
func (p *Pipeline) Project(id string) (schema.Project, error) {
	project, ok := p.risk.Project(id)
	if !ok {
		return schema.Project{}, projectNotFound(id)
	}
	return project, nil
}

// Limits returns the live limits version for project.
func (p *Pipeline) Limits(project string) schema.RiskLimit { return p.risk.Limits(project) }

// Halted returns the active halt for project, if any.
func (p *Pipeline) Halted(project string) (schema.HaltEvent, bool) { return p.risk.Halted(project) }

// Positions lists the project's positions, marked to the latest price.
func (p *Pipeline) Positions(project string) []schema.Position { return p.ledger.Positions(project) }

// Portfolio aggregates the project's positions against its capital, which is
// the initial capital plus net deposits.
func (p *Pipeline) Portfolio(id string) (schema.Portfolio, error) {
	if _, ok := p.risk.Project(id); !ok {
		return schema.Portfolio{}, projectNotFound(id)
	}
	acct := p.ledger.Account(id)
	pf := p.ledger.Portfolio(id, acct.Capital())
	pf.InitialCapital = acct.InitialCapital
	pf.NetDeposits = acct.NetDeposits
	pf.Balance = acct.Balance()
	return pf, nil
}

// Account returns the project's cash balance.
func (p *Pipeline) Account(id string) (schema.Account, error) {
	if _, ok := p.risk.Project(id); !ok {
		return schema.Account{}, projectNotFound(id)
	}
	return p.ledger.Account(id), nil
}

// AdjustCapital books a deposit or withdrawal against the project. amount is
// unsigned; the resulting transaction is journaled.
func (p *Pipeline) AdjustCapital(_ context.Context, project string, amount decimal.Decimal, kind schema.BalanceKind, description string) (schema.BalanceTransaction, error) {
	if _, ok := p.risk.Project(project); !ok {
		return schema.BalanceTransaction{}, projectNotFound(project)
	}
	tx, err := p.ledger.Transfer(schema.BalanceTransaction{
		Project:     project,
		Kind:        kind,
		Amount:      amount,
		Description: description,
		Time:        p.opts.Clock(),
	})
	if err != nil {
		return tx, err
	}
	p.logger.Info("capital adjusted",
		zap.String("project", project),
		zap.String("kind", string(kind)),
		zap.String("amount", tx.Amount.String()),
		zap.String("balance", tx.BalanceAfter.String()))
	return tx, nil
}

// Orders lists orders still held in memory for project.
func (p *Pipeline) Orders(project string) []schema.Order { return p.dispatcher.Orders(project) }

// Order returns one order.
func (p *Pipeline) Order(id string) (schema.Order, error) {
	order, ok := p.dispatcher.Order(id)
	if !ok {
		return schema.Order{}, errs.New("order", errs.CodeNotFound, errs.WithEntityID(id))
	}
	return order, nil
}

// PendingSignals lists signals awaiting confirmation for project.
func (p *Pipeline) PendingSignals(project string) []schema.Signal { return p.queue.Pending(project) }

// Signal returns one signal by id.
func (p *Pipeline) Signal(id string) (schema.Signal, error) { return p.queue.Get(id) }

// Instances lists strategy instances.
func (p *Pipeline) Instances() []schema.InstanceStatus { return p.runtime.Instances() }

// Instance returns one strategy instance.
func (p *Pipeline) Instance(id string) (schema.InstanceStatus, error) { return p.runtime.Instance(id) }

// Strategies lists the strategy definitions that can be started.
func (p *Pipeline) Strategies() []strategy.Definition { return p.opts.Catalog.List() }

func projectNotFound(id string) error {
	return errs.New("project", errs.CodeNotFound, errs.WithEntityID(id), errs.WithMessage("project not configured"))
}
