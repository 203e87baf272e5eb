package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/domain/schema"
	"github.com/coachpo/quantflow/internal/infra/logging"
	"github.com/coachpo/quantflow/internal/infra/telemetry"
)

// Subscriber supplies market events per instrument.
type Subscriber interface {
	Subscribe(ctx context.Context, instrument string) <-chan schema.MarketEvent
}

// SignalSink receives signals emitted by running instances.
type SignalSink interface {
	Publish(ctx context.Context, sig schema.Signal)
}

// Spec is a request to start a strategy instance.
type Spec struct {
	ID          string
	Project     string
	Strategy    string
	Instruments []string
	Params      map[string]any
}

// Options wires a Runtime.
type Options struct {
	Catalog     *Catalog
	Feed        Subscriber
	Signals     SignalSink
	Positions   PositionReader
	CallBudget  time.Duration
	EventBuffer int
	Logger      *zap.Logger
	Metrics     *telemetry.Metrics
	// OnStatus observes every instance state change.
	OnStatus func(schema.InstanceStatus)
	Clock    func() time.Time
}

// Runtime owns strategy instances and their goroutines.
type Runtime struct {
	opts   Options
	logger *zap.Logger

	base   context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	instances map[string]*instance
}

type paramsRequest struct {
	params map[string]any
	reply  chan error
}

type instance struct {
	spec Spec
	def  Definition

	mu        sync.Mutex
	state     schema.InstanceState
	lastErr   string
	updatedAt time.Time

	cancel context.CancelFunc
	params chan paramsRequest
	done   chan struct{}
}

// NewRuntime constructs a runtime. Catalog, Feed and Signals are required.
func NewRuntime(opts Options) (*Runtime, error) {
	if opts.Catalog == nil || opts.Feed == nil || opts.Signals == nil {
		return nil, fmt.Errorf("strategy runtime: catalog, feed and signal sink required")
	}
	if opts.CallBudget <= 0 {
		opts.CallBudget = 250 * time.Millisecond
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	base, cancel := context.WithCancel(context.Background())
	return &Runtime{
		opts:      opts,
		logger:    logging.OrNop(opts.Logger).Named("strategy"),
		base:      base,
		cancel:    cancel,
		instances: make(map[string]*instance),
	}, nil
}

func (s Spec) normalize() (Spec, error) {
	s.ID = strings.TrimSpace(s.ID)
	s.Project = strings.TrimSpace(s.Project)
	s.Strategy = strings.ToLower(strings.TrimSpace(s.Strategy))
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Project == "" || s.Strategy == "" {
		return s, errs.New("strategy", errs.CodeInvalid,
			errs.WithEntityID(s.ID),
			errs.WithMessage("project and strategy are required"))
	}
	seen := make(map[string]struct{}, len(s.Instruments))
	instruments := make([]string, 0, len(s.Instruments))
	for _, raw := range s.Instruments {
		symbol := schema.NormalizeInstrument(raw)
		if symbol == "" {
			continue
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		instruments = append(instruments, symbol)
	}
	if len(instruments) == 0 {
		return s, errs.New("strategy", errs.CodeInvalid,
			errs.WithEntityID(s.ID),
			errs.WithMessage("at least one instrument is required"))
	}
	s.Instruments = instruments
	s.Params = CloneParams(s.Params)
	return s, nil
}

// Start creates and launches an instance. Restarting a Stopped or Failed instance
// with the same id replaces it.
func (r *Runtime) Start(ctx context.Context, spec Spec) (schema.InstanceStatus, error) {
	if err := ctx.Err(); err != nil {
		return schema.InstanceStatus{}, err
	}
	spec, err := spec.normalize()
	if err != nil {
		return schema.InstanceStatus{}, err
	}
	def, err := r.opts.Catalog.Lookup(spec.Strategy)
	if err != nil {
		return schema.InstanceStatus{}, err
	}

	r.mu.Lock()
	if existing, ok := r.instances[spec.ID]; ok {
		if existing.active() {
			r.mu.Unlock()
			return existing.status(), errs.New("strategy", errs.CodeConflict,
				errs.WithEntityID(spec.ID),
				errs.WithMessage("instance already active"))
		}
	}
	inst := &instance{
		spec:   spec,
		def:    def,
		state:  schema.InstanceStopped,
		params: make(chan paramsRequest),
		done:   make(chan struct{}),
	}
	r.instances[spec.ID] = inst
	r.mu.Unlock()

	strat, err := def.Factory(Env{
		Instance:    spec.ID,
		Project:     spec.Project,
		Instruments: append([]string(nil), spec.Instruments...),
		Params:      CloneParams(spec.Params),
		Positions:   r.opts.Positions,
	})
	if err != nil {
		close(inst.done)
		failure := runtimeError(spec.ID, errs.ReasonStrategyRuntime, "strategy construction failed", err)
		r.setState(inst, schema.InstanceFailed, failure)
		r.opts.Metrics.StrategyFailed(ctx, def.Name, string(errs.ReasonStrategyRuntime))
		return inst.status(), failure
	}

	runCtx, cancel := context.WithCancel(r.base)
	inst.cancel = cancel
	r.setState(inst, schema.InstanceStarting, nil)
	go r.run(runCtx, inst, strat)

	r.logger.Info("instance started",
		zap.String("instance", spec.ID),
		zap.String("project", spec.Project),
		zap.String("strategy", def.Name),
		zap.Strings("instruments", spec.Instruments))
	return inst.status(), nil
}

// Stop halts emission from the instance immediately and waits for its goroutines
// to exit. Signals already handed to the sink are unaffected.
func (r *Runtime) Stop(ctx context.Context, id string) (schema.InstanceStatus, error) {
	inst, err := r.lookup(id)
	if err != nil {
		return schema.InstanceStatus{}, err
	}
	inst.mu.Lock()
	switch inst.state {
	case schema.InstanceStopped:
		inst.mu.Unlock()
		return inst.status(), nil
	case schema.InstanceFailed:
		inst.mu.Unlock()
		r.setState(inst, schema.InstanceStopped, nil)
		return inst.status(), nil
	}
	wasRunning := inst.state == schema.InstanceRunning
	inst.state = schema.InstanceStopping
	inst.updatedAt = r.opts.Clock()
	inst.mu.Unlock()
	if wasRunning {
		r.opts.Metrics.StrategyRunning(ctx, inst.def.Name, -1)
	}
	r.notify(inst)

	if inst.cancel != nil {
		inst.cancel()
	}
	select {
	case <-inst.done:
	case <-ctx.Done():
		return inst.status(), ctx.Err()
	}
	r.setState(inst, schema.InstanceStopped, nil)
	r.logger.Info("instance stopped", zap.String("instance", inst.spec.ID))
	return inst.status(), nil
}

// UpdateParams applies params to an active instance between events, or stores them
// for the next start when the instance is idle.
func (r *Runtime) UpdateParams(ctx context.Context, id string, params map[string]any) (schema.InstanceStatus, error) {
	inst, err := r.lookup(id)
	if err != nil {
		return schema.InstanceStatus{}, err
	}
	req := paramsRequest{params: CloneParams(params), reply: make(chan error, 1)}
	if inst.active() {
		select {
		case inst.params <- req:
		case <-inst.done:
			return r.storeParams(inst, req.params), nil
		case <-ctx.Done():
			return inst.status(), ctx.Err()
		}
		select {
		case err := <-req.reply:
			if err != nil {
				return inst.status(), errs.New("strategy", errs.CodeInvalid,
					errs.WithEntityID(id),
					errs.WithMessage("params rejected"),
					errs.WithCause(err))
			}
		case <-ctx.Done():
			return inst.status(), ctx.Err()
		}
	}
	return r.storeParams(inst, req.params), nil
}

func (r *Runtime) storeParams(inst *instance, params map[string]any) schema.InstanceStatus {
	inst.mu.Lock()
	inst.spec.Params = params
	inst.updatedAt = r.opts.Clock()
	inst.mu.Unlock()
	r.notify(inst)
	return inst.status()
}

// Instance returns the status of one instance.
func (r *Runtime) Instance(id string) (schema.InstanceStatus, error) {
	inst, err := r.lookup(id)
	if err != nil {
		return schema.InstanceStatus{}, err
	}
	return inst.status(), nil
}

// Instances lists every known instance ordered by id.
func (r *Runtime) Instances() []schema.InstanceStatus {
	r.mu.RLock()
	out := make([]schema.InstanceStatus, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst.status())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close stops every instance and waits for them to exit or ctx to end.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	var failures []error
	for _, id := range ids {
		if _, err := r.Stop(ctx, id); err != nil {
			failures = append(failures, err)
		}
	}
	r.cancel()
	return errors.Join(failures...)
}

func (r *Runtime) lookup(id string) (*instance, error) {
	r.mu.RLock()
	inst, ok := r.instances[strings.TrimSpace(id)]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New("strategy", errs.CodeNotFound,
			errs.WithEntityID(id),
			errs.WithMessage("instance not found"))
	}
	return inst, nil
}

func (r *Runtime) run(ctx context.Context, inst *instance, strat Strategy) {
	defer close(inst.done)

	events := make(chan schema.MarketEvent, r.opts.EventBuffer)
	var feeds conc.WaitGroup
	var calls sync.WaitGroup
	defer feeds.Wait()
	defer inst.cancel()
	defer r.closeStrategy(inst, strat, &calls)

	for _, symbol := range inst.spec.Instruments {
		stream := r.opts.Feed.Subscribe(ctx, symbol)
		feeds.Go(func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-stream:
					if !ok {
						return
					}
					select {
					case events <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-inst.params:
			var err error
			if cfg, ok := strat.(Configurable); ok {
				err = cfg.SetParams(req.params)
			}
			req.reply <- err
		case ev := <-events:
			intents, err := r.call(ctx, inst, strat, &calls, ev)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.fail(inst, err)
				return
			}
			r.markRunning(ctx, inst)
			r.emit(ctx, inst, ev, intents)
		}
	}
}

type callResult struct {
	intents []Intent
	err     error
}

// call runs OnEvent under the time budget. An over-budget call is abandoned
// but stays counted in calls until it returns.
func (r *Runtime) call(ctx context.Context, inst *instance, strat Strategy, calls *sync.WaitGroup, ev schema.MarketEvent) ([]Intent, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.opts.CallBudget)
	defer cancel()

	done := make(chan callResult, 1)
	started := r.opts.Clock()
	calls.Add(1)
	go func() {
		defer calls.Done()
		defer func() {
			if rec := recover(); rec != nil {
				done <- callResult{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		intents, err := strat.OnEvent(callCtx, ev)
		done <- callResult{intents: intents, err: err}
	}()

	select {
	case out := <-done:
		r.opts.Metrics.StrategyCall(ctx, inst.def.Name, r.opts.Clock().Sub(started))
		if out.err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(out.err, context.DeadlineExceeded) {
				return nil, runtimeError(inst.spec.ID, errs.ReasonStrategyTimeout, "time budget exceeded", out.err)
			}
			return nil, runtimeError(inst.spec.ID, errs.ReasonStrategyRuntime, "event handler failed", out.err)
		}
		return out.intents, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if interrupter, ok := strat.(Interrupter); ok {
			interrupter.Interrupt("time budget exceeded")
		}
		return nil, runtimeError(inst.spec.ID, errs.ReasonStrategyTimeout,
			fmt.Sprintf("time budget %s exceeded", r.opts.CallBudget), callCtx.Err())
	}
}

// closeStrategy closes strat once no OnEvent call is in flight. If an abandoned
// call outlives one more budget, Close is handed to a goroutine that waits for
// it so teardown does not block on a stuck handler.
func (r *Runtime) closeStrategy(inst *instance, strat Strategy, calls *sync.WaitGroup) {
	idle := make(chan struct{})
	go func() {
		calls.Wait()
		close(idle)
	}()
	select {
	case <-idle:
		strat.Close()
	case <-time.After(r.opts.CallBudget):
		r.logger.Warn("close deferred until abandoned event handler returns",
			zap.String("instance", inst.spec.ID))
		go func() {
			<-idle
			strat.Close()
		}()
	}
}

func runtimeError(id string, reason errs.Reason, msg string, cause error) error {
	code := errs.CodeInternal
	if reason == errs.ReasonStrategyTimeout {
		code = errs.CodeTimeout
	}
	return errs.New("strategy_instance", code,
		errs.WithEntityID(id),
		errs.WithReason(reason),
		errs.WithMessage(msg),
		errs.WithCause(cause))
}

func (r *Runtime) emit(ctx context.Context, inst *instance, ev schema.MarketEvent, intents []Intent) {
	if len(intents) == 0 {
		return
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != schema.InstanceRunning || ctx.Err() != nil {
		return
	}
	now := r.opts.Clock()
	for _, intent := range intents {
		instrument := schema.NormalizeInstrument(intent.Instrument)
		if instrument == "" {
			instrument = ev.Instrument
		}
		if !inst.binds(instrument) {
			r.logger.Warn("intent for unbound instrument dropped",
				zap.String("instance", inst.spec.ID),
				zap.String("instrument", instrument))
			continue
		}
		hint := intent.PriceHint
		if hint.IsZero() {
			hint = ev.MarkPrice()
		}
		sig := schema.Signal{
			ID:         uuid.NewString(),
			Project:    inst.spec.Project,
			Instrument: instrument,
			Side:       intent.Side,
			Quantity:   intent.Quantity.Abs(),
			PriceHint:  hint,
			Origin:     inst.spec.ID,
			CreatedAt:  now,
			State:      schema.SignalPending,
			UpdatedAt:  now,
		}
		if err := sig.Validate(); err != nil {
			r.logger.Warn("invalid intent dropped", zap.String("instance", inst.spec.ID), zap.Error(err))
			continue
		}
		r.opts.Signals.Publish(ctx, sig)
	}
}

func (r *Runtime) markRunning(ctx context.Context, inst *instance) {
	inst.mu.Lock()
	if inst.state != schema.InstanceStarting {
		inst.mu.Unlock()
		return
	}
	inst.state = schema.InstanceRunning
	inst.updatedAt = r.opts.Clock()
	inst.mu.Unlock()
	r.opts.Metrics.StrategyRunning(ctx, inst.def.Name, 1)
	r.notify(inst)
}

func (r *Runtime) fail(inst *instance, err error) {
	inst.mu.Lock()
	wasRunning := inst.state == schema.InstanceRunning
	inst.mu.Unlock()
	if wasRunning {
		r.opts.Metrics.StrategyRunning(context.Background(), inst.def.Name, -1)
	}
	r.setState(inst, schema.InstanceFailed, err)
	r.opts.Metrics.StrategyFailed(context.Background(), inst.def.Name, string(errs.ReasonOf(err)))
	r.logger.Error("instance failed",
		zap.String("instance", inst.spec.ID),
		zap.String("project", inst.spec.Project),
		zap.Error(err))
}

func (r *Runtime) setState(inst *instance, state schema.InstanceState, cause error) {
	inst.mu.Lock()
	inst.state = state
	if cause != nil {
		inst.lastErr = cause.Error()
	} else if state == schema.InstanceStarting {
		inst.lastErr = ""
	}
	inst.updatedAt = r.opts.Clock()
	inst.mu.Unlock()
	r.notify(inst)
}

func (r *Runtime) notify(inst *instance) {
	if r.opts.OnStatus != nil {
		r.opts.OnStatus(inst.status())
	}
}

func (i *instance) active() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	switch i.state {
	case schema.InstanceStarting, schema.InstanceRunning, schema.InstanceStopping:
		return true
	}
	return false
}

func (i *instance) binds(instrument string) bool {
	for _, symbol := range i.spec.Instruments {
		if symbol == instrument {
			return true
		}
	}
	return false
}

func (i *instance) status() schema.InstanceStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return schema.InstanceStatus{
		ID:          i.spec.ID,
		Project:     i.spec.Project,
		Strategy:    i.def.Name,
		Instruments: append([]string(nil), i.spec.Instruments...),
		Params:      CloneParams(i.spec.Params),
		State:       i.state,
		LastError:   i.lastErr,
		UpdatedAt:   i.updatedAt,
	}
}
