package js

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/coachpo/quantflow/internal/app/strategy"
	"github.com/coachpo/quantflow/internal/domain/schema"
	"github.com/coachpo/quantflow/internal/infra/logging"
)

// Strategy adapts a JavaScript module to strategy.Strategy.
//
// A module exports `metadata` and `create(env)`; create returns a handler object with
// `onEvent(event, context)` returning an array of intents, and optionally
// `setParams(params)`.
type Strategy struct {
	instance *Instance
	handler  *goja.Object
	env      strategy.Env
	params   map[string]any
	logger   *zap.Logger
}

type jsEnv struct {
	Instance    string         `json:"instance"`
	Project     string         `json:"project"`
	Instruments []string       `json:"instruments"`
	Params      map[string]any `json:"params"`
}

type jsEvent struct {
	Instrument string  `json:"instrument"`
	Kind       string  `json:"kind"`
	Seq        uint64  `json:"seq"`
	Time       int64   `json:"time"`
	Price      float64 `json:"price"`
	Quantity   float64 `json:"quantity"`
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
	Mark       float64 `json:"mark"`
}

type jsPosition struct {
	Quantity      float64 `json:"quantity"`
	Pending       float64 `json:"pending"`
	PendingBuy    float64 `json:"pendingBuy"`
	PendingSell   float64 `json:"pendingSell"`
	AvgPrice      float64 `json:"avgPrice"`
	UnrealizedPnL float64 `json:"unrealizedPnl"`
	RealizedPnL   float64 `json:"realizedPnl"`
}

type jsContext struct {
	Position jsPosition     `json:"position"`
	Params   map[string]any `json:"params"`
}

type jsIntent struct {
	Instrument string `json:"instrument"`
	Side       string `json:"side"`
	Quantity   any    `json:"quantity"`
	Price      any    `json:"price"`
}

// NewStrategy instantiates module for one strategy instance.
func NewStrategy(module *Module, env strategy.Env, logger *zap.Logger) (*Strategy, error) {
	if module == nil {
		return nil, fmt.Errorf("js strategy: module required")
	}
	logger = logging.OrNop(logger).Named("js").With(
		zap.String("module", module.Name),
		zap.String("instance", env.Instance))

	instance, err := NewInstance(module)
	if err != nil {
		return nil, err
	}
	params := mergeParams(module.Metadata.Params, env.Params)

	value, err := instance.Execute(func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error) {
		if err := rt.Set("console", loggingConsole(rt, logger)); err != nil {
			return nil, err
		}
		create, ok := goja.AssertFunction(exports.Get("create"))
		if !ok {
			return nil, ErrFunctionMissing
		}
		handler, err := create(goja.Undefined(), rt.ToValue(jsEnv{
			Instance:    env.Instance,
			Project:     env.Project,
			Instruments: env.Instruments,
			Params:      params,
		}))
		if err != nil {
			return nil, err
		}
		if handler == nil || goja.IsUndefined(handler) || goja.IsNull(handler) {
			return nil, fmt.Errorf("create returned no handler")
		}
		return handler.ToObject(rt), nil
	})
	if err != nil {
		instance.Close()
		return nil, fmt.Errorf("js strategy %s: create failed: %w", module.Name, err)
	}
	handler, ok := value.(*goja.Object)
	if !ok {
		instance.Close()
		return nil, fmt.Errorf("js strategy %s: create result not object", module.Name)
	}
	return &Strategy{
		instance: instance,
		handler:  handler,
		env:      env,
		params:   params,
		logger:   logger,
	}, nil
}

// OnEvent implements strategy.Strategy. The VM is interrupted when ctx ends.
func (s *Strategy) OnEvent(ctx context.Context, ev schema.MarketEvent) ([]strategy.Intent, error) {
	stop := context.AfterFunc(ctx, func() { s.instance.Interrupt("time budget exceeded") })
	defer stop()

	pos := s.env.Position(ev.Instrument)
	value, err := s.instance.CallMethod(s.handler, "onEvent", toEvent(ev), jsContext{
		Position: jsPosition{
			Quantity:      pos.Quantity.InexactFloat64(),
			Pending:       pos.Pending.InexactFloat64(),
			PendingBuy:    pos.PendingBuy.InexactFloat64(),
			PendingSell:   pos.PendingSell.InexactFloat64(),
			AvgPrice:      pos.AvgPrice.InexactFloat64(),
			UnrealizedPnL: pos.UnrealizedPnL.InexactFloat64(),
			RealizedPnL:   pos.RealizedPnL.InexactFloat64(),
		},
		Params: s.params,
	})
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return nil, err
	}
	return s.decodeIntents(value)
}

func toEvent(ev schema.MarketEvent) jsEvent {
	return jsEvent{
		Instrument: ev.Instrument,
		Kind:       string(ev.Kind),
		Seq:        ev.Seq,
		Time:       ev.Time.UnixMilli(),
		Price:      ev.Price.InexactFloat64(),
		Quantity:   ev.Quantity.InexactFloat64(),
		Bid:        ev.Bid.InexactFloat64(),
		Ask:        ev.Ask.InexactFloat64(),
		Mark:       ev.MarkPrice().InexactFloat64(),
	}
}

func (s *Strategy) decodeIntents(value goja.Value) ([]strategy.Intent, error) {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	var raw []jsIntent
	if _, err := s.instance.Execute(func(rt *goja.Runtime, _ *goja.Object) (goja.Value, error) {
		return nil, rt.ExportTo(value, &raw)
	}); err != nil {
		return nil, fmt.Errorf("onEvent must return an array of intents: %w", err)
	}
	out := make([]strategy.Intent, 0, len(raw))
	for idx, item := range raw {
		side, err := schema.ParseSide(item.Side)
		if err != nil {
			return nil, fmt.Errorf("intent %d: %w", idx, err)
		}
		qty, err := strategy.ToDecimal(item.Quantity)
		if err != nil {
			return nil, fmt.Errorf("intent %d quantity: %w", idx, err)
		}
		price, err := strategy.ToDecimal(item.Price)
		if err != nil {
			return nil, fmt.Errorf("intent %d price: %w", idx, err)
		}
		out = append(out, strategy.Intent{
			Instrument: strings.TrimSpace(item.Instrument),
			Side:       side,
			Quantity:   qty,
			PriceHint:  price,
		})
	}
	return out, nil
}

// SetParams implements strategy.Configurable.
func (s *Strategy) SetParams(params map[string]any) error {
	merged := mergeParams(s.params, params)
	_, err := s.instance.CallMethod(s.handler, "setParams", merged)
	if err != nil && !errors.Is(err, ErrFunctionMissing) {
		return err
	}
	s.params = merged
	return nil
}

// Interrupt implements strategy.Interrupter.
func (s *Strategy) Interrupt(reason string) {
	s.instance.Interrupt(reason)
}

// Close implements strategy.Strategy.
func (s *Strategy) Close() {
	s.instance.Close()
}

func mergeParams(base, overrides map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func loggingConsole(rt *goja.Runtime, logger *zap.Logger) *goja.Object {
	console := rt.NewObject()
	write := func(level func(string, ...zap.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, arg.String())
			}
			level(strings.Join(parts, " "))
			return goja.Undefined()
		}
	}
	_ = console.Set("log", write(logger.Info))
	_ = console.Set("info", write(logger.Info))
	_ = console.Set("warn", write(logger.Warn))
	_ = console.Set("error", write(logger.Error))
	return console
}

// Register adds every loaded module to catalog.
func Register(catalog *strategy.Catalog, loader *Loader, logger *zap.Logger) {
	for _, module := range loader.List() {
		m := module
		catalog.Register(strategy.Definition{
			Name:        m.Name,
			Description: m.Metadata.Description,
			Kind:        "js",
			Factory: func(env strategy.Env) (strategy.Strategy, error) {
				return NewStrategy(m, env, logger)
			},
		})
	}
}
