// Package strategy runs isolated strategy instances against market events and turns
// their intents into pending signals.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/quantflow/errs"
	"github.com/coachpo/quantflow/internal/domain/schema"
)

// Intent is a strategy's request to trade. The runtime stamps identity, origin and
// time when it becomes a Signal.
type Intent struct {
	Instrument string
	Side       schema.Side
	Quantity   decimal.Decimal
	PriceHint  decimal.Decimal
}

// Strategy is the closed contract every strategy implementation satisfies.
// OnEvent is never called concurrently for one instance, and Close runs only
// after the last OnEvent call has returned.
type Strategy interface {
	OnEvent(ctx context.Context, ev schema.MarketEvent) ([]Intent, error)
	Close()
}

// Configurable strategies accept parameter updates between events.
type Configurable interface {
	SetParams(params map[string]any) error
}

// Interrupter strategies can abort an in-flight OnEvent call.
type Interrupter interface {
	Interrupt(reason string)
}

// PositionReader exposes the ledger view a strategy may consult.
type PositionReader interface {
	Read(project, instrument string) schema.Position
}

// Env is handed to a factory when an instance starts.
type Env struct {
	Instance    string
	Project     string
	Instruments []string
	Params      map[string]any
	Positions   PositionReader
}

// Position returns the current position for instrument, flat when no reader is wired.
func (e Env) Position(instrument string) schema.Position {
	if e.Positions == nil {
		return schema.Position{Project: e.Project, Instrument: instrument}
	}
	return e.Positions.Read(e.Project, instrument)
}

// Factory builds a strategy for one instance.
type Factory func(env Env) (Strategy, error)

// Definition describes a strategy available to the runtime.
type Definition struct {
	Name        string
	Description string
	Kind        string
	Factory     Factory
}

// Catalog holds strategy definitions by name.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewCatalog returns a catalog preloaded with the native strategies.
func NewCatalog() *Catalog {
	c := &Catalog{defs: make(map[string]Definition)}
	c.Register(Definition{
		Name:        "momentum",
		Description: "Trades breakouts from a simple moving average",
		Kind:        "native",
		Factory:     NewMomentum,
	})
	return c
}

// Register adds or replaces a definition.
func (c *Catalog) Register(def Definition) {
	name := strings.ToLower(strings.TrimSpace(def.Name))
	if name == "" || def.Factory == nil {
		return
	}
	def.Name = name
	c.mu.Lock()
	c.defs[name] = def
	c.mu.Unlock()
}

// Lookup returns the named definition.
func (c *Catalog) Lookup(name string) (Definition, error) {
	c.mu.RLock()
	def, ok := c.defs[strings.ToLower(strings.TrimSpace(name))]
	c.mu.RUnlock()
	if !ok {
		return Definition{}, errs.New("strategy", errs.CodeNotFound,
			errs.WithEntityID(name),
			errs.WithMessage("strategy not registered"))
	}
	return def, nil
}

// List returns definitions sorted by name.
func (c *Catalog) List() []Definition {
	c.mu.RLock()
	out := make([]Definition, 0, len(c.defs))
	for _, def := range c.defs {
		out = append(out, def)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func paramInt(params map[string]any, key string, fallback int) (int, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("param %s: %w", key, err)
		}
		return int(d.IntPart()), nil
	default:
		return 0, fmt.Errorf("param %s: unsupported type %T", key, raw)
	}
}

func paramDecimal(params map[string]any, key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	raw, ok := params[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	out, err := ToDecimal(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("param %s: %w", key, err)
	}
	return out, nil
}

// ToDecimal converts loosely typed parameter and script values.
func ToDecimal(raw any) (decimal.Decimal, error) {
	switch v := raw.(type) {
	case decimal.Decimal:
		return v, nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case nil:
		return decimal.Zero, nil
	default:
		return decimal.Zero, fmt.Errorf("unsupported numeric type %T", raw)
	}
}

// CloneParams returns a shallow copy of params.
func CloneParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
