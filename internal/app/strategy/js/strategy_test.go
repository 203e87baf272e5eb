package js

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/quantflow/internal/app/strategy"
	"github.com/coachpo/quantflow/internal/domain/schema"
)

const echoModule = `
module.exports = {
  metadata: { name: "Echo", description: "buys the configured size on every trade", params: { size: 2 } },
  create: function (env) {
    var size = env.params.size;
    return {
      setParams: function (p) { size = p.size; },
      onEvent: function (event, ctx) {
        if (event.kind !== "TRADE") { return []; }
        return [{ side: "buy", quantity: size, price: event.price }];
      }
    };
  }
};
`

const spinModule = `
module.exports = {
  metadata: { name: "spin" },
  create: function () {
    return { onEvent: function () { for (;;) {} } };
  }
};
`

const throwModule = `
module.exports = {
  metadata: { name: "thrower" },
  create: function () {
    return { onEvent: function () { throw new Error("bad input"); } };
  }
};
`

const sideModule = `
module.exports = {
  metadata: { name: "side" },
  create: function () {
    return {
      onEvent: function (event, ctx) {
        return [{ side: "sell", quantity: ctx.position.pendingBuy + ctx.position.pendingSell }];
      }
    };
  }
};
`

type fixedPositions struct{ pos schema.Position }

func (f fixedPositions) Read(project, instrument string) schema.Position { return f.pos }

func writeModules(t *testing.T, files map[string]string) *Loader {
	t.Helper()
	dir := t.TempDir()
	for name, src := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	loader, err := NewLoader(dir)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	if err := loader.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	return loader
}

func trade(price int64) schema.MarketEvent {
	return schema.MarketEvent{Instrument: "BTC-USDT", Kind: schema.EventKindTrade, Price: decimal.NewFromInt(price), Time: time.Now()}
}

func TestLoaderCompilesModules(t *testing.T) {
	loader := writeModules(t, map[string]string{"echo.js": echoModule, "notes.txt": "ignored"})
	modules := loader.List()
	if len(modules) != 1 || modules[0].Name != "echo" {
		t.Fatalf("expected lowercase echo module, got %+v", modules)
	}
	if modules[0].Hash == "" || modules[0].Metadata.Params["size"] == nil {
		t.Fatalf("expected hash and default params, got %+v", modules[0])
	}
	if _, err := loader.Get("missing"); !errors.Is(err, ErrModuleNotFound) {
		t.Fatalf("expected ErrModuleNotFound, got %v", err)
	}
}

func TestLoaderRejectsModuleWithoutMetadata(t *testing.T) {
	dir := t.TempDir()
	src := `module.exports = { create: function () { return {}; } };`
	if err := os.WriteFile(filepath.Join(dir, "bad.js"), []byte(src), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	loader, err := NewLoader(dir)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	if err := loader.Refresh(context.Background()); err == nil {
		t.Fatalf("expected metadata error")
	}
}

func TestStrategyProducesIntentsAndTakesParams(t *testing.T) {
	loader := writeModules(t, map[string]string{"echo.js": echoModule})
	module, _ := loader.Get("echo")
	strat, err := NewStrategy(module, strategy.Env{Instance: "i1", Project: "alpha", Instruments: []string{"BTC-USDT"}}, nil)
	if err != nil {
		t.Fatalf("new strategy: %v", err)
	}
	defer strat.Close()

	intents, err := strat.OnEvent(context.Background(), trade(100))
	if err != nil {
		t.Fatalf("on event: %v", err)
	}
	if len(intents) != 1 || intents[0].Side != schema.SideBuy || !intents[0].Quantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("unexpected intents %+v", intents)
	}
	if !intents[0].PriceHint.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("expected price hint 100, got %s", intents[0].PriceHint)
	}

	if err := strat.SetParams(map[string]any{"size": 5}); err != nil {
		t.Fatalf("set params: %v", err)
	}
	intents, _ = strat.OnEvent(context.Background(), trade(101))
	if !intents[0].Quantity.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected updated size 5, got %s", intents[0].Quantity)
	}
}

func TestContextExposesPendingPerSide(t *testing.T) {
	loader := writeModules(t, map[string]string{"side.js": sideModule})
	module, _ := loader.Get("side")
	positions := fixedPositions{pos: schema.Position{Quantity: decimal.NewFromInt(4),
		PendingBuy: decimal.NewFromInt(3), PendingSell: decimal.NewFromInt(2), Pending: decimal.NewFromInt(1)}}
	strat, err := NewStrategy(module, strategy.Env{Instance: "i4", Project: "alpha", Positions: positions}, nil)
	if err != nil {
		t.Fatalf("new strategy: %v", err)
	}
	defer strat.Close()

	intents, err := strat.OnEvent(context.Background(), trade(100))
	if err != nil {
		t.Fatalf("on event: %v", err)
	}
	if len(intents) != 1 || !intents[0].Quantity.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("expected both pending sides in context, got %+v", intents)
	}
}

func TestInfiniteLoopInterruptedByDeadline(t *testing.T) {
	loader := writeModules(t, map[string]string{"spin.js": spinModule})
	module, _ := loader.Get("spin")
	strat, err := NewStrategy(module, strategy.Env{Instance: "i2", Project: "alpha"}, nil)
	if err != nil {
		t.Fatalf("new strategy: %v", err)
	}
	defer strat.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = strat.OnEvent(ctx, trade(1))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("interrupt took too long")
	}
}

func TestThrownErrorSurfaces(t *testing.T) {
	loader := writeModules(t, map[string]string{"throw.js": throwModule})
	module, _ := loader.Get("thrower")
	strat, err := NewStrategy(module, strategy.Env{Instance: "i3", Project: "alpha"}, nil)
	if err != nil {
		t.Fatalf("new strategy: %v", err)
	}
	defer strat.Close()
	if _, err := strat.OnEvent(context.Background(), trade(1)); err == nil {
		t.Fatalf("expected thrown error")
	}
}

func TestRegisterAddsCatalogEntries(t *testing.T) {
	loader := writeModules(t, map[string]string{"echo.js": echoModule})
	catalog := strategy.NewCatalog()
	Register(catalog, loader, nil)
	def, err := catalog.Lookup("echo")
	if err != nil || def.Kind != "js" {
		t.Fatalf("expected js definition, got %+v %v", def, err)
	}
	if _, err := catalog.Lookup("momentum"); err != nil {
		t.Fatalf("native strategies must stay registered: %v", err)
	}
}

func TestBundledStrategiesCompile(t *testing.T) {
	loader, err := NewLoader(filepath.Join("..", "..", "..", "..", "strategies"))
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	if err := loader.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if _, err := loader.Get("mean_reversion"); err != nil {
		t.Fatalf("mean_reversion not loaded: %v", err)
	}
}
