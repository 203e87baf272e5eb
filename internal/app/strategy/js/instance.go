package js

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dop251/goja"
)

// ErrFunctionMissing is returned when a requested export or method does not exist.
var ErrFunctionMissing = errors.New("strategy function missing")

var errInstanceClosed = errors.New("strategy instance: closed")

// Instance is an isolated goja VM. Every call runs on the instance goroutine.
type Instance struct {
	module *Module
	rt     *goja.Runtime
	export *goja.Object
	queue  chan func(*goja.Runtime)
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

type result struct {
	value goja.Value
	err   error
}

// NewInstance runs module in a fresh VM.
func NewInstance(module *Module) (*Instance, error) {
	if module == nil {
		return nil, fmt.Errorf("strategy instance: module required")
	}
	rt := goja.New()
	export, err := runModule(rt, module.Program)
	if err != nil {
		return nil, fmt.Errorf("strategy instance: execute %s: %w", module.Path, err)
	}
	instance := &Instance{
		module: module,
		rt:     rt,
		export: export,
		queue:  make(chan func(*goja.Runtime)),
	}
	instance.wg.Add(1)
	go instance.loop()
	return instance, nil
}

func (i *Instance) loop() {
	defer i.wg.Done()
	for cb := range i.queue {
		cb(i.rt)
	}
}

// Execute runs fn on the instance goroutine. Panics inside fn surface as errors.
func (i *Instance) Execute(fn func(rt *goja.Runtime, exports *goja.Object) (goja.Value, error)) (goja.Value, error) {
	if fn == nil {
		return nil, fmt.Errorf("strategy instance: callback required")
	}
	wait := make(chan result, 1)

	i.mu.RLock()
	if i.closed {
		i.mu.RUnlock()
		return nil, errInstanceClosed
	}
	i.queue <- func(rt *goja.Runtime) {
		defer func() {
			if rec := recover(); rec != nil {
				wait <- result{err: fmt.Errorf("strategy instance: panic: %v", rec)}
			}
		}()
		rt.ClearInterrupt()
		val, err := fn(rt, i.export)
		wait <- result{value: val, err: err}
	}
	i.mu.RUnlock()

	outcome := <-wait
	return outcome.value, outcome.err
}

// CallMethod invokes target[method](args...) on the instance goroutine.
func (i *Instance) CallMethod(target *goja.Object, method string, args ...any) (goja.Value, error) {
	if target == nil {
		return nil, fmt.Errorf("strategy instance: target required")
	}
	return i.Execute(func(rt *goja.Runtime, _ *goja.Object) (goja.Value, error) {
		value := target.Get(method)
		if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
			return nil, ErrFunctionMissing
		}
		callable, ok := goja.AssertFunction(value)
		if !ok {
			return nil, fmt.Errorf("strategy instance: method %q not callable", method)
		}
		params := make([]goja.Value, len(args))
		for idx, arg := range args {
			params[idx] = rt.ToValue(arg)
		}
		return callable(target, params...)
	})
}

// Interrupt aborts the JavaScript currently executing, if any. Safe from any goroutine.
func (i *Instance) Interrupt(reason string) {
	i.rt.Interrupt(reason)
}

// Close stops the instance goroutine.
func (i *Instance) Close() {
	i.once.Do(func() {
		i.mu.Lock()
		i.closed = true
		close(i.queue)
		i.mu.Unlock()
		i.wg.Wait()
	})
}
