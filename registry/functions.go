// Package registry aggregates the FUNCTION advertisements currently live on
// the bus into a local cache keyed by function id, and notifies subscribers as
// functions appear and disappear.
package registry

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/genesis-fabric/genesis/advert"
	"github.com/genesis-fabric/genesis/telemetry"
)

type (
	// Function is a shared-by-value snapshot of one advertised function.
	Function struct {
		ID              string
		Name            string
		Description     string
		ParameterSchema json.RawMessage
		ProviderGUID    string
		Endpoint        string
	}

	// Functions is the local function directory. It is populated by the
	// advertisement bus and safe for concurrent use.
	Functions struct {
		log telemetry.Logger

		mu         sync.Mutex
		byID       map[string]Function
		discovered []func(Function)
		removed    []func(Function)
		unsub      func()
	}
)

// NewFunctions subscribes to FUNCTION advertisements on the bus. The catch-up
// pass runs before NewFunctions returns, so the registry reflects all
// currently live functions immediately.
func NewFunctions(bus *advert.Bus, logger telemetry.Logger) *Functions {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	f := &Functions{
		log:  logger,
		byID: make(map[string]Function),
	}
	f.unsub = bus.Subscribe(advert.KindFunction, advert.Callbacks{
		OnAdd:    f.upsert,
		OnUpdate: f.refresh,
		OnRemove: f.remove,
	})
	return f
}

// Snapshot returns a copy of the current directory keyed by function id.
func (f *Functions) Snapshot() map[string]Function {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]Function, len(f.byID))
	for id, fn := range f.byID {
		out[id] = fn
	}
	return out
}

// Get returns the function with the given id.
func (f *Functions) Get(id string) (Function, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn, ok := f.byID[id]
	return fn, ok
}

// OnFunctionDiscovered registers a callback invoked for every currently known
// function first (catch-up), then for each future addition.
func (f *Functions) OnFunctionDiscovered(cb func(Function)) {
	f.mu.Lock()
	catchup := make([]Function, 0, len(f.byID))
	for _, fn := range f.byID {
		catchup = append(catchup, fn)
	}
	f.discovered = append(f.discovered, cb)
	f.mu.Unlock()
	for _, fn := range catchup {
		cb(fn)
	}
}

// OnFunctionRemoved registers a callback fired exactly once per function when
// it leaves the bus (clean dispose or liveliness loss).
func (f *Functions) OnFunctionRemoved(cb func(Function)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, cb)
}

// Close cancels the bus subscription.
func (f *Functions) Close() {
	if f.unsub != nil {
		f.unsub()
	}
}

func (f *Functions) upsert(key string, ad advert.Advertisement) {
	fn, ok := f.toFunction(key, ad)
	if !ok {
		return
	}
	f.mu.Lock()
	f.byID[fn.ID] = fn
	cbs := make([]func(Function), len(f.discovered))
	copy(cbs, f.discovered)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(fn)
	}
}

// refresh updates the cached record without firing discovery callbacks.
func (f *Functions) refresh(key string, ad advert.Advertisement) {
	fn, ok := f.toFunction(key, ad)
	if !ok {
		return
	}
	f.mu.Lock()
	f.byID[fn.ID] = fn
	f.mu.Unlock()
}

func (f *Functions) remove(key string, ad advert.Advertisement) {
	fn, ok := f.toFunction(key, ad)
	if !ok {
		return
	}
	f.mu.Lock()
	if _, present := f.byID[fn.ID]; !present {
		f.mu.Unlock()
		return
	}
	delete(f.byID, fn.ID)
	cbs := make([]func(Function), len(f.removed))
	copy(cbs, f.removed)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(fn)
	}
}

func (f *Functions) toFunction(key string, ad advert.Advertisement) (Function, bool) {
	if ad.Function == nil {
		f.log.Error(context.Background(), "function advertisement missing payload", "key", key)
		return Function{}, false
	}
	p := ad.Function
	return Function{
		ID:              p.FunctionID,
		Name:            p.Name,
		Description:     p.Description,
		ParameterSchema: p.ParameterSchema,
		ProviderGUID:    p.ProviderGUID,
		Endpoint:        p.Endpoint,
	}, true
}
