// Package fakeengine implements engine.Engine entirely in Go so unit and
// scenario tests can drive ActorInstance without a real WASM binary or
// cgo. A "component" here is just a map of exported function
// implementations plus optional calls into its own imports, which lets
// tests simulate components that make host capability calls.
package fakeengine

import (
	"context"
	"fmt"

	"github.com/theater-rt/theater/internal/engine"
)

// Export is one exported function implementation. imports lets the
// fake component call back into its linked host functions, simulating
// a real WASM component invoking host imports mid-export.
type Export func(ctx context.Context, params []byte, imports *engine.Linker) ([]byte, error)

// Component is a fake WASM component: a fixed set of named exports.
// New wraps it in an engine.Engine whose Compile does no compilation
// and only returns a Module bound to the Component.
type Component struct {
	Exports map[string]Export
}

// New returns an Engine whose Compile ignores the bytes given to it and
// always returns comp, letting ActorInstance tests pass an empty or
// arbitrary []byte as the "component source".
func New(comp *Component) engine.Engine {
	return &fixedEngine{comp: comp}
}

type fixedEngine struct {
	comp *Component
}

func (e *fixedEngine) Compile(ctx context.Context, _ []byte) (engine.Module, error) {
	return &module{comp: e.comp}, nil
}

type module struct {
	comp *Component
}

func (m *module) Instantiate(ctx context.Context, imports *engine.Linker) (engine.Instance, error) {
	return &instance{comp: m.comp, imports: imports}, nil
}

type instance struct {
	comp    *Component
	imports *engine.Linker
	closed  bool
}

func (i *instance) CallExport(ctx context.Context, name string, params []byte) ([]byte, error) {
	if i.closed {
		return nil, fmt.Errorf("fakeengine: instance closed")
	}
	fn, ok := i.comp.Exports[name]
	if !ok {
		return nil, fmt.Errorf("fakeengine: export %q not implemented", name)
	}
	return fn(ctx, params, i.imports)
}

func (i *instance) Close(ctx context.Context) error {
	i.closed = true
	return nil
}
