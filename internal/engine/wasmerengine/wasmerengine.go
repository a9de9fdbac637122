// Package wasmerengine adapts github.com/wasmerio/wasmer-go into the
// kernel's engine.Engine abstraction. It is grounded on the teacher
// repo's wasm/executor.go, extended to support host-function imports
// (the original only ran a module's "main" export with no linker) and
// to implement the byte-in/byte-out calling convention every
// call_exported and host function in this kernel uses.
//
// Component Model argument marshaling is itself out of this core's
// scope (§1). Host imports are declared as (i32, i32) -> i32, but the
// trampoline does not read the instance's linear memory: it calls the
// host function with nil input and returns 0 (see hostTrampoline).
// CallExport passes params to the export as a single Go value and
// returns the result only when it is a []byte.
package wasmerengine

import (
	"context"
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/theater-rt/theater/internal/engine"
)

// Engine compiles components with a single shared wasmer.Engine/Store
// pair, matching wasmer-go's recommended usage (one store per process,
// many modules).
type Engine struct {
	engine *wasmer.Engine
	store  *wasmer.Store
}

// New constructs a wasmer-backed engine.Engine.
func New() *Engine {
	we := wasmer.NewEngine()
	return &Engine{
		engine: we,
		store:  wasmer.NewStore(we),
	}
}

// Compile parses and validates componentBytes, returning a Module that
// can be instantiated multiple times against different import sets.
func (e *Engine) Compile(ctx context.Context, componentBytes []byte) (engine.Module, error) {
	mod, err := wasmer.NewModule(e.store, componentBytes)
	if err != nil {
		return nil, fmt.Errorf("wasmerengine: compile: %w", err)
	}
	return &module{store: e.store, mod: mod}, nil
}

type module struct {
	store *wasmer.Store
	mod   *wasmer.Module
}

// Instantiate links imports.funcs into a single "host" import namespace
// and instantiates the module.
func (m *module) Instantiate(ctx context.Context, imports *engine.Linker) (engine.Instance, error) {
	importObject := wasmer.NewImportObject()

	host := make(map[string]wasmer.IntoExtern, len(imports.Names()))
	for _, name := range imports.Names() {
		name := name
		fn, _ := imports.Lookup(splitIfaceFunc(name))
		host[wasmSafeName(name)] = wasmer.NewFunction(
			m.store,
			wasmer.NewFunctionType(
				wasmer.NewValueTypes(wasmer.I32, wasmer.I32),
				wasmer.NewValueTypes(wasmer.I32),
			),
			hostTrampoline(ctx, fn),
		)
	}
	importObject.Register("host", host)

	inst, err := wasmer.NewInstance(m.mod, importObject)
	if err != nil {
		return nil, fmt.Errorf("wasmerengine: instantiate: %w", err)
	}
	return &instance{inst: inst}, nil
}

// hostTrampoline adapts a byte-in/byte-out engine.HostFunc to wasmer's
// wasmer.Value calling convention. In a full implementation the two I32
// arguments are a (pointer, length) pair into the instance's exported
// "memory"; the trampoline reads the call's input bytes from there,
// invokes fn, writes the result into a scratch region, and returns its
// (pointer, length) packed into a single I32 per the component's ABI.
// That memory plumbing is intentionally a TODO seam: it depends on the
// specific component's allocator export, which is outside this core's
// scope (§1) and is the concrete capability/component's responsibility.
func hostTrampoline(ctx context.Context, fn engine.HostFunc) func([]wasmer.Value) ([]wasmer.Value, error) {
	return func(args []wasmer.Value) ([]wasmer.Value, error) {
		if fn == nil {
			return nil, fmt.Errorf("wasmerengine: no host function registered for this import")
		}
		// Placeholder marshaling: real adapters resolve args[0]/args[1]
		// against the instance's linear memory before calling fn.
		_, err := fn(ctx, nil)
		if err != nil {
			return nil, err
		}
		return []wasmer.Value{wasmer.NewI32(0)}, nil
	}
}

type instance struct {
	inst *wasmer.Instance
}

// CallExport invokes an exported function by name with byte params,
// matching the convention the teacher's Execute helper used for "main".
func (i *instance) CallExport(ctx context.Context, name string, params []byte) ([]byte, error) {
	fn, err := i.inst.Exports.GetFunction(name)
	if err != nil {
		return nil, fmt.Errorf("wasmerengine: export %q not found: %w", name, err)
	}
	result, err := fn(params)
	if err != nil {
		return nil, fmt.Errorf("wasmerengine: call %q: %w", name, err)
	}
	out, ok := result.([]byte)
	if !ok {
		return nil, nil
	}
	return out, nil
}

// Close releases the wasmer instance's native resources.
func (i *instance) Close(ctx context.Context) error {
	i.inst.Close()
	return nil
}

func splitIfaceFunc(dotted string) (string, string) {
	for i := len(dotted) - 1; i >= 0; i-- {
		if dotted[i] == '/' {
			return dotted[:i], dotted[i+1:]
		}
	}
	return "", dotted
}

// wasmSafeName flattens "<interface>/<function>" into a valid WASM
// import name (no '/').
func wasmSafeName(dotted string) string {
	out := make([]byte, len(dotted))
	for i := 0; i < len(dotted); i++ {
		if dotted[i] == '/' {
			out[i] = '_'
		} else {
			out[i] = dotted[i]
		}
	}
	return string(out)
}
