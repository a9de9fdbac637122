// Package handler defines the Handler contract capability
// implementations satisfy, the process-wide HandlerRegistry that holds
// their factories, and the host-function wrapping policy (I4) that
// turns every host call into a chain event before WASM sees a return
// value.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/theater-rt/theater/internal/chain"
	"github.com/theater-rt/theater/internal/engine"
	"github.com/theater-rt/theater/internal/kvstore"
	"github.com/theater-rt/theater/internal/theatererr"
)

// ActorRef is the slice of ActorInstance a Handler needs to wrap host
// calls: the ability to append an event to the owning actor's chain and
// to keep capability-local state (e.g. an open HTTP server) in the
// actor's per-actor store. It deliberately exposes nothing else —
// handlers never get direct access to the WASM instance or the state
// machine.
type ActorRef interface {
	AppendEvent(eventType string, data []byte) chain.Event
	ActorID() string
	Store() *kvstore.Store
}

// Handle is the slice of ActorHandle a Handler needs for its
// start(handle, shutdown) background task: the ability to call back
// into the owning actor's exported functions (e.g. message delivery,
// stdout notification).
type Handle interface {
	CallFunction(ctx context.Context, name string, params []byte) ([]byte, error)
}

// Handler is a capability implementation mediating between WASM and the
// outside world. A single concrete handler MAY satisfy both the
// host-import role (SetupHostFunctions) and the callback role (Start
// calling back via Handle) at once.
type Handler interface {
	// Name is the stable identifier used in manifests' handler[].type.
	Name() string

	// Imports names the WIT interfaces this handler satisfies.
	Imports() []string

	// SetupHostFunctions registers this handler's host imports into
	// linker. Every registered function MUST be wrapped (see Wrap) so
	// that it appends a ChainEvent via actor.AppendEvent before
	// returning to WASM.
	SetupHostFunctions(linker engine.HostLinker, actor ActorRef)

	// Start is launched once per actor after instantiation. It may
	// perform background I/O and call back into the actor via handle.
	// It must return when shutdown fires.
	Start(ctx context.Context, handle Handle, shutdown <-chan struct{}) error
}

// InstanceFactory produces a Handler instance. It MUST NOT take a Handle
// as a constructor argument — the lazy-binding rule (§4.2, §9) requires
// deferring that to Handler.Start, because the ActorHandle doesn't exist
// until the actor is already being spawned.
type InstanceFactory func(actorID string, config map[string]interface{}) (Handler, error)

// Registry holds handler factories keyed by capability name. It is
// populated once at process start and is read-only thereafter, mirroring
// the teacher's ModuleRegistry (name → entry, read-after-load) but keyed
// by capability name instead of binary SAB slot.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]InstanceFactory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]InstanceFactory)}
}

// Register installs factory under name. Registering the same name twice
// is a programming error (process-wide startup bug), not a runtime
// condition, so it panics rather than returning an error — matching the
// teacher's init()-time registration idiom.
func (r *Registry) Register(name string, factory InstanceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("handler: capability %q already registered", name))
	}
	r.factories[name] = factory
}

// CreateInstance produces a per-actor Handler instance for the named
// capability.
func (r *Registry) CreateInstance(name, actorID string, config map[string]interface{}) (Handler, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("handler: no capability registered as %q", name)
	}
	return factory(actorID, config)
}

// Names returns every registered capability name, sorted for stable
// listings.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Wrap implements the host-function wrapping policy of §4.2 and
// invariant I4: the append of the ChainEvent happens-before the WASM
// call returns, for both success and failure. On failure, the error is
// still recorded (with an error-shaped output) and surfaced to WASM
// rather than bypassing the chain.
func Wrap(actor ActorRef, iface, function string, fn func(ctx context.Context, input []byte) ([]byte, error)) engine.HostFunc {
	eventType := iface + "/" + function
	return func(ctx context.Context, input []byte) ([]byte, error) {
		output, callErr := fn(ctx, input)

		var outputRaw json.RawMessage
		if callErr != nil {
			outputRaw = errorOutput(callErr)
		} else {
			outputRaw = rawOrNull(output)
		}

		data, err := MarshalCall(iface, function, rawOrNull(input), outputRaw)
		if err != nil {
			// Serialization of our own wrapper struct should never fail;
			// if it does, still append something rather than silently
			// skipping I4.
			data = []byte(fmt.Sprintf(`{"interface":%q,"function":%q}`, iface, function))
		}
		actor.AppendEvent(eventType, data)

		if callErr != nil {
			return nil, fmt.Errorf("%w: %s: %v", theatererr.ErrHostCallFailure, eventType, callErr)
		}
		return output, nil
	}
}

// MarshalCall renders a chain.HostFunctionCall deterministically. Both
// Wrap and the replay handler use this single code path so that an
// event recorded live and an event recorded during replay of the same
// call hash identically (P-Replay).
func MarshalCall(iface, function string, inputRaw, outputRaw json.RawMessage) ([]byte, error) {
	return json.Marshal(chain.HostFunctionCall{
		Interface: iface,
		Function:  function,
		Input:     inputRaw,
		Output:    outputRaw,
	})
}

func rawOrNull(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	encoded, _ := json.Marshal(b)
	return json.RawMessage(encoded)
}

func errorOutput(err error) json.RawMessage {
	encoded, _ := json.Marshal(map[string]string{"error": err.Error()})
	return encoded
}
