// Package replay implements ReplayHandler: the special handler the
// kernel substitutes for every real host-import handler when a
// manifest's "replay" field names a prior chain. It serves recorded
// outputs instead of performing real side effects, and records a new
// chain as it goes whose event hashes must equal the original's,
// event by event (P-Replay, §4.3, §8).
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/theater-rt/theater/internal/chain"
	"github.com/theater-rt/theater/internal/engine"
	"github.com/theater-rt/theater/internal/handler"
	"github.com/theater-rt/theater/internal/theatererr"
)

// Handler substitutes recorded outputs for real host calls. It
// implements engine.HostLinker so the kernel can hand it to every real
// handler's SetupHostFunctions in place of the normal linker: each
// Define call it intercepts installs a replay-serving function into the
// real target linker instead of the handler's real implementation,
// atomically swapping the entire host-import surface (§9).
type Handler struct {
	mu       sync.Mutex
	events   []chain.Event
	consumed []bool
	actor    handler.ActorRef
	target   engine.HostLinker
}

// New returns a replay Handler that will serve host calls from
// original's recorded events, appending the new (mirrored) events it
// produces to actor's chain, and installing its replay-serving
// functions into target.
func New(actor handler.ActorRef, original *chain.Chain, target engine.HostLinker) *Handler {
	events := original.Iter()
	return &Handler{
		events:   events,
		consumed: make([]bool, len(events)),
		actor:    actor,
		target:   target,
	}
}

// Define implements engine.HostLinker. fn is discarded — whatever the
// real handler would have done is replaced by a call-serving function
// bound to (iface, function) that reads from the recorded chain.
func (h *Handler) Define(iface, function string, _ engine.HostFunc) {
	h.target.Define(iface, function, h.serve(iface, function))
}

func (h *Handler) serve(iface, function string) engine.HostFunc {
	eventType := iface + "/" + function
	return func(ctx context.Context, input []byte) ([]byte, error) {
		h.mu.Lock()
		defer h.mu.Unlock()

		idx := -1
		for i, ev := range h.events {
			if h.consumed[i] {
				continue
			}
			if ev.EventType == eventType {
				idx = i
				break
			}
		}
		if idx == -1 {
			return nil, theatererr.ErrReplayMismatch
		}
		h.consumed[idx] = true

		var call chain.HostFunctionCall
		if err := json.Unmarshal(h.events[idx].Data, &call); err != nil {
			return nil, theatererr.ErrOutputDecode
		}

		data, err := handler.MarshalCall(iface, function, rawOrNull(input), call.Output)
		if err != nil {
			return nil, theatererr.ErrOutputDecode
		}
		h.actor.AppendEvent(eventType, data)

		var decoded map[string]string
		if json.Unmarshal(call.Output, &decoded) == nil {
			if msg, ok := decoded["error"]; ok && len(decoded) == 1 {
				return nil, fmt.Errorf("%w: %s: %s", theatererr.ErrHostCallFailure, eventType, msg)
			}
		}

		return []byte(call.Output), nil
	}
}

// Exhausted reports whether every recorded event has been consumed,
// useful for diagnosing a replay that finished early (fewer host calls
// than the original made).
func (h *Handler) Exhausted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.consumed {
		if !c {
			return false
		}
	}
	return true
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
