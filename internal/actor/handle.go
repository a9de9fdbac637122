package actor

import (
	"context"
	"fmt"

	"github.com/theater-rt/theater/internal/chain"
	"github.com/theater-rt/theater/internal/id"
	"github.com/theater-rt/theater/internal/theatererr"
)

// Handle is the typed mailbox senders exposed to the outside world
// (supervisor, runtime, other actors): call_function, the info queries,
// and the four control operations (§4.6). Every outbound message
// carries a reply channel; cancellation of the caller's wait never
// leaves the state machine blocked because sends back to Reply are
// always best-effort (see replyBestEffort in statemachine.go).
type Handle struct {
	id      id.ActorID
	mailbox *Mailbox
}

// NewHandle wraps mailbox as the public-facing Handle for actorID.
func NewHandle(actorID id.ActorID, mailbox *Mailbox) *Handle {
	return &Handle{id: actorID, mailbox: mailbox}
}

// ID returns the actor's immutable identifier.
func (h *Handle) ID() id.ActorID { return h.id }

// CallFunction executes an exported WASM function, waiting for a single
// reply or for ctx to be done, whichever comes first (§4.6, §5).
func (h *Handle) CallFunction(ctx context.Context, name string, params []byte) ([]byte, error) {
	reply := make(chan OperationReply, 1)
	req := OperationRequest{Ctx: ctx, Name: name, Params: params, Reply: reply}

	select {
	case h.mailbox.OperationRx <- req:
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", theatererr.ErrOperationTimeout, ctx.Err())
	}

	select {
	case r := <-reply:
		return r.Output, r.Err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", theatererr.ErrOperationTimeout, ctx.Err())
	}
}

func (h *Handle) sendInfo(ctx context.Context, req InfoRequest) error {
	select {
	case h.mailbox.InfoRx <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStatus returns the actor's current state-machine discriminator.
func (h *Handle) GetStatus(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := h.sendInfo(ctx, GetStatusRequest{Reply: reply}); err != nil {
		return Status{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// GetState returns the actor-defined opaque state bytes.
func (h *Handle) GetState(ctx context.Context) ([]byte, error) {
	reply := make(chan GetStateReply, 1)
	if err := h.sendInfo(ctx, GetStateRequest{Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.State, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetChain returns a snapshot of the actor's chain.
func (h *Handle) GetChain(ctx context.Context) ([]chain.Event, error) {
	reply := make(chan []chain.Event, 1)
	if err := h.sendInfo(ctx, GetChainRequest{Reply: reply}); err != nil {
		return nil, err
	}
	select {
	case events := <-reply:
		return events, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetMetrics returns the actor's operation/error counters and uptime.
func (h *Handle) GetMetrics(ctx context.Context) (Metrics, error) {
	reply := make(chan Metrics, 1)
	if err := h.sendInfo(ctx, GetMetricsRequest{Reply: reply}); err != nil {
		return Metrics{}, err
	}
	select {
	case m := <-reply:
		return m, nil
	case <-ctx.Done():
		return Metrics{}, ctx.Err()
	}
}

// SaveChain persists the actor's chain to path.
func (h *Handle) SaveChain(ctx context.Context, path string) error {
	reply := make(chan error, 1)
	if err := h.sendInfo(ctx, SaveChainRequest{Path: path, Reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) control(ctx context.Context, kind ControlKind) error {
	reply := make(chan error, 1)
	msg := ControlMessage{Kind: kind, Reply: reply}
	select {
	case h.mailbox.ControlRx <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown requests a graceful shutdown: any in-flight operation
// completes first.
func (h *Handle) Shutdown(ctx context.Context) error { return h.control(ctx, ControlShutdown) }

// Terminate requests a forced shutdown: an in-flight operation is
// aborted immediately.
func (h *Handle) Terminate(ctx context.Context) error { return h.control(ctx, ControlTerminate) }

// Pause requests a transition to Paused; rejected while Processing.
func (h *Handle) Pause(ctx context.Context) error { return h.control(ctx, ControlPause) }

// Resume requests a transition back to Idle from Paused; a no-op while
// already Idle is handled by the state machine, not here.
func (h *Handle) Resume(ctx context.Context) error { return h.control(ctx, ControlResume) }
