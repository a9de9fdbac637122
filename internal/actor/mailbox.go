package actor

import (
	"context"

	"github.com/theater-rt/theater/internal/chain"
)

// Status is the discriminator ActorHandle.GetStatus() (the info
// channel) returns. It mirrors the state machine's current state
// without exposing the state's internal payload (e.g. the in-flight
// operation's cancel func).
type Status struct {
	Kind    StateKind
	OpName  string // set only when Kind == StateProcessing
}

// Metrics are the counters ActorInstance.GetMetrics exposes: operation
// count, error count, and uptime.
type Metrics struct {
	OperationCount uint64
	ErrorCount     uint64
	UptimeNanos    int64
}

// OperationRequest asks the state machine to execute an exported WASM
// function. Ctx carries the caller's optional deadline (§5): on
// expiry, the caller stops waiting on Reply and the state machine's
// best-effort send on Reply is simply discarded.
type OperationRequest struct {
	Ctx    context.Context
	Name   string
	Params []byte
	Reply  chan OperationReply
}

// OperationReply is written to OperationRequest.Reply exactly once.
type OperationReply struct {
	Output []byte
	Err    error
}

// InfoRequest is the sealed interface satisfied by every info-channel
// query variant (status, state, chain, metrics, save_chain).
type InfoRequest interface {
	isInfoRequest()
}

type GetStatusRequest struct{ Reply chan Status }
type GetStateRequest struct{ Reply chan GetStateReply }
type GetChainRequest struct{ Reply chan []chain.Event }
type GetMetricsRequest struct{ Reply chan Metrics }
type SaveChainRequest struct {
	Path  string
	Reply chan error
}

type GetStateReply struct {
	State []byte
	Err   error
}

func (GetStatusRequest) isInfoRequest()  {}
func (GetStateRequest) isInfoRequest()   {}
func (GetChainRequest) isInfoRequest()   {}
func (GetMetricsRequest) isInfoRequest() {}
func (SaveChainRequest) isInfoRequest()  {}

// ControlKind enumerates the four control-channel commands (§3, §4.5).
type ControlKind int

const (
	ControlShutdown ControlKind = iota
	ControlTerminate
	ControlPause
	ControlResume
)

// ControlMessage is sent on the control channel. Reply is written
// exactly once, either nil (accepted) or an error (e.g.
// ErrInvalidTransition for Pause while Processing).
type ControlMessage struct {
	Kind  ControlKind
	Reply chan error
}

// Mailbox is the typed triple of channels an ActorHandle exposes to the
// outside: operation, info, and control (§3, §4.6). It is created once
// per actor at spawn time and is owned by the state machine's single
// task thereafter.
type Mailbox struct {
	OperationRx chan OperationRequest
	InfoRx      chan InfoRequest
	ControlRx   chan ControlMessage
}

// NewMailbox allocates a Mailbox with the given per-channel buffer size.
func NewMailbox(buffer int) *Mailbox {
	return &Mailbox{
		OperationRx: make(chan OperationRequest, buffer),
		InfoRx:      make(chan InfoRequest, buffer),
		ControlRx:   make(chan ControlMessage, buffer),
	}
}
