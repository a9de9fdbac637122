package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/theater-rt/theater/internal/logging"
	"github.com/theater-rt/theater/internal/theatererr"
)

// StateKind discriminates the five states of §4.5's transition table.
// Representing these as a tagged enum rather than a cluster of booleans
// (in_flight, pending_shutdown, paused, ...) makes illegal combinations
// (e.g. Processing with no operation) unrepresentable: each select-loop
// below only ever waits on the channels its own state actually handles.
type StateKind int

const (
	StateStarting StateKind = iota
	StateIdle
	StateProcessing
	StatePaused
	StateShuttingDown
)

func (k StateKind) String() string {
	switch k {
	case StateStarting:
		return "starting"
	case StateIdle:
		return "idle"
	case StateProcessing:
		return "processing"
	case StatePaused:
		return "paused"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// opResult is delivered to the state machine's loop when a dispatched
// WASM operation finishes, off the blocking-aware worker goroutine that
// ran it.
type opResult struct {
	reply  chan OperationReply
	output []byte
	err    error
}

// StateMachine drives a single ActorInstance's message loop (§4.5). It
// owns the Mailbox and is the sole goroutine that mutates instance
// state; every other access goes through the channels in mailbox.go.
type StateMachine struct {
	instance *Instance
	mailbox  *Mailbox
	logger   *logging.Logger

	kind            StateKind
	opName          string
	cancelOp        context.CancelFunc
	cancelSetup     context.CancelFunc
	pendingShutdown bool
	pendingForce    bool
	opDone          chan opResult

	terminalErr error
}

// NewStateMachine returns a StateMachine in the initial Starting state.
func NewStateMachine(instance *Instance, mailbox *Mailbox, logger *logging.Logger) *StateMachine {
	return &StateMachine{
		instance: instance,
		mailbox:  mailbox,
		logger:   logger,
		kind:     StateStarting,
	}
}

// Run drives the loop until ShuttingDown is reached.
//
// setup, when non-nil, is the channel a concurrent setup goroutine (WASM
// compilation, instantiation, handler construction) writes its outcome to
// exactly once; Run services a real Starting state off the mailbox's
// info and control channels while that goroutine runs, so Shutdown,
// Terminate, and status queries addressed to the actor during Starting
// are all honored immediately rather than queuing behind setup (§4.5's
// Starting row). cancelSetup, if non-nil, is called on Terminate so an
// abandoned setup is actually cancelled instead of left to run to
// completion unobserved.
//
// setup == nil skips the Starting phase entirely and enters Idle
// directly — used by callers (and tests) that instantiate WASM
// synchronously before Run is ever called.
func (m *StateMachine) Run(ctx context.Context, setup <-chan error, cancelSetup context.CancelFunc) {
	m.cancelSetup = cancelSetup
	if setup == nil {
		m.kind = StateIdle
	} else {
		m.kind = StateStarting
	}

	for m.kind != StateShuttingDown {
		switch m.kind {
		case StateStarting:
			m.runStarting(ctx, setup)
		case StateIdle:
			m.runIdle(ctx)
		case StateProcessing:
			m.runProcessing(ctx)
		case StatePaused:
			m.runPaused(ctx)
		default:
			m.kind = StateShuttingDown
		}
	}
	m.shutdown()
}

// runStarting services the Starting state (§4.5): OperationRequests are
// not read here at all, so they simply queue in the mailbox's buffered
// OperationRx until the state machine reaches Idle — that is "defer
// until Idle" with no extra bookkeeping. Info queries are answered
// immediately (status() must report Starting while setup is in
// flight). Control messages are dispatched through the normal
// handleControl path, whose StateStarting branches already implement
// "mark pending; shut down once setup resolves" (Shutdown) and "abort
// setup; → ShuttingDown" (Terminate).
func (m *StateMachine) runStarting(ctx context.Context, setup <-chan error) {
	select {
	case err := <-setup:
		if err != nil {
			m.terminalErr = fmt.Errorf("%w: %v", theatererr.ErrSetupFailure, err)
			m.kind = StateShuttingDown
			return
		}
		if m.pendingShutdown {
			m.kind = StateShuttingDown
			return
		}
		m.kind = StateIdle
	case info := <-m.mailbox.InfoRx:
		m.serveInfo(info)
	case ctl := <-m.mailbox.ControlRx:
		m.handleControl(ctl)
	case <-ctx.Done():
		m.kind = StateShuttingDown
	}
}

func (m *StateMachine) status() Status {
	return Status{Kind: m.kind, OpName: m.opName}
}

func (m *StateMachine) runIdle(ctx context.Context) {
	select {
	case req := <-m.mailbox.OperationRx:
		m.startOperation(ctx, req)
	case info := <-m.mailbox.InfoRx:
		m.serveInfo(info)
	case ctl := <-m.mailbox.ControlRx:
		m.handleControl(ctl)
	case <-ctx.Done():
		m.kind = StateShuttingDown
	}
}

func (m *StateMachine) runPaused(ctx context.Context) {
	select {
	case req := <-m.mailbox.OperationRx:
		replyBestEffort(req.Reply, OperationReply{Err: fmt.Errorf("%w: actor is paused", theatererr.ErrInvalidTransition)})
	case info := <-m.mailbox.InfoRx:
		m.serveInfo(info)
	case ctl := <-m.mailbox.ControlRx:
		m.handleControl(ctl)
	case <-ctx.Done():
		m.kind = StateShuttingDown
	}
}

func (m *StateMachine) runProcessing(ctx context.Context) {
	select {
	case req := <-m.mailbox.OperationRx:
		replyBestEffort(req.Reply, OperationReply{Err: fmt.Errorf("%w: operation already in flight", theatererr.ErrInvalidTransition)})
	case info := <-m.mailbox.InfoRx:
		m.serveInfo(info)
	case ctl := <-m.mailbox.ControlRx:
		m.handleControl(ctl)
	case res := <-m.opDone:
		m.finishOperation(res)
	case <-ctx.Done():
		if m.cancelOp != nil {
			m.cancelOp()
		}
		m.drainAbandonedOp()
		m.kind = StateShuttingDown
	}
}

// drainAbandonedOp is used whenever the loop leaves Processing without
// having read m.opDone itself (Terminate, parent context cancellation):
// the in-flight operation's goroutine is still going to write exactly
// one opResult to m.opDone once it notices cancellation, and that result
// carries the caller's own reply channel. Forward it in the background
// so CallFunction's caller is unblocked instead of waiting on a reply
// that would otherwise never come.
func (m *StateMachine) drainAbandonedOp() {
	if m.opDone == nil {
		return
	}
	done := m.opDone
	go func() {
		res := <-done
		replyBestEffort(res.reply, OperationReply{Output: res.output, Err: res.err})
	}()
	m.opDone = nil
	m.cancelOp = nil
	m.opName = ""
}

func (m *StateMachine) startOperation(ctx context.Context, req OperationRequest) {
	opCtx, cancel := context.WithCancel(ctx)
	m.cancelOp = cancel
	m.opName = req.Name
	m.opDone = make(chan opResult, 1)
	done := m.opDone

	go func() {
		output, err := m.instance.CallExported(opCtx, req.Name, req.Params)
		done <- opResult{reply: req.Reply, output: output, err: err}
	}()
	m.kind = StateProcessing
}

func (m *StateMachine) finishOperation(res opResult) {
	m.cancelOp = nil
	m.opName = ""
	if res.err != nil {
		m.instance.RecordError()
	} else {
		m.instance.RecordSuccess()
	}
	replyBestEffort(res.reply, OperationReply{Output: res.output, Err: res.err})

	if m.pendingShutdown {
		m.kind = StateShuttingDown
		return
	}
	m.kind = StateIdle
}

func (m *StateMachine) handleControl(ctl ControlMessage) {
	switch ctl.Kind {
	case ControlShutdown:
		m.onShutdown(ctl)
	case ControlTerminate:
		m.onTerminate(ctl)
	case ControlPause:
		m.onPause(ctl)
	case ControlResume:
		m.onResume(ctl)
	}
}

func (m *StateMachine) onShutdown(ctl ControlMessage) {
	switch m.kind {
	case StateStarting:
		m.pendingShutdown = true
		replyBestEffort(ctl.Reply, nil)
	case StateProcessing:
		m.pendingShutdown = true
		replyBestEffort(ctl.Reply, nil)
	case StateIdle, StatePaused:
		m.kind = StateShuttingDown
		replyBestEffort(ctl.Reply, nil)
	default:
		replyBestEffort(ctl.Reply, fmt.Errorf("%w: already shutting down", theatererr.ErrInvalidTransition))
	}
}

func (m *StateMachine) onTerminate(ctl ControlMessage) {
	switch m.kind {
	case StateStarting:
		m.pendingForce = true
		if m.cancelSetup != nil {
			m.cancelSetup()
		}
		m.kind = StateShuttingDown
		replyBestEffort(ctl.Reply, nil)
	case StateProcessing:
		if m.cancelOp != nil {
			m.cancelOp()
		}
		m.drainAbandonedOp()
		m.kind = StateShuttingDown
		replyBestEffort(ctl.Reply, nil)
	case StateIdle, StatePaused:
		m.kind = StateShuttingDown
		replyBestEffort(ctl.Reply, nil)
	default:
		replyBestEffort(ctl.Reply, fmt.Errorf("%w: already shutting down", theatererr.ErrInvalidTransition))
	}
}

func (m *StateMachine) onPause(ctl ControlMessage) {
	switch m.kind {
	case StateIdle:
		m.kind = StatePaused
		replyBestEffort(ctl.Reply, nil)
	case StatePaused:
		replyBestEffort(ctl.Reply, nil)
	default:
		replyBestEffort(ctl.Reply, fmt.Errorf("%w: cannot pause from %s", theatererr.ErrInvalidTransition, m.kind))
	}
}

func (m *StateMachine) onResume(ctl ControlMessage) {
	switch m.kind {
	case StatePaused:
		m.kind = StateIdle
		replyBestEffort(ctl.Reply, nil)
	case StateIdle:
		replyBestEffort(ctl.Reply, nil)
	default:
		replyBestEffort(ctl.Reply, fmt.Errorf("%w: cannot resume from %s", theatererr.ErrInvalidTransition, m.kind))
	}
}

func (m *StateMachine) serveInfo(req InfoRequest) {
	switch r := req.(type) {
	case GetStatusRequest:
		replyBestEffort(r.Reply, m.status())
	case GetStateRequest:
		state, err := m.instance.GetState()
		replyBestEffort(r.Reply, GetStateReply{State: state, Err: err})
	case GetChainRequest:
		replyBestEffort(r.Reply, m.instance.GetChain())
	case GetMetricsRequest:
		replyBestEffort(r.Reply, m.instance.GetMetrics())
	case SaveChainRequest:
		replyBestEffort(r.Reply, m.instance.SaveChain(r.Path))
	}
}

func (m *StateMachine) shutdown() {
	drainDeadline, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := m.instance.Close(drainDeadline); err != nil && m.logger != nil {
		m.logger.Error("actor close failed", logging.Err(err), logging.String("actor_id", m.instance.ActorID()))
	}
	if m.instance.supervisorNotify != nil {
		m.instance.supervisorNotify(m.terminalErr)
	}
}

// replyBestEffort sends v on reply without blocking if nobody is left
// listening (the caller's ctx already fired): the send either succeeds
// into the buffer of 1 or is silently dropped, never blocking the state
// machine. A nil channel is ignored. Reply channels are never closed by
// the kernel; a send on a closed channel would panic.
func replyBestEffort[T any](reply chan T, v T) {
	if reply == nil {
		return
	}
	select {
	case reply <- v:
	default:
	}
}
