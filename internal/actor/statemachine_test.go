package actor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/theater-rt/theater/internal/engine"
	"github.com/theater-rt/theater/internal/engine/fakeengine"
	"github.com/theater-rt/theater/internal/id"
	"github.com/theater-rt/theater/internal/logging"
	"github.com/theater-rt/theater/internal/theatererr"
)

func echoComponent() *fakeengine.Component {
	return &fakeengine.Component{
		Exports: map[string]fakeengine.Export{
			"handle_request": func(_ context.Context, params []byte, _ *engine.Linker) ([]byte, error) {
				return params, nil
			},
		},
	}
}

func spawn(t *testing.T, comp *fakeengine.Component) (*Instance, *StateMachine, *Mailbox) {
	t.Helper()
	eng := fakeengine.New(comp)
	mod, err := eng.Compile(context.Background(), nil)
	require.NoError(t, err)

	actorID := id.New()
	inst := NewInstance(actorID, nil, nil, logging.NewNop(), nil)
	wasmInst, err := mod.Instantiate(context.Background(), inst.Linker())
	require.NoError(t, err)
	inst.wasm = wasmInst

	mailbox := NewMailbox(4)
	sm := NewStateMachine(inst, mailbox, logging.NewNop())
	go sm.Run(context.Background(), nil, nil)
	return inst, sm, mailbox
}

// spawnStarting builds a state machine that stays in Starting until the
// test itself resolves the returned setup channel, so it can exercise
// the Starting row of §4.5's transition table directly. cancelCalled
// receives a value the instant the state machine invokes cancelSetup
// (i.e. on a Terminate received while still Starting).
func spawnStarting(t *testing.T, comp *fakeengine.Component) (*Mailbox, chan error, chan struct{}) {
	t.Helper()
	eng := fakeengine.New(comp)
	mod, err := eng.Compile(context.Background(), nil)
	require.NoError(t, err)

	actorID := id.New()
	inst := NewInstance(actorID, nil, nil, logging.NewNop(), nil)
	wasmInst, err := mod.Instantiate(context.Background(), inst.Linker())
	require.NoError(t, err)
	inst.wasm = wasmInst

	mailbox := NewMailbox(4)
	sm := NewStateMachine(inst, mailbox, logging.NewNop())
	setup := make(chan error, 1)
	cancelCalled := make(chan struct{}, 1)
	cancelSetup := func() {
		select {
		case cancelCalled <- struct{}{}:
		default:
		}
	}
	go sm.Run(context.Background(), setup, cancelSetup)
	return mailbox, setup, cancelCalled
}

func TestEchoActorScenario(t *testing.T) {
	inst, _, mailbox := spawn(t, echoComponent())
	handle := NewHandle(id.ActorID(inst.ActorID()), mailbox)

	out, err := handle.CallFunction(context.Background(), "handle_request", []byte{0x01, 0x02})
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x02}, out)

	events := inst.GetChain()
	require.Len(t, events, 1)
	require.Equal(t, "lifecycle/start", events[0].EventType)
}

func TestPauseSemantics(t *testing.T) {
	_, _, mailbox := spawn(t, echoComponent())
	handle := NewHandle("a", mailbox)
	ctx := context.Background()

	require.NoError(t, handle.Pause(ctx))

	_, err := handle.CallFunction(ctx, "handle_request", []byte("x"))
	require.ErrorIs(t, err, theatererr.ErrInvalidTransition)

	require.NoError(t, handle.Resume(ctx))

	out, err := handle.CallFunction(ctx, "handle_request", []byte("y"))
	require.NoError(t, err)
	require.Equal(t, []byte("y"), out)
}

func TestPauseNoopWhilePaused(t *testing.T) {
	_, _, mailbox := spawn(t, echoComponent())
	handle := NewHandle("a", mailbox)
	ctx := context.Background()

	require.NoError(t, handle.Pause(ctx))
	require.NoError(t, handle.Pause(ctx))
}

func TestGracefulShutdownWaitsForInFlightOperation(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	comp := &fakeengine.Component{
		Exports: map[string]fakeengine.Export{
			"slow": func(ctx context.Context, params []byte, _ *engine.Linker) ([]byte, error) {
				close(started)
				select {
				case <-release:
					return []byte("done"), nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		},
	}
	_, _, mailbox := spawn(t, comp)
	handle := NewHandle("a", mailbox)
	ctx := context.Background()

	opDone := make(chan struct{})
	go func() {
		out, err := handle.CallFunction(ctx, "slow", nil)
		require.NoError(t, err)
		require.Equal(t, []byte("done"), out)
		close(opDone)
	}()
	<-started

	shutdownDone := make(chan error, 1)
	go func() {
		shutdownDone <- handle.Shutdown(ctx)
	}()

	select {
	case <-opDone:
		t.Fatal("operation completed before shutdown was requested to release it")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-opDone
	require.NoError(t, <-shutdownDone)
}

func TestForcedTerminateAbortsInFlightOperation(t *testing.T) {
	started := make(chan struct{})
	comp := &fakeengine.Component{
		Exports: map[string]fakeengine.Export{
			"slow": func(ctx context.Context, params []byte, _ *engine.Linker) ([]byte, error) {
				close(started)
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
	}
	_, _, mailbox := spawn(t, comp)
	handle := NewHandle("a", mailbox)
	ctx := context.Background()

	opDone := make(chan struct{})
	go func() {
		_, _ = handle.CallFunction(ctx, "slow", nil)
		close(opDone)
	}()
	<-started

	require.NoError(t, handle.Terminate(ctx))
	select {
	case <-opDone:
	case <-time.After(time.Second):
		t.Fatal("operation was not aborted by terminate")
	}
}

func TestOnlyOneOperationInFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	comp := &fakeengine.Component{
		Exports: map[string]fakeengine.Export{
			"slow": func(ctx context.Context, params []byte, _ *engine.Linker) ([]byte, error) {
				started <- struct{}{}
				<-release
				return nil, nil
			},
		},
	}
	_, _, mailbox := spawn(t, comp)
	handle := NewHandle("a", mailbox)
	ctx := context.Background()

	go func() { _, _ = handle.CallFunction(ctx, "slow", nil) }()
	<-started

	_, err := handle.CallFunction(ctx, "slow", nil)
	require.ErrorIs(t, err, theatererr.ErrInvalidTransition)
	close(release)
}

func TestGetStatusReflectsProcessing(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	comp := &fakeengine.Component{
		Exports: map[string]fakeengine.Export{
			"slow": func(ctx context.Context, params []byte, _ *engine.Linker) ([]byte, error) {
				close(started)
				<-release
				return nil, nil
			},
		},
	}
	_, _, mailbox := spawn(t, comp)
	handle := NewHandle("a", mailbox)
	ctx := context.Background()

	go func() { _, _ = handle.CallFunction(ctx, "slow", nil) }()
	<-started

	status, err := handle.GetStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, StateProcessing, status.Kind)
	require.Equal(t, "slow", status.OpName)
	close(release)
}

func TestStatusReflectsStarting(t *testing.T) {
	mailbox, setup, _ := spawnStarting(t, echoComponent())
	handle := NewHandle("a", mailbox)
	ctx := context.Background()

	status, err := handle.GetStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, StateStarting, status.Kind)

	setup <- nil
	require.Eventually(t, func() bool {
		s, err := handle.GetStatus(ctx)
		return err == nil && s.Kind == StateIdle
	}, time.Second, 5*time.Millisecond)
}

func TestShutdownWhileStartingHonoredOnceSetupResolves(t *testing.T) {
	mailbox, setup, _ := spawnStarting(t, echoComponent())
	handle := NewHandle("a", mailbox)
	ctx := context.Background()

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- handle.Shutdown(ctx) }()

	// Shutdown is accepted ("mark pending") while setup is still in
	// flight; the actor itself shuts down only once setup resolves.
	shutdownReplied := false
	select {
	case err := <-shutdownDone:
		require.NoError(t, err)
		shutdownReplied = true
	case <-time.After(50 * time.Millisecond):
	}

	setup <- nil
	if !shutdownReplied {
		require.NoError(t, <-shutdownDone)
	}

	require.Error(t, statusWithTimeout(t, handle))
}

func TestSetupFailureTransitionsToShuttingDown(t *testing.T) {
	mailbox, setup, _ := spawnStarting(t, echoComponent())
	handle := NewHandle("a", mailbox)

	setup <- fmt.Errorf("boom")

	require.Eventually(t, func() bool {
		return statusWithTimeout(t, handle) != nil
	}, time.Second, 5*time.Millisecond, "actor should be reaped after a failed setup")
}

// statusWithTimeout polls GetStatus with its own short deadline: once a
// state machine reaches ShuttingDown its loop exits and stops servicing
// InfoRx forever, so a caller using a background context would hang.
func statusWithTimeout(t *testing.T, handle *Handle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := handle.GetStatus(ctx)
	return err
}

func TestTerminateWhileStartingAbortsSetup(t *testing.T) {
	mailbox, setup, cancelCalled := spawnStarting(t, echoComponent())
	handle := NewHandle("a", mailbox)
	ctx := context.Background()

	require.NoError(t, handle.Terminate(ctx))

	select {
	case <-cancelCalled:
	case <-time.After(time.Second):
		t.Fatal("Terminate while Starting should cancel the in-flight setup")
	}

	// The abandoned setup goroutine still delivers its outcome; the
	// state machine has already moved to ShuttingDown and ignores it.
	setup <- fmt.Errorf("setup aborted")

	require.Error(t, statusWithTimeout(t, handle))
}

func TestPauseResumeRejectedWhileStarting(t *testing.T) {
	mailbox, setup, _ := spawnStarting(t, echoComponent())
	handle := NewHandle("a", mailbox)
	ctx := context.Background()

	require.Error(t, handle.Pause(ctx))
	require.Error(t, handle.Resume(ctx))

	setup <- nil
}

func TestOperationRequestDeferredUntilIdle(t *testing.T) {
	mailbox, setup, _ := spawnStarting(t, echoComponent())
	handle := NewHandle("a", mailbox)
	ctx := context.Background()

	type result struct {
		out []byte
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		out, err := handle.CallFunction(ctx, "handle_request", []byte("hi"))
		resultCh <- result{out: out, err: err}
	}()

	// The request sits in the mailbox's buffered OperationRx, unread,
	// while Starting only services info/control traffic.
	select {
	case <-resultCh:
		t.Fatal("operation request should not be served until Idle")
	case <-time.After(20 * time.Millisecond):
	}

	setup <- nil
	r := <-resultCh
	require.NoError(t, r.err)
	require.Equal(t, []byte("hi"), r.out)
}
