// Package theatererr defines the kernel's error taxonomy as sentinel
// values so callers can test failure kinds with errors.Is instead of
// string matching.
package theatererr

import "errors"

var (
	// ErrActorNotFound is returned when a command targets an actor id the
	// runtime has no handle for (never spawned, or already reaped).
	ErrActorNotFound = errors.New("theater: actor not found")

	// ErrInvalidTransition is returned when a control message is illegal
	// for the actor's current state (e.g. Pause while Processing, Resume
	// while Starting).
	ErrInvalidTransition = errors.New("theater: invalid state transition")

	// ErrSetupFailure means WASM load/link/instantiation failed; fatal for
	// the actor.
	ErrSetupFailure = errors.New("theater: actor setup failed")

	// ErrOperationFailure means the WASM export returned an error or
	// trapped during call_function. The actor survives.
	ErrOperationFailure = errors.New("theater: operation failed")

	// ErrOperationTimeout means the caller's deadline expired before a
	// reply arrived. The in-flight operation is not affected.
	ErrOperationTimeout = errors.New("theater: operation timed out")

	// ErrHostCallFailure means a capability's underlying I/O failed. The
	// failure is still recorded in the chain before being surfaced to WASM.
	ErrHostCallFailure = errors.New("theater: host call failed")

	// ErrReplayMismatch means the replay handler found no pending chain
	// event matching the current host call: a sign of non-determinism.
	ErrReplayMismatch = errors.New("theater: no matching event for replay")

	// ErrOutputDecode means a recorded event's output bytes could not be
	// decoded into the type the replaying call expected.
	ErrOutputDecode = errors.New("theater: could not decode recorded output")

	// ErrChainCorruption means Chain.Verify found a broken hash or parent
	// link; the chain must not be used further.
	ErrChainCorruption = errors.New("theater: chain corruption detected")

	// ErrSerialization covers failures persisting or loading a chain.
	ErrSerialization = errors.New("theater: chain serialization failed")

	// ErrMailboxClosed names a reply channel that was already abandoned.
	// No kernel code path returns it: a best-effort reply to an abandoned
	// channel is dropped silently.
	ErrMailboxClosed = errors.New("theater: mailbox closed")
)
