// Package runtime implements TheaterRuntime (§4.8): the process-wide
// command dispatcher owning every actor, the supervision tree, the
// handler registry, cross-actor channels, and chain-event subscriptions.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/theater-rt/theater/internal/actor"
	"github.com/theater-rt/theater/internal/chain"
	"github.com/theater-rt/theater/internal/engine"
	"github.com/theater-rt/theater/internal/handler"
	"github.com/theater-rt/theater/internal/id"
	"github.com/theater-rt/theater/internal/logging"
	"github.com/theater-rt/theater/internal/manifest"
	"github.com/theater-rt/theater/internal/replay"
	"github.com/theater-rt/theater/internal/supervisor"
	"github.com/theater-rt/theater/internal/theatererr"
)

// channelEndpoint records both endpoints of an open cross-actor channel
// (§4.8).
type channelEndpoint struct {
	initiator id.ActorID
	target    id.ActorID
}

type actorEntry struct {
	handle   *actor.Handle
	instance *actor.Instance
	manifest *manifest.Manifest
	cancel   context.CancelFunc
}

// Runtime is TheaterRuntime: the single process-wide owner of every
// actor's lifecycle, the supervision tree, cross-actor channels, and
// chain-event subscriptions. Callers interact with it exclusively by
// calling its methods (SpawnActor, StopActor, RequestResponse, ...),
// which translate to per-actor mailbox traffic and never hold Runtime's own lock across an actor-mailbox
// await (§4.8 dispatch rules).
type Runtime struct {
	logger   *logging.Logger
	registry *handler.Registry
	engine   engine.Engine
	tree     *supervisor.Tree

	mu            sync.RWMutex
	actors        map[id.ActorID]*actorEntry
	channels      map[string]channelEndpoint
	subscriptions map[id.ActorID]map[chan<- chain.Event]struct{}
}

// New constructs a Runtime backed by eng for WASM compilation and reg for
// capability lookup.
func New(eng engine.Engine, reg *handler.Registry, logger *logging.Logger) *Runtime {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runtime{
		logger:        logger,
		registry:      reg,
		engine:        eng,
		tree:          supervisor.New(),
		actors:        make(map[id.ActorID]*actorEntry),
		channels:      make(map[string]channelEndpoint),
		subscriptions: make(map[id.ActorID]map[chan<- chain.Event]struct{}),
	}
}

// SpawnActor instantiates a new actor from m, optionally under parentID,
// and starts its state machine. It returns the fresh ActorId as soon as
// the actor's mailbox is ready to accept traffic — WASM compilation,
// instantiation, and handler construction all happen concurrently with
// the actor's Starting state (§4.5) rather than blocking this call, so a
// caller can query status or send Shutdown/Terminate the instant it has
// the ActorId back, without waiting on setup. A setup failure surfaces
// later as the actor transitioning to ShuttingDown with a SetupFailure
// terminal error, reported to parentID via cb same as any other child
// error (§7, §8).
//
// If parentID is non-empty and cb is nil, escalation defaults to
// invoking parentID's handle_child_error WASM export (§4.7) — see
// SpawnChild, which is this call with that default spelled out.
func (r *Runtime) SpawnActor(ctx context.Context, m *manifest.Manifest, parentID id.ActorID, cb supervisor.ErrorCallback) (id.ActorID, error) {
	if cb == nil && !parentID.Empty() {
		cb = r.defaultChildErrorCallback(parentID)
	}
	return r.spawn(ctx, m, id.New(), parentID, cb, nil)
}

// SpawnChild spawns m as parentID's child. It is SpawnActor with the
// parent-escalation default made explicit: a terminal error in the new
// actor is delivered to parentID's handle_child_error WASM export
// (§4.7, §8 scenario 5) unless cb overrides that behavior.
func (r *Runtime) SpawnChild(ctx context.Context, m *manifest.Manifest, parentID id.ActorID, cb supervisor.ErrorCallback) (id.ActorID, error) {
	return r.SpawnActor(ctx, m, parentID, cb)
}

func (r *Runtime) spawn(ctx context.Context, m *manifest.Manifest, actorID id.ActorID, parentID id.ActorID, cb supervisor.ErrorCallback, seedChain *chain.Chain) (id.ActorID, error) {
	initBytes, err := m.InitStateBytes()
	if err != nil {
		return "", err
	}

	var originalChain *chain.Chain
	if m.IsReplay() {
		originalChain = chain.New(nil)
		if err := originalChain.Load(m.Replay); err != nil {
			return "", fmt.Errorf("%w: loading replay chain %s: %v", theatererr.ErrSetupFailure, m.Replay, err)
		}
		// A replayed run must reuse the original actor id: NewInstance
		// hashes the actor id into the very first event's data (I2), so
		// a freshly minted id here would make every hash in the replay's
		// chain diverge from the recorded one starting at event zero,
		// breaking P-Replay (§8 scenario 3) before a single host call is
		// even replayed.
		if original, ok := replayActorID(originalChain); ok {
			actorID = original
		}
	}

	logger := r.logger.With(logging.String("actor_id", actorID.String()))
	instance := actor.NewInstance(actorID, nil, nil, logger, initBytes)
	if seedChain != nil {
		// A restart's replacement instance still gets a fresh lifecycle
		// chain (§4.7): nothing from seedChain is copied in here. It is
		// retained only by the caller for archival.
		_ = seedChain
	}

	mailbox := actor.NewMailbox(32)
	handle := actor.NewHandle(actorID, mailbox)
	sm := actor.NewStateMachine(instance, mailbox, logger)

	entry := &actorEntry{handle: handle, instance: instance, manifest: m}
	r.mu.Lock()
	r.actors[actorID] = entry
	r.mu.Unlock()

	r.tree.Attach(parentID.String(), actorID.String(), r.escalationCallback(cb))

	runCtx, cancel := context.WithCancel(context.Background())
	entry.cancel = cancel
	instance.SetSupervisorNotify(func(terminalErr error) {
		cancel()
		r.mu.Lock()
		// Only remove the map entry if it still belongs to this spawn: a
		// restart may have already installed a fresh entry under the
		// same ActorId by the time this (old instance's) notification
		// fires.
		if current, ok := r.actors[actorID]; ok && current == entry {
			delete(r.actors, actorID)
		}
		r.mu.Unlock()
		r.onActorTerminated(actorID, terminalErr)
	})

	shutdownSignal := make(chan struct{})
	go func() {
		<-runCtx.Done()
		close(shutdownSignal)
	}()

	setupCtx, cancelSetup := context.WithCancel(runCtx)
	setupDone := make(chan error, 1)
	go r.runSetup(setupCtx, m, instance, handle, runCtx, shutdownSignal, originalChain, setupDone)

	go sm.Run(runCtx, setupDone, cancelSetup)

	return actorID, nil
}

// runSetup performs every step of bringing an actor's WASM component
// online — handler construction, compilation, instantiation, and
// starting handlers' background tasks — off the caller of SpawnActor,
// concurrently with the state machine's Starting loop (§4.5). ctx is
// cancelled by onTerminate's StateStarting branch if the actor is
// terminated before setup finishes, which engine.Compile/Instantiate and
// well-behaved handler constructors are expected to observe and abort
// on. Exactly one error (nil on success) is sent to done.
func (r *Runtime) runSetup(ctx context.Context, m *manifest.Manifest, instance *actor.Instance, handle *actor.Handle, runCtx context.Context, shutdownSignal chan struct{}, originalChain *chain.Chain, done chan<- error) {
	componentBytes, err := m.ComponentBytes()
	if err != nil {
		done <- err
		return
	}

	handlers := make([]handler.Handler, 0, len(m.Handlers))
	for _, hc := range m.Handlers {
		h, err := r.registry.CreateInstance(hc.Type, instance.ActorID(), hc.Config)
		if err != nil {
			done <- err
			return
		}
		handlers = append(handlers, h)
	}
	instance.SetHandlers(handlers)

	mod, err := r.engine.Compile(ctx, componentBytes)
	if err != nil {
		done <- fmt.Errorf("compiling %s: %w", m.Component, err)
		return
	}

	var linker *engine.Linker
	if originalChain != nil {
		target := engine.NewLinker()
		rh := replay.New(instance, originalChain, target)
		linker = instance.BuildLinker(rh)
		// rh installed its replay-serving functions into target; carry
		// them over into the linker the component is instantiated with.
		for _, name := range target.Names() {
			sep := strings.LastIndex(name, "/")
			fn, _ := target.Lookup(name[:sep], name[sep+1:])
			linker.Define(name[:sep], name[sep+1:], fn)
		}
	} else {
		linker = instance.Linker()
	}

	wasmInstance, err := mod.Instantiate(ctx, linker)
	if err != nil {
		done <- fmt.Errorf("instantiating %s: %w", m.Component, err)
		return
	}
	instance.SetWASM(wasmInstance)

	var handlerGroup errgroup.Group
	for _, h := range handlers {
		h := h
		handlerGroup.Go(func() error {
			return h.Start(runCtx, handle, shutdownSignal)
		})
	}
	go func() {
		if err := handlerGroup.Wait(); err != nil {
			r.logger.Warn("handler background task exited with error",
				logging.String("actor_id", instance.ActorID()), logging.Err(err))
		}
	}()

	done <- nil
}

// replayActorID extracts the original run's actor id from a loaded
// chain's first event, which actor.NewInstance always writes as
// "lifecycle/start" with the actor id as its data.
func replayActorID(c *chain.Chain) (id.ActorID, bool) {
	events := c.Iter()
	if len(events) == 0 || events[0].EventType != "lifecycle/start" {
		return "", false
	}
	return id.ActorID(events[0].Data), true
}

// childErrorPayload is the JSON body delivered to a parent's
// handle_child_error export.
type childErrorPayload struct {
	ChildID string `json:"child_id"`
	Error   string `json:"error"`
}

// defaultChildErrorCallback is the escalation mechanism §4.7 names:
// a child's terminal error is delivered to parentID's handle_child_error
// WASM export. If the parent is already gone, or the export call itself
// fails, the error is re-raised up the tree exactly as a caller-supplied
// callback's non-nil return would be.
func (r *Runtime) defaultChildErrorCallback(parentID id.ActorID) supervisor.ErrorCallback {
	return func(childID string, cause error) error {
		entry, err := r.lookup(parentID)
		if err != nil {
			return cause
		}
		payload, err := json.Marshal(childErrorPayload{ChildID: childID, Error: cause.Error()})
		if err != nil {
			return cause
		}
		if _, err := entry.handle.CallFunction(context.Background(), "handle_child_error", payload); err != nil {
			r.logger.Warn("parent handle_child_error export failed",
				logging.String("parent_id", parentID.String()), logging.String("child_id", childID), logging.Err(err))
			return cause
		}
		return nil
	}
}

// escalationCallback wraps a caller-supplied ErrorCallback so that a
// re-raised child error is logged instead of silently dropped. The
// re-raise is only logged: no event is appended to any actor's chain.
func (r *Runtime) escalationCallback(cb supervisor.ErrorCallback) supervisor.ErrorCallback {
	if cb == nil {
		return nil
	}
	return func(child string, cause error) error {
		reraise := cb(child, cause)
		if reraise != nil {
			r.logger.Warn("supervisor callback re-raised child error",
				logging.String("child_id", child), logging.Err(reraise))
		}
		return reraise
	}
}

func (r *Runtime) onActorTerminated(actorID id.ActorID, terminalErr error) {
	if terminalErr == nil {
		return
	}
	r.logger.Error("actor terminated with error",
		logging.String("actor_id", actorID.String()), logging.Err(terminalErr))

	childID := actorID.String()
	for {
		parentID, reraise, handled := r.tree.Report(childID, terminalErr)
		if !handled || reraise == nil {
			return
		}
		childID = parentID
		terminalErr = reraise
	}
}

func (r *Runtime) lookup(actorID id.ActorID) (*actorEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.actors[actorID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", theatererr.ErrActorNotFound, actorID)
	}
	return entry, nil
}

// StopActor requests a graceful shutdown (§4.6).
func (r *Runtime) StopActor(ctx context.Context, actorID id.ActorID) error {
	entry, err := r.lookup(actorID)
	if err != nil {
		return err
	}
	return entry.handle.Shutdown(ctx)
}

// TerminateActor requests a forced shutdown.
func (r *Runtime) TerminateActor(ctx context.Context, actorID id.ActorID) error {
	entry, err := r.lookup(actorID)
	if err != nil {
		return err
	}
	return entry.handle.Terminate(ctx)
}

// PauseActor requests a transition to Paused.
func (r *Runtime) PauseActor(ctx context.Context, actorID id.ActorID) error {
	entry, err := r.lookup(actorID)
	if err != nil {
		return err
	}
	return entry.handle.Pause(ctx)
}

// ResumeActor requests a transition back to Idle.
func (r *Runtime) ResumeActor(ctx context.Context, actorID id.ActorID) error {
	entry, err := r.lookup(actorID)
	if err != nil {
		return err
	}
	return entry.handle.Resume(ctx)
}

// RestartActor stops actorID, then spawns a fresh ActorInstance under
// the same ActorId and the same manifest, with a fresh chain rooted at
// a new lifecycle/start event (§4.7). The prior chain is archived to
// disk first when the manifest's save_chain is set.
func (r *Runtime) RestartActor(ctx context.Context, actorID id.ActorID) error {
	entry, err := r.lookup(actorID)
	if err != nil {
		return err
	}

	if entry.manifest.SaveChain {
		archivePath := actorID.String() + ".chain.json"
		if saveErr := entry.instance.SaveChain(archivePath); saveErr != nil {
			r.logger.Warn("failed to archive chain before restart",
				logging.String("actor_id", actorID.String()), logging.Err(saveErr))
		}
	}

	if err := entry.handle.Terminate(ctx); err != nil {
		return err
	}

	parentID, _ := r.tree.Parent(actorID.String())
	r.mu.Lock()
	delete(r.actors, actorID)
	r.mu.Unlock()

	var cb supervisor.ErrorCallback
	if parentID != "" {
		cb = r.defaultChildErrorCallback(id.ActorID(parentID))
	}
	_, err = r.spawn(ctx, entry.manifest, actorID, id.ActorID(parentID), cb, entry.instance.Chain())
	return err
}

// SendMessage delivers payload to target's exported handle_message
// function (§4.8). It waits for that call to finish, discards its
// output, and returns only its error.
func (r *Runtime) SendMessage(ctx context.Context, target id.ActorID, payload []byte) error {
	entry, err := r.lookup(target)
	if err != nil {
		return err
	}
	_, err = entry.handle.CallFunction(ctx, "handle_message", payload)
	return err
}

// RequestResponse delivers payload to target's handle_request export and
// waits for exactly one reply or ctx's deadline, whichever comes first
// (§4.8, §5). A timeout does not affect the target: its in-flight
// operation, if any, keeps running to completion.
func (r *Runtime) RequestResponse(ctx context.Context, target id.ActorID, payload []byte) ([]byte, error) {
	entry, err := r.lookup(target)
	if err != nil {
		return nil, err
	}
	return entry.handle.CallFunction(ctx, "handle_request", payload)
}

// ChannelOpen registers a first-class channel between initiator and
// target and delivers initial, if non-empty, to target's handle_message
// export. The runtime appends no chain event for the exchange itself;
// an endpoint's chain records it only through host calls its own
// component makes.
func (r *Runtime) ChannelOpen(ctx context.Context, initiator, target id.ActorID, channelID string, initial []byte) error {
	if _, err := r.lookup(initiator); err != nil {
		return err
	}
	targetEntry, err := r.lookup(target)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.channels[channelID] = channelEndpoint{initiator: initiator, target: target}
	r.mu.Unlock()

	if len(initial) == 0 {
		return nil
	}
	_, err = targetEntry.handle.CallFunction(ctx, "handle_message", initial)
	return err
}

// ChannelSend forwards payload on an open channel to whichever endpoint
// didn't originate it.
func (r *Runtime) ChannelSend(ctx context.Context, channelID string, payload []byte, from id.ActorID) error {
	r.mu.RLock()
	ep, ok := r.channels[channelID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: channel %s", theatererr.ErrActorNotFound, channelID)
	}

	dest := ep.target
	if from == ep.target {
		dest = ep.initiator
	}
	entry, err := r.lookup(dest)
	if err != nil {
		return err
	}
	_, err = entry.handle.CallFunction(ctx, "handle_message", payload)
	return err
}

// ChannelClose tears down a channel's bookkeeping. Neither endpoint is
// otherwise notified; a component that needs a close signal should be
// sent one via ChannelSend before calling this.
func (r *Runtime) ChannelClose(channelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.channels[channelID]; !ok {
		return fmt.Errorf("%w: channel %s", theatererr.ErrActorNotFound, channelID)
	}
	delete(r.channels, channelID)
	return nil
}

// Subscribe records sink as a subscriber of actorID's chain events.
// This is bookkeeping only: nothing delivers events to a registered
// sink, since chain appends have no observer hook. Read an actor's
// events with ActorChain instead.
func (r *Runtime) Subscribe(actorID id.ActorID, sink chan<- chain.Event) error {
	if _, err := r.lookup(actorID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscriptions[actorID] == nil {
		r.subscriptions[actorID] = make(map[chan<- chain.Event]struct{})
	}
	r.subscriptions[actorID][sink] = struct{}{}
	return nil
}

// Unsubscribe removes a previously registered sink.
func (r *Runtime) Unsubscribe(actorID id.ActorID, sink chan<- chain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscriptions[actorID], sink)
}

// Children lists actorID's direct children.
func (r *Runtime) Children(actorID id.ActorID) []string {
	return r.tree.Children(actorID.String())
}

// ActorStatus returns the named actor's status discriminator.
func (r *Runtime) ActorStatus(ctx context.Context, actorID id.ActorID) (actor.Status, error) {
	entry, err := r.lookup(actorID)
	if err != nil {
		return actor.Status{}, err
	}
	return entry.handle.GetStatus(ctx)
}

// ActorChain returns a snapshot of the named actor's chain.
func (r *Runtime) ActorChain(ctx context.Context, actorID id.ActorID) ([]chain.Event, error) {
	entry, err := r.lookup(actorID)
	if err != nil {
		return nil, err
	}
	return entry.handle.GetChain(ctx)
}

// Shutdown drains every live actor concurrently and returns every failure
// encountered via multierr, not just the first: a stuck actor shouldn't
// hide the fact that three others also failed to drain cleanly (unlike
// errgroup.Wait, which only ever reports the first error it saw).
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	entries := make([]*actorEntry, 0, len(r.actors))
	for _, e := range r.actors {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		combined error
	)
	for _, entry := range entries {
		wg.Add(1)
		go func(entry *actorEntry) {
			defer wg.Done()
			if err := entry.handle.Shutdown(ctx); err != nil {
				mu.Lock()
				combined = multierr.Append(combined, fmt.Errorf("actor %s: %w", entry.instance.ActorID(), err))
				mu.Unlock()
			}
		}(entry)
	}
	wg.Wait()

	r.mu.Lock()
	r.actors = make(map[id.ActorID]*actorEntry)
	r.mu.Unlock()

	return combined
}
