// Package supervisor maintains the parent→children/child→parent topology
// over spawned actors (§4.7) and the callback surface a parent uses to
// learn of a child's failure. It holds no actor state itself — actor
// handles, chains, and state machines live in the runtime and actor
// packages; Tree only knows who supervises whom.
package supervisor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/theater-rt/theater/internal/theatererr"
)

// ErrorCallback is invoked when a child's terminal error is reported to
// its parent. child is the failed actor's id, cause is its terminal
// error (a SetupFailure: operation failures leave the actor running and
// are never reported here). A non-nil return re-raises the error to the grandparent,
// matching spec §4.7's "escalation happens only when the parent callback
// re-raises".
type ErrorCallback func(child string, cause error) error

// Tree tracks supervision relationships. It is mutated only by the
// owning TheaterRuntime task (§5); the mutex exists to let read-only
// query methods (Children, Parent) be safe to call from elsewhere (e.g.
// a diagnostics endpoint) without routing through the runtime.
type Tree struct {
	mu        sync.RWMutex
	children  map[string]map[string]struct{}
	parents   map[string]string
	callbacks map[string]ErrorCallback
}

// New returns an empty Tree.
func New() *Tree {
	return &Tree{
		children:  make(map[string]map[string]struct{}),
		parents:   make(map[string]string),
		callbacks: make(map[string]ErrorCallback),
	}
}

// Attach records childID as spawned under parentID, with cb invoked if
// childID later fails. parentID == "" registers a root actor with no
// supervisor.
func (t *Tree) Attach(parentID, childID string, cb ErrorCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if parentID != "" {
		if t.children[parentID] == nil {
			t.children[parentID] = make(map[string]struct{})
		}
		t.children[parentID][childID] = struct{}{}
		t.parents[childID] = parentID
	}
	if cb != nil {
		t.callbacks[childID] = cb
	}
}

// Detach removes childID from the tree entirely: its parent link, its
// own child set, and its registered callback. Used on permanent
// termination (not restart, which preserves the id and its links).
func (t *Tree) Detach(childID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if parentID, ok := t.parents[childID]; ok {
		delete(t.children[parentID], childID)
		delete(t.parents, childID)
	}
	delete(t.children, childID)
	delete(t.callbacks, childID)
}

// Children returns actorID's direct children, sorted for stable
// listings.
func (t *Tree) Children(actorID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	set := t.children[actorID]
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Parent returns actorID's supervisor, if any.
func (t *Tree) Parent(actorID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.parents[actorID]
	return p, ok
}

// Report notifies childID's parent of a terminal error via its
// registered callback, if one exists. It returns the callback's
// re-raise decision: a non-nil error means the failure should propagate
// to the grandparent (repeating Report with the parent as the new
// child), a nil error means it was handled at this level. handled is
// false when childID has no parent: top-level actors have nowhere to
// escalate to, so the error goes no further (its callback, if any, is
// still invoked). A child with a parent but no registered callback has
// its cause re-raised, wrapped in theatererr.ErrOperationFailure.
func (t *Tree) Report(childID string, cause error) (parentID string, reraise error, handled bool) {
	t.mu.RLock()
	parentID, hasParent := t.parents[childID]
	cb, hasCB := t.callbacks[childID]
	t.mu.RUnlock()

	if !hasCB {
		if !hasParent {
			return "", nil, false
		}
		return parentID, fmt.Errorf("%w: %v", theatererr.ErrOperationFailure, cause), true
	}

	reraise = cb(childID, cause)
	return parentID, reraise, hasParent
}
