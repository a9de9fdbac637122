// Package id mints process-wide unique actor identifiers.
package id

import "github.com/google/uuid"

// ActorID is an opaque, immutable identifier assigned to an actor on
// spawn. It never changes across restarts (restart preserves identity;
// only the chain is rebuilt).
type ActorID string

// New mints a fresh, process-wide unique ActorID.
func New() ActorID {
	return ActorID(uuid.New().String())
}

// String implements fmt.Stringer for log lines and error messages.
func (a ActorID) String() string {
	return string(a)
}

// Empty reports whether the id is the zero value, which is never a
// valid assigned id.
func (a ActorID) Empty() bool {
	return a == ""
}
