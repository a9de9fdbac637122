// Package chain implements the append-only, hash-linked event log that
// records every boundary crossing an actor makes, and the verification
// and persistence operations over it.
package chain

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/theater-rt/theater/internal/theatererr"
)

// Hash is the 20-byte SHA-1 digest of a ChainEvent.
type Hash [sha1.Size]byte

// String renders the hash as lowercase hex.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the zero hash. The chain never uses the
// zero hash as a "no parent" marker: Event.ParentHash is a pointer, nil
// for the first event, so the zero hash is never confused with "first
// event".
func (h Hash) IsZero() bool { return h == Hash{} }

// Event is one entry in a Chain: the atom of history. Timestamp and
// Description are deliberately excluded from the hash (I2) so that a
// replayed chain's hashes are stable regardless of when replay runs.
type Event struct {
	Hash        Hash
	ParentHash  *Hash
	EventType   string
	Data        []byte
	Timestamp   time.Time
	Description string
}

// HostFunctionCall is the recommended deterministic payload shape for
// capability-call events; handlers serialize one of these into
// Event.Data before calling Chain.Append.
type HostFunctionCall struct {
	Interface string          `json:"interface"`
	Function  string          `json:"function"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
}

// Clock abstracts time.Now so tests can pin timestamps without touching
// hash computation (timestamps are never hashed).
type Clock func() time.Time

// Chain is the ordered, append-only sequence of Events belonging to one
// actor, plus the current head hash. It is safe for concurrent read
// access but MUST be mutated only by the owning ActorInstance's single
// state-machine task (per the concurrency model in §5); the internal
// mutex exists only to guard concurrent info-channel reads (GetChain,
// GetMetrics) racing the owning task's appends.
type Chain struct {
	mu     sync.RWMutex
	events []Event
	head   *Hash
	clock  Clock
}

// New returns an empty chain. clock defaults to time.Now if nil.
func New(clock Clock) *Chain {
	if clock == nil {
		clock = time.Now
	}
	return &Chain{clock: clock}
}

// computeHash implements invariant I2: hash = SHA1(event_type || data ||
// parent_hash_or_empty).
func computeHash(eventType string, data []byte, parent *Hash) Hash {
	h := sha1.New()
	h.Write([]byte(eventType))
	h.Write(data)
	if parent != nil {
		h.Write(parent[:])
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Append computes the event's hash and parent linkage from the current
// head, pushes it, and returns the recorded copy. Appends are infallible
// given a working hash primitive (§4.1).
func (c *Chain) Append(eventType string, data []byte) Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var parent *Hash
	if c.head != nil {
		p := *c.head
		parent = &p
	}

	ev := Event{
		ParentHash: parent,
		EventType:  eventType,
		Data:       append([]byte(nil), data...),
		Timestamp:  c.clock(),
	}
	ev.Hash = computeHash(ev.EventType, ev.Data, parent)

	c.events = append(c.events, ev)
	head := ev.Hash
	c.head = &head
	return ev
}

// AppendDescribed is Append plus a human-readable, unhashed description.
func (c *Chain) AppendDescribed(eventType string, data []byte, description string) Event {
	ev := c.Append(eventType, data)
	c.mu.Lock()
	c.events[len(c.events)-1].Description = description
	ev.Description = description
	c.mu.Unlock()
	return ev
}

// Len returns the number of events recorded so far.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.events)
}

// Head returns the current head hash, or nil if the chain is empty.
func (c *Chain) Head() *Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.head == nil {
		return nil
	}
	h := *c.head
	return &h
}

// Iter returns a snapshot of the ordered event sequence. Repeated calls
// do not alter the chain (idempotence law, §8).
func (c *Chain) Iter() []Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Verify walks the chain recomputing hashes and checking parent linkage,
// per invariants I1 and I2. It fails on the first inconsistency found.
func (c *Chain) Verify() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var prevHash *Hash
	for i, ev := range c.events {
		wantHash := computeHash(ev.EventType, ev.Data, ev.ParentHash)
		if wantHash != ev.Hash {
			return fmt.Errorf("%w: event %d hash mismatch", theatererr.ErrChainCorruption, i)
		}
		if i == 0 {
			if ev.ParentHash != nil {
				return fmt.Errorf("%w: first event has a parent hash", theatererr.ErrChainCorruption)
			}
		} else {
			if ev.ParentHash == nil || *ev.ParentHash != *prevHash {
				return fmt.Errorf("%w: event %d parent_hash does not match prior event's hash", theatererr.ErrChainCorruption, i)
			}
		}
		h := ev.Hash
		prevHash = &h
	}
	return nil
}

// persistedEvent is the deterministic JSON-on-disk shape for an Event:
// hashes hex-encoded, data base64-encoded, matching §6's persistence
// format.
type persistedEvent struct {
	Hash        string `json:"hash"`
	ParentHash  string `json:"parent_hash,omitempty"`
	EventType   string `json:"event_type"`
	Data        string `json:"data"`
	TimestampMs int64  `json:"timestamp"`
	Description string `json:"description,omitempty"`
}

// MarshalJSON renders the chain as a deterministic JSON array of events.
func (c *Chain) MarshalJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]persistedEvent, len(c.events))
	for i, ev := range c.events {
		pe := persistedEvent{
			Hash:        ev.Hash.String(),
			EventType:   ev.EventType,
			Data:        base64.StdEncoding.EncodeToString(ev.Data),
			TimestampMs: ev.Timestamp.UnixMilli(),
			Description: ev.Description,
		}
		if ev.ParentHash != nil {
			pe.ParentHash = ev.ParentHash.String()
		}
		out[i] = pe
	}
	return json.Marshal(out)
}

// UnmarshalJSON replaces the chain's contents with the events decoded
// from data, setting the head to the last event's hash. It does not
// verify; call Verify explicitly if that's required (loading a
// known-corrupt chain is itself a valid operation, e.g. for diagnosis).
func (c *Chain) UnmarshalJSON(data []byte) error {
	var raw []persistedEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", theatererr.ErrSerialization, err)
	}

	events := make([]Event, len(raw))
	for i, pe := range raw {
		var h Hash
		hb, err := hex.DecodeString(pe.Hash)
		if err != nil || len(hb) != len(h) {
			return fmt.Errorf("%w: event %d has malformed hash", theatererr.ErrSerialization, i)
		}
		copy(h[:], hb)

		var parent *Hash
		if pe.ParentHash != "" {
			var ph Hash
			phb, err := hex.DecodeString(pe.ParentHash)
			if err != nil || len(phb) != len(ph) {
				return fmt.Errorf("%w: event %d has malformed parent_hash", theatererr.ErrSerialization, i)
			}
			copy(ph[:], phb)
			parent = &ph
		}

		dataBytes, err := base64.StdEncoding.DecodeString(pe.Data)
		if err != nil {
			return fmt.Errorf("%w: event %d has malformed data", theatererr.ErrSerialization, i)
		}

		events[i] = Event{
			Hash:        h,
			ParentHash:  parent,
			EventType:   pe.EventType,
			Data:        dataBytes,
			Timestamp:   time.UnixMilli(pe.TimestampMs),
			Description: pe.Description,
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = events
	if len(events) > 0 {
		h := events[len(events)-1].Hash
		c.head = &h
	} else {
		c.head = nil
	}
	return nil
}

// Save serializes the chain to path as a deterministic JSON array.
func (c *Chain) Save(path string) error {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Errorf("%w: %v", theatererr.ErrSerialization, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", theatererr.ErrSerialization, err)
	}
	return nil
}

// Load replaces c's contents with the chain persisted at path.
func (c *Chain) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", theatererr.ErrSerialization, err)
	}
	return c.UnmarshalJSON(data)
}

// Equal reports whether two chains have structurally identical events
// and the same head hash, used by the round-trip law (§8).
func Equal(a, b *Chain) bool {
	ae, be := a.Iter(), b.Iter()
	if len(ae) != len(be) {
		return false
	}
	for i := range ae {
		if ae[i].Hash != be[i].Hash || ae[i].EventType != be[i].EventType {
			return false
		}
		if !bytes.Equal(ae[i].Data, be[i].Data) {
			return false
		}
		if (ae[i].ParentHash == nil) != (be[i].ParentHash == nil) {
			return false
		}
		if ae[i].ParentHash != nil && *ae[i].ParentHash != *be[i].ParentHash {
			return false
		}
	}
	ah, bh := a.Head(), b.Head()
	if (ah == nil) != (bh == nil) {
		return false
	}
	return ah == nil || *ah == *bh
}
