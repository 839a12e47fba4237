// Package streamtable implements the concurrent stream_id → stream state
// object mapping and the combined allocate-then-insert critical section a
// stream id allocator needs to avoid racing itself.
//
// Grounded on Session.streams / Session.streamsM in
// internal/multiplex/session.go, generalised from a single concrete *Stream
// value to an Entry interface so both requester and responder stream
// machines can share one table.
package streamtable

import (
	"sync"

	"github.com/rsocket-engine/core/internal/frame"
	"github.com/rsocket-engine/core/internal/streamid"
)

type Role int

const (
	RoleRequester Role = iota
	RoleResponder
)

type Kind int

const (
	KindFireAndForget Kind = iota
	KindRequestResponse
	KindRequestStream
	KindRequestChannel
)

// Entry is anything the table can hold: a requester or responder stream
// object. Implementations live in internal/requester and internal/responder.
// HandleFrame delivers one inbound frame already routed to this stream id
// by the connection driver; Terminate is called during
// connection teardown with the terminal error to deliver.
type Entry interface {
	StreamID() uint32
	Role() Role
	Kind() Kind
	HandleFrame(f *frame.Frame)
	Terminate(err error)
}

type Snapshot struct {
	StreamID uint32
	Role     Role
	Kind     Kind
}

// Table is safe for concurrent Insert/Get/Remove from multiple goroutines;
// a stream's own FSM transitions are the caller's responsibility to
// serialize.
type Table struct {
	mu      sync.Mutex
	entries map[uint32]Entry
}

func New() *Table {
	return &Table{entries: make(map[uint32]Entry)}
}

// AllocateAndInsert allocates a fresh id from alloc and inserts the Entry
// make(id) produces, all under one lock, so no other goroutine can observe
// the id as simultaneously free and unassigned.
func (t *Table) AllocateAndInsert(alloc *streamid.Allocator, make_ func(id uint32) Entry) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := alloc.Next(func(candidate uint32) bool {
		_, taken := t.entries[candidate]
		return !taken
	})
	e := make_(id)
	t.entries[id] = e
	return e
}

// InsertIfAbsent is used by the responder side, where the peer supplies the
// stream id on an inbound REQUEST_* frame rather than this side allocating
// one. Returns false if id was already occupied (duplicate/racing frame).
func (t *Table) InsertIfAbsent(id uint32, e Entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, taken := t.entries[id]; taken {
		return false
	}
	t.entries[id] = e
	return true
}

func (t *Table) Get(id uint32) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	return e, ok
}

// Remove deletes id from the table. It is idempotent: removing an id that is
// not present is a no-op.
func (t *Table) Remove(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Drain empties the table and returns everything that was in it, for
// connection termination: every stream must be individually
// cancelled/failed exactly once.
func (t *Table) Drain() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	t.entries = make(map[uint32]Entry)
	return out
}

// Snapshot exposes live-stream metadata for a future resume layer to
// checkpoint; resumption itself is not implemented here.
func (t *Table) Snapshot() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Snapshot, 0, len(t.entries))
	for id, e := range t.entries {
		out = append(out, Snapshot{StreamID: id, Role: e.Role(), Kind: e.Kind()})
	}
	return out
}
