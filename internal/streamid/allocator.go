// Package streamid implements the monotonic odd/even stream id allocator:
// client ids start at 1, server ids at 2, both step by 2 and wrap at 2^31,
// probing forward past any id currently in use.
//
// Grounded on Session.OpenStream's atomic increment
// (internal/multiplex/session.go: `atomic.AddUint32(&sesh.nextStreamID, 1)`)
// generalised from "always increment by 1" to a parity-preserving allocator,
// with the forward-skip-if-taken probe borrowed from the ring-based
// wraparound handling of a stream id pool.
package streamid

import "sync"

const maxStreamID = 1<<31 - 1

// Allocator hands out stream ids of one parity, wrapping at 2^31 and
// skipping ids an IsFree predicate reports as still occupied.
type Allocator struct {
	mu   sync.Mutex
	next uint32
	base uint32 // smallest legal id of this parity: 1 (client) or 2 (server)
}

// NewClientAllocator returns an allocator for the Requester side that
// initiated the connection.
func NewClientAllocator() *Allocator { return &Allocator{next: 1, base: 1} }

// NewServerAllocator returns an allocator for the Requester side that
// accepted the connection (even ids).
func NewServerAllocator() *Allocator { return &Allocator{next: 2, base: 2} }

// Next returns the next unused id of this allocator's parity. isFree(id)
// must consult the same stream table the caller will insert into, and the
// caller must perform id-check-and-insert under the same lock as Next to
// satisfy the single-critical-section requirement — see
// streamtable.AllocateAndInsert, which calls this while holding its own
// table lock.
func (a *Allocator) Next(isFree func(id uint32) bool) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := a.next
	for isFree != nil && !isFree(id) {
		id = a.advance(id)
	}
	a.next = a.advance(id)
	return id
}

func (a *Allocator) advance(id uint32) uint32 {
	if id > maxStreamID-2 {
		return a.base
	}
	return id + 2
}
