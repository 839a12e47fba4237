// Package sendq implements the send multiplexer: an unbounded FIFO
// queue with a priority lane for lease/keepalive frames, serialising
// outbound frames from many producers onto one transport.
//
// Grounded on the single dispatch channel every Stream.Write feeds
// (internal/multiplex/stream.go: `stream.session.sb.dispatCh <-
// tlsRecord`), generalised from a fixed-capacity channel to a growable
// queue (so producers never block on slow peers) using the same
// mutex+condvar wait discipline as bufferedPipe.Read/Write
// (internal/multiplex/bufferedPipe.go), plus a second, always-drained-first
// queue for the priority lane.
package sendq

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("sendq: multiplexer closed")

// Multiplexer serialises byte-encoded frames from many producers onto one
// sink. Enqueue/EnqueuePriority are safe for concurrent use; Run must only
// be called once.
type Multiplexer struct {
	mu   sync.Mutex
	cond *sync.Cond

	normal   [][]byte
	priority [][]byte

	closed bool
}

func New() *Multiplexer {
	m := &Multiplexer{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Enqueue appends buf to the ordinary lane. Per-producer FIFO is preserved
// because a producer's own calls to Enqueue are sequential; no ordering is
// promised across distinct producers.
func (m *Multiplexer) Enqueue(buf []byte) error {
	return m.push(&m.normal, buf)
}

// EnqueuePriority appends buf to the priority lane, drained ahead of any
// pending normal-lane frame. Used for LEASE and KEEPALIVE frames.
func (m *Multiplexer) EnqueuePriority(buf []byte) error {
	return m.push(&m.priority, buf)
}

func (m *Multiplexer) push(lane *[][]byte, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	*lane = append(*lane, buf)
	m.cond.Signal()
	return nil
}

// Run drains the queue, calling sink for each frame (priority lane first),
// until Close is called or sink returns an error. On a sink error, onFailure
// is invoked once with that error before Run returns — the connection
// driver uses this hook to cancel every sending subscription and fail
// every channel processor.
func (m *Multiplexer) Run(sink func([]byte) error, onFailure func(error)) {
	for {
		buf, ok := m.next()
		if !ok {
			return
		}
		if err := sink(buf); err != nil {
			log.Debugf("sendq: sink failed, cancelling remaining subscriptions: %v", err)
			if onFailure != nil {
				onFailure(err)
			}
			m.Close()
			return
		}
	}
}

func (m *Multiplexer) next() (buf []byte, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if len(m.priority) > 0 {
			buf, m.priority = m.priority[0], m.priority[1:]
			return buf, true
		}
		if len(m.normal) > 0 {
			buf, m.normal = m.normal[0], m.normal[1:]
			return buf, true
		}
		if m.closed {
			return nil, false
		}
		m.cond.Wait()
	}
}

// Close marks the multiplexer closed and wakes Run. Frames still queued at
// the moment of Close are dropped, satisfying "buffers enqueued but not yet
// written on termination are released": they are plain []byte
// slices with no external reference, so dropping them is sufficient for the
// garbage collector to reclaim them — no explicit release call is needed,
// unlike the reference-counted Payloads upstream of encoding. Close is
// idempotent.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.normal = nil
	m.priority = nil
	m.cond.Broadcast()
}
