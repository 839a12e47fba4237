// Package conn implements the connection driver: the single read loop
// that owns a Transport, decodes inbound frames, and routes each one either
// to an existing stream table Entry or to the Responder for a fresh one. It
// is also where connection-wide termination is decided and carried out
// exactly once.
//
// Grounded on Session.recvDataFromRemote / Session.closeSession in
// internal/multiplex/session.go: one CAS-guarded terminal transition, a
// single-owner stream map drained under its own lock, and delegation to a
// switchboard-equivalent (here, sendq.Multiplexer) for the write side.
package conn

import (
	"fmt"
	"sync"
	"time"

	"github.com/rsocket-engine/core/internal/frame"
	"github.com/rsocket-engine/core/internal/payload"
	"github.com/rsocket-engine/core/internal/reactive"
	"github.com/rsocket-engine/core/internal/requester"
	"github.com/rsocket-engine/core/internal/responder"
	"github.com/rsocket-engine/core/internal/rsapi"
	"github.com/rsocket-engine/core/internal/rserr"
	"github.com/rsocket-engine/core/internal/sendq"
	"github.com/rsocket-engine/core/internal/streamid"
	"github.com/rsocket-engine/core/internal/streamtable"

	log "github.com/sirupsen/logrus"
)

// Config carries everything needed to wire one connection.
type Config struct {
	Transport rsapi.Transport
	Handler   rsapi.Handler
	ErrSink   rsapi.ErrorSink
	Lease     rsapi.LeaseHandler
	// IsClient selects the stream id parity for streams this side
	// originates: odd for the connection initiator.
	IsClient bool
	// MTU > 0 makes IsValid accept any payload size; 0 makes IsValid reject
	// any payload that would not fit one frame. Outbound payloads are not
	// split into fragments either way.
	MTU int
	// IdleTimeout self-terminates the connection if no frame at all — data
	// or KEEPALIVE — arrives for this long. Zero disables it; keepalive
	// negotiation itself is out of scope, but a bound on how
	// long to wait for one is a reasonable engine-local default.
	IdleTimeout time.Duration
}

// Connection is one live RSocket wire session. Requester is the public
// entry point for locally-originated interactions; the responder answers
// whatever the peer originates and is not otherwise exposed.
type Connection struct {
	transport rsapi.Transport
	table     *streamtable.Table
	sendq     *sendq.Multiplexer
	errSink   rsapi.ErrorSink
	lease     rsapi.LeaseHandler
	responder *responder.Responder

	Requester *requester.Requester

	frags       *payload.Reassembler
	pendingInit map[uint32]*frame.Frame

	idleTimeout time.Duration
	idleTimer   *time.Timer

	terminateOnce sync.Once
	terminalErr   error
	done          chan struct{}
}

// New wires the stream table, allocator, send multiplexer, requester and
// responder for one connection. It does not start any goroutine; call Run.
func New(cfg Config) *Connection {
	if cfg.Lease == nil {
		cfg.Lease = rsapi.NopLeaseHandler{}
	}
	if cfg.Handler == nil {
		cfg.Handler = noopHandler{}
	}

	table := streamtable.New()
	q := sendq.New()

	var alloc *streamid.Allocator
	if cfg.IsClient {
		alloc = streamid.NewClientAllocator()
	} else {
		alloc = streamid.NewServerAllocator()
	}

	c := &Connection{
		transport:   cfg.Transport,
		table:       table,
		sendq:       q,
		errSink:     cfg.ErrSink,
		lease:       cfg.Lease,
		frags:       payload.NewReassembler(),
		pendingInit: make(map[uint32]*frame.Frame),
		idleTimeout: cfg.IdleTimeout,
		done:        make(chan struct{}),
	}

	req := requester.New(table, alloc, q, cfg.MTU, cfg.Lease)
	req.Terminate = c.terminate
	c.Requester = req
	c.responder = responder.New(table, q, cfg.MTU, cfg.Handler, cfg.ErrSink)

	if cfg.IdleTimeout > 0 {
		c.idleTimer = time.AfterFunc(cfg.IdleTimeout, c.onIdleTimeout)
	}

	return c
}

// Run drives the connection until the transport fails, a frame is malformed,
// or Close is called. It blocks; callers typically invoke it in its own
// goroutine. The returned error is the terminal cause (nil only if the
// caller never calls anything — Run itself always returns a non-nil cause).
func (c *Connection) Run() error {
	go c.sendq.Run(c.transport.Send, c.terminate)

	for {
		buf, err := c.transport.Recv()
		if err != nil {
			c.terminate(err)
			return c.terminalErr
		}
		f, err := frame.Decode(buf)
		if err != nil {
			c.terminate(&rserr.ProtocolViolationError{Message: err.Error()})
			return c.terminalErr
		}
		c.TouchKeepAlive()
		c.dispatch(f)
		select {
		case <-c.done:
			return c.terminalErr
		default:
		}
	}
}

// Close actively tears the connection down with no particular cause.
func (c *Connection) Close() error {
	c.terminate(rserr.ErrConnectionClosed)
	return nil
}

// Done is closed exactly once, when the connection has fully terminated.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Table exposes the stream table for read-only diagnostics (internal/diag);
// nothing outside this package and internal/diag mutates it directly.
func (c *Connection) Table() *streamtable.Table { return c.table }

// TouchKeepAlive resets the idle timer, proving the connection is alive.
// Every inbound frame counts, so a caller driving its own keepalive
// negotiation on top of this engine need only call it when it sends or
// receives a KEEPALIVE it wants to count as liveness beyond ordinary traffic.
//
// Grounded on Session.InactivityTimeout/checkTimeout in session.go,
// generalised from an idle-stream-count check re-armed on every stream close
// to a frame-arrival liveness check re-armed on every inbound frame, since
// RSocket's own KEEPALIVE frame (not stream count) is the wire's liveness
// signal.
func (c *Connection) TouchKeepAlive() {
	if c.idleTimer != nil {
		c.idleTimer.Reset(c.idleTimeout)
	}
}

func (c *Connection) onIdleTimeout() {
	c.terminate(&rserr.ConnectionError{Message: "no frame received within idle timeout"})
}

func (c *Connection) dispatch(f *frame.Frame) {
	if f.StreamID == frame.StreamID0 {
		c.handleConnectionFrame(f)
		return
	}

	if entry, ok := c.table.Get(f.StreamID); ok {
		merged, buffering := c.reassemble(f)
		if buffering {
			return
		}
		entry.HandleFrame(merged)
		return
	}

	if first, ok := c.pendingInit[f.StreamID]; ok {
		merged, buffering := c.reassemble(f)
		if buffering {
			return
		}
		delete(c.pendingInit, f.StreamID)
		complete := *first
		complete.Data = merged.Data
		complete.Metadata = merged.Metadata
		complete.Flags = (complete.Flags &^ frame.FlagFollows) | (merged.Flags & frame.FlagMetadata)
		c.routeFreshRequest(&complete)
		return
	}

	if !f.Type.IsRequestInitiator() {
		// A frame for a stream id nobody knows about that isn't itself a
		// request initiator: either a duplicate/stale CANCEL or REQUEST_N
		// racing a just-completed stream, or a protocol violation. Either
		// way there is no reference-counted payload here yet (frame.Frame's
		// Data/Metadata are plain slices) so nothing needs releasing.
		log.Debugf("conn: %v frame for unknown stream %d dropped", f.Type, f.StreamID)
		return
	}

	if f.Flags.Has(frame.FlagFollows) {
		c.pendingInit[f.StreamID] = f
		c.frags.Push(f.StreamID, f)
		return
	}

	c.routeFreshRequest(f)
}

func (c *Connection) routeFreshRequest(f *frame.Frame) {
	if !c.lease.UseLease() {
		c.terminate(c.lease.LeaseError())
		return
	}
	c.responder.Accept(f)
}

// reassemble feeds PAYLOAD frames through the fragment reassembler; every
// other frame type passes through unchanged, since on a stream that already
// has an entry or a pending initiator only PAYLOAD frames are continuation
// fragments. Returns
// buffering=true while a fragmented sequence is still incomplete, in which
// case the caller must not forward anything yet.
func (c *Connection) reassemble(f *frame.Frame) (merged *frame.Frame, buffering bool) {
	if f.Type != frame.TypePayload {
		return f, false
	}
	p := c.frags.Push(f.StreamID, f)
	if p == nil {
		return nil, true
	}
	defer p.Release()
	out := *f
	out.Data = p.Data
	out.Metadata = p.Metadata
	out.Flags = out.Flags &^ frame.FlagFollows
	if p.Metadata != nil {
		out.Flags |= frame.FlagMetadata
	}
	return &out, false
}

func (c *Connection) handleConnectionFrame(f *frame.Frame) {
	switch f.Type {
	case frame.TypeKeepalive:
		if f.Flags.Has(frame.FlagComplete) { // C is overloaded as RESPOND at stream 0
			c.sendPriority(&frame.Frame{StreamID: frame.StreamID0, Type: frame.TypeKeepalive, RequestN: f.RequestN, Data: f.Data})
		}
	case frame.TypeMetadataPush:
		p := payload.New(nil, f.Metadata)
		c.responder.HandleMetadataPush(p)
	case frame.TypeLease:
		log.Debugf("conn: received LEASE frame; lease budget is computed by the local LeaseHandler, not the peer's grant")
	case frame.TypeError:
		c.terminate(rserr.FromErrorFrame(f))
	case frame.TypeSetup, frame.TypeResume, frame.TypeResumeOK:
		c.terminate(&rserr.ProtocolViolationError{Message: fmt.Sprintf("unexpected %v frame on stream 0 after setup", f.Type)})
	default:
		c.terminate(&rserr.ProtocolViolationError{Message: fmt.Sprintf("unexpected connection-level frame %v", f.Type)})
	}
}

func (c *Connection) sendPriority(f *frame.Frame) {
	buf, err := frame.Encode(f)
	if err != nil {
		log.Errorf("conn: failed to encode %v frame: %v", f.Type, err)
		return
	}
	if err := c.sendq.EnqueuePriority(buf); err != nil {
		log.Debugf("conn: priority enqueue on closed connection: %v", err)
	}
}

// terminate is the single CAS-guarded teardown path: every
// live stream is told exactly once, the send queue and transport are closed,
// and — since a connection-level failure has nowhere else to surface — the
// cause is forwarded to the error sink.
func (c *Connection) terminate(err error) {
	c.terminateOnce.Do(func() {
		c.terminalErr = err
		for _, e := range c.table.Drain() {
			e.Terminate(err)
			c.frags.Abandon(e.StreamID())
		}
		for id := range c.pendingInit {
			c.frags.Abandon(id)
		}
		if c.idleTimer != nil {
			c.idleTimer.Stop()
		}
		c.sendq.Close()
		if cerr := c.transport.Close(); cerr != nil {
			log.Debugf("conn: transport close: %v", cerr)
		}
		close(c.done)
		if c.errSink != nil && err != nil {
			c.errSink.Accept(err)
		}
	})
}

// noopHandler answers RequestResponse, RequestStream and RequestChannel with
// an immediate INVALID_PAYLOAD rejection and completes FireAndForget and
// MetadataPush as no-ops; it is the default when a connection accepts
// requests without a Handler configured.
type noopHandler struct{}

func (noopHandler) FireAndForget(p *payload.Payload) reactive.Publisher {
	p.Release()
	return reactive.PublisherFunc(func(sub reactive.Subscriber) {
		sub.OnSubscribe(reactive.SubscriptionFunc{})
		sub.OnComplete()
	})
}

func (noopHandler) RequestResponse(p *payload.Payload) reactive.Publisher {
	p.Release()
	return reactive.PublisherFunc(func(sub reactive.Subscriber) {
		sub.OnSubscribe(reactive.SubscriptionFunc{})
		sub.OnError(&rserr.InvalidPayloadError{Message: "no handler configured"})
	})
}

func (noopHandler) RequestStream(p *payload.Payload) reactive.Publisher {
	return noopHandler{}.RequestResponse(p)
}

func (noopHandler) RequestChannel(inbound reactive.Publisher) reactive.Publisher {
	inbound.Subscribe(discardSubscriber{})
	return reactive.PublisherFunc(func(sub reactive.Subscriber) {
		sub.OnSubscribe(reactive.SubscriptionFunc{})
		sub.OnError(&rserr.InvalidPayloadError{Message: "no handler configured"})
	})
}

func (noopHandler) MetadataPush(p *payload.Payload) reactive.Publisher {
	p.Release()
	return reactive.PublisherFunc(func(sub reactive.Subscriber) {
		sub.OnSubscribe(reactive.SubscriptionFunc{})
		sub.OnComplete()
	})
}

type discardSubscriber struct{}

func (discardSubscriber) OnSubscribe(s reactive.Subscription) { s.Request(1) }
func (discardSubscriber) OnNext(p *payload.Payload)            { p.Release() }
func (discardSubscriber) OnComplete()                          {}
func (discardSubscriber) OnError(error)                        {}
