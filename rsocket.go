// Package rsocket is the public face of the engine: a Connection built on
// top of a caller-supplied Transport, four requester methods, and the
// Handler/Subscriber/Publisher types a caller implements or consumes.
//
// Everything here is a thin wrapper over internal/conn, internal/requester
// and internal/reactive; the root package exists so callers import one
// package instead of reaching into internal/.
package rsocket

import (
	"time"

	"github.com/rsocket-engine/core/internal/conn"
	"github.com/rsocket-engine/core/internal/diag"
	"github.com/rsocket-engine/core/internal/payload"
	"github.com/rsocket-engine/core/internal/reactive"
	"github.com/rsocket-engine/core/internal/rsapi"
)

// Payload is a reference-counted { data, metadata } pair.
// Every Payload a caller receives — as a handler argument or as an OnNext
// delivery — must have Release called on it exactly once.
type Payload = payload.Payload

// NewPayload wraps data/metadata into a Payload with one outstanding
// reference, ready to hand to one of Connection's four requester methods or
// to return from a Handler.
func NewPayload(data, metadata []byte) *Payload { return payload.New(data, metadata) }

// Subscriber, Subscription and Publisher are the reactive-streams-lite
// contract: at most one terminal signal, optionally preceded by OnNext
// calls, never concurrently with itself.
type (
	Subscriber   = reactive.Subscriber
	Subscription = reactive.Subscription
	Publisher    = reactive.Publisher
)

// SubscriberFunc-style adapters for callers who don't want to declare a
// named type for a one-off Subscriber or Publisher.
type (
	PublisherFunc    = reactive.PublisherFunc
	SubscriptionFunc = reactive.SubscriptionFunc
)

// Handler is the Responder every accepted connection is driven by: it
// answers whatever the peer originates.
type Handler = rsapi.Handler

// Transport is the byte-framed duplex a Connection is built on top of.
// Establishing one is out of scope for this package; see transport/ for
// concrete implementations.
type Transport = rsapi.Transport

// LeaseHandler is the local predicate consulted before every locally- or
// peer-originated request; see internal/lease for a concrete
// token-bucket implementation, or use NopLeaseHandler for no limit.
type LeaseHandler = rsapi.LeaseHandler

// NopLeaseHandler always grants use and never terminates the connection.
type NopLeaseHandler = rsapi.NopLeaseHandler

// ErrorSink receives errors that have nowhere else to surface: a
// connection-level failure, or a FireAndForget/MetadataPush handler error.
type ErrorSink = rsapi.ErrorSink

// ErrorSinkFunc adapts a plain function to ErrorSink.
type ErrorSinkFunc = rsapi.ErrorSinkFunc

// Config configures one Connection. Handler defaults to one that rejects
// every inbound RequestResponse, RequestStream and RequestChannel with
// INVALID_PAYLOAD and completes FireAndForget and MetadataPush as no-ops;
// Lease defaults to NopLeaseHandler; ErrSink defaults to discarding.
type Config struct {
	Transport Transport
	Handler   Handler
	ErrSink   ErrorSink
	Lease     LeaseHandler
	// IsClient selects this side's stream id parity: true for the side that
	// dialled/initiated the connection.
	IsClient bool
	// MTU > 0 makes payload validation accept any size; 0 rejects any
	// payload that would not fit one frame. Outbound payloads are not split
	// into fragments, so a frame over the 24-bit length limit still fails to
	// encode when MTU > 0.
	MTU int
	// IdleTimeout self-terminates the connection once no frame at all has
	// arrived for this long. Zero disables it.
	IdleTimeout time.Duration
}

// Connection is one live RSocket wire session: a single read loop plus the
// four requester operations a caller uses to originate interactions.
type Connection struct {
	drv *conn.Connection
}

// Connect wires a Connection over transport without starting its read loop;
// call Run to drive it. Splitting construction from Run lets a caller hold
// a reference to FireAndForget/RequestResponse/etc. before the connection
// is actually pumping frames — matching the lazy-Publisher contract where
// nothing is sent until Subscribe.
func Connect(cfg Config) *Connection {
	return &Connection{drv: conn.New(conn.Config{
		Transport:   cfg.Transport,
		Handler:     cfg.Handler,
		ErrSink:     cfg.ErrSink,
		Lease:       cfg.Lease,
		IsClient:    cfg.IsClient,
		MTU:         cfg.MTU,
		IdleTimeout: cfg.IdleTimeout,
	})}
}

// Run drives the connection until the transport fails or Close is called.
// It blocks; call it in its own goroutine.
func (c *Connection) Run() error { return c.drv.Run() }

// Close actively tears the connection down, cancelling every outstanding
// stream and releasing anything still queued for send.
func (c *Connection) Close() error { return c.drv.Close() }

// Done is closed exactly once, after every stream has been told and the
// transport has been disposed.
func (c *Connection) Done() <-chan struct{} { return c.drv.Done() }

// FireAndForget sends p and completes locally without waiting for any
// response. p is consumed (its one reference is released by the time the
// returned Publisher's Subscribe call returns), or immediately on Subscribe
// if validation fails first.
func (c *Connection) FireAndForget(p *Payload) Publisher { return c.drv.Requester.FireAndForget(p) }

// RequestResponse sends p and completes with at most one reply.
func (c *Connection) RequestResponse(p *Payload) Publisher { return c.drv.Requester.RequestResponse(p) }

// RequestStream sends p once the returned Publisher's subscriber makes its
// first demand, and delivers zero or more replies until completion, error,
// or cancellation.
func (c *Connection) RequestStream(p *Payload) Publisher { return c.drv.Requester.RequestStream(p) }

// RequestChannel takes the local outbound Publisher (payloads the caller
// wants to send) and returns a Publisher of payloads received from the
// peer. Nothing is sent until the returned Publisher's subscriber makes its
// first demand.
func (c *Connection) RequestChannel(outbound Publisher) Publisher {
	return c.drv.Requester.RequestChannel(outbound)
}

// MetadataPush sends a connection-level metadata frame and completes
// locally; it has no corresponding stream and no reply.
func (c *Connection) MetadataPush(p *Payload) Publisher { return c.drv.Requester.MetadataPush(p) }

// Diagnostics returns an http.Handler exposing this connection's live stream
// table (GET /streams) and a liveness probe (GET /healthz). Mounting it is
// entirely optional and has no effect on the wire protocol.
func (c *Connection) Diagnostics() *diag.Router { return diag.NewRouter(c.drv.Table()) }

// TouchKeepAlive resets the IdleTimeout clock. A caller driving its own
// keepalive negotiation on top of this engine calls it whenever it observes
// liveness beyond what ordinary frame traffic already proves.
func (c *Connection) TouchKeepAlive() { c.drv.TouchKeepAlive() }
