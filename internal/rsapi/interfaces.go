// Package rsapi holds the external-collaborator interfaces the engine's
// public surface names: Transport, Handler, LeaseHandler, ErrorSink. It
// exists so both the public root package and the internal engine packages
// (conn, requester, responder) can share one definition without an import
// cycle.
package rsapi

import (
	"github.com/rsocket-engine/core/internal/payload"
	"github.com/rsocket-engine/core/internal/reactive"
)

// Transport is the byte-framed duplex the engine is built on top of.
// Establishing one (TCP dial/accept, WebSocket upgrade, TLS handshake) is
// explicitly out of scope for the engine; see the top-level
// transport/ directory for concrete implementations that exercise it.
type Transport interface {
	// Send writes one already-encoded, length-prefixed frame.
	Send(frameBytes []byte) error
	// Recv blocks until the next inbound frame's raw bytes are available.
	Recv() ([]byte, error)
	// Closed is closed exactly once when the transport becomes unusable.
	Closed() <-chan struct{}
	Close() error
}

// Handler is the user-supplied Responder implementation.
// FireAndForget and MetadataPush return a Publisher purely to surface
// asynchronous handler errors to the error sink; their emitted payloads (if
// any) are ignored.
type Handler interface {
	FireAndForget(p *payload.Payload) reactive.Publisher
	RequestResponse(p *payload.Payload) reactive.Publisher
	RequestStream(p *payload.Payload) reactive.Publisher
	RequestChannel(inbound reactive.Publisher) reactive.Publisher
	MetadataPush(p *payload.Payload) reactive.Publisher
}

// LeaseHandler is consumed as a boolean predicate; computing leases is out
// of scope.
type LeaseHandler interface {
	UseLease() bool
	LeaseError() error
}

// ErrorSink is the side channel for errors that have nowhere else to
// surface.
type ErrorSink interface {
	Accept(err error)
}

type ErrorSinkFunc func(error)

func (f ErrorSinkFunc) Accept(err error) { f(err) }

// NopLeaseHandler always grants use and never terminates the connection; it
// is the default when the caller does not negotiate leases.
type NopLeaseHandler struct{}

func (NopLeaseHandler) UseLease() bool   { return true }
func (NopLeaseHandler) LeaseError() error { return nil }
