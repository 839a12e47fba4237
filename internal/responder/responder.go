// Package responder implements the Responder-role dispatch: turning an
// inbound REQUEST_* frame into a call against the user-supplied Handler, and
// translating the Handler's reactive replies back into outbound frames.
//
// Grounded on the accept-side of internal/multiplex/switchboard.go (a fresh
// stream id maps to a fresh Stream object exactly once, duplicate ids are
// rejected), generalised from one stream shape to the four interaction
// models the accepted frame's type selects.
package responder

import (
	"math"
	"sync"

	"github.com/rsocket-engine/core/internal/frame"
	"github.com/rsocket-engine/core/internal/payload"
	"github.com/rsocket-engine/core/internal/reactive"
	"github.com/rsocket-engine/core/internal/rsapi"
	"github.com/rsocket-engine/core/internal/rserr"
	"github.com/rsocket-engine/core/internal/sendq"
	"github.com/rsocket-engine/core/internal/streamtable"

	log "github.com/sirupsen/logrus"
)

// Responder owns nothing but a reference to the shared stream table and
// send queue; every accepted stream registers its own Entry there.
type Responder struct {
	Table   *streamtable.Table
	Sendq   *sendq.Multiplexer
	MTU     int
	Handler rsapi.Handler
	ErrSink rsapi.ErrorSink
}

func New(table *streamtable.Table, q *sendq.Multiplexer, mtu int, h rsapi.Handler, errSink rsapi.ErrorSink) *Responder {
	return &Responder{Table: table, Sendq: q, MTU: mtu, Handler: h, ErrSink: errSink}
}

func (r *Responder) send(f *frame.Frame) {
	buf, err := frame.Encode(f)
	if err != nil {
		log.Errorf("responder: failed to encode %v frame: %v", f.Type, err)
		return
	}
	if err := r.Sendq.Enqueue(buf); err != nil {
		log.Debugf("responder: enqueue on closed connection: %v", err)
	}
}

// notifyErrSink surfaces a handler's error to the connection's local error
// sink in addition to whatever ERROR frame is sent to the peer, so a caller
// observing this side of the connection sees the original error rather than
// only its wire encoding.
func (r *Responder) notifyErrSink(err error) {
	if r.ErrSink != nil {
		r.ErrSink.Accept(err)
	}
}

// Accept handles a request-initiator frame that arrived for a stream id the
// table did not already know about.
func (r *Responder) Accept(f *frame.Frame) {
	switch f.Type {
	case frame.TypeRequestFNF:
		r.acceptFireAndForget(f)
	case frame.TypeRequestResponse:
		r.acceptRequestResponse(f)
	case frame.TypeRequestStream:
		r.acceptRequestStream(f)
	case frame.TypeRequestChannel:
		r.acceptRequestChannel(f)
	default:
		log.Debugf("responder: %v is not a request initiator", f.Type)
	}
}

// discardSubscriber consumes a Publisher's signals without producing any
// wire traffic, forwarding only errors to the error sink. FireAndForget and
// MetadataPush handlers use it: an asynchronous handler error is surfaced to
// the error sink since there is no requester waiting for a reply.
type discardSubscriber struct{ errSink rsapi.ErrorSink }

func (d discardSubscriber) OnSubscribe(s reactive.Subscription) { s.Request(1) }
func (d discardSubscriber) OnNext(p *payload.Payload)            { p.Release() }
func (d discardSubscriber) OnComplete()                          {}
func (d discardSubscriber) OnError(err error) {
	if d.errSink != nil {
		d.errSink.Accept(err)
	}
}

func (r *Responder) acceptFireAndForget(f *frame.Frame) {
	p := payload.New(f.Data, f.Metadata)
	r.Handler.FireAndForget(p).Subscribe(discardSubscriber{r.ErrSink})
}

// HandleMetadataPush answers an inbound stream-0 METADATA_PUSH by handing it
// to the user Handler; there is no requester waiting on a reply, so any
// error the handler raises only reaches the error sink.
func (r *Responder) HandleMetadataPush(p *payload.Payload) {
	r.Handler.MetadataPush(p).Subscribe(discardSubscriber{r.ErrSink})
}

// --- request-response ---

type rrResponderStream struct {
	id  uint32
	r   *Responder
	sub reactive.Subscription

	pending    *payload.Payload
	removeOnce sync.Once
}

func (s *rrResponderStream) StreamID() uint32       { return s.id }
func (s *rrResponderStream) Role() streamtable.Role { return streamtable.RoleResponder }
func (s *rrResponderStream) Kind() streamtable.Kind { return streamtable.KindRequestResponse }

func (s *rrResponderStream) HandleFrame(f *frame.Frame) {
	switch f.Type {
	case frame.TypeCancel:
		if s.sub != nil {
			s.sub.Cancel()
		}
	default:
		s.r.send(rserr.ToErrorFrame(s.id, &rserr.ProtocolViolationError{Message: "unexpected frame " + f.Type.String() + " on a request-response stream"}))
	}
}

func (s *rrResponderStream) Terminate(error) {
	if s.pending != nil {
		s.pending.Release()
		s.pending = nil
	}
	if s.sub != nil {
		s.sub.Cancel()
	}
}

func (s *rrResponderStream) remove() { s.removeOnce.Do(func() { s.r.Table.Remove(s.id) }) }

func (s *rrResponderStream) OnSubscribe(sub reactive.Subscription) {
	s.sub = sub
	sub.Request(math.MaxInt64)
}

func (s *rrResponderStream) OnNext(p *payload.Payload) {
	if s.pending != nil {
		s.pending.Release() // handler emitted more than once: keep the latest
	}
	s.pending = p
}

func (s *rrResponderStream) OnComplete() {
	s.remove()
	if s.pending != nil {
		p := s.pending
		s.pending = nil
		s.r.send(&frame.Frame{StreamID: s.id, Type: frame.TypePayload, Flags: frame.FlagNext | frame.FlagComplete, Data: p.Data, Metadata: p.Metadata})
		p.Release()
		return
	}
	s.r.send(&frame.Frame{StreamID: s.id, Type: frame.TypePayload, Flags: frame.FlagComplete})
}

func (s *rrResponderStream) OnError(err error) {
	s.remove()
	if s.pending != nil {
		s.pending.Release()
		s.pending = nil
	}
	s.r.notifyErrSink(err)
	s.r.send(rserr.ToErrorFrame(s.id, err))
}

func (r *Responder) acceptRequestResponse(f *frame.Frame) {
	st := &rrResponderStream{id: f.StreamID, r: r}
	if !r.Table.InsertIfAbsent(f.StreamID, st) {
		log.Debugf("responder: duplicate stream id %d on REQUEST_RESPONSE", f.StreamID)
		return
	}
	p := payload.New(f.Data, f.Metadata)
	r.Handler.RequestResponse(p).Subscribe(st)
}

// --- request-stream ---

type rsResponderStream struct {
	id  uint32
	r   *Responder
	sub reactive.Subscription

	removeOnce sync.Once
}

func (s *rsResponderStream) StreamID() uint32       { return s.id }
func (s *rsResponderStream) Role() streamtable.Role { return streamtable.RoleResponder }
func (s *rsResponderStream) Kind() streamtable.Kind { return streamtable.KindRequestStream }

func (s *rsResponderStream) HandleFrame(f *frame.Frame) {
	if s.sub == nil {
		return
	}
	switch f.Type {
	case frame.TypeRequestN:
		s.sub.Request(f.RequestN)
	case frame.TypeCancel:
		s.sub.Cancel()
	default:
		s.r.send(rserr.ToErrorFrame(s.id, &rserr.ProtocolViolationError{Message: "unexpected frame " + f.Type.String() + " on a request-stream stream"}))
	}
}

func (s *rsResponderStream) Terminate(error) {
	if s.sub != nil {
		s.sub.Cancel()
	}
}

func (s *rsResponderStream) remove() { s.removeOnce.Do(func() { s.r.Table.Remove(s.id) }) }

func (s *rsResponderStream) OnSubscribe(sub reactive.Subscription) { s.sub = sub }
func (s *rsResponderStream) OnNext(p *payload.Payload) {
	s.r.send(&frame.Frame{StreamID: s.id, Type: frame.TypePayload, Flags: frame.FlagNext, Data: p.Data, Metadata: p.Metadata})
	p.Release()
}
func (s *rsResponderStream) OnComplete() {
	s.remove()
	s.r.send(&frame.Frame{StreamID: s.id, Type: frame.TypePayload, Flags: frame.FlagComplete})
}
func (s *rsResponderStream) OnError(err error) {
	s.remove()
	s.r.notifyErrSink(err)
	s.r.send(rserr.ToErrorFrame(s.id, err))
}

func (r *Responder) acceptRequestStream(f *frame.Frame) {
	st := &rsResponderStream{id: f.StreamID, r: r}
	if !r.Table.InsertIfAbsent(f.StreamID, st) {
		log.Debugf("responder: duplicate stream id %d on REQUEST_STREAM", f.StreamID)
		return
	}
	p := payload.New(f.Data, f.Metadata)
	r.Handler.RequestStream(p).Subscribe(st)
	if st.sub != nil {
		st.sub.Request(f.InitialRequestN)
	}
}

// --- request-channel ---

// rcResponderStream models a channel as two independent edges: inbound wire
// frames feed reactive.Processor as its upstream (OnNext/OnComplete/
// OnError), and its outbound leg is a plain Subscriber driving PAYLOAD
// frames back to the peer, exactly as rsResponderStream does.
type rcResponderStream struct {
	id     uint32
	r      *Responder
	proc   *reactive.Processor
	outSub reactive.Subscription

	mu           sync.Mutex
	outboundDone bool
	inboundDone  bool
	removeOnce   sync.Once
}

func (s *rcResponderStream) StreamID() uint32       { return s.id }
func (s *rcResponderStream) Role() streamtable.Role { return streamtable.RoleResponder }
func (s *rcResponderStream) Kind() streamtable.Kind { return streamtable.KindRequestChannel }

func (s *rcResponderStream) remove() { s.removeOnce.Do(func() { s.r.Table.Remove(s.id) }) }

func (s *rcResponderStream) Terminate(err error) {
	s.proc.OnError(err)
	if s.outSub != nil {
		s.outSub.Cancel()
	}
}

func (s *rcResponderStream) HandleFrame(f *frame.Frame) {
	switch f.Type {
	case frame.TypePayload:
		if f.Flags.Has(frame.FlagNext) {
			s.proc.OnNext(payload.New(f.Data, f.Metadata))
		}
		if f.Flags.Has(frame.FlagComplete) {
			s.setInboundDone()
			s.proc.OnComplete()
			s.maybeRemove()
		}
	case frame.TypeError:
		s.setInboundDone()
		s.proc.OnError(rserr.FromErrorFrame(f))
		if s.outSub != nil {
			s.outSub.Cancel()
		}
		s.remove()
	case frame.TypeRequestN:
		if s.outSub != nil {
			s.outSub.Request(f.RequestN)
		}
	case frame.TypeCancel:
		s.setOutboundDone()
		if s.outSub != nil {
			s.outSub.Cancel()
		}
		s.maybeRemove()
	default:
		s.r.send(rserr.ToErrorFrame(s.id, &rserr.ProtocolViolationError{Message: "unexpected frame " + f.Type.String() + " on a request-channel stream"}))
	}
}

func (s *rcResponderStream) setInboundDone()  { s.mu.Lock(); s.inboundDone = true; s.mu.Unlock() }
func (s *rcResponderStream) setOutboundDone() { s.mu.Lock(); s.outboundDone = true; s.mu.Unlock() }

func (s *rcResponderStream) maybeRemove() {
	s.mu.Lock()
	both := s.inboundDone && s.outboundDone
	s.mu.Unlock()
	if both {
		s.remove()
	}
}

// --- outbound edge: handler's returned Publisher -> wire ---

func (s *rcResponderStream) OnSubscribe(sub reactive.Subscription) { s.outSub = sub }
func (s *rcResponderStream) OnNext(p *payload.Payload) {
	s.r.send(&frame.Frame{StreamID: s.id, Type: frame.TypePayload, Flags: frame.FlagNext, Data: p.Data, Metadata: p.Metadata})
	p.Release()
}
func (s *rcResponderStream) OnComplete() {
	s.setOutboundDone()
	s.r.send(&frame.Frame{StreamID: s.id, Type: frame.TypePayload, Flags: frame.FlagComplete})
	s.maybeRemove()
}
func (s *rcResponderStream) OnError(err error) {
	s.setOutboundDone()
	s.r.notifyErrSink(err)
	s.r.send(rserr.ToErrorFrame(s.id, err))
	s.maybeRemove()
}

func (r *Responder) acceptRequestChannel(f *frame.Frame) {
	st := &rcResponderStream{id: f.StreamID, r: r, proc: reactive.NewProcessor()}
	if !r.Table.InsertIfAbsent(f.StreamID, st) {
		log.Debugf("responder: duplicate stream id %d on REQUEST_CHANNEL", f.StreamID)
		return
	}
	st.proc.SetOnCancel(func() {
		st.setInboundDone()
		st.r.send(&frame.Frame{StreamID: st.id, Type: frame.TypeCancel})
		st.maybeRemove()
	})
	// Demand the local handler places on the inbound Processor translates
	// into REQUEST_N back to the peer. The first payload bundled in this
	// REQUEST_CHANNEL frame arrived without any REQUEST_N from this side, so
	// the Processor deducts it from the handler's first request(s) before
	// calling this; the frame's initial_request_n is credit for the handler's
	// outbound leg instead (see the Request call below).
	st.proc.SetOnRequest(func(n int64) {
		st.r.send(&frame.Frame{StreamID: st.id, Type: frame.TypeRequestN, RequestN: n})
	})

	if f.Flags.Has(frame.FlagNext) {
		st.proc.OnNext(payload.New(f.Data, f.Metadata))
	}
	if f.Flags.Has(frame.FlagComplete) {
		st.setInboundDone()
		st.proc.OnComplete()
	}

	r.Handler.RequestChannel(st.proc).Subscribe(st)
	if st.outSub != nil {
		st.outSub.Request(f.InitialRequestN)
	}
}
