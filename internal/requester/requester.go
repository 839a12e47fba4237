// Package requester implements the Requester-role state machines:
// fire-and-forget, request-response, request-stream and request-channel,
// each a lazy Publisher that emits nothing until subscribed.
//
// Grounded on Stream.Write/Stream.Close in internal/multiplex/stream.go
// (allocate-on-use, single outbound frame per Write, an explicit "closing"
// flag guarded by a mutex to make Close idempotent), generalised from one
// fixed interaction shape to the four RSocket models and their demand
// contract.
package requester

import (
	"sync"
	"sync/atomic"

	"github.com/rsocket-engine/core/internal/frame"
	"github.com/rsocket-engine/core/internal/payload"
	"github.com/rsocket-engine/core/internal/reactive"
	"github.com/rsocket-engine/core/internal/rsapi"
	"github.com/rsocket-engine/core/internal/rserr"
	"github.com/rsocket-engine/core/internal/sendq"
	"github.com/rsocket-engine/core/internal/streamid"
	"github.com/rsocket-engine/core/internal/streamtable"

	log "github.com/sirupsen/logrus"
)

// Requester drives every stream this connection originates. One Requester
// exists per connection and is shared by every call to its four methods.
type Requester struct {
	Table *streamtable.Table
	Alloc *streamid.Allocator
	Sendq *sendq.Multiplexer
	MTU   int
	Lease rsapi.LeaseHandler // nil means no lease is negotiated
	// Terminate is wired by the connection driver to its own
	// once-only teardown; a lease refusal fails both the one operation and
	// the whole connection.
	Terminate func(err error)
}

func New(table *streamtable.Table, alloc *streamid.Allocator, q *sendq.Multiplexer, mtu int, lease rsapi.LeaseHandler) *Requester {
	return &Requester{Table: table, Alloc: alloc, Sendq: q, MTU: mtu, Lease: lease}
}

// leaseOK consults the negotiated lease predicate before a new stream is
// originated. On refusal it also invokes Terminate, since a lease violation
// is a connection-level failure, not a per-stream one.
func (r *Requester) leaseOK() bool {
	if r.Lease == nil || r.Lease.UseLease() {
		return true
	}
	if r.Terminate != nil {
		r.Terminate(&rserr.LeaseError{Message: "lease budget exhausted"})
	}
	return false
}

func (r *Requester) isFree(id uint32) bool {
	_, taken := r.Table.Get(id)
	return !taken
}

func (r *Requester) send(f *frame.Frame) {
	buf, err := frame.Encode(f)
	if err != nil {
		log.Errorf("requester: failed to encode %v frame: %v", f.Type, err)
		return
	}
	if err := r.Sendq.Enqueue(buf); err != nil {
		log.Debugf("requester: enqueue on closed connection: %v", err)
	}
}

func invalidPayload(p *payload.Payload) *rserr.InvalidPayloadError {
	p.Release()
	return &rserr.InvalidPayloadError{Message: "payload exceeds frame length with no fragmentation configured"}
}

func leaseRejected(p *payload.Payload) *rserr.LeaseError {
	p.Release()
	return &rserr.LeaseError{Message: "lease budget exhausted"}
}

// FireAndForget emits REQUEST_FNF and completes locally without waiting for
// any response: no stream table entry is created.
func (r *Requester) FireAndForget(p *payload.Payload) reactive.Publisher {
	return reactive.PublisherFunc(func(sub reactive.Subscriber) {
		sub.OnSubscribe(reactive.SubscriptionFunc{})
		if !payload.IsValid(r.MTU, p) {
			sub.OnError(invalidPayload(p))
			return
		}
		if !r.leaseOK() {
			sub.OnError(leaseRejected(p))
			return
		}
		id := r.Alloc.Next(r.isFree)
		r.send(&frame.Frame{StreamID: id, Type: frame.TypeRequestFNF, Data: p.Data, Metadata: p.Metadata})
		p.Release()
		sub.OnComplete()
	})
}

// MetadataPush emits a stream-0 METADATA_PUSH and completes locally.
func (r *Requester) MetadataPush(p *payload.Payload) reactive.Publisher {
	return reactive.PublisherFunc(func(sub reactive.Subscriber) {
		sub.OnSubscribe(reactive.SubscriptionFunc{})
		r.send(&frame.Frame{StreamID: frame.StreamID0, Type: frame.TypeMetadataPush, Metadata: p.Metadata})
		p.Release()
		sub.OnComplete()
	})
}

// --- request-response ---

type rrStream struct {
	id  uint32
	r   *Requester
	sub *reactive.SerializedSubscriber

	removeOnce sync.Once
}

func (s *rrStream) StreamID() uint32               { return s.id }
func (s *rrStream) Role() streamtable.Role         { return streamtable.RoleRequester }
func (s *rrStream) Kind() streamtable.Kind         { return streamtable.KindRequestResponse }
func (s *rrStream) remove()                        { s.removeOnce.Do(func() { s.r.Table.Remove(s.id) }) }
func (s *rrStream) Terminate(err error)            { s.remove(); s.sub.OnError(err) }

func (s *rrStream) HandleFrame(f *frame.Frame) {
	switch f.Type {
	case frame.TypePayload:
		if f.Flags.Has(frame.FlagNext) {
			s.sub.OnNext(payload.New(f.Data, f.Metadata))
		}
		if f.Flags.Has(frame.FlagComplete) {
			s.remove()
			s.sub.OnComplete()
		}
	case frame.TypeError:
		s.remove()
		s.sub.OnError(rserr.FromErrorFrame(f))
	default:
		log.Debugf("requester: unexpected %v frame on request-response stream %d", f.Type, f.StreamID)
	}
}

func (s *rrStream) cancel() {
	if s.sub.MarkDone() {
		return
	}
	s.remove()
	s.r.send(&frame.Frame{StreamID: s.id, Type: frame.TypeCancel})
}

// RequestResponse emits REQUEST_RESPONSE immediately on subscribe; a subscriber's own Request(n) is not required to trigger it, since
// a single-value interaction has no meaningful backpressure to withhold.
func (r *Requester) RequestResponse(p *payload.Payload) reactive.Publisher {
	return reactive.PublisherFunc(func(sub reactive.Subscriber) {
		s := reactive.Serialize(sub)
		if !payload.IsValid(r.MTU, p) {
			s.OnSubscribe(reactive.SubscriptionFunc{})
			s.OnError(invalidPayload(p))
			return
		}
		if !r.leaseOK() {
			s.OnSubscribe(reactive.SubscriptionFunc{})
			s.OnError(leaseRejected(p))
			return
		}
		st := &rrStream{r: r, sub: s}
		entry := r.Table.AllocateAndInsert(r.Alloc, func(id uint32) streamtable.Entry {
			st.id = id
			return st
		})
		st.id = entry.StreamID()
		s.OnSubscribe(reactive.SubscriptionFunc{CancelFn: st.cancel})
		r.send(&frame.Frame{StreamID: st.id, Type: frame.TypeRequestResponse, Data: p.Data, Metadata: p.Metadata})
		p.Release()
	})
}

// --- request-stream ---

type rsStream struct {
	id  uint32
	r   *Requester
	sub *reactive.SerializedSubscriber

	started    int32
	removeOnce sync.Once
}

func (s *rsStream) StreamID() uint32       { return s.id }
func (s *rsStream) Role() streamtable.Role { return streamtable.RoleRequester }
func (s *rsStream) Kind() streamtable.Kind { return streamtable.KindRequestStream }
func (s *rsStream) remove()                { s.removeOnce.Do(func() { s.r.Table.Remove(s.id) }) }
func (s *rsStream) Terminate(err error)    { s.remove(); s.sub.OnError(err) }

func (s *rsStream) HandleFrame(f *frame.Frame) {
	switch f.Type {
	case frame.TypePayload:
		if f.Flags.Has(frame.FlagNext) {
			s.sub.OnNext(payload.New(f.Data, f.Metadata))
		}
		if f.Flags.Has(frame.FlagComplete) {
			s.remove()
			s.sub.OnComplete()
		}
	case frame.TypeError:
		s.remove()
		s.sub.OnError(rserr.FromErrorFrame(f))
	default:
		log.Debugf("requester: unexpected %v frame on request-stream %d", f.Type, f.StreamID)
	}
}

func (s *rsStream) cancel() {
	if s.sub.MarkDone() {
		return
	}
	if atomic.LoadInt32(&s.started) == 0 {
		return // never requested demand, never allocated an id, nothing to send
	}
	s.remove()
	s.r.send(&frame.Frame{StreamID: s.id, Type: frame.TypeCancel})
}

// RequestStream emits nothing until the first Request(n>0); requesting zero
// is a no-op forever, since a subscriber that never asks for anything
// should never observe traffic.
func (r *Requester) RequestStream(p *payload.Payload) reactive.Publisher {
	return reactive.PublisherFunc(func(sub reactive.Subscriber) {
		st := &rsStream{r: r, sub: reactive.Serialize(sub)}
		st.sub.OnSubscribe(reactive.SubscriptionFunc{
			RequestFn: func(n int64) { st.onRequest(p, n) },
			CancelFn:  st.cancel,
		})
	})
}

func (s *rsStream) onRequest(p *payload.Payload, n int64) {
	if n <= 0 {
		return
	}
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		if s.sub.IsDone() {
			return
		}
		s.r.send(&frame.Frame{StreamID: s.id, Type: frame.TypeRequestN, RequestN: n})
		return
	}
	if !payload.IsValid(s.r.MTU, p) {
		s.sub.OnError(invalidPayload(p))
		return
	}
	if !s.r.leaseOK() {
		s.sub.OnError(leaseRejected(p))
		return
	}
	entry := s.r.Table.AllocateAndInsert(s.r.Alloc, func(id uint32) streamtable.Entry {
		s.id = id
		return s
	})
	s.id = entry.StreamID()
	s.r.send(&frame.Frame{StreamID: s.id, Type: frame.TypeRequestStream, InitialRequestN: n, Data: p.Data, Metadata: p.Metadata})
	p.Release()
}

// --- request-channel ---

type rcStream struct {
	r        *Requester
	sub      *reactive.SerializedSubscriber // local consumer of inbound payloads
	outbound reactive.Publisher             // local producer of outbound payloads

	mu            sync.Mutex
	id            uint32
	started       bool
	firstSent     bool
	initialN      int64
	pendingCancel bool
	outboundSub  reactive.Subscription
	outboundDone bool
	inboundDone  bool
	removeOnce   sync.Once
}

func (s *rcStream) StreamID() uint32       { return s.id }
func (s *rcStream) Role() streamtable.Role { return streamtable.RoleRequester }
func (s *rcStream) Kind() streamtable.Kind { return streamtable.KindRequestChannel }
func (s *rcStream) remove()                { s.removeOnce.Do(func() { s.r.Table.Remove(s.id) }) }
func (s *rcStream) Terminate(err error)    { s.terminateBoth(err) }

// RequestChannel takes the local outbound Publisher (payloads the caller
// wants to send) and returns a Publisher of inbound payloads received from
// the peer. Nothing is sent until the returned Publisher's subscriber makes
// its first demand.
func (r *Requester) RequestChannel(outbound reactive.Publisher) reactive.Publisher {
	return reactive.PublisherFunc(func(sub reactive.Subscriber) {
		st := &rcStream{r: r, sub: reactive.Serialize(sub), outbound: outbound}
		st.sub.OnSubscribe(reactive.SubscriptionFunc{
			RequestFn: st.onInboundRequest,
			CancelFn:  st.cancelInbound,
		})
	})
}

func (s *rcStream) onInboundRequest(n int64) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	already := s.started
	s.started = true
	if !already {
		s.initialN = n
	}
	sent := s.firstSent
	id := s.id
	s.mu.Unlock()
	if !already {
		s.outbound.Subscribe(&rcOutboundSubscriber{s: s})
		return
	}
	// established channel: further local demand for the peer's outbound leg
	// translates 1:1 into REQUEST_N, same as request-stream.
	if sent {
		s.r.send(&frame.Frame{StreamID: id, Type: frame.TypeRequestN, RequestN: n})
	}
}

// rcOutboundSubscriber is the requester's own Subscriber into the caller's
// outbound Publisher: the same two-independent-edges model the responder's
// channel Processor uses applies symmetrically on the requester side.
type rcOutboundSubscriber struct{ s *rcStream }

func (o *rcOutboundSubscriber) OnSubscribe(sub reactive.Subscription) {
	o.s.mu.Lock()
	o.s.outboundSub = sub
	o.s.mu.Unlock()
	sub.Request(1)
}

func (o *rcOutboundSubscriber) OnNext(p *payload.Payload) {
	s := o.s
	s.mu.Lock()
	first := !s.firstSent
	s.mu.Unlock()
	if first {
		s.sendFirst(p)
	} else {
		s.sendNext(p)
	}
}

func (o *rcOutboundSubscriber) OnComplete() { o.s.outboundComplete() }
func (o *rcOutboundSubscriber) OnError(err error) {
	o.s.sendErrorAndTerminate(err)
}

func (s *rcStream) sendFirst(p *payload.Payload) {
	if !payload.IsValid(s.r.MTU, p) {
		s.sub.OnError(invalidPayload(p))
		return
	}
	if !s.r.leaseOK() {
		s.sub.OnError(leaseRejected(p))
		return
	}
	entry := s.r.Table.AllocateAndInsert(s.r.Alloc, func(id uint32) streamtable.Entry {
		s.id = id
		return s
	})
	s.id = entry.StreamID()

	s.mu.Lock()
	s.firstSent = true
	cancelPending := s.pendingCancel
	s.mu.Unlock()

	s.r.send(&frame.Frame{StreamID: s.id, Type: frame.TypeRequestChannel, Flags: frame.FlagNext, InitialRequestN: s.initialN, Data: p.Data, Metadata: p.Metadata})
	p.Release()

	if cancelPending {
		// REQUEST_CHANNEL must still precede CANCEL even when the inbound
		// side was cancelled before the first payload arrived.
		s.doCancel()
		return
	}
	s.pullMore()
}

func (s *rcStream) sendNext(p *payload.Payload) {
	if !payload.IsValid(s.r.MTU, p) {
		p.Release()
		s.doCancel()
		s.terminateBoth(&rserr.InvalidPayloadError{Message: "payload exceeds frame length with no fragmentation configured"})
		return
	}
	s.r.send(&frame.Frame{StreamID: s.id, Type: frame.TypePayload, Flags: frame.FlagNext, Data: p.Data, Metadata: p.Metadata})
	p.Release()
	s.pullMore()
}

func (s *rcStream) pullMore() {
	s.mu.Lock()
	sub := s.outboundSub
	done := s.outboundDone
	s.mu.Unlock()
	if sub != nil && !done {
		sub.Request(1)
	}
}

func (s *rcStream) outboundComplete() {
	s.mu.Lock()
	if s.outboundDone {
		s.mu.Unlock()
		return
	}
	s.outboundDone = true
	bothDone := s.inboundDone
	id := s.id
	sent := s.firstSent
	s.mu.Unlock()
	if !sent {
		return // channel never started (no demand ever pulled a first payload)
	}
	s.r.send(&frame.Frame{StreamID: id, Type: frame.TypePayload, Flags: frame.FlagComplete})
	if bothDone {
		s.remove()
	}
}

func (s *rcStream) sendErrorAndTerminate(err error) {
	s.mu.Lock()
	id := s.id
	sent := s.firstSent
	s.mu.Unlock()
	if sent {
		s.r.send(rserr.ToErrorFrame(id, err))
	}
	s.terminateBoth(err)
}

func (s *rcStream) doCancel() {
	s.r.send(&frame.Frame{StreamID: s.id, Type: frame.TypeCancel})
}

func (s *rcStream) cancelInbound() {
	if s.sub.MarkDone() {
		return
	}
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	if !s.firstSent {
		s.pendingCancel = true
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.remove()
	s.doCancel()
	s.mu.Lock()
	outSub := s.outboundSub
	s.mu.Unlock()
	if outSub != nil {
		outSub.Cancel()
	}
}

func (s *rcStream) terminateBoth(err error) {
	s.remove()
	s.mu.Lock()
	outSub := s.outboundSub
	s.mu.Unlock()
	if outSub != nil {
		outSub.Cancel()
	}
	s.sub.OnError(err)
}

func (s *rcStream) markInboundDone() {
	s.mu.Lock()
	s.inboundDone = true
	bothDone := s.outboundDone
	s.mu.Unlock()
	if bothDone {
		s.remove()
	}
	s.sub.OnComplete()
}

// HandleFrame processes signals the peer sends about our channel: payloads
// it produces (our inbound leg), REQUEST_N against our outbound leg, ERROR,
// and CANCEL of our outbound leg.
func (s *rcStream) HandleFrame(f *frame.Frame) {
	switch f.Type {
	case frame.TypePayload:
		if f.Flags.Has(frame.FlagNext) {
			p := payload.New(f.Data, f.Metadata)
			if !payload.IsValid(s.r.MTU, p) {
				p.Release()
				s.doCancel()
				s.terminateBoth(&rserr.InvalidPayloadError{Message: "peer sent an oversized channel payload"})
				return
			}
			s.sub.OnNext(p)
		}
		if f.Flags.Has(frame.FlagComplete) {
			s.markInboundDone()
		}
	case frame.TypeError:
		s.terminateBoth(rserr.FromErrorFrame(f))
	case frame.TypeRequestN:
		s.mu.Lock()
		outSub := s.outboundSub
		s.mu.Unlock()
		if outSub != nil {
			outSub.Request(f.RequestN)
		}
	case frame.TypeCancel:
		// peer no longer accepts our outbound leg: stop
		// pulling from the local producer but keep the inbound leg open.
		s.mu.Lock()
		s.outboundDone = true
		outSub := s.outboundSub
		s.mu.Unlock()
		if outSub != nil {
			outSub.Cancel()
		}
	default:
		log.Debugf("requester: unexpected %v frame on request-channel %d", f.Type, f.StreamID)
	}
}
