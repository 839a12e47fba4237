package responder

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsocket-engine/core/internal/frame"
	"github.com/rsocket-engine/core/internal/payload"
	"github.com/rsocket-engine/core/internal/reactive"
	"github.com/rsocket-engine/core/internal/rsapi"
	"github.com/rsocket-engine/core/internal/rserr"
	"github.com/rsocket-engine/core/internal/sendq"
	"github.com/rsocket-engine/core/internal/streamtable"
)

// recordingSink captures every buffer a Responder enqueues, decoded back
// into frames so a test can assert on wire-level behaviour without a real
// transport.
type recordingSink struct {
	mu     sync.Mutex
	frames []*frame.Frame
}

func (s *recordingSink) last() *frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// capturingPublisher is a reactive.Publisher whose Subscribe call is
// recorded, letting a test drive OnNext/OnComplete/OnError on the
// Subscriber the responder actually gave it (usually the responder stream
// itself).
type capturingPublisher struct {
	sub reactive.Subscriber
}

func (p *capturingPublisher) Subscribe(sub reactive.Subscriber) {
	p.sub = sub
	sub.OnSubscribe(reactive.SubscriptionFunc{})
}

// fakeHandler implements rsapi.Handler, handing back a capturingPublisher
// per call so a test can drive each interaction model's Subscriber
// manually.
type fakeHandler struct {
	rr  *capturingPublisher
	rs  *capturingPublisher
	rc  *capturingPublisher
	fnf *capturingPublisher

	rcInbound reactive.Publisher // the Processor the responder handed us
}

func (h *fakeHandler) FireAndForget(p *payload.Payload) reactive.Publisher {
	p.Release()
	h.fnf = &capturingPublisher{}
	return h.fnf
}
func (h *fakeHandler) MetadataPush(p *payload.Payload) reactive.Publisher {
	p.Release()
	h.fnf = &capturingPublisher{}
	return h.fnf
}
func (h *fakeHandler) RequestResponse(p *payload.Payload) reactive.Publisher {
	p.Release()
	h.rr = &capturingPublisher{}
	return h.rr
}
func (h *fakeHandler) RequestStream(p *payload.Payload) reactive.Publisher {
	p.Release()
	h.rs = &capturingPublisher{}
	return h.rs
}
func (h *fakeHandler) RequestChannel(inbound reactive.Publisher) reactive.Publisher {
	h.rcInbound = inbound
	h.rc = &capturingPublisher{}
	return h.rc
}

func newResponderWithSink(h *fakeHandler) (*Responder, *recordingSink) {
	table := streamtable.New()
	q := sendq.New()
	sink := &recordingSink{}
	go q.Run(func(buf []byte) error {
		f, err := frame.Decode(buf)
		if err != nil {
			return err
		}
		sink.mu.Lock()
		sink.frames = append(sink.frames, f)
		sink.mu.Unlock()
		return nil
	}, func(error) {})
	return New(table, q, 0, h, nil), sink
}

func TestFireAndForgetDeliversToHandlerWithoutTouchingTable(t *testing.T) {
	h := &fakeHandler{}
	r, sink := newResponderWithSink(h)

	r.Accept(&frame.Frame{StreamID: 1, Type: frame.TypeRequestFNF, Data: []byte("x")})

	require.NotNil(t, h.fnf)
	assert.Equal(t, 0, r.Table.Len())
	assert.Equal(t, 0, sink.count())
}

func TestFireAndForgetHandlerErrorReachesErrorSink(t *testing.T) {
	h := &fakeHandler{}
	table := streamtable.New()
	q := sendq.New()
	go q.Run(func([]byte) error { return nil }, func(error) {})

	var got error
	sink := rsapi.ErrorSinkFunc(func(err error) { got = err })
	r := New(table, q, 0, h, sink)

	r.Accept(&frame.Frame{StreamID: 1, Type: frame.TypeRequestFNF, Data: []byte("x")})
	require.NotNil(t, h.fnf)

	h.fnf.sub.OnError(errors.New("boom"))
	require.Eventually(t, func() bool { return got != nil }, time.Second, time.Millisecond)
	assert.EqualError(t, got, "boom")
}

func TestRequestResponseSingleOnNextThenCompleteSendsOneFrame(t *testing.T) {
	h := &fakeHandler{}
	r, sink := newResponderWithSink(h)

	r.Accept(&frame.Frame{StreamID: 1, Type: frame.TypeRequestResponse, Data: []byte("ping")})
	require.NotNil(t, h.rr)
	require.Equal(t, 1, r.Table.Len())

	h.rr.sub.OnNext(payload.New([]byte("pong"), nil))
	h.rr.sub.OnComplete()

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)
	f := sink.last()
	assert.True(t, f.Flags.Has(frame.FlagNext))
	assert.True(t, f.Flags.Has(frame.FlagComplete))
	assert.Equal(t, "pong", string(f.Data))
	assert.Equal(t, 0, r.Table.Len())
}

func TestRequestResponseMultipleOnNextKeepsOnlyLatest(t *testing.T) {
	h := &fakeHandler{}
	r, sink := newResponderWithSink(h)

	r.Accept(&frame.Frame{StreamID: 1, Type: frame.TypeRequestResponse, Data: []byte("ping")})
	require.NotNil(t, h.rr)

	h.rr.sub.OnNext(payload.New([]byte("stale"), nil))
	h.rr.sub.OnNext(payload.New([]byte("fresh"), nil))
	h.rr.sub.OnComplete()

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "fresh", string(sink.last().Data))
}

func TestRequestResponseOnErrorAfterOnNextDropsPendingAndSendsError(t *testing.T) {
	h := &fakeHandler{}
	r, sink := newResponderWithSink(h)

	r.Accept(&frame.Frame{StreamID: 1, Type: frame.TypeRequestResponse, Data: []byte("ping")})
	require.NotNil(t, h.rr)

	h.rr.sub.OnNext(payload.New([]byte("stale"), nil))
	h.rr.sub.OnError(&rserr.ApplicationError{Message: "nope"})

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, frame.TypeError, sink.last().Type)
	assert.Equal(t, 0, r.Table.Len())
}

func TestRequestResponsePeerCancelBeforeHandlerRespondsCancelsSubscription(t *testing.T) {
	h := &fakeHandler{}
	r, _ := newResponderWithSink(h)

	r.Accept(&frame.Frame{StreamID: 1, Type: frame.TypeRequestResponse, Data: []byte("ping")})
	entry, ok := r.Table.Get(1)
	require.True(t, ok)

	cancelled := make(chan struct{})
	h.rr.sub = nil
	// Re-subscribe with a Subscription that reports cancellation, since
	// capturingPublisher's default SubscriptionFunc is a no-op.
	st := entry.(*rrResponderStream)
	st.OnSubscribe(reactive.SubscriptionFunc{CancelFn: func() { close(cancelled) }})

	entry.HandleFrame(&frame.Frame{StreamID: 1, Type: frame.TypeCancel})

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("peer CANCEL did not cancel the handler's subscription")
	}
}

func TestRequestStreamDuplicateStreamIDIsRejected(t *testing.T) {
	h := &fakeHandler{}
	r, _ := newResponderWithSink(h)

	r.Accept(&frame.Frame{StreamID: 1, Type: frame.TypeRequestStream, Data: []byte("x"), InitialRequestN: 1})
	require.Equal(t, 1, r.Table.Len())
	first := h.rs

	r.Accept(&frame.Frame{StreamID: 1, Type: frame.TypeRequestStream, Data: []byte("y"), InitialRequestN: 1})

	assert.Equal(t, 1, r.Table.Len())
	assert.Same(t, first, h.rs, "duplicate stream id must never reach the handler again")
}

func TestRequestStreamRequestNIsForwardedToHandlerSubscription(t *testing.T) {
	h := &fakeHandler{}
	r, _ := newResponderWithSink(h)
	requested := make(chan int64, 1)

	r.Accept(&frame.Frame{StreamID: 1, Type: frame.TypeRequestStream, Data: []byte("x"), InitialRequestN: 7})
	require.NotNil(t, h.rs)
	entry, _ := r.Table.Get(1)
	st := entry.(*rsResponderStream)
	st.OnSubscribe(reactive.SubscriptionFunc{RequestFn: func(n int64) { requested <- n }})
	st.HandleFrame(&frame.Frame{StreamID: 1, Type: frame.TypeRequestN, RequestN: 5})

	select {
	case n := <-requested:
		assert.EqualValues(t, 5, n)
	case <-time.After(time.Second):
		t.Fatal("REQUEST_N was not forwarded to the handler's subscription")
	}
}

func TestRequestStreamOnNextEmitsPayloadFramesUntilComplete(t *testing.T) {
	h := &fakeHandler{}
	r, sink := newResponderWithSink(h)

	r.Accept(&frame.Frame{StreamID: 1, Type: frame.TypeRequestStream, Data: []byte("x"), InitialRequestN: 2})
	require.NotNil(t, h.rs)

	h.rs.sub.OnNext(payload.New([]byte("a"), nil))
	h.rs.sub.OnNext(payload.New([]byte("b"), nil))
	h.rs.sub.OnComplete()

	require.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, time.Millisecond)
	assert.True(t, sink.frames[0].Flags.Has(frame.FlagNext))
	assert.True(t, sink.frames[1].Flags.Has(frame.FlagNext))
	assert.True(t, sink.frames[2].Flags.Has(frame.FlagComplete))
	assert.Equal(t, 0, r.Table.Len())
}

func TestRequestStreamPeerCancelCancelsHandlerSubscription(t *testing.T) {
	h := &fakeHandler{}
	r, _ := newResponderWithSink(h)
	cancelled := make(chan struct{})

	r.Accept(&frame.Frame{StreamID: 1, Type: frame.TypeRequestStream, Data: []byte("x"), InitialRequestN: 1})
	entry, _ := r.Table.Get(1)
	st := entry.(*rsResponderStream)
	st.OnSubscribe(reactive.SubscriptionFunc{CancelFn: func() { close(cancelled) }})

	entry.HandleFrame(&frame.Frame{StreamID: 1, Type: frame.TypeCancel})

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("peer CANCEL did not reach the handler's subscription")
	}
}

func TestRequestChannelFirstFrameBundlesInitialPayloadIntoProcessor(t *testing.T) {
	h := &fakeHandler{}
	r, _ := newResponderWithSink(h)

	r.Accept(&frame.Frame{StreamID: 1, Type: frame.TypeRequestChannel, Flags: frame.FlagNext, Data: []byte("first"), InitialRequestN: 1})
	require.NotNil(t, h.rc)
	require.NotNil(t, h.rcInbound)

	var got []*payload.Payload
	captured := &capturingConsumer{}
	h.rcInbound.Subscribe(captured)
	captured.sub.Request(1)
	got = captured.next

	require.Len(t, got, 1)
	assert.Equal(t, "first", string(got[0].Data))
}

func TestRequestChannelOutboundOnNextSendsPayloadFrames(t *testing.T) {
	h := &fakeHandler{}
	r, sink := newResponderWithSink(h)

	r.Accept(&frame.Frame{StreamID: 1, Type: frame.TypeRequestChannel, Flags: frame.FlagNext, Data: []byte("first"), InitialRequestN: 1})
	require.NotNil(t, h.rc)

	h.rc.sub.OnNext(payload.New([]byte("reply"), nil))

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)
	f := sink.last()
	assert.True(t, f.Flags.Has(frame.FlagNext))
	assert.Equal(t, "reply", string(f.Data))
}

func TestRequestChannelBothEdgesMustCompleteBeforeStreamIsRemoved(t *testing.T) {
	h := &fakeHandler{}
	r, sink := newResponderWithSink(h)

	r.Accept(&frame.Frame{StreamID: 1, Type: frame.TypeRequestChannel, Flags: frame.FlagNext, Data: []byte("first"), InitialRequestN: 1})
	require.NotNil(t, h.rc)
	entry, _ := r.Table.Get(1)

	// Peer completes its inbound leg; the outbound handler leg is still open.
	entry.HandleFrame(&frame.Frame{StreamID: 1, Type: frame.TypePayload, Flags: frame.FlagComplete})
	assert.Equal(t, 1, r.Table.Len(), "stream must survive until both legs are done")

	h.rc.sub.OnComplete()

	require.Eventually(t, func() bool { return r.Table.Len() == 0 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)
	assert.True(t, sink.last().Flags.Has(frame.FlagComplete))
}

func TestRequestChannelPeerCancelStopsOutboundAndRemovesOnceInboundAlsoDone(t *testing.T) {
	h := &fakeHandler{}
	r, _ := newResponderWithSink(h)
	cancelled := make(chan struct{})

	r.Accept(&frame.Frame{StreamID: 1, Type: frame.TypeRequestChannel, Flags: frame.FlagNext, Data: []byte("first"), InitialRequestN: 1})
	require.NotNil(t, h.rc)
	h.rc.sub = nil
	entry, _ := r.Table.Get(1)
	st := entry.(*rcResponderStream)
	st.OnSubscribe(reactive.SubscriptionFunc{CancelFn: func() { close(cancelled) }})

	entry.HandleFrame(&frame.Frame{StreamID: 1, Type: frame.TypeCancel})

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("peer CANCEL did not stop the outbound leg")
	}
	assert.Equal(t, 1, r.Table.Len(), "outbound-only completion must not remove the stream while inbound is still open")

	entry.HandleFrame(&frame.Frame{StreamID: 1, Type: frame.TypePayload, Flags: frame.FlagComplete})
	assert.Equal(t, 0, r.Table.Len())
}

func TestRequestChannelHandlerCancelViaProcessorSendsCancelFrame(t *testing.T) {
	h := &fakeHandler{}
	r, sink := newResponderWithSink(h)

	r.Accept(&frame.Frame{StreamID: 1, Type: frame.TypeRequestChannel, Flags: frame.FlagNext, Data: []byte("first"), InitialRequestN: 1})
	require.NotNil(t, h.rcInbound)

	captured := &capturingConsumer{}
	h.rcInbound.Subscribe(captured)
	captured.sub.Cancel()

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, frame.TypeCancel, sink.last().Type)
}

// capturingConsumer stands in for the user handler's own subscriber to the
// inbound Processor, exercising the downstream edge described in
// reactive.Processor's doc comment.
type capturingConsumer struct {
	sub  reactive.Subscription
	next []*payload.Payload
}

func (c *capturingConsumer) OnSubscribe(sub reactive.Subscription) { c.sub = sub }
func (c *capturingConsumer) OnNext(p *payload.Payload)             { c.next = append(c.next, p) }
func (c *capturingConsumer) OnComplete()                           {}
func (c *capturingConsumer) OnError(error)                         {}
