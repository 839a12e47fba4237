// Package reactive implements a minimal reactive-streams contract for
// reimplementers without a reactive library: a
// Subscriber{OnSubscribe,OnNext,OnComplete,OnError} pair with a
// Subscription{Request(n),Cancel()}, serialized per stream.
//
// Nothing here is RSocket-specific; internal/requester and internal/responder
// build the four interaction models on top of it, the way a Stream is built
// on top of a bufferedPipe rather than re-deriving blocking-read semantics
// per call site.
package reactive

import (
	"sync"

	"github.com/rsocket-engine/core/internal/payload"
)

// Subscriber receives at most one terminal signal (OnComplete xor OnError),
// optionally preceded by any number of OnNext calls, never concurrently
// with itself.
type Subscriber interface {
	OnSubscribe(s Subscription)
	OnNext(p *payload.Payload)
	OnComplete()
	OnError(err error)
}

// Subscription is the demand/cancel handle a Publisher gives a Subscriber.
type Subscription interface {
	Request(n int64)
	Cancel()
}

// Publisher produces a Payload sequence lazily: nothing happens until
// Subscribe is called.
type Publisher interface {
	Subscribe(sub Subscriber)
}

// PublisherFunc adapts a plain function to Publisher.
type PublisherFunc func(sub Subscriber)

func (f PublisherFunc) Subscribe(sub Subscriber) { f(sub) }

// SubscriptionFunc adapts request/cancel closures to Subscription.
type SubscriptionFunc struct {
	RequestFn func(n int64)
	CancelFn  func()
}

func (s SubscriptionFunc) Request(n int64) {
	if s.RequestFn != nil {
		s.RequestFn(n)
	}
}
func (s SubscriptionFunc) Cancel() {
	if s.CancelFn != nil {
		s.CancelFn()
	}
}

// SerializedSubscriber wraps a Subscriber so that concurrent producer
// goroutines calling OnNext/OnComplete/OnError never overlap and nothing is
// delivered after a terminal signal, giving each stream's subscriber a
// serialized reactive-streams contract even when the connection driver and
// a stream's own FSM can both produce signals concurrently.
type SerializedSubscriber struct {
	mu       sync.Mutex
	delegate Subscriber
	done     bool
}

func Serialize(delegate Subscriber) *SerializedSubscriber {
	return &SerializedSubscriber{delegate: delegate}
}

func (s *SerializedSubscriber) OnSubscribe(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.delegate.OnSubscribe(sub)
}

func (s *SerializedSubscriber) OnNext(p *payload.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		p.Release()
		return
	}
	s.delegate.OnNext(p)
}

func (s *SerializedSubscriber) OnComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.delegate.OnComplete()
}

func (s *SerializedSubscriber) OnError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	s.delegate.OnError(err)
}

// MarkDone lets an owner (e.g. a stream FSM that just sent CANCEL) suppress
// further delivery without going through OnComplete/OnError, for the
// "racing inbound terminal must not deliver to the already-cancelled
// consumer" rule.
func (s *SerializedSubscriber) MarkDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.done
	s.done = true
	return was
}

func (s *SerializedSubscriber) IsDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
