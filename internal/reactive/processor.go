package reactive

import (
	"sync"

	"github.com/rsocket-engine/core/internal/payload"
)

// Processor is a request-channel's inbound leg acting as both ends of a
// pipe: the connection driver pushes into it via OnNext/OnComplete/OnError
// (it is a Subscriber), and the user handler consumes it via Subscribe (it
// is a Publisher). It owns nothing but its own queue and demand counter —
// the two edges are otherwise independent, so a slow consumer on one never
// blocks progress on the other.
type Processor struct {
	mu sync.Mutex

	sub       Subscriber
	requested int64
	queue     []*payload.Payload

	// pendingCredit counts items OnNext delivered before Subscribe was ever
	// called — the initiating frame's own bundled payload, sent to this
	// Processor before the handler had a chance to request anything. That
	// payload was not paid for by any REQUEST_N this side sent upstream, so
	// it is deducted from the next upstream request(s) rather than
	// forwarded as extra credit the peer never actually needed to grant.
	pendingCredit int64

	completed bool
	err       error
	cancelled bool

	onRequest func(n int64)
	onCancel  func()
}

func NewProcessor() *Processor { return &Processor{} }

// SetOnRequest registers the callback fired when the downstream handler
// requests more items; the responder wires this to emit REQUEST_N frames to
// the peer.
func (p *Processor) SetOnRequest(f func(n int64)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRequest = f
}

// SetOnCancel registers the callback fired when the downstream handler
// cancels; the responder wires this to send CANCEL and drop the processor
// from the channel table.
func (p *Processor) SetOnCancel(f func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCancel = f
}

// --- upstream edge: driver -> processor ---

func (p *Processor) OnNext(pl *payload.Payload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancelled {
		pl.Release()
		return
	}
	if p.sub == nil {
		p.pendingCredit++
	}
	if p.sub != nil && p.requested > 0 {
		p.requested--
		sub := p.sub
		p.mu.Unlock()
		sub.OnNext(pl)
		p.mu.Lock()
		return
	}
	p.queue = append(p.queue, pl)
}

func (p *Processor) OnComplete() {
	p.mu.Lock()
	if p.completed || p.cancelled {
		p.mu.Unlock()
		return
	}
	p.completed = true
	sub := p.sub
	drained := len(p.queue) == 0
	p.mu.Unlock()
	if sub != nil && drained {
		sub.OnComplete()
	}
}

func (p *Processor) OnError(err error) {
	p.mu.Lock()
	if p.completed || p.cancelled {
		p.mu.Unlock()
		return
	}
	p.completed = true
	p.err = err
	for _, pl := range p.queue {
		pl.Release()
	}
	p.queue = nil
	sub := p.sub
	p.mu.Unlock()
	if sub != nil {
		sub.OnError(err)
	}
}

// --- downstream edge: processor -> handler ---

func (p *Processor) Subscribe(sub Subscriber) {
	p.mu.Lock()
	p.sub = sub
	p.mu.Unlock()

	sub.OnSubscribe(SubscriptionFunc{
		RequestFn: p.request,
		CancelFn:  p.cancel,
	})
}

func (p *Processor) request(n int64) {
	p.mu.Lock()
	if p.cancelled || n <= 0 {
		p.mu.Unlock()
		return
	}
	p.requested += n
	var toDeliver []*payload.Payload
	for len(p.queue) > 0 && p.requested > 0 {
		toDeliver = append(toDeliver, p.queue[0])
		p.queue = p.queue[1:]
		p.requested--
	}
	sub := p.sub
	upstreamRequest := p.onRequest
	terminal := p.completed && len(p.queue) == 0
	err := p.err

	upstreamN := n
	if p.pendingCredit > 0 {
		deduct := p.pendingCredit
		if deduct > upstreamN {
			deduct = upstreamN
		}
		upstreamN -= deduct
		p.pendingCredit -= deduct
	}
	p.mu.Unlock()

	for _, pl := range toDeliver {
		sub.OnNext(pl)
	}
	if terminal {
		if err != nil {
			sub.OnError(err)
		} else {
			sub.OnComplete()
		}
	} else if upstreamRequest != nil && upstreamN > 0 {
		upstreamRequest(upstreamN)
	}
}

func (p *Processor) cancel() {
	p.mu.Lock()
	if p.cancelled {
		p.mu.Unlock()
		return
	}
	p.cancelled = true
	for _, pl := range p.queue {
		pl.Release()
	}
	p.queue = nil
	onCancel := p.onCancel
	p.mu.Unlock()
	if onCancel != nil {
		onCancel()
	}
}
