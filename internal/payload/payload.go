// Package payload implements reference-counted RSocket payloads, the
// MTU-driven payload validator, and a minimal fragment reassembler for
// inbound FOLLOWS-flagged frames.
//
// Every payload is exclusively owned at any instant; transfers are explicit
// hand-offs of that ownership. This mirrors the sync.Pool object-reuse
// discipline applied elsewhere in this codebase to Frame and obfuscation
// buffers (recvFramePool / streamObfsBufPool), made explicit here with an
// atomic reference count because payloads, unlike those pools, are handed
// across goroutine and API boundaries.
package payload

import (
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// outstanding counts payloads that have been allocated but not yet fully
// released. Tests assert it returns to zero.
var outstanding int64

// Outstanding returns the number of payloads currently retained anywhere in
// the process. Test-only visibility hook.
func Outstanding() int64 { return atomic.LoadInt64(&outstanding) }

// Payload is a reference-counted { data, metadata } pair. Metadata == nil
// means "no metadata field"; a non-nil empty slice means "empty metadata was
// supplied" and is preserved across Retain/Release.
type Payload struct {
	Data     []byte
	Metadata []byte

	refs int32
}

// New wraps data/metadata into a Payload with one outstanding reference.
func New(data, metadata []byte) *Payload {
	atomic.AddInt64(&outstanding, 1)
	return &Payload{Data: data, Metadata: metadata, refs: 1}
}

// Retain adds one reference and returns p, so callers can write
// `forward(p.Retain())` at a fan-out point.
func (p *Payload) Retain() *Payload {
	if p == nil {
		return nil
	}
	atomic.AddInt32(&p.refs, 1)
	return p
}

// Release drops one reference. Every code path that accepts a Payload MUST
// call Release exactly once on every exit path;
// double-release is a programming error and is logged rather than panicking,
// since a network-facing engine should not crash a live connection over a
// bookkeeping bug in one stream.
func (p *Payload) Release() {
	if p == nil {
		return
	}
	left := atomic.AddInt32(&p.refs, -1)
	switch {
	case left == 0:
		atomic.AddInt64(&outstanding, -1)
	case left < 0:
		log.Errorf("payload: released more times than retained (refs=%d)", left)
	}
}

// HasMetadata reports whether the M flag should be set on encode.
func (p *Payload) HasMetadata() bool { return p.Metadata != nil }

// Clone makes an independent copy with its own reference count, used when a
// frame must be buffered (e.g. out-of-order channel reassembly) past the
// lifetime of the caller's own reference.
func (p *Payload) Clone() *Payload {
	data := append([]byte(nil), p.Data...)
	var md []byte
	if p.Metadata != nil {
		md = append([]byte(nil), p.Metadata...)
	}
	return New(data, md)
}
