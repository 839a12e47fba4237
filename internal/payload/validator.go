package payload

import "github.com/rsocket-engine/core/internal/frame"

// frameOverhead is the fixed non-metadata header cost counted against the
// 24-bit frame length when MTU == 0. It is a conservative
// upper bound across frame types (REQUEST_STREAM/REQUEST_CHANNEL carry the
// extra 4-byte initial_request_n on top of the base header).
const frameOverhead = frame.HeaderLength + 4 + 3 // header + initial_request_n + metadata length prefix

// IsValid reports whether p fits within a single frame given mtu.
//
// mtu == 0 means no fragmentation: the payload must fit within the 24-bit
// frame length field including header overhead. mtu > 0 means the caller is
// structured to fragment, so any payload size is accepted here; the call site is expected to invoke a fragmenter, which is outside
// this package.
func IsValid(mtu int, p *Payload) bool {
	if mtu > 0 {
		return true
	}
	size := len(p.Data) + len(p.Metadata) + frameOverhead
	return size <= frame.FrameLengthMask
}
