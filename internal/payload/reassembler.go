package payload

import (
	"sync"

	"github.com/rsocket-engine/core/internal/frame"
)

// Reassembler accumulates FOLLOWS-flagged frames per stream id into a single
// Payload. Producing outbound fragments (splitting a large payload across
// frames) is not implemented; reassembling inbound fragments before handing
// a payload to a consumer is small enough to be worth doing regardless, and
// is exercised by both the requester and responder dispatch paths via the
// connection driver.
type Reassembler struct {
	mu      sync.Mutex
	pending map[uint32]*partial
}

type partial struct {
	data     []byte
	metadata []byte
	hasMD    bool
}

func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[uint32]*partial)}
}

// Push feeds one inbound frame's data/metadata for streamID. When the frame
// does not set FlagFollows, reassembly is complete and Push returns the
// combined Payload; otherwise it returns nil, having buffered the fragment.
func (r *Reassembler) Push(streamID uint32, f *frame.Frame) *Payload {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[streamID]
	if !ok {
		p = &partial{}
		r.pending[streamID] = p
	}
	p.data = append(p.data, f.Data...)
	if f.HasMetadata() {
		p.hasMD = true
		p.metadata = append(p.metadata, f.Metadata...)
	}

	if f.Flags.Has(frame.FlagFollows) {
		return nil
	}

	delete(r.pending, streamID)
	var md []byte
	if p.hasMD {
		md = p.metadata
		if md == nil {
			// empty-but-present metadata must stay distinguishable from
			// absent metadata; append onto a nil slice collapses the two.
			md = []byte{}
		}
	}
	return New(p.data, md)
}

// Abandon discards any partially-reassembled fragment for streamID, e.g. on
// stream cancel/error, so it is not mistaken for a later stream reusing the
// id.
func (r *Reassembler) Abandon(streamID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, streamID)
}
