// Package lease implements the default rsapi.LeaseHandler: a token-bucket
// request budget refilled on a timer, mirroring an RSocket LEASE frame's
// (time_to_live, number_of_requests) pair without actually negotiating one
// over the wire.
//
// Grounded on Valve in internal/multiplex/qos.go, which wraps the same
// juju/ratelimit bucket for a conceptually identical purpose (bounding a
// rate of " units of use ") — generalised from a byte-rate limiter to a
// request-count budget with a fixed refill period rather than a continuous
// rate, matching how RSocket leases actually work.
package lease

import (
	"time"

	"github.com/juju/ratelimit"

	"github.com/rsocket-engine/core/internal/rserr"
)

// Handler grants up to Budget requests per TTL, refilling all at once at
// the start of each period (an RSocket lease is a flat grant, not a
// continuously-refilling rate).
type Handler struct {
	bucket *ratelimit.Bucket
}

// New returns a Handler granting budget requests per ttl. A zero or
// negative budget means unlimited (equivalent to rsapi.NopLeaseHandler).
func New(ttl time.Duration, budget int64) *Handler {
	if budget <= 0 {
		return &Handler{bucket: ratelimit.NewBucketWithRate(1<<62, 1<<62)}
	}
	return &Handler{bucket: ratelimit.NewBucketWithQuantum(ttl, budget, budget)}
}

// UseLease consumes one unit of budget and reports whether one was
// available. It never blocks: a connection-level lease refusal must fail
// fast, not stall the caller.
func (h *Handler) UseLease() bool {
	return h.bucket.TakeAvailable(1) == 1
}

func (h *Handler) LeaseError() error {
	return &rserr.LeaseError{Message: "lease budget exhausted for this period"}
}
