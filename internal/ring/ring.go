// Package ring implements the device-initiated request ring: a fixed-size
// array of request slots paired with an array of completion slots, a
// ticket-based producer-side claim protocol, and a round-robin host-side
// consumer. The ring is the single point of contact between the many
// concurrent device-side goroutines that stand in for GPU kernel threads
// and the single host proxy goroutine that drains it.
package ring

import (
	"sync/atomic"

	"github.com/goishmem/goishmem/internal/constants"
	"github.com/goishmem/goishmem/internal/proto"
)

// Ring holds the parallel request/completion arrays plus producer-side
// ticket state and consumer-side poll position. Size is always
// constants.RingSize, a power of two.
type Ring struct {
	requests    [constants.RingSize]proto.Request
	completions [constants.RingSize]proto.Completion

	// ticket is the monotonically increasing slot-claim counter shared by
	// every device-side producer. It starts at 1, not 0: a freshly zeroed
	// slot already reads Sequence==0, so ticket 0 is reserved and never
	// assigned, keeping "never published" distinguishable from "published
	// with sequence 0".
	ticket uint64

	// pollPos is the host consumer's round-robin cursor, tracking the same
	// 1-based ticket space as Claim. It is owned exclusively by the
	// consumer goroutine and never touched by producers.
	pollPos uint64
}

// New returns a ring ready to accept its first claim.
func New() *Ring {
	return &Ring{pollPos: 1}
}

const mask = uint64(constants.RingSize - 1)

// Claim atomically reserves the next slot and returns its index together
// with the 16-bit sequence value the producer must publish once the
// request body is filled.
func (r *Ring) Claim() (slot int, seq uint16) {
	t := atomic.AddUint64(&r.ticket, 1)
	return int(t & mask), uint16(t & 0xFFFF)
}

// Request returns a pointer to the request slot at index, for the producer
// to fill before publishing.
func (r *Ring) Request(slot int) *proto.Request {
	return &r.requests[slot]
}

// Completion returns a pointer to the completion slot at index.
func (r *Ring) Completion(slot int) *proto.Completion {
	return &r.completions[slot]
}

// Publish makes a filled-in request visible to the host consumer. req must
// already have every field set except Sequence. completionSlot names the
// associated completion slot, or 0 to mean "same index as the request".
func (r *Ring) Publish(req *proto.Request, completionSlot uint16, seq uint16) {
	req.Completion = completionSlot
	req.StoreSequence(seq)
}

// SpinWaitCompletion blocks until the completion slot's sequence matches
// expected, then returns the recorded return value. Used by blocking
// requests; non-blocking requests never call this.
func SpinWaitCompletion(c *proto.Completion, expected uint32) uint64 {
	for c.LoadSequence() != expected {
		// Busy-poll: the device tier has no yield primitive and the host
		// proxy services requests promptly, so spinning matches the
		// hardware-level completion wait this emulates.
	}
	return c.LoadRet()
}

// Poll advances the consumer's round-robin cursor and returns the next
// slot index whose request sequence matches the expected next ticket
// value, or ok=false if no new request is ready. It never blocks.
func (r *Ring) Poll() (slot int, req *proto.Request, ok bool) {
	idx := int(r.pollPos & mask)
	req = &r.requests[idx]
	expected := uint16(r.pollPos & 0xFFFF)
	if req.LoadSequence() != expected {
		return 0, nil, false
	}
	r.pollPos++
	return idx, req, true
}
