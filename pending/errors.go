// Package pending implements the per-session inflight/outflight packet
// window: a fixed-capacity window of unacked QoS 1/2 publishes whose total
// is bounded at max_inflight+max_in_mem_pending before new pushes are
// rejected.
package pending

import "github.com/cockroachdb/errors"

var (
	// ErrQueueFull is returned by Push when the queue already holds
	// max_inflight+max_in_mem_pending entries.
	ErrQueueFull = errors.New("pending: queue full")
	// ErrUnknownPacketID is returned by Ack for a pid the queue never saw,
	// or already retired.
	ErrUnknownPacketID = errors.New("pending: unknown packet id")
	// ErrWrongAckState is returned by Ack when the ack kind does not match
	// the entry's current state (e.g. a PUBCOMP for an entry still
	// AwaitingRec).
	ErrWrongAckState = errors.New("pending: ack does not match entry state")
)
