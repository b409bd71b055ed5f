package pending

import (
	"sync"
	"time"
)

// AckState is the lifecycle state of an outbound QoS 1/2 packet.
type AckState byte

const (
	// AwaitingAck is QoS 1, waiting for PUBACK.
	AwaitingAck AckState = iota
	// AwaitingRec is QoS 2, waiting for PUBREC.
	AwaitingRec
	// AwaitingComp is QoS 2, PUBREL sent, waiting for PUBCOMP.
	AwaitingComp
)

func (s AckState) String() string {
	switch s {
	case AwaitingAck:
		return "awaiting_ack"
	case AwaitingRec:
		return "awaiting_rec"
	case AwaitingComp:
		return "awaiting_comp"
	default:
		return "unknown"
	}
}

// AckKind identifies which acknowledgment packet the loop received.
type AckKind byte

const (
	AckPuback AckKind = iota
	AckPubrec
	AckPubcomp
)

// Packet is an outbound publish tracked until its terminal ack or expiry.
type Packet struct {
	PacketID   uint16
	Topic      string
	Payload    []byte
	QoS        byte
	Retain     bool
	DUP        bool
	Properties map[string]interface{}
	EncodeLen  int
	Deadline   time.Time
	Retries    int
	State      AckState
}

// Queue is a fixed-capacity, insertion-ordered window of unacked outbound
// packets. Push fails with ErrQueueFull once the queue holds
// maxInflight+maxInMemPending entries. Every entry is tracked alike: there
// is no separate cap at maxInflight on concurrently-inflight entries.
type Queue struct {
	mu      sync.Mutex
	timeout time.Duration

	maxInflight     int
	maxInMemPending int

	order   []uint16
	entries map[uint16]*Packet
}

// New creates a Queue bounding its total entries at
// maxInflight+maxInMemPending; the two values are used only as that sum.
// timeout is the inflight retransmission deadline applied to each push.
func New(maxInflight, maxInMemPending int, timeout time.Duration) *Queue {
	return &Queue{
		timeout:         timeout,
		maxInflight:     maxInflight,
		maxInMemPending: maxInMemPending,
		entries:         make(map[uint16]*Packet),
	}
}

// Len returns the number of entries currently tracked.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Push inserts pkt, stamping its expiry deadline from now. It fails with
// ErrQueueFull once the queue holds maxInflight+maxInMemPending entries.
func (q *Queue) Push(pkt *Packet, now time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) >= q.maxInflight+q.maxInMemPending {
		return ErrQueueFull
	}
	if _, exists := q.entries[pkt.PacketID]; exists {
		return ErrQueueFull
	}

	pkt.Deadline = now.Add(q.timeout)
	q.entries[pkt.PacketID] = pkt
	q.order = append(q.order, pkt.PacketID)
	return nil
}

// Ack applies an incoming PUBACK/PUBREC/PUBCOMP to the tracked entry,
// transitioning its state or removing it on terminal ack. The returned
// Packet reflects the entry's state immediately after the transition; it is
// nil once the entry has been removed.
func (q *Queue) Ack(pid uint16, kind AckKind) (*Packet, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pkt, ok := q.entries[pid]
	if !ok {
		return nil, ErrUnknownPacketID
	}

	switch kind {
	case AckPuback:
		if pkt.State != AwaitingAck {
			return nil, ErrWrongAckState
		}
		q.remove(pid)
		return nil, nil
	case AckPubrec:
		if pkt.State != AwaitingRec {
			return nil, ErrWrongAckState
		}
		pkt.State = AwaitingComp
		pkt.DUP = false
		return pkt, nil
	case AckPubcomp:
		if pkt.State != AwaitingComp {
			return nil, ErrWrongAckState
		}
		q.remove(pid)
		return nil, nil
	default:
		return nil, ErrWrongAckState
	}
}

// remove deletes pid from entries and order. Caller must hold q.mu.
func (q *Queue) remove(pid uint16) {
	delete(q.entries, pid)
	for i, id := range q.order {
		if id == pid {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Expire scans for entries whose deadline has elapsed, in insertion order,
// and returns them for retransmission with DUP set and a fresh deadline and
// bumped retry counter. It never removes entries; callers that want to give
// up after N retries do so explicitly via Drop.
func (q *Queue) Expire(now time.Time) []*Packet {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*Packet
	for _, pid := range q.order {
		pkt := q.entries[pid]
		if pkt.Deadline.After(now) {
			continue
		}
		pkt.DUP = true
		pkt.Retries++
		pkt.Deadline = now.Add(q.timeout)
		expired = append(expired, pkt)
	}
	return expired
}

// Drop removes an entry unconditionally, e.g. after exhausting retries.
func (q *Queue) Drop(pid uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remove(pid)
}

// CleanIncomplete marks every still-tracked entry DUP, gives it a fresh
// deadline of now plus the queue timeout, and returns the entries in
// insertion order for retransmission.
func (q *Queue) CleanIncomplete(now time.Time) []*Packet {
	q.mu.Lock()
	defer q.mu.Unlock()

	resend := make([]*Packet, 0, len(q.order))
	for _, pid := range q.order {
		pkt := q.entries[pid]
		pkt.DUP = true
		pkt.Deadline = now.Add(q.timeout)
		resend = append(resend, pkt)
	}
	return resend
}

// Snapshot returns a copy of the tracked entries in insertion order, used
// when encoding a session for its Store.
func (q *Queue) Snapshot() []*Packet {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Packet, 0, len(q.order))
	for _, pid := range q.order {
		cp := *q.entries[pid]
		out = append(out, &cp)
	}
	return out
}

// Restore replaces the queue's contents with a snapshot, used when decoding
// a session loaded from its Store.
func (q *Queue) Restore(pkts []*Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = make(map[uint16]*Packet, len(pkts))
	q.order = make([]uint16, 0, len(pkts))
	for _, pkt := range pkts {
		q.entries[pkt.PacketID] = pkt
		q.order = append(q.order, pkt.PacketID)
	}
}
