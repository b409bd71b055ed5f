package broker

import "github.com/axmq/broker/session"

// Mailbox is a bounded channel of outbound publishes destined for one
// connection's online loop. It implements session.MailboxSink so a peer
// session's BroadcastQueue can hold it directly without routing every
// delivery back through the registry.
type Mailbox struct {
	ch chan *session.OutboundPublish
}

// NewMailbox creates a mailbox with room for depth pending publishes.
func NewMailbox(depth int) *Mailbox {
	return &Mailbox{ch: make(chan *session.OutboundPublish, depth)}
}

// Enqueue attempts a non-blocking send, reporting false under backpressure.
func (m *Mailbox) Enqueue(pkt *session.OutboundPublish) bool {
	select {
	case m.ch <- pkt:
		return true
	default:
		return false
	}
}

// C returns the receive side for the online loop's select.
func (m *Mailbox) C() <-chan *session.OutboundPublish {
	return m.ch
}

// Len reports the number of publishes currently queued.
func (m *Mailbox) Len() int {
	return len(m.ch)
}

// ControlKind classifies a message sent on a connection's control mailbox.
// The online loop polls its control mailbox ahead of its normal mailbox
// (spec.md §5's priority order), so these always preempt ordinary traffic.
type ControlKind byte

const (
	// ControlTakeover tells the online loop a newer CONNECT for the same
	// client identifier has arrived; it must close its socket and signal
	// ReplyTo once torn down so the new connection can proceed.
	ControlTakeover ControlKind = iota
	// ControlClose asks the online loop to disconnect the client
	// (administrative action or ACL revocation).
	ControlClose
	// ControlExpire tells an offline session's will/expiry timer has
	// fired; the registry should finish removing it.
	ControlExpire
)

// ControlMessage is one control-plane instruction delivered to a
// connection's online (or offline) loop.
type ControlMessage struct {
	Kind    ControlKind
	ReplyTo chan<- struct{}
}

// NewControlMailbox creates a control mailbox. A small buffer is enough:
// control messages are rare and a takeover only ever needs one in flight.
func NewControlMailbox() chan ControlMessage {
	return make(chan ControlMessage, 4)
}
