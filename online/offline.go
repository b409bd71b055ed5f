package online

import (
	"time"

	"github.com/axmq/broker/broker"
	"github.com/axmq/broker/session"
)

// OfflineLoop is the degenerate loop for a session that has disconnected
// but whose session-expiry-interval has not yet elapsed: no socket, no
// inbound frames, just a mailbox quietly accumulating publishes for the
// eventual reconnect and a control channel watching for expiry or an
// incoming CONNECT that resumes it.
type OfflineLoop struct {
	Session  *session.Session
	Handle   *broker.ClientHandle
	Registry *broker.Registry

	// ExpiryPoll bounds how promptly an expired session is noticed when no
	// ControlClose or ControlExpire arrives for it. Nothing in the broker
	// sends ControlExpire, so this poll is what notices expiry.
	ExpiryPoll time.Duration
}

// NewOfflineLoop builds an OfflineLoop for sess, already marked
// StateDisconnected by the caller.
func NewOfflineLoop(sess *session.Session, handle *broker.ClientHandle, registry *broker.Registry) *OfflineLoop {
	return &OfflineLoop{Session: sess, Handle: handle, Registry: registry, ExpiryPoll: time.Second}
}

// Run blocks until the session is taken over by a resuming CONNECT,
// administratively closed, or its expiry interval elapses. On close or
// expiry it marks the session expired and unregisters it; on takeover it
// only closes ReplyTo and returns, leaving the registry entry to the
// resuming connection. The mailbox is left untouched
// here; Run's only job offline is bookkeeping the session's lifecycle, not
// draining it — whatever accumulated is handed to the resuming online Loop.
func (o *OfflineLoop) Run() {
	poll := time.NewTicker(o.ExpiryPoll)
	defer poll.Stop()

	for {
		select {
		case ctl := <-o.Handle.Control:
			switch ctl.Kind {
			case broker.ControlTakeover:
				if ctl.ReplyTo != nil {
					close(ctl.ReplyTo)
				}
				return
			case broker.ControlClose, broker.ControlExpire:
				if ctl.ReplyTo != nil {
					close(ctl.ReplyTo)
				}
				o.expire()
				return
			}

		case <-poll.C:
			if o.Session.IsExpired(time.Now()) {
				o.expire()
				return
			}
		}
	}
}

// expire marks the session expired and removes it from the registry,
// dropping whatever mailbox backlog remains with it.
func (o *OfflineLoop) expire() {
	o.Session.SetExpired()
	o.Registry.Unregister(o.Session.ClientIdentifier, o.Session.ClientID)
}
