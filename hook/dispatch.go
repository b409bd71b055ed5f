package hook

import (
	"errors"
	"time"
)

// Capability bounds what a dispatched hook Request is permitted to do,
// independent of whatever the underlying Manager's hooks would otherwise
// allow. An online loop issues every out-of-band hook call through a
// Dispatcher carrying the CapabilityToken it was handed at CONNECT time
// (or a narrower one minted for a single request), so a compromised or
// buggy hook invocation cannot be escalated into doing more than the
// connection that triggered it was itself permitted to do.
type Capability uint8

const (
	CapConnect Capability = 1 << iota
	CapPublish
	CapSubscribe
	CapACL
)

// Allows reports whether g grants every bit set in c.
func (g Capability) Allows(c Capability) bool { return g&c == c }

// CapabilityToken is handed from a connection's online loop to the
// Dispatcher with each Request, naming which client it is issued on behalf
// of and what it may do.
type CapabilityToken struct {
	ClientID string
	Granted  Capability
	IssuedAt time.Time
}

// IssueToken mints a token for clientID, granting the capabilities named.
// A fresh, not-yet-authenticated connection gets CapConnect only; once
// OnConnectAuthenticate succeeds the online loop mints a broader token for
// the rest of the connection's lifetime.
func IssueToken(clientID string, granted Capability) CapabilityToken {
	return CapabilityToken{ClientID: clientID, Granted: granted, IssuedAt: time.Now()}
}

var (
	ErrCapabilityDenied   = errors.New("hook: request exceeds granted capability")
	ErrUnknownRequestKind = errors.New("hook: unknown request kind")
)

// RequestKind names which Manager method a Request dispatches to.
type RequestKind byte

const (
	ReqConnectAuthenticate RequestKind = iota
	ReqACLCheck
	ReqOnConnect
	ReqOnPublish
	ReqOnSubscribe
	ReqOnUnsubscribe
)

// Request is a single oneshot hook invocation, dispatched out-of-band from
// a connection's online loop rather than called inline, so a slow hook
// (one backed by a remote ACL service, say) cannot stall that loop's
// ability to still drain its mailbox and answer control messages.
type Request struct {
	Kind    RequestKind
	Token   CapabilityToken
	Client  *Client
	Connect *ConnectPacket
	Publish *PublishPacket
	Sub     *Subscription
	Topic   string
	Access  AccessType
}

// Reply is the oneshot response to a dispatched Request.
type Reply struct {
	Allowed bool
	Err     error
}

// Dispatcher runs hook invocations on behalf of the Manager it wraps,
// each on its own goroutine. Per-connection serialization isn't enforced by the Dispatcher
// itself; it falls out of how the online loop uses it, since a loop only
// ever has one Request in flight at a time and awaits its Reply before
// issuing the next. Different connections' requests run concurrently on
// their own goroutines.
type Dispatcher struct {
	manager *Manager
}

// NewDispatcher wraps an existing Manager; Dispatcher adds no hook
// registration of its own, it only changes how calls into the manager are
// invoked and awaited.
func NewDispatcher(m *Manager) *Dispatcher {
	return &Dispatcher{manager: m}
}

// Dispatch runs req against the wrapped Manager on its own goroutine and
// returns a channel that receives exactly one Reply. Callers select on the
// returned channel alongside their other event sources instead of
// blocking directly on the hook call.
func (d *Dispatcher) Dispatch(req *Request) <-chan *Reply {
	replyCh := make(chan *Reply, 1)
	go func() {
		replyCh <- d.execute(req)
	}()
	return replyCh
}

func (d *Dispatcher) execute(req *Request) *Reply {
	switch req.Kind {
	case ReqConnectAuthenticate:
		if !req.Token.Allows(CapConnect) {
			return &Reply{Err: ErrCapabilityDenied}
		}
		return &Reply{Allowed: d.manager.OnConnectAuthenticate(req.Client, req.Connect)}

	case ReqACLCheck:
		if !req.Token.Allows(CapACL) {
			return &Reply{Err: ErrCapabilityDenied}
		}
		return &Reply{Allowed: d.manager.OnACLCheck(req.Client, req.Topic, req.Access)}

	case ReqOnConnect:
		if !req.Token.Allows(CapConnect) {
			return &Reply{Err: ErrCapabilityDenied}
		}
		err := d.manager.OnConnect(req.Client, req.Connect)
		return &Reply{Allowed: err == nil, Err: err}

	case ReqOnPublish:
		if !req.Token.Allows(CapPublish) {
			return &Reply{Err: ErrCapabilityDenied}
		}
		err := d.manager.OnPublish(req.Client, req.Publish)
		return &Reply{Allowed: err == nil, Err: err}

	case ReqOnSubscribe:
		if !req.Token.Allows(CapSubscribe) {
			return &Reply{Err: ErrCapabilityDenied}
		}
		err := d.manager.OnSubscribe(req.Client, req.Sub)
		return &Reply{Allowed: err == nil, Err: err}

	case ReqOnUnsubscribe:
		if !req.Token.Allows(CapSubscribe) {
			return &Reply{Err: ErrCapabilityDenied}
		}
		err := d.manager.OnUnsubscribe(req.Client, req.Topic)
		return &Reply{Allowed: err == nil, Err: err}

	default:
		return &Reply{Err: ErrUnknownRequestKind}
	}
}
