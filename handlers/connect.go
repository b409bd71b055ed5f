package handlers

import (
	"github.com/axmq/broker/brokererr"
	"github.com/axmq/broker/encoding"
	"github.com/axmq/broker/session"
)

// HandleConnect finishes negotiating a session already created by
// session.Manager.CreateSession: it validates keep-alive bounds and
// anonymous-access policy, installs the will and v5 limits onto sess, and
// reports the CONNACK fields the online loop must encode. Client-identifier
// assignment and session lookup/resume happen one layer up, since both
// need the registry's single-online-session invariant before a Session
// exists to hand a handler.
func HandleConnect(sess *session.Session, req *ConnectRequest, g *Global) (*ConnectResult, error) {
	if !req.HasUsername && !g.Config.AllowAnonymous {
		return nil, brokererr.Policy(encoding.ReasonNotAuthorized, nil, "connect: anonymous access disabled")
	}

	keepAlive := req.KeepAlive
	serverKeepAlive := uint16(0)
	if g.Config.MaxKeepAlive > 0 && keepAlive > g.Config.MaxKeepAlive {
		keepAlive = g.Config.MaxKeepAlive
		serverKeepAlive = keepAlive
	}
	if keepAlive < g.Config.MinKeepAlive {
		keepAlive = g.Config.MinKeepAlive
		serverKeepAlive = keepAlive
	}

	sess.KeepAlive = keepAlive
	sess.ExpiryInterval = req.SessionExpiryInterval
	if req.Will != nil {
		sess.SetWill(req.Will)
	}

	if req.ProtocolVersion == session.MQTT5 {
		sess.ReceiveMaximum = req.ReceiveMaximum
		sess.MaxPacketSize = req.MaxPacketSize
		if req.TopicAliasMax < g.Config.TopicAliasMax {
			sess.TopicAliasMax = req.TopicAliasMax
		} else {
			sess.TopicAliasMax = g.Config.TopicAliasMax
		}
		sess.RequestResponseInfo = req.RequestResponseInfo
		sess.RequestProblemInfo = req.RequestProblemInfo
	}

	return &ConnectResult{
		ReasonCode:      encoding.ReasonSuccess,
		ServerKeepAlive: serverKeepAlive,
	}, nil
}
