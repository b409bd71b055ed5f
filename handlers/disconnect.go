package handlers

import (
	"github.com/axmq/broker/brokererr"
	"github.com/axmq/broker/encoding"
	"github.com/axmq/broker/session"
)

// HandleDisconnect applies a client-initiated DISCONNECT: a normal
// disconnect (reason 0x00) suppresses the session's will per the v5 spec
// distinction between "I'm done" and "something went wrong, send my will"
// (a v3.1.1 DISCONNECT always suppresses its will, the only reason that
// protocol has one). A v5 DISCONNECT may also lower, but never raise, the
// session's expiry interval.
func HandleDisconnect(sess *session.Session, req *DisconnectRequest) (*DisconnectResult, error) {
	suppress := req.ReasonCode == encoding.ReasonNormalDisconnection

	if req.HasSessionExpiryInterval {
		if req.SessionExpiryInterval > sess.ExpiryInterval {
			return nil, brokererr.Semantic(encoding.ReasonProtocolError, nil, "disconnect: session expiry interval may not increase")
		}
		sess.ExpiryInterval = req.SessionExpiryInterval
	}

	if suppress {
		sess.ClearWill()
	}

	return &DisconnectResult{SuppressWill: suppress}, nil
}
