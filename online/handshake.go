package online

import (
	"bytes"
	"context"

	"github.com/axmq/broker/broker"
	"github.com/axmq/broker/brokererr"
	"github.com/axmq/broker/encoding"
	"github.com/axmq/broker/handlers"
	"github.com/axmq/broker/hook"
	"github.com/axmq/broker/network"
	"github.com/axmq/broker/session"
)

// fullCapability is what a connection is granted once CONNECT succeeds: it
// may publish, subscribe, and trigger ACL checks for the rest of its
// lifetime. Before authentication, a connection's token carries CapConnect
// only.
const fullCapability = hook.CapConnect | hook.CapPublish | hook.CapSubscribe | hook.CapACL

// Handshake reads exactly one packet from conn (which must be CONNECT),
// authenticates it through dispatcher, creates or resumes the session via
// manager, installs it in registry (handling takeover if the identifier is
// already online), writes CONNACK, and returns a Loop ready for Run. It is
// the one piece of per-connection setup Loop.Run itself assumes already
// happened.
func Handshake(ctx context.Context, conn *network.Connection, manager *session.Manager, registry *broker.Registry, dispatcher *hook.Dispatcher, g *handlers.Global) (*Loop, error) {
	fh, err := encoding.ParseFixedHeader(conn)
	if err != nil {
		return nil, brokererr.Decode(err, "handshake: read fixed header")
	}
	if fh.Type != encoding.CONNECT {
		return nil, brokererr.Semantic(encoding.ReasonProtocolError, nil, "handshake: first packet must be CONNECT")
	}

	body := make([]byte, fh.RemainingLength)
	if _, err := readConnFull(conn, body); err != nil {
		return nil, brokererr.Decode(err, "handshake: read CONNECT body")
	}

	version, err := sniffConnectVersion(body)
	if err != nil {
		return nil, err
	}

	var req *handlers.ConnectRequest
	var sessionVersion session.ProtocolVersion
	r := bytes.NewReader(body)
	if version == encoding.ProtocolVersion50 {
		pkt, err := encoding.ParseConnectPacket(r, fh)
		if err != nil {
			return nil, brokererr.Decode(err, "handshake: decode v5 CONNECT")
		}
		req = handlers.FromConnectV5(pkt)
		sessionVersion = session.MQTT5
	} else {
		pkt, err := encoding.ParseConnectPacket311(r, fh)
		if err != nil {
			return nil, brokererr.Decode(err, "handshake: decode 3.1.1 CONNECT")
		}
		req = handlers.FromConnectV311(pkt)
		sessionVersion = session.MQTT311
	}

	clientID := req.ClientID
	if sessionVersion != session.MQTT5 && g.Config.CheckV3IDLength && len(clientID) > 23 {
		writeConnackFailure(conn, sessionVersion, encoding.ReasonClientIdentifierNotValid)
		return nil, brokererr.Semantic(encoding.ReasonClientIdentifierNotValid, nil, "handshake: 3.1.1 client id longer than 23 bytes")
	}
	assigned := false
	if clientID == "" {
		generated, err := manager.GenerateClientID(ctx)
		if err != nil {
			writeConnackFailure(conn, sessionVersion, encoding.ReasonClientIdentifierNotValid)
			return nil, brokererr.Semantic(encoding.ReasonClientIdentifierNotValid, err, "handshake: assign client id")
		}
		clientID = generated
		assigned = true
	}

	if req.AuthMethod == hook.ScramMethod {
		if sessionVersion != session.MQTT5 || g.Scram == nil {
			writeConnackFailure(conn, sessionVersion, encoding.ReasonBadAuthenticationMethod)
			return nil, brokererr.Policy(encoding.ReasonBadAuthenticationMethod, nil, "handshake: scram not available")
		}
		username, err := scramAuthenticate(conn, req, sessionVersion, g.Scram)
		if err != nil {
			return nil, err
		}
		req.Username = username
		req.HasUsername = true
	} else {
		connectToken := hook.IssueToken(clientID, hook.CapConnect)
		authReply := <-dispatcher.Dispatch(&hook.Request{
			Kind:  hook.ReqConnectAuthenticate,
			Token: connectToken,
			Client: &hook.Client{
				ID:       clientID,
				Username: req.Username,
			},
			Connect: &hook.ConnectPacket{
				Username: req.Username,
				Password: req.Password,
			},
		})
		if authReply.Err != nil {
			writeConnackFailure(conn, sessionVersion, encoding.ReasonUnspecifiedError)
			return nil, brokererr.InternalErr(authReply.Err, "handshake: authenticate dispatch")
		}
		if !authReply.Allowed {
			writeConnackFailure(conn, sessionVersion, encoding.ReasonBadUsernameOrPassword)
			return nil, brokererr.Policy(encoding.ReasonBadUsernameOrPassword, nil, "handshake: authentication rejected")
		}
	}

	if !g.Config.AllowCrossVersionTakeover {
		if prior, ok := registry.Lookup(clientID); ok && prior.Session.ProtocolVersion != sessionVersion {
			reason := encoding.ReasonUnspecifiedError
			if sessionVersion != session.MQTT5 {
				reason = encoding.ReasonClientIdentifierNotValid
			}
			writeConnackFailure(conn, sessionVersion, reason)
			return nil, brokererr.Policy(reason, broker.ErrVersionMismatch, "handshake: cross-version takeover")
		}
	}

	sess, sessionPresent, err := manager.CreateSession(ctx, clientID, req.CleanStart, req.SessionExpiryInterval, sessionVersion)
	if err != nil {
		writeConnackFailure(conn, sessionVersion, encoding.ReasonServerUnavailable)
		return nil, brokererr.InternalErr(err, "handshake: create session")
	}
	sess.ClientIdentifier = clientID
	sess.AssignedClientID = assigned

	result, err := handlers.HandleConnect(sess, req, g)
	if err != nil {
		reason := brokererr.ReasonCodeOf(err)
		if reason == encoding.ReasonSuccess {
			reason = encoding.ReasonUnspecifiedError
		}
		writeConnackFailure(conn, sessionVersion, reason)
		return nil, err
	}
	result.SessionPresent = sessionPresent
	if assigned {
		result.AssignedClientID = clientID
	}

	handle, evicted, tookOver := registry.Register(clientID, sess)
	if tookOver {
		<-evicted
	}

	if err := writeConnackSuccess(conn, sessionVersion, result); err != nil {
		return nil, brokererr.Transp(err)
	}

	loop := NewLoop(conn, sess, handle, g, dispatcher, registry)
	loop.Token = hook.IssueToken(clientID, fullCapability)
	return loop, nil
}

// sniffConnectVersion reads the CONNECT variable header's protocol-version
// byte without fully decoding the packet, so the caller knows which decoder
// family (v5 vs 3.1.1) to hand the body to. Both dialects share the same
// layout up to this point: a two-byte-length-prefixed protocol name
// immediately followed by the one-byte version.
func sniffConnectVersion(body []byte) (encoding.ProtocolVersion, error) {
	if len(body) < 2 {
		return 0, brokererr.Decode(nil, "handshake: CONNECT body too short")
	}
	nameLen := int(body[0])<<8 | int(body[1])
	if len(body) < 2+nameLen+1 {
		return 0, brokererr.Decode(nil, "handshake: CONNECT body too short for protocol version")
	}
	return encoding.ProtocolVersion(body[2+nameLen]), nil
}

// readConnFull reads until buf is full or conn errors, mirroring io.ReadFull
// for the network.Connection type (which wraps, rather than is, a plain
// net.Conn).
func readConnFull(conn *network.Connection, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeConnackSuccess(conn *network.Connection, version session.ProtocolVersion, result *handlers.ConnectResult) error {
	if version == session.MQTT5 {
		pkt := &encoding.ConnackPacket{
			FixedHeader:    encoding.FixedHeader{Type: encoding.CONNACK},
			SessionPresent: result.SessionPresent,
			ReasonCode:     result.ReasonCode,
		}
		if result.AssignedClientID != "" {
			_ = pkt.Properties.AddProperty(encoding.PropAssignedClientIdentifier, result.AssignedClientID)
		}
		if result.ServerKeepAlive != 0 {
			_ = pkt.Properties.AddProperty(encoding.PropServerKeepAlive, result.ServerKeepAlive)
		}
		return pkt.Encode(conn)
	}
	pkt := &encoding.ConnackPacket311{
		FixedHeader:    encoding.FixedHeader{Type: encoding.CONNACK},
		SessionPresent: result.SessionPresent,
		ReturnCode:     connackReturnCode311(result.ReasonCode),
	}
	return pkt.Encode(conn)
}

func writeConnackFailure(conn *network.Connection, version session.ProtocolVersion, reason encoding.ReasonCode) {
	if version == session.MQTT5 {
		_ = (&encoding.ConnackPacket{FixedHeader: encoding.FixedHeader{Type: encoding.CONNACK}, ReasonCode: reason}).Encode(conn)
		return
	}
	_ = (&encoding.ConnackPacket311{FixedHeader: encoding.FixedHeader{Type: encoding.CONNACK}, ReturnCode: connackReturnCode311(reason)}).Encode(conn)
}

// scramAuthenticate drives the two-round SCRAM-SHA-256 exchange MQTT 5
// extended authentication substitutes for a plain username/password CONNECT:
// the CONNECT's own AuthData carries the client-first-message, the broker
// replies with an AUTH/ContinueAuthentication carrying the server-first-message,
// the client answers with one more AUTH carrying the client-final-message,
// and the broker closes the loop with AUTH/Success carrying the
// server-final-message. It owns CONNACK-failure writes on every error path,
// the same way the plain password branch in Handshake does, so its caller
// only needs to handle the nil-error case.
func scramAuthenticate(conn *network.Connection, req *handlers.ConnectRequest, version session.ProtocolVersion, credStore hook.ScramCredentialStore) (string, error) {
	scram := hook.NewScramServer(credStore, nil)

	serverFirst, err := scram.ClientFirst(req.AuthData)
	if err != nil {
		writeConnackFailure(conn, version, encoding.ReasonBadAuthenticationMethod)
		return "", brokererr.Policy(encoding.ReasonBadAuthenticationMethod, err, "handshake: scram client-first")
	}
	if err := writeAuthPacket(conn, encoding.ReasonContinueAuthentication, req.AuthMethod, serverFirst); err != nil {
		return "", brokererr.Transp(err)
	}

	fh, err := encoding.ParseFixedHeader(conn)
	if err != nil {
		return "", brokererr.Decode(err, "handshake: read AUTH fixed header")
	}
	if fh.Type != encoding.AUTH {
		writeConnackFailure(conn, version, encoding.ReasonProtocolError)
		return "", brokererr.Semantic(encoding.ReasonProtocolError, nil, "handshake: expected AUTH continuation")
	}
	body := make([]byte, fh.RemainingLength)
	if _, err := readConnFull(conn, body); err != nil {
		return "", brokererr.Decode(err, "handshake: read AUTH body")
	}
	authPkt, err := encoding.ParseAuthPacket(bytes.NewReader(body), fh)
	if err != nil {
		return "", brokererr.Decode(err, "handshake: decode AUTH continuation")
	}

	serverFinal, err := scram.ClientFinal(authDataOf(authPkt))
	if err != nil {
		writeConnackFailure(conn, version, encoding.ReasonNotAuthorized)
		return "", brokererr.Policy(encoding.ReasonNotAuthorized, err, "handshake: scram client-final")
	}
	if err := writeAuthPacket(conn, encoding.ReasonSuccess, req.AuthMethod, serverFinal); err != nil {
		return "", brokererr.Transp(err)
	}
	return scram.Username(), nil
}

func writeAuthPacket(conn *network.Connection, reason encoding.ReasonCode, method string, data []byte) error {
	pkt := &encoding.AuthPacket{FixedHeader: encoding.FixedHeader{Type: encoding.AUTH}, ReasonCode: reason}
	_ = pkt.Properties.AddProperty(encoding.PropAuthenticationMethod, method)
	_ = pkt.Properties.AddProperty(encoding.PropAuthenticationData, data)
	return pkt.Encode(conn)
}

func authDataOf(pkt *encoding.AuthPacket) []byte {
	if p := pkt.Properties.GetProperty(encoding.PropAuthenticationData); p != nil {
		if v, ok := p.Value.([]byte); ok {
			return v
		}
	}
	return nil
}

func authMethodOf(pkt *encoding.AuthPacket) string {
	if p := pkt.Properties.GetProperty(encoding.PropAuthenticationMethod); p != nil {
		if v, ok := p.Value.(string); ok {
			return v
		}
	}
	return ""
}

// connackReturnCode311 collapses a v5 reason code to its nearest 3.1.1
// CONNACK return code, since a v3.1.1 client never sees a reason code.
func connackReturnCode311(reason encoding.ReasonCode) byte {
	switch reason {
	case encoding.ReasonSuccess:
		return encoding.ConnectAccepted311
	case encoding.ReasonUnsupportedProtocolVersion:
		return encoding.ConnectRefusedUnacceptableProtocol311
	case encoding.ReasonClientIdentifierNotValid:
		return encoding.ConnectRefusedIdentifierRejected311
	case encoding.ReasonBadUsernameOrPassword:
		return encoding.ConnectRefusedBadUsernamePassword311
	case encoding.ReasonNotAuthorized:
		return encoding.ConnectRefusedNotAuthorized311
	default:
		return encoding.ConnectRefusedServerUnavailable311
	}
}
