// Package online implements the cooperative per-connection event loop: one
// goroutine per client, multiplexing outbound mailbox drain, pending-ack
// expiry, control-plane signals, and inbound packet dispatch through a
// single select so no two goroutines ever mutate one session's state at
// once. A companion reader goroutine exists only because net.Conn.Read is
// blocking; it owns nothing but the socket's read side and hands decoded
// frames to the loop over a channel.
package online

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/axmq/broker/broker"
	"github.com/axmq/broker/brokererr"
	"github.com/axmq/broker/encoding"
	"github.com/axmq/broker/handlers"
	"github.com/axmq/broker/hook"
	"github.com/axmq/broker/network"
	"github.com/axmq/broker/pending"
	"github.com/axmq/broker/session"
)

var (
	errTakenOver        = errors.New("online: session taken over")
	errKeepAliveTimeout = errors.New("online: keep-alive timeout")
	errClosedByControl  = errors.New("online: closed by control message")
	errNormalDisconnect = errors.New("online: client sent DISCONNECT")
)

// inboundFrame is one fully-decoded packet handed from the reader goroutine
// to the loop. Pkt holds the decoded packet, whose kind is named by Type.
type inboundFrame struct {
	Type encoding.PacketType
	Pkt  any
}

// Loop drives one connection from just-after-CONNECT through teardown. It
// assumes the caller has already completed the CONNECT/CONNACK handshake
// (the handshake itself runs before Run, since it shares none of the
// steady-state priority logic below) and installed sess into handle.
type Loop struct {
	Conn       *network.Connection
	Session    *session.Session
	Handle     *broker.ClientHandle
	Global     *handlers.Global
	Dispatcher *hook.Dispatcher
	Token      hook.CapabilityToken
	Registry   *broker.Registry

	ExpiryTick    time.Duration
	KeepAliveTick time.Duration

	// reauth holds the in-progress server side of a mid-session
	// SCRAM-SHA-256 re-authentication, non-nil only between the
	// ReAuthenticate AUTH packet that starts one and the ContinueAuthentication
	// AUTH packet that finishes it.
	reauth *hook.ScramServer
}

// NewLoop builds a Loop with the teacher's usual tick defaults; callers may
// override ExpiryTick/KeepAliveTick before calling Run (tests shrink both).
func NewLoop(conn *network.Connection, sess *session.Session, handle *broker.ClientHandle, g *handlers.Global, d *hook.Dispatcher, registry *broker.Registry) *Loop {
	return &Loop{
		Conn:          conn,
		Session:       sess,
		Handle:        handle,
		Global:        g,
		Dispatcher:    d,
		Registry:      registry,
		ExpiryTick:    time.Second,
		KeepAliveTick: time.Second,
	}
}

// Run is the loop body. It returns once the connection is torn down by
// takeover, a protocol or transport error, or a clean DISCONNECT. willFires
// tells the caller whether the session's will (if any) should still be
// published; a takeover or a DISCONNECT carrying ReasonNormalDisconnection
// suppresses it.
func (l *Loop) Run(ctx context.Context) (willFires bool, err error) {
	frames := make(chan *inboundFrame, 1)
	readErrs := make(chan error, 1)
	go l.readPump(frames, readErrs)

	expiry := time.NewTicker(l.ExpiryTick)
	defer expiry.Stop()
	keepalive := time.NewTicker(l.KeepAliveTick)
	defer keepalive.Stop()

	willFires = true

	for {
		for l.drainOneOutbound() {
		}

		select {
		case ctl := <-l.Handle.Control:
			done, suppress, cerr := l.handleControl(ctl)
			if done {
				return !suppress, cerr
			}
			continue
		default:
		}

		select {
		case <-expiry.C:
			l.retransmitExpired()
			continue
		default:
		}

		select {
		case out := <-l.Handle.Mailbox.C():
			l.writeOutbound(out)

		case ctl := <-l.Handle.Control:
			done, suppress, cerr := l.handleControl(ctl)
			if done {
				return !suppress, cerr
			}

		case <-expiry.C:
			l.retransmitExpired()

		case <-keepalive.C:
			if l.keepAliveExpired() {
				return true, brokererr.Transp(errKeepAliveTimeout)
			}

		case frame, ok := <-frames:
			if !ok {
				return true, nil
			}
			suppress, derr := l.dispatch(ctx, frame)
			if suppress {
				willFires = false
			}
			if derr != nil {
				return willFires, derr
			}

		case rerr := <-readErrs:
			return true, rerr

		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

// handleControl applies one control-plane message, reporting whether the
// loop must exit and, if so, whether the will should be suppressed.
func (l *Loop) handleControl(ctl broker.ControlMessage) (done bool, suppressWill bool, err error) {
	switch ctl.Kind {
	case broker.ControlTakeover:
		if ctl.ReplyTo != nil {
			close(ctl.ReplyTo)
		}
		return true, true, errTakenOver
	case broker.ControlClose:
		if ctl.ReplyTo != nil {
			close(ctl.ReplyTo)
		}
		return true, false, errClosedByControl
	case broker.ControlExpire:
		if ctl.ReplyTo != nil {
			close(ctl.ReplyTo)
		}
		return true, false, nil
	default:
		return false, false, nil
	}
}

// drainOneOutbound sends at most one already-queued mailbox entry, reporting
// whether it did so — callers loop on this to flush backlog before giving
// select a chance to pick up new work.
func (l *Loop) drainOneOutbound() bool {
	select {
	case out := <-l.Handle.Mailbox.C():
		l.writeOutbound(out)
		return true
	default:
		return false
	}
}

// writeOutbound encodes and writes one queued publish to the socket,
// re-encoding per the session's own protocol version.
func (l *Loop) writeOutbound(out *session.OutboundPublish) {
	if l.Session.ProtocolVersion == session.MQTT5 {
		pkt := &encoding.PublishPacket{
			FixedHeader: encoding.FixedHeader{Type: encoding.PUBLISH, QoS: encoding.QoS(out.QoS), Retain: out.Retain},
			TopicName:   out.Topic,
			Payload:     out.Payload,
		}
		if out.QoS > 0 {
			pkt.PacketID = l.packetIDFor(out)
		}
		if out.SubscriptionIdentifier != 0 {
			pkt.Properties.AddProperty(encoding.PropSubscriptionIdentifier, out.SubscriptionIdentifier)
		}
		if out.HasMessageExpiry {
			pkt.Properties.AddProperty(encoding.PropMessageExpiryInterval, out.MessageExpiry)
		}
		_ = pkt.Encode(l.Conn)
		return
	}

	pkt := &encoding.PublishPacket311{
		FixedHeader: encoding.FixedHeader{Type: encoding.PUBLISH, QoS: encoding.QoS(out.QoS), Retain: out.Retain},
		TopicName:   out.Topic,
		Payload:     out.Payload,
	}
	if out.QoS > 0 {
		pkt.PacketID = l.packetIDFor(out)
	}
	_ = pkt.Encode(l.Conn)
}

// packetIDFor recovers the packet id deliverToSubscriber already pushed
// into the pending queue for this outbound entry. It is the most recently
// pushed awaiting-ack/-rec entry with a matching topic and payload, which
// is exact enough here since deliverToSubscriber pushes synchronously
// right before the mailbox send the loop is now draining.
func (l *Loop) packetIDFor(out *session.OutboundPublish) uint16 {
	snap := l.Session.Pending().Snapshot()
	for i := len(snap) - 1; i >= 0; i-- {
		pkt := snap[i]
		if pkt.Topic == out.Topic && bytes.Equal(pkt.Payload, out.Payload) && pkt.State != pending.AwaitingComp {
			return pkt.PacketID
		}
	}
	return 0
}

// retransmitExpired resends every outbound entry past its ack deadline,
// marking DUP, mirroring the teacher's inflight-timeout retry policy.
func (l *Loop) retransmitExpired() {
	for _, pkt := range l.Session.Pending().Expire(time.Now()) {
		switch pkt.State {
		case pending.AwaitingAck, pending.AwaitingRec:
			l.resendPublish(pkt)
		case pending.AwaitingComp:
			l.resendPubrel(pkt.PacketID)
		}
	}
}

func (l *Loop) resendPublish(pkt *pending.Packet) {
	if l.Session.ProtocolVersion == session.MQTT5 {
		out := &encoding.PublishPacket{
			FixedHeader: encoding.FixedHeader{Type: encoding.PUBLISH, DUP: true, QoS: encoding.QoS(pkt.QoS), Retain: pkt.Retain},
			TopicName:   pkt.Topic,
			PacketID:    pkt.PacketID,
			Payload:     pkt.Payload,
		}
		_ = out.Encode(l.Conn)
		return
	}
	out := &encoding.PublishPacket311{
		FixedHeader: encoding.FixedHeader{Type: encoding.PUBLISH, DUP: true, QoS: encoding.QoS(pkt.QoS), Retain: pkt.Retain},
		TopicName:   pkt.Topic,
		PacketID:    pkt.PacketID,
		Payload:     pkt.Payload,
	}
	_ = out.Encode(l.Conn)
}

func (l *Loop) resendPubrel(pid uint16) {
	if l.Session.ProtocolVersion == session.MQTT5 {
		_ = (&encoding.PubrelPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PUBREL, Flags: 0x02}, PacketID: pid, ReasonCode: encoding.ReasonSuccess}).Encode(l.Conn)
		return
	}
	_ = (&encoding.PubrelPacket311{FixedHeader: encoding.FixedHeader{Type: encoding.PUBREL, Flags: 0x02}, PacketID: pid}).Encode(l.Conn)
}

// keepAliveExpired reports whether the client has gone silent for more
// than 1.5x its negotiated keep-alive, the MQTT-mandated grace window.
func (l *Loop) keepAliveExpired() bool {
	if l.Session.KeepAlive == 0 {
		return false
	}
	grace := time.Duration(float64(l.Session.KeepAlive) * 1.5 * float64(time.Second))
	return time.Since(l.Session.LastPacketAt) > grace
}

// readPump owns the socket's read side exclusively, decoding one frame at a
// time and handing it to the loop. It exits (closing frames) on the first
// decode or transport error, reporting that error on errs instead.
func (l *Loop) readPump(frames chan<- *inboundFrame, errs chan<- error) {
	defer close(frames)
	for {
		fh, err := encoding.ParseFixedHeader(l.Conn)
		if err != nil {
			errs <- brokererr.Decode(err, "read: fixed header")
			return
		}

		var body []byte
		if fh.RemainingLength > 0 {
			body = make([]byte, fh.RemainingLength)
			if _, err := io.ReadFull(l.Conn, body); err != nil {
				errs <- brokererr.Decode(err, "read: packet body")
				return
			}
		}

		pkt, err := l.decodeBody(fh, body)
		if err != nil {
			errs <- err
			return
		}

		frames <- &inboundFrame{Type: fh.Type, Pkt: pkt}
	}
}

// decodeBody parses a packet body already fully read into memory, choosing
// the v5 or 3.1.1 decoder family by the session's negotiated protocol
// version.
func (l *Loop) decodeBody(fh *encoding.FixedHeader, body []byte) (any, error) {
	r := bytes.NewReader(body)
	v5 := l.Session.ProtocolVersion == session.MQTT5

	switch fh.Type {
	case encoding.PUBLISH:
		if v5 {
			return encoding.ParsePublishPacket(r, fh)
		}
		return encoding.ParsePublishPacket311(r, fh)
	case encoding.PUBACK:
		if v5 {
			return encoding.ParsePubackPacket(r, fh)
		}
		return encoding.ParsePubackPacket311(r, fh)
	case encoding.PUBREC:
		if v5 {
			return encoding.ParsePubrecPacket(r, fh)
		}
		return encoding.ParsePubrecPacket311(r, fh)
	case encoding.PUBREL:
		if v5 {
			return encoding.ParsePubrelPacket(r, fh)
		}
		return encoding.ParsePubrelPacket311(r, fh)
	case encoding.PUBCOMP:
		if v5 {
			return encoding.ParsePubcompPacket(r, fh)
		}
		return encoding.ParsePubcompPacket311(r, fh)
	case encoding.SUBSCRIBE:
		if v5 {
			return encoding.ParseSubscribePacket(r, fh)
		}
		return encoding.ParseSubscribePacket311(r, fh)
	case encoding.UNSUBSCRIBE:
		if v5 {
			return encoding.ParseUnsubscribePacket(r, fh)
		}
		return encoding.ParseUnsubscribePacket311(r, fh)
	case encoding.PINGREQ:
		return encoding.ParsePingreqPacket(fh)
	case encoding.DISCONNECT:
		if v5 {
			return encoding.ParseDisconnectPacket(r, fh)
		}
		return encoding.ParseDisconnectPacket311(r, fh)
	case encoding.AUTH:
		if !v5 {
			return nil, brokererr.Decode(nil, "read: AUTH not valid below MQTT 5.0")
		}
		return encoding.ParseAuthPacket(r, fh)
	default:
		return nil, brokererr.Decode(nil, "read: unexpected packet type for steady state")
	}
}

// dispatch routes one decoded frame to its handler and writes back whatever
// ack the handler produces. It reports suppressWill for a DISCONNECT that
// asks the will be dropped, and a non-nil err for anything that must end
// the connection.
func (l *Loop) dispatch(ctx context.Context, frame *inboundFrame) (suppressWill bool, err error) {
	l.Session.Touch()
	if l.Global.Metrics != nil && frame.Type == encoding.PUBLISH {
		l.Global.Metrics.MessagesReceived.Inc()
	}

	switch frame.Type {
	case encoding.PUBLISH:
		return false, l.dispatchPublish(ctx, frame.Pkt)
	case encoding.PUBACK:
		pid := pubackPacketID(frame.Pkt, l.Session.ProtocolVersion)
		return false, handlers.HandlePuback(l.Session, pid)
	case encoding.PUBREC:
		pid := pubrecPacketID(frame.Pkt, l.Session.ProtocolVersion)
		rel, herr := handlers.HandlePubrec(l.Session, pid)
		if herr != nil {
			return false, herr
		}
		l.resendPubrel(rel.PacketID)
		return false, nil
	case encoding.PUBREL:
		pid := pubrelPacketID(frame.Pkt, l.Session.ProtocolVersion)
		comp, herr := handlers.HandlePubrel(l.Session, pid)
		if herr != nil {
			return false, herr
		}
		l.writePubcomp(comp.PacketID)
		return false, nil
	case encoding.PUBCOMP:
		pid := pubcompPacketID(frame.Pkt, l.Session.ProtocolVersion)
		return false, handlers.HandlePubcomp(l.Session, pid)
	case encoding.SUBSCRIBE:
		return false, l.dispatchSubscribe(ctx, frame.Pkt)
	case encoding.UNSUBSCRIBE:
		return false, l.dispatchUnsubscribe(frame.Pkt)
	case encoding.PINGREQ:
		handlers.HandlePingreq(l.Session)
		_ = (&encoding.PingrespPacket{}).Encode(l.Conn)
		return false, nil
	case encoding.DISCONNECT:
		return l.dispatchDisconnect(frame.Pkt)
	case encoding.AUTH:
		return false, l.dispatchAuth(frame.Pkt)
	default:
		return false, brokererr.Semantic(encoding.ReasonProtocolError, nil, "dispatch: unhandled packet type")
	}
}

func (l *Loop) dispatchPublish(ctx context.Context, raw any) error {
	var req *handlers.PublishRequest
	switch pkt := raw.(type) {
	case *encoding.PublishPacket:
		req = handlers.FromPublishV5(pkt)
	case *encoding.PublishPacket311:
		req = handlers.FromPublishV311(pkt)
	}
	result, err := handlers.HandlePublish(ctx, l.Session, req, l.Global, l.Session.ClientIdentifier)
	if err != nil {
		return err
	}
	if result.SendPuback {
		l.writePuback(result.AckPacketID, result.AckReason)
	}
	if result.SendPubrec {
		l.writePubrec(result.AckPacketID, result.AckReason)
	}
	return nil
}

func (l *Loop) dispatchSubscribe(ctx context.Context, raw any) error {
	var req *handlers.SubscribeRequest
	switch pkt := raw.(type) {
	case *encoding.SubscribePacket:
		req = handlers.FromSubscribeV5(pkt)
	case *encoding.SubscribePacket311:
		req = handlers.FromSubscribeV311(pkt)
	}
	result, err := handlers.HandleSubscribe(ctx, l.Session, req, l.Global, l.Session.ClientIdentifier)
	if err != nil {
		return err
	}
	l.writeSuback(result)
	return nil
}

func (l *Loop) dispatchUnsubscribe(raw any) error {
	var req *handlers.UnsubscribeRequest
	switch pkt := raw.(type) {
	case *encoding.UnsubscribePacket:
		req = handlers.FromUnsubscribeV5(pkt)
	case *encoding.UnsubscribePacket311:
		req = handlers.FromUnsubscribeV311(pkt)
	}
	result, err := handlers.HandleUnsubscribe(l.Session, req, l.Global, l.Session.ClientIdentifier)
	if err != nil {
		return err
	}
	l.writeUnsuback(result)
	return nil
}

func (l *Loop) dispatchDisconnect(raw any) (suppressWill bool, err error) {
	var req *handlers.DisconnectRequest
	switch pkt := raw.(type) {
	case *encoding.DisconnectPacket:
		req = handlers.FromDisconnectV5(pkt)
	case *encoding.DisconnectPacket311:
		_ = pkt
		req = handlers.FromDisconnectV311()
	}
	result, herr := handlers.HandleDisconnect(l.Session, req)
	if herr != nil {
		return false, herr
	}
	return result.SuppressWill, errNormalDisconnect
}

// dispatchAuth drives the v5 SCRAM continuation for a mid-session AUTH
// packet (re-authentication, MQTT 5 section 4.12.1); the CONNECT-time
// challenge loop lives in the handshake, not here, but both share the same
// ScramServer and wire helpers.
func (l *Loop) dispatchAuth(raw any) error {
	pkt, ok := raw.(*encoding.AuthPacket)
	if !ok {
		return brokererr.Semantic(encoding.ReasonProtocolError, nil, "auth: unexpected packet shape")
	}

	switch pkt.ReasonCode {
	case encoding.ReasonReAuthenticate:
		if authMethodOf(pkt) != hook.ScramMethod || l.Global.Scram == nil {
			return brokererr.Semantic(encoding.ReasonBadAuthenticationMethod, nil, "auth: re-authentication method unavailable")
		}
		l.reauth = hook.NewScramServer(l.Global.Scram, nil)
		serverFirst, err := l.reauth.ClientFirst(authDataOf(pkt))
		if err != nil {
			l.reauth = nil
			return brokererr.Policy(encoding.ReasonNotAuthorized, err, "auth: scram client-first")
		}
		return writeAuthPacket(l.Conn, encoding.ReasonContinueAuthentication, hook.ScramMethod, serverFirst)
	case encoding.ReasonContinueAuthentication:
		if l.reauth == nil {
			return brokererr.Semantic(encoding.ReasonProtocolError, nil, "auth: no re-authentication in progress")
		}
		serverFinal, err := l.reauth.ClientFinal(authDataOf(pkt))
		l.reauth = nil
		if err != nil {
			return brokererr.Policy(encoding.ReasonNotAuthorized, err, "auth: scram client-final")
		}
		return writeAuthPacket(l.Conn, encoding.ReasonSuccess, hook.ScramMethod, serverFinal)
	default:
		return brokererr.Semantic(encoding.ReasonProtocolError, nil, "auth: unexpected reason code")
	}
}

func (l *Loop) writePuback(pid uint16, reason encoding.ReasonCode) {
	if l.Session.ProtocolVersion == session.MQTT5 {
		_ = (&encoding.PubackPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PUBACK}, PacketID: pid, ReasonCode: reason}).Encode(l.Conn)
		return
	}
	_ = (&encoding.PubackPacket311{FixedHeader: encoding.FixedHeader{Type: encoding.PUBACK}, PacketID: pid}).Encode(l.Conn)
}

func (l *Loop) writePubrec(pid uint16, reason encoding.ReasonCode) {
	if l.Session.ProtocolVersion == session.MQTT5 {
		_ = (&encoding.PubrecPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PUBREC}, PacketID: pid, ReasonCode: reason}).Encode(l.Conn)
		return
	}
	_ = (&encoding.PubrecPacket311{FixedHeader: encoding.FixedHeader{Type: encoding.PUBREC}, PacketID: pid}).Encode(l.Conn)
}

func (l *Loop) writePubcomp(pid uint16) {
	if l.Session.ProtocolVersion == session.MQTT5 {
		_ = (&encoding.PubcompPacket{FixedHeader: encoding.FixedHeader{Type: encoding.PUBCOMP}, PacketID: pid, ReasonCode: encoding.ReasonSuccess}).Encode(l.Conn)
		return
	}
	_ = (&encoding.PubcompPacket311{FixedHeader: encoding.FixedHeader{Type: encoding.PUBCOMP}, PacketID: pid}).Encode(l.Conn)
}

func (l *Loop) writeSuback(result *handlers.SubackResult) {
	if l.Session.ProtocolVersion == session.MQTT5 {
		_ = (&encoding.SubackPacket{FixedHeader: encoding.FixedHeader{Type: encoding.SUBACK}, PacketID: result.PacketID, ReasonCodes: result.ReasonCodes}).Encode(l.Conn)
		return
	}
	codes := make([]byte, len(result.ReasonCodes))
	for i, rc := range result.ReasonCodes {
		codes[i] = byte(rc)
	}
	_ = (&encoding.SubackPacket311{FixedHeader: encoding.FixedHeader{Type: encoding.SUBACK}, PacketID: result.PacketID, ReturnCodes: codes}).Encode(l.Conn)
}

func (l *Loop) writeUnsuback(result *handlers.UnsubackResult) {
	if l.Session.ProtocolVersion == session.MQTT5 {
		_ = (&encoding.UnsubackPacket{FixedHeader: encoding.FixedHeader{Type: encoding.UNSUBACK}, PacketID: result.PacketID, ReasonCodes: result.ReasonCodes}).Encode(l.Conn)
		return
	}
	_ = (&encoding.UnsubackPacket311{FixedHeader: encoding.FixedHeader{Type: encoding.UNSUBACK}, PacketID: result.PacketID}).Encode(l.Conn)
}

func pubackPacketID(raw any, v session.ProtocolVersion) uint16 {
	if v == session.MQTT5 {
		return raw.(*encoding.PubackPacket).PacketID
	}
	return raw.(*encoding.PubackPacket311).PacketID
}

func pubrecPacketID(raw any, v session.ProtocolVersion) uint16 {
	if v == session.MQTT5 {
		return raw.(*encoding.PubrecPacket).PacketID
	}
	return raw.(*encoding.PubrecPacket311).PacketID
}

func pubrelPacketID(raw any, v session.ProtocolVersion) uint16 {
	if v == session.MQTT5 {
		return raw.(*encoding.PubrelPacket).PacketID
	}
	return raw.(*encoding.PubrelPacket311).PacketID
}

func pubcompPacketID(raw any, v session.ProtocolVersion) uint16 {
	if v == session.MQTT5 {
		return raw.(*encoding.PubcompPacket).PacketID
	}
	return raw.(*encoding.PubcompPacket311).PacketID
}
