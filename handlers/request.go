// Package handlers implements the packet-level state transitions: one
// function per incoming packet type, each a transform over a session and
// the broker-wide collaborators (topic router, retained store, client
// registry) that produces the reply packet(s) to send and, for PUBLISH,
// delivers to matching subscribers' mailboxes. Both MQTT 3.1.1 and 5.0
// wire shapes funnel through the same normalized request/result types here
// so the routing and session-mutation logic is written once.
package handlers

import (
	"github.com/axmq/broker/encoding"
	"github.com/axmq/broker/session"
)

// ConnectRequest is the protocol-neutral view of a CONNECT packet.
type ConnectRequest struct {
	ProtocolVersion session.ProtocolVersion
	ClientID        string
	CleanStart      bool
	KeepAlive       uint16

	HasUsername bool
	Username    string
	HasPassword bool
	Password    []byte

	Will *session.WillMessage

	// v5-only negotiated limits; zero-valued under v3.
	SessionExpiryInterval uint32
	ReceiveMaximum        uint16
	MaxPacketSize         uint32
	TopicAliasMax         uint16
	RequestResponseInfo   bool
	RequestProblemInfo    bool
	AuthMethod            string
	AuthData              []byte
}

// FromConnectV5 builds a ConnectRequest from a decoded v5 CONNECT packet.
func FromConnectV5(pkt *encoding.ConnectPacket) *ConnectRequest {
	req := &ConnectRequest{
		ProtocolVersion: session.MQTT5,
		ClientID:        pkt.ClientID,
		CleanStart:      pkt.CleanStart,
		KeepAlive:       pkt.KeepAlive,
		HasUsername:     pkt.UsernameFlag,
		Username:        pkt.Username,
		HasPassword:     pkt.PasswordFlag,
		Password:        pkt.Password,
		ReceiveMaximum:  65535,
	}
	if pkt.WillFlag {
		req.Will = &session.WillMessage{
			Topic:   pkt.WillTopic,
			Payload: pkt.WillPayload,
			QoS:     byte(pkt.WillQoS),
			Retain:  pkt.WillRetain,
		}
		if p := pkt.WillProperties.GetProperty(encoding.PropWillDelayInterval); p != nil {
			if v, ok := p.Value.(uint32); ok {
				req.Will.DelayInterval = v
			}
		}
	}
	if p := pkt.Properties.GetProperty(encoding.PropSessionExpiryInterval); p != nil {
		if v, ok := p.Value.(uint32); ok {
			req.SessionExpiryInterval = v
		}
	}
	if p := pkt.Properties.GetProperty(encoding.PropReceiveMaximum); p != nil {
		if v, ok := p.Value.(uint16); ok {
			req.ReceiveMaximum = v
		}
	}
	if p := pkt.Properties.GetProperty(encoding.PropMaximumPacketSize); p != nil {
		if v, ok := p.Value.(uint32); ok {
			req.MaxPacketSize = v
		}
	}
	if p := pkt.Properties.GetProperty(encoding.PropTopicAliasMaximum); p != nil {
		if v, ok := p.Value.(uint16); ok {
			req.TopicAliasMax = v
		}
	}
	if p := pkt.Properties.GetProperty(encoding.PropAuthenticationMethod); p != nil {
		if v, ok := p.Value.(string); ok {
			req.AuthMethod = v
		}
	}
	if p := pkt.Properties.GetProperty(encoding.PropAuthenticationData); p != nil {
		if v, ok := p.Value.([]byte); ok {
			req.AuthData = v
		}
	}
	return req
}

// FromConnectV311 builds a ConnectRequest from a decoded 3.1.1 CONNECT
// packet. v3.1.1 has no properties, so the v5-only fields stay zero.
func FromConnectV311(pkt *encoding.ConnectPacket311) *ConnectRequest {
	req := &ConnectRequest{
		ProtocolVersion: session.MQTT311,
		ClientID:        pkt.ClientID,
		CleanStart:      pkt.CleanSession,
		KeepAlive:       pkt.KeepAlive,
		HasUsername:     pkt.UsernameFlag,
		Username:        pkt.Username,
		HasPassword:     pkt.PasswordFlag,
		Password:        pkt.Password,
	}
	if pkt.WillFlag {
		req.Will = &session.WillMessage{
			Topic:   pkt.WillTopic,
			Payload: pkt.WillPayload,
			QoS:     byte(pkt.WillQoS),
			Retain:  pkt.WillRetain,
		}
	}
	return req
}

// ConnectResult is what a handler hands back to the online loop to encode
// as CONNACK (v5 reason code semantics collapse to a single accept/reject
// bool plus return code under v3.1.1).
type ConnectResult struct {
	ReasonCode       encoding.ReasonCode
	SessionPresent   bool
	AssignedClientID string // non-empty when the server generated the identifier
	ServerKeepAlive  uint16 // 0 means "use the client's requested value unmodified"
}

// PublishRequest is the protocol-neutral view of an incoming PUBLISH.
type PublishRequest struct {
	Topic      string
	PacketID   uint16 // 0 for QoS 0
	QoS        byte
	Retain     bool
	DUP        bool
	Payload    []byte
	Properties map[string]interface{}

	// v5-only.
	TopicAlias       uint16
	HasTopicAlias    bool
	MessageExpiry    uint32
	HasMessageExpiry bool
	SubscriptionIDs  []uint32
}

// FromPublishV5 builds a PublishRequest from a decoded v5 PUBLISH packet.
func FromPublishV5(pkt *encoding.PublishPacket) *PublishRequest {
	req := &PublishRequest{
		Topic:    pkt.TopicName,
		PacketID: pkt.PacketID,
		QoS:      byte(pkt.FixedHeader.QoS),
		Retain:   pkt.FixedHeader.Retain,
		DUP:      pkt.FixedHeader.DUP,
		Payload:  pkt.Payload,
	}
	if p := pkt.Properties.GetProperty(encoding.PropTopicAlias); p != nil {
		if v, ok := p.Value.(uint16); ok {
			req.TopicAlias = v
			req.HasTopicAlias = true
		}
	}
	if p := pkt.Properties.GetProperty(encoding.PropMessageExpiryInterval); p != nil {
		if v, ok := p.Value.(uint32); ok {
			req.MessageExpiry = v
			req.HasMessageExpiry = true
		}
	}
	return req
}

// FromPublishV311 builds a PublishRequest from a decoded 3.1.1 PUBLISH.
func FromPublishV311(pkt *encoding.PublishPacket311) *PublishRequest {
	return &PublishRequest{
		Topic:    pkt.TopicName,
		PacketID: pkt.PacketID,
		QoS:      byte(pkt.FixedHeader.QoS),
		Retain:   pkt.FixedHeader.Retain,
		DUP:      pkt.FixedHeader.DUP,
		Payload:  pkt.Payload,
	}
}

// PublishResult tells the online loop which ack (if any) to send the
// publisher and whether the message was dropped before fan-out.
type PublishResult struct {
	AckPacketID uint16
	AckReason   encoding.ReasonCode
	SendPuback  bool
	SendPubrec  bool
	Delivered   int // number of subscribers the message was routed to
	Dropped     bool
	DropReason  string
}

// SubscribeRequest is the protocol-neutral view of a SUBSCRIBE packet.
type SubscribeRequest struct {
	PacketID   uint16
	Filters    []SubscribeFilter
	Identifier uint32 // v5 subscription identifier property, 0 if absent
}

// SubscribeFilter is one filter/options pair within a SUBSCRIBE packet.
type SubscribeFilter struct {
	Filter            string
	QoS               byte
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte
}

// FromSubscribeV5 builds a SubscribeRequest from a decoded v5 packet.
func FromSubscribeV5(pkt *encoding.SubscribePacket) *SubscribeRequest {
	req := &SubscribeRequest{PacketID: pkt.PacketID}
	if p := pkt.Properties.GetProperty(encoding.PropSubscriptionIdentifier); p != nil {
		if v, ok := p.Value.(uint32); ok {
			req.Identifier = v
		}
	}
	for _, s := range pkt.Subscriptions {
		req.Filters = append(req.Filters, SubscribeFilter{
			Filter:            s.TopicFilter,
			QoS:               byte(s.QoS),
			NoLocal:           s.NoLocal,
			RetainAsPublished: s.RetainAsPublished,
			RetainHandling:    s.RetainHandling,
		})
	}
	return req
}

// FromSubscribeV311 builds a SubscribeRequest from a decoded 3.1.1 packet.
func FromSubscribeV311(pkt *encoding.SubscribePacket311) *SubscribeRequest {
	req := &SubscribeRequest{PacketID: pkt.PacketID}
	for _, s := range pkt.Subscriptions {
		req.Filters = append(req.Filters, SubscribeFilter{Filter: s.TopicFilter, QoS: byte(s.QoS)})
	}
	return req
}

// SubackResult carries the per-filter reason/return codes to encode.
type SubackResult struct {
	PacketID    uint16
	ReasonCodes []encoding.ReasonCode
}

// UnsubscribeRequest is the protocol-neutral view of an UNSUBSCRIBE packet.
type UnsubscribeRequest struct {
	PacketID uint16
	Filters  []string
}

func FromUnsubscribeV5(pkt *encoding.UnsubscribePacket) *UnsubscribeRequest {
	return &UnsubscribeRequest{PacketID: pkt.PacketID, Filters: pkt.TopicFilters}
}

func FromUnsubscribeV311(pkt *encoding.UnsubscribePacket311) *UnsubscribeRequest {
	return &UnsubscribeRequest{PacketID: pkt.PacketID, Filters: pkt.TopicFilters}
}

// UnsubackResult carries the per-filter reason codes to encode.
type UnsubackResult struct {
	PacketID    uint16
	ReasonCodes []encoding.ReasonCode
}

// DisconnectRequest is the protocol-neutral view of a DISCONNECT packet.
// v3.1.1 has no reason code on the wire; callers pass ReasonNormalDisconnection.
type DisconnectRequest struct {
	ReasonCode               encoding.ReasonCode
	HasSessionExpiryInterval bool
	SessionExpiryInterval    uint32
}

func FromDisconnectV5(pkt *encoding.DisconnectPacket) *DisconnectRequest {
	req := &DisconnectRequest{ReasonCode: pkt.ReasonCode}
	if p := pkt.Properties.GetProperty(encoding.PropSessionExpiryInterval); p != nil {
		if v, ok := p.Value.(uint32); ok {
			req.HasSessionExpiryInterval = true
			req.SessionExpiryInterval = v
		}
	}
	return req
}

func FromDisconnectV311() *DisconnectRequest {
	return &DisconnectRequest{ReasonCode: encoding.ReasonNormalDisconnection}
}

// DisconnectResult tells the online loop whether the session's will must
// still fire on teardown.
type DisconnectResult struct {
	SuppressWill bool
}
