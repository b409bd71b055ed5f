package session

import (
	"time"

	"github.com/axmq/broker/pending"
	"github.com/axmq/broker/topic"
)

// sessionData is the serializable mirror of Session used by the
// persistence backends. Unexported runtime-only fields (mailbox sinks,
// dedup caches) are reconstructed fresh on load rather than persisted.
type sessionData struct {
	ClientID         uint64 `cbor:"client_id"`
	ClientIdentifier string `cbor:"client_identifier"`
	AssignedClientID bool   `cbor:"assigned_client_id"`

	ProtocolVersion ProtocolVersion `cbor:"protocol_version"`
	CleanStart      bool            `cbor:"clean_start"`
	State           State           `cbor:"state"`

	PeerAddr string `cbor:"peer_addr"`

	ConnectedAt      time.Time `cbor:"connected_at"`
	LastPacketAt      time.Time `cbor:"last_packet_at"`
	DisconnectedAt   time.Time `cbor:"disconnected_at"`
	ConnectionClosed time.Time `cbor:"connection_closed"`

	KeepAlive      uint16 `cbor:"keep_alive"`
	ExpiryInterval uint32 `cbor:"expiry_interval"`

	Will *WillMessage `cbor:"will,omitempty"`

	ReceiveMaximum      uint16              `cbor:"receive_maximum"`
	MaxPacketSize       uint32              `cbor:"max_packet_size"`
	TopicAliasMax       uint16              `cbor:"topic_alias_max"`
	RequestResponseInfo bool                `cbor:"request_response_info"`
	RequestProblemInfo  bool                `cbor:"request_problem_info"`
	UserProperties      map[string][]string `cbor:"user_properties,omitempty"`

	Subscriptions map[string]*topic.Subscription `cbor:"subscriptions"`

	PendingOutgoing []*pending.Packet `cbor:"pending_outgoing"`
	NextPacketID    uint16            `cbor:"next_packet_id"`

	TopicAliasesIn  map[uint16]string `cbor:"topic_aliases_in,omitempty"`
	TopicAliasesOut map[string]uint16 `cbor:"topic_aliases_out,omitempty"`
}

// sessionToData captures a persistable snapshot of s. SCRAM state and
// broadcast queues are connection-scoped and intentionally dropped: a
// resumed session re-authenticates and re-resolves mailbox sinks on
// reconnect.
func sessionToData(s *Session) *sessionData {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := make(map[string]*topic.Subscription, len(s.subscriptions))
	for k, v := range s.subscriptions {
		subs[k] = v
	}

	aliasesIn := make(map[uint16]string, len(s.topicAliasesIn))
	for k, v := range s.topicAliasesIn {
		aliasesIn[k] = v
	}
	aliasesOut := make(map[string]uint16, len(s.topicAliasesOut))
	for k, v := range s.topicAliasesOut {
		aliasesOut[k] = v
	}

	return &sessionData{
		ClientID:            s.ClientID,
		ClientIdentifier:    s.ClientIdentifier,
		AssignedClientID:    s.AssignedClientID,
		ProtocolVersion:     s.ProtocolVersion,
		CleanStart:          s.CleanStart,
		State:               s.State,
		PeerAddr:            s.PeerAddr,
		ConnectedAt:         s.ConnectedAt,
		LastPacketAt:        s.LastPacketAt,
		DisconnectedAt:      s.DisconnectedAt,
		ConnectionClosed:    s.ConnectionClosed,
		KeepAlive:           s.KeepAlive,
		ExpiryInterval:      s.ExpiryInterval,
		Will:                s.Will,
		ReceiveMaximum:      s.ReceiveMaximum,
		MaxPacketSize:       s.MaxPacketSize,
		TopicAliasMax:       s.TopicAliasMax,
		RequestResponseInfo: s.RequestResponseInfo,
		RequestProblemInfo:  s.RequestProblemInfo,
		UserProperties:      s.UserProperties,
		Subscriptions:       subs,
		PendingOutgoing:     s.outgoing.Snapshot(),
		NextPacketID:        s.nextPacketID,
		TopicAliasesIn:      aliasesIn,
		TopicAliasesOut:     aliasesOut,
	}
}

// dataToSession rebuilds a Session from a persisted snapshot, resuming its
// pending outbound queue exactly where it left off. cfg supplies the
// resource bounds (inflight/dedup caps) since those are config-derived, not
// persisted.
func dataToSession(data *sessionData, cfg Config) *Session {
	s := New(data.ClientIdentifier, data.ProtocolVersion, data.CleanStart, cfg)

	s.ClientID = data.ClientID
	s.AssignedClientID = data.AssignedClientID
	s.State = data.State
	s.PeerAddr = data.PeerAddr
	s.ConnectedAt = data.ConnectedAt
	s.LastPacketAt = data.LastPacketAt
	s.DisconnectedAt = data.DisconnectedAt
	s.ConnectionClosed = data.ConnectionClosed
	s.KeepAlive = data.KeepAlive
	s.ExpiryInterval = data.ExpiryInterval
	s.Will = data.Will
	s.ReceiveMaximum = data.ReceiveMaximum
	s.MaxPacketSize = data.MaxPacketSize
	s.TopicAliasMax = data.TopicAliasMax
	s.RequestResponseInfo = data.RequestResponseInfo
	s.RequestProblemInfo = data.RequestProblemInfo
	s.UserProperties = data.UserProperties
	s.nextPacketID = data.NextPacketID

	if data.Subscriptions != nil {
		s.subscriptions = data.Subscriptions
	}
	if data.TopicAliasesIn != nil {
		s.topicAliasesIn = data.TopicAliasesIn
	}
	if data.TopicAliasesOut != nil {
		s.topicAliasesOut = data.TopicAliasesOut
	}
	s.outgoing.Restore(data.PendingOutgoing)

	return s
}
