package session

import (
	"sync"
	"time"

	"github.com/axmq/broker/pending"
	"github.com/axmq/broker/topic"
)

// State represents the session's connectedness, distinct from whether it is
// currently backed by a live socket.
type State byte

const (
	StateNew          State = iota // created, CONNECT not yet processed
	StateActive                    // online, backed by a live connection
	StateDisconnected              // offline, surviving per its expiry interval
	StateExpired                   // eligible for removal from the registry
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// ProtocolVersion identifies which wire dialect a Session speaks. Both
// dialects share this one Session type; handlers branch on this field where
// v3 and v5 semantics diverge (CONNACK shape, property support, reason
// codes vs close-only errors).
type ProtocolVersion byte

const (
	MQTT311 ProtocolVersion = 4
	MQTT5   ProtocolVersion = 5
)

// WillMessage is the last-will descriptor negotiated at CONNECT time.
type WillMessage struct {
	Topic         string
	Payload       []byte
	QoS           byte
	Retain        bool
	DelayInterval uint32 // seconds; v5 only, 0 under v3
	Properties    map[string]interface{}
}

// OutboundPublish is the lightweight, broker-internal representation of a
// publish destined for this session's normal mailbox. It carries enough to
// be re-encoded per the session's own protocol version and topic-alias
// state without referring back to the publishing session.
type OutboundPublish struct {
	Topic                  string
	Payload                []byte
	QoS                    byte
	Retain                 bool
	Properties             map[string]interface{}
	SubscriptionIdentifier uint32
	MessageExpiry          uint32
	HasMessageExpiry       bool
}

// MailboxSink is the cached handle a session's BroadcastQueue holds open to
// a target session's normal mailbox, so repeated deliveries to the same
// peer don't re-resolve it through the registry each time.
type MailboxSink interface {
	// Enqueue attempts to deliver pkt without blocking. It reports false if
	// the target's mailbox is at capacity (backpressure).
	Enqueue(pkt *OutboundPublish) bool
}

// BroadcastQueue is a per-target-client queue of messages plus the cached
// sink used to deliver them.
type BroadcastQueue struct {
	Sink     MailboxSink
	Pending  []*OutboundPublish
	MaxDepth int
}

// ScramStage tracks progress through MQTT 5's SCRAM-SHA-256 extended
// authentication, driven by repeated AUTH packets during CONNECT.
type ScramStage byte

const (
	ScramNone ScramStage = iota
	ScramAwaitingClientFirst
	ScramAwaitingClientFinal
	ScramDone
)

// Session is the unified per-connection protocol state for both MQTT 3.1.1
// and 5.0. A single type covers both dialects; fields meaningful only to
// v5 (topic aliases, SCRAM, request/response flags) stay zero-valued for a
// v3 connection.
type Session struct {
	mu sync.RWMutex

	ClientID         uint64 // dense broker-assigned id, see broker.Registry
	ClientIdentifier string // protocol-level identifier string from CONNECT
	AssignedClientID bool   // true if the broker generated ClientIdentifier

	ProtocolVersion ProtocolVersion
	CleanStart      bool // CONNECT clean-start (v5) / clean-session (v3)
	State           State

	PeerAddr string

	ConnectedAt      time.Time
	LastPacketAt     time.Time
	DisconnectedAt   time.Time
	ConnectionClosed time.Time

	KeepAlive      uint16 // seconds, as negotiated in CONNACK server_keep_alive
	ExpiryInterval uint32 // v5 session-expiry-interval seconds; v3 treats !CleanStart as "no expiry"

	Will *WillMessage

	// v5 negotiated limits.
	ReceiveMaximum      uint16
	MaxPacketSize       uint32
	TopicAliasMax       uint16
	RequestResponseInfo bool
	RequestProblemInfo  bool
	UserProperties      map[string][]string

	// SCRAM extended-auth state (v5 only).
	ScramState ScramStage
	ScramNonce string

	subscriptions map[string]*topic.Subscription // filter -> subscription

	outgoing         *pending.Queue        // outbound QoS1/2 awaiting ack
	incomingQoS2     *pending.InboundDedup // inbound QoS2 pid dedup
	qos2Fingerprints map[uint16]string     // pid -> payload fingerprint, for app-level dup detection

	nextPacketID uint16

	topicAliasesIn  map[uint16]string // alias -> topic, set by this client's PUBLISHes
	topicAliasesOut map[string]uint16 // topic -> alias, assigned by the broker for outbound

	broadcast map[uint64]*BroadcastQueue // target ClientId -> queue+sink
}

// Config bounds the resources a Session's pending queue and dedup cache may
// consume; populated from config.Config at CONNECT time.
type Config struct {
	MaxInflight         int
	MaxInMemPending     int
	InflightTimeout     time.Duration
	MaxQoS2Dedup        int
	BroadcastQueueDepth int
}

// New creates a Session in StateNew; callers transition to StateActive once
// CONNECT has been fully validated and a CONNACK queued.
func New(clientIdentifier string, version ProtocolVersion, cleanStart bool, cfg Config) *Session {
	now := time.Now()
	return &Session{
		ClientIdentifier: clientIdentifier,
		ProtocolVersion:  version,
		CleanStart:       cleanStart,
		State:            StateNew,
		ConnectedAt:      now,
		LastPacketAt:     now,
		ReceiveMaximum:   65535,
		subscriptions:    make(map[string]*topic.Subscription),
		outgoing:         pending.New(cfg.MaxInflight, cfg.MaxInMemPending, cfg.InflightTimeout),
		incomingQoS2:     pending.NewInboundDedup(maxInt(cfg.MaxQoS2Dedup, 1)),
		qos2Fingerprints: make(map[uint16]string),
		nextPacketID:     1,
		topicAliasesIn:   make(map[uint16]string),
		topicAliasesOut:  make(map[string]uint16),
		broadcast:        make(map[uint64]*BroadcastQueue),
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Pending exposes the outbound ack-tracking queue for the online loop and
// handlers to push/ack/expire against.
func (s *Session) Pending() *pending.Queue { return s.outgoing }

// SetActive marks the session online and touches LastPacketAt.
func (s *Session) SetActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateActive
	s.LastPacketAt = time.Now()
}

// SetDisconnected marks the session offline, starting its expiry clock.
func (s *Session) SetDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateDisconnected
	s.DisconnectedAt = time.Now()
}

// SetExpired marks the session eligible for registry removal.
func (s *Session) SetExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.State = StateExpired
}

// IsExpired reports whether a disconnected session's expiry interval has
// elapsed. A session with ExpiryInterval 0 and !CleanStart never expires on
// its own (v3 persistent-session convention); CleanStart sessions expire
// immediately on disconnect.
func (s *Session) IsExpired(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.State != StateDisconnected {
		return s.State == StateExpired
	}
	if s.CleanStart {
		return true
	}
	if s.ExpiryInterval == 0 {
		return false
	}
	return now.Sub(s.DisconnectedAt) > time.Duration(s.ExpiryInterval)*time.Second
}

// Touch updates LastPacketAt, used by the online loop's keep-alive check.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastPacketAt = time.Now()
}

// GetState returns the session's connectedness.
func (s *Session) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.State
}

// SetWill installs the session's last-will descriptor.
func (s *Session) SetWill(will *WillMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Will = will
}

// ClearWill removes the last-will descriptor, e.g. on a DISCONNECT that
// explicitly requests no will be sent.
func (s *Session) ClearWill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Will = nil
}

// GetWill returns the session's last-will descriptor, or nil.
func (s *Session) GetWill() *WillMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Will
}

// AddSubscription installs or replaces (per spec: duplicate subscribe from
// the same client replaces the prior entry) a subscription.
func (s *Session) AddSubscription(sub *topic.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.TopicFilter] = sub
}

// RemoveSubscription drops a subscription by filter.
func (s *Session) RemoveSubscription(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, filter)
}

// GetSubscription looks up a subscription by filter.
func (s *Session) GetSubscription(filter string) (*topic.Subscription, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[filter]
	return sub, ok
}

// Subscriptions returns a snapshot of all subscriptions, keyed by filter.
func (s *Session) Subscriptions() map[string]*topic.Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*topic.Subscription, len(s.subscriptions))
	for k, v := range s.subscriptions {
		out[k] = v
	}
	return out
}

// ClearSubscriptions removes every subscription, used on a clean-start
// CONNECT that discards prior session state.
func (s *Session) ClearSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions = make(map[string]*topic.Subscription)
}

// NextPacketID returns the next server-side outgoing packet id, cycling
// 1..65535.
func (s *Session) NextPacketID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextPacketID
	s.nextPacketID++
	if s.nextPacketID == 0 {
		s.nextPacketID = 1
	}
	return id
}

// ResolveTopicAlias maps an incoming v5 PUBLISH's (topic, alias) pair to the
// effective topic name. A non-empty topic with a nonzero alias establishes
// or overwrites the mapping; an empty topic requires an existing mapping.
// Returns ok=false when alias is 0, exceeds TopicAliasMax, or is unmapped
// with an empty topic.
func (s *Session) ResolveTopicAlias(aliasTopic string, alias uint16) (resolved string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if alias == 0 || alias > s.TopicAliasMax {
		return "", false
	}
	if aliasTopic != "" {
		s.topicAliasesIn[alias] = aliasTopic
		return aliasTopic, true
	}
	topicName, exists := s.topicAliasesIn[alias]
	return topicName, exists
}

// AssignOutboundAlias returns an existing alias for topic if one was
// already assigned to this connection, or allocates the next free one
// (bounded by TopicAliasMax) and returns assigned=true when a fresh
// mapping was created and must be sent with the full topic name once.
func (s *Session) AssignOutboundAlias(topicName string) (alias uint16, assigned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.TopicAliasMax == 0 {
		return 0, false
	}
	if existing, ok := s.topicAliasesOut[topicName]; ok {
		return existing, false
	}
	next := uint16(len(s.topicAliasesOut) + 1)
	if next > s.TopicAliasMax {
		return 0, false
	}
	s.topicAliasesOut[topicName] = next
	return next, true
}

// SeenQoS2 records an inbound QoS 2 pid/fingerprint pair, reporting whether
// this PUBLISH is a retransmission (already-seen pid) so handlers can skip
// re-routing it to subscribers while still re-acking with PUBREC.
func (s *Session) SeenQoS2(pid uint16, fingerprint string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := s.incomingQoS2.Seen(pid, now)
	s.qos2Fingerprints[pid] = fingerprint
	return seen
}

// CompleteQoS2 removes a pid's dedup entry once PUBREL/PUBCOMP has finished.
func (s *Session) CompleteQoS2(pid uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incomingQoS2.Complete(pid)
	delete(s.qos2Fingerprints, pid)
}

// BroadcastFor returns the BroadcastQueue for target, creating one bound to
// sink if this is the first delivery to that target from this session.
func (s *Session) BroadcastFor(target uint64, sink MailboxSink, maxDepth int) *BroadcastQueue {
	s.mu.Lock()
	defer s.mu.Unlock()

	bq, ok := s.broadcast[target]
	if !ok {
		bq = &BroadcastQueue{Sink: sink, MaxDepth: maxDepth}
		s.broadcast[target] = bq
	}
	return bq
}

// Clear discards all session state (subscriptions, pending, will, aliases),
// used when a clean-start CONNECT supersedes stored state.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions = make(map[string]*topic.Subscription)
	s.Will = nil
	s.topicAliasesIn = make(map[uint16]string)
	s.topicAliasesOut = make(map[string]uint16)
	s.qos2Fingerprints = make(map[uint16]string)
	s.broadcast = make(map[uint64]*BroadcastQueue)
	s.outgoing.Restore(nil)
}
