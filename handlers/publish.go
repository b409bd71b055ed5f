package handlers

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/axmq/broker/brokererr"
	"github.com/axmq/broker/encoding"
	"github.com/axmq/broker/pending"
	"github.com/axmq/broker/session"
	"github.com/axmq/broker/topic"
	"github.com/axmq/broker/types/message"
)

// fingerprint hashes a publish's topic and payload so a retransmitted QoS 2
// PUBLISH carrying the same packet id can still be told apart from a reused
// id for different content, matching the teacher's app-level dup checks
// rather than trusting the wire id alone.
func fingerprint(topicName string, payload []byte) string {
	h := fnv.New64a()
	h.Write([]byte(topicName))
	h.Write(payload)
	return string(h.Sum(nil))
}

// HandlePublish routes an inbound PUBLISH to matching subscribers and
// reports the ack the publisher's online loop should send. publisherID is
// the protocol-level identifier of the publishing session, used for
// NoLocal filtering.
func HandlePublish(ctx context.Context, sess *session.Session, req *PublishRequest, g *Global, publisherID string) (*PublishResult, error) {
	topicName := req.Topic

	if req.HasTopicAlias {
		resolved, ok := sess.ResolveTopicAlias(topicName, req.TopicAlias)
		if !ok {
			return nil, brokererr.Semantic(encoding.ReasonTopicAliasInvalid, nil, "publish: unknown or out-of-range topic alias")
		}
		topicName = resolved
	}

	if err := topic.ValidateTopic(topicName); err != nil {
		return nil, brokererr.Semantic(encoding.ReasonTopicNameInvalid, err, "publish: invalid topic name")
	}

	result := &PublishResult{AckPacketID: req.PacketID}

	now := time.Now()
	isRetransmit := false
	if req.QoS == 2 {
		isRetransmit = sess.SeenQoS2(req.PacketID, fingerprint(topicName, req.Payload), now)
	}

	if req.Retain {
		if !g.Config.RetainAvailable {
			return nil, brokererr.Policy(encoding.ReasonRetainNotSupported, nil, "publish: retain disabled")
		}
		msg := message.NewMessage(req.PacketID, topicName, req.Payload, encoding.QoS(req.QoS), true, req.Properties)
		if req.HasMessageExpiry {
			msg.MessageExpirySet = true
			msg.ExpiryInterval = req.MessageExpiry
		}
		if err := g.Retained.Set(ctx, topicName, msg); err != nil {
			return nil, brokererr.InternalErr(err, "publish: retained store set")
		}
	}

	if !isRetransmit {
		subscribers := g.Router.MatchWithPublisher(topicName, publisherID)
		for _, sub := range subscribers {
			if deliverToSubscriber(sess, sub, topicName, req, g) {
				result.Delivered++
			}
		}
	}

	switch req.QoS {
	case 1:
		result.SendPuback = true
		result.AckReason = encoding.ReasonSuccess
		if result.Delivered == 0 && !isRetransmit {
			result.AckReason = encoding.ReasonNoMatchingSubscribers
		}
	case 2:
		result.SendPubrec = true
		result.AckReason = encoding.ReasonSuccess
	}

	return result, nil
}

// deliverToSubscriber pushes one copy of a publish into sub's session
// mailbox, downgrading QoS to the minimum of the publish and the
// subscription, and tracking an outbound pending entry for QoS 1/2.
func deliverToSubscriber(publisher *session.Session, sub topic.SubscriberInfo, topicName string, req *PublishRequest, g *Global) bool {
	handle, ok := g.Registry.Lookup(sub.ClientID)
	if !ok {
		return false
	}

	effectiveQoS := req.QoS
	if sub.QoS < effectiveQoS {
		effectiveQoS = sub.QoS
	}

	retain := req.Retain && sub.RetainAsPublished

	out := &session.OutboundPublish{
		Topic:      topicName,
		Payload:    req.Payload,
		QoS:        effectiveQoS,
		Retain:     retain,
		Properties: req.Properties,
	}
	if sub.SubscriptionIdentifier != 0 {
		out.SubscriptionIdentifier = sub.SubscriptionIdentifier
	}
	if req.HasMessageExpiry {
		out.HasMessageExpiry = true
		out.MessageExpiry = req.MessageExpiry
	}

	if effectiveQoS > 0 {
		pid := handle.Session.NextPacketID()
		state := pending.AwaitingAck
		if effectiveQoS == 2 {
			state = pending.AwaitingRec
		}
		_ = handle.Session.Pending().Push(&pending.Packet{
			PacketID: pid,
			Topic:    topicName,
			Payload:  req.Payload,
			QoS:      effectiveQoS,
			Retain:   retain,
			State:    state,
		}, time.Now())
	}

	return handle.Mailbox.Enqueue(out)
}

// HandlePuback completes an outbound QoS 1 delivery.
func HandlePuback(sess *session.Session, packetID uint16) error {
	_, err := sess.Pending().Ack(packetID, pending.AckPuback)
	if err != nil {
		return brokererr.Semantic(encoding.ReasonPacketIdentifierNotFound, err, "puback: unknown packet id")
	}
	return nil
}

// PubrelToSend is returned by HandlePubrec, naming the PUBREL the online
// loop must send next to advance the outbound QoS 2 handshake.
type PubrelToSend struct {
	PacketID uint16
}

// HandlePubrec advances an outbound QoS 2 delivery from awaiting-rec to
// awaiting-comp and reports the PUBREL to send in reply.
func HandlePubrec(sess *session.Session, packetID uint16) (*PubrelToSend, error) {
	_, err := sess.Pending().Ack(packetID, pending.AckPubrec)
	if err != nil {
		return nil, brokererr.Semantic(encoding.ReasonPacketIdentifierNotFound, err, "pubrec: unknown packet id")
	}
	return &PubrelToSend{PacketID: packetID}, nil
}

// PubcompToSend is returned by HandlePubrel for an inbound QoS 2 publish,
// naming the PUBCOMP to send to close out that exchange.
type PubcompToSend struct {
	PacketID uint16
}

// HandlePubrel completes the inbound half of a QoS 2 exchange: the
// publisher has acknowledged receipt of our PUBREC with a PUBREL, so the
// dedup entry (which suppressed re-routing of retransmitted PUBLISHes) can
// be dropped, and a PUBCOMP sent back.
func HandlePubrel(sess *session.Session, packetID uint16) (*PubcompToSend, error) {
	sess.CompleteQoS2(packetID)
	return &PubcompToSend{PacketID: packetID}, nil
}

// HandlePubcomp completes an outbound QoS 2 delivery.
func HandlePubcomp(sess *session.Session, packetID uint16) error {
	_, err := sess.Pending().Ack(packetID, pending.AckPubcomp)
	if err != nil {
		return brokererr.Semantic(encoding.ReasonPacketIdentifierNotFound, err, "pubcomp: unknown packet id")
	}
	return nil
}
