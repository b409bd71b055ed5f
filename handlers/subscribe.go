package handlers

import (
	"context"

	"github.com/axmq/broker/encoding"
	"github.com/axmq/broker/session"
	"github.com/axmq/broker/topic"
)

// HandleSubscribe installs each filter in req against the router and this
// session, then delivers matching retained messages per each filter's
// retain-handling option. clientID is the protocol-level identifier this
// session is registered under, needed to resolve its own mailbox for
// retained delivery and to key Router subscriptions.
func HandleSubscribe(ctx context.Context, sess *session.Session, req *SubscribeRequest, g *Global, clientID string) (*SubackResult, error) {
	result := &SubackResult{PacketID: req.PacketID}

	for _, f := range req.Filters {
		reason, existed := subscribeOne(sess, f, g, clientID, req.Identifier)
		result.ReasonCodes = append(result.ReasonCodes, reason)

		if reason >= 0x80 {
			continue
		}
		if f.RetainHandling == 2 || (f.RetainHandling == 1 && existed) {
			continue
		}
		deliverRetained(ctx, f.Filter, g, clientID)
	}

	return result, nil
}

func subscribeOne(sess *session.Session, f SubscribeFilter, g *Global, clientID string, identifier uint32) (encoding.ReasonCode, bool) {
	if topic.IsSharedSubscription(f.Filter) && !g.Config.SharedSubscriptionAvailable {
		return encoding.ReasonSharedSubscriptionsNotSupported, false
	}
	if !topic.IsSharedSubscription(f.Filter) {
		if err := topic.ValidateTopicFilter(f.Filter); err != nil {
			return encoding.ReasonTopicFilterInvalid, false
		}
	}

	_, existed := sess.GetSubscription(f.Filter)

	sub := &topic.Subscription{
		ClientID:               clientID,
		TopicFilter:            f.Filter,
		QoS:                    f.QoS,
		NoLocal:                f.NoLocal,
		RetainAsPublished:      f.RetainAsPublished,
		RetainHandling:         f.RetainHandling,
		SubscriptionIdentifier: identifier,
	}
	if err := g.Router.Subscribe(sub); err != nil {
		return encoding.ReasonTopicFilterInvalid, false
	}
	sess.AddSubscription(sub)

	switch f.QoS {
	case 2:
		return encoding.ReasonGrantedQoS2, existed
	case 1:
		return encoding.ReasonGrantedQoS1, existed
	default:
		return encoding.ReasonGrantedQoS0, existed
	}
}

func deliverRetained(ctx context.Context, filter string, g *Global, clientID string) {
	handle, ok := g.Registry.Lookup(clientID)
	if !ok {
		return
	}
	msgs, err := g.Retained.Match(ctx, filter, g.Matcher)
	if err != nil {
		return
	}
	for _, m := range msgs {
		handle.Mailbox.Enqueue(&session.OutboundPublish{
			Topic:            m.Topic,
			Payload:          m.Payload,
			QoS:              byte(m.QoS),
			Retain:           true,
			HasMessageExpiry: m.MessageExpirySet,
			MessageExpiry:    m.RemainingExpiry(),
		})
	}
}

// HandleUnsubscribe removes each filter in req from the router and session,
// returning per-filter reason codes (v3.1.1 callers ignore the codes since
// UNSUBACK carries none on that wire).
func HandleUnsubscribe(sess *session.Session, req *UnsubscribeRequest, g *Global, clientID string) (*UnsubackResult, error) {
	result := &UnsubackResult{PacketID: req.PacketID}
	for _, filter := range req.Filters {
		if g.Router.Unsubscribe(clientID, filter) {
			sess.RemoveSubscription(filter)
			result.ReasonCodes = append(result.ReasonCodes, encoding.ReasonSuccess)
		} else {
			result.ReasonCodes = append(result.ReasonCodes, encoding.ReasonNoSubscriptionExisted)
		}
	}
	return result, nil
}
