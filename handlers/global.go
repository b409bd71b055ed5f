package handlers

import (
	"github.com/axmq/broker/broker"
	"github.com/axmq/broker/config"
	"github.com/axmq/broker/hook"
	"github.com/axmq/broker/metrics"
	"github.com/axmq/broker/store"
	"github.com/axmq/broker/topic"
)

// Global bundles the broker-wide collaborators a handler needs beyond the
// session it was invoked for: the subscription trie, the retained-message
// store, the client registry (for cross-session delivery), metrics, and
// the policy knobs from config.Config. One Global is shared read-mostly
// across every connection's online loop.
type Global struct {
	Router   *topic.Router
	Retained *store.RetainedStore
	Registry *broker.Registry
	Metrics  *metrics.Metrics
	Config   config.Config
	Matcher  *topic.TopicMatcher

	// Scram resolves usernames for MQTT 5 extended authentication; nil
	// disables SCRAM-SHA-256 entirely and a CONNECT naming it as its
	// AuthMethod is rejected with BadAuthenticationMethod.
	Scram hook.ScramCredentialStore
}
