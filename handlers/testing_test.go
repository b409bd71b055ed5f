package handlers

import (
	"time"

	"github.com/axmq/broker/broker"
	"github.com/axmq/broker/config"
	"github.com/axmq/broker/session"
	"github.com/axmq/broker/store"
	"github.com/axmq/broker/topic"
)

func newTestGlobal() *Global {
	cfg := config.Default()
	return &Global{
		Router:   topic.NewRouter(),
		Retained: store.NewRetainedStore(),
		Registry: broker.NewRegistry(broker.Config{}),
		Config:   cfg,
		Matcher:  topic.NewTopicMatcher(),
	}
}

func newTestSession(version session.ProtocolVersion) *session.Session {
	return session.New("client-1", version, false, session.Config{
		MaxInflight:     20,
		MaxInMemPending: 100,
		InflightTimeout: 30 * time.Second,
		MaxQoS2Dedup:    100,
	})
}
