package online

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axmq/broker/broker"
	"github.com/axmq/broker/session"
)

func TestOfflineLoopTakeoverExitsWithoutExpiring(t *testing.T) {
	registry := broker.NewRegistry(broker.Config{})
	sess := newTestSession(session.MQTT311)
	handle, _, _ := registry.Register(sess.ClientIdentifier, sess)

	loop := NewOfflineLoop(sess, handle, registry)
	loop.ExpiryPoll = 10 * time.Millisecond

	done := make(chan struct{})
	go func() {
		loop.Run()
		close(done)
	}()

	evict := make(chan struct{})
	handle.Control <- broker.ControlMessage{Kind: broker.ControlTakeover, ReplyTo: evict}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("offline loop did not exit on takeover")
	}
	<-evict

	_, ok := registry.Lookup(sess.ClientIdentifier)
	assert.True(t, ok, "takeover must leave the registry entry for the new connection to claim")
}

func TestOfflineLoopControlCloseExpiresSession(t *testing.T) {
	registry := broker.NewRegistry(broker.Config{})
	sess := newTestSession(session.MQTT311)
	handle, _, _ := registry.Register(sess.ClientIdentifier, sess)

	loop := NewOfflineLoop(sess, handle, registry)
	loop.ExpiryPoll = 10 * time.Millisecond

	done := make(chan struct{})
	go func() {
		loop.Run()
		close(done)
	}()

	handle.Control <- broker.ControlMessage{Kind: broker.ControlClose}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("offline loop did not exit on close")
	}

	_, ok := registry.Lookup(sess.ClientIdentifier)
	assert.False(t, ok)
	assert.Equal(t, session.StateExpired, sess.State)
}

func TestOfflineLoopPollExpiresSessionOnItsOwn(t *testing.T) {
	registry := broker.NewRegistry(broker.Config{})
	sess := newTestSession(session.MQTT311)
	sess.CleanStart = true // clean-start sessions expire immediately once disconnected
	sess.SetDisconnected()
	handle, _, _ := registry.Register(sess.ClientIdentifier, sess)

	loop := NewOfflineLoop(sess, handle, registry)
	loop.ExpiryPoll = 5 * time.Millisecond

	done := make(chan struct{})
	go func() {
		loop.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("offline loop never noticed the clean-start session had expired")
	}

	_, ok := registry.Lookup(sess.ClientIdentifier)
	assert.False(t, ok)
}

func TestNewOfflineLoopDefaultsPollInterval(t *testing.T) {
	registry := broker.NewRegistry(broker.Config{})
	sess := newTestSession(session.MQTT311)
	handle, _, _ := registry.Register(sess.ClientIdentifier, sess)

	loop := NewOfflineLoop(sess, handle, registry)
	require.Equal(t, time.Second, loop.ExpiryPoll)
}
