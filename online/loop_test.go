package online

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axmq/broker/broker"
	"github.com/axmq/broker/config"
	"github.com/axmq/broker/encoding"
	"github.com/axmq/broker/handlers"
	"github.com/axmq/broker/hook"
	"github.com/axmq/broker/network"
	"github.com/axmq/broker/pending"
	"github.com/axmq/broker/session"
	"github.com/axmq/broker/store"
	"github.com/axmq/broker/topic"
)

func newTestGlobal() *handlers.Global {
	return &handlers.Global{
		Router:   topic.NewRouter(),
		Retained: store.NewRetainedStore(),
		Registry: broker.NewRegistry(broker.Config{}),
		Config:   config.Default(),
		Matcher:  topic.NewTopicMatcher(),
	}
}

func newTestSession(version session.ProtocolVersion) *session.Session {
	return session.New("loop-client", version, false, session.Config{
		MaxInflight:     20,
		MaxInMemPending: 100,
		InflightTimeout: 30 * time.Second,
		MaxQoS2Dedup:    100,
	})
}

func newTestLoop(t *testing.T, version session.ProtocolVersion) (*Loop, net.Conn) {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { _ = clientSide.Close() })

	conn := network.NewConnection(serverSide, "test-conn", nil)
	sess := newTestSession(version)
	g := newTestGlobal()
	registry := g.Registry
	handle, _, _ := registry.Register(sess.ClientIdentifier, sess)

	manager := hook.NewManager()
	dispatcher := hook.NewDispatcher(manager)

	loop := NewLoop(conn, sess, handle, g, dispatcher, registry)
	loop.ExpiryTick = time.Hour
	loop.KeepAliveTick = time.Hour
	return loop, clientSide
}

func readFull(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := readAtLeast(conn, buf)
	require.NoError(t, err)
	return buf
}

func readAtLeast(conn net.Conn, buf []byte) (int, error) {
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

func TestLoopPingreqRoundTrip(t *testing.T) {
	loop, client := newTestLoop(t, session.MQTT311)

	done := make(chan struct{})
	var willFires bool
	var runErr error
	go func() {
		willFires, runErr = loop.Run(context.Background())
		close(done)
	}()

	require.NoError(t, (&encoding.PingreqPacket{}).Encode(client))

	resp := readFull(t, client, 2)
	assert.Equal(t, byte(encoding.PINGRESP)<<4, resp[0])
	assert.Equal(t, byte(0), resp[1])

	require.NoError(t, (&encoding.DisconnectPacket311{}).Encode(client))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after DISCONNECT")
	}
	assert.ErrorIs(t, runErr, errNormalDisconnect)
	assert.False(t, willFires)
}

func TestLoopTakeoverSuppressesWill(t *testing.T) {
	loop, client := newTestLoop(t, session.MQTT311)
	_ = client

	done := make(chan struct{})
	var willFires bool
	var runErr error
	go func() {
		willFires, runErr = loop.Run(context.Background())
		close(done)
	}()

	evict := make(chan struct{})
	loop.Handle.Control <- broker.ControlMessage{Kind: broker.ControlTakeover, ReplyTo: evict}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after takeover")
	}
	<-evict
	assert.ErrorIs(t, runErr, errTakenOver)
	assert.False(t, willFires)
}

func TestLoopAdministrativeCloseKeepsWill(t *testing.T) {
	loop, client := newTestLoop(t, session.MQTT311)
	_ = client

	done := make(chan struct{})
	var willFires bool
	var runErr error
	go func() {
		willFires, runErr = loop.Run(context.Background())
		close(done)
	}()

	loop.Handle.Control <- broker.ControlMessage{Kind: broker.ControlClose}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after close")
	}
	assert.ErrorIs(t, runErr, errClosedByControl)
	assert.True(t, willFires)
}

func TestDrainOneOutboundWritesQueuedPublish(t *testing.T) {
	loop, client := newTestLoop(t, session.MQTT311)

	ok := loop.Handle.Mailbox.Enqueue(&session.OutboundPublish{Topic: "a/b", Payload: []byte("hi"), QoS: 0})
	require.True(t, ok)

	drained := make(chan struct{})
	go func() {
		for !loop.drainOneOutbound() {
		}
		close(drained)
	}()

	fh, err := encoding.ParseFixedHeader(client)
	require.NoError(t, err)
	assert.Equal(t, encoding.PUBLISH, fh.Type)

	body := make([]byte, fh.RemainingLength)
	_, err = readAtLeast(client, body)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(body, []byte("hi")))

	<-drained
}

func TestKeepAliveExpired(t *testing.T) {
	loop, _ := newTestLoop(t, session.MQTT311)

	loop.Session.KeepAlive = 0
	assert.False(t, loop.keepAliveExpired())

	loop.Session.KeepAlive = 1
	loop.Session.LastPacketAt = time.Now().Add(-10 * time.Second)
	assert.True(t, loop.keepAliveExpired())

	loop.Session.LastPacketAt = time.Now()
	assert.False(t, loop.keepAliveExpired())
}

func TestRetransmitExpiredResendsPublishWithDup(t *testing.T) {
	loop, client := newTestLoop(t, session.MQTT311)

	require.NoError(t, loop.Session.Pending().Push(&pending.Packet{
		PacketID: 7,
		Topic:    "retry/me",
		Payload:  []byte("payload"),
		QoS:      1,
		State:    pending.AwaitingAck,
	}, time.Now().Add(-time.Minute)))

	done := make(chan struct{})
	go func() {
		loop.retransmitExpired()
		close(done)
	}()

	fh, err := encoding.ParseFixedHeader(client)
	require.NoError(t, err)
	assert.Equal(t, encoding.PUBLISH, fh.Type)
	assert.True(t, fh.DUP)
	<-done
}

func TestRetransmitExpiredResendsPubrel(t *testing.T) {
	loop, client := newTestLoop(t, session.MQTT311)

	require.NoError(t, loop.Session.Pending().Push(&pending.Packet{
		PacketID: 9,
		Topic:    "retry/me",
		QoS:      2,
		State:    pending.AwaitingComp,
	}, time.Now().Add(-time.Minute)))

	done := make(chan struct{})
	go func() {
		loop.retransmitExpired()
		close(done)
	}()

	fh, err := encoding.ParseFixedHeader(client)
	require.NoError(t, err)
	assert.Equal(t, encoding.PUBREL, fh.Type)
	<-done
}

func TestDispatchAuthRejectsContinueWithoutReauth(t *testing.T) {
	loop, _ := newTestLoop(t, session.MQTT5)
	err := loop.dispatchAuth(&encoding.AuthPacket{ReasonCode: encoding.ReasonContinueAuthentication})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth")
}

func TestContextCancellationEndsLoop(t *testing.T) {
	loop, _ := newTestLoop(t, session.MQTT311)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var runErr error
	go func() {
		_, runErr = loop.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after context cancellation")
	}
	assert.ErrorIs(t, runErr, context.Canceled)
}
