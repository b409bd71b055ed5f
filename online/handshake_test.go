package online

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axmq/broker/encoding"
	"github.com/axmq/broker/hook"
	"github.com/axmq/broker/network"
	"github.com/axmq/broker/session"
)

func newTestManager(t *testing.T) *session.Manager {
	t.Helper()
	return session.NewManager(session.ManagerConfig{
		Store: session.NewMemoryStore(),
		SessionCfg: session.Config{
			MaxInflight:     20,
			MaxInMemPending: 100,
			InflightTimeout: 30 * time.Second,
			MaxQoS2Dedup:    100,
		},
	})
}

func TestHandshakeAcceptsCleanSessionV311(t *testing.T) {
	manager := newTestManager(t)
	g := newTestGlobal()
	g.Config.AllowAnonymous = true
	registry := g.Registry
	dispatcher := hook.NewDispatcher(hook.NewManager())

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	conn := network.NewConnection(serverSide, "hs-1", nil)

	connectPkt := &encoding.ConnectPacket311{
		ProtocolName:    "MQTT",
		ProtocolVersion: encoding.ProtocolVersion311,
		CleanSession:    true,
		ClientID:        "handshake-client",
		KeepAlive:       30,
	}

	result := make(chan struct {
		loop *Loop
		err  error
	}, 1)
	go func() {
		loop, err := Handshake(context.Background(), conn, manager, registry, dispatcher, g)
		result <- struct {
			loop *Loop
			err  error
		}{loop, err}
	}()

	require.NoError(t, connectPkt.Encode(clientSide))

	fh, err := encoding.ParseFixedHeader(clientSide)
	require.NoError(t, err)
	require.Equal(t, encoding.CONNACK, fh.Type)
	body := make([]byte, fh.RemainingLength)
	_, err = readAtLeast(clientSide, body)
	require.NoError(t, err)
	assert.Equal(t, byte(0), body[0]) // no session present
	assert.Equal(t, encoding.ConnectAccepted311, body[1])

	select {
	case r := <-result:
		require.NoError(t, r.err)
		require.NotNil(t, r.loop)
		assert.Equal(t, "handshake-client", r.loop.Session.ClientIdentifier)
		_, ok := registry.Lookup("handshake-client")
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
}

func TestHandshakeRejectsAnonymousWhenDisallowed(t *testing.T) {
	manager := newTestManager(t)
	g := newTestGlobal()
	g.Config.AllowAnonymous = false
	registry := g.Registry
	dispatcher := hook.NewDispatcher(hook.NewManager())

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	conn := network.NewConnection(serverSide, "hs-2", nil)

	connectPkt := &encoding.ConnectPacket311{
		ProtocolName:    "MQTT",
		ProtocolVersion: encoding.ProtocolVersion311,
		CleanSession:    true,
		ClientID:        "anon-client",
		KeepAlive:       30,
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := Handshake(context.Background(), conn, manager, registry, dispatcher, g)
		errCh <- err
	}()

	require.NoError(t, connectPkt.Encode(clientSide))

	fh, err := encoding.ParseFixedHeader(clientSide)
	require.NoError(t, err)
	require.Equal(t, encoding.CONNACK, fh.Type)
	body := make([]byte, fh.RemainingLength)
	_, err = readAtLeast(clientSide, body)
	require.NoError(t, err)
	assert.Equal(t, encoding.ConnectRefusedNotAuthorized311, body[1])

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not return")
	}
	_, ok := registry.Lookup("anon-client")
	assert.False(t, ok)
}

func TestHandshakeRejectsNonConnectFirstPacket(t *testing.T) {
	manager := newTestManager(t)
	g := newTestGlobal()
	registry := g.Registry
	dispatcher := hook.NewDispatcher(hook.NewManager())

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	conn := network.NewConnection(serverSide, "hs-3", nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := Handshake(context.Background(), conn, manager, registry, dispatcher, g)
		errCh <- err
	}()

	require.NoError(t, (&encoding.PingreqPacket{}).Encode(clientSide))

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not return")
	}
}

func TestHandshakeGeneratesClientIDWhenEmpty(t *testing.T) {
	manager := newTestManager(t)
	g := newTestGlobal()
	g.Config.AllowAnonymous = true
	registry := g.Registry
	dispatcher := hook.NewDispatcher(hook.NewManager())

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	conn := network.NewConnection(serverSide, "hs-4", nil)

	connectPkt := &encoding.ConnectPacket311{
		ProtocolName:    "MQTT",
		ProtocolVersion: encoding.ProtocolVersion311,
		CleanSession:    true,
		ClientID:        "",
		KeepAlive:       30,
	}

	result := make(chan struct {
		loop *Loop
		err  error
	}, 1)
	go func() {
		loop, err := Handshake(context.Background(), conn, manager, registry, dispatcher, g)
		result <- struct {
			loop *Loop
			err  error
		}{loop, err}
	}()

	require.NoError(t, connectPkt.Encode(clientSide))

	fh, err := encoding.ParseFixedHeader(clientSide)
	require.NoError(t, err)
	body := make([]byte, fh.RemainingLength)
	_, err = readAtLeast(clientSide, body)
	require.NoError(t, err)

	select {
	case r := <-result:
		require.NoError(t, r.err)
		assert.NotEmpty(t, r.loop.Session.ClientIdentifier)
		assert.True(t, r.loop.Session.AssignedClientID)
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
}
