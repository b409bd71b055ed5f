package hook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchConnectAuthenticateAllowed(t *testing.T) {
	manager := NewManager()
	basic := NewBasicAuthHook()
	basic.AddUser("alice", "secret")
	require.NoError(t, manager.Add(basic))

	d := NewDispatcher(manager)
	req := &Request{
		Kind:    ReqConnectAuthenticate,
		Token:   IssueToken("alice", CapConnect),
		Client:  &Client{ID: "alice"},
		Connect: &ConnectPacket{Username: "alice", Password: []byte("secret")},
	}

	reply := <-d.Dispatch(req)
	require.NoError(t, reply.Err)
	assert.True(t, reply.Allowed)
}

func TestDispatchConnectAuthenticateDenied(t *testing.T) {
	manager := NewManager()
	basic := NewBasicAuthHook()
	basic.AddUser("alice", "secret")
	require.NoError(t, manager.Add(basic))

	d := NewDispatcher(manager)
	req := &Request{
		Kind:    ReqConnectAuthenticate,
		Token:   IssueToken("alice", CapConnect),
		Client:  &Client{ID: "alice"},
		Connect: &ConnectPacket{Username: "alice", Password: []byte("wrong")},
	}

	reply := <-d.Dispatch(req)
	require.NoError(t, reply.Err)
	assert.False(t, reply.Allowed)
}

func TestDispatchRejectsRequestOutsideGrantedCapability(t *testing.T) {
	manager := NewManager()
	d := NewDispatcher(manager)

	req := &Request{
		Kind:   ReqOnPublish,
		Token:  IssueToken("bob", CapConnect), // no CapPublish granted
		Client: &Client{ID: "bob"},
		Publish: &PublishPacket{
			TopicName: "a/b",
		},
	}

	reply := <-d.Dispatch(req)
	assert.ErrorIs(t, reply.Err, ErrCapabilityDenied)
}

func TestDispatchUnknownRequestKind(t *testing.T) {
	manager := NewManager()
	d := NewDispatcher(manager)

	reply := <-d.Dispatch(&Request{Kind: RequestKind(255), Token: IssueToken("c", CapConnect | CapPublish | CapSubscribe | CapACL)})
	assert.ErrorIs(t, reply.Err, ErrUnknownRequestKind)
}

func TestDispatchACLCheck(t *testing.T) {
	manager := NewManager()
	d := NewDispatcher(manager)

	req := &Request{
		Kind:   ReqACLCheck,
		Token:  IssueToken("alice", CapACL),
		Client: &Client{ID: "alice"},
		Topic:  "devices/+/status",
		Access: AccessType(0),
	}

	reply := <-d.Dispatch(req)
	require.NoError(t, reply.Err)
	assert.True(t, reply.Allowed) // no ACL hooks registered, Manager defaults to allow
}

func TestCapabilityAllows(t *testing.T) {
	granted := CapConnect | CapPublish
	assert.True(t, granted.Allows(CapConnect))
	assert.True(t, granted.Allows(CapPublish))
	assert.False(t, granted.Allows(CapSubscribe))
	assert.False(t, granted.Allows(CapConnect|CapACL))
}

func TestDispatchConcurrentRequestsDoNotBlockEachOther(t *testing.T) {
	manager := NewManager()
	d := NewDispatcher(manager)

	const n = 20
	replies := make([]<-chan *Reply, n)
	for i := 0; i < n; i++ {
		replies[i] = d.Dispatch(&Request{
			Kind:   ReqOnConnect,
			Token:  IssueToken("many", CapConnect),
			Client: &Client{ID: "many"},
			Connect: &ConnectPacket{
				Username: "many",
			},
		})
	}
	for i := 0; i < n; i++ {
		reply := <-replies[i]
		require.NoError(t, reply.Err)
	}
}
