// Package broker implements the broker-wide routing fabric: the client
// registry (dense client ids, takeover, mailboxes) and, via the topic and
// store packages it wires together, subscription matching and retained
// message delivery. The per-connection state machine lives in session; the
// cooperative online/offline loop that drives a Registry lives in online.
package broker

import (
	"sync"

	"github.com/axmq/broker/session"
)

// ClientHandle is everything the registry and the online loop share about
// one logical client: its dense id, its Session, and the two mailboxes
// through which other goroutines talk to its loop.
type ClientHandle struct {
	ClientID   uint64
	Identifier string
	Session    *session.Session
	Mailbox    *Mailbox
	Control    chan ControlMessage
}

// Registry is the single-online-session-per-identifier client registry
// (spec.md §4.4's invariant). It hands out dense ClientIds and mediates
// takeover: registering an identifier that's already online signals the
// existing handle's control mailbox and returns a channel the caller can
// wait on before proceeding.
type Registry struct {
	mu             sync.RWMutex
	byIdentifier   map[string]*ClientHandle
	byID           map[uint64]*ClientHandle
	nextID         uint64
	mailboxDepth   int
	manager        *session.Manager
}

// Config bounds the registry's own resource use.
type Config struct {
	Manager      *session.Manager
	MailboxDepth int
}

// NewRegistry creates an empty registry. ClientId allocation starts at 1;
// 0 is reserved to mean "no client" in broadcast bookkeeping.
func NewRegistry(cfg Config) *Registry {
	depth := cfg.MailboxDepth
	if depth <= 0 {
		depth = 256
	}
	return &Registry{
		byIdentifier: make(map[string]*ClientHandle),
		byID:         make(map[uint64]*ClientHandle),
		nextID:       1,
		mailboxDepth: depth,
		manager:      cfg.Manager,
	}
}

// Register installs sess as the online handle for identifier. If another
// connection is already online under the same identifier, its control
// mailbox receives a ControlTakeover message and the returned evicted
// channel closes once that connection's online loop has torn down (or
// immediately, if the prior handle's control mailbox was already full and
// the signal could not be delivered — the caller should not block
// indefinitely on a peer that may be wedged).
func (r *Registry) Register(identifier string, sess *session.Session) (handle *ClientHandle, evicted <-chan struct{}, tookOver bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evictCh chan struct{}
	if existing, ok := r.byIdentifier[identifier]; ok {
		evictCh = make(chan struct{})
		select {
		case existing.Control <- ControlMessage{Kind: ControlTakeover, ReplyTo: evictCh}:
			tookOver = true
		default:
			close(evictCh)
		}
		delete(r.byID, existing.ClientID)
	}

	id := r.nextID
	r.nextID++
	sess.ClientID = id

	handle = &ClientHandle{
		ClientID:   id,
		Identifier: identifier,
		Session:    sess,
		Mailbox:    NewMailbox(r.mailboxDepth),
		Control:    NewControlMailbox(),
	}
	r.byIdentifier[identifier] = handle
	r.byID[id] = handle
	return handle, evictCh, tookOver
}

// Unregister removes a handle, but only if clientID still matches the
// currently registered one — a stale online loop tearing down after it has
// already been taken over must not clobber its successor's entry.
func (r *Registry) Unregister(identifier string, clientID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byIdentifier[identifier]
	if !ok || h.ClientID != clientID {
		return
	}
	delete(r.byIdentifier, identifier)
	delete(r.byID, clientID)
}

// Lookup finds a handle by protocol-level client identifier.
func (r *Registry) Lookup(identifier string) (*ClientHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byIdentifier[identifier]
	return h, ok
}

// LookupByID finds a handle by dense ClientId, used for broadcast delivery
// where a Session caches peers by id rather than by string identifier.
func (r *Registry) LookupByID(id uint64) (*ClientHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byID[id]
	return h, ok
}

// Count returns the number of clients currently online.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentifier)
}
