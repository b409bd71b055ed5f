package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager is the persistence-facing half of session recovery: it loads,
// creates and retires Sessions against a Store. Online/offline tracking and
// takeover live one layer up in broker.Registry; the connection handshake and
// the daemon call this Manager directly. No will-delay scheduling is done here.
type Manager struct {
	mu               sync.RWMutex
	store            Store
	activeSessions   map[string]*Session
	assignedIDPrefix string
	sessionCfg       Config
}

// ManagerConfig configures the session manager.
type ManagerConfig struct {
	Store            Store
	AssignedIDPrefix string
	SessionCfg       Config
}

// NewManager creates a new session manager.
func NewManager(config ManagerConfig) *Manager {
	if config.AssignedIDPrefix == "" {
		config.AssignedIDPrefix = "auto-"
	}

	return &Manager{
		store:            config.Store,
		activeSessions:   make(map[string]*Session),
		assignedIDPrefix: config.AssignedIDPrefix,
		sessionCfg:       config.SessionCfg,
	}
}

// CreateSession loads a stored session for clientID and resumes or clears
// it per clean-start semantics, or creates a fresh one if none is stored
// (or the stored one has already expired). The bool result reports
// session-present, as CONNACK must report it.
func (m *Manager) CreateSession(ctx context.Context, clientID string, cleanStart bool, expiryInterval uint32, version ProtocolVersion) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.store.Load(ctx, clientID)
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return nil, false, err
	}

	now := time.Now()
	if existing != nil && !existing.IsExpired(now) {
		sessionPresent := !cleanStart
		if cleanStart {
			existing.Clear()
			existing.CleanStart = true
		}
		existing.ExpiryInterval = expiryInterval
		existing.SetActive()

		m.activeSessions[clientID] = existing
		if err := m.store.Save(ctx, existing); err != nil {
			return nil, false, err
		}
		return existing, sessionPresent, nil
	}

	s := New(clientID, version, cleanStart, m.sessionCfg)
	s.ExpiryInterval = expiryInterval
	s.SetActive()
	m.activeSessions[clientID] = s

	if err := m.store.Save(ctx, s); err != nil {
		delete(m.activeSessions, clientID)
		return nil, false, err
	}
	return s, false, nil
}

// GetSession returns the in-memory active session if present, else loads it
// from the store.
func (m *Manager) GetSession(ctx context.Context, clientID string) (*Session, error) {
	m.mu.RLock()
	if s, ok := m.activeSessions[clientID]; ok {
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	return m.store.Load(ctx, clientID)
}

// DisconnectSession transitions a session to disconnected, persisting it
// unless it must be discarded immediately (clean-start, or an MQTT 5 session
// with zero expiry; a non-clean 3.1.1 session has no expiry and is kept).
func (m *Manager) DisconnectSession(ctx context.Context, clientID string) error {
	s, err := m.GetSession(ctx, clientID)
	if err != nil {
		return err
	}
	s.SetDisconnected()

	m.mu.Lock()
	delete(m.activeSessions, clientID)
	m.mu.Unlock()

	if s.CleanStart || (s.ExpiryInterval == 0 && s.ProtocolVersion == MQTT5) {
		return m.store.Delete(ctx, clientID)
	}
	return m.store.Save(ctx, s)
}

// RemoveSession deletes a session unconditionally, from both the active map
// and the store.
func (m *Manager) RemoveSession(ctx context.Context, clientID string) error {
	m.mu.Lock()
	delete(m.activeSessions, clientID)
	m.mu.Unlock()

	return m.store.Delete(ctx, clientID)
}

// GenerateClientID returns an unused server-assigned client identifier,
// retrying on collision. Built on google/uuid rather than raw crypto/rand
// hex, since an assigned identifier is presented back to the client on the
// wire (v5 Assigned-Client-Identifier) and benefits from a canonical form.
func (m *Manager) GenerateClientID(ctx context.Context) (string, error) {
	for i := 0; i < 10; i++ {
		clientID := m.assignedIDPrefix + uuid.NewString()

		exists, err := m.store.Exists(ctx, clientID)
		if err != nil {
			return "", err
		}
		if !exists {
			return clientID, nil
		}
	}
	return "", ErrSessionAlreadyExists
}

// Close releases the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// ActiveSessionCount returns the number of sessions currently tracked as
// active (online) in memory.
func (m *Manager) ActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.activeSessions)
}

// ListStored returns every client identifier with a persisted session,
// online or offline.
func (m *Manager) ListStored(ctx context.Context) ([]string, error) {
	return m.store.List(ctx)
}

// LoadStored loads a persisted session by client identifier, bypassing the
// active-session cache.
func (m *Manager) LoadStored(ctx context.Context, clientID string) (*Session, error) {
	return m.store.Load(ctx, clientID)
}

// DeleteStored removes a persisted session unconditionally.
func (m *Manager) DeleteStored(ctx context.Context, clientID string) error {
	return m.store.Delete(ctx, clientID)
}

// SaveStored persists a session's current state.
func (m *Manager) SaveStored(ctx context.Context, s *Session) error {
	return m.store.Save(ctx, s)
}
