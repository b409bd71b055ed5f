package broker

import "github.com/cockroachdb/errors"

var (
	// ErrClientNotFound is returned when a lookup misses the registry.
	ErrClientNotFound = errors.New("broker: client not found")
	// ErrVersionMismatch is the cause online.Handshake reports when
	// AllowCrossVersionTakeover is false and a reconnect arrives on a
	// different protocol version than the session it would take over.
	ErrVersionMismatch = errors.New("broker: cross-version takeover not allowed")
)
