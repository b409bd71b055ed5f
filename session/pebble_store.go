package session

import (
	"context"
	"errors"

	"github.com/cockroachdb/pebble"

	"github.com/axmq/broker/store"
)

// PebbleStore is a Pebble-backed implementation of Store, built on the
// package-level generic store.PebbleStore so the cbor-over-pebble wiring
// lives in one place.
type PebbleStore struct {
	inner *store.PebbleStore[sessionData]
	cfg   Config
}

// PebbleStoreConfig configures the Pebble store.
type PebbleStoreConfig struct {
	Path      string
	Opts      *pebble.Options
	SessionCfg Config
}

// NewPebbleStore creates a new Pebble-backed session store.
func NewPebbleStore(config PebbleStoreConfig) (*PebbleStore, error) {
	inner, err := store.NewPebbleStore[sessionData](store.PebbleStoreConfig{
		Path:   config.Path,
		Prefix: "session:",
		Opts:   config.Opts,
	})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{inner: inner, cfg: config.SessionCfg}, nil
}

func (p *PebbleStore) Save(ctx context.Context, s *Session) error {
	return p.inner.Save(ctx, s.ClientIdentifier, *sessionToData(s))
}

func (p *PebbleStore) Load(ctx context.Context, clientID string) (*Session, error) {
	data, err := p.inner.Load(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return dataToSession(&data, p.cfg), nil
}

func (p *PebbleStore) Delete(ctx context.Context, clientID string) error {
	return p.inner.Delete(ctx, clientID)
}

func (p *PebbleStore) Exists(ctx context.Context, clientID string) (bool, error) {
	return p.inner.Exists(ctx, clientID)
}

func (p *PebbleStore) List(ctx context.Context) ([]string, error) {
	return p.inner.List(ctx)
}

func (p *PebbleStore) Close() error {
	return p.inner.Close()
}

// Count returns the total number of persisted sessions.
func (p *PebbleStore) Count(ctx context.Context) (int64, error) {
	return p.inner.Count(ctx)
}

// CountByState returns the number of persisted sessions in a given state.
// Pebble has no secondary index on state, so this scans every key.
func (p *PebbleStore) CountByState(ctx context.Context, state State) (int64, error) {
	clientIDs, err := p.inner.List(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	for _, id := range clientIDs {
		data, err := p.inner.Load(ctx, id)
		if err != nil {
			continue
		}
		if data.State == state {
			count++
		}
	}
	return count, nil
}
