package session

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/axmq/broker/store"
)

// RedisStore is a Redis-backed implementation of Store, built on the
// package-level generic store.RedisStore.
type RedisStore struct {
	inner *store.RedisStore[sessionData]
	cfg   Config
}

// RedisStoreConfig configures the Redis store.
type RedisStoreConfig struct {
	Addr       string
	Password   string
	DB         int
	TTL        time.Duration
	Options    *redis.Options
	SessionCfg Config
}

// NewRedisStore creates a new Redis-backed session store.
func NewRedisStore(config RedisStoreConfig) (*RedisStore, error) {
	inner, err := store.NewRedisStore[sessionData](store.RedisStoreConfig{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		Prefix:   "session:",
		TTL:      config.TTL,
		Options:  config.Options,
	})
	if err != nil {
		return nil, err
	}
	return &RedisStore{inner: inner, cfg: config.SessionCfg}, nil
}

func (r *RedisStore) Save(ctx context.Context, s *Session) error {
	return r.inner.Save(ctx, s.ClientIdentifier, *sessionToData(s))
}

func (r *RedisStore) Load(ctx context.Context, clientID string) (*Session, error) {
	data, err := r.inner.Load(ctx, clientID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return dataToSession(&data, r.cfg), nil
}

func (r *RedisStore) Delete(ctx context.Context, clientID string) error {
	return r.inner.Delete(ctx, clientID)
}

func (r *RedisStore) Exists(ctx context.Context, clientID string) (bool, error) {
	return r.inner.Exists(ctx, clientID)
}

func (r *RedisStore) List(ctx context.Context) ([]string, error) {
	return r.inner.List(ctx)
}

func (r *RedisStore) Close() error {
	return r.inner.Close()
}

func (r *RedisStore) Count(ctx context.Context) (int64, error) {
	return r.inner.Count(ctx)
}

// CountByState returns the number of persisted sessions in a given state.
func (r *RedisStore) CountByState(ctx context.Context, state State) (int64, error) {
	clientIDs, err := r.inner.List(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	for _, id := range clientIDs {
		data, err := r.inner.Load(ctx, id)
		if err != nil {
			continue
		}
		if data.State == state {
			count++
		}
	}
	return count, nil
}
