//go:build integration

package session

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axmq/broker/topic"
)

func getRedisAddr() string {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	return addr
}

func setupRedis(t *testing.T) *redis.Options {
	opts := &redis.Options{Addr: getRedisAddr()}

	client := redis.NewClient(opts)
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available at %s: %v", opts.Addr, err)
	}
	return opts
}

func cleanupRedisSessions(store *RedisStore) {
	if store == nil {
		return
	}
	ctx := context.Background()
	keys, _ := store.List(ctx)
	for _, key := range keys {
		store.Delete(ctx, key)
	}
}

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	opts := setupRedis(t)
	store, err := NewRedisStore(RedisStoreConfig{
		Addr:       opts.Addr,
		SessionCfg: testConfig(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		cleanupRedisSessions(store)
		store.Close()
	})
	return store
}

func TestRedisStoreSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)

	s := New("c1", MQTT5, false, testConfig())
	s.ClientID = 42
	s.AddSubscription(&topic.Subscription{ClientID: "c1", TopicFilter: "a/b", QoS: 1})
	require.NoError(t, store.Save(ctx, s))

	got, err := store.Load(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), got.ClientID)

	sub, ok := got.GetSubscription("a/b")
	require.True(t, ok)
	assert.Equal(t, byte(1), sub.QoS)
}

func TestRedisStoreLoadNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)

	_, err := store.Load(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRedisStoreDeleteExists(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)

	s := New("c1", MQTT5, false, testConfig())
	require.NoError(t, store.Save(ctx, s))

	exists, err := store.Exists(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.Delete(ctx, "c1"))

	exists, err = store.Exists(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRedisStoreListAndCount(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)

	require.NoError(t, store.Save(ctx, New("c1", MQTT5, false, testConfig())))
	require.NoError(t, store.Save(ctx, New("c2", MQTT311, false, testConfig())))

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1", "c2"}, ids)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRedisStoreCountByState(t *testing.T) {
	ctx := context.Background()
	store := newTestRedisStore(t)

	active := New("c1", MQTT5, false, testConfig())
	active.SetActive()
	require.NoError(t, store.Save(ctx, active))

	disconnected := New("c2", MQTT5, false, testConfig())
	disconnected.SetDisconnected()
	require.NoError(t, store.Save(ctx, disconnected))

	count, err := store.CountByState(ctx, StateActive)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
