package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestRedisStoreIncrementSetsTTLOnce(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	got, err := store.Increment(ctx, "rate-limit:60:1:rule:a", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
	assert.Equal(t, 30*time.Second, mr.TTL("rate-limit:60:1:rule:a"))

	mr.FastForward(10 * time.Second)

	got, err = store.Increment(ctx, "rate-limit:60:1:rule:a", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)
	assert.Equal(t, 20*time.Second, mr.TTL("rate-limit:60:1:rule:a"))

	mr.FastForward(20 * time.Second)
	assert.False(t, mr.Exists("rate-limit:60:1:rule:a"))
}

func TestRedisStoreIncrementResetsCorruptValue(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("key", "not-a-number"))

	got, err := store.Increment(ctx, "key", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestRedisStoreGetSet(t *testing.T) {
	store, mr := newTestRedisStore(t)
	ctx := context.Background()

	val, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, val)

	require.NoError(t, store.Set(ctx, "key", 7, time.Minute))
	val, err = store.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, int64(7), val)

	require.NoError(t, mr.Set("corrupt", "\x00\x01"))
	val, err = store.Get(ctx, "corrupt")
	require.NoError(t, err)
	assert.Zero(t, val)
}

func TestRedisStoreConcurrentIncrement(t *testing.T) {
	store, _ := newTestRedisStore(t)
	ctx := context.Background()

	const workers = 100
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := store.Increment(ctx, "shared", time.Minute)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	val, err := store.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, int64(workers), val)
}

func TestRedisStoreUnavailable(t *testing.T) {
	store, mr := newTestRedisStore(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := store.Increment(ctx, "key", time.Minute)
	require.Error(t, err)
	require.Error(t, store.Ping(ctx))
}
