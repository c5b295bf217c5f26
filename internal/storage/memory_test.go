package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestMemoryStore(t *testing.T) (*MemoryStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	ms := newMemoryStore(clock.Now, time.Hour)
	t.Cleanup(func() { _ = ms.Close() })
	return ms, clock
}

func TestMemoryStoreIncrement(t *testing.T) {
	ms, _ := newTestMemoryStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := ms.Increment(ctx, "counter", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	val, err := ms.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(3), val)
}

func TestMemoryStoreIncrementKeepsFirstExpiration(t *testing.T) {
	ms, clock := newTestMemoryStore(t)
	ctx := context.Background()

	_, err := ms.Increment(ctx, "counter", 10*time.Second)
	require.NoError(t, err)

	clock.Advance(6 * time.Second)
	got, err := ms.Increment(ctx, "counter", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)

	// The second increment must not have pushed the deadline out.
	clock.Advance(5 * time.Second)
	got, err = ms.Increment(ctx, "counter", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestMemoryStoreGetMissingAndExpired(t *testing.T) {
	ms, clock := newTestMemoryStore(t)
	ctx := context.Background()

	val, err := ms.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, val)

	require.NoError(t, ms.Set(ctx, "key", 42, time.Second))
	val, err = ms.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, int64(42), val)

	clock.Advance(time.Second)
	val, err = ms.Get(ctx, "key")
	require.NoError(t, err)
	assert.Zero(t, val)
}

func TestMemoryStoreCorruptValueCountsAsZero(t *testing.T) {
	ms, _ := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, ms.SetRaw(ctx, "key", []byte{0x01, 0x02, 0x03}, time.Minute))

	val, err := ms.Get(ctx, "key")
	require.NoError(t, err)
	assert.Zero(t, val)

	got, err := ms.Increment(ctx, "key", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestMemoryStoreLegacyFourByteValue(t *testing.T) {
	ms, _ := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, ms.SetRaw(ctx, "key", []byte{0x07, 0x00, 0x00, 0x00}, time.Minute))

	got, err := ms.Increment(ctx, "key", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(8), got)
}

func TestMemoryStoreConcurrentIncrement(t *testing.T) {
	ms, _ := newTestMemoryStore(t)
	ctx := context.Background()

	const workers = 200
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, err := ms.Increment(ctx, "shared", time.Minute)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	val, err := ms.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, int64(workers), val)
}

func TestMemoryStoreCanceledContext(t *testing.T) {
	ms, _ := newTestMemoryStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ms.Increment(ctx, "key", time.Minute)
	require.ErrorIs(t, err, context.Canceled)

	val, err := ms.Get(context.Background(), "key")
	require.NoError(t, err)
	assert.Zero(t, val)
}

func TestMemoryStoreRemoveExpiredKeys(t *testing.T) {
	ms, clock := newTestMemoryStore(t)
	ctx := context.Background()

	require.NoError(t, ms.Set(ctx, "short", 1, time.Second))
	require.NoError(t, ms.Set(ctx, "long", 1, time.Hour))

	clock.Advance(2 * time.Second)
	ms.removeExpiredKeys()

	ms.mu.Lock()
	defer ms.mu.Unlock()
	assert.NotContains(t, ms.data, "short")
	assert.Contains(t, ms.data, "long")
}

func TestMemoryStorePingAndClose(t *testing.T) {
	ms, _ := newTestMemoryStore(t)

	require.NoError(t, ms.Ping(context.Background()))
	require.NoError(t, ms.Close())
	require.NoError(t, ms.Close())
}

func TestDecodeCount(t *testing.T) {
	assert.Equal(t, int64(5), DecodeCount(EncodeCount(5)))
	assert.Equal(t, int64(1<<40), DecodeCount(EncodeCount(1<<40)))
	assert.Zero(t, DecodeCount(nil))
	assert.Zero(t, DecodeCount([]byte("garbage!!")))
}
