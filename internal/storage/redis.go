package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript increments a counter and fixes its TTL on first use in a
// single server-side step. A value INCR rejects (corrupt entry) is reset so the
// window starts over at 1.
var incrementScript = redis.NewScript(`
local count = redis.pcall('INCR', KEYS[1])
if type(count) ~= 'number' then
  redis.call('SET', KEYS[1], 1)
  count = 1
end
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// RedisStore implements Store using Redis
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStoreWithClient creates a new Redis store with an existing client
func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Increment increments the counter for the given key
func (s *RedisStore) Increment(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	ttl := expiration.Milliseconds()
	if ttl < 1 {
		ttl = 1
	}

	count, err := incrementScript.Run(ctx, s.client, []string{key}, ttl).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment key: %w", err)
	}

	return count, nil
}

// Get retrieves the current value for the given key
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get key: %w", err)
	}

	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, nil
	}
	return count, nil
}

// Set sets the value for the given key with expiration
func (s *RedisStore) Set(ctx context.Context, key string, value int64, expiration time.Duration) error {
	if err := s.client.Set(ctx, key, value, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// Ping checks if the storage is accessible
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close closes the storage connection
func (s *RedisStore) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("failed to close redis connection: %w", err)
	}
	return nil
}

// Client returns the underlying Redis client
func (s *RedisStore) Client() redis.UniversalClient {
	return s.client
}
