package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory. Counters are kept in the
// same binary encoding a byte-oriented cache would hold, so decoding and
// corruption handling match the distributed backends. It does not share state
// across instances and is meant for tests and single-instance deployments.
type MemoryStore struct {
	mu       sync.Mutex
	data     map[string]*storageValue
	now      func() time.Time
	stopChan chan struct{}
	stopOnce sync.Once
}

// storageValue represents an encoded counter with expiration
type storageValue struct {
	value      []byte
	expiration time.Time
}

func (v *storageValue) expired(now time.Time) bool {
	return !v.expiration.IsZero() && !now.Before(v.expiration)
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return newMemoryStore(time.Now, 100*time.Millisecond)
}

func newMemoryStore(now func() time.Time, cleanupInterval time.Duration) *MemoryStore {
	ms := &MemoryStore{
		data:     make(map[string]*storageValue),
		now:      now,
		stopChan: make(chan struct{}),
	}

	// Start a goroutine to clean up expired keys
	go ms.cleanupExpiredKeys(cleanupInterval)

	return ms
}

// cleanupExpiredKeys periodically removes expired keys
func (ms *MemoryStore) cleanupExpiredKeys(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ms.removeExpiredKeys()
		case <-ms.stopChan:
			return
		}
	}
}

// removeExpiredKeys removes all expired keys from storage
func (ms *MemoryStore) removeExpiredKeys() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	for key, val := range ms.data {
		if val.expired(now) {
			delete(ms.data, key)
		}
	}
}

// Increment increments the counter for the given key
func (ms *MemoryStore) Increment(ctx context.Context, key string, expiration time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	val, exists := ms.data[key]
	if !exists || val.expired(now) {
		val = &storageValue{}
		ms.data[key] = val
	}

	current := DecodeCount(val.value)
	if current < 0 {
		current = 0
	}
	current++
	val.value = EncodeCount(current)

	if val.expiration.IsZero() && expiration > 0 {
		val.expiration = now.Add(expiration)
	}

	return current, nil
}

// Get retrieves the current value for the given key
func (ms *MemoryStore) Get(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	val, exists := ms.data[key]
	if !exists || val.expired(ms.now()) {
		return 0, nil
	}

	return DecodeCount(val.value), nil
}

// Set sets the value for the given key with expiration
func (ms *MemoryStore) Set(ctx context.Context, key string, value int64, expiration time.Duration) error {
	return ms.SetRaw(ctx, key, EncodeCount(value), expiration)
}

// SetRaw stores raw bytes under key. It exists so callers can seed entries
// written by other encoders.
func (ms *MemoryStore) SetRaw(ctx context.Context, key string, value []byte, expiration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	entry := &storageValue{value: append([]byte(nil), value...)}
	if expiration > 0 {
		entry.expiration = ms.now().Add(expiration)
	}
	ms.data[key] = entry

	return nil
}

// Ping checks if the storage is accessible
func (ms *MemoryStore) Ping(ctx context.Context) error {
	// In-memory storage is always accessible
	return nil
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (ms *MemoryStore) Close() error {
	ms.stopOnce.Do(func() {
		close(ms.stopChan)
	})
	return nil
}
