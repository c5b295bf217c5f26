// Package counter implements the fixed-window request counter that backs
// throttle rules.
//
// Time is split into aligned windows of a whole number of seconds. All
// increments for the same key inside one window land on a single store entry
// whose TTL ends exactly at the window boundary, so entries are never deleted
// explicitly. The increment itself is delegated to the store's atomic
// primitive; the counter never performs a separate read and write.
package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohammadhprp/ratelimiting/internal/storage"
)

// KeyPrefix is the namespace tag of every counter entry.
const KeyPrefix = "rate-limit"

// ErrInvalidPeriod is returned for periods that are zero or negative.
var ErrInvalidPeriod = errors.New("period must be greater than 0")

// Window describes the aligned window a moment in time falls into.
type Window struct {
	// Seconds is the window length in whole seconds.
	Seconds int64
	// Index is the number of whole windows since the Unix epoch.
	Index int64
	// ExpiresIn is the time left until the window boundary.
	ExpiresIn time.Duration
	// ResetAt is the start of the next window.
	ResetAt time.Time
}

// Key returns the store key for key within this window.
func (w Window) Key(key string) string {
	return fmt.Sprintf("%s:%d:%d:%s", KeyPrefix, w.Seconds, w.Index, key)
}

// NewWindow computes the window of the given period containing now.
// Periods shorter than a second are treated as one second.
func NewWindow(now time.Time, period time.Duration) (Window, error) {
	if period <= 0 {
		return Window{}, ErrInvalidPeriod
	}

	periodSeconds := int64(period / time.Second)
	if periodSeconds < 1 {
		periodSeconds = 1
	}

	nowSeconds := now.Unix()
	index := nowSeconds / periodSeconds
	expiresIn := periodSeconds - nowSeconds%periodSeconds

	return Window{
		Seconds:   periodSeconds,
		Index:     index,
		ExpiresIn: time.Duration(expiresIn) * time.Second,
		ResetAt:   time.Unix((index+1)*periodSeconds, 0).UTC(),
	}, nil
}

// Counter counts requests per key in fixed windows.
type Counter struct {
	store storage.Store
	now   func() time.Time
}

// Option configures a Counter.
type Option func(*Counter)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Counter) {
		c.now = now
	}
}

// New creates a Counter on top of store.
func New(store storage.Store, opts ...Option) *Counter {
	c := &Counter{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Window returns the current window for period.
func (c *Counter) Window(period time.Duration) (Window, error) {
	return NewWindow(c.now(), period)
}

// Count records one hit for key in the current window of period and returns
// the number of hits observed in that window, including this one.
func (c *Counter) Count(ctx context.Context, key string, period time.Duration) (int64, Window, error) {
	w, err := c.Window(period)
	if err != nil {
		return 0, Window{}, err
	}

	count, err := c.store.Increment(ctx, w.Key(key), w.ExpiresIn)
	if err != nil {
		return 0, w, fmt.Errorf("increment %q: %w", key, err)
	}

	return count, w, nil
}

// Peek returns the number of hits recorded for key in the current window of
// period without recording a new one.
func (c *Counter) Peek(ctx context.Context, key string, period time.Duration) (int64, Window, error) {
	w, err := c.Window(period)
	if err != nil {
		return 0, Window{}, err
	}

	count, err := c.store.Get(ctx, w.Key(key))
	if err != nil {
		return 0, w, fmt.Errorf("get %q: %w", key, err)
	}

	return count, w, nil
}
