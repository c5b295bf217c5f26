package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohammadhprp/ratelimiting/internal/counter"
)

// Kind identifies which list a rule belongs to.
type Kind int

const (
	KindSafelist Kind = iota + 1
	KindBlocklist
	KindThrottle
)

func (k Kind) String() string {
	switch k {
	case KindSafelist:
		return "safelist"
	case KindBlocklist:
		return "blocklist"
	case KindThrottle:
		return "throttle"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Rule functions. Each may block on I/O and must honor ctx.
type (
	Predicate         func(ctx context.Context, req *Request) (bool, error)
	LimitFunc         func(ctx context.Context, req *Request) (int64, error)
	PeriodFunc        func(ctx context.Context, req *Request) (time.Duration, error)
	DiscriminatorFunc func(ctx context.Context, req *Request) (string, error)
)

// Rule is a registered safelist, blocklist or throttle rule.
// The set of implementations is closed: *MatchRule and *ThrottleRule.
type Rule interface {
	Name() string
	Kind() Kind
	rule()
}

// MatchRule is a safelist or blocklist rule.
type MatchRule struct {
	name      string
	kind      Kind
	predicate Predicate
}

func (r *MatchRule) Name() string { return r.name }
func (r *MatchRule) Kind() Kind   { return r.kind }
func (r *MatchRule) rule()        {}

// Matches reports whether the rule's predicate holds for req.
func (r *MatchRule) Matches(ctx context.Context, req *Request) (bool, error) {
	return r.predicate(ctx, req)
}

// Counter is the windowed counter a throttle rule charges.
type Counter interface {
	Count(ctx context.Context, key string, period time.Duration) (int64, counter.Window, error)
}

// StoreError reports a counter store failure while evaluating a throttle rule.
type StoreError struct {
	Rule string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("throttle %q: counter store: %v", e.Rule, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreError reports whether err was caused by the counter store.
func IsStoreError(err error) bool {
	var storeErr *StoreError
	return errors.As(err, &storeErr)
}

// Hit is the result of evaluating a throttle rule against one request.
type Hit struct {
	// Applies is false when the discriminator was empty; nothing was counted.
	Applies       bool
	Discriminator string
	Count         int64
	Limit         int64
	Period        time.Duration
	Window        counter.Window
}

// Exceeded reports whether the hit went over the limit.
func (h Hit) Exceeded() bool {
	return h.Applies && h.Count > h.Limit
}

// ThrottleRule limits requests per discriminator within a fixed window.
type ThrottleRule struct {
	name          string
	limit         LimitFunc
	period        PeriodFunc
	discriminator DiscriminatorFunc
}

func (r *ThrottleRule) Name() string { return r.name }
func (r *ThrottleRule) Kind() Kind   { return KindThrottle }
func (r *ThrottleRule) rule()        {}

// Key returns the counter key for a discriminator.
func (r *ThrottleRule) Key(discriminator string) string {
	return r.name + ":" + discriminator
}

// Limit returns the rule's limit for req.
func (r *ThrottleRule) Limit(ctx context.Context, req *Request) (int64, error) {
	return r.limit(ctx, req)
}

// Period returns the rule's window length for req.
func (r *ThrottleRule) Period(ctx context.Context, req *Request) (time.Duration, error) {
	return r.period(ctx, req)
}

// Evaluate computes the discriminator and, when it is not empty, charges one
// hit to the rule's counter for the current window.
func (r *ThrottleRule) Evaluate(ctx context.Context, req *Request, c Counter) (Hit, error) {
	discriminator, err := r.discriminator(ctx, req)
	if err != nil {
		return Hit{}, fmt.Errorf("throttle %q: discriminator: %w", r.name, err)
	}
	if discriminator == "" {
		return Hit{}, nil
	}

	period, err := r.period(ctx, req)
	if err != nil {
		return Hit{}, fmt.Errorf("throttle %q: period: %w", r.name, err)
	}

	limit, err := r.limit(ctx, req)
	if err != nil {
		return Hit{}, fmt.Errorf("throttle %q: limit: %w", r.name, err)
	}
	if limit < 0 {
		return Hit{}, fmt.Errorf("throttle %q: limit %d: %w", r.name, limit, ErrInvalidLimit)
	}

	count, window, err := c.Count(ctx, r.Key(discriminator), period)
	if err != nil {
		if errors.Is(err, counter.ErrInvalidPeriod) {
			return Hit{}, fmt.Errorf("throttle %q: %w", r.name, err)
		}
		return Hit{}, &StoreError{Rule: r.name, Err: err}
	}

	return Hit{
		Applies:       true,
		Discriminator: discriminator,
		Count:         count,
		Limit:         limit,
		Period:        period,
		Window:        window,
	}, nil
}
