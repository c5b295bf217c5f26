package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/mohammadhprp/ratelimiting/internal/counter"
)

// Registration errors.
var (
	ErrEmptyName    = errors.New("rule name is required")
	ErrNilFunc      = errors.New("rule function must not be nil")
	ErrInvalidLimit = errors.New("limit must not be negative")
)

// Builder collects rules during setup. Registration order is evaluation
// order. A Builder is not safe for concurrent use; call Build once setup is
// complete and hand the resulting Registry to the pipeline.
type Builder struct {
	safelists  []*MatchRule
	blocklists []*MatchRule
	throttles  []*ThrottleRule
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Safelist registers a rule that lets matching requests through
// unconditionally.
func (b *Builder) Safelist(name string, predicate Predicate) error {
	r, err := newMatchRule(name, KindSafelist, predicate)
	if err != nil {
		return err
	}
	b.safelists = append(b.safelists, r)
	return nil
}

// Blocklist registers a rule that rejects matching requests.
func (b *Builder) Blocklist(name string, predicate Predicate) error {
	r, err := newMatchRule(name, KindBlocklist, predicate)
	if err != nil {
		return err
	}
	b.blocklists = append(b.blocklists, r)
	return nil
}

// Throttle registers a rate limit. Requests sharing a discriminator share a
// counter; an empty discriminator exempts the request from the rule.
func (b *Builder) Throttle(name string, limit LimitFunc, period PeriodFunc, discriminator DiscriminatorFunc) error {
	if name == "" {
		return ErrEmptyName
	}
	if limit == nil || period == nil || discriminator == nil {
		return fmt.Errorf("throttle %q: %w", name, ErrNilFunc)
	}
	b.throttles = append(b.throttles, &ThrottleRule{
		name:          name,
		limit:         limit,
		period:        period,
		discriminator: discriminator,
	})
	return nil
}

// ThrottleFixed registers a rate limit with a constant limit and period.
func (b *Builder) ThrottleFixed(name string, limit int64, period time.Duration, discriminator DiscriminatorFunc) error {
	if limit < 0 {
		return fmt.Errorf("throttle %q: %w", name, ErrInvalidLimit)
	}
	if period <= 0 {
		return fmt.Errorf("throttle %q: %w", name, counter.ErrInvalidPeriod)
	}
	return b.Throttle(name, FixedLimit(limit), FixedPeriod(period), discriminator)
}

// Build returns an immutable snapshot of the registered rules.
func (b *Builder) Build() *Registry {
	return &Registry{
		safelists:  append([]*MatchRule(nil), b.safelists...),
		blocklists: append([]*MatchRule(nil), b.blocklists...),
		throttles:  append([]*ThrottleRule(nil), b.throttles...),
	}
}

func newMatchRule(name string, kind Kind, predicate Predicate) (*MatchRule, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	if predicate == nil {
		return nil, fmt.Errorf("%s %q: %w", kind, name, ErrNilFunc)
	}
	return &MatchRule{name: name, kind: kind, predicate: predicate}, nil
}

// Registry is a read-only set of rules, safe for concurrent use.
type Registry struct {
	safelists  []*MatchRule
	blocklists []*MatchRule
	throttles  []*ThrottleRule
}

// Safelists returns the safelist rules in evaluation order.
func (r *Registry) Safelists() []*MatchRule {
	return append([]*MatchRule(nil), r.safelists...)
}

// Blocklists returns the blocklist rules in evaluation order.
func (r *Registry) Blocklists() []*MatchRule {
	return append([]*MatchRule(nil), r.blocklists...)
}

// Throttles returns the throttle rules in evaluation order.
func (r *Registry) Throttles() []*ThrottleRule {
	return append([]*ThrottleRule(nil), r.throttles...)
}

// Rules returns every rule in the order the pipeline considers them.
func (r *Registry) Rules() []Rule {
	all := make([]Rule, 0, r.Len())
	for _, s := range r.safelists {
		all = append(all, s)
	}
	for _, b := range r.blocklists {
		all = append(all, b)
	}
	for _, t := range r.throttles {
		all = append(all, t)
	}
	return all
}

// Len returns the total number of rules.
func (r *Registry) Len() int {
	return len(r.safelists) + len(r.blocklists) + len(r.throttles)
}

// Throttle returns the first throttle rule registered under name.
func (r *Registry) Throttle(name string) (*ThrottleRule, bool) {
	for _, t := range r.throttles {
		if t.name == name {
			return t, true
		}
	}
	return nil, false
}
