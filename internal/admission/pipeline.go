// Package admission decides whether a request is safelisted, blocklisted,
// throttled or allowed by default.
//
// Rules are evaluated in a fixed order: safelist, then blocklist, then
// throttle, each list in registration order, and the first match wins.
// Evaluating a throttle rule whose discriminator is not empty charges one hit
// to its counter whether or not the limit is exceeded.
//
// Infrastructure failures never block traffic. A rule function that errors is
// treated as not matching and a counter store failure skips the throttle rule
// that hit it.
package admission

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mohammadhprp/ratelimiting/internal/rules"
)

// Outcome is the result of admission.
type Outcome int

const (
	// OutcomeAllowed means no rule matched.
	OutcomeAllowed Outcome = iota
	// OutcomeSafelisted means a safelist rule matched.
	OutcomeSafelisted
	// OutcomeBlocked means a blocklist rule matched.
	OutcomeBlocked
	// OutcomeThrottled means a throttle rule's limit was exceeded.
	OutcomeThrottled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllowed:
		return "allowed"
	case OutcomeSafelisted:
		return "safelisted"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeThrottled:
		return "throttled"
	default:
		return "unknown"
	}
}

// Allowed reports whether the request may proceed.
func (o Outcome) Allowed() bool {
	return o == OutcomeAllowed || o == OutcomeSafelisted
}

// Decision describes how a request was classified.
type Decision struct {
	Outcome Outcome
	// Rule is the name of the deciding rule, empty for OutcomeAllowed.
	Rule string
	// The fields below are set for OutcomeThrottled only.
	Discriminator string
	Count         int64
	Limit         int64
	Period        time.Duration
	ResetAt       time.Time
	RetryAfter    time.Duration
}

// MetricsCollector receives pipeline events.
type MetricsCollector interface {
	IncDecision(outcome, rule string)
	IncStoreError(rule string)
	IncRuleError(kind, rule string)
}

type disabledMetrics struct{}

func (disabledMetrics) IncDecision(string, string)  {}
func (disabledMetrics) IncStoreError(string)        {}
func (disabledMetrics) IncRuleError(string, string) {}

// Pipeline evaluates a rule registry. It is safe for concurrent use.
type Pipeline struct {
	registry *rules.Registry
	counter  rules.Counter
	logger   *zap.Logger
	metrics  MetricsCollector
	now      func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics sets the collector for decision and error metrics.
func WithMetrics(mc MetricsCollector) Option {
	return func(p *Pipeline) {
		if mc != nil {
			p.metrics = mc
		}
	}
}

// WithClock replaces the clock used to compute RetryAfter.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// NewPipeline creates a Pipeline for registry backed by c.
func NewPipeline(registry *rules.Registry, c rules.Counter, logger *zap.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pipeline{
		registry: registry,
		counter:  c,
		logger:   logger,
		metrics:  disabledMetrics{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Registry returns the rules the pipeline evaluates.
func (p *Pipeline) Registry() *rules.Registry {
	return p.registry
}

// Decide classifies req. The error is non-nil only when ctx is done before a
// decision is reached; the returned Decision is then OutcomeAllowed and no
// further rule has been evaluated.
func (p *Pipeline) Decide(ctx context.Context, req *rules.Request) (Decision, error) {
	decision, err := p.decide(ctx, req)
	if err != nil {
		p.logger.Debug("admission abandoned",
			zap.String("path", req.Path),
			zap.Error(err),
		)
		return Decision{Outcome: OutcomeAllowed}, err
	}

	p.metrics.IncDecision(decision.Outcome.String(), decision.Rule)
	if decision.Outcome != OutcomeAllowed {
		p.logger.Debug("admission decision",
			zap.String("outcome", decision.Outcome.String()),
			zap.String("rule", decision.Rule),
			zap.String("path", req.Path),
			zap.String("remote_addr", req.RemoteAddr),
		)
	}
	return decision, nil
}

func (p *Pipeline) decide(ctx context.Context, req *rules.Request) (Decision, error) {
	if rule, err := p.firstMatch(ctx, p.registry.Safelists(), req); err != nil {
		return Decision{}, err
	} else if rule != nil {
		return Decision{Outcome: OutcomeSafelisted, Rule: rule.Name()}, nil
	}

	if rule, err := p.firstMatch(ctx, p.registry.Blocklists(), req); err != nil {
		return Decision{}, err
	} else if rule != nil {
		return Decision{Outcome: OutcomeBlocked, Rule: rule.Name()}, nil
	}

	for _, rule := range p.registry.Throttles() {
		if err := ctx.Err(); err != nil {
			return Decision{}, err
		}

		hit, err := rule.Evaluate(ctx, req, p.counter)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Decision{}, ctxErr
		}
		if err != nil {
			p.ruleError(rule, err)
			continue
		}
		if !hit.Exceeded() {
			continue
		}

		return p.throttled(rule.Name(), hit), nil
	}

	return Decision{Outcome: OutcomeAllowed}, nil
}

func (p *Pipeline) firstMatch(ctx context.Context, list []*rules.MatchRule, req *rules.Request) (*rules.MatchRule, error) {
	for _, rule := range list {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ok, err := rule.Matches(ctx, req)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			p.ruleError(rule, err)
			continue
		}
		if ok {
			return rule, nil
		}
	}
	return nil, nil
}

func (p *Pipeline) throttled(rule string, hit rules.Hit) Decision {
	retryAfter := hit.Window.ResetAt.Sub(p.now())
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Decision{
		Outcome:       OutcomeThrottled,
		Rule:          rule,
		Discriminator: hit.Discriminator,
		Count:         hit.Count,
		Limit:         hit.Limit,
		Period:        hit.Period,
		ResetAt:       hit.Window.ResetAt,
		RetryAfter:    retryAfter,
	}
}

func (p *Pipeline) ruleError(rule rules.Rule, err error) {
	if rules.IsStoreError(err) {
		p.metrics.IncStoreError(rule.Name())
		p.logger.Warn("counter store unavailable, skipping throttle rule",
			zap.String("rule", rule.Name()),
			zap.Error(err),
		)
		return
	}
	p.metrics.IncRuleError(rule.Kind().String(), rule.Name())
	p.logger.Error("rule evaluation failed, treating as no match",
		zap.String("kind", rule.Kind().String()),
		zap.String("rule", rule.Name()),
		zap.Error(err),
	)
}
