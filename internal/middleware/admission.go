package middleware

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/mohammadhprp/ratelimiting/internal/admission"
	"github.com/mohammadhprp/ratelimiting/internal/rules"
)

// Decider classifies requests. *admission.Pipeline implements it.
type Decider interface {
	Decide(ctx context.Context, req *rules.Request) (admission.Decision, error)
}

// Responder writes the response for a rejected request.
type Responder func(w http.ResponseWriter, r *http.Request, d admission.Decision)

// Option configures the admission middleware.
type Option func(*options)

type options struct {
	onBlock    Responder
	onThrottle Responder
	headers    bool
}

// WithBlockResponder replaces the response written for blocklisted requests.
func WithBlockResponder(fn Responder) Option {
	return func(o *options) {
		o.onBlock = fn
	}
}

// WithThrottleResponder replaces the response written for throttled requests.
func WithThrottleResponder(fn Responder) Option {
	return func(o *options) {
		o.onThrottle = fn
	}
}

// WithRateLimitHeaders adds X-RateLimit-* headers to throttled responses.
func WithRateLimitHeaders() Option {
	return func(o *options) {
		o.headers = true
	}
}

// Admission returns an HTTP middleware that runs every request through the
// decider. Allowed and safelisted requests reach next; blocked and throttled
// requests are answered by the configured responders.
//
// Example: throttle by client IP and block remote admin access
//
//	b := rules.NewBuilder()
//	_ = b.Blocklist("remote admin", rules.All(rules.PathPrefix("/admin"), rules.Not(rules.Loopback())))
//	_ = b.ThrottleFixed("per-ip", 100, time.Minute, rules.ByClientIP())
//	pipeline := admission.NewPipeline(b.Build(), counter.New(store), logger)
//	handler := middleware.Admission(pipeline, logger)(mux)
func Admission(decider Decider, logger *zap.Logger, opts ...Option) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{
		onBlock:    DefaultBlockResponder,
		onThrottle: DefaultThrottleResponder,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision, err := decider.Decide(r.Context(), rules.FromHTTP(r))
			if err != nil {
				// The client has gone away; let the handler observe the
				// canceled context itself.
				logger.Debug("admission interrupted", zap.String("path", r.URL.Path), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			switch decision.Outcome {
			case admission.OutcomeBlocked:
				o.onBlock(w, r, decision)
			case admission.OutcomeThrottled:
				if o.headers {
					setRateLimitHeaders(w, decision)
				}
				o.onThrottle(w, r, decision)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// RateLimiting builds the rules with configure and returns the middleware
// enforcing them against c.
func RateLimiting(c rules.Counter, logger *zap.Logger, configure func(b *rules.Builder) error, opts ...Option) (func(http.Handler) http.Handler, error) {
	b := rules.NewBuilder()
	if err := configure(b); err != nil {
		return nil, fmt.Errorf("configure rules: %w", err)
	}
	return Admission(admission.NewPipeline(b.Build(), c, logger), logger, opts...), nil
}

// DefaultBlockResponder answers 403 Forbidden.
func DefaultBlockResponder(w http.ResponseWriter, _ *http.Request, _ admission.Decision) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte("forbidden"))
}

// DefaultThrottleResponder answers 429 Too Many Requests with Retry-After.
func DefaultThrottleResponder(w http.ResponseWriter, _ *http.Request, d admission.Decision) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d)))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte("rate limit exceeded"))
}

func setRateLimitHeaders(w http.ResponseWriter, d admission.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", "0")
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func retryAfterSeconds(d admission.Decision) int {
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
