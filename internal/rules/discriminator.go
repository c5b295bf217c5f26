package rules

import (
	"context"
	"strings"
	"time"
)

// FixedLimit returns a LimitFunc that always yields limit.
func FixedLimit(limit int64) LimitFunc {
	return func(context.Context, *Request) (int64, error) {
		return limit, nil
	}
}

// FixedPeriod returns a PeriodFunc that always yields period.
func FixedPeriod(period time.Duration) PeriodFunc {
	return func(context.Context, *Request) (time.Duration, error) {
		return period, nil
	}
}

// Discriminate adapts a discriminator that needs neither I/O nor the context.
func Discriminate(fn func(req *Request) string) DiscriminatorFunc {
	return func(_ context.Context, req *Request) (string, error) {
		return fn(req), nil
	}
}

// ByClientIP partitions by originating client address (see Request.ClientIP).
func ByClientIP() DiscriminatorFunc {
	return Discriminate(func(req *Request) string {
		return req.ClientIP()
	})
}

// ByTrustedClientIP partitions like ByClientIP when the direct peer matches
// trusted, and like ByRemoteIP otherwise. Forwarding headers from other peers
// are client controlled and would let a caller pick its own counter.
func ByTrustedClientIP(trusted Predicate) DiscriminatorFunc {
	return func(ctx context.Context, req *Request) (string, error) {
		return trustedClientIP(ctx, req, trusted)
	}
}

// ByTrustedClientIPAndPath is ByClientIPAndPath with the address resolved as
// in ByTrustedClientIP.
func ByTrustedClientIPAndPath(trusted Predicate) DiscriminatorFunc {
	return func(ctx context.Context, req *Request) (string, error) {
		ip, err := trustedClientIP(ctx, req, trusted)
		if err != nil || ip == "" {
			return "", err
		}
		return ip + ":" + req.Path, nil
	}
}

func trustedClientIP(ctx context.Context, req *Request, trusted Predicate) (string, error) {
	ok, err := trusted(ctx, req)
	if err != nil {
		return "", err
	}
	if ok {
		return req.ClientIP(), nil
	}
	return req.RemoteIP(), nil
}

// ByRemoteIP partitions by the direct peer address, ignoring forwarding
// headers.
func ByRemoteIP() DiscriminatorFunc {
	return Discriminate(func(req *Request) string {
		return req.RemoteIP()
	})
}

// ByHeader partitions by the value of a header such as an API key. Requests
// without the header are not throttled by the rule.
func ByHeader(name string) DiscriminatorFunc {
	return Discriminate(func(req *Request) string {
		if req.Header == nil {
			return ""
		}
		return strings.TrimSpace(req.Header.Get(name))
	})
}

// ByPath partitions by request path.
func ByPath() DiscriminatorFunc {
	return Discriminate(func(req *Request) string {
		return req.Path
	})
}

// ByClientIPAndPath partitions by client address and path together.
func ByClientIPAndPath() DiscriminatorFunc {
	return Discriminate(func(req *Request) string {
		ip := req.ClientIP()
		if ip == "" {
			return ""
		}
		return ip + ":" + req.Path
	})
}

// Scoped restricts a discriminator to requests matching scope. Outside the
// scope it yields "", so the rule does not apply and nothing is counted.
func Scoped(scope Predicate, discriminator DiscriminatorFunc) DiscriminatorFunc {
	return func(ctx context.Context, req *Request) (string, error) {
		ok, err := scope(ctx, req)
		if err != nil || !ok {
			return "", err
		}
		return discriminator(ctx, req)
	}
}
