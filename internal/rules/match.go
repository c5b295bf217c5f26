package rules

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/vasayxtx/go-glob"
)

// Match adapts a predicate that needs neither I/O nor the context.
func Match(fn func(req *Request) bool) Predicate {
	return func(_ context.Context, req *Request) (bool, error) {
		return fn(req), nil
	}
}

// Not negates p.
func Not(p Predicate) Predicate {
	return func(ctx context.Context, req *Request) (bool, error) {
		ok, err := p(ctx, req)
		if err != nil {
			return false, err
		}
		return !ok, nil
	}
}

// All holds when every predicate holds. It stops at the first false one.
func All(ps ...Predicate) Predicate {
	return func(ctx context.Context, req *Request) (bool, error) {
		for _, p := range ps {
			ok, err := p(ctx, req)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
}

// Any holds when at least one predicate holds.
func Any(ps ...Predicate) Predicate {
	return func(ctx context.Context, req *Request) (bool, error) {
		for _, p := range ps {
			ok, err := p(ctx, req)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
}

// PathPrefix matches requests whose path starts with one of the given
// segments. "/admin" matches "/admin" and "/admin/users" but not "/administrator".
func PathPrefix(prefixes ...string) Predicate {
	return Match(func(req *Request) bool {
		for _, prefix := range prefixes {
			prefix = strings.TrimSuffix(prefix, "/")
			if prefix == "" {
				return true
			}
			if strings.EqualFold(req.Path, prefix) ||
				len(req.Path) > len(prefix) && strings.EqualFold(req.Path[:len(prefix)], prefix) && req.Path[len(prefix)] == '/' {
				return true
			}
		}
		return false
	})
}

// PathGlob matches requests whose path matches one of the glob patterns.
func PathGlob(patterns ...string) Predicate {
	compiled := make([]func(s string) bool, 0, len(patterns))
	for _, pattern := range patterns {
		compiled = append(compiled, glob.Compile(pattern))
	}
	return Match(func(req *Request) bool {
		for i := range compiled {
			if compiled[i](req.Path) {
				return true
			}
		}
		return false
	})
}

// FromNetworks matches requests whose direct peer address is inside one of
// the given networks. Plain addresses are accepted as single-host networks.
func FromNetworks(networks ...string) (Predicate, error) {
	prefixes := make([]netip.Prefix, 0, len(networks))
	for _, network := range networks {
		prefix, err := parsePrefix(network)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, prefix)
	}

	return Match(func(req *Request) bool {
		addr, err := netip.ParseAddr(req.RemoteIP())
		if err != nil {
			return false
		}
		addr = addr.Unmap()
		for _, prefix := range prefixes {
			if prefix.Contains(addr) {
				return true
			}
		}
		return false
	}), nil
}

// Loopback matches requests coming from a loopback address.
func Loopback() Predicate {
	return Match(func(req *Request) bool {
		addr, err := netip.ParseAddr(req.RemoteIP())
		return err == nil && addr.Unmap().IsLoopback()
	})
}

func parsePrefix(network string) (netip.Prefix, error) {
	if strings.Contains(network, "/") {
		prefix, err := netip.ParsePrefix(network)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("parse network %q: %w", network, err)
		}
		return prefix.Masked(), nil
	}
	addr, err := netip.ParseAddr(network)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parse address %q: %w", network, err)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
