package rules

import (
	"net"
	"net/http"
	"strings"
)

// Request is the read-only view of an inbound call that rules inspect.
// Cancellation travels separately in the context.Context passed to every rule
// function.
type Request struct {
	Method     string
	Path       string
	RemoteAddr string
	Header     http.Header
}

// FromHTTP builds a Request from an HTTP request.
func FromHTTP(r *http.Request) *Request {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	return &Request{
		Method:     r.Method,
		Path:       path,
		RemoteAddr: r.RemoteAddr,
		Header:     r.Header,
	}
}

// RemoteIP returns the address of the direct peer without the port.
func (r *Request) RemoteIP() string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.Trim(r.RemoteAddr, "[]")
	}
	return host
}

// ClientIP returns the originating client address. It prefers the first
// X-Forwarded-For entry, then X-Real-IP, then the direct peer.
func (r *Request) ClientIP() string {
	if r.Header != nil {
		if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
			first, _, _ := strings.Cut(forwardedFor, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}
	return r.RemoteIP()
}
