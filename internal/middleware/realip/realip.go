package realip

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// contextKey is the type for the real IP context key.
type contextKey struct{}

// Extractor determines the client address. Forwarding headers are only
// honored when the direct peer is a trusted proxy.
type Extractor struct {
	trusted []netip.Prefix
}

// New creates an Extractor from trusted proxy prefixes. With no trusted
// proxies, the peer address is always used.
func New(trusted []netip.Prefix) *Extractor {
	return &Extractor{trusted: trusted}
}

// Extract returns the client IP for the request. It walks X-Forwarded-For
// from right to left, skipping trusted proxies, and returns the first
// untrusted address.
func (e *Extractor) Extract(r *http.Request) string {
	remoteIP := PeerIP(r)

	if len(e.trusted) == 0 || !e.isTrusted(remoteIP) {
		return remoteIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := e.walkXFF(xff); ip != "" {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		if _, err := netip.ParseAddr(xri); err == nil {
			return xri
		}
	}
	return remoteIP
}

func (e *Extractor) walkXFF(xff string) string {
	parts := strings.Split(xff, ",")
	for i := len(parts) - 1; i >= 0; i-- {
		ip := strings.TrimSpace(parts[i])
		if _, err := netip.ParseAddr(ip); err != nil {
			// Garbage in the chain: stop trusting anything left of it.
			return ""
		}
		if !e.isTrusted(ip) {
			return ip
		}
	}
	return ""
}

func (e *Extractor) isTrusted(ipStr string) bool {
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range e.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Middleware stores the extracted client IP in the request context.
func (e *Extractor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), contextKey{}, e.Extract(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// FromContext retrieves the client IP stored by Middleware.
// Returns empty string if not set.
func FromContext(ctx context.Context) string {
	if ip, ok := ctx.Value(contextKey{}).(string); ok {
		return ip
	}
	return ""
}

// PeerIP returns the host part of the request's RemoteAddr.
func PeerIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
