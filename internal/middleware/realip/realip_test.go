package realip

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func TestExtract(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}

	tests := []struct {
		name       string
		trusted    []netip.Prefix
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{"no trust uses peer", nil, "203.0.113.9:4000", "1.2.3.4", "", "203.0.113.9"},
		{"untrusted peer ignores xff", trusted, "203.0.113.9:4000", "1.2.3.4", "", "203.0.113.9"},
		{"trusted peer uses xff", trusted, "10.1.1.1:4000", "198.51.100.7", "", "198.51.100.7"},
		{"skips trusted hops", trusted, "10.1.1.1:4000", "198.51.100.7, 10.2.2.2", "", "198.51.100.7"},
		{"spoofed left entries ignored", trusted, "10.1.1.1:4000", "6.6.6.6, 198.51.100.7", "", "198.51.100.7"},
		{"garbage in chain falls back", trusted, "10.1.1.1:4000", "bogus", "", "10.1.1.1"},
		{"x-real-ip from trusted peer", trusted, "10.1.1.1:4000", "", "198.51.100.8", "198.51.100.8"},
		{"remote addr without port", nil, "192.0.2.1", "", "", "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}

			if got := New(tt.trusted).Extract(req); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestMiddlewareStoresIP(t *testing.T) {
	var got string
	h := New(nil).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.10:1234"
	h.ServeHTTP(httptest.NewRecorder(), req)

	if got != "192.0.2.10" {
		t.Errorf("expected 192.0.2.10 in context, got %q", got)
	}
}
