package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestLimiterMiddleware(t *testing.T) {
	clock := newFakeClock()
	tb := NewTokenBucket(Config{Capacity: 3, RefillRate: 1, Now: clock.Now})
	defer tb.Close()
	limiter := NewLimiter(tb, BuildKeyFunc("ip"))

	var observed []bool
	limiter.SetObserver(func(_ *http.Request, d Decision) {
		observed = append(observed, d.Allowed)
	})

	calls := 0
	handler := limiter.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/api/rides/1", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i, rr.Code)
		}
		if rr.Header().Get("X-RateLimit-Limit") != "3" {
			t.Errorf("expected X-RateLimit-Limit 3, got %q", rr.Header().Get("X-RateLimit-Limit"))
		}
	}

	req := httptest.NewRequest("GET", "/api/rides/1", nil)
	req.RemoteAddr = "192.168.1.1:54321"
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "1" {
		t.Errorf("expected Retry-After 1, got %q", rr.Header().Get("Retry-After"))
	}
	if calls != 3 {
		t.Errorf("rejected request must not reach next handler, got %d calls", calls)
	}
	if len(observed) != 4 || observed[3] {
		t.Errorf("unexpected observed decisions %v", observed)
	}
}

func TestLimiterDifferentIPs(t *testing.T) {
	tb := NewTokenBucket(Config{Capacity: 1, RefillRate: 0.001})
	defer tb.Close()
	handler := NewLimiter(tb, nil).Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:1", "10.0.0.3:1"} {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", addr, rr.Code)
		}
	}
}

func TestBuildKeyFunc(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.1:999"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")

	if got := BuildKeyFunc("ip")(req); got != "ip:203.0.113.1" {
		t.Errorf("ip key: got %s", got)
	}
	if got := BuildKeyFunc("")(req); got != "ip:203.0.113.1" {
		t.Errorf("default key: got %s", got)
	}

	hdr := BuildKeyFunc("header:X-Client-ID")
	if got := hdr(req); got != "ip:203.0.113.1" {
		t.Errorf("header key fallback: got %s", got)
	}
	req.Header.Set("X-Client-ID", "mobile-app")
	if got := hdr(req); got != "header:X-Client-ID:mobile-app" {
		t.Errorf("header key: got %s", got)
	}
}
