package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ruberoo/gateway/internal/variables"
)

func TestRequestID(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		varCtx := variables.GetFromRequest(r)
		if varCtx.RequestID == "" {
			t.Error("Request ID should be set in context")
		}
		if r.Header.Get("X-Request-ID") != varCtx.RequestID {
			t.Error("Request ID should be forwarded in the request header")
		}
	})

	rr := httptest.NewRecorder()
	RequestID()(handler).ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header should be set in response")
	}
}

func TestRequestIDTrusted(t *testing.T) {
	existingID := "existing-request-id"

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := variables.GetFromRequest(r).RequestID; got != existingID {
			t.Errorf("Expected request ID %s, got %s", existingID, got)
		}
	})

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", existingID)
	rr := httptest.NewRecorder()
	RequestID()(handler).ServeHTTP(rr, req)

	if rr.Header().Get("X-Request-ID") != existingID {
		t.Errorf("Expected response header %s, got %s", existingID, rr.Header().Get("X-Request-ID"))
	}
}

func TestRequestIDNotTrusted(t *testing.T) {
	existingID := "existing-request-id"

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := variables.GetFromRequest(r).RequestID
		if got == existingID || got == "" {
			t.Errorf("expected a generated request ID, got %q", got)
		}
	})

	mw := RequestIDWithConfig(RequestIDConfig{TrustHeader: false})
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", existingID)
	mw(handler).ServeHTTP(httptest.NewRecorder(), req)
}

func TestRequestIDOversizedReplaced(t *testing.T) {
	long := strings.Repeat("a", maxRequestIDLen+1)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("X-Request-ID", long)
	RequestID()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(rr, req)

	if rr.Header().Get("X-Request-ID") == long {
		t.Error("oversized request ID should be replaced")
	}
}

func TestRequestIDCustomGenerator(t *testing.T) {
	mw := RequestIDWithConfig(RequestIDConfig{
		Header:    "X-Correlation-ID",
		Generator: func() string { return "fixed" },
	})

	rr := httptest.NewRecorder()
	mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if rr.Header().Get("X-Correlation-ID") != "fixed" {
		t.Errorf("expected fixed id, got %q", rr.Header().Get("X-Correlation-ID"))
	}
}
