package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew(t *testing.T) {
	e := New(400, "bad request")
	if e.Code != 400 {
		t.Errorf("Code = %d, want 400", e.Code)
	}
	if e.Error() != "bad request" {
		t.Errorf("Error() = %q, want %q", e.Error(), "bad request")
	}
}

func TestWrapAndUnwrap(t *testing.T) {
	inner := fmt.Errorf("connection refused")
	e := Wrap(inner, 502, "upstream error")

	want := "upstream error: connection refused"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
	if !errors.Is(e, inner) {
		t.Error("errors.Is should find the underlying error")
	}
}

func TestWithCauseIsNotSerialized(t *testing.T) {
	cause := fmt.Errorf("dial tcp 10.0.0.7:8082: connection refused")
	e := ErrBadGateway.WithCause(cause)

	if !errors.Is(e, cause) {
		t.Error("expected cause to be reachable through Unwrap")
	}

	rec := httptest.NewRecorder()
	e.WriteJSON(rec)

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if _, ok := body["details"]; ok {
		t.Errorf("cause leaked into response body: %s", rec.Body.String())
	}
}

func TestWriteJSONBaseErrors(t *testing.T) {
	tests := []struct {
		err  *GatewayError
		code int
	}{
		{ErrTooManyRequests, http.StatusTooManyRequests},
		{ErrUnauthenticated, http.StatusUnauthorized},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrNotFound, http.StatusNotFound},
		{ErrBadGateway, http.StatusBadGateway},
		{ErrGatewayTimeout, http.StatusGatewayTimeout},
		{ErrInternalServer, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.err.Kind), func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.err.WriteJSON(rec)

			if rec.Code != tt.code {
				t.Errorf("expected status %d, got %d", tt.code, rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected application/json, got %q", ct)
			}
			var decoded GatewayError
			if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if decoded.Code != tt.code {
				t.Errorf("expected body code %d, got %d", tt.code, decoded.Code)
			}
		})
	}
}

func TestAuthErrorsIndistinguishable(t *testing.T) {
	a := httptest.NewRecorder()
	ErrUnauthenticated.WithRequestID("req-1").WriteJSON(a)

	b := httptest.NewRecorder()
	ErrUnauthorized.WithRequestID("req-1").WriteJSON(b)

	if a.Code != b.Code {
		t.Errorf("status differs: %d vs %d", a.Code, b.Code)
	}
	if a.Body.String() != b.Body.String() {
		t.Errorf("body differs:\n%s\n%s", a.Body.String(), b.Body.String())
	}
}

func TestWithRequestID(t *testing.T) {
	e := ErrNotFound.WithRequestID("abc")
	if e.RequestID != "abc" {
		t.Errorf("expected request id abc, got %q", e.RequestID)
	}
	if ErrNotFound.RequestID != "" {
		t.Error("base error must not be mutated")
	}
	if ErrNotFound.WithRequestID("") != ErrNotFound {
		t.Error("empty request id should return the base error")
	}
	if e.Kind != KindRouteNotFound {
		t.Errorf("expected kind to be preserved, got %q", e.Kind)
	}
}

func TestIsGatewayError(t *testing.T) {
	if _, ok := IsGatewayError(ErrBadGateway); !ok {
		t.Error("expected GatewayError to be detected")
	}
	if _, ok := IsGatewayError(fmt.Errorf("plain")); ok {
		t.Error("plain error should not be a GatewayError")
	}
}
