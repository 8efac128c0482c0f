package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func tag(name string, order *[]string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*order = append(*order, name)
			next.ServeHTTP(w, r)
		})
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	chain := NewChain(tag("ratelimit", &order), tag("resolve", &order)).
		Append(tag("auth", &order))

	if chain.Len() != 3 {
		t.Errorf("expected 3 middlewares, got %d", chain.Len())
	}

	h := chain.Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "dispatch")
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if got := strings.Join(order, ","); got != "ratelimit,resolve,auth,dispatch" {
		t.Errorf("unexpected order %s", got)
	}
}

func TestChainAppendDoesNotMutate(t *testing.T) {
	var order []string
	base := NewChain(tag("a", &order))
	base.Append(tag("b", &order))

	if base.Len() != 1 {
		t.Errorf("Append must not modify the receiver, got len %d", base.Len())
	}
}
