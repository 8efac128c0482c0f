package ratelimit

import (
	"math"
	"net/http"
	"strconv"

	"github.com/ruberoo/gateway/internal/errors"
	"github.com/ruberoo/gateway/internal/middleware"
	"github.com/ruberoo/gateway/internal/variables"
)

// Limiter provides rate limiting middleware
type Limiter struct {
	tb       *TokenBucket
	keyFn    KeyFunc
	limitStr string
	observe  func(r *http.Request, d Decision)
}

// NewLimiter wraps a TokenBucket with a key function.
func NewLimiter(tb *TokenBucket, keyFn KeyFunc) *Limiter {
	if keyFn == nil {
		keyFn = BuildKeyFunc("ip")
	}
	return &Limiter{
		tb:       tb,
		keyFn:    keyFn,
		limitStr: strconv.Itoa(tb.Capacity()),
	}
}

// SetObserver registers a callback for every decision.
func (l *Limiter) SetObserver(fn func(r *http.Request, d Decision)) {
	l.observe = fn
}

// Middleware rejects requests over the limit with 429 before they reach any
// later stage.
func (l *Limiter) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.tb.Admit(l.keyFn(r))
			if l.observe != nil {
				l.observe(r, d)
			}

			w.Header().Set("X-RateLimit-Limit", l.limitStr)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

			if !d.Allowed {
				retryAfter := int(math.Ceil(d.RetryAfter.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				errors.ErrTooManyRequests.
					WithRequestID(variables.GetFromRequest(r).RequestID).
					WriteJSON(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Bucket returns the underlying token bucket.
func (l *Limiter) Bucket() *TokenBucket {
	return l.tb
}
