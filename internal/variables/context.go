package variables

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ruberoo/gateway/internal/middleware/realip"
)

// RequestContextKey is the context key for the per-request Context.
type RequestContextKey struct{}

// ErrIdentitySet is returned when a second identity is attached to a request.
var ErrIdentitySet = errors.New("identity already set for request")

// Identity is the authenticated caller of a request.
type Identity struct {
	Subject string
	Claims  map[string]any
}

// Context carries per-request values shared by the pipeline stages.
type Context struct {
	RequestID    string
	RouteID      string
	Service      string
	UpstreamAddr string
	StartTime    time.Time

	mu       sync.Mutex
	identity *Identity
}

// SetIdentity attaches the authenticated identity. It can be set once.
func (c *Context) SetIdentity(id *Identity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity != nil {
		return ErrIdentitySet
	}
	c.identity = id
	return nil
}

// Identity returns the authenticated identity, or nil.
func (c *Context) Identity() *Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Subject returns the identity subject or "".
func (c *Context) Subject() string {
	if id := c.Identity(); id != nil {
		return id.Subject
	}
	return ""
}

// GetFromRequest returns the request's Context. When none is attached a fresh
// detached Context is returned; use Attach to make it visible downstream.
func GetFromRequest(r *http.Request) *Context {
	if ctx, ok := r.Context().Value(RequestContextKey{}).(*Context); ok {
		return ctx
	}
	return &Context{StartTime: time.Now()}
}

// Attach returns a request carrying a Context, reusing an existing one.
func Attach(r *http.Request) (*http.Request, *Context) {
	if ctx, ok := r.Context().Value(RequestContextKey{}).(*Context); ok {
		return r, ctx
	}
	c := &Context{StartTime: time.Now()}
	return r.WithContext(context.WithValue(r.Context(), RequestContextKey{}, c)), c
}

// ExtractClientIP returns the client IP resolved by the realip middleware,
// falling back to the peer address. Forwarding headers are never read here.
func ExtractClientIP(r *http.Request) string {
	if ip := realip.FromContext(r.Context()); ip != "" {
		return ip
	}
	return realip.PeerIP(r)
}
