// Package router resolves request paths to backend routes and decides which
// paths are public.
package router

import (
	"github.com/ruberoo/gateway/internal/config"
)

// Table is the ordered route table plus the public-path policy. It is built
// once at startup and read concurrently without locks.
type Table struct {
	routes []*Route
	public *PublicPolicy
}

// New compiles routes in registration order and the public policy.
func New(routes []config.RouteConfig, public []config.PublicPathConfig) (*Table, error) {
	t := &Table{routes: make([]*Route, 0, len(routes))}
	for _, rc := range routes {
		r, err := NewRoute(rc)
		if err != nil {
			return nil, err
		}
		t.routes = append(t.routes, r)
	}

	policy, err := NewPublicPolicy(public)
	if err != nil {
		return nil, err
	}
	t.public = policy
	return t, nil
}

// Resolve returns the first route, in registration order, matching path.
func (t *Table) Resolve(path string) (*Route, bool) {
	for _, r := range t.routes {
		if r.Matches(path) {
			return r, true
		}
	}
	return nil, false
}

// IsPublic reports whether the request needs no authentication. It does not
// depend on whether any route matches.
func (t *Table) IsPublic(path, method string) bool {
	return t.public.IsPublic(path, method)
}

// Routes returns the routes in registration order.
func (t *Table) Routes() []*Route {
	out := make([]*Route, len(t.routes))
	copy(out, t.routes)
	return out
}
