package router

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ruberoo/gateway/internal/config"
)

// Route is one compiled routing rule. Routes are immutable after the table
// is built.
type Route struct {
	ID      string
	Pattern string
	// Service is the logical backend name; empty when URL is set.
	Service string
	// URL is a fixed backend base URL; nil when Service is set.
	URL     *url.URL
	Filters []string
	Timeout time.Duration

	// RequiresAuth is true when the jwt-auth filter is attached.
	RequiresAuth bool
	// StripPrefix is the number of leading path segments removed before
	// forwarding.
	StripPrefix int

	matcher pathMatcher
}

// NewRoute compiles a route from config.
func NewRoute(cfg config.RouteConfig) (*Route, error) {
	m, err := compilePattern(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", cfg.ID, err)
	}

	r := &Route{
		ID:      cfg.ID,
		Pattern: cfg.Path,
		Service: cfg.Service,
		Filters: cfg.EffectiveFilters(),
		Timeout: cfg.Timeout,
		matcher: m,
	}

	if cfg.URI != "" {
		u, err := url.Parse(cfg.URI)
		if err != nil {
			return nil, fmt.Errorf("route %s: invalid uri: %w", cfg.ID, err)
		}
		switch u.Scheme {
		case "lb":
			r.Service = u.Host
		case "http", "https":
			r.URL = u
		default:
			return nil, fmt.Errorf("route %s: unsupported uri scheme %q", cfg.ID, u.Scheme)
		}
	}
	if r.Service == "" && r.URL == nil {
		return nil, fmt.Errorf("route %s: no target", cfg.ID)
	}

	for _, f := range r.Filters {
		if err := config.ValidateFilter(f); err != nil {
			return nil, fmt.Errorf("route %s: %w", cfg.ID, err)
		}
		name, arg := config.ParseFilter(f)
		switch name {
		case config.FilterJWTAuth:
			r.RequiresAuth = true
		case config.FilterStripPrefix:
			r.StripPrefix, _ = strconv.Atoi(arg)
		}
	}

	return r, nil
}

// Matches reports whether the route pattern matches path.
func (r *Route) Matches(path string) bool {
	return r.matcher.match(path)
}

// Target names the backend for logs and metrics.
func (r *Route) Target() string {
	if r.Service != "" {
		return r.Service
	}
	return r.URL.Host
}

// ForwardPath returns the path sent to the backend after strip-prefix.
func (r *Route) ForwardPath(path string) string {
	if r.StripPrefix == 0 {
		return path
	}
	trailing := strings.HasSuffix(path, "/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) <= r.StripPrefix {
		return "/"
	}
	out := "/" + strings.Join(parts[r.StripPrefix:], "/")
	if trailing {
		out += "/"
	}
	return out
}
