// Package loadbalancer picks one backend instance per request.
package loadbalancer

import (
	"net/url"
	"sync/atomic"
)

// Backend represents a backend server
type Backend struct {
	URL       string
	ID        string
	ParsedURL *url.URL // pre-parsed URL to avoid per-request parsing
}

// NewBackend parses rawURL into a Backend.
func NewBackend(id, rawURL string) (*Backend, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &Backend{URL: rawURL, ID: id, ParsedURL: u}, nil
}

// Balancer is the interface for load balancers
type Balancer interface {
	// Next returns the next backend to use, or nil when there is none.
	Next() *Backend
	// Backends returns all backends
	Backends() []*Backend
	// Len returns the number of backends
	Len() int
}

// RoundRobin cycles through a fixed set of backends. It is safe for
// concurrent use; the set is replaced by building a new RoundRobin.
type RoundRobin struct {
	backends []*Backend
	current  atomic.Uint64
}

// NewRoundRobin creates a new round-robin balancer
func NewRoundRobin(backends []*Backend) *RoundRobin {
	return &RoundRobin{backends: backends}
}

// Next returns the next backend using round-robin.
func (rr *RoundRobin) Next() *Backend {
	n := uint64(len(rr.backends))
	if n == 0 {
		return nil
	}
	idx := rr.current.Add(1)
	return rr.backends[(idx-1)%n]
}

// Backends returns a copy of the backend list.
func (rr *RoundRobin) Backends() []*Backend {
	out := make([]*Backend, len(rr.backends))
	copy(out, rr.backends)
	return out
}

func (rr *RoundRobin) Len() int { return len(rr.backends) }
