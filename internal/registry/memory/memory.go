// Package memory provides an in-process registry, populated from static
// configuration or through Register.
package memory

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/ruberoo/gateway/internal/registry"
)

// Registry implements an in-memory service registry
type Registry struct {
	services map[string]*registry.Service
	mu       sync.RWMutex
}

// New creates a new in-memory registry
func New() *Registry {
	return &Registry{
		services: make(map[string]*registry.Service),
	}
}

// NewStatic creates a registry from a service name to base URL map.
func NewStatic(static map[string][]string) (*Registry, error) {
	r := New()
	for name, urls := range static {
		for i, raw := range urls {
			svc, err := parseInstance(name, raw)
			if err != nil {
				return nil, fmt.Errorf("static service %s[%d]: %w", name, i, err)
			}
			svc.ID = fmt.Sprintf("%s-%d", name, i)
			r.services[svc.ID] = svc
		}
	}
	return r, nil
}

func parseInstance(name, raw string) (*registry.Service, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("missing host in %q", raw)
	}

	svc := &registry.Service{
		Name:    name,
		Scheme:  u.Scheme,
		Address: u.Host,
		Health:  registry.HealthPassing,
	}
	if host, port, err := net.SplitHostPort(u.Host); err == nil {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid port in %q", raw)
		}
		svc.Address = host
		svc.Port = p
	}
	return svc, nil
}

// Register registers a service instance
func (r *Registry) Register(ctx context.Context, service *registry.Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if service.ID == "" {
		service.ID = uuid.New().String()
	}
	if service.Health == "" {
		service.Health = registry.HealthPassing
	}

	r.services[service.ID] = service
	return nil
}

// Deregister removes a service instance
func (r *Registry) Deregister(ctx context.Context, serviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[serviceID]; !exists {
		return registry.ErrServiceNotFound
	}
	delete(r.services, serviceID)
	return nil
}

// Discover returns all healthy instances of a service, ordered by ID.
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]*registry.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*registry.Service
	for _, svc := range r.services {
		if svc.Name == serviceName && svc.Health == registry.HealthPassing {
			result = append(result, svc)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	return result, nil
}

// Close closes the registry
func (r *Registry) Close() error {
	return nil
}
