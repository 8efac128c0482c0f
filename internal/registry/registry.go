// Package registry resolves logical service names to live instances.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// HealthStatus represents the health status of a service
type HealthStatus string

const (
	HealthPassing  HealthStatus = "passing"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// Service represents a service instance
type Service struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Scheme   string            `json:"scheme,omitempty"`
	Address  string            `json:"address"`
	Port     int               `json:"port"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Health   HealthStatus      `json:"health"`
}

// URL returns the full URL for the service
func (s *Service) URL() string {
	scheme := s.Scheme
	if scheme == "" {
		scheme = "http"
	}
	if s.Port == 0 {
		return fmt.Sprintf("%s://%s", scheme, s.Address)
	}
	return scheme + "://" + net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// Registry defines the interface for service discovery
type Registry interface {
	// Register registers a service instance
	Register(ctx context.Context, service *Service) error

	// Deregister removes a service instance
	Deregister(ctx context.Context, serviceID string) error

	// Discover returns all healthy instances of a service
	Discover(ctx context.Context, serviceName string) ([]*Service, error)

	// Close closes the registry connection
	Close() error
}

// RegistryType represents the type of registry
type RegistryType string

const (
	TypeConsul RegistryType = "consul"
	TypeStatic RegistryType = "static"
)

var (
	// ErrServiceNotFound is returned when a service is not found
	ErrServiceNotFound = errors.New("service not found")

	// ErrNoHealthyInstance is returned when a service has no live instance
	ErrNoHealthyInstance = errors.New("no healthy instance")

	// ErrRegistryUnavailable is returned when the registry is not available
	ErrRegistryUnavailable = errors.New("registry unavailable")
)
