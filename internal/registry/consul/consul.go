// Package consul discovers services through the Consul health API.
package consul

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"github.com/ruberoo/gateway/internal/config"
	"github.com/ruberoo/gateway/internal/registry"
)

// Registry implements service registry using Consul
type Registry struct {
	client        *consulapi.Client
	datacenter    string
	checkURL      string
	checkInterval string
	logger        *zap.Logger
}

// New creates a Consul registry. The agent is probed with exponential
// backoff until it answers or cfg.ConnectTimeout elapses.
func New(ctx context.Context, cfg config.ConsulConfig, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	consulCfg := consulapi.DefaultConfig()
	consulCfg.Address = cfg.Address
	if cfg.Scheme != "" {
		consulCfg.Scheme = cfg.Scheme
	}
	consulCfg.Datacenter = cfg.Datacenter

	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}

	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = cfg.ConnectTimeout

	// Test connection
	err = backoff.RetryNotify(func() error {
		_, err := client.Agent().Self()
		return err
	}, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		logger.Warn("Consul not reachable, retrying",
			zap.String("address", cfg.Address),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to Consul: %v", registry.ErrRegistryUnavailable, err)
	}

	return &Registry{
		client:        client,
		datacenter:    cfg.Datacenter,
		checkURL:      cfg.Register.CheckURL,
		checkInterval: cfg.Register.CheckInterval,
		logger:        logger,
	}, nil
}

// Register registers a service instance with Consul. When a check URL is
// configured Consul polls it and drops the instance once it stays critical.
func (r *Registry) Register(ctx context.Context, service *registry.Service) error {
	registration := &consulapi.AgentServiceRegistration{
		ID:      service.ID,
		Name:    service.Name,
		Address: service.Address,
		Port:    service.Port,
		Tags:    service.Tags,
		Meta:    service.Metadata,
	}

	if r.checkURL != "" {
		interval := r.checkInterval
		if interval == "" {
			interval = "10s"
		}
		registration.Check = &consulapi.AgentServiceCheck{
			HTTP:                           r.checkURL,
			Interval:                       interval,
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "1m",
		}
	}

	if err := r.client.Agent().ServiceRegister(registration); err != nil {
		return fmt.Errorf("failed to register service: %w", err)
	}

	return nil
}

// Deregister removes a service instance from Consul
func (r *Registry) Deregister(ctx context.Context, serviceID string) error {
	if err := r.client.Agent().ServiceDeregister(serviceID); err != nil {
		return fmt.Errorf("failed to deregister service: %w", err)
	}
	return nil
}

// Discover returns all instances of a service whose checks pass.
func (r *Registry) Discover(ctx context.Context, serviceName string) ([]*registry.Service, error) {
	queryOpts := (&consulapi.QueryOptions{
		Datacenter: r.datacenter,
	}).WithContext(ctx)

	entries, _, err := r.client.Health().Service(serviceName, "", true, queryOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}

	services := make([]*registry.Service, 0, len(entries))
	for _, entry := range entries {
		svc := &registry.Service{
			ID:       entry.Service.ID,
			Name:     entry.Service.Service,
			Address:  entry.Service.Address,
			Port:     entry.Service.Port,
			Tags:     entry.Service.Tags,
			Metadata: entry.Service.Meta,
			Health:   convertHealth(entry.Checks),
		}

		// Use node address if service address is empty
		if svc.Address == "" && entry.Node != nil {
			svc.Address = entry.Node.Address
		}

		services = append(services, svc)
	}

	return services, nil
}

// convertHealth converts Consul health checks to registry health status
func convertHealth(checks consulapi.HealthChecks) registry.HealthStatus {
	for _, check := range checks {
		if check.Status == consulapi.HealthCritical {
			return registry.HealthCritical
		}
		if check.Status == consulapi.HealthWarning {
			return registry.HealthWarning
		}
	}
	return registry.HealthPassing
}

// Close is a no-op; the Consul client holds no long-lived connections.
func (r *Registry) Close() error {
	return nil
}
