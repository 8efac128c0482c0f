package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ruberoo/gateway/internal/loadbalancer"
)

// lookupTimeout bounds a shared registry lookup, which outlives the
// request that started it.
const lookupTimeout = 10 * time.Second

// Resolver picks a backend instance for a service name. Instance lists are
// cached per service for a short TTL; concurrent misses for the same service
// share one registry lookup.
type Resolver struct {
	reg    Registry
	cache  *expirable.LRU[string, *loadbalancer.RoundRobin]
	group  singleflight.Group
	logger *zap.Logger
}

// NewResolver creates a Resolver. A zero ttl disables expiry.
func NewResolver(reg Registry, size int, ttl time.Duration, logger *zap.Logger) *Resolver {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		reg:    reg,
		cache:  expirable.NewLRU[string, *loadbalancer.RoundRobin](size, nil, ttl),
		logger: logger,
	}
}

// Next returns the next instance of service. It fails with
// ErrNoHealthyInstance when the registry has no live instance. A caller
// whose ctx ends stops waiting without failing the other callers sharing
// the lookup.
func (r *Resolver) Next(ctx context.Context, service string) (*loadbalancer.Backend, error) {
	rr, ok := r.cache.Get(service)
	if !ok {
		ch := r.group.DoChan(service, func() (any, error) {
			lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
			defer cancel()
			return r.load(lookupCtx, service)
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			rr = res.Val.(*loadbalancer.RoundRobin)
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrNoHealthyInstance, service, ctx.Err())
		}
	}

	b := rr.Next()
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoHealthyInstance, service)
	}
	return b, nil
}

// Invalidate drops the cached instance list for service.
func (r *Resolver) Invalidate(service string) {
	r.cache.Remove(service)
}

// Registry returns the underlying registry.
func (r *Resolver) Registry() Registry {
	return r.reg
}

func (r *Resolver) load(ctx context.Context, service string) (*loadbalancer.RoundRobin, error) {
	instances, err := r.reg.Discover(ctx, service)
	if err != nil {
		r.logger.Warn("service discovery failed",
			zap.String("service", service),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %s: %v", ErrNoHealthyInstance, service, err)
	}

	backends := make([]*loadbalancer.Backend, 0, len(instances))
	for _, inst := range instances {
		b, err := loadbalancer.NewBackend(inst.ID, inst.URL())
		if err != nil {
			r.logger.Warn("skipping instance with invalid address",
				zap.String("service", service),
				zap.String("instance", inst.ID),
				zap.Error(err),
			)
			continue
		}
		backends = append(backends, b)
	}
	if len(backends) == 0 {
		// Empty results are not cached so a recovering service is picked up
		// on the next request.
		return nil, fmt.Errorf("%w: %s", ErrNoHealthyInstance, service)
	}

	rr := loadbalancer.NewRoundRobin(backends)
	r.cache.Add(service, rr)
	r.logger.Debug("service instances refreshed",
		zap.String("service", service),
		zap.Int("instances", len(backends)),
	)
	return rr, nil
}
