package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/ruberoo/gateway/internal/circuitbreaker"
	"github.com/ruberoo/gateway/internal/config"
	"github.com/ruberoo/gateway/internal/errors"
	"github.com/ruberoo/gateway/internal/logging"
	"github.com/ruberoo/gateway/internal/metrics"
	"github.com/ruberoo/gateway/internal/middleware"
	"github.com/ruberoo/gateway/internal/middleware/auth"
	"github.com/ruberoo/gateway/internal/middleware/ratelimit"
	"github.com/ruberoo/gateway/internal/middleware/realip"
	"github.com/ruberoo/gateway/internal/proxy"
	"github.com/ruberoo/gateway/internal/registry"
	"github.com/ruberoo/gateway/internal/registry/consul"
	"github.com/ruberoo/gateway/internal/registry/memory"
	"github.com/ruberoo/gateway/internal/router"
	"github.com/ruberoo/gateway/internal/token"
	"github.com/ruberoo/gateway/internal/tracing"
	"github.com/ruberoo/gateway/internal/variables"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Version is reported by /actuator/info and the admin health endpoint.
var Version = "dev"

const (
	actuatorHealthPath = "/actuator/health"
	actuatorInfoPath   = "/actuator/info"
	actuatorRouteID    = "actuator"
)

// Gateway is the edge pipeline: rate limit, route, authenticate, dispatch.
type Gateway struct {
	config *config.Config
	logger *zap.Logger
	now    func() time.Time

	routes    *router.Table
	codec     *token.Codec
	auth      *auth.Filter
	realip    *realip.Extractor
	bucket    *ratelimit.TokenBucket
	limiter   *ratelimit.Limiter
	registry  registry.Registry
	resolver  *registry.Resolver
	breakers  *circuitbreaker.Set
	transport *http.Transport
	proxy     *proxy.Proxy
	metrics   *metrics.Collector
	tracer    *tracing.Tracer

	routeHandlers map[*router.Route]http.Handler
	local         http.Handler
	handler       http.Handler

	closeOnce sync.Once
	closeErr  error
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithRegistry replaces the registry built from discovery config.
func WithRegistry(reg registry.Registry) Option {
	return func(g *Gateway) { g.registry = reg }
}

// WithLogger sets the logger. Defaults to the global logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithClock overrides the clock used for token expiry and bucket refill.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// WithTracing passes options to the tracer.
func WithTracing(opts ...tracing.Option) Option {
	return func(g *Gateway) {
		var err error
		g.tracer, err = tracing.New(g.config.Tracing, opts...)
		if err != nil {
			g.logger.Warn("tracing disabled", zap.Error(err))
			g.tracer = nil
		}
	}
}

// New creates a Gateway. A missing or unusable signing key, an invalid route
// or an unreachable registry is an error.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		config:  cfg,
		logger:  logging.Global(),
		now:     time.Now,
		metrics: metrics.NewCollector(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}

	if err := g.init(); err != nil {
		g.Close()
		return nil, err
	}

	g.buildHandlers()
	return g, nil
}

func (g *Gateway) init() error {
	var err error
	g.routes, err = router.New(g.config.Routes, g.config.Security.PublicPaths)
	if err != nil {
		return err
	}

	if err := g.initAuth(); err != nil {
		return err
	}
	if err := g.initRealIP(); err != nil {
		return err
	}
	g.initRateLimit()
	if err := g.initRegistry(); err != nil {
		return err
	}
	g.initDispatch()

	if g.tracer == nil {
		g.tracer, err = tracing.New(g.config.Tracing)
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
	}
	return nil
}

func (g *Gateway) initAuth() error {
	key, err := g.config.JWT.DecodeSecret()
	if err != nil {
		return err
	}
	g.codec, err = token.NewCodec(token.Config{
		Key:       key,
		Algorithm: g.config.JWT.Algorithm,
		Validity:  g.config.JWT.Validity,
		Now:       g.now,
	})
	if err != nil {
		return err
	}

	g.auth, err = auth.NewFilter(auth.Config{
		Verifier:       g.codec,
		Public:         g.routes,
		IdentityHeader: g.config.JWT.IdentityHeader,
		ClaimHeaders:   g.config.JWT.ClaimHeaders,
		Logger:         g.logger.Named("auth"),
	})
	if err != nil {
		return err
	}
	g.auth.SetObserver(func(_ *http.Request, o auth.Outcome) {
		g.metrics.RecordAuth(o.String())
	})
	return nil
}

func (g *Gateway) initRealIP() error {
	trusted := make([]netip.Prefix, 0, len(g.config.Security.TrustedProxies))
	for _, p := range g.config.Security.TrustedProxies {
		prefix, err := config.ParsePrefix(p)
		if err != nil {
			return fmt.Errorf("trusted proxy %q: %w", p, err)
		}
		trusted = append(trusted, prefix)
	}
	g.realip = realip.New(trusted)
	return nil
}

func (g *Gateway) initRateLimit() {
	rl := g.config.RateLimit
	if !rl.Enabled {
		return
	}

	g.bucket = ratelimit.NewTokenBucket(ratelimit.Config{
		Capacity:      rl.Capacity,
		RefillRate:    rl.RefillRate,
		IdleTimeout:   rl.IdleTimeout,
		SweepInterval: rl.SweepInterval,
		Now:           g.now,
	})
	g.bucket.OnSweep(g.metrics.RecordEvictions)
	g.metrics.TrackBuckets(g.bucket.Len)

	g.limiter = ratelimit.NewLimiter(g.bucket, ratelimit.BuildKeyFunc(rl.Key))
	g.limiter.SetObserver(func(r *http.Request, d ratelimit.Decision) {
		g.metrics.RecordRateLimit(d.Allowed)
		if !d.Allowed {
			g.logger.Debug("rate limit exceeded",
				zap.String("client_ip", variables.ExtractClientIP(r)),
				zap.Duration("retry_after", d.RetryAfter),
			)
		}
	})
}

func (g *Gateway) initRegistry() error {
	if g.registry == nil {
		d := g.config.Discovery
		switch registry.RegistryType(d.Type) {
		case "", registry.TypeStatic:
			reg, err := memory.NewStatic(d.Static)
			if err != nil {
				return err
			}
			g.registry = reg
		case registry.TypeConsul:
			reg, err := consul.New(context.Background(), d.Consul, g.logger.Named("consul"))
			if err != nil {
				return err
			}
			g.registry = reg
		default:
			return fmt.Errorf("unknown registry type: %s", d.Type)
		}
	}

	g.resolver = registry.NewResolver(g.registry,
		g.config.Discovery.CacheSize,
		g.config.Discovery.CacheTTL,
		g.logger.Named("resolver"),
	)
	return nil
}

func (g *Gateway) initDispatch() {
	g.breakers = circuitbreaker.NewSet(g.config.Upstream.CircuitBreaker, g.logger.Named("breaker"))
	g.breakers.OnStateChange(func(service string, _, to gobreaker.State) {
		g.metrics.SetCircuitBreakerState(service, int(to))
	})

	g.transport = proxy.NewTransport(proxy.TransportConfigFromUpstream(g.config.Upstream))
	g.proxy = proxy.New(proxy.Config{
		Picker:         g.resolver,
		Breakers:       g.breakers,
		Transport:      g.transport,
		DefaultTimeout: g.config.Upstream.Timeout,
		Logger:         g.logger.Named("proxy"),
		Observe:        g.metrics.RecordUpstream,
	})
}

// buildHandlers precomputes one handler per route so the request path only
// does a table lookup.
func (g *Gateway) buildHandlers() {
	authenticate := tracing.SpanMiddleware(g.tracer, "auth", g.auth.Middleware())

	routes := g.routes.Routes()
	g.routeHandlers = make(map[*router.Route]http.Handler, len(routes))
	for _, route := range routes {
		var h http.Handler = g.proxy.Handler(route)
		if route.RequiresAuth {
			h = authenticate(h)
		}
		g.routeHandlers[route] = h
	}
	g.local = authenticate(http.HandlerFunc(g.serveLocal))

	var pipeline http.Handler = http.HandlerFunc(g.serveRoute)
	if g.limiter != nil {
		pipeline = tracing.SpanMiddleware(g.tracer, "ratelimit", g.limiter.Middleware())(pipeline)
	}

	chain := middleware.NewChain(
		middleware.Recovery(),
		middleware.RequestID(),
		g.realip.Middleware,
		g.tracer.Middleware(),
		g.metrics.Middleware(),
	)
	if g.config.Logging.AccessLog {
		chain = chain.Append(middleware.AccessLog(middleware.LoggingConfig{
			Logger: g.logger.Named("access"),
		}))
	}
	g.handler = chain.Then(g.sanitize(pipeline))
}

// sanitize cleans the request path and drops caller-supplied identity
// headers before any stage sees the request.
func (g *Gateway) sanitize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cleaned := router.CleanPath(r.URL.Path); cleaned != r.URL.Path || r.URL.RawPath != "" {
			u := *r.URL
			u.Path = cleaned
			u.RawPath = ""
			r = r.WithContext(r.Context())
			r.URL = &u
		}
		g.auth.StripIdentityHeaders(r.Header)
		next.ServeHTTP(w, r)
	})
}

func (g *Gateway) serveRoute(w http.ResponseWriter, r *http.Request) {
	route, ok := g.routes.Resolve(r.URL.Path)
	if !ok {
		if isLocalEndpoint(r.URL.Path) {
			g.local.ServeHTTP(w, r)
			return
		}
		errors.ErrNotFound.
			WithRequestID(variables.GetFromRequest(r).RequestID).
			WriteJSON(w)
		return
	}
	variables.GetFromRequest(r).RouteID = route.ID
	g.routeHandlers[route].ServeHTTP(w, r)
}

func isLocalEndpoint(path string) bool {
	return path == actuatorHealthPath || path == actuatorInfoPath
}

func (g *Gateway) serveLocal(w http.ResponseWriter, r *http.Request) {
	variables.GetFromRequest(r).RouteID = actuatorRouteID

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		errors.New(http.StatusMethodNotAllowed, "Method Not Allowed").
			WithRequestID(variables.GetFromRequest(r).RequestID).
			WriteJSON(w)
		return
	}

	switch r.URL.Path {
	case actuatorHealthPath:
		writeJSON(w, http.StatusOK, map[string]any{"status": "UP"})
	case actuatorInfoPath:
		writeJSON(w, http.StatusOK, map[string]any{
			"app": map[string]any{
				"name":    g.config.Discovery.Consul.Register.ServiceName,
				"version": Version,
			},
			"routes": len(g.routeHandlers),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Handler returns the client-facing handler.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.handler.ServeHTTP(w, r)
}

// Close stops the bucket sweeper, flushes traces and releases the registry.
// It is safe to call more than once.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		if g.bucket != nil {
			g.closeErr = multierr.Append(g.closeErr, g.bucket.Close())
		}
		if g.tracer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			g.closeErr = multierr.Append(g.closeErr, g.tracer.Close(ctx))
			cancel()
		}
		if g.registry != nil {
			g.closeErr = multierr.Append(g.closeErr, g.registry.Close())
		}
		if g.transport != nil {
			g.transport.CloseIdleConnections()
		}
	})
	return g.closeErr
}

// Routes returns the route table.
func (g *Gateway) Routes() *router.Table {
	return g.routes
}

// Codec returns the token codec.
func (g *Gateway) Codec() *token.Codec {
	return g.codec
}

// RateLimiter returns the token bucket, or nil when rate limiting is off.
func (g *Gateway) RateLimiter() *ratelimit.TokenBucket {
	return g.bucket
}

// Registry returns the discovery registry.
func (g *Gateway) Registry() registry.Registry {
	return g.registry
}

// Resolver returns the service resolver.
func (g *Gateway) Resolver() *registry.Resolver {
	return g.resolver
}

// Breakers returns the per-service circuit breakers.
func (g *Gateway) Breakers() *circuitbreaker.Set {
	return g.breakers
}

// Metrics returns the metrics collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Tracer returns the tracer.
func (g *Gateway) Tracer() *tracing.Tracer {
	return g.tracer
}
