// Package metrics exposes gateway counters and histograms in Prometheus
// format.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ruberoo/gateway/internal/middleware"
	"github.com/ruberoo/gateway/internal/variables"
)

const namespace = "gateway"

// unmatchedRoute labels requests that matched no route so cardinality
// stays bounded.
const unmatchedRoute = "unmatched"

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector tracks gateway metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	rateLimit        *prometheus.CounterVec
	rateLimitEvicted prometheus.Counter
	authOutcomes     *prometheus.CounterVec
	upstreamResults  *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec

	// Circuit breaker state: 0=closed, 1=half_open, 2=open
	circuitBreakerState *prometheus.GaugeVec
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
	}

	c.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Total number of HTTP requests",
	}, []string{"route", "method", "status"})

	c.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   DefaultBuckets,
	}, []string{"route", "method"})

	c.rateLimit = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_decisions_total",
		Help:      "Rate limiter decisions by result",
	}, []string{"result"})

	c.rateLimitEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_buckets_evicted_total",
		Help:      "Idle client buckets removed by the sweeper",
	})

	c.authOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_outcomes_total",
		Help:      "Authentication filter outcomes",
	}, []string{"outcome"})

	c.upstreamResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "upstream_requests_total",
		Help:      "Dispatches to backend services by outcome",
	}, []string{"service", "outcome"})

	c.upstreamDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "upstream_duration_seconds",
		Help:      "Time spent waiting on backend services",
		Buckets:   DefaultBuckets,
	}, []string{"service"})

	c.circuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
	}, []string{"service"})

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.rateLimit,
		c.rateLimitEvicted,
		c.authOutcomes,
		c.upstreamResults,
		c.upstreamDuration,
		c.circuitBreakerState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(route, method string, statusCode int, duration time.Duration) {
	if route == "" {
		route = unmatchedRoute
	}
	method = methodLabel(method)
	c.requestsTotal.WithLabelValues(route, method, strconv.Itoa(statusCode)).Inc()
	c.requestDuration.WithLabelValues(route, method).Observe(duration.Seconds())
}

// methodLabel folds non-standard methods into one series.
func methodLabel(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodConnect,
		http.MethodOptions, http.MethodTrace:
		return method
	}
	return "OTHER"
}

// RecordRateLimit records one limiter decision.
func (c *Collector) RecordRateLimit(allowed bool) {
	if allowed {
		c.rateLimit.WithLabelValues("allowed").Inc()
		return
	}
	c.rateLimit.WithLabelValues("rejected").Inc()
}

// RecordEvictions adds swept bucket counts.
func (c *Collector) RecordEvictions(n int) {
	if n > 0 {
		c.rateLimitEvicted.Add(float64(n))
	}
}

// RecordAuth records an authentication outcome.
func (c *Collector) RecordAuth(outcome string) {
	c.authOutcomes.WithLabelValues(outcome).Inc()
}

// RecordUpstream records one backend dispatch.
func (c *Collector) RecordUpstream(service, outcome string, elapsed time.Duration) {
	c.upstreamResults.WithLabelValues(service, outcome).Inc()
	c.upstreamDuration.WithLabelValues(service).Observe(elapsed.Seconds())
}

// SetCircuitBreakerState sets the circuit breaker state for a service
func (c *Collector) SetCircuitBreakerState(service string, state int) {
	c.circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// TrackBuckets exports the live rate-limit bucket count, read on scrape.
func (c *Collector) TrackBuckets(count func() int) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "rate_limit_buckets",
		Help:      "Client buckets currently held by the rate limiter",
	}, func() float64 { return float64(count()) }))
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the Prometheus exposition handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Middleware records every request once it completes. The route label is
// read after the inner handlers ran, so it reflects the resolved route.
func (c *Collector) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := middleware.NewStatusWriter(w)

			next.ServeHTTP(sw, r)

			c.RecordRequest(variables.GetFromRequest(r).RouteID, r.Method, sw.Status(), time.Since(start))
		})
	}
}
