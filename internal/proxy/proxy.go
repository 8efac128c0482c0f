// Package proxy forwards requests to backend services and relays their
// responses.
package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ruberoo/gateway/internal/circuitbreaker"
	gwerrors "github.com/ruberoo/gateway/internal/errors"
	"github.com/ruberoo/gateway/internal/loadbalancer"
	"github.com/ruberoo/gateway/internal/router"
	"github.com/ruberoo/gateway/internal/tracing"
	"github.com/ruberoo/gateway/internal/variables"
)

// Upstream outcomes reported to the observer.
const (
	OutcomeSuccess     = "success"
	OutcomeUnavailable = "unavailable"
	OutcomeTimeout     = "timeout"
	OutcomeCircuitOpen = "circuit_open"
	OutcomeCanceled    = "canceled"
)

// BackendPicker chooses an instance of a logical service.
type BackendPicker interface {
	Next(ctx context.Context, service string) (*loadbalancer.Backend, error)
}

// ObserveFunc receives one call per dispatched request.
type ObserveFunc func(service, outcome string, elapsed time.Duration)

// Proxy handles proxying requests to backends
type Proxy struct {
	picker         BackendPicker
	breakers       *circuitbreaker.Set
	transport      http.RoundTripper
	defaultTimeout time.Duration
	logger         *zap.Logger
	observe        ObserveFunc
}

// Config holds proxy configuration
type Config struct {
	Picker         BackendPicker
	Breakers       *circuitbreaker.Set
	Transport      http.RoundTripper
	DefaultTimeout time.Duration
	Logger         *zap.Logger
	Observe        ObserveFunc
}

// New creates a new proxy
func New(cfg Config) *Proxy {
	transport := cfg.Transport
	if transport == nil {
		transport = NewTransport(DefaultTransportConfig)
	}

	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Proxy{
		picker:         cfg.Picker,
		breakers:       cfg.Breakers,
		transport:      transport,
		defaultTimeout: timeout,
		logger:         logger,
		observe:        cfg.Observe,
	}
}

// Handler returns an http.Handler that dispatches to route's backend.
func (p *Proxy) Handler(route *router.Route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.Dispatch(w, r, route)
	})
}

// Dispatch forwards r to route's backend and relays the response verbatim,
// backend errors included. Gateway-side failures map to 502, or to 504 when
// the dispatch timeout expires first.
func (p *Proxy) Dispatch(w http.ResponseWriter, r *http.Request, route *router.Route) {
	varCtx := variables.GetFromRequest(r)
	varCtx.RouteID = route.ID
	varCtx.Service = route.Target()

	timeout := p.defaultTimeout
	if route.Timeout > 0 {
		timeout = route.Timeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	start := time.Now()

	target, err := p.resolveTarget(ctx, route)
	if err != nil {
		p.handleError(ctx, w, r, route, err, start)
		return
	}
	varCtx.UpstreamAddr = target.Host

	proxyReq := p.createProxyRequest(ctx, r, target, route)

	resp, err := p.breakers.Execute(route.Target(), func() (*http.Response, error) {
		return p.transport.RoundTrip(proxyReq)
	})
	if err != nil {
		p.handleError(ctx, w, r, route, err, start)
		return
	}
	defer resp.Body.Close()

	p.report(route, OutcomeSuccess, start)

	// Copy response headers
	copyHeaders(w.Header(), resp.Header)

	// Write status code
	w.WriteHeader(resp.StatusCode)

	// Copy response body
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Debug("response body copy interrupted",
			zap.String("request_id", varCtx.RequestID),
			zap.Error(err),
		)
	}
}

func (p *Proxy) resolveTarget(ctx context.Context, route *router.Route) (*url.URL, error) {
	if route.URL != nil {
		return route.URL, nil
	}
	if p.picker == nil {
		return nil, errors.New("no service resolver configured")
	}
	backend, err := p.picker.Next(ctx, route.Service)
	if err != nil {
		return nil, err
	}
	if backend.ParsedURL != nil {
		return backend.ParsedURL, nil
	}
	return url.Parse(backend.URL)
}

// createProxyRequest creates the request to send to the backend.
func (p *Proxy) createProxyRequest(ctx context.Context, r *http.Request, target *url.URL, route *router.Route) *http.Request {
	// Build target URL
	targetURL := *target
	targetURL.Path = singleJoiningSlash(target.Path, route.ForwardPath(r.URL.Path))
	targetURL.RawPath = ""
	targetURL.RawQuery = r.URL.RawQuery

	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)
	if r.ContentLength == 0 {
		proxyReq.Body = nil
	}

	// Copy headers (+3 for X-Forwarded-For/Proto/Host added below)
	proxyReq.Header = make(http.Header, len(r.Header)+3)
	for k, vv := range r.Header {
		proxyReq.Header[k] = vv
	}

	// Set X-Forwarded headers
	if clientIP := variables.ExtractClientIP(r); clientIP != "" {
		if prior := proxyReq.Header.Get("X-Forwarded-For"); prior != "" {
			proxyReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			proxyReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if r.TLS != nil {
		proxyReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		proxyReq.Header.Set("X-Forwarded-Proto", "http")
	}
	proxyReq.Header.Set("X-Forwarded-Host", r.Host)

	// Remove hop-by-hop headers
	removeHopHeaders(proxyReq.Header)

	// Inject trace context into outbound request
	tracing.Inject(ctx, proxyReq.Header)

	return proxyReq
}

// handleError handles proxy errors
func (p *Proxy) handleError(ctx context.Context, w http.ResponseWriter, r *http.Request, route *router.Route, err error, start time.Time) {
	varCtx := variables.GetFromRequest(r)
	fields := []zap.Field{
		zap.String("request_id", varCtx.RequestID),
		zap.String("route_id", route.ID),
		zap.String("service", route.Target()),
		zap.String("upstream_addr", varCtx.UpstreamAddr),
		zap.Error(err),
	}

	switch {
	case circuitbreaker.IsOpen(err):
		p.logger.Warn("circuit open, request rejected", fields...)
		p.report(route, OutcomeCircuitOpen, start)
		gwerrors.ErrBadGateway.WithRequestID(varCtx.RequestID).WriteJSON(w)

	case errors.Is(r.Context().Err(), context.Canceled):
		// The client went away; there is nobody to answer.
		p.logger.Debug("client canceled request", fields...)
		p.report(route, OutcomeCanceled, start)

	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		p.logger.Warn("upstream timeout", fields...)
		p.report(route, OutcomeTimeout, start)
		gwerrors.ErrGatewayTimeout.WithRequestID(varCtx.RequestID).WriteJSON(w)

	default:
		p.logger.Warn("upstream unavailable", fields...)
		p.report(route, OutcomeUnavailable, start)
		gwerrors.ErrBadGateway.WithRequestID(varCtx.RequestID).WriteJSON(w)
	}
}

func (p *Proxy) report(route *router.Route, outcome string, start time.Time) {
	if p.observe != nil {
		p.observe(route.Target(), outcome, time.Since(start))
	}
}

// copyHeaders copies headers from source to destination
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	// Remove hop-by-hop headers from response
	removeHopHeaders(dst)
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	// Headers named in Connection are hop-by-hop too.
	for _, v := range header.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				header.Del(f)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
