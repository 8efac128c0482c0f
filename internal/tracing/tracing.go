// Package tracing wires OpenTelemetry spans into the request path.
package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ruberoo/gateway/internal/config"
	"github.com/ruberoo/gateway/internal/middleware"
	"github.com/ruberoo/gateway/internal/variables"
)

// Tracer provides distributed tracing functionality via OpenTelemetry
type Tracer struct {
	enabled    bool
	provider   *sdktrace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// Option customizes a Tracer.
type Option func(*options)

type options struct {
	exporter sdktrace.SpanExporter
}

// WithExporter replaces the OTLP exporter.
func WithExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.exporter = exp }
}

// New creates a new Tracer from config. A disabled tracer passes requests
// through untouched.
func New(cfg config.TracingConfig, opts ...Option) (*Tracer, error) {
	t := &Tracer{
		enabled: cfg.Enabled,
	}

	if !cfg.Enabled {
		return t, nil
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "api-gateway"
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 {
		sampleRate = 1.0
	}

	ctx := context.Background()

	exporter := o.exporter
	if exporter == nil {
		// Set up OTLP exporter
		expOpts := []otlptracegrpc.Option{}
		if cfg.Endpoint != "" {
			expOpts = append(expOpts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		if cfg.Insecure {
			expOpts = append(expOpts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
			expOpts = append(expOpts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			expOpts = append(expOpts, otlptracegrpc.WithHeaders(cfg.Headers))
		}

		var err error
		exporter, err = otlptracegrpc.New(ctx, expOpts...)
		if err != nil {
			return nil, err
		}
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
		),
	)
	if err != nil {
		return nil, err
	}

	t.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRate))),
	)

	otel.SetTracerProvider(t.provider)
	t.propagator = propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(t.propagator)

	t.tracer = t.provider.Tracer("gateway")

	return t, nil
}

// IsEnabled returns whether tracing is enabled
func (t *Tracer) IsEnabled() bool {
	return t.enabled
}

// Middleware returns a middleware that creates root spans per request
func (t *Tracer) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		if !t.enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Extract incoming trace context
			ctx := t.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			// Start a span
			ctx, span := t.tracer.Start(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.ServerAddress(r.Host),
					semconv.UserAgentOriginal(r.UserAgent()),
				),
			)
			defer span.End()

			// Inject trace ID into response header
			if span.SpanContext().HasTraceID() {
				w.Header().Set("X-Trace-ID", span.SpanContext().TraceID().String())
			}

			sw := middleware.NewStatusWriter(w)
			r = r.WithContext(ctx)
			next.ServeHTTP(sw, r)

			varCtx := variables.GetFromRequest(r)
			if varCtx.RouteID != "" {
				span.SetName("HTTP " + r.Method + " " + varCtx.RouteID)
				span.SetAttributes(semconv.HTTPRoute(varCtx.RouteID))
			}
			span.SetAttributes(semconv.HTTPResponseStatusCode(sw.Status()))
			if sw.Status() >= 500 {
				span.SetStatus(codes.Error, http.StatusText(sw.Status()))
			}
		})
	}
}

// Inject writes the trace context of ctx into outbound headers. It is a
// no-op while tracing is disabled.
func Inject(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// Flush exports every span ended so far.
func (t *Tracer) Flush(ctx context.Context) error {
	if t.provider != nil {
		return t.provider.ForceFlush(ctx)
	}
	return nil
}

// Close flushes and shuts down the tracer
func (t *Tracer) Close(ctx context.Context) error {
	if t.provider != nil {
		return t.provider.Shutdown(ctx)
	}
	return nil
}
