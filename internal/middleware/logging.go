package middleware

import (
	"net/http"
	"time"

	"github.com/ruberoo/gateway/internal/variables"
	"go.uber.org/zap"
)

// LoggingConfig configures the access log middleware
type LoggingConfig struct {
	// Logger receives one entry per request. Defaults to zap.L().
	Logger *zap.Logger
	// SkipPaths are paths that should not be logged
	SkipPaths []string
}

// AccessLog creates an access log middleware
func AccessLog(cfg LoggingConfig) Middleware {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.L()
	}
	skipPaths := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			sw := NewStatusWriter(w)
			r, varCtx := variables.Attach(r)

			next.ServeHTTP(sw, r)

			// Stack-allocated array avoids slice growth allocations.
			var fields [12]zap.Field
			n := 0
			fields[n] = zap.String("request_id", varCtx.RequestID); n++
			fields[n] = zap.String("remote_addr", variables.ExtractClientIP(r)); n++
			fields[n] = zap.String("method", r.Method); n++
			fields[n] = zap.String("path", r.URL.Path); n++
			fields[n] = zap.Int("status", sw.Status()); n++
			fields[n] = zap.Int64("body_bytes", sw.BytesWritten()); n++
			fields[n] = zap.Duration("response_time", time.Since(start)); n++
			if varCtx.RouteID != "" {
				fields[n] = zap.String("route_id", varCtx.RouteID); n++
			}
			if varCtx.Service != "" {
				fields[n] = zap.String("service", varCtx.Service); n++
			}
			if varCtx.UpstreamAddr != "" {
				fields[n] = zap.String("upstream_addr", varCtx.UpstreamAddr); n++
			}
			if sub := varCtx.Subject(); sub != "" {
				fields[n] = zap.String("auth_subject", sub); n++
			}
			if ua := r.UserAgent(); ua != "" {
				fields[n] = zap.String("user_agent", ua); n++
			}

			logger.Info("HTTP request", fields[:n]...)
		})
	}
}
