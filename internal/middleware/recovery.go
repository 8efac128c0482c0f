package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/ruberoo/gateway/internal/errors"
	"github.com/ruberoo/gateway/internal/logging"
	"github.com/ruberoo/gateway/internal/variables"
	"go.uber.org/zap"
)

// RecoveryConfig configures the recovery middleware
type RecoveryConfig struct {
	// PrintStack captures the stack trace when a panic occurs
	PrintStack bool
	// LogFunc is called when a panic occurs
	LogFunc func(r *http.Request, err any, stack []byte)
}

// DefaultRecoveryConfig provides default recovery settings
var DefaultRecoveryConfig = RecoveryConfig{
	PrintStack: true,
	LogFunc:    defaultLogFunc,
}

func defaultLogFunc(r *http.Request, err any, stack []byte) {
	logging.Error("Panic recovered",
		zap.String("request_id", variables.GetFromRequest(r).RequestID),
		zap.String("path", r.URL.Path),
		zap.Any("error", err),
		zap.ByteString("stack", stack),
	)
}

// Recovery creates a panic recovery middleware
func Recovery() Middleware {
	return RecoveryWithConfig(DefaultRecoveryConfig)
}

// RecoveryWithConfig creates a recovery middleware with custom config.
// The panic value is logged but never written to the client.
func RecoveryWithConfig(cfg RecoveryConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				err := recover()
				if err == nil {
					return
				}
				if err == http.ErrAbortHandler {
					panic(err)
				}

				var stack []byte
				if cfg.PrintStack {
					stack = debug.Stack()
				}
				if cfg.LogFunc != nil {
					cfg.LogFunc(r, err, stack)
				}

				errors.ErrInternalServer.
					WithRequestID(w.Header().Get("X-Request-ID")).
					WriteJSON(w)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
