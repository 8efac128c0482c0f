// Package circuitbreaker keeps one breaker per backend service.
package circuitbreaker

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/ruberoo/gateway/internal/config"
)

// StateChangeFunc is called on every breaker transition.
type StateChangeFunc func(service string, from, to gobreaker.State)

// Set manages circuit breakers keyed by service. Only transport failures
// count against a breaker; any HTTP response, 5xx included, is a success.
type Set struct {
	enabled  bool
	settings gobreaker.Settings
	logger   *zap.Logger
	onChange StateChangeFunc

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
}

// NewSet creates a breaker set from config.
func NewSet(cfg config.CircuitBreakerConfig, logger *zap.Logger) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}

	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	halfOpen := cfg.HalfOpenRequests
	if halfOpen <= 0 {
		halfOpen = 1
	}

	s := &Set{
		enabled:  cfg.Enabled,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}
	s.settings = gobreaker.Settings{
		MaxRequests: uint32(halfOpen),
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		IsSuccessful: func(err error) bool {
			// A client that went away says nothing about the backend.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Info("circuit breaker state change",
				zap.String("service", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if s.onChange != nil {
				s.onChange(name, from, to)
			}
		},
	}
	return s
}

// OnStateChange registers a transition callback. Call before serving.
func (s *Set) OnStateChange(fn StateChangeFunc) {
	s.onChange = fn
}

// Execute runs fn under the service's breaker. When the breaker rejects the
// call fn is not run and the error satisfies IsOpen.
func (s *Set) Execute(service string, fn func() (*http.Response, error)) (*http.Response, error) {
	if s == nil || !s.enabled {
		return fn()
	}
	return s.get(service).Execute(fn)
}

func (s *Set) get(service string) *gobreaker.CircuitBreaker[*http.Response] {
	s.mu.RLock()
	cb, ok := s.breakers[service]
	s.mu.RUnlock()
	if ok {
		return cb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok = s.breakers[service]; ok {
		return cb
	}
	st := s.settings
	st.Name = service
	cb = gobreaker.NewCircuitBreaker[*http.Response](st)
	s.breakers[service] = cb
	return cb
}

// State returns the breaker state for service. Services never called report
// closed.
func (s *Set) State(service string) gobreaker.State {
	if s == nil || !s.enabled {
		return gobreaker.StateClosed
	}
	s.mu.RLock()
	cb, ok := s.breakers[service]
	s.mu.RUnlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// Snapshot is a point-in-time view of one breaker.
type Snapshot struct {
	Service             string `json:"service"`
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// Snapshots returns every known breaker ordered by service name.
func (s *Set) Snapshots() []Snapshot {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	out := make([]Snapshot, 0, len(s.breakers))
	for name, cb := range s.breakers {
		c := cb.Counts()
		out = append(out, Snapshot{
			Service:             name,
			State:               cb.State().String(),
			Requests:            c.Requests,
			TotalFailures:       c.TotalFailures,
			ConsecutiveFailures: c.ConsecutiveFailures,
		})
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// IsOpen reports whether err is a breaker rejection.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
