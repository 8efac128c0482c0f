package gateway

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/ruberoo/gateway/internal/circuitbreaker"
	"github.com/ruberoo/gateway/internal/errors"
	"github.com/ruberoo/gateway/internal/router"
)

type routeInfo struct {
	ID           string   `json:"id"`
	Path         string   `json:"path"`
	Service      string   `json:"service,omitempty"`
	URL          string   `json:"url,omitempty"`
	Filters      []string `json:"filters"`
	RequiresAuth bool     `json:"requires_auth"`
	StripPrefix  int      `json:"strip_prefix,omitempty"`
	Timeout      string   `json:"timeout,omitempty"`
	Breaker      string   `json:"circuit_breaker"`
}

func (s *Server) routeInfo(route *router.Route) routeInfo {
	info := routeInfo{
		ID:           route.ID,
		Path:         route.Pattern,
		Service:      route.Service,
		Filters:      route.Filters,
		RequiresAuth: route.RequiresAuth,
		StripPrefix:  route.StripPrefix,
		Breaker:      s.gateway.Breakers().State(route.Target()).String(),
	}
	if route.URL != nil {
		info.URL = route.URL.String()
	}
	if route.Timeout > 0 {
		info.Timeout = route.Timeout.String()
	}
	return info
}

// handleHealth reports liveness with per-component details. An open breaker
// degrades the report but the gateway itself stays live.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	checks := make(map[string]any)
	status := "ok"

	var open []string
	for _, snap := range s.gateway.Breakers().Snapshots() {
		if snap.State != "closed" {
			open = append(open, snap.Service)
		}
	}
	breakerStatus := "ok"
	if len(open) > 0 {
		breakerStatus = "degraded"
		status = "degraded"
	}
	checks["circuit_breakers"] = map[string]any{
		"status": breakerStatus,
		"open":   open,
	}

	if tb := s.gateway.RateLimiter(); tb != nil {
		checks["rate_limiter"] = map[string]any{
			"status":  "ok",
			"buckets": tb.Len(),
		}
	}

	checks["tracing"] = map[string]any{
		"enabled": s.gateway.Tracer().IsEnabled(),
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"version":   Version,
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"checks":    checks,
	})
}

// handleReady reports whether the gateway accepts traffic.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var reasons []string
	if !s.Ready() {
		reasons = append(reasons, "not serving")
	}
	routes := len(s.gateway.Routes().Routes())
	if routes == 0 {
		reasons = append(reasons, "no routes configured")
	}

	response := map[string]any{
		"routes": routes,
	}
	if len(reasons) > 0 {
		response["status"] = "not_ready"
		response["reasons"] = reasons
		writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}
	response["status"] = "ready"
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	routes := s.gateway.Routes().Routes()
	result := make([]routeInfo, 0, len(routes))
	for _, route := range routes {
		result = append(result, s.routeInfo(route))
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	for _, route := range s.gateway.Routes().Routes() {
		if route.ID == id {
			writeJSON(w, http.StatusOK, s.routeInfo(route))
			return
		}
	}
	errors.ErrNotFound.WithDetails("no route with id " + id).WriteJSON(w)
}

func (s *Server) handleCircuitBreakers(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	snaps := s.gateway.Breakers().Snapshots()
	if snaps == nil {
		snaps = []circuitbreaker.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleRateLimit(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	rl := s.config.RateLimit
	tb := s.gateway.RateLimiter()
	if tb == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":      true,
		"key":          rl.Key,
		"capacity":     tb.Capacity(),
		"refill_rate":  rl.RefillRate,
		"idle_timeout": rl.IdleTimeout.String(),
		"buckets":      tb.Len(),
	})
}
