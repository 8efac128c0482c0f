package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ruberoo/gateway/internal/config"
	"github.com/ruberoo/gateway/internal/registry/memory"
)

func serverConfig(backendURL string) *config.Config {
	cfg := testConfig(backendURL)
	cfg.Listener.Address = "127.0.0.1:0"
	cfg.Listener.ShutdownTimeout = 2 * time.Second
	cfg.Admin.Enabled = true
	cfg.Admin.Address = "127.0.0.1:0"
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	s, err := NewServer(cfg, opts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s
}

func adminGet(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.adminServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestAdminRoutes(t *testing.T) {
	b := newBackend(t)
	s := newTestServer(t, serverConfig(b.URL))
	defer s.Gateway().Close()

	rec := adminGet(t, s, "/routes")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var routes []routeInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &routes); err != nil {
		t.Fatal(err)
	}
	if len(routes) != 6 {
		t.Fatalf("routes = %d, want 6", len(routes))
	}
	rides := routes[1]
	if rides.ID != "rides" || rides.Service != "ride-management-service" || !rides.RequiresAuth {
		t.Errorf("rides = %+v", rides)
	}
	if rides.Breaker != "closed" {
		t.Errorf("breaker = %q", rides.Breaker)
	}

	rec = adminGet(t, s, "/routes/slow")
	var slow routeInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &slow); err != nil {
		t.Fatal(err)
	}
	if slow.URL != b.URL || slow.StripPrefix != 1 || slow.Timeout != "50ms" || slow.RequiresAuth {
		t.Errorf("slow = %+v", slow)
	}

	if rec := adminGet(t, s, "/routes/nope"); rec.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d", rec.Code)
	}
}

func TestAdminHealthAndReady(t *testing.T) {
	b := newBackend(t)
	s := newTestServer(t, serverConfig(b.URL))
	defer s.Gateway().Close()

	rec := adminGet(t, s, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	var health map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatal(err)
	}
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}

	rec = adminGet(t, s, "/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("ready before serving = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "not serving") {
		t.Errorf("ready body = %s", rec.Body.String())
	}
}

func TestAdminRateLimitAndBreakers(t *testing.T) {
	b := newBackend(t)
	s := newTestServer(t, serverConfig(b.URL))
	defer s.Gateway().Close()

	do(s.Gateway(), http.MethodGet, "/api/open/x", "", nil)

	rec := adminGet(t, s, "/ratelimit")
	var rl map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &rl); err != nil {
		t.Fatal(err)
	}
	if rl["enabled"] != true || rl["capacity"] != float64(100) || rl["buckets"] != float64(1) {
		t.Errorf("ratelimit = %v", rl)
	}

	rec = adminGet(t, s, "/circuit-breakers")
	if !strings.Contains(rec.Body.String(), `"service":"127.0.0.1:`) {
		t.Errorf("circuit-breakers = %s", rec.Body.String())
	}

	rec = adminGet(t, s, "/metrics")
	if !strings.Contains(rec.Body.String(), "gateway_requests_total") {
		t.Error("metrics endpoint missing gateway_requests_total")
	}
}

func TestServerServeAndShutdown(t *testing.T) {
	b := newBackend(t)
	s := newTestServer(t, serverConfig(b.URL))

	if err := s.Listen(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	waitReady(t, s)

	resp, err := http.Get("http://" + s.Addr().String() + "/api/open/hello")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "backend:/hello" {
		t.Errorf("proxied = %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get("http://" + s.AdminAddr().String() + "/ready")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ready = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if s.Ready() {
		t.Error("still ready after shutdown")
	}
	fresh := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	if _, err := fresh.Get("http://" + s.Addr().String() + "/api/open/hello"); err == nil {
		t.Error("listener still accepting after shutdown")
	}
}

func TestServerShutdownStopsServe(t *testing.T) {
	b := newBackend(t)
	cfg := serverConfig(b.URL)
	cfg.Admin.Enabled = false
	s := newTestServer(t, cfg)

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()
	waitReady(t, s)

	if err := s.Shutdown(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
	if err := s.Shutdown(); err != nil {
		t.Errorf("second Shutdown = %v", err)
	}
}

func TestServerServeWithCanceledContext(t *testing.T) {
	b := newBackend(t)
	cfg := serverConfig(b.URL)
	cfg.Admin.Enabled = false

	for i := 0; i < 20; i++ {
		s := newTestServer(t, cfg)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		done := make(chan error, 1)
		go func() { done <- s.Serve(ctx) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Serve did not return for a canceled context")
		}
		if s.Ready() {
			t.Fatal("ready after Serve returned")
		}
	}
}

func TestServerSelfRegistration(t *testing.T) {
	b := newBackend(t)
	cfg := serverConfig(b.URL)
	cfg.Discovery.Consul.Register.Enabled = true
	cfg.Discovery.Consul.Register.ServiceName = "api-gateway"
	cfg.Discovery.Consul.Register.ServiceID = "api-gateway-1"

	reg, err := memory.NewStatic(cfg.Discovery.Static)
	if err != nil {
		t.Fatal(err)
	}
	s := newTestServer(t, cfg, WithRegistry(reg))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	waitReady(t, s)

	instances, err := reg.Discover(ctx, "api-gateway")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 || instances[0].ID != "api-gateway-1" {
		t.Fatalf("instances = %v", instances)
	}
	if instances[0].Port == 0 {
		t.Error("registered without the bound port")
	}

	cancel()
	<-done

	instances, _ = reg.Discover(context.Background(), "api-gateway")
	if len(instances) != 0 {
		t.Errorf("still registered after shutdown: %v", instances)
	}
}

func waitReady(t *testing.T, s *Server) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !s.Ready() {
		if time.Now().After(deadline) {
			t.Fatal("server never became ready")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
