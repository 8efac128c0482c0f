package proxy

import (
	"net"
	"net/http"
	"time"

	"github.com/ruberoo/gateway/internal/config"
)

// TransportConfig configures the HTTP transport
type TransportConfig struct {
	// Connection settings
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	// Timeouts
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration

	// HTTP/2
	ForceHTTP2 bool
}

// DefaultTransportConfig provides default transport settings
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	DialTimeout:           5 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceHTTP2:            true,
}

// TransportConfigFromUpstream overlays non-zero upstream settings on the
// defaults.
func TransportConfigFromUpstream(u config.UpstreamConfig) TransportConfig {
	cfg := DefaultTransportConfig
	if u.MaxIdleConns > 0 {
		cfg.MaxIdleConns = u.MaxIdleConns
	}
	if u.MaxIdleConnsPerHost > 0 {
		cfg.MaxIdleConnsPerHost = u.MaxIdleConnsPerHost
	}
	if u.IdleConnTimeout > 0 {
		cfg.IdleConnTimeout = u.IdleConnTimeout
	}
	if u.DialTimeout > 0 {
		cfg.DialTimeout = u.DialTimeout
	}
	return cfg
}

// NewTransport creates a new HTTP transport with the given configuration.
// Redirects are never followed; the backend's 3xx reaches the client as is.
func NewTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
		ForceAttemptHTTP2:     cfg.ForceHTTP2,
	}
}
