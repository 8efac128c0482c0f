package config

import (
	"strconv"
	"strings"
	"time"
)

// Config represents the complete gateway configuration
type Config struct {
	Listener  ListenerConfig  `yaml:"listener"`
	Admin     AdminConfig     `yaml:"admin"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Security  SecurityConfig  `yaml:"security"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Routes    []RouteConfig   `yaml:"routes"`
}

// ListenerConfig defines the client-facing HTTP listener
type ListenerConfig struct {
	Address           string        `yaml:"address"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

// AdminConfig defines the admin listener (health, routes, metrics)
type AdminConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Address     string `yaml:"address"`
	MetricsPath string `yaml:"metrics_path"`
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Output     string `yaml:"output"` // stdout, stderr or a file path
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	AccessLog  bool   `yaml:"access_log"`
}

// TracingConfig defines OpenTelemetry tracing settings
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
}

// JWTConfig defines the token signing key and identity propagation
type JWTConfig struct {
	// Secret is the shared HMAC key. RUBEROO_JWT_SECRET_KEY overrides it.
	Secret         string        `yaml:"secret"`
	SecretEncoding string        `yaml:"secret_encoding"` // base64 or raw
	Algorithm      string        `yaml:"algorithm"`       // HS256, HS384, HS512
	Validity       time.Duration `yaml:"validity"`
	IdentityHeader string        `yaml:"identity_header"`
	// ClaimHeaders maps a token claim to the backend header carrying it.
	ClaimHeaders map[string]string `yaml:"claim_headers"`
}

// RateLimitConfig defines the per-client token bucket
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Capacity      int           `yaml:"capacity"`
	RefillRate    float64       `yaml:"refill_rate"` // tokens per second
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Key           string        `yaml:"key"` // "ip" or "header:<name>"
}

// SecurityConfig defines the public-path policy and proxy trust
type SecurityConfig struct {
	PublicPaths    []PublicPathConfig `yaml:"public_paths"`
	TrustedProxies []string           `yaml:"trusted_proxies"`
}

// PublicPathConfig is one public-path rule. An empty method list matches
// every method.
type PublicPathConfig struct {
	Path    string   `yaml:"path"`
	Methods []string `yaml:"methods"`
}

// DiscoveryConfig defines how service names resolve to instances
type DiscoveryConfig struct {
	Type      string              `yaml:"type"` // static or consul
	Static    map[string][]string `yaml:"static"`
	Consul    ConsulConfig        `yaml:"consul"`
	CacheTTL  time.Duration       `yaml:"cache_ttl"`
	CacheSize int                 `yaml:"cache_size"`
}

// ConsulConfig defines Consul settings
type ConsulConfig struct {
	Address        string             `yaml:"address"`
	Scheme         string             `yaml:"scheme"`
	Datacenter     string             `yaml:"datacenter"`
	Token          string             `yaml:"token"`
	ConnectTimeout time.Duration      `yaml:"connect_timeout"`
	Register       ConsulRegistration `yaml:"register"`
}

// ConsulRegistration describes how the gateway registers itself
type ConsulRegistration struct {
	Enabled       bool   `yaml:"enabled"`
	ServiceName   string `yaml:"service_name"`
	ServiceID     string `yaml:"service_id"`
	Address       string `yaml:"address"`
	Port          int    `yaml:"port"`
	CheckURL      string `yaml:"check_url"`
	CheckInterval string `yaml:"check_interval"`
}

// UpstreamConfig defines backend dispatch settings
type UpstreamConfig struct {
	Timeout             time.Duration        `yaml:"timeout"`
	DialTimeout         time.Duration        `yaml:"dial_timeout"`
	MaxIdleConns        int                  `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int                  `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration        `yaml:"idle_conn_timeout"`
	CircuitBreaker      CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig defines per-service circuit breaker settings
type CircuitBreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold int           `yaml:"failure_threshold"` // consecutive failures to open
	Timeout          time.Duration `yaml:"timeout"`           // open -> half-open delay
	HalfOpenRequests int           `yaml:"half_open_requests"`
}

// RouteConfig defines a route
type RouteConfig struct {
	ID   string `yaml:"id"`
	Path string `yaml:"path"`
	// Service is the logical backend name resolved through discovery.
	Service string `yaml:"service"`
	// URI is either lb://<service> or a fixed http(s) base URL.
	URI     string        `yaml:"uri"`
	Filters []string      `yaml:"filters"`
	Timeout time.Duration `yaml:"timeout"`
}

const (
	FilterJWTAuth     = "jwt-auth"
	FilterStripPrefix = "strip-prefix"
)

// DefaultFilters apply to routes that do not list any.
var DefaultFilters = []string{FilterJWTAuth}

// ParseFilter splits "name=arg" into its parts.
func ParseFilter(spec string) (name, arg string) {
	name, arg, _ = strings.Cut(strings.TrimSpace(spec), "=")
	return strings.TrimSpace(name), strings.TrimSpace(arg)
}

// ValidateFilter reports whether a filter spec names a known filter with a
// usable argument.
func ValidateFilter(spec string) error {
	name, arg := ParseFilter(spec)
	switch name {
	case FilterJWTAuth:
		if arg != "" {
			return errFilterArg(spec)
		}
	case FilterStripPrefix:
		n, err := strconv.Atoi(arg)
		if err != nil || n < 1 {
			return errFilterArg(spec)
		}
	default:
		return errUnknownFilter(spec)
	}
	return nil
}

// EffectiveFilters returns the route's filters or the defaults.
func (r RouteConfig) EffectiveFilters() []string {
	if len(r.Filters) == 0 {
		return DefaultFilters
	}
	return r.Filters
}

// DefaultPublicPaths is the narrow allowlist used when none is configured:
// credential endpoints, health, and discovery.
func DefaultPublicPaths() []PublicPathConfig {
	return []PublicPathConfig{
		{Path: "/api/users/auth/login", Methods: []string{"POST"}},
		{Path: "/api/users/auth/register", Methods: []string{"POST"}},
		{Path: "/actuator/**"},
		{Path: "/eureka/**"},
	}
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listener: ListenerConfig{
			Address:           ":8080",
			ReadTimeout:       30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			MaxHeaderBytes:    1 << 20,
			ShutdownTimeout:   30 * time.Second,
		},
		Admin: AdminConfig{
			Enabled:     true,
			Address:     ":9090",
			MetricsPath: "/metrics",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Output:     "stderr",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 7,
			AccessLog:  true,
		},
		Tracing: TracingConfig{
			ServiceName: "ruberoo-gateway",
			SampleRate:  1.0,
		},
		JWT: JWTConfig{
			SecretEncoding: "base64",
			Algorithm:      "HS512",
			Validity:       24 * time.Hour,
			IdentityHeader: "X-Auth-User",
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			Capacity:      20,
			RefillRate:    10,
			IdleTimeout:   10 * time.Minute,
			SweepInterval: time.Minute,
			Key:           "ip",
		},
		Security: SecurityConfig{
			PublicPaths: DefaultPublicPaths(),
		},
		Discovery: DiscoveryConfig{
			Type:      "static",
			CacheTTL:  10 * time.Second,
			CacheSize: 256,
			Consul: ConsulConfig{
				Address:        "127.0.0.1:8500",
				Scheme:         "http",
				ConnectTimeout: 30 * time.Second,
				Register: ConsulRegistration{
					ServiceName:   "api-gateway",
					CheckInterval: "10s",
				},
			},
		},
		Upstream: UpstreamConfig{
			Timeout:             30 * time.Second,
			DialTimeout:         5 * time.Second,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				Timeout:          30 * time.Second,
				HalfOpenRequests: 1,
			},
		},
	}
}
