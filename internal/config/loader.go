package config

import (
	"encoding/base64"
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// SecretEnvVar overrides jwt.secret when set.
const SecretEnvVar = "RUBEROO_JWT_SECRET_KEY"

// minSecretBytes is the smallest HMAC key accepted (256 bits).
const minSecretBytes = 32

// validHTTPMethods contains all valid HTTP method names.
var validHTTPMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

var validAlgorithms = map[string]bool{
	"HS256": true, "HS384": true, "HS512": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		lookupEnv:  os.LookupEnv,
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	l.applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := l.lookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

func (l *Loader) applyEnvOverrides(cfg *Config) {
	if v, ok := l.lookupEnv(SecretEnvVar); ok && v != "" {
		cfg.JWT.Secret = v
	}
}

// DecodeSecret returns the raw HMAC key bytes for the configured encoding.
func (c JWTConfig) DecodeSecret() ([]byte, error) {
	secret := strings.TrimSpace(c.Secret)
	if secret == "" || strings.HasPrefix(secret, "${") {
		return nil, fmt.Errorf("jwt.secret is required (or set %s)", SecretEnvVar)
	}

	var key []byte
	switch c.SecretEncoding {
	case "", "base64":
		var err error
		key, err = base64.StdEncoding.DecodeString(secret)
		if err != nil {
			return nil, fmt.Errorf("jwt.secret is not valid base64: %w", err)
		}
	case "raw":
		key = []byte(secret)
	default:
		return nil, fmt.Errorf("jwt.secret_encoding must be base64 or raw, got %q", c.SecretEncoding)
	}

	if len(key) < minSecretBytes {
		return nil, fmt.Errorf("jwt.secret must be at least %d bytes, got %d", minSecretBytes, len(key))
	}
	return key, nil
}

// Validate checks configuration for errors
func Validate(cfg *Config) error {
	if cfg.Listener.Address == "" {
		return fmt.Errorf("listener.address is required")
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin.address is required when admin is enabled")
	}

	if err := validateJWT(cfg.JWT); err != nil {
		return err
	}
	if err := validateRateLimit(cfg.RateLimit); err != nil {
		return err
	}
	if err := validateSecurity(cfg.Security); err != nil {
		return err
	}
	if err := validateDiscovery(cfg.Discovery); err != nil {
		return err
	}

	if cfg.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be > 0")
	}
	if cb := cfg.Upstream.CircuitBreaker; cb.Enabled && (cb.FailureThreshold < 1 || cb.Timeout <= 0) {
		return fmt.Errorf("upstream.circuit_breaker: failure_threshold must be >= 1 and timeout > 0")
	}

	return validateRoutes(cfg.Routes)
}

func validateJWT(c JWTConfig) error {
	if _, err := c.DecodeSecret(); err != nil {
		return err
	}
	if !validAlgorithms[c.Algorithm] {
		return fmt.Errorf("jwt.algorithm must be one of HS256, HS384, HS512, got %q", c.Algorithm)
	}
	if c.Validity <= 0 {
		return fmt.Errorf("jwt.validity must be > 0")
	}
	if c.IdentityHeader == "" {
		return fmt.Errorf("jwt.identity_header is required")
	}
	for claim, header := range c.ClaimHeaders {
		if claim == "" || header == "" {
			return fmt.Errorf("jwt.claim_headers: empty claim or header name")
		}
		if strings.EqualFold(header, c.IdentityHeader) {
			return fmt.Errorf("jwt.claim_headers: %s collides with the identity header", header)
		}
	}
	return nil
}

func validateRateLimit(c RateLimitConfig) error {
	if !c.Enabled {
		return nil
	}
	if c.Capacity < 1 {
		return fmt.Errorf("rate_limit.capacity must be >= 1")
	}
	if c.RefillRate <= 0 {
		return fmt.Errorf("rate_limit.refill_rate must be > 0")
	}
	if c.IdleTimeout <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("rate_limit.idle_timeout and sweep_interval must be > 0")
	}
	if c.Key != "ip" && !(strings.HasPrefix(c.Key, "header:") && len(c.Key) > len("header:")) {
		return fmt.Errorf("rate_limit.key must be \"ip\" or \"header:<name>\", got %q", c.Key)
	}
	return nil
}

func validateSecurity(c SecurityConfig) error {
	for i, p := range c.PublicPaths {
		if !strings.HasPrefix(p.Path, "/") {
			return fmt.Errorf("security.public_paths[%d]: path must start with /", i)
		}
		for _, m := range p.Methods {
			if !validHTTPMethods[strings.ToUpper(m)] {
				return fmt.Errorf("security.public_paths[%d]: invalid method %q", i, m)
			}
		}
	}
	for _, p := range c.TrustedProxies {
		if _, err := ParsePrefix(p); err != nil {
			return fmt.Errorf("security.trusted_proxies: %w", err)
		}
	}
	return nil
}

// ParsePrefix parses a CIDR or a bare IP address.
func ParsePrefix(s string) (netip.Prefix, error) {
	if strings.Contains(s, "/") {
		return netip.ParsePrefix(s)
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func validateDiscovery(c DiscoveryConfig) error {
	switch c.Type {
	case "static":
		for name, urls := range c.Static {
			for _, raw := range urls {
				u, err := url.Parse(raw)
				if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
					return fmt.Errorf("discovery.static.%s: invalid instance URL %q", name, raw)
				}
			}
		}
	case "consul":
		if c.Consul.Address == "" {
			return fmt.Errorf("discovery.consul.address is required")
		}
		if r := c.Consul.Register; r.Enabled && (r.ServiceName == "" || r.Port == 0) {
			return fmt.Errorf("discovery.consul.register: service_name and port are required")
		}
	default:
		return fmt.Errorf("invalid discovery type: %s", c.Type)
	}
	if c.CacheTTL <= 0 || c.CacheSize < 1 {
		return fmt.Errorf("discovery.cache_ttl and cache_size must be > 0")
	}
	return nil
}

func validateRoutes(routes []RouteConfig) error {
	routeIDs := make(map[string]bool)
	for i, route := range routes {
		if route.ID == "" {
			return fmt.Errorf("route %d: id is required", i)
		}
		if routeIDs[route.ID] {
			return fmt.Errorf("duplicate route id: %s", route.ID)
		}
		routeIDs[route.ID] = true

		if !strings.HasPrefix(route.Path, "/") {
			return fmt.Errorf("route %s: path must start with /", route.ID)
		}

		switch {
		case route.Service != "" && route.URI != "":
			return fmt.Errorf("route %s: service and uri are mutually exclusive", route.ID)
		case route.Service == "" && route.URI == "":
			return fmt.Errorf("route %s: service or uri is required", route.ID)
		case route.URI != "":
			u, err := url.Parse(route.URI)
			if err != nil {
				return fmt.Errorf("route %s: invalid uri: %w", route.ID, err)
			}
			switch u.Scheme {
			case "lb", "http", "https":
			default:
				return fmt.Errorf("route %s: uri scheme must be lb, http or https", route.ID)
			}
			if u.Host == "" {
				return fmt.Errorf("route %s: uri has no host", route.ID)
			}
		}

		if route.Timeout < 0 {
			return fmt.Errorf("route %s: timeout must be >= 0", route.ID)
		}

		for _, f := range route.Filters {
			if err := ValidateFilter(f); err != nil {
				return fmt.Errorf("route %s: %w", route.ID, err)
			}
		}
	}
	return nil
}

func errUnknownFilter(spec string) error {
	return fmt.Errorf("unknown filter %q", spec)
}

func errFilterArg(spec string) error {
	return fmt.Errorf("invalid argument for filter %q", spec)
}
