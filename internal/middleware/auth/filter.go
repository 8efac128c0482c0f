// Package auth implements the bearer-token authentication filter.
package auth

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	gwerrors "github.com/ruberoo/gateway/internal/errors"
	"github.com/ruberoo/gateway/internal/middleware"
	"github.com/ruberoo/gateway/internal/token"
	"github.com/ruberoo/gateway/internal/variables"
)

// Outcome is the result of evaluating one request.
type Outcome int

const (
	PublicBypass Outcome = iota
	MissingCredential
	InvalidCredential
	Proceed
)

func (o Outcome) String() string {
	switch o {
	case PublicBypass:
		return "public"
	case MissingCredential:
		return "missing"
	case InvalidCredential:
		return "invalid"
	case Proceed:
		return "ok"
	default:
		return "unknown"
	}
}

// Verifier checks a raw bearer token.
type Verifier interface {
	Verify(raw string) (*token.Claims, error)
}

// PublicChecker reports whether a request bypasses authentication.
type PublicChecker interface {
	IsPublic(path, method string) bool
}

// Config configures a Filter.
type Config struct {
	Verifier Verifier
	Public   PublicChecker
	// IdentityHeader carries the verified subject to backends.
	IdentityHeader string
	// ClaimHeaders maps claim names to backend headers.
	ClaimHeaders map[string]string
	Logger       *zap.Logger
}

// Filter authenticates requests with a bearer token. The identity headers
// it sets are always derived from the verified token; anything the caller
// sent under those names is discarded.
type Filter struct {
	verifier       Verifier
	public         PublicChecker
	identityHeader string
	claimHeaders   map[string]string
	logger         *zap.Logger
	observe        func(r *http.Request, o Outcome)
}

// NewFilter builds a Filter.
func NewFilter(cfg Config) (*Filter, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("auth: verifier is required")
	}
	if cfg.IdentityHeader == "" {
		return nil, errors.New("auth: identity header is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	claimHeaders := make(map[string]string, len(cfg.ClaimHeaders))
	for claim, header := range cfg.ClaimHeaders {
		claimHeaders[claim] = http.CanonicalHeaderKey(header)
	}
	return &Filter{
		verifier:       cfg.Verifier,
		public:         cfg.Public,
		identityHeader: http.CanonicalHeaderKey(cfg.IdentityHeader),
		claimHeaders:   claimHeaders,
		logger:         logger,
	}, nil
}

// SetObserver registers a callback invoked once per evaluated request.
func (f *Filter) SetObserver(fn func(r *http.Request, o Outcome)) {
	f.observe = fn
}

// StripIdentityHeaders removes every header the filter owns.
func (f *Filter) StripIdentityHeaders(h http.Header) {
	h.Del(f.identityHeader)
	for _, header := range f.claimHeaders {
		h.Del(header)
	}
}

// Evaluate classifies the request without side effects. Claims are returned
// only for Proceed; err describes the rejection reason otherwise.
func (f *Filter) Evaluate(r *http.Request) (Outcome, *token.Claims, error) {
	if f.public != nil && f.public.IsPublic(r.URL.Path, r.Method) {
		return PublicBypass, nil, nil
	}

	raw, err := bearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return MissingCredential, nil, err
	}

	claims, err := f.verifier.Verify(raw)
	if err != nil {
		return InvalidCredential, nil, err
	}
	return Proceed, claims, nil
}

// Middleware rejects unauthenticated requests with 401 and attaches the
// identity to those that pass. A rejected request never reaches next.
func (f *Filter) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			outcome, claims, err := f.Evaluate(r)
			if f.observe != nil {
				f.observe(r, outcome)
			}
			varCtx := variables.GetFromRequest(r)

			switch outcome {
			case PublicBypass:
				next.ServeHTTP(w, r)
				return
			case MissingCredential:
				f.reject(w, r, gwerrors.ErrUnauthenticated, varCtx.RequestID, err)
				return
			case InvalidCredential:
				f.reject(w, r, gwerrors.ErrUnauthorized, varCtx.RequestID, err)
				return
			}

			if err := varCtx.SetIdentity(&variables.Identity{
				Subject: claims.Subject,
				Claims:  claims.Extra,
			}); err != nil {
				f.logger.Error("identity already attached",
					zap.String("request_id", varCtx.RequestID),
					zap.Error(err),
				)
				gwerrors.ErrInternalServer.WithRequestID(varCtx.RequestID).WriteJSON(w)
				return
			}

			r.Header.Set(f.identityHeader, claims.Subject)
			for claim, header := range f.claimHeaders {
				if v, ok := claimValue(claims, claim); ok {
					r.Header.Set(header, v)
				} else {
					r.Header.Del(header)
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (f *Filter) reject(w http.ResponseWriter, r *http.Request, base *gwerrors.GatewayError, requestID string, reason error) {
	f.logger.Debug("authentication rejected",
		zap.String("request_id", requestID),
		zap.String("path", r.URL.Path),
		zap.String("kind", string(base.Kind)),
		zap.Error(reason),
	)
	base.WithRequestID(requestID).WriteJSON(w)
}

var (
	errNoAuthorization = errors.New("authorization header missing")
	errNotBearer       = errors.New("authorization scheme is not bearer")
	errEmptyToken      = errors.New("bearer token empty")
)

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", errNoAuthorization
	}
	scheme, raw, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errNotBearer
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errEmptyToken
	}
	return raw, nil
}

// claimValue renders a claim as a header value. JSON numbers decode as
// float64; integral values are written without a fraction.
func claimValue(c *token.Claims, name string) (string, bool) {
	var v any
	if name == "sub" {
		v = c.Subject
	} else {
		var ok bool
		if v, ok = c.Extra[name]; !ok || v == nil {
			return "", false
		}
	}

	switch val := v.(type) {
	case string:
		return val, val != ""
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return strconv.FormatInt(int64(val), 10), true
		}
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	default:
		return fmt.Sprint(val), true
	}
}
