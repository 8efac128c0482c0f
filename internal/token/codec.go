// Package token issues and verifies the signed identity tokens carried in
// the Authorization header.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verification failures. Every failure of Verify wraps exactly one of these.
var (
	ErrMalformed        = errors.New("token malformed")
	ErrSignatureInvalid = errors.New("token signature invalid")
	ErrExpired          = errors.New("token expired")
)

// DefaultValidity is the lifetime of issued tokens.
const DefaultValidity = 24 * time.Hour

// Claims is the verified content of a token.
type Claims struct {
	Subject   string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// Extra holds every claim other than sub, iat and exp.
	Extra map[string]any
}

// Config configures a Codec.
type Config struct {
	Key       []byte
	Algorithm string // HS256, HS384 or HS512; default HS512
	Validity  time.Duration
	// Now overrides the clock; defaults to time.Now.
	Now func() time.Time
}

// Codec signs and verifies HMAC tokens with a single shared key. The key is
// read-only after construction so a Codec is safe for concurrent use.
type Codec struct {
	key      []byte
	method   *jwt.SigningMethodHMAC
	validity time.Duration
	now      func() time.Time
	parser   *jwt.Parser
}

// NewCodec builds a Codec. A missing key is an error; callers treat it as
// fatal at startup.
func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.Key) == 0 {
		return nil, errors.New("token: signing key is required")
	}

	alg := cfg.Algorithm
	if alg == "" {
		alg = jwt.SigningMethodHS512.Alg()
	}
	var method *jwt.SigningMethodHMAC
	switch alg {
	case "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("token: unsupported algorithm %q", alg)
	}

	validity := cfg.Validity
	if validity <= 0 {
		validity = DefaultValidity
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	key := make([]byte, len(cfg.Key))
	copy(key, cfg.Key)

	return &Codec{
		key:      key,
		method:   method,
		validity: validity,
		now:      now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{method.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(now),
		),
	}, nil
}

// Issue creates a token for subject with iat=now and exp=now+validity.
// Extra claims cannot override sub, iat or exp.
func (c *Codec) Issue(subject string, extra map[string]any) (string, error) {
	if subject == "" {
		return "", errors.New("token: subject is required")
	}
	now := c.now()

	claims := jwt.MapClaims{}
	for k, v := range extra {
		claims[k] = v
	}
	claims["sub"] = subject
	// NumericDate drops sub-second precision: iat rounds down, exp rounds
	// up, so a token never lives shorter than validity.
	claims["iat"] = jwt.NewNumericDate(now)
	claims["exp"] = jwt.NewNumericDate(ceilTime(now.Add(c.validity), jwt.TimePrecision))

	signed, err := jwt.NewWithClaims(c.method, claims).SignedString(c.key)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

func ceilTime(t time.Time, d time.Duration) time.Time {
	if tr := t.Truncate(d); !tr.Equal(t) {
		return tr.Add(d)
	}
	return t
}

// Verify checks the signature and expiry of raw and returns its claims.
// Errors wrap ErrMalformed, ErrSignatureInvalid or ErrExpired.
func (c *Codec) Verify(raw string) (*Claims, error) {
	claims := jwt.MapClaims{}
	_, err := c.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return c.key, nil
	})
	if err != nil {
		return nil, classify(err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrMalformed)
	}

	out := &Claims{Subject: sub, Extra: make(map[string]any, len(claims))}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	for k, v := range claims {
		switch k {
		case "sub", "iat", "exp":
		default:
			out.Extra[k] = v
		}
	}
	return out, nil
}

// classify maps parser errors onto the three verification failures. A token
// that fails both signature and expiry reports the signature.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}
