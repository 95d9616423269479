// Package jwtauth validates JWT bearer tokens against issuer, audience,
// signature, and time policies. It backs the public auth package's JWT
// validators; transports never use it directly.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates the token failed signature, issuer, audience, or
// time validation and the request should be treated as unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// Config controls validation behavior for access tokens.
type Config struct {
	Issuer string
	// ExpectedAudiences contains the accepted "aud" values. The first entry
	// should be the resource identifier registered with the authorization
	// server.
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
}

// Normalize applies algorithm and clock-skew defaults in place.
func (c *Config) Normalize() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
}

func (c *Config) validate() error {
	if c.Issuer == "" {
		return errors.New("jwtauth: issuer is required")
	}
	if len(c.ExpectedAudiences) == 0 {
		return errors.New("jwtauth: at least one expected audience required")
	}
	return nil
}

// Claims is the validated token outcome surfaced to the auth package.
type Claims struct {
	Subject  string
	Scopes   []string
	ClientID string
	Expiry   time.Time
	Raw      map[string]any
}

// Validator checks one bearer token.
type Validator interface {
	Validate(ctx context.Context, token string) (*Claims, error)
}

type jwtValidator struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
}

// NewJWKS constructs a validator that verifies signatures against an
// auto-refreshing JWKS document fetched from jwksURL.
func NewJWKS(ctx context.Context, cfg *Config, jwksURL string) (Validator, error) {
	if cfg == nil {
		return nil, errors.New("jwtauth: config is required")
	}
	if jwksURL == "" {
		return nil, errors.New("jwtauth: jwks url required")
	}
	cfg.Normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwtauth: jwks init failed: %w", err)
	}

	return &jwtValidator{cfg: cfg, keyfunc: guardAlgs(cfg.AllowedAlgs, kf.Keyfunc)}, nil
}

// NewHMAC constructs a validator for HS256-family tokens signed with a shared
// secret.
func NewHMAC(cfg *Config, secret []byte) (Validator, error) {
	if cfg == nil {
		return nil, errors.New("jwtauth: config is required")
	}
	if len(secret) == 0 {
		return nil, errors.New("jwtauth: secret required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"HS256"}
	}
	cfg.Normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	kf := func(t *jwt.Token) (any, error) { return secret, nil }
	return &jwtValidator{cfg: cfg, keyfunc: guardAlgs(cfg.AllowedAlgs, kf)}, nil
}

// guardAlgs wraps a keyfunc so disallowed algorithms are rejected before key
// lookup. "none" is never allowed.
func guardAlgs(allowed []string, next jwt.Keyfunc) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		for _, a := range allowed {
			if alg == a {
				return next(t)
			}
		}
		return nil, fmt.Errorf("disallowed alg: %s", alg)
	}
}

func (v *jwtValidator) Validate(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	parsed, err := parser.Parse(token, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}

	if !audIntersects(claims["aud"], v.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	out := &Claims{Subject: sub, Raw: claims}
	if scope, _ := claims["scope"].(string); scope != "" {
		out.Scopes = strings.Fields(scope)
	}
	if cid, _ := claims["client_id"].(string); cid != "" {
		out.ClientID = cid
	}
	if expf, ok := claims["exp"].(float64); ok {
		out.Expiry = time.Unix(int64(expf), 0)
	}
	return out, nil
}

func audIntersects(aud any, wants []string) bool {
	wantSet := make(map[string]struct{}, len(wants))
	for _, w := range wants {
		wantSet[w] = struct{}{}
	}
	switch v := aud.(type) {
	case string:
		_, ok := wantSet[v]
		return ok
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				if _, ok2 := wantSet[s]; ok2 {
					return true
				}
			}
		}
	case []string:
		for _, s := range v {
			if _, ok := wantSet[s]; ok {
				return true
			}
		}
	}
	return false
}
