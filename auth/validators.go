package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/contexthost/mcprt/internal/jwtauth"
)

// JWTConfig configures the JWT-based validators.
type JWTConfig struct {
	// Issuer is the authorization server's issuer URL (the "iss" claim).
	Issuer string
	// Audience is the resource identifier tokens must be bound to.
	Audience string
	// ExtraAudiences optionally accepts additional audiences, primarily for
	// local development against a production issuer.
	ExtraAudiences []string
	// AllowedAlgs restricts JWS algorithms. Defaults depend on the validator:
	// RS256 for JWKS, HS256 for shared-secret.
	AllowedAlgs []string
	// Leeway is the clock-skew tolerance for time-based claims (default 60s).
	Leeway time.Duration
}

func (c JWTConfig) internal() (*jwtauth.Config, error) {
	if c.Issuer == "" {
		return nil, errors.New("auth: issuer is required")
	}
	if c.Audience == "" {
		return nil, errors.New("auth: audience is required")
	}
	return &jwtauth.Config{
		Issuer:            c.Issuer,
		ExpectedAudiences: append([]string{c.Audience}, c.ExtraAudiences...),
		AllowedAlgs:       append([]string(nil), c.AllowedAlgs...),
		Leeway:            c.Leeway,
	}, nil
}

// NewJWKSValidator verifies JWT access tokens against the public keys
// published at jwksURL. Keys auto-refresh in the background.
func NewJWKSValidator(ctx context.Context, cfg JWTConfig, jwksURL string) (Validator, error) {
	ic, err := cfg.internal()
	if err != nil {
		return nil, err
	}
	v, err := jwtauth.NewJWKS(ctx, ic, jwksURL)
	if err != nil {
		return nil, err
	}
	return jwtAdapter{v}, nil
}

// NewDiscoveryValidator performs OIDC discovery against cfg.Issuer to locate
// the JWKS document, then behaves like NewJWKSValidator.
func NewDiscoveryValidator(ctx context.Context, cfg JWTConfig) (Validator, error) {
	ic, err := cfg.internal()
	if err != nil {
		return nil, err
	}
	v, err := jwtauth.NewFromDiscovery(ctx, ic)
	if err != nil {
		return nil, err
	}
	return jwtAdapter{v}, nil
}

// NewHMACValidator verifies JWT access tokens signed with a shared secret.
func NewHMACValidator(cfg JWTConfig, secret []byte) (Validator, error) {
	ic, err := cfg.internal()
	if err != nil {
		return nil, err
	}
	v, err := jwtauth.NewHMAC(ic, secret)
	if err != nil {
		return nil, err
	}
	return jwtAdapter{v}, nil
}

// jwtAdapter maps the internal claims carrier and sentinel errors onto the
// public contract.
type jwtAdapter struct{ v jwtauth.Validator }

func (a jwtAdapter) Validate(ctx context.Context, token string) (*TokenInfo, error) {
	claims, err := a.v.Validate(ctx, token)
	if err != nil {
		if errors.Is(err, jwtauth.ErrUnauthorized) {
			return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return nil, err
	}
	return &TokenInfo{
		Subject:   claims.Subject,
		Scopes:    claims.Scopes,
		ClientID:  claims.ClientID,
		ExpiresAt: claims.Expiry,
	}, nil
}
