package jwtauth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
)

// DiscoveredMetadata is the subset of authorization-server metadata the
// runtime needs: the JWKS location for validation plus advertisement-only
// endpoints surfaced through the protected-resource document.
type DiscoveredMetadata struct {
	Issuer                string
	JWKSURL               string
	AuthorizationEndpoint string
	TokenEndpoint         string
	IntrospectionEndpoint string
	ScopesSupported       []string
}

// Discover performs OIDC discovery against the issuer and returns the
// metadata needed to build a JWKS validator.
func Discover(ctx context.Context, issuer string) (*DiscoveredMetadata, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("jwtauth: oidc discovery failed: %w", err)
	}

	var meta struct {
		Issuer        string   `json:"issuer"`
		JwksURI       string   `json:"jwks_uri"`
		Authorization string   `json:"authorization_endpoint"`
		Token         string   `json:"token_endpoint"`
		Introspection string   `json:"introspection_endpoint"`
		Scopes        []string `json:"scopes_supported"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("jwtauth: invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, fmt.Errorf("jwtauth: discovery metadata for %s lacks jwks_uri", issuer)
	}

	return &DiscoveredMetadata{
		Issuer:                meta.Issuer,
		JWKSURL:               meta.JwksURI,
		AuthorizationEndpoint: meta.Authorization,
		TokenEndpoint:         meta.Token,
		IntrospectionEndpoint: meta.Introspection,
		ScopesSupported:       append([]string(nil), meta.Scopes...),
	}, nil
}

// NewFromDiscovery discovers the issuer's JWKS location and returns a JWKS
// validator configured from cfg.
func NewFromDiscovery(ctx context.Context, cfg *Config) (Validator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("jwtauth: config is required")
	}
	meta, err := Discover(ctx, cfg.Issuer)
	if err != nil {
		return nil, err
	}
	return NewJWKS(ctx, cfg, meta.JWKSURL)
}
