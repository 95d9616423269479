// Package authtest provides helpers for exercising the auth package in
// tests: an httptest-backed JWKS endpoint with a matching signing key, and a
// permissive validator for transports running without real authorization.
package authtest

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/contexthost/mcprt/auth"
)

// Issuer is a fake authorization server: it serves a JWKS document over
// httptest and signs RS256 access tokens with the corresponding private key.
type Issuer struct {
	URL string

	key *rsa.PrivateKey
	kid string
	srv *httptest.Server
}

// NewIssuer generates a signing key and starts the JWKS server. Callers must
// Close it.
func NewIssuer() (*Issuer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	iss := &Issuer{key: key, kid: "authtest-key"}

	jwk := jose.JSONWebKey{Key: &key.PublicKey, KeyID: iss.kid, Algorithm: "RS256", Use: "sig"}
	keySet := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	keysJSON, err := json.Marshal(keySet)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 iss.URL,
			"jwks_uri":               iss.URL + "/keys",
			"authorization_endpoint": iss.URL + "/oauth2/auth",
			"token_endpoint":         iss.URL + "/oauth2/token",
		})
	})

	iss.srv = httptest.NewServer(mux)
	iss.URL = iss.srv.URL
	return iss, nil
}

// Close stops the JWKS server.
func (i *Issuer) Close() { i.srv.Close() }

// JWKSURL returns the key-set endpoint.
func (i *Issuer) JWKSURL() string { return i.URL + "/keys" }

// TokenSpec describes the token to mint.
type TokenSpec struct {
	Subject  string
	Audience string
	Scopes   string // space-delimited scope claim
	ClientID string
	// TTL defaults to one hour.
	TTL time.Duration
}

// MintToken signs an RS256 access token for the spec.
func (i *Issuer) MintToken(spec TokenSpec) (string, error) {
	ttl := spec.TTL
	if ttl == 0 {
		ttl = time.Hour
	}
	claims := jwt.MapClaims{
		"iss": i.URL,
		"sub": spec.Subject,
		"aud": spec.Audience,
		"exp": time.Now().Add(ttl).Unix(),
		"iat": time.Now().Unix(),
	}
	if spec.Scopes != "" {
		claims["scope"] = spec.Scopes
	}
	if spec.ClientID != "" {
		claims["client_id"] = spec.ClientID
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = i.kid
	return tok.SignedString(i.key)
}

// StaticValidator returns a validator that accepts every token and reports
// the given subject and scopes. Useful for transport tests that are not
// about authorization.
func StaticValidator(subject string, scopes ...string) auth.Validator {
	return auth.ValidatorFunc(func(ctx context.Context, token string) (*auth.TokenInfo, error) {
		return &auth.TokenInfo{Subject: subject, Scopes: scopes}, nil
	})
}
