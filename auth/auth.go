// Package auth implements the OAuth 2.1 resource-server side of the runtime:
// bearer token extraction, pluggable token validation (JWT by JWKS or shared
// secret, opaque-token callbacks, remote introspection), scope-to-method
// authorization, RFC 6750 challenge responses, and RFC 9728 protected
// resource metadata.
package auth

import (
	"context"
	"errors"
	"time"
)

// ErrUnauthorized indicates authentication failed or no valid credentials
// were supplied. Transports respond 401 with a Bearer challenge.
var ErrUnauthorized = errors.New("auth: unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks a
// required scope. Transports respond 403.
var ErrInsufficientScope = errors.New("auth: insufficient scope")

// TokenInfo is the outcome of a successful authorization. It lives for one
// request's processing and is never persisted.
type TokenInfo struct {
	// Subject identifies the authenticated principal.
	Subject string
	// Scopes are the granted OAuth scopes.
	Scopes []string
	// ClientID identifies the OAuth client the token was issued to.
	ClientID string
	// ExpiresAt is the token expiry when known; zero otherwise.
	ExpiresAt time.Time
}

// HasScope reports whether the token grants the named scope.
func (t *TokenInfo) HasScope(scope string) bool {
	if t == nil {
		return false
	}
	for _, s := range t.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Validator checks a bearer token and returns the token's identity and
// grants. Implementations must return an error wrapping ErrUnauthorized for
// invalid credentials.
type Validator interface {
	Validate(ctx context.Context, token string) (*TokenInfo, error)
}

// ValidatorFunc adapts a function to the Validator interface. It is the
// natural shape for opaque-token callbacks supplied by the host application.
type ValidatorFunc func(ctx context.Context, token string) (*TokenInfo, error)

func (f ValidatorFunc) Validate(ctx context.Context, token string) (*TokenInfo, error) {
	return f(ctx, token)
}

type tokenInfoKey struct{}

// ContextWithTokenInfo attaches the resolved token to a request context so
// downstream tool and resource collaborators can read it.
func ContextWithTokenInfo(ctx context.Context, info *TokenInfo) context.Context {
	return context.WithValue(ctx, tokenInfoKey{}, info)
}

// TokenInfoFromContext returns the token attached by the transport, if any.
func TokenInfoFromContext(ctx context.Context) (*TokenInfo, bool) {
	info, ok := ctx.Value(tokenInfoKey{}).(*TokenInfo)
	return info, ok
}
