package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/contexthost/mcprt/internal/wellknown"
)

// ProtectedResourceMetadataPath is the RFC 9728 well-known path at which the
// HTTP transports serve the resource server's discovery document.
const ProtectedResourceMetadataPath = "/.well-known/oauth-protected-resource"

// ScopeError reports a valid token lacking a required scope.
type ScopeError struct {
	Method  string
	Missing string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("method %q requires scope %q", e.Method, e.Missing)
}

func (e *ScopeError) Unwrap() error { return ErrInsufficientScope }

// Config assembles a ResourceServer.
type Config struct {
	// Enabled turns authorization on. When false, Authorize always succeeds
	// with an empty TokenInfo and scope checks are skipped.
	Enabled bool

	// Resource is this server's resource identifier (the audience tokens are
	// bound to). It doubles as the Bearer challenge realm.
	Resource string

	// AuthorizationServers lists the issuer URLs advertised in the RFC 9728
	// metadata document.
	AuthorizationServers []string

	// Validator checks bearer tokens. Required when Enabled.
	Validator Validator

	// Scopes maps method categories to scope names. Zero fields default to
	// the mcp:* names.
	Scopes ScopePolicy
}

// ResourceServer enforces bearer-token authorization at the transport
// boundary. It is immutable and safe for concurrent use.
type ResourceServer struct {
	cfg Config
}

// NewResourceServer validates the configuration and returns the server.
func NewResourceServer(cfg Config) (*ResourceServer, error) {
	if cfg.Enabled {
		if cfg.Resource == "" {
			return nil, errors.New("auth: resource identifier is required")
		}
		if cfg.Validator == nil {
			return nil, errors.New("auth: validator is required")
		}
	}
	cfg.Scopes = cfg.Scopes.normalized()
	return &ResourceServer{cfg: cfg}, nil
}

// Enabled reports whether authorization is enforced.
func (rs *ResourceServer) Enabled() bool { return rs != nil && rs.cfg.Enabled }

// Authenticate extracts and validates the request's bearer token. A missing
// or invalid token yields an error wrapping ErrUnauthorized. When the server
// is disabled an empty TokenInfo is returned.
func (rs *ResourceServer) Authenticate(ctx context.Context, r *http.Request) (*TokenInfo, error) {
	if !rs.Enabled() {
		return &TokenInfo{}, nil
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, fmt.Errorf("%w: no token provided", ErrUnauthorized)
	}

	// Tolerate a bare token without the Bearer prefix.
	token := header
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		token = after
	}
	if token == "" {
		return nil, fmt.Errorf("%w: empty bearer token", ErrUnauthorized)
	}

	info, err := rs.cfg.Validator.Validate(ctx, token)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrInsufficientScope) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return info, nil
}

// RequiredScope returns the scope gating a JSON-RPC method under this
// server's policy, or "" when none is required.
func (rs *ResourceServer) RequiredScope(method string) string {
	if !rs.Enabled() {
		return ""
	}
	return rs.cfg.Scopes.RequiredScope(method)
}

// CheckScope verifies the token grants whatever scope gates method.
func (rs *ResourceServer) CheckScope(info *TokenInfo, method string) error {
	required := rs.RequiredScope(method)
	if required == "" {
		return nil
	}
	if info.HasScope(required) {
		return nil
	}
	return &ScopeError{Method: method, Missing: required}
}

// Authorize runs Authenticate then CheckScope for the given method.
func (rs *ResourceServer) Authorize(ctx context.Context, r *http.Request, method string) (*TokenInfo, error) {
	info, err := rs.Authenticate(ctx, r)
	if err != nil {
		return nil, err
	}
	if err := rs.CheckScope(info, method); err != nil {
		return nil, err
	}
	return info, nil
}

// WriteChallenge shapes an authorization failure as an RFC 6750 response:
// 401 with a Bearer challenge for missing/invalid tokens, 403 with an
// insufficient_scope body for valid-but-under-scoped tokens.
func (rs *ResourceServer) WriteChallenge(w http.ResponseWriter, err error) {
	realm := rs.cfg.Resource

	var scopeErr *ScopeError
	if errors.As(err, &scopeErr) {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(
			`Bearer realm=%q, error="insufficient_scope", scope=%q`, realm, scopeErr.Missing))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             "insufficient_scope",
			"error_description": scopeErr.Error(),
			"scope":             scopeErr.Missing,
		})
		return
	}

	desc := "invalid or missing token"
	if err != nil {
		desc = err.Error()
	}
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(
		`Bearer realm=%q, error="invalid_token", error_description=%q`, realm, desc))
	w.WriteHeader(http.StatusUnauthorized)
}

// Metadata returns the RFC 9728 protected resource metadata document.
func (rs *ResourceServer) Metadata() wellknown.ProtectedResourceMetadata {
	return wellknown.ProtectedResourceMetadata{
		Resource:             rs.cfg.Resource,
		AuthorizationServers: append([]string(nil), rs.cfg.AuthorizationServers...),
		ScopesSupported: []string{
			rs.cfg.Scopes.ToolsScope,
			rs.cfg.Scopes.ResourcesScope,
			rs.cfg.Scopes.AdminScope,
		},
		BearerMethodsSupported: []string{"header"},
	}
}

// MetadataHandler serves the discovery document.
func (rs *ResourceServer) MetadataHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rs.Metadata()); err != nil {
			http.Error(w, "failed to encode protected resource metadata", http.StatusInternalServerError)
		}
	}
}
