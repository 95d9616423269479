package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// IntrospectionConfig configures a remote RFC 7662 token introspection
// validator.
type IntrospectionConfig struct {
	// Endpoint is the authorization server's introspection endpoint.
	Endpoint string
	// ClientID and ClientSecret authenticate this resource server to the
	// introspection endpoint via HTTP basic auth.
	ClientID     string
	ClientSecret string
	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client
}

type introspectionValidator struct {
	cfg    IntrospectionConfig
	client *http.Client
}

// NewIntrospectionValidator builds a Validator that posts each bearer token
// to a remote introspection endpoint. Inactive tokens map to ErrUnauthorized.
func NewIntrospectionValidator(cfg IntrospectionConfig) (Validator, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("auth: introspection endpoint is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &introspectionValidator{cfg: cfg, client: client}, nil
}

func (v *introspectionValidator) Validate(ctx context.Context, token string) (*TokenInfo, error) {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("auth: building introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if v.cfg.ClientID != "" {
		req.SetBasicAuth(v.cfg.ClientID, v.cfg.ClientSecret)
	}

	res, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth: introspection request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("auth: introspection endpoint returned %d", res.StatusCode)
	}

	var body struct {
		Active   bool   `json:"active"`
		Scope    string `json:"scope"`
		Subject  string `json:"sub"`
		ClientID string `json:"client_id"`
		Expiry   int64  `json:"exp"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("auth: decoding introspection response: %w", err)
	}

	if !body.Active {
		return nil, fmt.Errorf("%w: token inactive", ErrUnauthorized)
	}

	info := &TokenInfo{
		Subject:  body.Subject,
		ClientID: body.ClientID,
	}
	if body.Scope != "" {
		info.Scopes = strings.Fields(body.Scope)
	}
	if body.Expiry > 0 {
		info.ExpiresAt = time.Unix(body.Expiry, 0)
	}
	return info, nil
}
