package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/contexthost/mcprt/auth"
	"github.com/contexthost/mcprt/auth/authtest"
)

func mintHS256(t *testing.T, secret []byte, claims map[string]any) string {
	t.Helper()
	mc := jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
	}
	for k, v := range claims {
		mc[k] = v
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestJWKSValidatorAcceptsMintedToken(t *testing.T) {
	iss, err := authtest.NewIssuer()
	if err != nil {
		t.Fatal(err)
	}
	defer iss.Close()

	ctx := context.Background()
	v, err := auth.NewJWKSValidator(ctx, auth.JWTConfig{
		Issuer:   iss.URL,
		Audience: "https://mcp.example.com",
	}, iss.JWKSURL())
	if err != nil {
		t.Fatal(err)
	}

	token, err := iss.MintToken(authtest.TokenSpec{
		Subject:  "user-42",
		Audience: "https://mcp.example.com",
		Scopes:   "mcp:tools mcp:resources",
		ClientID: "cli-1",
	})
	if err != nil {
		t.Fatal(err)
	}

	info, err := v.Validate(ctx, token)
	if err != nil {
		t.Fatal(err)
	}
	if info.Subject != "user-42" {
		t.Errorf("got subject %q", info.Subject)
	}
	if !info.HasScope("mcp:tools") || !info.HasScope("mcp:resources") {
		t.Errorf("got scopes %v", info.Scopes)
	}
	if info.ClientID != "cli-1" {
		t.Errorf("got client id %q", info.ClientID)
	}
}

func TestJWKSValidatorRejectsWrongAudience(t *testing.T) {
	iss, err := authtest.NewIssuer()
	if err != nil {
		t.Fatal(err)
	}
	defer iss.Close()

	ctx := context.Background()
	v, err := auth.NewJWKSValidator(ctx, auth.JWTConfig{
		Issuer:   iss.URL,
		Audience: "https://mcp.example.com",
	}, iss.JWKSURL())
	if err != nil {
		t.Fatal(err)
	}

	token, err := iss.MintToken(authtest.TokenSpec{
		Subject:  "user-42",
		Audience: "https://other.example.com",
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := v.Validate(ctx, token); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
}

func TestJWKSValidatorRejectsGarbage(t *testing.T) {
	iss, err := authtest.NewIssuer()
	if err != nil {
		t.Fatal(err)
	}
	defer iss.Close()

	ctx := context.Background()
	v, err := auth.NewJWKSValidator(ctx, auth.JWTConfig{
		Issuer:   iss.URL,
		Audience: "https://mcp.example.com",
	}, iss.JWKSURL())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := v.Validate(ctx, "not.a.jwt"); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
}

func TestHMACValidatorRoundTrip(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	v, err := auth.NewHMACValidator(auth.JWTConfig{
		Issuer:   "https://issuer.example.com",
		Audience: "https://mcp.example.com",
	}, secret)
	if err != nil {
		t.Fatal(err)
	}

	token := mintHS256(t, secret, map[string]any{
		"iss":   "https://issuer.example.com",
		"sub":   "svc-1",
		"aud":   "https://mcp.example.com",
		"scope": "mcp:admin",
	})

	info, err := v.Validate(context.Background(), token)
	if err != nil {
		t.Fatal(err)
	}
	if info.Subject != "svc-1" || !info.HasScope("mcp:admin") {
		t.Errorf("got %+v", info)
	}

	// A token signed with a different secret must fail.
	forged := mintHS256(t, []byte("wrong-secret-wrong-secret-wrong!"), map[string]any{
		"iss": "https://issuer.example.com",
		"sub": "svc-1",
		"aud": "https://mcp.example.com",
	})
	if _, err := v.Validate(context.Background(), forged); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("got %v, want ErrUnauthorized", err)
	}
}
