package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration. Precedence is defaults, then the YAML
// file, then environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Security SecurityConfig `yaml:"security"`
	Storage  StorageConfig  `yaml:"storage"`
	Auth     AuthConfig     `yaml:"auth"`
	Content  ContentConfig  `yaml:"content"`
}

type ServerConfig struct {
	// Addr is the HTTP listen address. ENV: MCPRT_ADDR
	Addr string `yaml:"addr" env:"MCPRT_ADDR"`
	// Endpoint is the unified transport path. ENV: MCPRT_ENDPOINT
	Endpoint string `yaml:"endpoint" env:"MCPRT_ENDPOINT"`
	// LegacySSE additionally mounts the dual-endpoint transport under
	// /legacy. ENV: MCPRT_LEGACY_SSE
	LegacySSE bool `yaml:"legacy_sse" env:"MCPRT_LEGACY_SSE"`
	// SessionTTL bounds idle session lifetime. ENV: MCPRT_SESSION_TTL
	SessionTTL time.Duration `yaml:"session_ttl" env:"MCPRT_SESSION_TTL"`
	// Keepalive is the SSE keepalive interval. ENV: MCPRT_KEEPALIVE
	Keepalive time.Duration `yaml:"keepalive" env:"MCPRT_KEEPALIVE"`
}

type LogConfig struct {
	// Level is debug, info, warn or error. ENV: MCPRT_LOG_LEVEL
	Level string `yaml:"level" env:"MCPRT_LOG_LEVEL"`
	// Format is "json" or "text". ENV: MCPRT_LOG_FORMAT
	Format string `yaml:"format" env:"MCPRT_LOG_FORMAT"`
}

type SecurityConfig struct {
	// AllowedOrigins lists exact origin hostnames. ENV: MCPRT_ALLOWED_ORIGINS
	AllowedOrigins []string `yaml:"allowed_origins" env:"MCPRT_ALLOWED_ORIGINS"`
	// LocalhostOnly restricts remote addresses to loopback.
	// ENV: MCPRT_LOCALHOST_ONLY
	LocalhostOnly bool `yaml:"localhost_only" env:"MCPRT_LOCALHOST_ONLY"`
	// AllowedIPs lists permitted remote IPs or CIDR blocks.
	// ENV: MCPRT_ALLOWED_IPS
	AllowedIPs []string `yaml:"allowed_ips" env:"MCPRT_ALLOWED_IPS"`
}

type StorageConfig struct {
	// Backend is "memory" or "redis". ENV: MCPRT_STORAGE_BACKEND
	Backend string `yaml:"backend" env:"MCPRT_STORAGE_BACKEND"`
	// RedisAddr like "localhost:6379". ENV: MCPRT_REDIS_ADDR
	RedisAddr string `yaml:"redis_addr" env:"MCPRT_REDIS_ADDR"`
	// KeyPrefix namespaces all Redis keys. ENV: MCPRT_KEY_PREFIX
	KeyPrefix string `yaml:"key_prefix" env:"MCPRT_KEY_PREFIX"`
}

type AuthConfig struct {
	// Enabled turns bearer-token enforcement on. ENV: MCPRT_AUTH_ENABLED
	Enabled bool `yaml:"enabled" env:"MCPRT_AUTH_ENABLED"`
	// Resource is this server's resource identifier. ENV: MCPRT_AUTH_RESOURCE
	Resource string `yaml:"resource" env:"MCPRT_AUTH_RESOURCE"`
	// Issuer is the authorization server's issuer URL. ENV: MCPRT_AUTH_ISSUER
	Issuer string `yaml:"issuer" env:"MCPRT_AUTH_ISSUER"`
	// JWKSURL pins the key set URL; when empty the issuer's OIDC discovery
	// document is used. ENV: MCPRT_AUTH_JWKS_URL
	JWKSURL string `yaml:"jwks_url" env:"MCPRT_AUTH_JWKS_URL"`
}

type ContentConfig struct {
	// Dir is a directory served as file-backed resources, watched for
	// changes. Empty disables it. ENV: MCPRT_CONTENT_DIR
	Dir string `yaml:"dir" env:"MCPRT_CONTENT_DIR"`
	// BaseURI prefixes the resource URIs minted for Dir entries.
	// ENV: MCPRT_CONTENT_BASE_URI
	BaseURI string `yaml:"base_uri" env:"MCPRT_CONTENT_BASE_URI"`
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:       "127.0.0.1:8080",
			Endpoint:   "/mcp",
			SessionTTL: 30 * time.Minute,
			Keepalive:  30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Backend:   "memory",
			RedisAddr: "localhost:6379",
			KeyPrefix: "mcprt:",
		},
		Content: ContentConfig{
			BaseURI: "file://workspace/",
		},
	}
}

// LoadConfig reads the optional YAML file at path and overlays environment
// variables on top.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Absent variables leave the current values alone.
	_ = envdecode.Decode(&cfg)

	switch cfg.Storage.Backend {
	case "memory", "redis":
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if cfg.Auth.Enabled && (cfg.Auth.Resource == "" || cfg.Auth.Issuer == "") {
		return nil, fmt.Errorf("auth requires resource and issuer")
	}
	return &cfg, nil
}
