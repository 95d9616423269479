// Command mcprtd runs an MCP server over the unified streaming HTTP
// transport, with optional legacy SSE and stdio bindings. It serves a small
// built-in catalog plus, when configured, a watched directory of file-backed
// resources.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/contexthost/mcprt/auth"
	"github.com/contexthost/mcprt/broker"
	brokermem "github.com/contexthost/mcprt/broker/memory"
	brokerredis "github.com/contexthost/mcprt/broker/redis"
	"github.com/contexthost/mcprt/catalog"
	"github.com/contexthost/mcprt/concurrency"
	"github.com/contexthost/mcprt/internal/engine"
	"github.com/contexthost/mcprt/internal/logctx"
	"github.com/contexthost/mcprt/mcp"
	"github.com/contexthost/mcprt/security"
	"github.com/contexthost/mcprt/sessions"
	"github.com/contexthost/mcprt/ssehttp"
	"github.com/contexthost/mcprt/stdio"
	"github.com/contexthost/mcprt/storage"
	storagemem "github.com/contexthost/mcprt/storage/memory"
	storageredis "github.com/contexthost/mcprt/storage/redis"
	"github.com/contexthost/mcprt/streaminghttp"
	"github.com/contexthost/mcprt/subscriptions"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	useStdio := flag.Bool("stdio", false, "serve a single session over stdin/stdout instead of HTTP")
	flag.Parse()

	if err := run(*configPath, *useStdio); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath string, useStdio bool) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapter, err := concurrency.New(concurrency.ModeAuto)
	if err != nil {
		return err
	}
	defer adapter.Close()

	kv, msgBroker, err := newBackends(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	registry, err := sessions.NewRegistry(sessions.Config{
		Store:   kv,
		Adapter: adapter,
		Logger:  log,
		TTL:     cfg.Server.SessionTTL,
	})
	if err != nil {
		return err
	}
	defer registry.Close()

	cat := catalog.New()
	registerBuiltins(cat)
	if cfg.Content.Dir != "" {
		watcher, err := catalog.WatchDir(ctx, cat, cfg.Content.Dir, cfg.Content.BaseURI, log)
		if err != nil {
			return fmt.Errorf("watching content dir: %w", err)
		}
		defer watcher.Close()
	}

	eng, err := engine.New(engine.Config{
		Catalog:       cat,
		Subscriptions: subscriptions.NewManager(adapter, log),
		Adapter:       adapter,
		ServerInfo:    mcp.ImplementationInfo{Name: "mcprtd", Version: version},
		Logger:        log,
	})
	if err != nil {
		return err
	}

	if useStdio {
		log.Info("serving over stdio")
		return stdio.NewHandler(eng, stdio.WithLogger(log)).Serve(ctx)
	}

	gate, err := security.NewGate(security.Config{
		AllowedOrigins: cfg.Security.AllowedOrigins,
		LocalhostOnly:  cfg.Security.LocalhostOnly,
		AllowedIPs:     cfg.Security.AllowedIPs,
	})
	if err != nil {
		return err
	}
	rs, err := newResourceServer(ctx, cfg.Auth)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/", streaminghttp.NewHandler(eng, adapter, registry, msgBroker,
		streaminghttp.WithEndpoint(cfg.Server.Endpoint),
		streaminghttp.WithKeepalive(cfg.Server.Keepalive),
		streaminghttp.WithSecurityGate(gate),
		streaminghttp.WithResourceServer(rs),
		streaminghttp.WithLogger(log),
	))
	if cfg.Server.LegacySSE {
		mux.Handle("/legacy/", ssehttp.NewHandler(eng, adapter,
			ssehttp.WithPrefix("/legacy"),
			ssehttp.WithKeepalive(cfg.Server.Keepalive),
			ssehttp.WithSecurityGate(gate),
			ssehttp.WithResourceServer(rs),
			ssehttp.WithLogger(log),
		))
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", cfg.Server.Addr), slog.String("endpoint", cfg.Server.Endpoint))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLogger(cfg LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", cfg.Level)
	}

	// Stdout carries the protocol in stdio mode; logs go to stderr either way.
	opts := &slog.HandlerOptions{Level: level}
	var inner slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json":
		inner = slog.NewJSONHandler(os.Stderr, opts)
	case "text":
		inner = slog.NewTextHandler(os.Stderr, opts)
	default:
		return nil, fmt.Errorf("invalid log format %q", cfg.Format)
	}
	return slog.New(logctx.Handler{Handler: inner}), nil
}

func newBackends(ctx context.Context, cfg StorageConfig) (storage.KV, broker.Broker, error) {
	if cfg.Backend == "memory" {
		return storagemem.New(), brokermem.New(), nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("redis ping: %w", err)
	}
	kv := storageredis.New(storageredis.Config{
		Client:    client,
		KeyPrefix: cfg.KeyPrefix + "kv:",
	})
	b := brokerredis.New(brokerredis.Config{
		Client:    client,
		KeyPrefix: cfg.KeyPrefix + "stream:",
	})
	return kv, b, nil
}

func newResourceServer(ctx context.Context, cfg AuthConfig) (*auth.ResourceServer, error) {
	if !cfg.Enabled {
		return auth.NewResourceServer(auth.Config{})
	}

	jwtCfg := auth.JWTConfig{
		Issuer:   cfg.Issuer,
		Audience: cfg.Resource,
	}
	var (
		validator auth.Validator
		err       error
	)
	if cfg.JWKSURL != "" {
		validator, err = auth.NewJWKSValidator(ctx, jwtCfg, cfg.JWKSURL)
	} else {
		validator, err = auth.NewDiscoveryValidator(ctx, jwtCfg)
	}
	if err != nil {
		return nil, err
	}

	return auth.NewResourceServer(auth.Config{
		Enabled:              true,
		Resource:             cfg.Resource,
		AuthorizationServers: []string{cfg.Issuer},
		Validator:            validator,
	})
}

func registerBuiltins(cat *catalog.Catalog) {
	cat.MustAddTool(catalog.NewTool("echo", func(ctx context.Context, n catalog.Notifier, args struct {
		Message string `json:"message"`
	}) (*mcp.CallToolResult, error) {
		if args.Message == "" {
			return nil, errors.New("message is required")
		}
		return catalog.TextResult(args.Message), nil
	}, catalog.WithToolDescription("Echoes the message back verbatim.")))

	cat.MustAddTool(catalog.NewTool("time", func(ctx context.Context, n catalog.Notifier, args struct{}) (*mcp.CallToolResult, error) {
		return catalog.TextResult(time.Now().UTC().Format(time.RFC3339)), nil
	}, catalog.WithToolDescription("Returns the current UTC time.")))

	cat.MustAddResource(catalog.TextResource("mcprt://about", "about", "text/plain",
		"mcprtd "+version))
}
