package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/epc-wordpress/panel-connect/internal/auth"
	"github.com/epc-wordpress/panel-connect/internal/platform/config"
	"github.com/epc-wordpress/panel-connect/internal/platform/server"
	"github.com/epc-wordpress/panel-connect/internal/platform/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logging
	logger := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format)
	telemetry.SetDefault(logger)

	slog.Info("panel-connect starting",
		"port", cfg.Server.Port,
		"environment", cfg.Server.Environment,
		"jwks_url", cfg.Auth.JWKS.URL,
	)

	keys := buildKeyCache(cfg.Auth, logger)
	verifier, err := auth.NewVerifier(keys, auth.VerifierConfig{
		Leeway:        cfg.Auth.Leeway,
		RequireExpiry: cfg.Auth.RequireExp,
		KeyCacheSize:  cfg.Auth.KeyCacheSize,
	})
	if err != nil {
		return fmt.Errorf("creating token verifier: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := server.New(addr, server.Dependencies{
		Verifier:           verifier,
		Keys:               keys,
		Logger:             logger,
		CORSAllowedOrigins: cfg.Server.CORSOrigins(),
	})

	// Graceful shutdown on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		warmKeys(ctx, keys, cfg.Auth.JWKS.URL)
		return nil
	})
	g.Go(func() error {
		return srv.Start(ctx)
	})

	return g.Wait()
}

// buildKeyCache wires the JWKS fetcher. Without a JWKS URL the cache never
// fetches and every token is rejected as signed by an unknown key.
func buildKeyCache(cfg config.AuthConfig, logger *slog.Logger) *auth.KeyCache {
	opts := []auth.CacheOption{
		auth.WithCacheLogger(logger),
		auth.WithUnknownKidRefresh(cfg.JWKS.UnknownKidRefresh),
	}
	if cfg.JWKS.URL == "" {
		logger.Warn("auth.jwks.url is not set, all bearer tokens will be rejected")
		return auth.NewKeyCache(nil, cfg.JWKS.TTL, opts...)
	}
	fetcher := auth.NewHTTPFetcher(cfg.JWKS.URL, nil, cfg.JWKS.Timeout)
	return auth.NewKeyCache(fetcher, cfg.JWKS.TTL, opts...)
}

// warmKeys loads the key set once at startup. Failure is not fatal: the
// cache retries on the first request that needs a key.
func warmKeys(ctx context.Context, keys *auth.KeyCache, url string) {
	if url == "" {
		return
	}
	if err := keys.Refresh(ctx); err != nil {
		slog.Warn("initial jwks fetch failed", "error", err)
		return
	}
	slog.Info("jwks loaded", "keys", keys.Stats().KeyCount)
}
