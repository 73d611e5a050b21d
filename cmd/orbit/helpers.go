package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	orbit "github.com/KlausMikaelson0/orbit-sub000"
)

// newLogger builds a development logger when --verbose is set, otherwise a
// nop logger.
func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// newStore builds a store wired to the configured backend: an HTTP query
// binding plus a connected websocket push/presence binding. The returned
// cleanup must run on every exit path.
func newStore(ctx context.Context) (*orbit.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.Default.BaseURL == "" {
		return nil, nil, fmt.Errorf("no base URL configured; run 'orbit init <base-url> <token>' first")
	}
	if cfg.Auth.Token == "" {
		return nil, nil, fmt.Errorf("no auth token configured; run 'orbit init <base-url> <token>' first")
	}

	logger := newLogger()
	backend := orbit.NewHTTPBackend(cfg.Default.BaseURL, cfg.Auth.Token)
	transport := orbit.NewWSTransport(cfg.Default.BaseURL, &orbit.TransportConfig{
		Token:         cfg.Auth.Token,
		AutoReconnect: true,
	}, logger)

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := transport.Connect(dialCtx); err != nil {
		return nil, nil, fmt.Errorf("connect transport: %w", err)
	}

	store := orbit.New(backend, transport, transport, orbit.WithLogger(logger))
	cleanup := func() {
		store.Close()
		transport.Disconnect()
		logger.Sync()
	}
	return store, cleanup, nil
}

// selfID returns the configured user id, or exits with guidance.
func selfID() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Auth.UserID == "" {
		return "", fmt.Errorf("no user id configured; run 'orbit config set auth.user_id <id>'")
	}
	return cfg.Auth.UserID, nil
}
