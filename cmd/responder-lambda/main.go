package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"ordinal-bus/handler"
	"ordinal-bus/internal/app"
	"ordinal-bus/internal/config"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	mustEnv("ORDINAL_TABLE")
	// The responder endpoint only ever serves the shared DynamoDB bus.
	if err := os.Setenv("ORDINAL_STORE", config.StoreDynamoDB); err != nil {
		slog.Error("failed to select store", "err", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg.LogFormat = "json"
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	// ---- Clients ----
	w, err := app.New(cfg, logger)
	if err != nil {
		slog.Error("failed to create wiring", "err", err)
		os.Exit(1)
	}
	store, err := w.Store(ctx)
	if err != nil {
		slog.Error("failed to create bus store", "err", err)
		os.Exit(1)
	}
	svc, err := w.Service(ctx, store)
	if err != nil {
		slog.Error("failed to create oracle service", "err", err)
		os.Exit(1)
	}
	// Fails closed unless ORDINAL_RESPONDER_INSECURE=true.
	secret, err := w.ResponderSecret(ctx)
	if err != nil {
		slog.Error("failed to resolve responder secret source", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	opts := []handler.Option{handler.WithLogger(logger)}
	if secret != nil {
		opts = append(opts, handler.WithSecret(secret))
	}
	h, err := handler.NewHandler(svc, opts...)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}
