package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felipepmaragno/deepseek-relay/internal/api"
	"github.com/felipepmaragno/deepseek-relay/internal/config"
	"github.com/felipepmaragno/deepseek-relay/internal/httputil"
	"github.com/felipepmaragno/deepseek-relay/internal/provider/deepseek"
	"github.com/felipepmaragno/deepseek-relay/internal/secrets"
	"github.com/felipepmaragno/deepseek-relay/internal/telemetry"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting DeepSeek relay", "addr", cfg.Addr, "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, "deepseek-relay", version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	if cfg.APIKey == "" && cfg.APIKeySecret != "" {
		cfg.APIKey = loadAPIKeyFromSecret(ctx, cfg)
	}

	if cfg.APIKey == "" {
		slog.Warn("DEEPSEEK_API_KEY is not set, chat requests will be rejected", "env_file", cfg.EnvFile)
	} else {
		slog.Info("API key loaded", "api_key", cfg.MaskedAPIKey())
	}

	clientCfg := httputil.DefaultConfig()
	clientCfg.Timeout = cfg.UpstreamTimeout
	provider := deepseek.New(cfg.APIKey, cfg.BaseURL, httputil.NewClient(clientCfg))

	handler := api.NewHandler(api.HandlerConfig{
		Provider:     provider,
		APIKeyLoaded: cfg.APIKey != "",
		DefaultModel: cfg.DefaultModel,
		StaticDir:    cfg.StaticDir,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("server listening",
			"addr", cfg.Addr,
			"chat", "/api/chat",
			"health", "/api/health",
			"static_dir", cfg.StaticDir,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("failed to flush traces", "error", err)
	}

	slog.Info("server stopped")
}

func loadAPIKeyFromSecret(ctx context.Context, cfg *config.Config) string {
	store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
	if err != nil {
		slog.Error("failed to create secrets manager client", "error", err)
		return ""
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	key, err := secrets.ResolveAPIKey(lookupCtx, store, cfg.APIKeySecret)
	if err != nil {
		slog.Error("failed to read API key secret", "secret", cfg.APIKeySecret, "error", err)
		return ""
	}

	slog.Info("API key read from secrets manager", "secret", cfg.APIKeySecret)
	return key
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
