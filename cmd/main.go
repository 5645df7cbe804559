// ABOUTME: This file is the entrypoint for the Brivo uploader service
// ABOUTME: Wires configuration, storage, the OAuth2 lifecycle, and the HTTP server

package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"brivo-uploader/config"
	"brivo-uploader/driver"
	"brivo-uploader/handler"
	"brivo-uploader/repository"
	"brivo-uploader/service"
)

func main() {
	healthCheck := flag.Bool("health-check", false, "Perform health check and exit")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	logger := setupLogger()

	if *healthCheck {
		os.Exit(performHealthCheck())
	}

	cfg := config.NewConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("Brivo uploader starting",
		"service", cfg.ServiceName,
		"listen_addr", cfg.ListenAddr,
		"token_storage", cfg.Storage.Backend)

	if err := run(cfg, logger); err != nil {
		logger.Error("Service failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Brivo uploader stopped")
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

func run(cfg *config.Config, logger *slog.Logger) error {
	tokenRepo, cleanup, err := buildTokenRepository(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	oauthClient := driver.NewBrivoOAuthClient(
		cfg.Brivo.ClientID,
		cfg.Brivo.ClientSecret,
		cfg.Brivo.APIKey,
		cfg.Brivo.RedirectURI,
		cfg.Brivo.AuthBaseURL,
		cfg.Brivo.APIBaseURL,
		logger,
	)

	lifecycle := service.NewTokenLifecycleServiceWithConfig(
		tokenRepo,
		oauthClient,
		logger,
		cfg.OAuth2.RefreshMargin,
		service.RetrySettings{
			MaxAttempts:  cfg.Client.RetryMaxAttempts,
			InitialDelay: cfg.Client.RetryInitialDelay,
			MaxDelay:     cfg.Client.RetryMaxDelay,
			Multiplier:   2.0,
		},
	)

	apiClient := service.NewBrivoAPIClientWithConfig(oauthClient, lifecycle, logger, service.ClientConfig{
		Retry: service.RetrySettings{
			MaxAttempts:  cfg.Client.RetryMaxAttempts,
			InitialDelay: cfg.Client.RetryInitialDelay,
			MaxDelay:     cfg.Client.RetryMaxDelay,
			Multiplier:   2.0,
		},
		CacheTTL: cfg.Client.CacheTTL,
	})

	batchProcessor := service.NewBatchProcessorWithSettings(apiClient, logger, service.BatchSettings{
		BatchSize:    cfg.Batch.BatchSize,
		WaveInterval: cfg.Batch.WaveInterval,
		ErrorBudget:  cfg.Batch.ErrorBudget,
	})

	stateSigner := service.NewStateSigner([]byte(cfg.OAuth2.StateSecret), cfg.OAuth2.StateTTL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := service.NewRefreshScheduler(lifecycle, logger, cfg.OAuth2.ProactiveInterval)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	mux := http.NewServeMux()
	handler.NewAuthHandler(oauthClient, lifecycle, stateSigner, logger).Register(mux)
	handler.NewBatchHandler(batchProcessor, apiClient, logger).Register(mux)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.ListenAddr)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	return nil
}

func buildTokenRepository(cfg *config.Config, logger *slog.Logger) (repository.OAuth2TokenRepository, func(), error) {
	switch cfg.Storage.Backend {
	case "postgres":
		db, err := sql.Open("postgres", cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, nil, err
		}
		return repository.NewPostgreSQLTokenRepository(db, logger), func() { db.Close() }, nil
	case "memory":
		return repository.NewInMemoryTokenRepository(), func() {}, nil
	default:
		return repository.NewEnvTokenRepository(logger), func() {}, nil
	}
}
