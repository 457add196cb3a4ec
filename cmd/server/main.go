package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/ilyakaznacheev/cleanenv"

	"github.com/assetvault/assetvault/internal/api"
	"github.com/assetvault/assetvault/pkg/assetvault/config"
)

func main() {
	var cfg config.ServerConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Environment)
	slog.SetDefault(logger)

	if err := run(&cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(environment string) *slog.Logger {
	if environment == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func run(cfg *config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components, err := cfg.Build(ctx, logger)
	if err != nil {
		return fmt.Errorf("failed to build components: %w", err)
	}
	defer components.Close()

	if cfg.SeedDemoAssets && cfg.Environment == "development" {
		if err := seedDemoAssets(ctx, components, logger); err != nil {
			return fmt.Errorf("failed to seed demo assets: %w", err)
		}
	}

	// Start the upload processor workers.
	processor := cfg.BuildProcessor(components, logger)
	processorCtx, stopProcessor := context.WithCancel(context.Background())
	processorDone := make(chan struct{})
	go func() {
		processor.Run(processorCtx)
		close(processorDone)
	}()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	uploadsHandler := api.NewUploadsHandler(components.Service, logger)
	r.Mount("/api/v1/uploads", uploadsHandler.Routes())

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		render.JSON(w, req, map[string]string{"status": "ok"})
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"database", cfg.DatabaseType,
			"storage", cfg.StorageType,
			"queue", cfg.QueueType,
			"workers", cfg.Workers)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		stopProcessor()
		<-processorDone
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}

	// Let in-flight jobs finish before stopping the workers.
	stopProcessor()
	select {
	case <-processorDone:
	case <-time.After(15 * time.Second):
		logger.Warn("processor did not drain in time")
	}

	return nil
}
