package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/antoniostano/genflow/internal/config"
	"github.com/antoniostano/genflow/internal/flags"
	"github.com/antoniostano/genflow/internal/httpapi"
	"github.com/antoniostano/genflow/internal/observability"
	"github.com/antoniostano/genflow/internal/provider"
	"github.com/antoniostano/genflow/internal/records"
	"github.com/antoniostano/genflow/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	flagStore, err := flags.NewStore(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("flag store init failed: %v", err)
	}
	defer flagStore.Close()

	recordStore, err := records.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("record store init failed: %v", err)
	}
	defer recordStore.Close()

	invoker, err := provider.NewInvoker(provider.Config{
		Mode:      cfg.ProviderMode,
		OllamaURL: cfg.OllamaURL,
	})
	if err != nil {
		log.Fatalf("provider init failed: %v", err)
	}
	logger.Info("model provider ready", "mode", cfg.ProviderMode, "model", cfg.DefaultModel)

	svc := service.New(cfg, invoker, flagStore, recordStore, metrics, logger)
	api := httpapi.New(cfg, svc, metrics, logger)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}
