// Package main is the entry point for the Mirage orchestration core. A single
// binary runs the session hub, the AI provider pool, and the WebSocket
// gateway the desktop shell connects to.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mirageos/mirage/internal/common/config"
	"github.com/mirageos/mirage/internal/common/logger"
	"github.com/mirageos/mirage/internal/common/tracing"
	"github.com/mirageos/mirage/internal/events"
	"github.com/mirageos/mirage/internal/gateway"
	"github.com/mirageos/mirage/internal/provider"
	"github.com/mirageos/mirage/internal/session"
	"github.com/mirageos/mirage/internal/state"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Mirage core...")

	// Action bus: in-memory by default, NATS when configured.
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize action bus", zap.Error(err))
	}
	defer busCleanup()
	if cfg.NATS.URL != "" {
		log.Info("Connected to NATS action bus", zap.String("url", cfg.NATS.URL))
	} else {
		log.Info("Using in-memory action bus")
	}

	store, err := state.Open(cfg.Store.Path, log)
	if err != nil {
		log.Fatal("Failed to open state store",
			zap.String("path", cfg.Store.Path), zap.Error(err))
	}
	defer store.Close()
	log.Info("State store opened", zap.String("path", cfg.Store.Path))

	catalogue, err := provider.LoadCatalogue(cfg.Provider.CataloguePath)
	if err != nil {
		log.Fatal("Failed to load provider catalogue", zap.Error(err))
	}
	providers := provider.NewRegistry(catalogue, log)
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		providers.Close(shutdownCtx)
	}()
	if !providers.Has(cfg.Provider.Default) {
		log.Fatal("Default provider not in catalogue",
			zap.String("provider", cfg.Provider.Default))
	}
	log.Info("Provider catalogue loaded",
		zap.Int("providers", len(catalogue.Providers)),
		zap.String("default", cfg.Provider.Default))

	hub := session.NewHub(cfg, eventBus, store, providers, log)

	router := gateway.NewRouter(cfg, hub, log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("Gateway listening",
			zap.String("addr", server.Addr),
			zap.String("websocket", "/ws"),
			zap.String("health", "/health"),
			zap.Bool("remote_mode", cfg.Auth.RemoteMode))
		if cfg.Auth.RemoteMode {
			log.Info("Remote mode on, connections require the bearer token")
		}
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Mirage core...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	hub.CloseAll(shutdownCtx)

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Mirage core stopped")
}
