package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mr1hm/go-disaster-risk/internal/app"
	"github.com/mr1hm/go-disaster-risk/internal/config"
	"github.com/mr1hm/go-disaster-risk/internal/logging"
	"github.com/mr1hm/go-disaster-risk/internal/observability"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("Fatal while loading config: %v", err)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("Server starting", "host", cfg.Server.Host, "port", cfg.Server.Port, "feeds", len(cfg.Sources.Feeds))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, clockwork.NewRealClock(), observability.NewMetrics(), prometheus.DefaultGatherer)
	if err != nil {
		logging.Fatalf("Failed to initialize: %v", err)
	}

	if _, err := a.SeedSamples(ctx); err != nil {
		slog.Error("failed to seed sample events", "error", err)
	}

	// Bootstrap run completes before the API starts serving.
	a.Orchestrator.Start(ctx)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: a.Router(),
	}

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Close ends open alert streams, so the server can drain.
	a.Broadcaster.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	a.Close()

	slog.Info("shutdown complete")
}
