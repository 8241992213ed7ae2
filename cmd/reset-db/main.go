package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"

	"github.com/mr1hm/go-disaster-risk/internal/app"
	"github.com/mr1hm/go-disaster-risk/internal/config"
	"github.com/mr1hm/go-disaster-risk/internal/logging"
	"github.com/mr1hm/go-disaster-risk/internal/observability"
)

// reset-db drops every table, recreates the schema, reseeds the catalog and
// sample events, then runs the pipeline once through the manual trigger.
func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("Fatal while loading config: %v", err)
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg); err != nil {
		logging.Fatalf("Reset failed: %v", err)
	}
	slog.Info("reset complete")
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	a, err := app.New(ctx, cfg, clockwork.NewRealClock(), observability.NewMetrics(), nil)
	if err != nil {
		return err
	}
	defer a.Close()

	slog.Warn("resetting database", "path", cfg.DB.Path)
	if err := a.DB.Reset(ctx); err != nil {
		return err
	}
	if err := a.DB.SeedCatalog(ctx, a.Catalog); err != nil {
		return err
	}
	if _, err := a.SeedSamples(ctx); err != nil {
		return err
	}

	report, runErr := a.Orchestrator.Trigger(ctx)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		slog.Error("failed to write report", "error", err)
	}
	if runErr != nil {
		return fmt.Errorf("pipeline run: %w", runErr)
	}
	return nil
}
