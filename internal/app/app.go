// Package app wires the store, pipeline, scheduler and HTTP API together for
// the service and the reset utility.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mr1hm/go-disaster-risk/internal/alerts"
	"github.com/mr1hm/go-disaster-risk/internal/api"
	"github.com/mr1hm/go-disaster-risk/internal/catalog"
	"github.com/mr1hm/go-disaster-risk/internal/config"
	"github.com/mr1hm/go-disaster-risk/internal/ingestion"
	"github.com/mr1hm/go-disaster-risk/internal/observability"
	"github.com/mr1hm/go-disaster-risk/internal/pipeline"
	"github.com/mr1hm/go-disaster-risk/internal/repository"
	"github.com/mr1hm/go-disaster-risk/internal/risk"
	"github.com/mr1hm/go-disaster-risk/internal/riskmodel"
	"github.com/mr1hm/go-disaster-risk/internal/scheduler"
)

type App struct {
	DB           *repository.SQLiteDB
	Catalog      *catalog.Catalog
	Broadcaster  *alerts.Broadcaster
	Alerts       *alerts.Synthesizer
	Orchestrator *scheduler.Orchestrator

	cfg      *config.Config
	clock    clockwork.Clock
	feeds    *ingestion.FeedClient
	redis    *redis.Client
	gatherer prometheus.Gatherer
}

// New opens the store, seeds the reference catalog and builds every pipeline
// component. Nothing runs until the orchestrator is started or triggered.
func New(ctx context.Context, cfg *config.Config, clock clockwork.Clock, metrics *observability.Metrics, gatherer prometheus.Gatherer) (*App, error) {
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.DB.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("error creating database directory: %w", err)
		}
	}
	db, err := repository.NewSQLiteDB(cfg.DB.Path)
	if err != nil {
		return nil, err
	}
	if err := db.SeedCatalog(ctx, cat); err != nil {
		db.Close()
		return nil, err
	}

	a := &App{
		DB:       db,
		Catalog:  cat,
		cfg:      cfg,
		clock:    clock,
		gatherer: gatherer,
	}

	locker, err := a.newLocker(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	a.feeds = ingestion.NewFeedClient(cfg.Sources.Timeout, cfg.Sources.Retries, cfg.Sources.APIKey)
	ingester := ingestion.NewIngester(a.feeds, db, cat, cfg.Sources.Feeds, cfg.Worker.Count, clock, metrics)
	trainer := riskmodel.NewTrainer(cfg.Model.Trees, cfg.Model.Seed, cfg.Model.TestFraction, metrics)
	aggregator := risk.NewAggregator(db, clock, cfg.Risk.Window, metrics)

	a.Broadcaster = alerts.NewBroadcaster()
	a.Alerts = alerts.NewSynthesizer(db, clock, cfg.Alerts.MinSeverity, cfg.Alerts.TTL, a.Broadcaster, metrics)

	p := pipeline.New(ingester, db, trainer, aggregator, a.Alerts, clock, metrics)
	a.Orchestrator = scheduler.NewOrchestrator(p, locker, clock, cfg.Scheduler.Interval, metrics)

	return a, nil
}

// newLocker uses Redis when an address is configured so that several
// instances sharing one database never run the pipeline at the same time.
func (a *App) newLocker(ctx context.Context) (scheduler.Locker, error) {
	if a.cfg.Redis.Addr == "" {
		return scheduler.NewLocalLocker(), nil
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		a.redis.Close()
		return nil, fmt.Errorf("error connecting to redis at %s: %w", a.cfg.Redis.Addr, err)
	}
	slog.Info("using redis run-lock", "addr", a.cfg.Redis.Addr)
	return scheduler.NewRedisLocker(a.redis, scheduler.DefaultLockKey, a.cfg.Scheduler.LockTTL), nil
}

// SeedSamples loads the catalog's sample events into an empty store.
func (a *App) SeedSamples(ctx context.Context) (int, error) {
	n, err := a.DB.SeedSampleEvents(ctx, a.Catalog, a.clock.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("seeded sample events", "count", n)
	}
	return n, nil
}

func (a *App) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Set to false when using wildcard origins
	}))
	router.Use(api.RateLimitMiddleware(a.cfg.Server.RateLimitRPS))

	handler := api.NewHandler(a.DB, a.Alerts, a.Orchestrator, a.Broadcaster, a.clock)
	handler.RegisterRoutes(router)
	if a.cfg.Metrics.Enabled && a.gatherer != nil {
		api.RegisterMetrics(router, a.gatherer)
	}
	return router
}

// Close stops the scheduler and waits for any run in flight before closing
// the store.
func (a *App) Close() {
	a.Orchestrator.Stop()
	a.Broadcaster.Close()
	a.feeds.Close()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			slog.Error("failed to close redis client", "error", err)
		}
	}
	if err := a.DB.Close(); err != nil {
		slog.Error("failed to close database", "error", err)
	}
}
