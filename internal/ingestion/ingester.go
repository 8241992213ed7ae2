package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mr1hm/go-disaster-risk/internal/catalog"
	"github.com/mr1hm/go-disaster-risk/internal/config"
	"github.com/mr1hm/go-disaster-risk/internal/models"
	"github.com/mr1hm/go-disaster-risk/internal/observability"
	"github.com/mr1hm/go-disaster-risk/internal/repository"
	"github.com/mr1hm/go-disaster-risk/internal/worker"
)

type Fetcher interface {
	Fetch(ctx context.Context, src config.FeedSource) (FeedBatch, error)
}

type Store interface {
	ListHazardTypes(ctx context.Context) ([]models.HazardType, error)
	ListRegions(ctx context.Context) ([]models.Region, error)
	AdmitEvents(ctx context.Context, drafts []models.Event, now time.Time) (repository.AdmitResult, error)
}

// Result summarizes one ingestion phase.
type Result struct {
	Fetched      int
	Admitted     []models.Event
	Duplicates   int
	Expired      int
	FeedFailures int
	Dropped      map[string]int // by reason
}

type Ingester struct {
	fetcher Fetcher
	store   Store
	catalog *catalog.Catalog
	sources []config.FeedSource
	workers int
	clock   clockwork.Clock
	metrics *observability.Metrics
}

func NewIngester(fetcher Fetcher, store Store, cat *catalog.Catalog, sources []config.FeedSource, workers int, clock clockwork.Clock, metrics *observability.Metrics) *Ingester {
	return &Ingester{
		fetcher: fetcher,
		store:   store,
		catalog: cat,
		sources: sources,
		workers: workers,
		clock:   clock,
		metrics: metrics,
	}
}

// Run fetches every source, normalizes the records and admits the new events
// in one transaction. A failing source is skipped; only a store failure
// fails the phase.
func (i *Ingester) Run(ctx context.Context) (Result, error) {
	res := Result{Dropped: map[string]int{}}

	hazards, err := i.store.ListHazardTypes(ctx)
	if err != nil {
		return res, fmt.Errorf("loading hazard types: %w", err)
	}
	regions, err := i.store.ListRegions(ctx)
	if err != nil {
		return res, fmt.Errorf("loading regions: %w", err)
	}
	normalizer := NewNormalizer(i.catalog.BoundingBox, i.catalog.Keywords(), hazards, regions)

	batches := i.fetchAll(ctx, &res)

	var drafts []models.Event
	for _, b := range batches {
		res.Fetched += len(b.Records)
		i.drop(&res, "malformed", b.Malformed)

		for _, rec := range b.Records {
			e, err := normalizer.Normalize(rec)
			if err != nil {
				reason := dropReason(err)
				i.drop(&res, reason, 1)
				level := slog.LevelInfo
				if reason == "outside_region" {
					level = slog.LevelDebug
				}
				slog.Log(ctx, level, "record dropped", "source", rec.Source, "id", rec.ID, "title", rec.Title, "reason", reason)
				continue
			}
			drafts = append(drafts, e)
		}
	}

	admitted, err := i.store.AdmitEvents(ctx, drafts, i.clock.Now())
	if err != nil {
		return res, fmt.Errorf("admitting events: %w", err)
	}

	res.Admitted = admitted.Inserted
	res.Duplicates = admitted.Duplicates
	res.Expired = admitted.Expired
	i.drop(&res, "duplicate", admitted.Duplicates)
	if i.metrics != nil {
		i.metrics.EventsIngested.Add(float64(len(admitted.Inserted)))
		i.metrics.EventsExpired.Add(float64(admitted.Expired))
	}

	for _, e := range admitted.Inserted {
		slog.Info("added event", "id", e.ID, "hazard", e.HazardType, "region", e.Region, "source", e.Source)
	}
	return res, nil
}

// fetchAll fetches the sources in parallel and returns their batches in
// source order.
func (i *Ingester) fetchAll(ctx context.Context, res *Result) []FeedBatch {
	batches := make([]FeedBatch, len(i.sources))
	failures := make([]error, len(i.sources))

	jobs := make([]int, len(i.sources))
	for n := range jobs {
		jobs[n] = n
	}

	worker.Run(ctx, "feeds", i.workers, jobs, func(ctx context.Context, n int) error {
		src := i.sources[n]
		slog.Debug("polling", "source", src.Name)

		batch, err := i.fetcher.Fetch(ctx, src)
		if err != nil {
			failures[n] = err
			return err
		}
		batches[n] = batch
		if i.metrics != nil {
			i.metrics.FeedFetchLength.WithLabelValues(src.Name).Observe(float64(len(batch.Records)))
		}
		slog.Debug("poll complete", "source", src.Name, "count", len(batch.Records))
		return nil
	})

	for n, err := range failures {
		if err == nil {
			continue
		}
		res.FeedFailures++
		if i.metrics != nil {
			i.metrics.FeedFailures.WithLabelValues(i.sources[n].Name).Inc()
		}
		slog.Error("poll failed", "source", i.sources[n].Name, "error", err)
	}
	return batches
}

func (i *Ingester) drop(res *Result, reason string, n int) {
	if n == 0 {
		return
	}
	res.Dropped[reason] += n
	if i.metrics != nil {
		i.metrics.RecordsDropped.WithLabelValues(reason).Add(float64(n))
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrOutsideRegion):
		return "outside_region"
	case errors.Is(err, ErrUnclassified):
		return "unclassified"
	default:
		return "malformed"
	}
}
