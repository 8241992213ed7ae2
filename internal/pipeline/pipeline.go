// Package pipeline runs one ingest, score and alert pass. Phases are isolated:
// a failed phase is logged and counted and the next phase works from the last
// committed state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/mr1hm/go-disaster-risk/internal/alerts"
	"github.com/mr1hm/go-disaster-risk/internal/features"
	"github.com/mr1hm/go-disaster-risk/internal/ingestion"
	"github.com/mr1hm/go-disaster-risk/internal/models"
	"github.com/mr1hm/go-disaster-risk/internal/observability"
	"github.com/mr1hm/go-disaster-risk/internal/repository"
	"github.com/mr1hm/go-disaster-risk/internal/risk"
	"github.com/mr1hm/go-disaster-risk/internal/riskmodel"
)

const (
	PhaseIngest    = "ingest"
	PhaseLoad      = "load"
	PhaseAggregate = "aggregate"
	PhaseAlerts    = "alerts"
)

type Ingester interface {
	Run(ctx context.Context) (ingestion.Result, error)
}

type EventLister interface {
	ListEvents(ctx context.Context, opts repository.EventFilter) ([]models.Event, error)
}

type Trainer interface {
	Train(t features.Table, labels []int) *riskmodel.Model
}

type Aggregator interface {
	Aggregate(ctx context.Context, events []models.Event, advisory map[risk.Pair]risk.Advisory) (risk.Result, error)
}

type AlertSyncer interface {
	Sync(ctx context.Context) (alerts.Result, error)
}

// Report summarizes one run. Failed lists the phases that did not commit.
type Report struct {
	RunID         string        `json:"run_id"`
	StartedAt     time.Time     `json:"started_at"`
	Duration      time.Duration `json:"duration"`
	Fetched       int           `json:"fetched"`
	Admitted      int           `json:"admitted"`
	Duplicates    int           `json:"duplicates"`
	Expired       int           `json:"expired"`
	FeedFailures  int           `json:"feed_failures"`
	Events        int           `json:"events"`
	ModelSource   string        `json:"model_source"`
	ModelAccuracy *float64      `json:"model_accuracy,omitempty"`
	Assessments   int           `json:"assessments"`
	AlertsCreated int           `json:"alerts_created"`
	AlertsClosed  int64         `json:"alerts_closed"`
	Failed        []string      `json:"failed,omitempty"`
}

type Pipeline struct {
	ingester   Ingester
	events     EventLister
	trainer    Trainer
	aggregator Aggregator
	alerts     AlertSyncer
	clock      clockwork.Clock
	metrics    *observability.Metrics
}

func New(ingester Ingester, events EventLister, trainer Trainer, aggregator Aggregator, alertSyncer AlertSyncer, clock clockwork.Clock, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{
		ingester:   ingester,
		events:     events,
		trainer:    trainer,
		aggregator: aggregator,
		alerts:     alertSyncer,
		clock:      clock,
		metrics:    metrics,
	}
}

// Run executes every phase in order and returns the joined phase errors. The
// caller is expected to hold the run-lock.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	report := Report{RunID: uuid.NewString(), StartedAt: p.clock.Now().UTC()}
	log := slog.With("run_id", report.RunID)
	log.Info("pipeline run started")

	var errs []error
	fail := func(phase string, err error) {
		err = fmt.Errorf("%s phase: %w", phase, err)
		errs = append(errs, err)
		report.Failed = append(report.Failed, phase)
		if p.metrics != nil {
			p.metrics.PhaseFailures.WithLabelValues(phase).Inc()
		}
		log.Error("phase failed", "phase", phase, "error", err)
	}

	ing, err := p.ingester.Run(ctx)
	if err != nil {
		fail(PhaseIngest, err)
	}
	report.Fetched = ing.Fetched
	report.Admitted = len(ing.Admitted)
	report.Duplicates = ing.Duplicates
	report.Expired = ing.Expired
	report.FeedFailures = ing.FeedFailures

	events, err := p.events.ListEvents(ctx, repository.EventFilter{})
	if err != nil {
		// Aggregating an empty set would overwrite every pair with level 1.
		fail(PhaseLoad, err)
	} else {
		report.Events = len(events)
		advisory := p.score(log, events, &report)

		agg, err := p.aggregator.Aggregate(ctx, events, advisory)
		if err != nil {
			fail(PhaseAggregate, err)
		}
		report.Assessments = len(agg.Assessments)
	}

	al, err := p.alerts.Sync(ctx)
	if err != nil {
		fail(PhaseAlerts, err)
	}
	report.AlertsCreated = len(al.Created)
	report.AlertsClosed = al.Deactivated

	report.Duration = p.clock.Since(report.StartedAt)
	log.Info("pipeline run finished",
		"duration", report.Duration,
		"admitted", report.Admitted,
		"events", report.Events,
		"model", report.ModelSource,
		"assessments", report.Assessments,
		"alerts_created", report.AlertsCreated,
		"alerts_closed", report.AlertsClosed,
		"failed", report.Failed,
	)
	return report, errors.Join(errs...)
}

// score trains on the current events and summarizes the predictions per pair.
func (p *Pipeline) score(log *slog.Logger, events []models.Event, report *Report) map[risk.Pair]risk.Advisory {
	table, labels := features.Build(events)
	model := p.trainer.Train(table, labels)
	preds := model.Predict(table)

	report.ModelSource = model.Source
	if !math.IsNaN(model.Accuracy) {
		acc := model.Accuracy
		report.ModelAccuracy = &acc
	}
	log.Info("model scored events", "source", model.Source, "rows", table.Len(), "columns", table.Columns)
	return risk.SummarizePredictions(events, preds, model.Source)
}
