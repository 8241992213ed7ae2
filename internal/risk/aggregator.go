// Package risk derives one risk level per region and hazard type from the
// stored events and writes it back as that pair's assessment.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mr1hm/go-disaster-risk/internal/models"
	"github.com/mr1hm/go-disaster-risk/internal/observability"
	"github.com/mr1hm/go-disaster-risk/internal/repository"
)

// DefaultWindow is the trailing history considered when no event is active.
const DefaultWindow = 730 * 24 * time.Hour

type Pair struct {
	RegionID     int64
	HazardTypeID int64
}

// Advisory is the model's view of a pair: the most common predicted label
// across the pair's events. It is reported alongside the assessment and never
// changes the level.
type Advisory struct {
	Predicted int
	Events    int
	Source    string
}

type Store interface {
	ListRegions(ctx context.Context) ([]models.Region, error)
	ListHazardTypes(ctx context.Context) ([]models.HazardType, error)
	UpsertAssessments(ctx context.Context, assessments []models.RiskAssessment) (repository.UpsertResult, error)
}

type Result struct {
	Assessments []models.RiskAssessment
	Inserted    int
	Updated     int
}

type Aggregator struct {
	store   Store
	clock   clockwork.Clock
	window  time.Duration
	metrics *observability.Metrics
}

func NewAggregator(store Store, clock clockwork.Clock, window time.Duration, metrics *observability.Metrics) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Aggregator{
		store:   store,
		clock:   clock,
		window:  window,
		metrics: metrics,
	}
}

// Level applies the rules in order, first match wins:
//  1. any active event: max(3, highest active severity)
//  2. events starting inside the window: count>5 and mean>4 gives 5,
//     count>3 or mean>3 gives 4, count>1 gives 3, a single event gives 2
//  3. otherwise 1
func Level(events []models.Event, now time.Time, window time.Duration) int {
	maxActive := 0
	for _, e := range events {
		if e.IsActive {
			maxActive = max(maxActive, models.ClampSeverity(e.Severity))
		}
	}
	if maxActive > 0 {
		return max(3, maxActive)
	}

	cutoff := now.Add(-window)
	var count, sum int
	for _, e := range events {
		if e.StartTime.Before(cutoff) {
			continue
		}
		count++
		sum += models.ClampSeverity(e.Severity)
	}
	if count == 0 {
		return 1
	}

	mean := float64(sum) / float64(count)
	switch {
	case count > 5 && mean > 4:
		return 5
	case count > 3 || mean > 3:
		return 4
	case count > 1:
		return 3
	default:
		return 2
	}
}

// Aggregate computes a level for every region and hazard type pair and
// upserts all of them in one transaction. Pairs without events still get a
// row at level 1.
func (a *Aggregator) Aggregate(ctx context.Context, events []models.Event, advisory map[Pair]Advisory) (Result, error) {
	regions, err := a.store.ListRegions(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("loading regions: %w", err)
	}
	hazards, err := a.store.ListHazardTypes(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("loading hazard types: %w", err)
	}

	byPair := make(map[Pair][]models.Event)
	for _, e := range events {
		p := Pair{RegionID: e.RegionID, HazardTypeID: e.HazardTypeID}
		byPair[p] = append(byPair[p], e)
	}

	now := a.clock.Now().UTC()
	assessments := make([]models.RiskAssessment, 0, len(regions)*len(hazards))
	for _, r := range regions {
		for _, h := range hazards {
			p := Pair{RegionID: r.ID, HazardTypeID: h.ID}
			level := Level(byPair[p], now, a.window)

			details := fmt.Sprintf("Risk assessment for %s in %s", h.Name, r.Name)
			if adv, ok := advisory[p]; ok {
				details += fmt.Sprintf("; model advisory: level %d from %d events (%s)", adv.Predicted, adv.Events, adv.Source)
				if adv.Predicted != level {
					slog.Debug("model advisory differs", "region", r.Name, "hazard", h.Name, "level", level, "predicted", adv.Predicted)
				}
			}

			assessments = append(assessments, models.RiskAssessment{
				RegionID:      r.ID,
				HazardTypeID:  h.ID,
				Region:        r.Name,
				HazardType:    h.Name,
				LocationLabel: r.Name + " Center",
				RiskLevel:     level,
				Latitude:      r.Latitude,
				Longitude:     r.Longitude,
				Probability:   models.ProbabilityFor(level),
				Details:       details,
				LastAssessed:  now,
			})
		}
	}

	res, err := a.store.UpsertAssessments(ctx, assessments)
	if err != nil {
		return Result{}, fmt.Errorf("writing assessments: %w", err)
	}
	if a.metrics != nil {
		a.metrics.AssessmentsWritten.Add(float64(len(assessments)))
	}
	slog.Info("risk assessments updated", "pairs", len(assessments), "inserted", res.Inserted, "updated", res.Updated)

	return Result{Assessments: assessments, Inserted: res.Inserted, Updated: res.Updated}, nil
}

// SummarizePredictions groups per-event predictions by pair. preds must be
// aligned with events.
func SummarizePredictions(events []models.Event, preds []int, source string) map[Pair]Advisory {
	votes := make(map[Pair]map[int]int)
	for i, e := range events {
		if i >= len(preds) {
			break
		}
		p := Pair{RegionID: e.RegionID, HazardTypeID: e.HazardTypeID}
		if votes[p] == nil {
			votes[p] = map[int]int{}
		}
		votes[p][preds[i]]++
	}

	out := make(map[Pair]Advisory, len(votes))
	for p, v := range votes {
		adv := Advisory{Source: source}
		best := 0
		for label, n := range v {
			adv.Events += n
			if n > best || (n == best && label < adv.Predicted) {
				adv.Predicted, best = label, n
			}
		}
		out[p] = adv
	}
	return out
}
