// Package alerts keeps one alert per active event and closes alerts whose
// event has ended. Reads go through List, which reconciles before returning.
package alerts

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

const DefaultTTL = 7 * 24 * time.Hour

type Store interface {
	ListAlertCandidates(ctx context.Context, minSeverity int) ([]models.Event, error)
	SyncAlerts(ctx context.Context, drafts []models.Alert) (repository.AlertSyncResult, error)
	DeactivateOrphanedAlerts(ctx context.Context) (int64, error)
	ListAlerts(ctx context.Context, opts repository.AlertFilter) ([]models.Alert, error)
}

type Result struct {
	Created     []models.Alert
	Deactivated int64
}

type Synthesizer struct {
	store       Store
	clock       clockwork.Clock
	minSeverity int
	ttl         time.Duration
	broadcaster *Broadcaster
	metrics     *observability.Metrics
}

func NewSynthesizer(store Store, clock clockwork.Clock, minSeverity int, ttl time.Duration, broadcaster *Broadcaster, metrics *observability.Metrics) *Synthesizer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Synthesizer{
		store:       store,
		clock:       clock,
		minSeverity: minSeverity,
		ttl:         ttl,
		broadcaster: broadcaster,
		metrics:     metrics,
	}
}

// Sync creates an alert for every active event at or above the severity
// threshold that has none, and closes alerts of inactive events, in one
// transaction. New alerts are then pushed to subscribers.
func (s *Synthesizer) Sync(ctx context.Context) (Result, error) {
	candidates, err := s.store.ListAlertCandidates(ctx, s.minSeverity)
	if err != nil {
		return Result{}, fmt.Errorf("loading alert candidates: %w", err)
	}

	now := s.clock.Now().UTC()
	drafts := make([]models.Alert, 0, len(candidates))
	for _, e := range candidates {
		drafts = append(drafts, Draft(e, now, s.ttl))
	}

	res, err := s.store.SyncAlerts(ctx, drafts)
	if err != nil {
		return Result{}, fmt.Errorf("syncing alerts: %w", err)
	}

	if s.metrics != nil {
		s.metrics.AlertsCreated.Add(float64(len(res.Created)))
		s.metrics.AlertsDeactivated.WithLabelValues("pipeline").Add(float64(res.Deactivated))
	}

	for i := range res.Created {
		a := &res.Created[i]
		slog.Info("alert issued", "id", a.ID, "event_id", a.EventID, "level", a.AlertLevel, "title", a.Title)
		if s.broadcaster != nil {
			s.broadcaster.Broadcast(a)
		}
	}
	if res.Deactivated > 0 {
		slog.Info("alerts closed", "count", res.Deactivated)
	}
	return Result{Created: res.Created, Deactivated: res.Deactivated}, nil
}

// List returns alerts matching the filter. It writes before it reads: alerts
// whose event is no longer active are closed first, so a deactivated event
// never shows a live alert.
func (s *Synthesizer) List(ctx context.Context, filter repository.AlertFilter) ([]models.Alert, error) {
	n, err := s.store.DeactivateOrphanedAlerts(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		slog.Info("alerts closed on read", "count", n)
		if s.metrics != nil {
			s.metrics.AlertsDeactivated.WithLabelValues("read").Add(float64(n))
		}
	}
	return s.store.ListAlerts(ctx, filter)
}

// Test pushes a non-persisted test alert to subscribers.
func (s *Synthesizer) Test(title, message string, level int) models.Alert {
	now := s.clock.Now().UTC()
	expires := now.Add(s.ttl)
	a := models.Alert{
		Title:      title,
		Message:    message,
		AlertLevel: models.ClampSeverity(level),
		IssuedAt:   now,
		ExpiresAt:  &expires,
		IsActive:   true,
		IsTest:     true,
	}
	if s.broadcaster != nil {
		s.broadcaster.Broadcast(&a)
	}
	slog.Info("test alert broadcast", "title", a.Title)
	return a
}

// Draft builds the alert for an event.
func Draft(e models.Event, now time.Time, ttl time.Duration) models.Alert {
	expires := now.Add(ttl)
	return models.Alert{
		EventID:            e.ID,
		Title:              "Alert: " + e.Title,
		Message:            fmt.Sprintf("Emergency alert for %s. Please follow safety protocols and evacuation procedures if in affected area.", e.Title),
		AlertLevel:         models.ClampSeverity(e.Severity),
		IssuedAt:           e.StartTime,
		ExpiresAt:          &expires,
		IsActive:           true,
		SourcesUsed:        e.Source,
		ExternalReferences: e.SourceURL,
		EventTitle:         e.Title,
		HazardType:         e.HazardType,
		Region:             e.Region,
		Latitude:           e.Latitude,
		Longitude:          e.Longitude,
		EventActive:        e.IsActive,
	}
}
