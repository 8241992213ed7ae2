package repository

import (
	"context"
	"errors"
	"time"

	"github.com/mr1hm/go-disaster-risk/internal/catalog"
	"github.com/mr1hm/go-disaster-risk/internal/models"
)

var (
	// ErrWriteConflict wraps any failure inside a phase transaction. The
	// whole phase has been rolled back when it is returned.
	ErrWriteConflict = errors.New("store write conflict")
	ErrNotFound      = errors.New("not found")
)

type EventFilter struct {
	HazardTypeID *int64
	RegionID     *int64
	ActiveOnly   bool
	Limit        int
}

type AssessmentFilter struct {
	HazardTypeID *int64
	RegionID     *int64
	MinRiskLevel int
}

type AlertFilter struct {
	HazardTypeID *int64
	RegionID     *int64
	ActiveOnly   bool
}

// AdmitResult describes one committed ingestion batch.
type AdmitResult struct {
	Inserted   []models.Event
	Duplicates int
	Expired    int
}

type UpsertResult struct {
	Inserted int
	Updated  int
}

type AlertSyncResult struct {
	Created     []models.Alert
	Deactivated int64
}

type Statistics struct {
	TotalEvents  int            `json:"total_events"`
	ActiveEvents int            `json:"active_events"`
	ActiveAlerts int            `json:"active_alerts"`
	ByHazardType map[string]int `json:"by_hazard_type"`
	ByRegion     map[string]int `json:"by_region"`
	Year         int            `json:"year"`
	ByMonth      [12]int        `json:"by_month"`
	RiskLevels   map[int]int    `json:"risk_levels"`
}

type CatalogRepository interface {
	SeedCatalog(ctx context.Context, c *catalog.Catalog) error
	ListHazardTypes(ctx context.Context) ([]models.HazardType, error)
	ListRegions(ctx context.Context) ([]models.Region, error)
}

type EventRepository interface {
	AdmitEvents(ctx context.Context, drafts []models.Event, now time.Time) (AdmitResult, error)
	ListEvents(ctx context.Context, opts EventFilter) ([]models.Event, error)
	SetEventActive(ctx context.Context, id int64, active bool, now time.Time) error
}

type AssessmentRepository interface {
	UpsertAssessments(ctx context.Context, assessments []models.RiskAssessment) (UpsertResult, error)
	ListAssessments(ctx context.Context, opts AssessmentFilter) ([]models.RiskAssessment, error)
}

type AlertRepository interface {
	ListAlertCandidates(ctx context.Context, minSeverity int) ([]models.Event, error)
	SyncAlerts(ctx context.Context, drafts []models.Alert) (AlertSyncResult, error)
	DeactivateOrphanedAlerts(ctx context.Context) (int64, error)
	ListAlerts(ctx context.Context, opts AlertFilter) ([]models.Alert, error)
}
