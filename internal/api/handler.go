package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"github.com/mr1hm/go-disaster-risk/internal/models"
	"github.com/mr1hm/go-disaster-risk/internal/repository"
	"github.com/mr1hm/go-disaster-risk/internal/scheduler"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 500
)

type Store interface {
	Ping(ctx context.Context) error
	ListHazardTypes(ctx context.Context) ([]models.HazardType, error)
	ListRegions(ctx context.Context) ([]models.Region, error)
	ListEvents(ctx context.Context, opts repository.EventFilter) ([]models.Event, error)
	ListAssessments(ctx context.Context, opts repository.AssessmentFilter) ([]models.RiskAssessment, error)
	Statistics(ctx context.Context, year int) (repository.Statistics, error)
}

// AlertService lists alerts. List closes alerts of inactive events before it
// reads, so it writes to the store.
type AlertService interface {
	List(ctx context.Context, filter repository.AlertFilter) ([]models.Alert, error)
	Test(title, message string, level int) models.Alert
}

type PipelineTrigger interface {
	TriggerAsync() error
	State() string
}

type AlertStream interface {
	Subscribe() (uint64, <-chan *models.Alert)
	Unsubscribe(id uint64)
}

type Handler struct {
	store    Store
	alerts   AlertService
	pipeline PipelineTrigger
	stream   AlertStream
	clock    clockwork.Clock
}

func NewHandler(store Store, alerts AlertService, pipeline PipelineTrigger, stream AlertStream, clock clockwork.Clock) *Handler {
	return &Handler{
		store:    store,
		alerts:   alerts,
		pipeline: pipeline,
		stream:   stream,
		clock:    clock,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.health)

	api := r.Group("/api")
	api.GET("/hazard_types", h.getHazardTypes)
	api.GET("/regions", h.getRegions)
	api.GET("/events", h.getEvents)
	api.GET("/risk_assessments", h.getAssessments)
	api.GET("/alerts", h.getAlerts)
	api.GET("/alerts/stream", h.streamAlerts)
	api.GET("/statistics", h.getStatistics)
	api.POST("/pipeline/run", h.runPipeline)
	api.POST("/debug/test-alert", h.createTestAlert)
}

func (h *Handler) health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "pipeline": h.pipeline.State()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "pipeline": h.pipeline.State()})
}

func (h *Handler) getHazardTypes(c *gin.Context) {
	hazards, err := h.store.ListHazardTypes(c.Request.Context())
	if err != nil {
		serverError(c, "failed to fetch hazard types", err)
		return
	}
	c.JSON(http.StatusOK, hazards)
}

func (h *Handler) getRegions(c *gin.Context) {
	regions, err := h.store.ListRegions(c.Request.Context())
	if err != nil {
		serverError(c, "failed to fetch regions", err)
		return
	}
	c.JSON(http.StatusOK, regions)
}

func (h *Handler) getEvents(c *gin.Context) {
	hazard, region, ok := h.scope(c)
	if !ok {
		return
	}
	filter := repository.EventFilter{
		HazardTypeID: hazard,
		RegionID:     region,
		Limit:        defaultEventLimit,
	}

	active, ok := boolQuery(c, "active_only", false)
	if !ok {
		return
	}
	filter.ActiveOnly = active

	if l := c.Query("limit"); l != "" {
		lim, err := strconv.Atoi(l)
		if err != nil || lim <= 0 || lim > maxEventLimit {
			badRequest(c, "limit must be between 1 and 500")
			return
		}
		filter.Limit = lim
	}

	events, err := h.store.ListEvents(c.Request.Context(), filter)
	if err != nil {
		serverError(c, "failed to fetch events", err)
		return
	}

	if strings.EqualFold(c.Query("format"), "geojson") {
		c.Header("Content-Type", "application/geo+json")
		c.JSON(http.StatusOK, toGeoJSON(events))
		return
	}
	c.JSON(http.StatusOK, nonNil(events))
}

func (h *Handler) getAssessments(c *gin.Context) {
	hazard, region, ok := h.scope(c)
	if !ok {
		return
	}
	filter := repository.AssessmentFilter{HazardTypeID: hazard, RegionID: region}

	if m := c.Query("min_risk_level"); m != "" {
		level, err := strconv.Atoi(m)
		if err != nil || level < models.MinSeverity || level > models.MaxSeverity {
			badRequest(c, "min_risk_level must be between 1 and 5")
			return
		}
		filter.MinRiskLevel = level
	}

	assessments, err := h.store.ListAssessments(c.Request.Context(), filter)
	if err != nil {
		serverError(c, "failed to fetch risk assessments", err)
		return
	}
	c.JSON(http.StatusOK, nonNil(assessments))
}

// getAlerts closes alerts whose event is no longer active before listing.
func (h *Handler) getAlerts(c *gin.Context) {
	hazard, region, ok := h.scope(c)
	if !ok {
		return
	}
	active, ok := boolQuery(c, "active_only", true)
	if !ok {
		return
	}

	alerts, err := h.alerts.List(c.Request.Context(), repository.AlertFilter{
		HazardTypeID: hazard,
		RegionID:     region,
		ActiveOnly:   active,
	})
	if err != nil {
		serverError(c, "failed to fetch alerts", err)
		return
	}
	c.JSON(http.StatusOK, nonNil(alerts))
}

func (h *Handler) getStatistics(c *gin.Context) {
	year := h.clock.Now().Year()
	if y := c.Query("year"); y != "" {
		v, err := strconv.Atoi(y)
		if err != nil || v < 1900 || v > 9999 {
			badRequest(c, "invalid year")
			return
		}
		year = v
	}

	stats, err := h.store.Statistics(c.Request.Context(), year)
	if err != nil {
		serverError(c, "failed to compute statistics", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) runPipeline(c *gin.Context) {
	err := h.pipeline.TriggerAsync()
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "started"})
	case errors.Is(err, scheduler.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "a pipeline run is already in progress"})
	case errors.Is(err, scheduler.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
	default:
		serverError(c, "failed to start pipeline run", err)
	}
}

type testAlertRequest struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Level   int    `json:"level"`
}

func (h *Handler) createTestAlert(c *gin.Context) {
	req := testAlertRequest{
		Title:   "Test Alert",
		Message: "This is a test alert for debugging",
		Level:   3,
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}

	// Broadcast only, test alerts are never persisted.
	a := h.alerts.Test(req.Title, req.Message, req.Level)

	c.JSON(http.StatusOK, gin.H{
		"message": "test alert broadcast (not persisted)",
		"alert":   a,
	})
}

// scope resolves the hazard_type and region query parameters, given either as
// an id or a case-insensitive name. It writes a 400 and returns false for
// unknown values.
func (h *Handler) scope(c *gin.Context) (hazard, region *int64, ok bool) {
	ctx := c.Request.Context()

	if v := c.Query("hazard_type"); v != "" {
		hazards, err := h.store.ListHazardTypes(ctx)
		if err != nil {
			serverError(c, "failed to fetch hazard types", err)
			return nil, nil, false
		}
		for _, ht := range hazards {
			if matches(v, ht.ID, string(ht.Name)) {
				id := ht.ID
				hazard = &id
			}
		}
		if hazard == nil {
			badRequest(c, "unknown hazard_type "+strconv.Quote(v))
			return nil, nil, false
		}
	}

	if v := c.Query("region"); v != "" {
		regions, err := h.store.ListRegions(ctx)
		if err != nil {
			serverError(c, "failed to fetch regions", err)
			return nil, nil, false
		}
		for _, r := range regions {
			if matches(v, r.ID, r.Name) {
				id := r.ID
				region = &id
			}
		}
		if region == nil {
			badRequest(c, "unknown region "+strconv.Quote(v))
			return nil, nil, false
		}
	}
	return hazard, region, true
}

func matches(v string, id int64, name string) bool {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n == id
	}
	return strings.EqualFold(v, name)
}

func boolQuery(c *gin.Context, key string, def bool) (bool, bool) {
	v := c.Query(key)
	if v == "" {
		return def, true
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		badRequest(c, key+" must be a boolean")
		return false, false
	}
	return b, true
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func serverError(c *gin.Context, msg string, err error) {
	slog.Error(msg, "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

// nonNil keeps empty results encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
