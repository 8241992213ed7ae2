package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mr1hm/go-disaster-risk/internal/alerts"
	"github.com/mr1hm/go-disaster-risk/internal/models"
	"github.com/mr1hm/go-disaster-risk/internal/repository"
	"github.com/mr1hm/go-disaster-risk/internal/scheduler"
)

// mockStore implements Store for testing
type mockStore struct {
	hazards     []models.HazardType
	regions     []models.Region
	events      []models.Event
	assessments []models.RiskAssessment
	pingErr     error
	listErr     error

	eventFilter      repository.EventFilter
	assessmentFilter repository.AssessmentFilter
	statsYear        int
}

func newMockStore() *mockStore {
	return &mockStore{
		hazards: []models.HazardType{
			{ID: 1, Name: models.HazardFlood},
			{ID: 2, Name: models.HazardEarthquake},
		},
		regions: []models.Region{
			{ID: 1, Name: "Kelantan", Latitude: 5.3, Longitude: 102.0},
			{ID: 2, Name: "Sabah", Latitude: 5.4, Longitude: 117.0},
		},
	}
}

func (m *mockStore) Ping(ctx context.Context) error { return m.pingErr }

func (m *mockStore) ListHazardTypes(ctx context.Context) ([]models.HazardType, error) {
	return m.hazards, nil
}

func (m *mockStore) ListRegions(ctx context.Context) ([]models.Region, error) {
	return m.regions, nil
}

func (m *mockStore) ListEvents(ctx context.Context, opts repository.EventFilter) ([]models.Event, error) {
	m.eventFilter = opts
	if m.listErr != nil {
		return nil, m.listErr
	}
	results := m.events
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func (m *mockStore) ListAssessments(ctx context.Context, opts repository.AssessmentFilter) ([]models.RiskAssessment, error) {
	m.assessmentFilter = opts
	var results []models.RiskAssessment
	for _, a := range m.assessments {
		if a.RiskLevel >= opts.MinRiskLevel {
			results = append(results, a)
		}
	}
	return results, nil
}

func (m *mockStore) Statistics(ctx context.Context, year int) (repository.Statistics, error) {
	m.statsYear = year
	return repository.Statistics{Year: year, TotalEvents: len(m.events)}, nil
}

type mockAlerts struct {
	alerts []models.Alert
	filter repository.AlertFilter
	tested []models.Alert
}

func (m *mockAlerts) List(ctx context.Context, filter repository.AlertFilter) ([]models.Alert, error) {
	m.filter = filter
	return m.alerts, nil
}

func (m *mockAlerts) Test(title, message string, level int) models.Alert {
	a := models.Alert{Title: title, Message: message, AlertLevel: level, IsTest: true, IsActive: true}
	m.tested = append(m.tested, a)
	return a
}

type mockPipeline struct {
	err   error
	state string
	calls int
}

func (m *mockPipeline) TriggerAsync() error {
	m.calls++
	return m.err
}

func (m *mockPipeline) State() string {
	if m.state == "" {
		return scheduler.StateIdle
	}
	return m.state
}

type testDeps struct {
	store    *mockStore
	alerts   *mockAlerts
	pipeline *mockPipeline
	stream   *alerts.Broadcaster
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupTestRouter(t *testing.T) (*gin.Engine, *testDeps) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	deps := &testDeps{
		store:    newMockStore(),
		alerts:   &mockAlerts{},
		pipeline: &mockPipeline{},
		stream:   alerts.NewBroadcaster(),
	}
	t.Cleanup(deps.stream.Close)

	router := gin.New()
	handler := NewHandler(deps.store, deps.alerts, deps.pipeline, deps.stream, clockwork.NewFakeClockAt(testNow))
	handler.RegisterRoutes(router)
	return router, deps
}

func do(router *gin.Engine, method, target string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body != nil {
		req, _ = http.NewRequest(method, target, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, _ = http.NewRequest(method, target, nil)
	}
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	router, deps := setupTestRouter(t)

	w := do(router, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
	if resp["pipeline"] != scheduler.StateIdle {
		t.Errorf("expected pipeline idle, got %s", resp["pipeline"])
	}

	deps.store.pingErr = errors.New("database is closed")
	w = do(router, "GET", "/health", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503 when the store is down, got %d", w.Code)
	}
}

func TestGetHazardTypesAndRegions(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := do(router, "GET", "/api/hazard_types", nil)
	var hazards []models.HazardType
	if err := json.Unmarshal(w.Body.Bytes(), &hazards); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(hazards) != 2 {
		t.Errorf("expected 2 hazard types, got %d", len(hazards))
	}

	w = do(router, "GET", "/api/regions", nil)
	var regions []models.Region
	if err := json.Unmarshal(w.Body.Bytes(), &regions); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(regions) != 2 || regions[0].Name != "Kelantan" {
		t.Errorf("unexpected regions: %+v", regions)
	}
}

func TestGetEvents_DefaultsAndEmptyList(t *testing.T) {
	router, deps := setupTestRouter(t)

	w := do(router, "GET", "/api/events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("expected empty JSON array, got %s", w.Body.String())
	}

	f := deps.store.eventFilter
	if f.Limit != defaultEventLimit {
		t.Errorf("expected default limit %d, got %d", defaultEventLimit, f.Limit)
	}
	if f.ActiveOnly {
		t.Error("events should not be filtered to active by default")
	}
	if f.HazardTypeID != nil || f.RegionID != nil {
		t.Error("expected no hazard or region filter")
	}
}

func TestGetEvents_ResolvesNamesAndIDs(t *testing.T) {
	router, deps := setupTestRouter(t)

	w := do(router, "GET", "/api/events?hazard_type=flood&region=KELANTAN&active_only=true", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	f := deps.store.eventFilter
	if f.HazardTypeID == nil || *f.HazardTypeID != 1 {
		t.Errorf("expected hazard_type_id 1, got %v", f.HazardTypeID)
	}
	if f.RegionID == nil || *f.RegionID != 1 {
		t.Errorf("expected region_id 1, got %v", f.RegionID)
	}
	if !f.ActiveOnly {
		t.Error("expected active_only filter")
	}

	w = do(router, "GET", "/api/events?hazard_type=2&region=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	f = deps.store.eventFilter
	if *f.HazardTypeID != 2 || *f.RegionID != 2 {
		t.Errorf("expected ids 2/2, got %d/%d", *f.HazardTypeID, *f.RegionID)
	}
}

func TestGetEvents_BadRequests(t *testing.T) {
	router, _ := setupTestRouter(t)

	tests := []string{
		"/api/events?hazard_type=volcano",
		"/api/events?region=Atlantis",
		"/api/events?hazard_type=99",
		"/api/events?limit=0",
		"/api/events?limit=501",
		"/api/events?limit=abc",
		"/api/events?active_only=maybe",
	}
	for _, target := range tests {
		w := do(router, "GET", target, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d", target, w.Code)
		}
		var resp map[string]string
		json.Unmarshal(w.Body.Bytes(), &resp)
		if resp["error"] == "" {
			t.Errorf("%s: expected an error message", target)
		}
	}
}

func TestGetEvents_StoreError(t *testing.T) {
	router, deps := setupTestRouter(t)
	deps.store.listErr = errors.New("disk I/O error")

	w := do(router, "GET", "/api/events", nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
}

func TestGetEvents_Limit(t *testing.T) {
	router, deps := setupTestRouter(t)
	for i := range 5 {
		deps.store.events = append(deps.store.events, models.Event{ID: int64(i + 1), StartTime: testNow})
	}

	w := do(router, "GET", "/api/events?limit=3", nil)
	var events []map[string]any
	json.Unmarshal(w.Body.Bytes(), &events)

	if len(events) != 3 {
		t.Errorf("expected 3 events, got %d", len(events))
	}
}

func TestGetEvents_GeoJSON(t *testing.T) {
	router, deps := setupTestRouter(t)
	mag := 5.4
	deps.store.events = []models.Event{
		{
			ID:         1,
			HazardType: models.HazardEarthquake,
			Region:     "Sabah",
			Title:      "M 5.4 - Ranau",
			Severity:   4,
			IsActive:   true,
			Details:    models.EarthquakeDetails{Magnitude: &mag},
			Latitude:   6.0,
			Longitude:  116.6,
			StartTime:  testNow,
		},
		{
			ID:         2,
			HazardType: models.HazardFlood,
			Region:     "Kelantan",
			Title:      "Flood - Kota Bharu",
			Details:    models.FloodDetails{},
			Latitude:   6.1,
			Longitude:  102.2,
			StartTime:  testNow,
		},
	}

	w := do(router, "GET", "/api/events?format=geojson", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/geo+json" {
		t.Errorf("expected content-type application/geo+json, got %s", ct)
	}

	var fc FeatureCollection
	if err := json.Unmarshal(w.Body.Bytes(), &fc); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if fc.Type != "FeatureCollection" {
		t.Errorf("expected type FeatureCollection, got %s", fc.Type)
	}
	if len(fc.Features) != 2 {
		t.Fatalf("expected 2 features, got %d", len(fc.Features))
	}

	quake := fc.Features[0]
	if quake.Geometry.Coordinates[0] != 116.6 || quake.Geometry.Coordinates[1] != 6.0 {
		t.Errorf("expected [lon, lat] coordinates, got %v", quake.Geometry.Coordinates)
	}
	if quake.Properties["magnitude"] != 5.4 {
		t.Errorf("expected magnitude 5.4, got %v", quake.Properties["magnitude"])
	}
	if quake.Properties["hazard_type"] != "Earthquake" {
		t.Errorf("expected hazard_type Earthquake, got %v", quake.Properties["hazard_type"])
	}
	if _, ok := fc.Features[1].Properties["magnitude"]; ok {
		t.Error("flood feature should not carry a magnitude")
	}
}

func TestGetEvents_JSONFlattensMeasurements(t *testing.T) {
	router, deps := setupTestRouter(t)
	area := 12.5
	deps.store.events = []models.Event{
		{ID: 1, HazardType: models.HazardFlood, Details: models.FloodDetails{AffectedArea: &area}, StartTime: testNow},
	}

	w := do(router, "GET", "/api/events", nil)
	var events []map[string]any
	json.Unmarshal(w.Body.Bytes(), &events)

	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0]["affected_area"] != 12.5 {
		t.Errorf("expected affected_area 12.5, got %v", events[0]["affected_area"])
	}
	if events[0]["magnitude"] != nil {
		t.Errorf("expected null magnitude, got %v", events[0]["magnitude"])
	}
}

func TestGetAssessments_MinRiskLevel(t *testing.T) {
	router, deps := setupTestRouter(t)
	deps.store.assessments = []models.RiskAssessment{
		{ID: 1, RegionID: 1, HazardTypeID: 1, RiskLevel: 4},
		{ID: 2, RegionID: 2, HazardTypeID: 1, RiskLevel: 1},
	}

	w := do(router, "GET", "/api/risk_assessments?min_risk_level=3&hazard_type=Flood", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var got []models.RiskAssessment
	json.Unmarshal(w.Body.Bytes(), &got)
	if len(got) != 1 || got[0].RiskLevel != 4 {
		t.Errorf("expected the level 4 assessment only, got %+v", got)
	}
	if deps.store.assessmentFilter.HazardTypeID == nil || *deps.store.assessmentFilter.HazardTypeID != 1 {
		t.Error("expected hazard filter to be passed through")
	}

	for _, v := range []string{"0", "6", "high"} {
		w = do(router, "GET", "/api/risk_assessments?min_risk_level="+v, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("min_risk_level=%s: expected status 400, got %d", v, w.Code)
		}
	}
}

func TestGetAlerts_ActiveOnlyByDefault(t *testing.T) {
	router, deps := setupTestRouter(t)
	deps.alerts.alerts = []models.Alert{{ID: 1, Title: "Alert: Flood", IsActive: true}}

	w := do(router, "GET", "/api/alerts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if !deps.alerts.filter.ActiveOnly {
		t.Error("expected alerts to default to active_only")
	}
	var got []models.Alert
	json.Unmarshal(w.Body.Bytes(), &got)
	if len(got) != 1 {
		t.Errorf("expected 1 alert, got %d", len(got))
	}

	do(router, "GET", "/api/alerts?active_only=false&region=Sabah", nil)
	if deps.alerts.filter.ActiveOnly {
		t.Error("expected active_only=false to be honoured")
	}
	if deps.alerts.filter.RegionID == nil || *deps.alerts.filter.RegionID != 2 {
		t.Error("expected region filter Sabah")
	}
}

func TestGetStatistics(t *testing.T) {
	router, deps := setupTestRouter(t)

	w := do(router, "GET", "/api/statistics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if deps.store.statsYear != 2026 {
		t.Errorf("expected current year 2026, got %d", deps.store.statsYear)
	}

	do(router, "GET", "/api/statistics?year=2024", nil)
	if deps.store.statsYear != 2024 {
		t.Errorf("expected year 2024, got %d", deps.store.statsYear)
	}

	w = do(router, "GET", "/api/statistics?year=last", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestRunPipeline(t *testing.T) {
	router, deps := setupTestRouter(t)

	w := do(router, "POST", "/api/pipeline/run", nil)
	if w.Code != http.StatusAccepted {
		t.Errorf("expected status 202, got %d", w.Code)
	}

	deps.pipeline.err = scheduler.ErrRunInProgress
	w = do(router, "POST", "/api/pipeline/run", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", w.Code)
	}

	deps.pipeline.err = scheduler.ErrStopped
	w = do(router, "POST", "/api/pipeline/run", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}

	if deps.pipeline.calls != 3 {
		t.Errorf("expected 3 trigger calls, got %d", deps.pipeline.calls)
	}
}

func TestCreateTestAlert(t *testing.T) {
	router, deps := setupTestRouter(t)

	w := do(router, "POST", "/api/debug/test-alert", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if len(deps.alerts.tested) != 1 || deps.alerts.tested[0].Title != "Test Alert" {
		t.Errorf("expected default test alert, got %+v", deps.alerts.tested)
	}

	body, _ := json.Marshal(map[string]any{"title": "Drill", "message": "Evacuation drill", "level": 5})
	w = do(router, "POST", "/api/debug/test-alert", body)
	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if got := deps.alerts.tested[1]; got.Title != "Drill" || got.AlertLevel != 5 {
		t.Errorf("expected custom test alert, got %+v", got)
	}

	w = do(router, "POST", "/api/debug/test-alert", []byte("{not json"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 for a malformed body, got %d", w.Code)
	}
}

func TestStreamAlerts(t *testing.T) {
	router, deps := setupTestRouter(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", "/api/alerts/stream", nil)
	w := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		router.ServeHTTP(w, req)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for deps.stream.SubscriberCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("stream did not subscribe")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if dropped := deps.stream.Broadcast(&models.Alert{ID: 7, Title: "Alert: Flood - Kota Bharu"}); dropped != 0 {
		t.Fatalf("expected delivery, %d dropped", dropped)
	}
	// Closing the broadcaster ends the stream after the buffered alert is sent.
	deps.stream.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not end")
	}

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected content-type text/event-stream, got %s", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "event:alert") {
		t.Errorf("expected an alert event, got %q", body)
	}
	if !strings.Contains(body, "Kota Bharu") {
		t.Errorf("expected the alert payload, got %q", body)
	}
	if deps.stream.SubscriberCount() != 0 {
		t.Error("expected the subscriber to be removed")
	}
}

func TestRegisterMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_requests_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	router := gin.New()
	RegisterMetrics(router, reg)

	w := do(router, "GET", "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "test_requests_total 1") {
		t.Errorf("expected counter in output, got %s", w.Body.String())
	}
}
