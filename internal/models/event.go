package models

import (
	"encoding/json"
	"time"
)

const (
	MinSeverity     = 1
	MaxSeverity     = 5
	DefaultSeverity = 3
)

type Event struct {
	ID           int64         `json:"id"`
	HazardTypeID int64         `json:"hazard_type_id"`
	RegionID     int64         `json:"region_id"`
	HazardType   HazardKind    `json:"hazard_type"` // joined from hazard_types
	Region       string        `json:"region"`      // joined from regions
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	StartTime    time.Time     `json:"start_time"`
	EndTime      *time.Time    `json:"end_time"`
	IsActive     bool          `json:"is_active"`
	Severity     int           `json:"severity"`
	Details      HazardDetails `json:"-"`
	Latitude     float64       `json:"latitude"`
	Longitude    float64       `json:"longitude"`
	Source       string        `json:"source"`
	SourceURL    string        `json:"source_url"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	type event Event
	m := MeasurementsOf(e.Details)
	return json.Marshal(struct {
		event
		Magnitude    *float64 `json:"magnitude"`
		Depth        *float64 `json:"depth"`
		AffectedArea *float64 `json:"affected_area"`
	}{event(e), m.Magnitude, m.Depth, m.AffectedArea})
}

// Ended reports whether the event has an end time before now.
func (e *Event) Ended(now time.Time) bool {
	return e.EndTime != nil && e.EndTime.Before(now)
}

// ClampSeverity forces s into the valid severity range; zero means unknown
// and maps to the default.
func ClampSeverity(s int) int {
	switch {
	case s == 0:
		return DefaultSeverity
	case s < MinSeverity:
		return MinSeverity
	case s > MaxSeverity:
		return MaxSeverity
	}
	return s
}

type Coordinates struct {
	Latitude  float64
	Longitude float64
}

func (e *Event) Coordinates() Coordinates {
	return Coordinates{
		Latitude:  e.Latitude,
		Longitude: e.Longitude,
	}
}
