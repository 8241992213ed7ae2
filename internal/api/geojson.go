package api

import (
	"github.com/mr1hm/go-disaster-risk/internal/models"
)

type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}
type Feature struct {
	Type       string         `json:"type"`
	Geometry   Geometry       `json:"geometry"`
	Properties map[string]any `json:"properties"`
}
type Geometry struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates"`
}

// toGeoJSON renders events as points. Hazard measurements appear only when
// the event's hazard defines them.
func toGeoJSON(events []models.Event) FeatureCollection {
	features := make([]Feature, 0, len(events))

	for _, e := range events {
		props := map[string]any{
			"id":          e.ID,
			"hazard_type": e.HazardType,
			"region":      e.Region,
			"title":       e.Title,
			"description": e.Description,
			"severity":    e.Severity,
			"is_active":   e.IsActive,
			"start_time":  e.StartTime,
			"end_time":    e.EndTime,
			"source":      e.Source,
			"source_url":  e.SourceURL,
		}
		m := models.MeasurementsOf(e.Details)
		if m.Magnitude != nil {
			props["magnitude"] = *m.Magnitude
		}
		if m.Depth != nil {
			props["depth"] = *m.Depth
		}
		if m.AffectedArea != nil {
			props["affected_area"] = *m.AffectedArea
		}

		features = append(features, Feature{
			Type: "Feature",
			Geometry: Geometry{
				Type:        "Point",
				Coordinates: []float64{e.Longitude, e.Latitude},
			},
			Properties: props,
		})
	}

	return FeatureCollection{
		Type:     "FeatureCollection",
		Features: features,
	}
}
