package models

import "time"

type RiskAssessment struct {
	ID            int64      `json:"id"`
	RegionID      int64      `json:"region_id"`
	HazardTypeID  int64      `json:"hazard_type_id"`
	Region        string     `json:"region"`
	HazardType    HazardKind `json:"hazard_type"`
	LocationLabel string     `json:"location"`
	RiskLevel     int        `json:"risk_level"`
	Latitude      float64    `json:"latitude"`
	Longitude     float64    `json:"longitude"`
	Probability   float64    `json:"probability"`
	Details       string     `json:"details"`
	LastAssessed  time.Time  `json:"last_assessed"`
}

// ProbabilityFor maps a risk level onto [0.1, 0.5].
func ProbabilityFor(level int) float64 {
	return float64(level) / 10
}
