package models

import "time"

type Alert struct {
	ID                 int64      `json:"id"`
	EventID            int64      `json:"event_id"`
	Title              string     `json:"title"`
	Message            string     `json:"message"`
	AlertLevel         int        `json:"alert_level"`
	IssuedAt           time.Time  `json:"issued_at"`
	ExpiresAt          *time.Time `json:"expires_at"`
	IsActive           bool       `json:"is_active"`
	IsTest             bool       `json:"is_test"`
	SourcesUsed        string     `json:"sources_used"`
	ExternalReferences string     `json:"external_references"`

	// Joined from the parent event on reads.
	EventTitle  string     `json:"event_title,omitempty"`
	HazardType  HazardKind `json:"hazard_type,omitempty"`
	Region      string     `json:"region,omitempty"`
	Latitude    float64    `json:"latitude"`
	Longitude   float64    `json:"longitude"`
	EventActive bool       `json:"event_active"`
}
