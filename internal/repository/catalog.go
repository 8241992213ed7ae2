package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mr1hm/go-disaster-risk/internal/catalog"
	"github.com/mr1hm/go-disaster-risk/internal/models"
)

// SeedCatalog inserts hazard types and regions that are not present yet.
// Running it again with the same catalog changes nothing.
func (s *SQLiteDB) SeedCatalog(ctx context.Context, c *catalog.Catalog) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, h := range c.HazardTypes {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO hazard_types (name, description) VALUES (?, ?)`,
				string(h.Name), h.Description,
			); err != nil {
				return fmt.Errorf("seeding hazard type %s: %w", h.Name, err)
			}
		}
		for _, r := range c.Regions {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO regions (name, latitude, longitude) VALUES (?, ?, ?)`,
				r.Name, r.Latitude, r.Longitude,
			); err != nil {
				return fmt.Errorf("seeding region %s: %w", r.Name, err)
			}
		}
		return nil
	})
}

// SeedSampleEvents admits the catalog's sample events when the event table is
// empty. It returns the number of events inserted.
func (s *SQLiteDB) SeedSampleEvents(ctx context.Context, c *catalog.Catalog, now time.Time) (int, error) {
	if len(c.SampleEvents) == 0 {
		return 0, nil
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&count); err != nil {
		return 0, fmt.Errorf("error counting events: %w", err)
	}
	if count > 0 {
		return 0, nil
	}

	hazards, err := s.ListHazardTypes(ctx)
	if err != nil {
		return 0, err
	}
	regions, err := s.ListRegions(ctx)
	if err != nil {
		return 0, err
	}
	hazardIDs := make(map[models.HazardKind]int64, len(hazards))
	for _, h := range hazards {
		hazardIDs[h.Name] = h.ID
	}
	regionIDs := make(map[string]int64, len(regions))
	for _, r := range regions {
		regionIDs[r.Name] = r.ID
	}

	drafts := make([]models.Event, 0, len(c.SampleEvents))
	for _, se := range c.SampleEvents {
		hid, ok := hazardIDs[se.Hazard]
		if !ok {
			return 0, fmt.Errorf("sample event %q: hazard %q not seeded", se.Title, se.Hazard)
		}
		rid, ok := regionIDs[se.Region]
		if !ok {
			return 0, fmt.Errorf("sample event %q: region %q not seeded", se.Title, se.Region)
		}
		drafts = append(drafts, models.Event{
			HazardTypeID: hid,
			RegionID:     rid,
			Title:        se.Title,
			Description:  se.Description,
			StartTime:    se.StartTime,
			EndTime:      se.EndTime,
			IsActive:     se.Active,
			Severity:     se.Severity,
			Details: models.DetailsFor(se.Hazard, models.Measurements{
				Magnitude:    se.Magnitude,
				Depth:        se.Depth,
				AffectedArea: se.AffectedArea,
			}),
			Latitude:  se.Latitude,
			Longitude: se.Longitude,
			Source:    se.Source,
			SourceURL: se.SourceURL,
		})
	}

	res, err := s.AdmitEvents(ctx, drafts, now)
	if err != nil {
		return 0, err
	}
	return len(res.Inserted), nil
}

func (s *SQLiteDB) ListHazardTypes(ctx context.Context) ([]models.HazardType, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description FROM hazard_types ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("error querying hazard types: %w", err)
	}
	defer rows.Close()

	var out []models.HazardType
	for rows.Next() {
		var h models.HazardType
		var name string
		if err := rows.Scan(&h.ID, &name, &h.Description); err != nil {
			return nil, fmt.Errorf("error scanning hazard type: %w", err)
		}
		h.Name = models.HazardKind(name)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQLiteDB) ListRegions(ctx context.Context) ([]models.Region, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, latitude, longitude FROM regions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("error querying regions: %w", err)
	}
	defer rows.Close()

	var out []models.Region
	for rows.Next() {
		var r models.Region
		if err := rows.Scan(&r.ID, &r.Name, &r.Latitude, &r.Longitude); err != nil {
			return nil, fmt.Errorf("error scanning region: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
