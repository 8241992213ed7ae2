package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mr1hm/go-disaster-risk/internal/models"
)

// UpsertAssessments applies find-or-create by (region_id, hazard_type_id) for
// every assessment in one transaction. An existing row gets its level,
// probability, details and last_assessed overwritten; location and
// coordinates are only written on insert.
func (s *SQLiteDB) UpsertAssessments(ctx context.Context, assessments []models.RiskAssessment) (UpsertResult, error) {
	var res UpsertResult

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, a := range assessments {
			var id int64
			err := tx.QueryRowContext(ctx,
				`SELECT id FROM risk_assessments WHERE region_id = ? AND hazard_type_id = ? ORDER BY id LIMIT 1`,
				a.RegionID, a.HazardTypeID,
			).Scan(&id)

			switch {
			case errors.Is(err, sql.ErrNoRows):
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO risk_assessments (
						region_id, hazard_type_id, location, risk_level, latitude, longitude,
						probability, details, last_assessed
					) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					a.RegionID, a.HazardTypeID, a.LocationLabel, a.RiskLevel, a.Latitude, a.Longitude,
					a.Probability, a.Details, a.LastAssessed.UTC(),
				); err != nil {
					return fmt.Errorf("inserting assessment region=%d hazard=%d: %w", a.RegionID, a.HazardTypeID, err)
				}
				res.Inserted++
			case err != nil:
				return fmt.Errorf("finding assessment region=%d hazard=%d: %w", a.RegionID, a.HazardTypeID, err)
			default:
				if _, err := tx.ExecContext(ctx, `
					UPDATE risk_assessments
					SET risk_level = ?, probability = ?, details = ?, last_assessed = ?
					WHERE id = ?`,
					a.RiskLevel, a.Probability, a.Details, a.LastAssessed.UTC(), id,
				); err != nil {
					return fmt.Errorf("updating assessment %d: %w", id, err)
				}
				res.Updated++
			}
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, err
	}
	return res, nil
}

func (s *SQLiteDB) ListAssessments(ctx context.Context, opts AssessmentFilter) ([]models.RiskAssessment, error) {
	var (
		where []string
		args  []any
	)
	if opts.HazardTypeID != nil {
		where = append(where, "a.hazard_type_id = ?")
		args = append(args, *opts.HazardTypeID)
	}
	if opts.RegionID != nil {
		where = append(where, "a.region_id = ?")
		args = append(args, *opts.RegionID)
	}
	if opts.MinRiskLevel > 0 {
		where = append(where, "a.risk_level >= ?")
		args = append(args, opts.MinRiskLevel)
	}

	query := `
		SELECT a.id, a.region_id, a.hazard_type_id, r.name, h.name, a.location, a.risk_level,
			a.latitude, a.longitude, a.probability, a.details, a.last_assessed
		FROM risk_assessments a
		JOIN regions r ON r.id = a.region_id
		JOIN hazard_types h ON h.id = a.hazard_type_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY a.risk_level DESC, a.id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying assessments: %w", err)
	}
	defer rows.Close()

	var out []models.RiskAssessment
	for rows.Next() {
		var (
			a      models.RiskAssessment
			hazard string
		)
		if err := rows.Scan(
			&a.ID, &a.RegionID, &a.HazardTypeID, &a.Region, &hazard, &a.LocationLabel, &a.RiskLevel,
			&a.Latitude, &a.Longitude, &a.Probability, &a.Details, &a.LastAssessed,
		); err != nil {
			return nil, fmt.Errorf("error scanning assessment: %w", err)
		}
		a.HazardType = models.HazardKind(hazard)
		a.LastAssessed = a.LastAssessed.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
