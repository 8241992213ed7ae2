package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/mr1hm/go-disaster-risk/internal/models"
)

const deactivateOrphans = `
	UPDATE alerts SET is_active = 0
	WHERE is_active = 1
	AND event_id IN (SELECT id FROM events WHERE is_active = 0)`

// ListAlertCandidates returns active events with severity >= minSeverity that
// have no live alert yet.
func (s *SQLiteDB) ListAlertCandidates(ctx context.Context, minSeverity int) ([]models.Event, error) {
	query := "SELECT " + eventColumns + eventJoins + `
		WHERE e.is_active = 1 AND e.severity >= ?
		AND NOT EXISTS (SELECT 1 FROM alerts a WHERE a.event_id = e.id AND a.is_test = 0)
		ORDER BY e.id`
	return queryEvents(ctx, s.db, query, minSeverity)
}

// SyncAlerts is the alert phase's commit unit: it inserts the drafts (at most
// one live alert per event) and closes alerts whose event is inactive.
func (s *SQLiteDB) SyncAlerts(ctx context.Context, drafts []models.Alert) (AlertSyncResult, error) {
	var res AlertSyncResult

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, a := range drafts {
			result, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO alerts (
					event_id, title, message, alert_level, issued_at, expires_at,
					is_active, is_test, sources_used, external_references
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				a.EventID, a.Title, a.Message, a.AlertLevel, a.IssuedAt.UTC(), nullTimeArg(a.ExpiresAt),
				a.IsActive, a.IsTest, a.SourcesUsed, a.ExternalReferences,
			)
			if err != nil {
				return fmt.Errorf("inserting alert for event %d: %w", a.EventID, err)
			}
			n, err := result.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}
			if a.ID, err = result.LastInsertId(); err != nil {
				return err
			}
			res.Created = append(res.Created, a)
		}

		result, err := tx.ExecContext(ctx, deactivateOrphans)
		if err != nil {
			return fmt.Errorf("deactivating orphaned alerts: %w", err)
		}
		res.Deactivated, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return AlertSyncResult{}, err
	}
	return res, nil
}

// DeactivateOrphanedAlerts closes every active alert whose event is inactive.
func (s *SQLiteDB) DeactivateOrphanedAlerts(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, deactivateOrphans)
	if err != nil {
		return 0, fmt.Errorf("%w: deactivating orphaned alerts: %w", ErrWriteConflict, err)
	}
	return result.RowsAffected()
}

func (s *SQLiteDB) ListAlerts(ctx context.Context, opts AlertFilter) ([]models.Alert, error) {
	var (
		where []string
		args  []any
	)
	if opts.HazardTypeID != nil {
		where = append(where, "e.hazard_type_id = ?")
		args = append(args, *opts.HazardTypeID)
	}
	if opts.RegionID != nil {
		where = append(where, "e.region_id = ?")
		args = append(args, *opts.RegionID)
	}
	if opts.ActiveOnly {
		where = append(where, "a.is_active = 1")
	}

	query := `
		SELECT a.id, a.event_id, a.title, a.message, a.alert_level, a.issued_at, a.expires_at,
			a.is_active, a.is_test, a.sources_used, a.external_references,
			e.title, h.name, r.name, e.latitude, e.longitude, e.is_active
		FROM alerts a
		JOIN events e ON e.id = a.event_id
		JOIN hazard_types h ON h.id = e.hazard_type_id
		JOIN regions r ON r.id = e.region_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY a.issued_at DESC, a.id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying alerts: %w", err)
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		var (
			a       models.Alert
			expires sql.NullTime
			hazard  string
		)
		if err := rows.Scan(
			&a.ID, &a.EventID, &a.Title, &a.Message, &a.AlertLevel, &a.IssuedAt, &expires,
			&a.IsActive, &a.IsTest, &a.SourcesUsed, &a.ExternalReferences,
			&a.EventTitle, &hazard, &a.Region, &a.Latitude, &a.Longitude, &a.EventActive,
		); err != nil {
			return nil, fmt.Errorf("error scanning alert: %w", err)
		}
		a.HazardType = models.HazardKind(hazard)
		a.IssuedAt = a.IssuedAt.UTC()
		if expires.Valid {
			t := expires.Time.UTC()
			a.ExpiresAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
