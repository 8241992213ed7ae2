package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mr1hm/go-disaster-risk/internal/models"
)

// DedupKey identifies an ingested event by (source, title, start_time).
func DedupKey(source, title string, start time.Time) string {
	return source + "\x1f" + title + "\x1f" + start.UTC().Format(time.RFC3339Nano)
}

const eventColumns = `
	e.id, e.hazard_type_id, e.region_id, h.name, r.name, e.title, e.description,
	e.start_time, e.end_time, e.is_active, e.severity, e.magnitude, e.depth, e.affected_area,
	e.latitude, e.longitude, e.source, e.source_url, e.created_at, e.updated_at`

const eventJoins = `
	FROM events e
	JOIN hazard_types h ON h.id = e.hazard_type_id
	JOIN regions r ON r.id = e.region_id`

// AdmitEvents inserts every draft whose dedup key is new and then deactivates
// events whose end time has passed, all in one transaction. Drafts that
// collide with a stored key, or with an earlier draft in the same batch, are
// counted as duplicates and left untouched.
func (s *SQLiteDB) AdmitEvents(ctx context.Context, drafts []models.Event, now time.Time) (AdmitResult, error) {
	now = now.UTC()
	var res AdmitResult

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, d := range drafts {
			e, inserted, err := insertEvent(ctx, tx, d, now)
			if err != nil {
				return err
			}
			if !inserted {
				res.Duplicates++
				continue
			}
			res.Inserted = append(res.Inserted, e)
		}

		expired, err := expireEnded(ctx, tx, now)
		if err != nil {
			return err
		}
		res.Expired = expired
		return nil
	})
	if err != nil {
		return AdmitResult{}, err
	}
	return res, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, e models.Event, now time.Time) (models.Event, bool, error) {
	e.StartTime = e.StartTime.UTC()
	if e.EndTime != nil {
		end := e.EndTime.UTC()
		e.EndTime = &end
	}
	e.Severity = models.ClampSeverity(e.Severity)
	e.CreatedAt, e.UpdatedAt = now, now
	m := models.MeasurementsOf(e.Details)

	result, err := tx.ExecContext(ctx, `
		INSERT INTO events (
			hazard_type_id, region_id, title, description, start_time, end_time, is_active,
			severity, magnitude, depth, affected_area, latitude, longitude, source, source_url,
			dedup_key, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedup_key) DO NOTHING`,
		e.HazardTypeID, e.RegionID, e.Title, e.Description, e.StartTime, nullTimeArg(e.EndTime), e.IsActive,
		e.Severity, nullFloatArg(m.Magnitude), nullFloatArg(m.Depth), nullFloatArg(m.AffectedArea),
		e.Latitude, e.Longitude, e.Source, e.SourceURL,
		DedupKey(e.Source, e.Title, e.StartTime), e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return e, false, fmt.Errorf("inserting event %q: %w", e.Title, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return e, false, err
	}
	if n == 0 {
		return e, false, nil
	}
	if e.ID, err = result.LastInsertId(); err != nil {
		return e, false, err
	}
	return e, true, nil
}

// expireEnded deactivates active events whose end time lies before now.
func expireEnded(ctx context.Context, tx *sql.Tx, now time.Time) (int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id, end_time FROM events WHERE is_active = 1 AND end_time IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("querying ended events: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var e models.Event
		var end time.Time
		if err := rows.Scan(&e.ID, &end); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning ended event: %w", err)
		}
		e.EndTime = &end
		if e.Ended(now) {
			ids = append(ids, e.ID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE events SET is_active = 0, updated_at = ? WHERE id = ?`, now, id); err != nil {
			return 0, fmt.Errorf("expiring event %d: %w", id, err)
		}
	}
	return len(ids), nil
}

func (s *SQLiteDB) ListEvents(ctx context.Context, opts EventFilter) ([]models.Event, error) {
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
		where = append(where, "e.is_active = 1")
	}

	query := "SELECT " + eventColumns + eventJoins
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY e.start_time DESC, e.id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	return queryEvents(ctx, s.db, query, args...)
}

// SetEventActive flips an event's active flag. Alerts follow on the next
// alert read or alert phase.
func (s *SQLiteDB) SetEventActive(ctx context.Context, id int64, active bool, now time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE events SET is_active = ?, updated_at = ? WHERE id = ?`, active, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("error updating event %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("event %d: %w", id, ErrNotFound)
	}
	return nil
}

func queryEvents(ctx context.Context, q queryer, query string, args ...any) ([]models.Event, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanEvent(sc scanner) (models.Event, error) {
	var (
		e                    models.Event
		hazard               string
		end                  sql.NullTime
		mag, depth, affected sql.NullFloat64
	)
	err := sc.Scan(
		&e.ID, &e.HazardTypeID, &e.RegionID, &hazard, &e.Region, &e.Title, &e.Description,
		&e.StartTime, &end, &e.IsActive, &e.Severity, &mag, &depth, &affected,
		&e.Latitude, &e.Longitude, &e.Source, &e.SourceURL, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return e, fmt.Errorf("error scanning event: %w", err)
	}

	e.HazardType = models.HazardKind(hazard)
	e.StartTime = e.StartTime.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if end.Valid {
		t := end.Time.UTC()
		e.EndTime = &t
	}
	e.Details = models.DetailsFor(e.HazardType, models.Measurements{
		Magnitude:    nullFloat(mag),
		Depth:        nullFloat(depth),
		AffectedArea: nullFloat(affected),
	})
	return e, nil
}
