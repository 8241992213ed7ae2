package repository

import (
	"context"
	"fmt"
	"time"
)

// Statistics summarizes the store for dashboards. Monthly counts cover
// events starting in the given year.
func (s *SQLiteDB) Statistics(ctx context.Context, year int) (Statistics, error) {
	st := Statistics{
		Year:         year,
		ByHazardType: map[string]int{},
		ByRegion:     map[string]int{},
		RiskLevels:   map[int]int{1: 0, 2: 0, 3: 0, 4: 0, 5: 0},
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM events),
			(SELECT COUNT(*) FROM events WHERE is_active = 1),
			(SELECT COUNT(*) FROM alerts WHERE is_active = 1)`,
	).Scan(&st.TotalEvents, &st.ActiveEvents, &st.ActiveAlerts)
	if err != nil {
		return st, fmt.Errorf("error counting totals: %w", err)
	}

	if err := s.countInto(ctx, st.ByHazardType, `
		SELECT h.name, COUNT(e.id) FROM hazard_types h
		LEFT JOIN events e ON e.hazard_type_id = h.id
		GROUP BY h.id, h.name`); err != nil {
		return st, err
	}
	if err := s.countInto(ctx, st.ByRegion, `
		SELECT r.name, COUNT(e.id) FROM regions r
		LEFT JOIN events e ON e.region_id = r.id
		GROUP BY r.id, r.name`); err != nil {
		return st, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT risk_level, COUNT(*) FROM risk_assessments GROUP BY risk_level`)
	if err != nil {
		return st, fmt.Errorf("error counting risk levels: %w", err)
	}
	for rows.Next() {
		var level, n int
		if err := rows.Scan(&level, &n); err != nil {
			rows.Close()
			return st, fmt.Errorf("error scanning risk level: %w", err)
		}
		st.RiskLevels[level] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return st, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT start_time FROM events`)
	if err != nil {
		return st, fmt.Errorf("error querying start times: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var start time.Time
		if err := rows.Scan(&start); err != nil {
			return st, fmt.Errorf("error scanning start time: %w", err)
		}
		if start = start.UTC(); start.Year() == year {
			st.ByMonth[start.Month()-1]++
		}
	}
	return st, rows.Err()
}

func (s *SQLiteDB) countInto(ctx context.Context, dst map[string]int, query string) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("error running count query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name string
			n    int
		)
		if err := rows.Scan(&name, &n); err != nil {
			return fmt.Errorf("error scanning count: %w", err)
		}
		dst[name] = n
	}
	return rows.Err()
}
