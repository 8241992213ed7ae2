// Package features turns stored events into the numeric table the risk model
// trains and predicts on.
package features

import (
	"math"

	"github.com/mr1hm/go-disaster-risk/internal/models"
)

// MinRows is the smallest event count that yields labels. Below it Build
// returns nil labels and the model falls back.
const MinRows = 10

const (
	ColHazardType = "hazard_type_id"
	ColRegion     = "region_id"
	ColLatitude   = "latitude"
	ColLongitude  = "longitude"
	ColStartMonth = "start_month"
	ColIsActive   = "is_active"
)

// Table is a row-major feature matrix with named columns.
type Table struct {
	Columns []string
	Rows    [][]float64
}

func (t Table) Len() int { return len(t.Rows) }

// Column returns the index of name, or -1.
func (t Table) Column(name string) int {
	for i, c := range t.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

// Build extracts one row per event. Latitude and longitude are standardized
// against the batch itself, so the same events always give the same table but
// a different batch scales differently. start_month is only present when every
// event has a start time.
func Build(events []models.Event) (Table, []int) {
	cols := []string{ColHazardType, ColRegion, ColLatitude, ColLongitude}
	withMonth := len(events) > 0
	for _, e := range events {
		if e.StartTime.IsZero() {
			withMonth = false
			break
		}
	}
	if withMonth {
		cols = append(cols, ColStartMonth)
	}
	cols = append(cols, ColIsActive)

	t := Table{Columns: cols, Rows: make([][]float64, len(events))}
	labels := make([]int, len(events))

	for i, e := range events {
		row := make([]float64, 0, len(cols))
		row = append(row, float64(e.HazardTypeID), float64(e.RegionID), e.Latitude, e.Longitude)
		if withMonth {
			row = append(row, float64(e.StartTime.Month()))
		}
		row = append(row, boolToFloat(e.IsActive))
		t.Rows[i] = row
		labels[i] = models.ClampSeverity(e.Severity)
	}

	standardize(t, t.Column(ColLatitude))
	standardize(t, t.Column(ColLongitude))

	if len(events) < MinRows {
		return t, nil
	}
	return t, labels
}

// standardize rescales column c to zero mean and unit population variance. A
// constant column becomes all zeros.
func standardize(t Table, c int) {
	n := float64(len(t.Rows))
	if c < 0 || n == 0 {
		return
	}

	var sum float64
	for _, r := range t.Rows {
		sum += r[c]
	}
	mean := sum / n

	var ss float64
	for _, r := range t.Rows {
		d := r[c] - mean
		ss += d * d
	}
	std := math.Sqrt(ss / n)

	for _, r := range t.Rows {
		if std == 0 {
			r[c] = 0
			continue
		}
		r[c] = (r[c] - mean) / std
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
