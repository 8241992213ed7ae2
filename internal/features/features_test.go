package features

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr1hm/go-disaster-risk/internal/models"
)

func events(n int) []models.Event {
	out := make([]models.Event, n)
	for i := range out {
		out[i] = models.Event{
			HazardTypeID: int64(i%4 + 1),
			RegionID:     int64(i%16 + 1),
			Latitude:     1 + float64(i),
			Longitude:    100 + 2*float64(i),
			StartTime:    time.Date(2025, time.Month(i%12+1), 1, 0, 0, 0, 0, time.UTC),
			IsActive:     i%3 == 0,
			Severity:     i%5 + 1,
		}
	}
	return out
}

func TestBuild_Columns(t *testing.T) {
	table, _ := Build(events(3))

	assert.Equal(t, []string{ColHazardType, ColRegion, ColLatitude, ColLongitude, ColStartMonth, ColIsActive}, table.Columns)
	require.Equal(t, 3, table.Len())
	for _, r := range table.Rows {
		assert.Len(t, r, len(table.Columns))
	}

	row := table.Rows[1]
	assert.Equal(t, 2.0, row[table.Column(ColHazardType)])
	assert.Equal(t, 2.0, row[table.Column(ColRegion)])
	assert.Equal(t, 2.0, row[table.Column(ColStartMonth)])
	assert.Equal(t, 0.0, row[table.Column(ColIsActive)])
	assert.Equal(t, 1.0, table.Rows[0][table.Column(ColIsActive)])
}

func TestBuild_OmitsMonthWithoutStartTimes(t *testing.T) {
	evs := events(4)
	evs[2].StartTime = time.Time{}

	table, _ := Build(evs)

	assert.Equal(t, -1, table.Column(ColStartMonth))
	assert.Len(t, table.Rows[0], 5)
}

func TestBuild_InsufficientData(t *testing.T) {
	table, labels := Build(events(MinRows - 1))
	assert.Nil(t, labels)
	assert.Equal(t, MinRows-1, table.Len())

	table, labels = Build(events(MinRows))
	require.Len(t, labels, MinRows)
	assert.Equal(t, MinRows, table.Len())
}

func TestBuild_Empty(t *testing.T) {
	table, labels := Build(nil)
	assert.Equal(t, 0, table.Len())
	assert.Nil(t, labels)
	assert.Equal(t, -1, table.Column(ColStartMonth))
}

func TestBuild_LabelsDefaultSeverity(t *testing.T) {
	evs := events(MinRows)
	evs[0].Severity = 0
	evs[1].Severity = 5

	_, labels := Build(evs)

	assert.Equal(t, 3, labels[0])
	assert.Equal(t, 5, labels[1])
	for _, l := range labels {
		assert.GreaterOrEqual(t, l, 1)
		assert.LessOrEqual(t, l, 5)
	}
}

func TestBuild_StandardizesCoordinates(t *testing.T) {
	table, _ := Build(events(12))

	for _, name := range []string{ColLatitude, ColLongitude} {
		c := table.Column(name)
		var sum, ss float64
		for _, r := range table.Rows {
			sum += r[c]
		}
		mean := sum / float64(table.Len())
		for _, r := range table.Rows {
			ss += (r[c] - mean) * (r[c] - mean)
		}
		assert.InDelta(t, 0, mean, 1e-9, name)
		assert.InDelta(t, 1, math.Sqrt(ss/float64(table.Len())), 1e-9, name)
	}
}

func TestBuild_ConstantCoordinateBecomesZero(t *testing.T) {
	evs := events(5)
	for i := range evs {
		evs[i].Latitude = 3.1
	}

	table, _ := Build(evs)

	c := table.Column(ColLatitude)
	for _, r := range table.Rows {
		assert.Equal(t, 0.0, r[c])
	}
}

func TestBuild_Deterministic(t *testing.T) {
	a, la := Build(events(15))
	b, lb := Build(events(15))
	assert.Equal(t, a, b)
	assert.Equal(t, la, lb)
}
