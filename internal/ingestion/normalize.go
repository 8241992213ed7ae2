package ingestion

import (
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/mr1hm/go-disaster-risk/internal/catalog"
	"github.com/mr1hm/go-disaster-risk/internal/models"
)

// Drop reasons. None of them is a pipeline error.
var (
	ErrMalformedRecord = errors.New("malformed record")
	ErrOutsideRegion   = errors.New("record outside region of interest")
	ErrUnclassified    = errors.New("record matches no hazard keyword")
)

const acresToKm2 = 0.00404686

var (
	magnitudeBefore = regexp.MustCompile(`(?i)(?:\bmagnitude\b|\bMw?)\s*(\d+(?:\.\d+)?)`)
	magnitudeAfter  = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*magnitude\b`)
)

// Normalizer turns raw feed records into event drafts for one tracked region.
type Normalizer struct {
	bbox     catalog.BoundingBox
	keywords []catalog.Keyword
	hazards  map[models.HazardKind]models.HazardType
	regions  []models.Region
}

func NewNormalizer(bbox catalog.BoundingBox, keywords []catalog.Keyword, hazards []models.HazardType, regions []models.Region) *Normalizer {
	byName := make(map[models.HazardKind]models.HazardType, len(hazards))
	for _, h := range hazards {
		byName[h.Name] = h
	}
	return &Normalizer{
		bbox:     bbox,
		keywords: keywords,
		hazards:  byName,
		regions:  regions,
	}
}

// Normalize maps one record to an event draft. The returned error is one of
// the drop reasons above.
func (n *Normalizer) Normalize(rec RawRecord) (models.Event, error) {
	if rec.Title == "" || len(rec.Geometry) == 0 || len(rec.Categories) == 0 {
		return models.Event{}, ErrMalformedRecord
	}

	point, ok := n.firstInside(rec.Geometry)
	if !ok {
		return models.Event{}, ErrOutsideRegion
	}

	kind, ok := Classify(n.keywords, rec.Categories)
	if !ok {
		return models.Event{}, ErrUnclassified
	}
	hazard, ok := n.hazards[kind]
	if !ok {
		return models.Event{}, ErrUnclassified
	}

	region, ok := NearestRegion(n.regions, point.Lat, point.Lon)
	if !ok {
		return models.Event{}, ErrMalformedRecord
	}

	text := rec.Title + " " + rec.Description
	details, hasMagnitudeText := measure(kind, text, point)

	return models.Event{
		HazardTypeID: hazard.ID,
		RegionID:     region.ID,
		HazardType:   kind,
		Region:       region.Name,
		Title:        rec.Title,
		Description:  rec.Description,
		StartTime:    rec.Geometry[0].Date,
		IsActive:     true,
		Severity:     DefaultSeverity(kind, hasMagnitudeText),
		Details:      details,
		Latitude:     point.Lat,
		Longitude:    point.Lon,
		Source:       rec.Source,
		SourceURL:    rec.Link,
	}, nil
}

func (n *Normalizer) firstInside(points []GeometryPoint) (GeometryPoint, bool) {
	for _, p := range points {
		if n.bbox.Contains(p.Lon, p.Lat) {
			return p, true
		}
	}
	return GeometryPoint{}, false
}

// Classify returns the hazard of the first keyword, in table order, found as
// a case-insensitive substring of any label.
func Classify(keywords []catalog.Keyword, labels []string) (models.HazardKind, bool) {
	lowered := make([]string, len(labels))
	for i, l := range labels {
		lowered[i] = strings.ToLower(l)
	}
	for _, k := range keywords {
		for _, l := range lowered {
			if strings.Contains(l, k.Word) {
				return k.Hazard, true
			}
		}
	}
	return "", false
}

// NearestRegion picks the region whose centroid has the smallest great-circle
// distance to the point.
func NearestRegion(regions []models.Region, lat, lon float64) (models.Region, bool) {
	if len(regions) == 0 {
		return models.Region{}, false
	}
	best, bestDist := regions[0], math.Inf(1)
	for _, r := range regions {
		if d := haversineKm(lat, lon, r.Latitude, r.Longitude); d < bestDist {
			best, bestDist = r, d
		}
	}
	return best, true
}

func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// DefaultSeverity is the per-hazard placeholder severity for new events.
func DefaultSeverity(kind models.HazardKind, magnitudeText bool) int {
	switch kind {
	case models.HazardFlood:
		return 4
	case models.HazardTsunami:
		return 5
	case models.HazardEarthquake:
		if magnitudeText {
			return 4
		}
		return 3
	default:
		return models.DefaultSeverity
	}
}

// measure builds the hazard details from the text and the point's reported
// magnitude, and reports whether the text mentions a magnitude.
func measure(kind models.HazardKind, text string, p GeometryPoint) (models.HazardDetails, bool) {
	var m models.Measurements
	mentioned := strings.Contains(strings.ToLower(text), "magnitude")

	if kind == models.HazardEarthquake {
		if v, ok := parseMagnitude(text); ok {
			m.Magnitude = &v
			mentioned = true
		}
	}

	if p.MagnitudeValue != nil {
		v := *p.MagnitudeValue
		switch strings.ToLower(p.MagnitudeUnit) {
		case "acres":
			area := v * acresToKm2
			m.AffectedArea = &area
		case "km2", "sq km", "km²":
			m.AffectedArea = &v
		case "m", "mw", "mb", "ml":
			if m.Magnitude == nil {
				m.Magnitude = &v
			}
		}
	}

	return models.DetailsFor(kind, m), mentioned
}

func parseMagnitude(text string) (float64, bool) {
	for _, re := range []*regexp.Regexp{magnitudeBefore, magnitudeAfter} {
		if match := re.FindStringSubmatch(text); match != nil {
			if v, err := strconv.ParseFloat(match[1], 64); err == nil {
				return v, true
			}
		}
	}
	return 0, false
}
