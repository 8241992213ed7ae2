// Package catalog holds the reference data the pipeline is configured with:
// hazard types and their classification keywords, tracked regions, the
// region-of-interest bounding box and optional sample events.
package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mr1hm/go-disaster-risk/internal/models"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type BoundingBox struct {
	MinLon float64 `yaml:"min_lon"`
	MinLat float64 `yaml:"min_lat"`
	MaxLon float64 `yaml:"max_lon"`
	MaxLat float64 `yaml:"max_lat"`
}

// Contains is inclusive on every edge.
func (b BoundingBox) Contains(lon, lat float64) bool {
	return lon >= b.MinLon && lon <= b.MaxLon && lat >= b.MinLat && lat <= b.MaxLat
}

type HazardEntry struct {
	Name        models.HazardKind `yaml:"name"`
	Description string            `yaml:"description"`
	Keywords    []string          `yaml:"keywords"`
}

type RegionEntry struct {
	Name      string  `yaml:"name"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

type SampleEvent struct {
	Title        string            `yaml:"title"`
	Hazard       models.HazardKind `yaml:"hazard"`
	Region       string            `yaml:"region"`
	Description  string            `yaml:"description"`
	StartTime    time.Time         `yaml:"start_time"`
	EndTime      *time.Time        `yaml:"end_time"`
	Active       bool              `yaml:"active"`
	Severity     int               `yaml:"severity"`
	Latitude     float64           `yaml:"latitude"`
	Longitude    float64           `yaml:"longitude"`
	Magnitude    *float64          `yaml:"magnitude"`
	Depth        *float64          `yaml:"depth"`
	AffectedArea *float64          `yaml:"affected_area"`
	Source       string            `yaml:"source"`
	SourceURL    string            `yaml:"source_url"`
}

type Catalog struct {
	BoundingBox  BoundingBox   `yaml:"bounding_box"`
	HazardTypes  []HazardEntry `yaml:"hazard_types"`
	Regions      []RegionEntry `yaml:"regions"`
	SampleEvents []SampleEvent `yaml:"sample_events"`
}

// Load reads the catalog at path, or the embedded Malaysia catalog when path
// is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Parse(defaultCatalog)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading catalog %s: %w", path, err)
	}
	return Parse(data)
}

func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("error decoding catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	b := c.BoundingBox
	if b.MinLon >= b.MaxLon || b.MinLat >= b.MaxLat {
		return fmt.Errorf("invalid bounding box: %+v", b)
	}
	if len(c.HazardTypes) == 0 {
		return errors.New("catalog has no hazard types")
	}
	if len(c.Regions) == 0 {
		return errors.New("catalog has no regions")
	}

	hazards := make(map[models.HazardKind]bool, len(c.HazardTypes))
	for _, h := range c.HazardTypes {
		if h.Name == "" {
			return errors.New("hazard type with empty name")
		}
		if hazards[h.Name] {
			return fmt.Errorf("duplicate hazard type %q", h.Name)
		}
		hazards[h.Name] = true
	}

	regions := make(map[string]bool, len(c.Regions))
	for _, r := range c.Regions {
		if r.Name == "" {
			return errors.New("region with empty name")
		}
		if regions[r.Name] {
			return fmt.Errorf("duplicate region %q", r.Name)
		}
		regions[r.Name] = true
	}

	for _, e := range c.SampleEvents {
		if !hazards[e.Hazard] {
			return fmt.Errorf("sample event %q references unknown hazard %q", e.Title, e.Hazard)
		}
		if !regions[e.Region] {
			return fmt.Errorf("sample event %q references unknown region %q", e.Title, e.Region)
		}
		if e.Severity < models.MinSeverity || e.Severity > models.MaxSeverity {
			return fmt.Errorf("sample event %q has severity %d outside 1-5", e.Title, e.Severity)
		}
	}
	return nil
}

// Keywords returns the lower-cased classification keywords in catalog order.
func (c *Catalog) Keywords() []Keyword {
	var out []Keyword
	for _, h := range c.HazardTypes {
		for _, k := range h.Keywords {
			out = append(out, Keyword{Word: strings.ToLower(k), Hazard: h.Name})
		}
	}
	return out
}

type Keyword struct {
	Word   string
	Hazard models.HazardKind
}
