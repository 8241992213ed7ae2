package models

// HazardKind is the catalog name of a hazard type. It keys the HazardDetails
// union and the normalizer's keyword table.
type HazardKind string

const (
	HazardFlood      HazardKind = "Flood"
	HazardEarthquake HazardKind = "Earthquake"
	HazardTsunami    HazardKind = "Tsunami"
	HazardForestFire HazardKind = "Forest Fire"
)

type HazardType struct {
	ID          int64      `json:"id"`
	Name        HazardKind `json:"name"`
	Description string     `json:"description"`
}

type Region struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// HazardDetails carries the measurements that are meaningful for one hazard
// kind. The concrete type always matches the event's hazard type.
type HazardDetails interface {
	Kind() HazardKind
	isHazardDetails()
}

type FloodDetails struct {
	AffectedArea *float64 // km²
}

type EarthquakeDetails struct {
	Magnitude *float64
	Depth     *float64 // km
}

type TsunamiDetails struct {
	Depth *float64 // wave height at shore, cm
}

type ForestFireDetails struct {
	AffectedArea *float64 // km²
}

// GenericDetails is used for catalog hazard types with no dedicated measurements.
type GenericDetails struct {
	Hazard HazardKind
}

func (FloodDetails) Kind() HazardKind      { return HazardFlood }
func (EarthquakeDetails) Kind() HazardKind { return HazardEarthquake }
func (TsunamiDetails) Kind() HazardKind    { return HazardTsunami }
func (ForestFireDetails) Kind() HazardKind { return HazardForestFire }
func (d GenericDetails) Kind() HazardKind  { return d.Hazard }

func (FloodDetails) isHazardDetails()      {}
func (EarthquakeDetails) isHazardDetails() {}
func (TsunamiDetails) isHazardDetails()    {}
func (ForestFireDetails) isHazardDetails() {}
func (GenericDetails) isHazardDetails()    {}

// Measurements is the flat, all-nullable projection of HazardDetails used for
// storage columns and JSON output.
type Measurements struct {
	Magnitude    *float64
	Depth        *float64
	AffectedArea *float64
}

func MeasurementsOf(d HazardDetails) Measurements {
	switch v := d.(type) {
	case FloodDetails:
		return Measurements{AffectedArea: v.AffectedArea}
	case EarthquakeDetails:
		return Measurements{Magnitude: v.Magnitude, Depth: v.Depth}
	case TsunamiDetails:
		return Measurements{Depth: v.Depth}
	case ForestFireDetails:
		return Measurements{AffectedArea: v.AffectedArea}
	default:
		return Measurements{}
	}
}

// DetailsFor builds the union member for kind, keeping only the measurements
// that kind defines.
func DetailsFor(kind HazardKind, m Measurements) HazardDetails {
	switch kind {
	case HazardFlood:
		return FloodDetails{AffectedArea: m.AffectedArea}
	case HazardEarthquake:
		return EarthquakeDetails{Magnitude: m.Magnitude, Depth: m.Depth}
	case HazardTsunami:
		return TsunamiDetails{Depth: m.Depth}
	case HazardForestFire:
		return ForestFireDetails{AffectedArea: m.AffectedArea}
	default:
		return GenericDetails{Hazard: kind}
	}
}
