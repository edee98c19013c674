package types

// UnsectoredID identifies the sentinel sector for aircraft outside every
// defined sector. It has no capacity limits and never alerts.
const UnsectoredID = "unsectored"

// SectorStatus classifies sector utilization
type SectorStatus string

const (
	StatusNormal   SectorStatus = "normal"
	StatusWarning  SectorStatus = "warning"
	StatusCritical SectorStatus = "critical"
)

// LatLon is a polygon vertex
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Sector is a region of airspace with capacity limits and the workload
// figures computed for it in the last cycle.
type Sector struct {
	ID                    string       `json:"id"`
	Name                  string       `json:"name"`
	Boundary              []LatLon     `json:"boundary,omitempty"`
	FloorFt               float64      `json:"floor_ft"`
	CeilingFt             float64      `json:"ceiling_ft"`
	MaxAircraft           int          `json:"max_aircraft"`
	MaxComplexity         float64      `json:"max_complexity"`
	CurrentAircraft       int          `json:"current_aircraft"`
	CurrentComplexity     float64      `json:"current_complexity"`
	Utilization           float64      `json:"utilization"`
	ComplexityUtilization float64      `json:"complexity_utilization"`
	Status                SectorStatus `json:"status"`
	Aircraft              []string     `json:"aircraft,omitempty"`
}

// Unsectored reports whether s is the sentinel sector
func (s *Sector) Unsectored() bool {
	return s.ID == UnsectoredID
}

// Reassignment recommends handing an aircraft from an overloaded sector to
// an adjacent one with spare capacity. It is advice only; the sector
// assignment of the track is never changed.
type Reassignment struct {
	AircraftID string   `json:"aircraft_id"`
	FromSector string   `json:"from_sector"`
	ToSector   string   `json:"to_sector"`
	Priority   Priority `json:"priority"`
	Complexity float64  `json:"complexity"`
	Reason     string   `json:"reason"`
}
