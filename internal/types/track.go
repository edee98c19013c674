package types

import "time"

// Position is a point in airspace. Altitude is pressure altitude in feet.
type Position struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	AltFt float64 `json:"alt_ft"`
}

// Track is the latest validated surveillance state for one aircraft
type Track struct {
	ID              string    `json:"id"`
	Callsign        string    `json:"callsign"`
	Type            string    `json:"type"`
	Position        Position  `json:"position"`
	GroundSpeedKt   float64   `json:"ground_speed_kt"`
	HeadingDeg      float64   `json:"heading_deg"`
	VerticalRateFpm float64   `json:"vertical_rate_fpm"`
	Sector          string    `json:"sector,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
	Seq             uint64    `json:"seq"`
}

// FlightPhase is the phase of flight declared by an intent
type FlightPhase string

const (
	PhaseDeparture FlightPhase = "departure"
	PhaseCruise    FlightPhase = "cruise"
	PhaseArrival   FlightPhase = "arrival"
)

// Waypoint is one fix of a planned route. Zero AltFt or SpeedKt means
// "hold the previous value".
type Waypoint struct {
	Name    string  `json:"name"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	AltFt   float64 `json:"alt_ft,omitempty"`
	SpeedKt float64 `json:"speed_kt,omitempty"`
}

// PerformanceLimits bounds what an aircraft can be asked to do.
// Zero values mean "unconstrained" and are filled from type-class defaults.
type PerformanceLimits struct {
	MaxSpeedKt    float64 `json:"max_speed_kt,omitempty" yaml:"max_speed_kt"`
	MinSpeedKt    float64 `json:"min_speed_kt,omitempty" yaml:"min_speed_kt"`
	MaxAltFt      float64 `json:"max_alt_ft,omitempty" yaml:"max_alt_ft"`
	MinAltFt      float64 `json:"min_alt_ft,omitempty" yaml:"min_alt_ft"`
	MaxClimbFpm   float64 `json:"max_climb_fpm,omitempty" yaml:"max_climb_fpm"`
	MaxDescentFpm float64 `json:"max_descent_fpm,omitempty" yaml:"max_descent_fpm"`
}

// Merge returns l with any zero field taken from fallback.
func (l PerformanceLimits) Merge(fallback PerformanceLimits) PerformanceLimits {
	if l.MaxSpeedKt == 0 {
		l.MaxSpeedKt = fallback.MaxSpeedKt
	}
	if l.MinSpeedKt == 0 {
		l.MinSpeedKt = fallback.MinSpeedKt
	}
	if l.MaxAltFt == 0 {
		l.MaxAltFt = fallback.MaxAltFt
	}
	if l.MinAltFt == 0 {
		l.MinAltFt = fallback.MinAltFt
	}
	if l.MaxClimbFpm == 0 {
		l.MaxClimbFpm = fallback.MaxClimbFpm
	}
	if l.MaxDescentFpm == 0 {
		l.MaxDescentFpm = fallback.MaxDescentFpm
	}
	return l
}

// FlightIntent is the planned route and performance envelope of an aircraft.
// It is associated with a Track only by AircraftID.
type FlightIntent struct {
	AircraftID string            `json:"aircraft_id"`
	Waypoints  []Waypoint        `json:"waypoints"`
	Limits     PerformanceLimits `json:"limits"`
	Phase      FlightPhase       `json:"phase,omitempty"`
	Revision   uint64            `json:"revision"`
}

// PredictedState is one sample of a predicted trajectory
type PredictedState struct {
	AircraftID string  `json:"aircraft_id"`
	OffsetSec  float64 `json:"offset_sec"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	AltFt      float64 `json:"alt_ft"`
	SpeedKt    float64 `json:"speed_kt"`
}
