package track

import (
	"math"

	"github.com/sepwatch/sepwatch/internal/types"
)

const (
	minAltitudeFt  = -1500
	maxGroundSpeed = 2000
)

func finite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func invalid(id, field, reason string) error {
	return &types.ValidationError{Entity: "track", ID: id, Field: field, Reason: reason}
}

// ValidateTrack checks a surveillance update before it may enter the store
func ValidateTrack(t types.Track, ceilingFt float64) error {
	if t.ID == "" {
		return invalid("", "id", "is required")
	}
	if !finite(t.Position.Lat, t.Position.Lon, t.Position.AltFt, t.GroundSpeedKt, t.HeadingDeg, t.VerticalRateFpm) {
		return invalid(t.ID, "position", "contains a non-finite value")
	}
	if t.Position.Lat < -90 || t.Position.Lat > 90 {
		return invalid(t.ID, "lat", "out of range")
	}
	if t.Position.Lon < -180 || t.Position.Lon > 180 {
		return invalid(t.ID, "lon", "out of range")
	}
	if t.Position.AltFt < minAltitudeFt || t.Position.AltFt > ceilingFt {
		return invalid(t.ID, "alt_ft", "out of range")
	}
	if t.GroundSpeedKt < 0 || t.GroundSpeedKt > maxGroundSpeed {
		return invalid(t.ID, "ground_speed_kt", "out of range")
	}
	if t.HeadingDeg < 0 || t.HeadingDeg >= 360 {
		return invalid(t.ID, "heading_deg", "must be in [0, 360)")
	}
	if t.Seq == 0 {
		return invalid(t.ID, "seq", "must be > 0")
	}
	return nil
}

// ValidateIntent checks a flight intent before it may be stored
func ValidateIntent(in types.FlightIntent, ceilingFt float64) error {
	bad := func(field, reason string) error {
		return &types.ValidationError{Entity: "intent", ID: in.AircraftID, Field: field, Reason: reason}
	}
	if in.AircraftID == "" {
		return bad("aircraft_id", "is required")
	}
	switch in.Phase {
	case "", types.PhaseDeparture, types.PhaseCruise, types.PhaseArrival:
	default:
		return bad("phase", "unknown phase "+string(in.Phase))
	}
	for _, wp := range in.Waypoints {
		if !finite(wp.Lat, wp.Lon, wp.AltFt, wp.SpeedKt) {
			return bad("waypoints", "contain a non-finite value")
		}
		if wp.Lat < -90 || wp.Lat > 90 || wp.Lon < -180 || wp.Lon > 180 {
			return bad("waypoints", "position out of range")
		}
		if wp.AltFt < 0 || wp.AltFt > ceilingFt {
			return bad("waypoints", "altitude out of range")
		}
		if wp.SpeedKt < 0 || wp.SpeedKt > maxGroundSpeed {
			return bad("waypoints", "speed out of range")
		}
	}
	l := in.Limits
	if !finite(l.MaxSpeedKt, l.MinSpeedKt, l.MaxAltFt, l.MinAltFt, l.MaxClimbFpm, l.MaxDescentFpm) ||
		l.MaxSpeedKt < 0 || l.MinSpeedKt < 0 || l.MaxAltFt < 0 || l.MinAltFt < 0 || l.MaxClimbFpm < 0 || l.MaxDescentFpm < 0 {
		return bad("limits", "must be finite and non-negative")
	}
	if l.MaxSpeedKt > 0 && l.MinSpeedKt > l.MaxSpeedKt {
		return bad("limits", "min_speed_kt exceeds max_speed_kt")
	}
	if l.MaxAltFt > 0 && l.MinAltFt > l.MaxAltFt {
		return bad("limits", "min_alt_ft exceeds max_alt_ft")
	}
	return nil
}
