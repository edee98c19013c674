package geo

import "github.com/sepwatch/sepwatch/internal/types"

// InSector reports whether a position lies inside the sector polygon and
// between its floor and ceiling. A zero ceiling is unbounded.
func InSector(s *types.Sector, p types.Position) bool {
	if p.AltFt < s.FloorFt {
		return false
	}
	if s.CeilingFt > 0 && p.AltFt > s.CeilingFt {
		return false
	}
	return PointInPolygon(p.Lat, p.Lon, s.Boundary)
}

// NearSector reports whether a position is inside the sector polygon or
// within marginNM of its boundary, ignoring altitude.
func NearSector(s *types.Sector, p types.Position, marginNM float64) bool {
	return DistanceToPolygonNM(p.Lat, p.Lon, s.Boundary) <= marginNM
}
