// Package geo provides the flat-earth approximations used for short-range
// prediction: a local tangent plane in nautical miles and polygon tests.
package geo

import (
	"math"

	"github.com/sepwatch/sepwatch/internal/types"
)

const (
	NMPerDegreeLat = 60.0
	FeetPerNM      = 6076.12
)

// Vec is a displacement (nm) or velocity (nm/s) in a local plane: X east, Y north.
type Vec struct {
	X, Y float64
}

func (v Vec) Add(o Vec) Vec       { return Vec{v.X + o.X, v.Y + o.Y} }
func (v Vec) Sub(o Vec) Vec       { return Vec{v.X - o.X, v.Y - o.Y} }
func (v Vec) Scale(s float64) Vec { return Vec{v.X * s, v.Y * s} }
func (v Vec) Dot(o Vec) float64   { return v.X*o.X + v.Y*o.Y }
func (v Vec) Len() float64        { return math.Hypot(v.X, v.Y) }

// Plane is an equirectangular projection around a reference point
type Plane struct {
	lat0, lon0 float64
	cosLat0    float64
}

// NewPlane returns a tangent plane centred on lat, lon
func NewPlane(lat, lon float64) Plane {
	c := math.Cos(lat * math.Pi / 180)
	if c < 1e-6 {
		c = 1e-6
	}
	return Plane{lat0: lat, lon0: lon, cosLat0: c}
}

// Project maps a lat/lon to plane coordinates in nm
func (p Plane) Project(lat, lon float64) Vec {
	dlon := wrapLon(lon - p.lon0)
	return Vec{
		X: dlon * NMPerDegreeLat * p.cosLat0,
		Y: (lat - p.lat0) * NMPerDegreeLat,
	}
}

// Unproject maps plane coordinates back to lat/lon
func (p Plane) Unproject(v Vec) (lat, lon float64) {
	lat = p.lat0 + v.Y/NMPerDegreeLat
	lon = wrapLon(p.lon0 + v.X/(NMPerDegreeLat*p.cosLat0))
	return lat, lon
}

// Velocity converts ground speed and true heading to a plane velocity in nm/s
func Velocity(speedKt, headingDeg float64) Vec {
	h := headingDeg * math.Pi / 180
	s := speedKt / 3600
	return Vec{X: s * math.Sin(h), Y: s * math.Cos(h)}
}

// Heading returns the true heading of a displacement, in [0, 360)
func Heading(v Vec) float64 {
	return NormalizeHeading(math.Atan2(v.X, v.Y) * 180 / math.Pi)
}

// NormalizeHeading maps h into [0, 360)
func NormalizeHeading(h float64) float64 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	return h
}

// HeadingDiff returns the absolute angular difference in [0, 180]
func HeadingDiff(a, b float64) float64 {
	d := math.Abs(NormalizeHeading(a) - NormalizeHeading(b))
	if d > 180 {
		d = 360 - d
	}
	return d
}

// DistanceNM is the horizontal distance between two points using a plane
// centred on their midpoint.
func DistanceNM(lat1, lon1, lat2, lon2 float64) float64 {
	p := NewPlane((lat1+lat2)/2, lon1+wrapLon(lon2-lon1)/2)
	return p.Project(lat1, lon1).Sub(p.Project(lat2, lon2)).Len()
}

func wrapLon(d float64) float64 {
	for d > 180 {
		d -= 360
	}
	for d < -180 {
		d += 360
	}
	return d
}

// PointInPolygon reports whether lat/lon is inside poly (ray casting).
// Polygons with fewer than three vertices contain nothing.
func PointInPolygon(lat, lon float64, poly []types.LatLon) bool {
	if len(poly) < 3 {
		return false
	}
	inside := false
	j := len(poly) - 1
	for i := range poly {
		yi, xi := poly[i].Lat, poly[i].Lon
		yj, xj := poly[j].Lat, poly[j].Lon
		if (yi > lat) != (yj > lat) {
			xCross := (xj-xi)*(lat-yi)/(yj-yi) + xi
			if lon < xCross {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// DistanceToPolygonNM returns 0 for points inside poly, otherwise the
// distance to the nearest edge.
func DistanceToPolygonNM(lat, lon float64, poly []types.LatLon) float64 {
	if len(poly) == 0 {
		return math.Inf(1)
	}
	if PointInPolygon(lat, lon, poly) {
		return 0
	}
	p := NewPlane(lat, lon)
	best := math.Inf(1)
	for i := range poly {
		a := p.Project(poly[i].Lat, poly[i].Lon)
		b := p.Project(poly[(i+1)%len(poly)].Lat, poly[(i+1)%len(poly)].Lon)
		if d := segmentDistance(Vec{}, a, b); d < best {
			best = d
		}
	}
	return best
}

func segmentDistance(pt, a, b Vec) float64 {
	ab := b.Sub(a)
	l2 := ab.Dot(ab)
	if l2 == 0 {
		return pt.Sub(a).Len()
	}
	t := pt.Sub(a).Dot(ab) / l2
	t = math.Max(0, math.Min(1, t))
	return pt.Sub(a.Add(ab.Scale(t))).Len()
}
