package predictor

import (
	"math"

	"github.com/sepwatch/sepwatch/internal/geo"
	"github.com/sepwatch/sepwatch/internal/types"
)

// Leading waypoints closer than this are considered already passed.
const waypointCaptureNM = 0.1

// leg is one straight segment between consecutive route points. Speed varies
// linearly with along-track distance, so distance over time is exponential
// and has a closed form.
type leg struct {
	start  geo.Vec
	dir    geo.Vec // unit
	length float64 // nm
	t0     float64 // seconds from now
	dur    float64
	v0, v1 float64 // nm/s
	a0, a1 float64 // ft
}

func (l *leg) duration() float64 {
	if math.Abs(l.v1-l.v0) < 1e-12 {
		return l.length / l.v0
	}
	k := (l.v1 - l.v0) / l.length
	return math.Log(l.v1/l.v0) / k
}

func (l *leg) distanceAt(dt float64) float64 {
	var s float64
	if math.Abs(l.v1-l.v0) < 1e-12 {
		s = l.v0 * dt
	} else {
		k := (l.v1 - l.v0) / l.length
		s = l.v0 / k * math.Expm1(k*dt)
	}
	return math.Min(math.Max(s, 0), l.length)
}

// tail is the constant-velocity segment after the last leg (or the whole
// trajectory when there is no usable intent).
type tail struct {
	start   geo.Vec
	t0      float64
	vel     geo.Vec // nm/s
	alt     float64
	vrFps   float64
	speedKt float64
}

type model struct {
	plane  geo.Plane
	legs   []leg
	tail   tail
	maxAlt float64
}

func newModel(t types.Track, intent *types.FlightIntent, ceilingFt float64) *model {
	m := &model{
		plane:  geo.NewPlane(t.Position.Lat, t.Position.Lon),
		maxAlt: ceilingFt,
	}
	speed := t.GroundSpeedKt
	alt := t.Position.AltFt
	heading := t.HeadingDeg

	if speed <= 0 {
		m.tail = tail{alt: alt}
		return m
	}

	if intent != nil && len(intent.Waypoints) > 0 {
		lim := intent.Limits
		if lim.MaxAltFt > 0 && lim.MaxAltFt < m.maxAlt {
			m.maxAlt = lim.MaxAltFt
		}
		pos := geo.Vec{}
		elapsed := 0.0
		leading := true
		for _, wp := range intent.Waypoints {
			p := m.plane.Project(wp.Lat, wp.Lon)
			d := p.Sub(pos).Len()
			if leading && d <= waypointCaptureNM {
				continue
			}
			leading = false
			if d < 1e-9 {
				continue
			}
			nextAlt := alt
			if wp.AltFt > 0 {
				nextAlt = wp.AltFt
			}
			nextSpeed := speed
			if wp.SpeedKt > 0 {
				nextSpeed = clampSpeed(wp.SpeedKt, lim)
			}
			l := leg{
				start:  pos,
				dir:    p.Sub(pos).Scale(1 / d),
				length: d,
				t0:     elapsed,
				v0:     speed / 3600,
				v1:     nextSpeed / 3600,
				a0:     alt,
				a1:     nextAlt,
			}
			l.dur = l.duration()
			m.legs = append(m.legs, l)
			elapsed += l.dur
			pos, alt, speed = p, nextAlt, nextSpeed
			heading = geo.Heading(l.dir)
		}
		if len(m.legs) > 0 {
			m.tail = tail{start: pos, t0: elapsed, vel: geo.Velocity(speed, heading), alt: alt, speedKt: speed}
			return m
		}
	}

	m.tail = tail{
		vel:     geo.Velocity(speed, heading),
		alt:     alt,
		vrFps:   t.VerticalRateFpm / 60,
		speedKt: speed,
	}
	return m
}

func clampSpeed(v float64, lim types.PerformanceLimits) float64 {
	if lim.MaxSpeedKt > 0 && v > lim.MaxSpeedKt {
		v = lim.MaxSpeedKt
	}
	if lim.MinSpeedKt > 0 && v < lim.MinSpeedKt {
		v = lim.MinSpeedKt
	}
	return v
}

// at returns plane position, altitude and ground speed offset seconds from now
func (m *model) at(offset float64) (geo.Vec, float64, float64) {
	if offset < 0 {
		offset = 0
	}
	var (
		pos     geo.Vec
		alt     float64
		speedKt float64
		found   bool
	)
	for i := range m.legs {
		l := &m.legs[i]
		if offset < l.t0+l.dur {
			s := l.distanceAt(offset - l.t0)
			frac := s / l.length
			pos = l.start.Add(l.dir.Scale(s))
			alt = l.a0 + (l.a1-l.a0)*frac
			speedKt = (l.v0 + (l.v1-l.v0)*frac) * 3600
			found = true
			break
		}
	}
	if !found {
		dt := offset - m.tail.t0
		pos = m.tail.start.Add(m.tail.vel.Scale(dt))
		alt = m.tail.alt + m.tail.vrFps*dt
		speedKt = m.tail.speedKt
	}
	return pos, math.Min(math.Max(alt, 0), m.maxAlt), speedKt
}

func (m *model) state(id string, offset float64) types.PredictedState {
	pos, alt, speed := m.at(offset)
	lat, lon := m.plane.Unproject(pos)
	return types.PredictedState{
		AircraftID: id,
		OffsetSec:  offset,
		Lat:        math.Min(math.Max(lat, -90), 90),
		Lon:        lon,
		AltFt:      alt,
		SpeedKt:    speed,
	}
}
