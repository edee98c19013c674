// Package detector finds predicted losses of separation between pairs of
// aircraft within each sector partition.
package detector

import (
	"context"
	"math"
	"runtime"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sepwatch/sepwatch/internal/config"
	"github.com/sepwatch/sepwatch/internal/geo"
	"github.com/sepwatch/sepwatch/internal/predictor"
	"github.com/sepwatch/sepwatch/internal/track"
	"github.com/sepwatch/sepwatch/internal/types"
)

// Courses closer than this are treated as an overtake.
const sameCourseDeg = 20.0

// Detector evaluates every pair of aircraft sharing a sector partition
type Detector struct {
	config    *config.Config
	predictor *predictor.Predictor
	logger    zerolog.Logger
}

// NewDetector creates a new conflict detector
func NewDetector(cfg *config.Config, pred *predictor.Predictor, logger zerolog.Logger) *Detector {
	return &Detector{
		config:    cfg,
		predictor: pred,
		logger:    logger,
	}
}

// Predictor returns the predictor trajectories are built with
func (d *Detector) Predictor() *predictor.Predictor {
	return d.predictor
}

// Detect returns the conflicts predicted for snap, deduplicated by pair and
// sorted by severity, urgency, time to conflict and pair key. Only context
// cancellation makes it fail.
func (d *Detector) Detect(ctx context.Context, snap track.Snapshot, sectors []types.Sector) ([]types.Conflict, error) {
	trajectories := make(map[string]*predictor.Trajectory, len(snap.Tracks))
	for _, t := range snap.Tracks {
		trajectories[t.ID] = d.predictor.Trajectory(t, snap.Intent(t.ID))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parts := Partitions(snap.Tracks, sectors, d.config.Separation.AdjacencyMarginNM)
	in := containment(snap.Tracks, sectors)
	results := make([][]types.Conflict, len(parts))

	g, gctx := errgroup.WithContext(ctx)
	limit := d.config.Engine.MaxParallel
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	g.SetLimit(limit)
	for i, part := range parts {
		g.Go(func() error {
			found, err := d.detectPartition(gctx, part, trajectories, in, snap.TakenAt)
			if err != nil {
				return err
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byKey := make(map[string]types.Conflict)
	for _, found := range results {
		for _, c := range found {
			if _, ok := byKey[c.ID]; !ok {
				byKey[c.ID] = c
			}
		}
	}
	out := make([]types.Conflict, 0, len(byKey))
	for _, c := range byKey {
		out = append(out, c)
	}
	SortConflicts(out)
	return out, nil
}

func (d *Detector) detectPartition(ctx context.Context, part Partition, trajectories map[string]*predictor.Trajectory, in map[string][]string, now time.Time) ([]types.Conflict, error) {
	var out []types.Conflict
	for i := 0; i < len(part.Tracks); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for j := i + 1; j < len(part.Tracks); j++ {
			a, b := part.Tracks[i], part.Tracks[j]
			if b.ID < a.ID {
				a, b = b, a
			}
			c, ok := d.evaluatePair(a, b, trajectories[a.ID], trajectories[b.ID])
			if !ok {
				continue
			}
			c.Sector = owningSector(in, a.ID, b.ID)
			c.DetectedAt = now
			c.UpdatedAt = now
			out = append(out, c)
		}
	}
	return out, nil
}

func (d *Detector) evaluatePair(a, b types.Track, ta, tb *predictor.Trajectory) (types.Conflict, bool) {
	if ta == nil || tb == nil {
		d.logger.Warn().Str("a", a.ID).Str("b", b.ID).Msg("Skipping pair without trajectory")
		return types.Conflict{}, false
	}
	as := d.Assess(ta, tb)
	if as.Degenerate {
		d.logger.Warn().Str("a", a.ID).Str("b", b.ID).Msg("Skipping pair with degenerate trajectory")
		return types.Conflict{}, false
	}
	if !as.Violating {
		return types.Conflict{}, false
	}
	sev := ClassifySeverity(as.MinHorizontalNM, d.config.Thresholds.Severity)
	if sev == types.SeverityNone {
		return types.Conflict{}, false
	}

	key, first, second := types.PairKey(a.ID, b.ID)
	return types.Conflict{
		ID:                  key,
		AircraftA:           first,
		AircraftB:           second,
		Type:                d.classifyType(a, b, ta, tb),
		Severity:            sev,
		Urgency:             ClassifyUrgency(as.TimeToConflictSec, d.config.Thresholds.Urgency),
		MinHorizontalNM:     as.MinHorizontalNM,
		VerticalSepFt:       as.VerticalSepFt,
		TimeToConflictSec:   as.TimeToConflictSec,
		LossOfSeparationSec: as.LossOfSeparationSec,
		Timeline:            as.Timeline,
		Resolutions:         []types.ResolutionSuggestion{},
	}, true
}

// Assessment is the result of simulating one pair over the horizon
type Assessment struct {
	Violating           bool
	Degenerate          bool
	MinHorizontalNM     float64 // over violating points
	VerticalSepFt       float64 // at the minimum
	TimeToConflictSec   float64 // offset of the minimum
	LossOfSeparationSec float64 // first instant inside both minima
	Timeline            []types.TimelinePoint
}

// Assess samples both trajectories at every step and at the analytic closest
// point of approach. A point violates when it is inside both minima. The
// horizontal minimum is raised to the wake minimum of the pair's classes.
func (d *Detector) Assess(ta, tb *predictor.Trajectory) Assessment {
	minH := d.config.HorizontalMinimumNM(ta.AircraftType, tb.AircraftType)
	minV := d.config.Separation.MinVerticalFt

	n := min(len(ta.States), len(tb.States))
	horizon := math.Min(ta.HorizonSec(), tb.HorizonSec())
	tcpa, hasCPA := cpaTime(ta, tb, horizon)

	points := make([]types.TimelinePoint, 0, n+1)
	for i := 0; i < n; i++ {
		sa, sb := ta.States[i], tb.States[i]
		if hasCPA && tcpa < sa.OffsetSec && (i == 0 || tcpa > ta.States[i-1].OffsetSec) {
			points = append(points, d.point(ta.At(tcpa), tb.At(tcpa), minH, minV))
		}
		points = append(points, d.point(sa, sb, minH, minV))
	}
	if hasCPA && n > 0 && tcpa > ta.States[n-1].OffsetSec {
		points = append(points, d.point(ta.At(tcpa), tb.At(tcpa), minH, minV))
	}

	as := Assessment{Timeline: points, MinHorizontalNM: math.Inf(1)}
	firstViolation := -1
	for i, p := range points {
		if math.IsNaN(p.HorizontalNM) || math.IsNaN(p.VerticalFt) {
			as.Degenerate = true
			return as
		}
		if !p.Violating {
			continue
		}
		if firstViolation < 0 {
			firstViolation = i
		}
		as.Violating = true
		if p.HorizontalNM < as.MinHorizontalNM {
			as.MinHorizontalNM = p.HorizontalNM
			as.VerticalSepFt = p.VerticalFt
			as.TimeToConflictSec = p.OffsetSec
		}
	}
	if !as.Violating {
		as.MinHorizontalNM = 0
		return as
	}
	as.LossOfSeparationSec = points[firstViolation].OffsetSec
	if firstViolation > 0 {
		as.LossOfSeparationSec = d.refineEntry(ta, tb, points[firstViolation-1].OffsetSec, points[firstViolation].OffsetSec)
	}
	return as
}

func (d *Detector) point(sa, sb types.PredictedState, minH, minV float64) types.TimelinePoint {
	h := geo.DistanceNM(sa.Lat, sa.Lon, sb.Lat, sb.Lon)
	v := math.Abs(sa.AltFt - sb.AltFt)
	return types.TimelinePoint{
		OffsetSec:    sa.OffsetSec,
		HorizontalNM: h,
		VerticalFt:   v,
		Violating:    h < minH && v < minV,
	}
}

// refineEntry bisects for the first violating instant between a clear
// offset lo and a violating offset hi.
func (d *Detector) refineEntry(ta, tb *predictor.Trajectory, lo, hi float64) float64 {
	minH := d.config.HorizontalMinimumNM(ta.AircraftType, tb.AircraftType)
	minV := d.config.Separation.MinVerticalFt
	for i := 0; i < 20 && hi-lo > 0.05; i++ {
		mid := (lo + hi) / 2
		if d.point(ta.At(mid), tb.At(mid), minH, minV).Violating {
			hi = mid
		} else {
			lo = mid
		}
	}
	return hi
}

// cpaTime returns t* = -(dp.dv)/|dv|^2 from the instantaneous relative
// motion, clamped to [0, horizon].
func cpaTime(ta, tb *predictor.Trajectory, horizon float64) (float64, bool) {
	a0, a1 := ta.At(0), ta.At(1)
	b0, b1 := tb.At(0), tb.At(1)
	plane := geo.NewPlane((a0.Lat+b0.Lat)/2, (a0.Lon+b0.Lon)/2)
	pa0, pa1 := plane.Project(a0.Lat, a0.Lon), plane.Project(a1.Lat, a1.Lon)
	pb0, pb1 := plane.Project(b0.Lat, b0.Lon), plane.Project(b1.Lat, b1.Lon)

	dp := pb0.Sub(pa0)
	dv := pb1.Sub(pb0).Sub(pa1.Sub(pa0))
	vv := dv.Dot(dv)
	if vv < 1e-12 {
		return 0, false
	}
	t := -dp.Dot(dv) / vv
	t = math.Max(0, math.Min(horizon, t))
	return t, true
}

func (d *Detector) classifyType(a, b types.Track, ta, tb *predictor.Trajectory) types.ConflictType {
	if math.Abs(a.Position.AltFt-b.Position.AltFt) >= d.config.Separation.MinVerticalFt {
		return types.ConflictAltitude
	}
	ca, okA := course(ta)
	cb, okB := course(tb)
	if okA && okB && geo.HeadingDiff(ca, cb) < sameCourseDeg {
		return types.ConflictSpeed
	}
	return types.ConflictSeparation
}

func course(tr *predictor.Trajectory) (float64, bool) {
	s0, s1 := tr.At(0), tr.At(1)
	p := geo.NewPlane(s0.Lat, s0.Lon)
	v := p.Project(s1.Lat, s1.Lon)
	if v.Len() < 1e-9 {
		return 0, false
	}
	return geo.Heading(v), true
}

// ClassifySeverity maps a minimum horizontal distance to a severity
func ClassifySeverity(minHorizontalNM float64, th config.SeverityThresholds) types.Severity {
	switch {
	case minHorizontalNM < th.CriticalNM:
		return types.SeverityCritical
	case minHorizontalNM < th.HighNM:
		return types.SeverityHigh
	case minHorizontalNM < th.MediumNM:
		return types.SeverityMedium
	default:
		return types.SeverityNone
	}
}

// ClassifyUrgency maps a time to conflict to an urgency
func ClassifyUrgency(ttcSec float64, th config.UrgencyThresholds) types.Urgency {
	switch {
	case ttcSec < th.Immediate.Seconds():
		return types.UrgencyImmediate
	case ttcSec < th.Urgent.Seconds():
		return types.UrgencyUrgent
	case ttcSec < th.High.Seconds():
		return types.UrgencyHigh
	default:
		return types.UrgencyNormal
	}
}

// SortConflicts orders by severity desc, urgency desc, time to conflict asc,
// then pair key.
func SortConflicts(cs []types.Conflict) {
	sort.Slice(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if a.Urgency != b.Urgency {
			return a.Urgency > b.Urgency
		}
		if a.TimeToConflictSec != b.TimeToConflictSec {
			return a.TimeToConflictSec < b.TimeToConflictSec
		}
		return a.ID < b.ID
	})
}
