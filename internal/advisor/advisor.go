// Package advisor proposes maneuvers that resolve a predicted conflict
// without creating a new one. Suggestions are hypothetical and never touch
// the track store.
package advisor

import (
	"context"
	"fmt"
	"math"

	"github.com/brunoga/deep"
	"github.com/rs/zerolog"

	"github.com/sepwatch/sepwatch/internal/config"
	"github.com/sepwatch/sepwatch/internal/detector"
	"github.com/sepwatch/sepwatch/internal/geo"
	"github.com/sepwatch/sepwatch/internal/track"
	"github.com/sepwatch/sepwatch/internal/types"
)

// Advisor searches altitude, speed and heading maneuvers in that order
type Advisor struct {
	config   *config.Config
	detector *detector.Detector
	logger   zerolog.Logger
}

// NewAdvisor creates a resolution advisor validating candidates with det
func NewAdvisor(cfg *config.Config, det *detector.Detector, logger zerolog.Logger) *Advisor {
	return &Advisor{
		config:   cfg,
		detector: det,
		logger:   logger,
	}
}

// candidate is a hypothetical state for one aircraft
type candidate struct {
	maneuver  types.ManeuverType
	magnitude float64
	track     types.Track
	intent    *types.FlightIntent
}

// Advise fills in Resolutions for every conflict. The input slice is not
// modified.
func (a *Advisor) Advise(ctx context.Context, snap track.Snapshot, sectors []types.Sector, conflicts []types.Conflict) ([]types.Conflict, error) {
	parts := detector.Partitions(snap.Tracks, sectors, a.config.Separation.AdjacencyMarginNM)
	existing := make(map[string]struct{}, len(conflicts))
	for _, c := range conflicts {
		existing[c.ID] = struct{}{}
	}

	out := make([]types.Conflict, len(conflicts))
	for i, c := range conflicts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		part, ok := detector.PartitionFor(parts, c.Sector)
		if !ok {
			part = detector.Partition{SectorID: c.Sector, Tracks: snap.Tracks}
		}
		c.Resolutions = a.Propose(c, snap, part.Tracks, existing)
		if len(c.Resolutions) == 0 {
			a.logger.Debug().
				Err(types.ErrResolutionInfeasible).
				Str("conflict", c.ID).
				Msg("No validated maneuver")
		}
		out[i] = c
	}
	return out, nil
}

// Propose returns at most one validated suggestion per tier, highest
// priority first. existing holds the pair keys of conflicts already known;
// a candidate may not create any other.
func (a *Advisor) Propose(c types.Conflict, snap track.Snapshot, partition []types.Track, existing map[string]struct{}) []types.ResolutionSuggestion {
	out := []types.ResolutionSuggestion{}
	ta, okA := snap.Track(c.AircraftA)
	tb, okB := snap.Track(c.AircraftB)
	if !okA || !okB {
		return out
	}
	ia, ib := snap.Intent(ta.ID), snap.Intent(tb.ID)

	tiers := []func() (candidate, bool){
		func() (candidate, bool) { return a.altitudeTier(ta, ia, tb, ib, snap, partition, existing) },
		func() (candidate, bool) { return a.speedTier(ta, ia, tb, ib, snap, partition, existing) },
		func() (candidate, bool) { return a.headingTier(ta, ia, tb, ib, snap, partition, existing) },
	}
	for _, tier := range tiers {
		cand, ok := tier()
		if !ok {
			continue
		}
		out = append(out, types.ResolutionSuggestion{
			Maneuver:    cand.maneuver,
			AircraftID:  cand.track.ID,
			Magnitude:   cand.magnitude,
			Priority:    len(out) + 1,
			Resolves:    true,
			Description: describe(cand),
		})
	}
	return out
}

// Limits returns the performance envelope for an aircraft: filed intent
// limits first, type-class defaults for anything unset.
func (a *Advisor) Limits(t types.Track, intent *types.FlightIntent) types.PerformanceLimits {
	def := a.config.LimitsFor(t.Type)
	if intent == nil {
		return def
	}
	return intent.Limits.Merge(def)
}

func (a *Advisor) altitudeTier(ta types.Track, ia *types.FlightIntent, tb types.Track, ib *types.FlightIntent, snap track.Snapshot, partition []types.Track, existing map[string]struct{}) (candidate, bool) {
	type option struct {
		own     types.Track
		intent  *types.FlightIntent
		other   types.Track
		oIntent *types.FlightIntent
		dirs    [2]float64
		room    float64
		minAlt  float64
		maxAlt  float64
	}
	build := func(own types.Track, intent *types.FlightIntent, other types.Track, oIntent *types.FlightIntent) option {
		lim := a.Limits(own, intent)
		maxAlt := lim.MaxAltFt
		if maxAlt <= 0 || maxAlt > a.config.Prediction.CeilingFt {
			maxAlt = a.config.Prediction.CeilingFt
		}
		up := maxAlt - own.Position.AltFt
		down := own.Position.AltFt - lim.MinAltFt
		o := option{own: own, intent: intent, other: other, oIntent: oIntent, minAlt: lim.MinAltFt, maxAlt: maxAlt}
		// Move away from the other aircraft first.
		if own.Position.AltFt >= other.Position.AltFt {
			o.dirs, o.room = [2]float64{1, -1}, up
		} else {
			o.dirs, o.room = [2]float64{-1, 1}, down
		}
		return o
	}
	opt := build(ta, ia, tb, ib)
	if alt := build(tb, ib, ta, ia); alt.room > opt.room {
		opt = alt
	}

	step := a.config.Separation.MinVerticalFt
	for k := 1; k <= a.config.Resolution.MaxAltitudeSteps; k++ {
		for _, dir := range opt.dirs {
			delta := dir * float64(k) * step
			newAlt := opt.own.Position.AltFt + delta
			if newAlt < opt.minAlt || newAlt > opt.maxAlt {
				continue
			}
			cand := candidate{
				maneuver:  types.ManeuverAltitude,
				magnitude: delta,
				track:     opt.own,
				intent:    shiftAltitude(opt.intent, delta),
			}
			cand.track.Position.AltFt = newAlt
			if a.validate(cand, opt.other, opt.oIntent, snap, partition, existing) {
				return cand, true
			}
		}
	}
	return candidate{}, false
}

func (a *Advisor) speedTier(ta types.Track, ia *types.FlightIntent, tb types.Track, ib *types.FlightIntent, snap track.Snapshot, partition []types.Track, existing map[string]struct{}) (candidate, bool) {
	step := a.config.Resolution.SpeedStepKt
	for k := 1; k <= a.config.Resolution.MaxSpeedSteps; k++ {
		for _, pair := range [2][2]types.Track{{ta, tb}, {tb, ta}} {
			own, other := pair[0], pair[1]
			intent, oIntent := ia, ib
			if own.ID == tb.ID {
				intent, oIntent = ib, ia
			}
			if own.GroundSpeedKt <= 0 {
				continue
			}
			lim := a.Limits(own, intent)
			for _, dir := range []float64{1, -1} {
				delta := dir * float64(k) * step
				newSpeed := own.GroundSpeedKt + delta
				if newSpeed <= 0 || (lim.MinSpeedKt > 0 && newSpeed < lim.MinSpeedKt) || (lim.MaxSpeedKt > 0 && newSpeed > lim.MaxSpeedKt) {
					continue
				}
				cand := candidate{
					maneuver:  types.ManeuverSpeed,
					magnitude: delta,
					track:     own,
					intent:    holdSpeed(intent),
				}
				cand.track.GroundSpeedKt = newSpeed
				if a.validate(cand, other, oIntent, snap, partition, existing) {
					return cand, true
				}
			}
		}
	}
	return candidate{}, false
}

func (a *Advisor) headingTier(ta types.Track, ia *types.FlightIntent, tb types.Track, ib *types.FlightIntent, snap track.Snapshot, partition []types.Track, existing map[string]struct{}) (candidate, bool) {
	step := a.config.Resolution.HeadingStepDeg
	steps := int(math.Floor(a.config.Resolution.MaxHeadingDeg/step + 1e-9))
	for k := 1; k <= steps; k++ {
		for _, pair := range [2][2]types.Track{{ta, tb}, {tb, ta}} {
			own, other := pair[0], pair[1]
			oIntent := ib
			if own.ID == tb.ID {
				oIntent = ia
			}
			if own.GroundSpeedKt <= 0 {
				continue
			}
			for _, dir := range []float64{1, -1} {
				delta := dir * float64(k) * step
				// Vectoring off the filed route: the intent no longer applies.
				cand := candidate{
					maneuver:  types.ManeuverHeading,
					magnitude: delta,
					track:     own,
				}
				cand.track.HeadingDeg = geo.NormalizeHeading(own.HeadingDeg + delta)
				if a.validate(cand, other, oIntent, snap, partition, existing) {
					return cand, true
				}
			}
		}
	}
	return candidate{}, false
}

// validate resimulates the pair and every other aircraft in the partition
// against the candidate state.
func (a *Advisor) validate(cand candidate, other types.Track, oIntent *types.FlightIntent, snap track.Snapshot, partition []types.Track, existing map[string]struct{}) bool {
	pred := a.detector.Predictor()
	hyp := pred.Hypothetical(cand.track, cand.intent)
	if a.detector.Assess(hyp, pred.Trajectory(other, oIntent)).Violating {
		return false
	}
	for _, t := range partition {
		if t.ID == cand.track.ID || t.ID == other.ID {
			continue
		}
		if !a.detector.Assess(hyp, pred.Trajectory(t, snap.Intent(t.ID))).Violating {
			continue
		}
		key, _, _ := types.PairKey(cand.track.ID, t.ID)
		if _, ok := existing[key]; !ok {
			return false
		}
	}
	return true
}

func shiftAltitude(in *types.FlightIntent, delta float64) *types.FlightIntent {
	if in == nil {
		return nil
	}
	out := deep.MustCopy(*in)
	for i := range out.Waypoints {
		if out.Waypoints[i].AltFt > 0 {
			out.Waypoints[i].AltFt += delta
		}
	}
	return &out
}

func holdSpeed(in *types.FlightIntent) *types.FlightIntent {
	if in == nil {
		return nil
	}
	out := deep.MustCopy(*in)
	for i := range out.Waypoints {
		out.Waypoints[i].SpeedKt = 0
	}
	return &out
}

func describe(c candidate) string {
	switch c.maneuver {
	case types.ManeuverAltitude:
		verb := "Climb"
		if c.magnitude < 0 {
			verb = "Descend"
		}
		return fmt.Sprintf("%s %s to FL%03.0f", verb, callsign(c.track), c.track.Position.AltFt/100)
	case types.ManeuverSpeed:
		verb := "Increase"
		if c.magnitude < 0 {
			verb = "Reduce"
		}
		return fmt.Sprintf("%s %s speed to %.0f kts", verb, callsign(c.track), c.track.GroundSpeedKt)
	default:
		side := "right"
		if c.magnitude < 0 {
			side = "left"
		}
		return fmt.Sprintf("Turn %s %.0f° %s", callsign(c.track), math.Abs(c.magnitude), side)
	}
}

func callsign(t types.Track) string {
	if t.Callsign != "" {
		return t.Callsign
	}
	return t.ID
}
