// Package workload computes per-sector traffic counts, complexity and
// utilization from scratch every cycle.
package workload

import (
	"math"
	"sort"

	"github.com/rs/zerolog"

	"github.com/sepwatch/sepwatch/internal/config"
	"github.com/sepwatch/sepwatch/internal/geo"
	"github.com/sepwatch/sepwatch/internal/track"
	"github.com/sepwatch/sepwatch/internal/types"
)

const (
	warningRatio  = 0.7
	criticalRatio = 0.9
)

// Monitor evaluates sector workload
type Monitor struct {
	config *config.Config
	logger zerolog.Logger
}

// NewMonitor creates a new sector workload monitor
func NewMonitor(cfg *config.Config, logger zerolog.Logger) *Monitor {
	return &Monitor{
		config: cfg,
		logger: logger,
	}
}

// Evaluate returns the sectors with workload fields filled in, sorted by ID
// with the unsectored sector last. An aircraft inside overlapping sectors
// counts in each of them.
func (m *Monitor) Evaluate(snap track.Snapshot, sectors []types.Sector, conflicts []types.Conflict) []types.Sector {
	perAircraft := make(map[string]int, len(conflicts)*2)
	for _, c := range conflicts {
		perAircraft[c.AircraftA]++
		perAircraft[c.AircraftB]++
	}

	out := make([]types.Sector, 0, len(sectors)+1)
	for _, s := range sectors {
		if s.Unsectored() {
			continue
		}
		s.CurrentAircraft = 0
		s.CurrentComplexity = 0
		s.Aircraft = nil
		out = append(out, s)
	}
	unsectored := types.Sector{ID: types.UnsectoredID, Name: "Unsectored"}

	for _, t := range snap.Tracks {
		weight := m.AircraftComplexity(t, perAircraft[t.ID])
		placed := false
		for i := range out {
			if !geo.InSector(&out[i], t.Position) {
				continue
			}
			out[i].CurrentAircraft++
			out[i].CurrentComplexity += weight
			out[i].Aircraft = append(out[i].Aircraft, t.ID)
			placed = true
		}
		if !placed {
			unsectored.CurrentAircraft++
			unsectored.CurrentComplexity += weight
			unsectored.Aircraft = append(unsectored.Aircraft, t.ID)
		}
	}

	for i := range out {
		score(&out[i])
	}
	unsectored.Status = types.StatusNormal
	out = append(out, unsectored)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Unsectored() != out[j].Unsectored() {
			return out[j].Unsectored()
		}
		return out[i].ID < out[j].ID
	})
	for i := range out {
		sort.Strings(out[i].Aircraft)
	}
	return out
}

// AircraftComplexity is the class base weight plus a fixed increment per
// conflict and a term proportional to the absolute vertical rate.
func (m *Monitor) AircraftComplexity(t types.Track, conflicts int) float64 {
	cx := m.config.Complexity
	weight, ok := cx.ClassWeights[m.config.ClassOf(t.Type)]
	if !ok {
		weight = cx.ClassWeights[m.config.Aircraft.DefaultClass]
	}
	return weight +
		cx.ConflictIncrement*float64(conflicts) +
		cx.VerticalRateFactor*math.Abs(t.VerticalRateFpm)/1000
}

func score(s *types.Sector) {
	s.Utilization = ratio(float64(s.CurrentAircraft), float64(s.MaxAircraft))
	s.ComplexityUtilization = ratio(s.CurrentComplexity, s.MaxComplexity)
	s.Status = Status(s.Utilization, s.ComplexityUtilization)
}

func ratio(cur, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	return cur / limit
}

// Status classifies a sector from its two utilization ratios
func Status(utilization, complexityUtilization float64) types.SectorStatus {
	switch {
	case utilization > criticalRatio || complexityUtilization > criticalRatio:
		return types.StatusCritical
	case utilization > warningRatio || complexityUtilization > warningRatio:
		return types.StatusWarning
	default:
		return types.StatusNormal
	}
}
