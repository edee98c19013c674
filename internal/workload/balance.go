package workload

import (
	"fmt"
	"math"
	"sort"

	"github.com/sepwatch/sepwatch/internal/geo"
	"github.com/sepwatch/sepwatch/internal/track"
	"github.com/sepwatch/sepwatch/internal/types"
)

// A receiving sector must be at least this much less loaded than the sector
// giving up the aircraft.
const balanceThreshold = 0.2

// Rebalance recommends moving aircraft out of warning and critical sectors
// into adjacent normal sectors. sectors is the output of Evaluate and is not
// modified. Aircraft involved in a conflict are never moved, and each
// aircraft is recommended at most once. Busiest sectors are relieved first;
// within a sector the most complex aircraft go first.
func (m *Monitor) Rebalance(snap track.Snapshot, sectors []types.Sector, conflicts []types.Conflict) []types.Reassignment {
	busy := make(map[string]struct{}, len(conflicts)*2)
	for _, c := range conflicts {
		busy[c.AircraftA] = struct{}{}
		busy[c.AircraftB] = struct{}{}
	}

	work := make([]types.Sector, 0, len(sectors))
	for _, s := range sectors {
		if s.Unsectored() {
			continue
		}
		s.Aircraft = append([]string(nil), s.Aircraft...)
		work = append(work, s)
	}
	var overloaded []*types.Sector
	for i := range work {
		if work[i].Status != types.StatusNormal {
			overloaded = append(overloaded, &work[i])
		}
	}
	sort.SliceStable(overloaded, func(i, j int) bool {
		li, lj := load(overloaded[i]), load(overloaded[j])
		if li != lj {
			return li > lj
		}
		return overloaded[i].ID < overloaded[j].ID
	})

	margin := m.config.Separation.AdjacencyMarginNM
	moved := make(map[string]struct{})
	var out []types.Reassignment
	for _, from := range overloaded {
		for _, c := range m.movable(snap, from, busy, moved) {
			if from.Status == types.StatusNormal {
				break
			}
			to := receiver(work, from, c.track, c.weight, margin)
			if to == nil {
				continue
			}
			prio := types.PriorityMedium
			if from.Status == types.StatusCritical {
				prio = types.PriorityHigh
			}
			out = append(out, types.Reassignment{
				AircraftID: c.track.ID,
				FromSector: from.ID,
				ToSector:   to.ID,
				Priority:   prio,
				Complexity: c.weight,
				Reason: fmt.Sprintf("sector %s at %.0f%% load, %s at %.0f%%",
					from.ID, 100*load(from), to.ID, 100*load(to)),
			})
			shift(from, to, c.track.ID, c.weight)
			moved[c.track.ID] = struct{}{}
		}
	}
	if len(out) > 0 {
		m.logger.Debug().Int("reassignments", len(out)).Msg("Sector rebalancing advised")
	}
	return out
}

type candidate struct {
	track  types.Track
	weight float64
}

func (m *Monitor) movable(snap track.Snapshot, s *types.Sector, busy, moved map[string]struct{}) []candidate {
	var out []candidate
	for _, id := range s.Aircraft {
		if _, ok := busy[id]; ok {
			continue
		}
		if _, ok := moved[id]; ok {
			continue
		}
		t, ok := snap.Track(id)
		if !ok {
			continue
		}
		out = append(out, candidate{track: t, weight: m.AircraftComplexity(t, 0)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].weight != out[j].weight {
			return out[i].weight > out[j].weight
		}
		return out[i].track.ID < out[j].track.ID
	})
	return out
}

// receiver picks the least loaded normal sector that is adjacent to the
// aircraft, covers its altitude, does not already hold it, and stays normal
// after taking it.
func receiver(sectors []types.Sector, from *types.Sector, t types.Track, weight, marginNM float64) *types.Sector {
	var best *types.Sector
	for i := range sectors {
		s := &sectors[i]
		if s.ID == from.ID || s.Status != types.StatusNormal {
			continue
		}
		if t.Position.AltFt < s.FloorFt || (s.CeilingFt > 0 && t.Position.AltFt > s.CeilingFt) {
			continue
		}
		if !geo.NearSector(s, t.Position, marginNM) || holds(s, t.ID) {
			continue
		}
		if load(from)-load(s) <= balanceThreshold {
			continue
		}
		after := Status(
			ratio(float64(s.CurrentAircraft+1), float64(s.MaxAircraft)),
			ratio(s.CurrentComplexity+weight, s.MaxComplexity),
		)
		if after != types.StatusNormal {
			continue
		}
		if best == nil || load(s) < load(best) {
			best = s
		}
	}
	return best
}

func holds(s *types.Sector, id string) bool {
	i := sort.SearchStrings(s.Aircraft, id)
	return i < len(s.Aircraft) && s.Aircraft[i] == id
}

func shift(from, to *types.Sector, id string, weight float64) {
	from.CurrentAircraft--
	from.CurrentComplexity -= weight
	score(from)

	to.CurrentAircraft++
	to.CurrentComplexity += weight
	to.Aircraft = append(to.Aircraft, id)
	sort.Strings(to.Aircraft)
	score(to)
}

func load(s *types.Sector) float64 {
	return math.Max(s.Utilization, s.ComplexityUtilization)
}
