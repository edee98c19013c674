package detector

import (
	"sort"

	"github.com/sepwatch/sepwatch/internal/geo"
	"github.com/sepwatch/sepwatch/internal/types"
)

// Partition is the set of tracks evaluated together for one sector. Tracks
// near a boundary belong to every sector within the adjacency margin.
type Partition struct {
	SectorID string
	Tracks   []types.Track
}

// Partitions assigns tracks to sectors. Output is ordered by sector ID with
// the unsectored partition last; tracks keep the input order.
func Partitions(tracks []types.Track, sectors []types.Sector, marginNM float64) []Partition {
	bySector := make(map[string][]types.Track, len(sectors)+1)
	for _, t := range tracks {
		placed := false
		for i := range sectors {
			if sectors[i].Unsectored() {
				continue
			}
			if geo.NearSector(&sectors[i], t.Position, marginNM) {
				bySector[sectors[i].ID] = append(bySector[sectors[i].ID], t)
				placed = true
			}
		}
		if !placed {
			bySector[types.UnsectoredID] = append(bySector[types.UnsectoredID], t)
		}
	}

	out := make([]Partition, 0, len(bySector))
	for id, ts := range bySector {
		out = append(out, Partition{SectorID: id, Tracks: ts})
	}
	sort.Slice(out, func(i, j int) bool { return sectorLess(out[i].SectorID, out[j].SectorID) })
	return out
}

// PartitionFor returns the partition of the named sector, if any
func PartitionFor(parts []Partition, sectorID string) (Partition, bool) {
	for _, p := range parts {
		if p.SectorID == sectorID {
			return p, true
		}
	}
	return Partition{}, false
}

func sectorLess(a, b string) bool {
	if a == types.UnsectoredID {
		return false
	}
	if b == types.UnsectoredID {
		return true
	}
	return a < b
}

// containment lists, per aircraft, the sorted IDs of the sectors that
// strictly contain it.
func containment(tracks []types.Track, sectors []types.Sector) map[string][]string {
	out := make(map[string][]string, len(tracks))
	for _, t := range tracks {
		for i := range sectors {
			if !sectors[i].Unsectored() && geo.InSector(&sectors[i], t.Position) {
				out[t.ID] = append(out[t.ID], sectors[i].ID)
			}
		}
		sort.Strings(out[t.ID])
	}
	return out
}

// owningSector picks the lowest-ID sector containing both aircraft, else
// one containing a, else one containing b.
func owningSector(in map[string][]string, a, b string) string {
	sa, sb := in[a], in[b]
	for _, x := range sa {
		for _, y := range sb {
			if x == y {
				return x
			}
		}
	}
	if len(sa) > 0 {
		return sa[0]
	}
	if len(sb) > 0 {
		return sb[0]
	}
	return types.UnsectoredID
}
