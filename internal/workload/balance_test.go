package workload

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/sepwatch/sepwatch/internal/config"
	"github.com/sepwatch/sepwatch/internal/track"
	"github.com/sepwatch/sepwatch/internal/types"
)

// twoSectors returns WEST holding four aircraft near the shared edge and an
// empty EAST, both with room for four.
func twoSectors(t *testing.T, cfg *config.Config) (*Monitor, track.Snapshot, []types.Sector) {
	t.Helper()
	m := NewMonitor(cfg, zerolog.Nop())
	sectors := []types.Sector{
		box("EAST", 40, -74, 41, -73, 4, 0),
		box("WEST", 40, -75, 41, -74, 4, 0),
	}
	snap := track.NewSnapshot(testNow, tracksAt(4, 40.2, -74.05, 30000), nil)
	return m, snap, m.Evaluate(snap, sectors, nil)
}

func TestRebalanceRelievesCriticalSector(t *testing.T) {
	m, snap, evaluated := twoSectors(t, config.Default())
	if evaluated[1].ID != "WEST" || evaluated[1].Status != types.StatusCritical {
		t.Fatalf("expected WEST critical, got %+v", evaluated[1])
	}

	got := m.Rebalance(snap, evaluated, nil)
	if len(got) != 2 {
		t.Fatalf("expected 2 reassignments, got %+v", got)
	}
	want := []struct {
		id   string
		prio types.Priority
	}{
		{"AC000", types.PriorityHigh},
		{"AC001", types.PriorityMedium},
	}
	for i, w := range want {
		r := got[i]
		if r.AircraftID != w.id || r.FromSector != "WEST" || r.ToSector != "EAST" || r.Priority != w.prio {
			t.Fatalf("reassignment %d=%+v, want %s WEST->EAST %s", i, r, w.id, w.prio)
		}
		if r.Reason == "" || r.Complexity <= 0 {
			t.Fatalf("reassignment %d missing reason or complexity: %+v", i, r)
		}
	}
	if evaluated[1].CurrentAircraft != 4 || evaluated[0].CurrentAircraft != 0 {
		t.Fatalf("Rebalance modified its input: %+v", evaluated)
	}
}

func TestRebalanceKeepsConflictAircraft(t *testing.T) {
	m, snap, evaluated := twoSectors(t, config.Default())
	conflicts := []types.Conflict{{ID: "AC000|AC001", AircraftA: "AC000", AircraftB: "AC001"}}

	got := m.Rebalance(snap, evaluated, conflicts)
	if len(got) != 2 || got[0].AircraftID != "AC002" || got[1].AircraftID != "AC003" {
		t.Fatalf("expected AC002 and AC003 moved, got %+v", got)
	}
}

func TestRebalanceNeedsAdjacentReceiver(t *testing.T) {
	cfg := config.Default()
	cfg.Separation.AdjacencyMarginNM = 1
	m, snap, evaluated := twoSectors(t, cfg)

	if got := m.Rebalance(snap, evaluated, nil); len(got) != 0 {
		t.Fatalf("aircraft 2 nm from EAST moved with a 1 nm margin: %+v", got)
	}
}

func TestRebalanceNormalSectorsUntouched(t *testing.T) {
	m := NewMonitor(config.Default(), zerolog.Nop())
	sectors := []types.Sector{
		box("EAST", 40, -74, 41, -73, 20, 0),
		box("WEST", 40, -75, 41, -74, 20, 0),
	}
	snap := track.NewSnapshot(testNow, tracksAt(4, 40.2, -74.05, 30000), nil)
	if got := m.Rebalance(snap, m.Evaluate(snap, sectors, nil), nil); len(got) != 0 {
		t.Fatalf("unexpected reassignments: %+v", got)
	}
}
