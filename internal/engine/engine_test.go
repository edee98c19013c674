package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sepwatch/sepwatch/internal/config"
	"github.com/sepwatch/sepwatch/internal/types"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeSender struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeSender) Enqueue(alert types.Alert, event string, channels []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event+" "+alert.Key)
}

func newTestEngine(t *testing.T, cfg *config.Config) (*Engine, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	e := New(cfg, sender, zerolog.Nop())
	e.now = func() time.Time { return testNow }
	t.Cleanup(e.dispatcher.Stop)
	return e, sender
}

func headOnTracks() []types.Track {
	lat, lon := 40.0, -74.0
	dlon := 10 / (60 * math.Cos(lat*math.Pi/180))
	return []types.Track{
		{ID: "AAL1", Callsign: "AAL1", Type: "B738", Position: types.Position{Lat: lat, Lon: lon, AltFt: 35000}, GroundSpeedKt: 450, HeadingDeg: 90, Seq: 1},
		{ID: "BAW2", Callsign: "BAW2", Type: "A320", Position: types.Position{Lat: lat, Lon: lon + dlon, AltFt: 35000}, GroundSpeedKt: 450, HeadingDeg: 270, Seq: 1},
	}
}

func ingestAll(t *testing.T, e *Engine, tracks []types.Track) {
	t.Helper()
	for _, tr := range tracks {
		if err := e.Ingest(tr); err != nil {
			t.Fatalf("Ingest(%s) error: %v", tr.ID, err)
		}
	}
}

func findAlert(alerts []types.Alert, key string) (types.Alert, bool) {
	for _, a := range alerts {
		if a.Key == key {
			return a, true
		}
	}
	return types.Alert{}, false
}

func TestRunOncePublishesConflict(t *testing.T) {
	cfg := config.Default()
	cfg.Alerts.AlertRules = map[string]config.AlertRule{"default": {Channels: []string{"ops"}}}
	e, sender := newTestEngine(t, cfg)
	ingestAll(t, e, headOnTracks())

	delta, err := e.RunOnce(context.Background(), testNow)
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if !delta.Full || delta.Generation != 1 {
		t.Fatalf("first delta should be a full generation-1 resync: %+v", delta)
	}

	snap, err := e.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error: %v", err)
	}
	if snap.Stale {
		t.Fatalf("snapshot unexpectedly stale")
	}
	if len(snap.Tracks) != 2 || len(snap.Conflicts) != 1 {
		t.Fatalf("tracks=%d conflicts=%d", len(snap.Tracks), len(snap.Conflicts))
	}
	c := snap.Conflicts[0]
	if c.ID != "AAL1|BAW2" || len(c.Resolutions) == 0 {
		t.Fatalf("unexpected conflict: %+v", c)
	}
	if _, ok := findAlert(snap.Alerts, "conflict:AAL1|BAW2"); !ok {
		t.Fatalf("conflict alert missing: %+v", snap.Alerts)
	}
	if len(snap.Sectors) == 0 || snap.Sectors[len(snap.Sectors)-1].ID != types.UnsectoredID {
		t.Fatalf("expected unsectored sector last: %+v", snap.Sectors)
	}
	if snap.Stats.Cycles != 1 || snap.Stats.Ingest.Accepted != 2 {
		t.Fatalf("unexpected stats: %+v", snap.Stats)
	}
	if !e.LastSuccess().Equal(testNow) || !e.Healthy() {
		t.Fatalf("engine should be healthy after a successful cycle")
	}
	if len(sender.events) != 1 || sender.events[0] != "fired conflict:AAL1|BAW2" {
		t.Fatalf("unexpected notifications: %v", sender.events)
	}
}

func TestConflictClearsWhenAircraftRemoved(t *testing.T) {
	e, _ := newTestEngine(t, config.Default())
	ingestAll(t, e, headOnTracks())
	if _, err := e.RunOnce(context.Background(), testNow); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	if !e.Remove("BAW2") {
		t.Fatalf("Remove() reported no track")
	}
	delta, err := e.RunOnce(context.Background(), testNow.Add(time.Second))
	if err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if len(delta.RemovedConflicts) != 1 || delta.RemovedConflicts[0] != "AAL1|BAW2" {
		t.Fatalf("RemovedConflicts=%v", delta.RemovedConflicts)
	}
	if len(delta.RemovedAlerts) != 1 {
		t.Fatalf("RemovedAlerts=%v", delta.RemovedAlerts)
	}
}

func TestCycleTimeoutRepublishesStale(t *testing.T) {
	cfg := config.Default()
	e, _ := newTestEngine(t, cfg)
	ingestAll(t, e, headOnTracks())
	if _, err := e.RunOnce(context.Background(), testNow); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}

	slow := config.Default()
	slow.Engine.CycleDeadline = time.Nanosecond
	e.Reload(slow)

	later := testNow.Add(time.Second)
	_, err := e.RunOnce(context.Background(), later)
	if !errors.Is(err, types.ErrComputationTimeout) {
		t.Fatalf("RunOnce() error=%v, want ErrComputationTimeout", err)
	}
	snap := e.Current()
	if !snap.Stale || snap.Generation != 2 {
		t.Fatalf("expected stale generation 2, got stale=%v generation=%d", snap.Stale, snap.Generation)
	}
	if len(snap.Conflicts) != 1 {
		t.Fatalf("stale snapshot should keep the previous conflicts")
	}
	if _, ok := findAlert(snap.Alerts, "system:"+TimeoutAlertRef); !ok {
		t.Fatalf("timeout alert missing: %+v", snap.Alerts)
	}
	if snap.Stats.Timeouts != 1 {
		t.Fatalf("Timeouts=%d", snap.Stats.Timeouts)
	}
	if !e.LastSuccess().Equal(testNow) {
		t.Fatalf("LastSuccess moved on a failed cycle")
	}

	e.Reload(cfg)
	if _, err := e.RunOnce(context.Background(), later.Add(time.Second)); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	snap = e.Current()
	if snap.Stale {
		t.Fatalf("snapshot still stale after a successful cycle")
	}
	if _, ok := findAlert(snap.Alerts, "system:"+TimeoutAlertRef); ok {
		t.Fatalf("timeout alert not cleared")
	}
}

func TestTimeoutBeforeFirstSnapshot(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.CycleDeadline = time.Nanosecond
	e, _ := newTestEngine(t, cfg)

	if _, err := e.RunOnce(context.Background(), testNow); !errors.Is(err, types.ErrComputationTimeout) {
		t.Fatalf("RunOnce() error=%v, want ErrComputationTimeout", err)
	}
	snap := e.Current()
	if snap == nil || !snap.Stale || len(snap.Alerts) != 1 {
		t.Fatalf("expected a stale snapshot carrying the timeout alert: %+v", snap)
	}
}

func TestSnapshotHonoursContext(t *testing.T) {
	e, _ := newTestEngine(t, config.Default())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Snapshot(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Snapshot() error=%v, want context.Canceled", err)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	e, _ := newTestEngine(t, config.Default())
	ingestAll(t, e, headOnTracks())
	if _, err := e.RunOnce(context.Background(), testNow); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	snap, _ := e.Snapshot(context.Background())
	snap.Conflicts[0].ID = "changed"
	if e.Current().Conflicts[0].ID != "AAL1|BAW2" {
		t.Fatalf("Snapshot() shares state with the published snapshot")
	}
}

func TestIngestRejectsStale(t *testing.T) {
	e, _ := newTestEngine(t, config.Default())
	ingestAll(t, e, headOnTracks())
	if err := e.Ingest(headOnTracks()[0]); !errors.Is(err, types.ErrStaleUpdate) {
		t.Fatalf("Ingest() error=%v, want ErrStaleUpdate", err)
	}
	bad := headOnTracks()[0]
	bad.Seq = 2
	bad.Position.Lat = 91
	if err := e.Ingest(bad); !types.IsValidation(err) {
		t.Fatalf("Ingest() error=%v, want validation error", err)
	}
	st := e.IngestStats()
	if st.Accepted != 2 || st.Stale != 1 || st.Rejected != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestAcknowledge(t *testing.T) {
	e, _ := newTestEngine(t, config.Default())
	ingestAll(t, e, headOnTracks())
	if _, err := e.RunOnce(context.Background(), testNow); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	a, ok := findAlert(e.Current().Alerts, "conflict:AAL1|BAW2")
	if !ok {
		t.Fatalf("conflict alert missing")
	}
	acked, err := e.Acknowledge(a.ID)
	if err != nil || !acked.Acknowledged {
		t.Fatalf("Acknowledge() = %+v, %v", acked, err)
	}
	if _, err := e.Acknowledge("nope"); err == nil {
		t.Fatalf("expected error for unknown alert")
	}
}

func TestSubscribeEndsWithContext(t *testing.T) {
	e, _ := newTestEngine(t, config.Default())
	ctx, cancel := context.WithCancel(context.Background())
	sub := e.Subscribe(ctx)
	if _, err := e.RunOnce(context.Background(), testNow); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	if d := <-sub.C; !d.Full {
		t.Fatalf("first message should be a full resync")
	}
	cancel()
	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatalf("unexpected message after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("subscription not closed after cancel")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.CyclePeriod = 10 * time.Millisecond
	cfg.Engine.CycleDeadline = time.Second
	e, _ := newTestEngine(t, cfg)
	ingestAll(t, e, headOnTracks())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	snap, err := e.Snapshot(context.Background())
	if err != nil || len(snap.Conflicts) != 1 {
		t.Fatalf("Snapshot() = %+v, %v", snap, err)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not stop")
	}
}

func TestRunOncePublishesReassignments(t *testing.T) {
	cfg := config.Default()
	cfg.Sectors = []config.SectorConfig{
		{ID: "EAST", MaxAircraft: 4, Boundary: [][2]float64{{40, -74}, {40, -73}, {41, -73}, {41, -74}}},
		{ID: "WEST", MaxAircraft: 4, Boundary: [][2]float64{{40, -75}, {40, -74}, {41, -74}, {41, -75}}},
	}
	e, _ := newTestEngine(t, cfg)
	for i, id := range []string{"W1", "W2", "W3", "W4"} {
		ingestAll(t, e, []types.Track{{
			ID:       id,
			Type:     "A320",
			Position: types.Position{Lat: 40.5, Lon: -74.05, AltFt: 30000 + float64(i)*2000},
			Seq:      1,
		}})
	}

	if _, err := e.RunOnce(context.Background(), testNow); err != nil {
		t.Fatalf("RunOnce() error: %v", err)
	}
	snap := e.Current()
	if len(snap.Conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %+v", snap.Conflicts)
	}
	if len(snap.Reassignments) != 2 {
		t.Fatalf("expected 2 reassignments, got %+v", snap.Reassignments)
	}
	for _, r := range snap.Reassignments {
		if r.FromSector != "WEST" || r.ToSector != "EAST" {
			t.Fatalf("unexpected reassignment: %+v", r)
		}
	}
}
