package collector

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/sepwatch/sepwatch/internal/config"
	"github.com/sepwatch/sepwatch/internal/types"
)

func aircraftPath(id string, leaves ...string) *gnmi.Path {
	elems := []*gnmi.PathElem{
		{Name: "aircraft"},
		{Name: "aircraft", Key: map[string]string{"id": id}},
		{Name: "state"},
	}
	for _, l := range leaves {
		elems = append(elems, &gnmi.PathElem{Name: l})
	}
	return &gnmi.Path{Elem: elems}
}

func leaf(id, name string, val *gnmi.TypedValue) *gnmi.Update {
	return &gnmi.Update{Path: aircraftPath(id, name), Val: val}
}

func dbl(f float64) *gnmi.TypedValue {
	return &gnmi.TypedValue{Value: &gnmi.TypedValue_DoubleVal{DoubleVal: f}}
}

func str(s string) *gnmi.TypedValue {
	return &gnmi.TypedValue{Value: &gnmi.TypedValue_StringVal{StringVal: s}}
}

func uintv(u uint64) *gnmi.TypedValue {
	return &gnmi.TypedValue{Value: &gnmi.TypedValue_UintVal{UintVal: u}}
}

func stateNotification(id string, seq uint64) *gnmi.Notification {
	return &gnmi.Notification{
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).UnixNano(),
		Update: []*gnmi.Update{
			leaf(id, "callsign", str("AAL1 ")),
			leaf(id, "type", str("b738")),
			leaf(id, "latitude", dbl(40.5)),
			leaf(id, "longitude", dbl(-73.25)),
			leaf(id, "altitude", &gnmi.TypedValue{Value: &gnmi.TypedValue_IntVal{IntVal: 35000}}),
			leaf(id, "ground-speed", str("450")),
			leaf(id, "heading", dbl(90)),
			leaf(id, "vertical-rate", dbl(-500)),
			leaf(id, "sector", str("S1")),
			leaf(id, "sequence", uintv(seq)),
		},
	}
}

func TestDecoderFullNotification(t *testing.T) {
	d := NewDecoder(zerolog.Nop())
	tracks, removed := d.Apply(stateNotification("a1b2c3", 7))
	if len(removed) != 0 || len(tracks) != 1 {
		t.Fatalf("tracks=%d removed=%v", len(tracks), removed)
	}
	got := tracks[0]
	want := types.Track{
		ID:              "a1b2c3",
		Callsign:        "AAL1",
		Type:            "B738",
		Position:        types.Position{Lat: 40.5, Lon: -73.25, AltFt: 35000},
		GroundSpeedKt:   450,
		HeadingDeg:      90,
		VerticalRateFpm: -500,
		Sector:          "S1",
		Seq:             7,
	}
	if !got.UpdatedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("UpdatedAt=%v", got.UpdatedAt)
	}
	got.UpdatedAt = time.Time{}
	if got != want {
		t.Fatalf("decoded track\n got %+v\nwant %+v", got, want)
	}
}

func TestDecoderMergesPartialUpdates(t *testing.T) {
	d := NewDecoder(zerolog.Nop())
	tracks, _ := d.Apply(&gnmi.Notification{Update: []*gnmi.Update{
		leaf("X", "latitude", dbl(10)),
		leaf("X", "sequence", uintv(1)),
	}})
	if len(tracks) != 0 {
		t.Fatalf("track emitted without longitude: %+v", tracks)
	}

	tracks, _ = d.Apply(&gnmi.Notification{Update: []*gnmi.Update{leaf("X", "longitude", dbl(20))}})
	if len(tracks) != 1 || tracks[0].Position.Lat != 10 || tracks[0].Position.Lon != 20 {
		t.Fatalf("expected merged track, got %+v", tracks)
	}

	// Same sequence again is not re-emitted
	tracks, _ = d.Apply(&gnmi.Notification{Update: []*gnmi.Update{leaf("X", "altitude", dbl(9000))}})
	if len(tracks) != 0 {
		t.Fatalf("track re-emitted without a new sequence: %+v", tracks)
	}
	tracks, _ = d.Apply(&gnmi.Notification{Update: []*gnmi.Update{leaf("X", "sequence", uintv(2))}})
	if len(tracks) != 1 || tracks[0].Position.AltFt != 9000 || tracks[0].Seq != 2 {
		t.Fatalf("expected updated track, got %+v", tracks)
	}
}

func TestDecoderUsesPrefixAndTimestampSequence(t *testing.T) {
	d := NewDecoder(zerolog.Nop())
	prefix := aircraftPath("P1")
	notif := &gnmi.Notification{
		Timestamp: 42,
		Prefix:    prefix,
		Update: []*gnmi.Update{
			{Path: &gnmi.Path{Elem: []*gnmi.PathElem{{Name: "latitude"}}}, Val: dbl(1)},
			{Path: &gnmi.Path{Elem: []*gnmi.PathElem{{Name: "longitude"}}}, Val: dbl(2)},
		},
	}
	tracks, _ := d.Apply(notif)
	if len(tracks) != 1 || tracks[0].ID != "P1" || tracks[0].Seq != 42 {
		t.Fatalf("unexpected tracks: %+v", tracks)
	}
}

func TestDecoderTimestampSequenceAdvances(t *testing.T) {
	d := NewDecoder(zerolog.Nop())
	notif := func(ts int64, lat float64) *gnmi.Notification {
		return &gnmi.Notification{
			Timestamp: ts,
			Prefix:    aircraftPath("P1"),
			Update: []*gnmi.Update{
				{Path: &gnmi.Path{Elem: []*gnmi.PathElem{{Name: "latitude"}}}, Val: dbl(lat)},
				{Path: &gnmi.Path{Elem: []*gnmi.PathElem{{Name: "longitude"}}}, Val: dbl(2)},
			},
		}
	}
	if tracks, _ := d.Apply(notif(100, 1)); len(tracks) != 1 || tracks[0].Seq != 100 {
		t.Fatalf("first notification: %+v", tracks)
	}
	tracks, _ := d.Apply(notif(200, 1.5))
	if len(tracks) != 1 {
		t.Fatalf("newer notification emitted %d tracks, want 1", len(tracks))
	}
	if tracks[0].Seq != 200 || tracks[0].Position.Lat != 1.5 {
		t.Fatalf("unexpected track: seq=%d lat=%v", tracks[0].Seq, tracks[0].Position.Lat)
	}
	// A replayed older notification is not emitted
	if tracks, _ := d.Apply(notif(150, 1.2)); len(tracks) != 0 {
		t.Fatalf("older notification emitted: %+v", tracks)
	}
}

func TestDecoderJSONContainer(t *testing.T) {
	d := NewDecoder(zerolog.Nop())
	notif := &gnmi.Notification{Update: []*gnmi.Update{{
		Path: aircraftPath("J1"),
		Val: &gnmi.TypedValue{Value: &gnmi.TypedValue_JsonIetfVal{JsonIetfVal: []byte(
			`{"sepwatch-aircraft:latitude": 51.5, "longitude": -0.1, "callsign": "BAW2", "sequence": 3}`,
		)}},
	}}}
	tracks, _ := d.Apply(notif)
	if len(tracks) != 1 {
		t.Fatalf("expected one track, got %+v", tracks)
	}
	if tracks[0].Callsign != "BAW2" || tracks[0].Position.Lat != 51.5 || tracks[0].Seq != 3 {
		t.Fatalf("unexpected track: %+v", tracks[0])
	}
}

func TestDecoderDeletes(t *testing.T) {
	d := NewDecoder(zerolog.Nop())
	d.Apply(stateNotification("D1", 1))
	_, removed := d.Apply(&gnmi.Notification{Delete: []*gnmi.Path{aircraftPath("D1", "callsign")}})
	if len(removed) != 0 {
		t.Fatalf("leaf delete removed the aircraft: %v", removed)
	}
	_, removed = d.Apply(&gnmi.Notification{Delete: []*gnmi.Path{{Elem: []*gnmi.PathElem{
		{Name: "aircraft"},
		{Name: "aircraft", Key: map[string]string{"id": "D1"}},
	}}}})
	if len(removed) != 1 || removed[0] != "D1" {
		t.Fatalf("removed=%v", removed)
	}
}

func TestDecoderSkipsBadLeaves(t *testing.T) {
	d := NewDecoder(zerolog.Nop())
	notif := stateNotification("B1", 1)
	notif.Update = append(notif.Update,
		leaf("B1", "heading", str("north")),
		leaf("B1", "unknown-leaf", dbl(1)),
		&gnmi.Update{Path: &gnmi.Path{Elem: []*gnmi.PathElem{{Name: "other"}}}, Val: dbl(1)},
	)
	tracks, _ := d.Apply(notif)
	if len(tracks) != 1 || tracks[0].HeadingDeg != 90 {
		t.Fatalf("bad leaves should be skipped: %+v", tracks)
	}
}

func TestSubscribeRequest(t *testing.T) {
	req, err := subscribeRequest()
	if err != nil {
		t.Fatalf("subscribeRequest() error: %v", err)
	}
	list := req.GetSubscribe()
	if list.GetMode() != gnmi.SubscriptionList_STREAM {
		t.Fatalf("mode=%v", list.GetMode())
	}
	sub := list.GetSubscription()[0]
	if sub.GetMode() != gnmi.SubscriptionMode_ON_CHANGE {
		t.Fatalf("subscription mode=%v", sub.GetMode())
	}
	if got := pathToString(sub.GetPath()); got != AircraftStatePath {
		t.Fatalf("path=%q", got)
	}
}

func TestParsePathErrors(t *testing.T) {
	for _, p := range []string{"", "/", "/a/b[id]/c", "/a/b[id=1/c"} {
		if _, err := parsePath(p); err == nil {
			t.Errorf("parsePath(%q) expected error", p)
		}
	}
}

func TestBackoffBounds(t *testing.T) {
	c := &Collector{backoff: Backoff{Min: time.Second, Max: 10 * time.Second}}
	for attempt := 0; attempt < 100; attempt++ {
		d := c.backoffDuration(attempt)
		if d < time.Second || d >= 11*time.Second {
			t.Fatalf("attempt %d backoff %v out of bounds", attempt, d)
		}
	}
}

type fakeSink struct {
	mu      sync.Mutex
	tracks  []types.Track
	removed []string
}

func (s *fakeSink) Ingest(t types.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
	return nil
}

func (s *fakeSink) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, id)
	return true
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}

type feedServer struct {
	gnmi.UnimplementedGNMIServer
	notif *gnmi.Notification
}

func (f *feedServer) Subscribe(stream gnmi.GNMI_SubscribeServer) error {
	if _, err := stream.Recv(); err != nil {
		return err
	}
	if err := stream.Send(&gnmi.SubscribeResponse{Response: &gnmi.SubscribeResponse_Update{Update: f.notif}}); err != nil {
		return err
	}
	if err := stream.Send(&gnmi.SubscribeResponse{Response: &gnmi.SubscribeResponse_SyncResponse{SyncResponse: true}}); err != nil {
		return err
	}
	<-stream.Context().Done()
	return nil
}

func TestCollectorStreamsTracks(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer()
	gnmi.RegisterGNMIServer(srv, &feedServer{notif: stateNotification("F1", 1)})
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	port := lis.Addr().(*net.TCPAddr).Port
	c := NewCollector("test", config.FeedConfig{Address: "127.0.0.1", Port: port}, "", zerolog.Nop())
	sink := &fakeSink{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, sink) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && (sink.count() == 0 || !c.Health().SyncReceived) {
		time.Sleep(10 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatalf("expected 1 ingested track, got %d", sink.count())
	}
	h := c.Health()
	if !h.Connected || !h.SyncReceived || h.TrackCount != 1 || h.Feed != "test" {
		t.Fatalf("unexpected health: %+v", h)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run() did not stop")
	}
	if c.Health().Connected {
		t.Fatalf("collector still reports connected after stop")
	}
}
