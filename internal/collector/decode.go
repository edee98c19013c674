package collector

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/rs/zerolog"

	"github.com/sepwatch/sepwatch/internal/types"
)

const (
	hasLat = 1 << iota
	hasLon
	hasSeq
	complete = hasLat | hasLon | hasSeq
)

// partialTrack accumulates leaves for one aircraft across notifications
type partialTrack struct {
	track   types.Track
	fields  int
	emitted uint64
	// seqLeaf is set once the feed sent a sequence leaf for the aircraft
	seqLeaf bool
}

// Decoder turns aircraft state notifications into tracks. Feeds may split
// one aircraft's leaves across notifications; the decoder merges them and
// emits a track once position and sequence are known and the sequence has
// advanced since the last emission.
type Decoder struct {
	logger zerolog.Logger

	mu      sync.Mutex
	partial map[string]*partialTrack
}

// NewDecoder creates a decoder with no partial state
func NewDecoder(logger zerolog.Logger) *Decoder {
	return &Decoder{
		logger:  logger,
		partial: make(map[string]*partialTrack),
	}
}

// Reset forgets all partial state
func (d *Decoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.partial = make(map[string]*partialTrack)
}

// Apply merges a notification. It returns the tracks ready for ingestion,
// sorted by ID, and the IDs of aircraft the feed deleted.
func (d *Decoder) Apply(notif *gnmi.Notification) ([]types.Track, []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var removed []string
	for _, p := range notif.Delete {
		id, leaf := aircraftLeaf(notif.Prefix, p)
		if id == "" {
			continue
		}
		// Deleting a single leaf keeps the aircraft
		if leaf == "" || leaf == "state" || leaf == "aircraft" {
			delete(d.partial, id)
			removed = append(removed, id)
		}
	}

	touched := make(map[string]struct{})
	for _, u := range notif.Update {
		id, leaf := aircraftLeaf(notif.Prefix, u.Path)
		if id == "" {
			d.logger.Debug().
				Str("path", pathToString(notif.Prefix)+pathToString(u.Path)).
				Msg("Skipping update without aircraft id")
			continue
		}
		pt := d.partial[id]
		if pt == nil {
			pt = &partialTrack{track: types.Track{ID: id}}
			d.partial[id] = pt
		}
		if leaf == "state" {
			d.applyContainer(pt, u.Val)
		} else if err := pt.apply(leaf, u.Val); err != nil {
			d.logger.Debug().Err(err).Str("aircraft", id).Str("leaf", leaf).Msg("Skipping leaf")
			continue
		}
		touched[id] = struct{}{}
	}

	ts := time.Unix(0, notif.Timestamp).UTC()
	var out []types.Track
	for id := range touched {
		pt := d.partial[id]
		if !pt.seqLeaf && notif.Timestamp > 0 {
			// Without a sequence leaf each notification timestamp orders updates
			pt.track.Seq = uint64(notif.Timestamp)
			pt.fields |= hasSeq
		}
		if pt.fields&complete != complete || pt.track.Seq <= pt.emitted {
			continue
		}
		t := pt.track
		if notif.Timestamp > 0 {
			t.UpdatedAt = ts
		}
		pt.emitted = t.Seq
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	sort.Strings(removed)
	return out, removed
}

// applyContainer handles a JSON-encoded state container
func (d *Decoder) applyContainer(pt *partialTrack, val *gnmi.TypedValue) {
	raw := val.GetJsonIetfVal()
	if len(raw) == 0 {
		raw = val.GetJsonVal()
	}
	var leaves map[string]json.RawMessage
	if err := json.Unmarshal(raw, &leaves); err != nil {
		d.logger.Debug().Err(err).Str("aircraft", pt.track.ID).Msg("Invalid state container")
		return
	}
	for leaf, v := range leaves {
		// Module-qualified names as sent with JSON_IETF
		if i := strings.LastIndex(leaf, ":"); i >= 0 {
			leaf = leaf[i+1:]
		}
		var tv *gnmi.TypedValue
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			tv = &gnmi.TypedValue{Value: &gnmi.TypedValue_StringVal{StringVal: s}}
		} else {
			var f float64
			if err := json.Unmarshal(v, &f); err != nil {
				continue
			}
			tv = &gnmi.TypedValue{Value: &gnmi.TypedValue_DoubleVal{DoubleVal: f}}
		}
		if err := pt.apply(leaf, tv); err != nil {
			d.logger.Debug().Err(err).Str("aircraft", pt.track.ID).Str("leaf", leaf).Msg("Skipping leaf")
		}
	}
}

func (pt *partialTrack) apply(leaf string, val *gnmi.TypedValue) error {
	t := &pt.track
	switch leaf {
	case "callsign":
		t.Callsign = strings.TrimSpace(stringValue(val))
		return nil
	case "type":
		t.Type = strings.ToUpper(strings.TrimSpace(stringValue(val)))
		return nil
	case "sector":
		t.Sector = stringValue(val)
		return nil
	}

	f, err := floatValue(val)
	if err != nil {
		return err
	}
	switch leaf {
	case "latitude":
		t.Position.Lat = f
		pt.fields |= hasLat
	case "longitude":
		t.Position.Lon = f
		pt.fields |= hasLon
	case "altitude":
		t.Position.AltFt = f
	case "ground-speed":
		t.GroundSpeedKt = f
	case "heading":
		t.HeadingDeg = f
	case "vertical-rate":
		t.VerticalRateFpm = f
	case "sequence":
		if f < 0 {
			return fmt.Errorf("negative sequence %v", f)
		}
		t.Seq = uint64(f)
		pt.fields |= hasSeq
		pt.seqLeaf = true
	default:
		return fmt.Errorf("unknown leaf")
	}
	return nil
}

// aircraftLeaf extracts the aircraft id and the last path element name
// from prefix + path, e.g. /aircraft/aircraft[id=X]/state/latitude.
func aircraftLeaf(prefix, path *gnmi.Path) (id, leaf string) {
	var elems []*gnmi.PathElem
	if prefix != nil {
		elems = append(elems, prefix.Elem...)
	}
	if path != nil {
		elems = append(elems, path.Elem...)
	}
	for _, e := range elems {
		if e.Name == "aircraft" && e.Key["id"] != "" {
			id = e.Key["id"]
		}
	}
	if n := len(elems); n > 0 {
		leaf = elems[n-1].Name
	}
	return id, leaf
}

func stringValue(val *gnmi.TypedValue) string {
	if val == nil {
		return ""
	}
	switch v := val.Value.(type) {
	case *gnmi.TypedValue_StringVal:
		return v.StringVal
	case *gnmi.TypedValue_AsciiVal:
		return v.AsciiVal
	case *gnmi.TypedValue_JsonVal:
		return strings.Trim(string(v.JsonVal), `"`)
	case *gnmi.TypedValue_JsonIetfVal:
		return strings.Trim(string(v.JsonIetfVal), `"`)
	case *gnmi.TypedValue_BytesVal:
		return string(v.BytesVal)
	}
	return ""
}

func floatValue(val *gnmi.TypedValue) (float64, error) {
	if val == nil {
		return 0, fmt.Errorf("missing value")
	}
	var f float64
	switch v := val.Value.(type) {
	case *gnmi.TypedValue_DoubleVal:
		f = v.DoubleVal
	case *gnmi.TypedValue_IntVal:
		f = float64(v.IntVal)
	case *gnmi.TypedValue_UintVal:
		f = float64(v.UintVal)
	default:
		s := stringValue(val)
		if s == "" {
			return 0, fmt.Errorf("unsupported value type %T", val.Value)
		}
		var err error
		if f, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return 0, fmt.Errorf("parse %q: %w", s, err)
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite value")
	}
	return f, nil
}
