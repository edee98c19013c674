package track

import (
	"sort"
	"sync"
	"time"

	"github.com/brunoga/deep"

	"github.com/sepwatch/sepwatch/internal/types"
)

// StoreConfig bounds what the store accepts and keeps
type StoreConfig struct {
	// TTL controls how long a track is kept without updates.
	TTL time.Duration
	// CeilingFt is the highest altitude accepted at ingestion.
	CeilingFt float64
}

// Store holds the latest track and flight intent per aircraft. Updates are
// replace-on-write; readers only ever see copies.
type Store struct {
	mu sync.RWMutex

	cfg StoreConfig

	tracks   map[string]entry
	intents  map[string]types.FlightIntent
	revision uint64
	stats    Stats
}

type entry struct {
	track  types.Track
	seenAt time.Time
}

// Stats counts ingestion outcomes since the store was created
type Stats struct {
	Accepted uint64 `json:"accepted"`
	Stale    uint64 `json:"stale"`
	Rejected uint64 `json:"rejected"`
	Purged   uint64 `json:"purged"`
	Tracks   int    `json:"tracks"`
	Intents  int    `json:"intents"`
}

// Snapshot is an immutable point-in-time copy of the store
type Snapshot struct {
	TakenAt time.Time
	Tracks  []types.Track
	Intents map[string]types.FlightIntent

	index map[string]int
}

// NewStore creates an empty store, defaulting the TTL to 60s and the ceiling
// to 60000 ft.
func NewStore(cfg StoreConfig) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Second
	}
	if cfg.CeilingFt <= 0 {
		cfg.CeilingFt = 60000
	}
	return &Store{
		cfg:     cfg,
		tracks:  make(map[string]entry),
		intents: make(map[string]types.FlightIntent),
	}
}

// Upsert applies t when its sequence number is newer than the stored one.
// It returns a *types.ValidationError for malformed input and
// types.ErrStaleUpdate when t is not newer.
func (s *Store) Upsert(nowUTC time.Time, t types.Track) error {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	if err := ValidateTrack(t, s.cfg.CeilingFt); err != nil {
		s.mu.Lock()
		s.stats.Rejected++
		s.mu.Unlock()
		return err
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = nowUTC
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.tracks[t.ID]; ok && t.Seq <= cur.track.Seq {
		s.stats.Stale++
		return types.ErrStaleUpdate
	}
	s.tracks[t.ID] = entry{track: t, seenAt: nowUTC.UTC()}
	s.stats.Accepted++
	return nil
}

// SetIntent stores intent for its aircraft, replacing any previous one.
// Revisions come from a store-wide counter and are never reused, even after
// the aircraft is removed or purged.
func (s *Store) SetIntent(intent types.FlightIntent) error {
	if err := ValidateIntent(intent, s.cfg.CeilingFt); err != nil {
		s.mu.Lock()
		s.stats.Rejected++
		s.mu.Unlock()
		return err
	}
	intent = deep.MustCopy(intent)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.revision++
	intent.Revision = s.revision
	s.intents[intent.AircraftID] = intent
	return nil
}

// Remove drops an aircraft's track and intent. It reports whether a track existed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tracks[id]
	delete(s.tracks, id)
	delete(s.intents, id)
	return ok
}

// Stats returns the ingestion counters and current sizes
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.stats
	st.Tracks = len(s.tracks)
	st.Intents = len(s.intents)
	return st
}

// Snapshot purges expired tracks and returns a copy of the remaining state,
// tracks sorted by ID.
func (s *Store) Snapshot(nowUTC time.Time) Snapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}

	s.mu.Lock()
	// Purge stale.
	cutoff := nowUTC.UTC().Add(-s.cfg.TTL)
	for id, e := range s.tracks {
		if e.seenAt.Before(cutoff) {
			delete(s.tracks, id)
			delete(s.intents, id)
			s.stats.Purged++
		}
	}

	out := make([]types.Track, 0, len(s.tracks))
	for _, e := range s.tracks {
		out = append(out, e.track)
	}
	intents := deep.MustCopy(s.intents)
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return NewSnapshot(nowUTC, out, intents)
}

// NewSnapshot builds a snapshot from already-copied data. tracks must be
// sorted by ID.
func NewSnapshot(takenAt time.Time, tracks []types.Track, intents map[string]types.FlightIntent) Snapshot {
	if intents == nil {
		intents = map[string]types.FlightIntent{}
	}
	index := make(map[string]int, len(tracks))
	for i, t := range tracks {
		index[t.ID] = i
	}
	return Snapshot{TakenAt: takenAt, Tracks: tracks, Intents: intents, index: index}
}

// Track looks up a track by aircraft ID
func (sn Snapshot) Track(id string) (types.Track, bool) {
	i, ok := sn.index[id]
	if !ok {
		return types.Track{}, false
	}
	return sn.Tracks[i], true
}

// Intent returns the aircraft's flight intent, or nil when none is filed
func (sn Snapshot) Intent(id string) *types.FlightIntent {
	in, ok := sn.Intents[id]
	if !ok {
		return nil
	}
	return &in
}
