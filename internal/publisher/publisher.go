// Package publisher holds the externally visible snapshot and fans out
// per-cycle deltas to subscribers.
package publisher

import (
	"errors"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brunoga/deep"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sepwatch/sepwatch/internal/track"
	"github.com/sepwatch/sepwatch/internal/types"
)

// ErrSlowSubscriber is reported on a subscription that was closed because
// it fell behind. The consumer may subscribe again.
var ErrSlowSubscriber = errors.New("subscriber too slow")

// Stats describes engine health at the time a snapshot was produced
type Stats struct {
	Cycles             uint64      `json:"cycles"`
	Timeouts           uint64      `json:"timeouts"`
	LastCycleMs        float64     `json:"last_cycle_ms"`
	CachedTrajectories int         `json:"cached_trajectories"`
	Ingest             track.Stats `json:"ingest"`
}

// Snapshot is one complete, consistent cycle result. Published snapshots
// are shared between readers and must not be modified.
type Snapshot struct {
	Generation    uint64               `json:"generation"`
	GeneratedAt   time.Time            `json:"generated_at"`
	Stale         bool                 `json:"stale"`
	Tracks        []types.Track        `json:"tracks"`
	Conflicts     []types.Conflict     `json:"conflicts"`
	Sectors       []types.Sector       `json:"sectors"`
	Reassignments []types.Reassignment `json:"reassignments"`
	Alerts        []types.Alert        `json:"alerts"`
	Stats         Stats                `json:"stats"`
}

// Clone returns a deep copy that the caller may modify
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := deep.MustCopy(*s)
	return &c
}

// Delta is the change between two consecutive generations. A Full delta
// carries the complete snapshot and replaces any client state.
type Delta struct {
	Generation           uint64               `json:"generation"`
	GeneratedAt          time.Time            `json:"generated_at"`
	Stale                bool                 `json:"stale"`
	Full                 bool                 `json:"full"`
	Snapshot             *Snapshot            `json:"snapshot,omitempty"`
	Tracks               []types.Track        `json:"tracks,omitempty"`
	RemovedTracks        []string             `json:"removed_tracks,omitempty"`
	Conflicts            []types.Conflict     `json:"conflicts,omitempty"`
	RemovedConflicts     []string             `json:"removed_conflicts,omitempty"`
	Sectors              []types.Sector       `json:"sectors,omitempty"`
	RemovedSectors       []string             `json:"removed_sectors,omitempty"`
	Reassignments        []types.Reassignment `json:"reassignments,omitempty"`
	RemovedReassignments []string             `json:"removed_reassignments,omitempty"`
	Alerts               []types.Alert        `json:"alerts,omitempty"`
	RemovedAlerts        []string             `json:"removed_alerts,omitempty"`
	Stats                Stats                `json:"stats"`
}

// Empty reports whether the delta carries no record changes
func (d Delta) Empty() bool {
	return !d.Full &&
		len(d.Tracks)+len(d.RemovedTracks)+
			len(d.Conflicts)+len(d.RemovedConflicts)+
			len(d.Sectors)+len(d.RemovedSectors)+
			len(d.Reassignments)+len(d.RemovedReassignments)+
			len(d.Alerts)+len(d.RemovedAlerts) == 0
}

// Subscription receives one Delta per published generation
type Subscription struct {
	ID string
	C  <-chan Delta

	ch  chan Delta
	err atomic.Pointer[error]
}

// Err returns ErrSlowSubscriber once the publisher dropped the subscription
func (s *Subscription) Err() error {
	if e := s.err.Load(); e != nil {
		return *e
	}
	return nil
}

// Publisher atomically replaces the current snapshot. Reads never block on
// a publish.
type Publisher struct {
	logger  zerolog.Logger
	current atomic.Pointer[Snapshot]

	mu   sync.Mutex
	subs map[string]*Subscription
}

// New creates a publisher with no snapshot and no subscribers
func New(logger zerolog.Logger) *Publisher {
	return &Publisher{
		logger: logger,
		subs:   make(map[string]*Subscription),
	}
}

// Current returns the latest published snapshot, or nil before the first
// publish. The result must not be modified.
func (p *Publisher) Current() *Snapshot {
	return p.current.Load()
}

// Publish installs next as the current snapshot, assigning its generation
// and carrying conflict detection times over from the previous generation.
// next must not be modified afterwards.
func (p *Publisher) Publish(next *Snapshot) Delta {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.current.Load()
	next.Generation = 1
	if prev != nil {
		next.Generation = prev.Generation + 1
		detected := make(map[string]time.Time, len(prev.Conflicts))
		for _, c := range prev.Conflicts {
			detected[c.ID] = c.DetectedAt
		}
		for i := range next.Conflicts {
			if at, ok := detected[next.Conflicts[i].ID]; ok {
				next.Conflicts[i].DetectedAt = at
			}
		}
	}
	p.current.Store(next)

	delta := Diff(prev, next)
	for id, sub := range p.subs {
		select {
		case sub.ch <- delta:
		default:
			p.logger.Warn().Str("subscription", id).Msg("Dropping slow subscriber")
			err := ErrSlowSubscriber
			sub.err.Store(&err)
			delete(p.subs, id)
			close(sub.ch)
		}
	}
	return delta
}

// Subscribe registers a subscriber. Its first message is a full resync of
// the current snapshot, if any.
func (p *Publisher) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan Delta, buffer+1)
	sub := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cur := p.current.Load(); cur != nil {
		ch <- Diff(nil, cur)
	}
	p.subs[sub.ID] = sub
	p.logger.Debug().Str("subscription", sub.ID).Msg("Subscriber added")
	return sub
}

// Unsubscribe removes a subscription and closes its channel. It has no
// effect on other subscribers or on the engine.
func (p *Publisher) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.subs[sub.ID]; ok {
		delete(p.subs, sub.ID)
		close(sub.ch)
		p.logger.Debug().Str("subscription", sub.ID).Msg("Subscriber removed")
	}
}

// Subscribers returns the number of active subscriptions
func (p *Publisher) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Diff computes the delta from prev to next. A nil prev yields a full resync.
func Diff(prev, next *Snapshot) Delta {
	d := Delta{
		Generation:  next.Generation,
		GeneratedAt: next.GeneratedAt,
		Stale:       next.Stale,
		Stats:       next.Stats,
	}
	if prev == nil {
		d.Full = true
		d.Snapshot = next
		return d
	}
	d.Tracks, d.RemovedTracks = diff(prev.Tracks, next.Tracks, func(t types.Track) string { return t.ID })
	d.Conflicts, d.RemovedConflicts = diff(prev.Conflicts, next.Conflicts, func(c types.Conflict) string { return c.ID })
	d.Sectors, d.RemovedSectors = diff(prev.Sectors, next.Sectors, func(s types.Sector) string { return s.ID })
	d.Reassignments, d.RemovedReassignments = diff(prev.Reassignments, next.Reassignments, func(r types.Reassignment) string { return r.AircraftID })
	d.Alerts, d.RemovedAlerts = diff(prev.Alerts, next.Alerts, func(a types.Alert) string { return a.ID })
	return d
}

func diff[T any](prev, next []T, id func(T) string) (upserted []T, removed []string) {
	old := make(map[string]T, len(prev))
	for _, v := range prev {
		old[id(v)] = v
	}
	for _, v := range next {
		k := id(v)
		if o, ok := old[k]; !ok || !reflect.DeepEqual(o, v) {
			upserted = append(upserted, v)
		}
		delete(old, k)
	}
	for k := range old {
		removed = append(removed, k)
	}
	sort.Strings(removed)
	return upserted, removed
}
