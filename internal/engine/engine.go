// Package engine runs the periodic detection cycle and exposes the
// ingestion, query and subscription surface.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/sepwatch/sepwatch/internal/advisor"
	"github.com/sepwatch/sepwatch/internal/alerter"
	"github.com/sepwatch/sepwatch/internal/config"
	"github.com/sepwatch/sepwatch/internal/detector"
	"github.com/sepwatch/sepwatch/internal/predictor"
	"github.com/sepwatch/sepwatch/internal/publisher"
	"github.com/sepwatch/sepwatch/internal/track"
	"github.com/sepwatch/sepwatch/internal/types"
	"github.com/sepwatch/sepwatch/internal/workload"
)

// TimeoutAlertRef names the system alert raised when a cycle overruns
const TimeoutAlertRef = "cycle-timeout"

const subscriberBuffer = 16

// pipeline is everything derived from one configuration. It is replaced
// as a whole on reload.
type pipeline struct {
	cfg       *config.Config
	sectors   []types.Sector
	predictor *predictor.Predictor
	detector  *detector.Detector
	advisor   *advisor.Advisor
	monitor   *workload.Monitor
}

type result struct {
	conflicts     []types.Conflict
	sectors       []types.Sector
	reassignments []types.Reassignment
	err           error
}

// Engine owns the track store and produces one snapshot per cycle
type Engine struct {
	logger     zerolog.Logger
	store      *track.Store
	dispatcher *alerter.Dispatcher
	publisher  *publisher.Publisher

	mu   sync.RWMutex
	pipe *pipeline

	now         func() time.Time
	ready       chan struct{}
	readyOnce   sync.Once
	cycles      atomic.Uint64
	timeouts    atomic.Uint64
	lastSuccess atomic.Int64
}

// New creates an engine for cfg. sender may be nil, in which case alerts
// are tracked but never notified.
func New(cfg *config.Config, sender alerter.Sender, logger zerolog.Logger) *Engine {
	e := &Engine{
		logger: logger,
		store: track.NewStore(track.StoreConfig{
			TTL:       cfg.Engine.TrackTTL,
			CeilingFt: cfg.Prediction.CeilingFt,
		}),
		dispatcher: alerter.NewDispatcher(cfg, sender, logger.With().Str("component", "alerter").Logger()),
		publisher:  publisher.New(logger.With().Str("component", "publisher").Logger()),
		now:        func() time.Time { return time.Now().UTC() },
		ready:      make(chan struct{}),
	}
	e.pipe = e.build(cfg)
	return e
}

func (e *Engine) build(cfg *config.Config) *pipeline {
	pred := predictor.New(predictor.Config{
		Horizon:   cfg.Prediction.Horizon,
		Step:      cfg.Prediction.Step,
		CeilingFt: cfg.Prediction.CeilingFt,
		CacheSize: cfg.Prediction.CacheSize,
	})
	det := detector.NewDetector(cfg, pred, e.logger.With().Str("component", "detector").Logger())
	return &pipeline{
		cfg:       cfg,
		sectors:   cfg.SectorDefs(),
		predictor: pred,
		detector:  det,
		advisor:   advisor.NewAdvisor(cfg, det, e.logger.With().Str("component", "advisor").Logger()),
		monitor:   workload.NewMonitor(cfg, e.logger.With().Str("component", "workload").Logger()),
	}
}

func (e *Engine) current() *pipeline {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pipe
}

// Config returns the configuration of the active pipeline
func (e *Engine) Config() *config.Config {
	return e.current().cfg
}

// Reload replaces sectors, thresholds and prediction settings. The next
// cycle uses the new configuration; a cycle in flight finishes with the old.
func (e *Engine) Reload(cfg *config.Config) {
	p := e.build(cfg)
	e.mu.Lock()
	e.pipe = p
	e.mu.Unlock()
	e.logger.Info().Int("sectors", len(p.sectors)).Msg("Engine configuration reloaded")
}

// Run executes a cycle every cycle period until ctx is cancelled
func (e *Engine) Run(ctx context.Context) error {
	period := e.current().cfg.Engine.CyclePeriod
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	e.logger.Info().Dur("period", period).Msg("Engine started")
	for {
		select {
		case <-ctx.Done():
			e.dispatcher.Stop()
			e.logger.Info().Msg("Engine stopped")
			return nil
		case <-ticker.C:
			if _, err := e.RunOnce(ctx, e.now()); err != nil && !errors.Is(err, types.ErrComputationTimeout) {
				if ctx.Err() != nil {
					continue
				}
				e.logger.Error().Err(err).Msg("Cycle failed")
			}
			if p := e.current().cfg.Engine.CyclePeriod; p != period {
				period = p
				ticker.Reset(period)
			}
		}
	}
}

// RunOnce executes a single cycle at now and publishes its result. A cycle
// that overruns its deadline republishes the previous snapshot marked stale
// and returns ErrComputationTimeout.
func (e *Engine) RunOnce(ctx context.Context, now time.Time) (publisher.Delta, error) {
	p := e.current()
	snap := e.store.Snapshot(now)
	start := time.Now()

	cctx, cancel := context.WithTimeout(ctx, p.cfg.Engine.CycleDeadline)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		done <- e.compute(cctx, p, snap)
	}()

	var r result
	select {
	case r = <-done:
	case <-cctx.Done():
	}
	elapsed := time.Since(start)
	e.cycles.Add(1)

	if err := ctx.Err(); err != nil {
		return publisher.Delta{}, err
	}
	if cctx.Err() != nil || errors.Is(r.err, context.DeadlineExceeded) {
		return e.timedOut(now, p, elapsed), fmt.Errorf("cycle at %s: %w", now.Format(time.RFC3339), types.ErrComputationTimeout)
	}
	if r.err != nil {
		return publisher.Delta{}, fmt.Errorf("computing cycle: %w", r.err)
	}

	e.dispatcher.ClearSystem(now, TimeoutAlertRef)
	alerts := e.dispatcher.Dispatch(now, r.conflicts, r.sectors)

	delta := e.publisher.Publish(&publisher.Snapshot{
		GeneratedAt:   now,
		Tracks:        snap.Tracks,
		Conflicts:     r.conflicts,
		Sectors:       r.sectors,
		Reassignments: r.reassignments,
		Alerts:        alerts,
		Stats:         e.stats(p, elapsed),
	})
	e.lastSuccess.Store(now.UnixNano())
	e.readyOnce.Do(func() { close(e.ready) })

	e.logger.Debug().
		Uint64("generation", delta.Generation).
		Int("tracks", len(snap.Tracks)).
		Int("conflicts", len(r.conflicts)).
		Int("alerts", len(alerts)).
		Dur("elapsed", elapsed).
		Msg("Cycle complete")
	return delta, nil
}

func (e *Engine) compute(ctx context.Context, p *pipeline, snap track.Snapshot) result {
	conflicts, err := p.detector.Detect(ctx, snap, p.sectors)
	if err != nil {
		return result{err: fmt.Errorf("detecting conflicts: %w", err)}
	}
	conflicts, err = p.advisor.Advise(ctx, snap, p.sectors, conflicts)
	if err != nil {
		return result{err: fmt.Errorf("advising resolutions: %w", err)}
	}
	sectors := p.monitor.Evaluate(snap, p.sectors, conflicts)
	return result{
		conflicts:     conflicts,
		sectors:       sectors,
		reassignments: p.monitor.Rebalance(snap, sectors, conflicts),
	}
}

func (e *Engine) timedOut(now time.Time, p *pipeline, elapsed time.Duration) publisher.Delta {
	e.timeouts.Add(1)
	e.logger.Warn().
		Dur("deadline", p.cfg.Engine.CycleDeadline).
		Dur("elapsed", elapsed).
		Msg("Cycle exceeded deadline, result discarded")

	alerts := e.dispatcher.RaiseSystem(now, TimeoutAlertRef,
		fmt.Sprintf("detection cycle exceeded its %s deadline", p.cfg.Engine.CycleDeadline))

	next := &publisher.Snapshot{}
	if prev := e.publisher.Current(); prev != nil {
		next = prev.Clone()
	}
	next.GeneratedAt = now
	next.Stale = true
	next.Alerts = alerts
	next.Stats = e.stats(p, elapsed)
	return e.publisher.Publish(next)
}

func (e *Engine) stats(p *pipeline, elapsed time.Duration) publisher.Stats {
	return publisher.Stats{
		Cycles:             e.cycles.Load(),
		Timeouts:           e.timeouts.Load(),
		LastCycleMs:        float64(elapsed.Microseconds()) / 1000,
		CachedTrajectories: p.predictor.CacheLen(),
		Ingest:             e.store.Stats(),
	}
}

// Snapshot returns a copy of the latest snapshot, waiting for the first
// cycle if none has completed yet.
func (e *Engine) Snapshot(ctx context.Context) (*publisher.Snapshot, error) {
	if cur := e.publisher.Current(); cur != nil {
		return cur.Clone(), nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.ready:
	}
	return e.publisher.Current().Clone(), nil
}

// Current returns the latest published snapshot without copying it, or nil.
// The result must not be modified.
func (e *Engine) Current() *publisher.Snapshot {
	return e.publisher.Current()
}

// Subscribe streams one delta per cycle until ctx is cancelled or the
// subscriber falls behind, whichever comes first.
func (e *Engine) Subscribe(ctx context.Context) *publisher.Subscription {
	sub := e.publisher.Subscribe(subscriberBuffer)
	go func() {
		<-ctx.Done()
		e.publisher.Unsubscribe(sub)
	}()
	return sub
}

// Ingest applies a track update. It never waits on a running cycle.
func (e *Engine) Ingest(t types.Track) error {
	return e.store.Upsert(e.now(), t)
}

// SetIntent replaces the flight intent of an aircraft
func (e *Engine) SetIntent(intent types.FlightIntent) error {
	return e.store.SetIntent(intent)
}

// Remove drops an aircraft and its intent
func (e *Engine) Remove(id string) bool {
	return e.store.Remove(id)
}

// Acknowledge marks an active alert as seen by an operator
func (e *Engine) Acknowledge(id string) (types.Alert, error) {
	return e.dispatcher.Acknowledge(id, e.now())
}

// IngestStats returns the track store counters
func (e *Engine) IngestStats() track.Stats {
	return e.store.Stats()
}

// LastSuccess returns the time of the last cycle that met its deadline
func (e *Engine) LastSuccess() time.Time {
	ns := e.lastSuccess.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// Healthy reports whether a cycle succeeded within the last five periods
func (e *Engine) Healthy() bool {
	last := e.LastSuccess()
	if last.IsZero() {
		return false
	}
	return e.now().Sub(last) < 5*e.current().cfg.Engine.CyclePeriod
}
