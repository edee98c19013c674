// Package predictor extrapolates tracks over a short horizon, following filed
// flight intent when present and constant velocity otherwise.
package predictor

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sepwatch/sepwatch/internal/types"
)

// Config sets the prediction horizon, sampling step and cache bounds
type Config struct {
	Horizon   time.Duration
	Step      time.Duration
	CeilingFt float64
	// CacheSize bounds the number of memoized trajectories.
	CacheSize int
	// CacheTTL evicts trajectories of aircraft that stopped reporting.
	CacheTTL time.Duration
}

// Trajectory is a sampled prediction plus the continuous model behind it.
// It is immutable once built and safe for concurrent use.
type Trajectory struct {
	AircraftID   string
	AircraftType string
	States       []types.PredictedState
	m            *model
}

// At evaluates the trajectory at an arbitrary offset in seconds
func (tr *Trajectory) At(offsetSec float64) types.PredictedState {
	return tr.m.state(tr.AircraftID, offsetSec)
}

// HorizonSec is the offset of the last sample
func (tr *Trajectory) HorizonSec() float64 {
	if len(tr.States) == 0 {
		return 0
	}
	return tr.States[len(tr.States)-1].OffsetSec
}

type cacheKey struct {
	track    types.Track
	revision uint64
}

// Predictor builds trajectories with the configured horizon and step and
// memoizes them per track sequence and intent revision.
type Predictor struct {
	cfg   Config
	cache *expirable.LRU[cacheKey, *Trajectory]
}

// New creates a predictor, filling unset fields of cfg with defaults
func New(cfg Config) *Predictor {
	if cfg.Horizon <= 0 {
		cfg.Horizon = 300 * time.Second
	}
	if cfg.Step <= 0 {
		cfg.Step = 15 * time.Second
	}
	if cfg.CeilingFt <= 0 {
		cfg.CeilingFt = 60000
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 2 * time.Minute
	}
	return &Predictor{
		cfg:   cfg,
		cache: expirable.NewLRU[cacheKey, *Trajectory](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

// Config returns the effective configuration
func (p *Predictor) Config() Config {
	return p.cfg
}

// Trajectory returns the memoized prediction for t, building it on a miss
func (p *Predictor) Trajectory(t types.Track, intent *types.FlightIntent) *Trajectory {
	key := cacheKey{track: t}
	if intent != nil {
		key.revision = intent.Revision
	}
	if tr, ok := p.cache.Get(key); ok {
		return tr
	}
	tr := p.Hypothetical(t, intent)
	p.cache.Add(key, tr)
	return tr
}

// Hypothetical builds a trajectory without touching the cache. Used for
// what-if states that never exist in the track store.
func (p *Predictor) Hypothetical(t types.Track, intent *types.FlightIntent) *Trajectory {
	return build(t, intent, p.cfg.Horizon, p.cfg.Step, p.cfg.CeilingFt)
}

// CacheLen returns the number of memoized trajectories
func (p *Predictor) CacheLen() int {
	return p.cache.Len()
}

// Predict samples the trajectory of t every step up to horizon inclusive,
// returning floor(horizon/step)+1 states.
func Predict(t types.Track, intent *types.FlightIntent, horizon, step time.Duration, ceilingFt float64) []types.PredictedState {
	return build(t, intent, horizon, step, ceilingFt).States
}

// StateAt evaluates the continuous prediction of t at offsetSec
func StateAt(t types.Track, intent *types.FlightIntent, offsetSec, ceilingFt float64) types.PredictedState {
	return newModel(t, intent, ceilingFt).state(t.ID, offsetSec)
}

func build(t types.Track, intent *types.FlightIntent, horizon, step time.Duration, ceilingFt float64) *Trajectory {
	m := newModel(t, intent, ceilingFt)
	if step <= 0 || step > horizon {
		step = horizon
	}
	n := 1
	if step > 0 {
		n = int(horizon/step) + 1
	}
	states := make([]types.PredictedState, n)
	stepSec := step.Seconds()
	for i := range states {
		states[i] = m.state(t.ID, float64(i)*stepSec)
	}
	return &Trajectory{AircraftID: t.ID, AircraftType: t.Type, States: states, m: m}
}
