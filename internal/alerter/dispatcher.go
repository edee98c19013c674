package alerter

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sepwatch/sepwatch/internal/config"
	"github.com/sepwatch/sepwatch/internal/types"
)

// ErrUnknownAlert is returned when acknowledging an alert that is not active
var ErrUnknownAlert = errors.New("unknown alert")

const (
	conflictPrefix = "conflict:"
	sectorPrefix   = "sector:"
	systemPrefix   = "system:"
)

// Sender delivers alert notifications without blocking the caller
type Sender interface {
	Enqueue(alert types.Alert, event string, channels []string)
}

// Dispatcher manages alert lifecycle and routing. It holds exactly one
// alert per key; alerts are removed when their source condition clears.
type Dispatcher struct {
	config     *config.Config
	sender     Sender
	escalation *EscalationManager
	flap       *FlapDetector
	logger     zerolog.Logger

	mu     sync.RWMutex
	active map[string]*types.Alert // key -> alert
	byID   map[string]string       // id -> key
}

// NewDispatcher creates a new alert dispatcher. sender may be nil.
func NewDispatcher(cfg *config.Config, sender Sender, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		config: cfg,
		sender: sender,
		logger: logger,
		active: make(map[string]*types.Alert),
		byID:   make(map[string]string),
	}
	d.flap = NewFlapDetector(logger, cfg.Alerts.AlertBehavior.FlapThreshold, cfg.Alerts.AlertBehavior.FlapWindow)
	d.escalation = NewEscalationManager(logger, EscalationRules(cfg.Alerts.Channels), func(alert types.Alert, channels []string) {
		if d.sender != nil {
			d.sender.Enqueue(alert, "escalated", channels)
		}
	})
	return d
}

// Dispatch reconciles conflict and sector alerts with one cycle's results
// and returns every active alert. System alerts are left untouched.
func (d *Dispatcher) Dispatch(now time.Time, conflicts []types.Conflict, sectors []types.Sector) []types.Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[string]struct{}, len(conflicts)+len(sectors))
	for i := range conflicts {
		next := conflictAlert(&conflicts[i])
		seen[next.Key] = struct{}{}
		d.upsert(now, next)
	}
	for i := range sectors {
		s := &sectors[i]
		if s.Unsectored() || s.Status == types.StatusNormal {
			continue
		}
		next := sectorAlert(s)
		seen[next.Key] = struct{}{}
		d.upsert(now, next)
	}

	for key := range d.active {
		if !strings.HasPrefix(key, conflictPrefix) && !strings.HasPrefix(key, sectorPrefix) {
			continue
		}
		if _, ok := seen[key]; !ok {
			d.remove(now, key)
		}
	}

	for key, a := range d.active {
		if a.Flapping && d.flap.CheckStable(key, now) {
			a.Flapping = false
		}
	}
	d.flap.Cleanup(now)

	return d.list()
}

// RaiseSystem creates or refreshes the system alert named ref
func (d *Dispatcher) RaiseSystem(now time.Time, ref, message string) []types.Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.upsert(now, types.Alert{
		Key:      systemPrefix + ref,
		Kind:     types.KindError,
		Message:  message,
		Source:   types.AlertSource{Kind: types.SourceSystem, Ref: ref},
		Priority: types.PriorityCritical,
	})
	return d.list()
}

// ClearSystem removes the system alert named ref, if active
func (d *Dispatcher) ClearSystem(now time.Time, ref string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.active[systemPrefix+ref]; ok {
		d.remove(now, systemPrefix+ref)
	}
}

// Acknowledge marks an alert as seen by an operator and stops its
// escalation. Acknowledgement holds until the alert's priority rises.
func (d *Dispatcher) Acknowledge(id string, now time.Time) (types.Alert, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key, ok := d.byID[id]
	if !ok {
		return types.Alert{}, fmt.Errorf("%w: %s", ErrUnknownAlert, id)
	}
	a := d.active[key]
	if !a.Acknowledged {
		a.Acknowledged = true
		ts := now
		a.AcknowledgedAt = &ts
		a.UpdatedAt = now
		d.escalation.CancelEscalation(key)
		d.logger.Info().Str("alert_id", id).Str("key", key).Msg("Alert acknowledged")
	}
	return *a, nil
}

// GetActiveAlerts returns all active alerts, highest priority first
func (d *Dispatcher) GetActiveAlerts() []types.Alert {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.list()
}

// Stop cancels pending escalations
func (d *Dispatcher) Stop() {
	d.escalation.Stop()
}

func (d *Dispatcher) upsert(now time.Time, next types.Alert) {
	cur, exists := d.active[next.Key]
	if !exists {
		next.ID = uuid.NewString()
		next.CreatedAt = now
		next.UpdatedAt = now
		next.Flapping, _ = d.flap.RecordChange(next.Key, now)
		a := &next
		d.active[a.Key] = a
		d.byID[a.ID] = a.Key

		d.logger.Info().
			Str("alert_id", a.ID).
			Str("key", a.Key).
			Str("priority", a.Priority.String()).
			Msg("Alert fired")
		d.notify(a, "fired")
		return
	}

	if cur.Kind == next.Kind && cur.Message == next.Message && cur.Priority == next.Priority && cur.Escalated == next.Escalated {
		return
	}
	raised := next.Priority > cur.Priority
	cur.Kind = next.Kind
	cur.Message = next.Message
	cur.Priority = next.Priority
	cur.Escalated = next.Escalated
	cur.UpdatedAt = now
	if raised {
		cur.Acknowledged = false
		cur.AcknowledgedAt = nil
		d.logger.Info().
			Str("alert_id", cur.ID).
			Str("key", cur.Key).
			Str("priority", cur.Priority.String()).
			Msg("Alert priority raised")
		d.notify(cur, "raised")
	}
}

func (d *Dispatcher) remove(now time.Time, key string) {
	a := d.active[key]
	delete(d.active, key)
	delete(d.byID, a.ID)
	d.escalation.CancelEscalation(key)
	d.flap.RecordChange(key, now)

	d.logger.Info().
		Str("alert_id", a.ID).
		Str("key", key).
		Dur("duration", now.Sub(a.CreatedAt)).
		Msg("Alert cleared")
}

func (d *Dispatcher) notify(a *types.Alert, event string) {
	if a.Flapping {
		d.logger.Debug().Str("key", a.Key).Msg("Suppressing notification for flapping alert")
		return
	}
	channels := d.getChannelsForPriority(a.Priority)
	if len(channels) == 0 || d.sender == nil {
		return
	}
	d.sender.Enqueue(*a, event, channels)
	if !a.Acknowledged {
		d.escalation.StartEscalation(*a, channels)
	}
}

// getChannelsForPriority returns notification channels for a given priority
func (d *Dispatcher) getChannelsForPriority(p types.Priority) []string {
	// Check for priority-specific rule
	if rule, ok := d.config.Alerts.AlertRules[p.String()]; ok {
		return rule.Channels
	}

	// Fall back to default
	if rule, ok := d.config.Alerts.AlertRules["default"]; ok {
		return rule.Channels
	}

	return []string{}
}

// list copies active alerts ordered by priority desc, creation time, key
func (d *Dispatcher) list() []types.Alert {
	out := make([]types.Alert, 0, len(d.active))
	for _, a := range d.active {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// ConflictPriority maps severity and urgency to an alert priority
func ConflictPriority(sev types.Severity, urg types.Urgency) types.Priority {
	switch {
	case sev == types.SeverityCritical || urg == types.UrgencyImmediate:
		return types.PriorityCritical
	case sev == types.SeverityHigh || urg == types.UrgencyUrgent:
		return types.PriorityHigh
	case sev == types.SeverityMedium || urg == types.UrgencyHigh:
		return types.PriorityMedium
	default:
		return types.PriorityLow
	}
}

func conflictAlert(c *types.Conflict) types.Alert {
	kind := types.KindInfo
	switch c.Severity {
	case types.SeverityCritical:
		kind = types.KindError
	case types.SeverityHigh:
		kind = types.KindWarning
	}
	priority := ConflictPriority(c.Severity, c.Urgency)
	escalated := len(c.Resolutions) == 0
	msg := fmt.Sprintf("%s conflict %s/%s in %s: %.1f nm, %.0f ft in %.0fs",
		c.Severity, c.AircraftA, c.AircraftB, c.Sector, c.MinHorizontalNM, c.VerticalSepFt, c.TimeToConflictSec)
	if escalated {
		priority = priority.Raise()
		msg += " (no resolution available)"
	}
	return types.Alert{
		Key:       conflictPrefix + c.ID,
		Kind:      kind,
		Message:   msg,
		Source:    types.AlertSource{Kind: types.SourceConflict, Ref: c.ID},
		Priority:  priority,
		Escalated: escalated,
	}
}

func sectorAlert(s *types.Sector) types.Alert {
	kind, priority := types.KindWarning, types.PriorityMedium
	if s.Status == types.StatusCritical {
		kind, priority = types.KindError, types.PriorityHigh
	}
	return types.Alert{
		Key:  sectorPrefix + s.ID,
		Kind: kind,
		Message: fmt.Sprintf("Sector %s %s: %d/%d aircraft (%.0f%%), complexity %.0f%%",
			s.ID, s.Status, s.CurrentAircraft, s.MaxAircraft, s.Utilization*100, s.ComplexityUtilization*100),
		Source:   types.AlertSource{Kind: types.SourceSector, Ref: s.ID},
		Priority: priority,
	}
}
