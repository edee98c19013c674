package alerter

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sepwatch/sepwatch/internal/config"
	"github.com/sepwatch/sepwatch/internal/types"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type sent struct {
	key      string
	event    string
	priority types.Priority
	channels []string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeSender) Enqueue(a types.Alert, event string, channels []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{key: a.Key, event: event, priority: a.Priority, channels: channels})
}

func (f *fakeSender) events() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Alerts.Channels = map[string]config.ChannelConfig{
		"ops":   {Type: "apprise", URLEnv: "OPS_URL"},
		"pager": {Type: "apprise", URLEnv: "PAGER_URL"},
	}
	cfg.Alerts.AlertRules = map[string]config.AlertRule{
		"emergency": {Channels: []string{"ops", "pager"}},
		"default":   {Channels: []string{"ops"}},
	}
	return cfg
}

func conflict(a, b string, sev types.Severity, urg types.Urgency, resolvable bool) types.Conflict {
	key, first, second := types.PairKey(a, b)
	c := types.Conflict{
		ID: key, AircraftA: first, AircraftB: second,
		Severity: sev, Urgency: urg, MinHorizontalNM: 2, TimeToConflictSec: 60,
		Sector: "S1", Resolutions: []types.ResolutionSuggestion{},
	}
	if resolvable {
		c.Resolutions = append(c.Resolutions, types.ResolutionSuggestion{Maneuver: types.ManeuverAltitude, AircraftID: first, Magnitude: 1000, Priority: 1, Resolves: true})
	}
	return c
}

func findKey(alerts []types.Alert, key string) (types.Alert, bool) {
	for _, a := range alerts {
		if a.Key == key {
			return a, true
		}
	}
	return types.Alert{}, false
}

func TestDispatchConflictLifecycle(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(testConfig(), sender, zerolog.Nop())
	defer d.Stop()

	c := conflict("B", "A", types.SeverityHigh, types.UrgencyHigh, true)
	alerts := d.Dispatch(t0, []types.Conflict{c}, nil)
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}
	first := alerts[0]
	if first.Key != "conflict:A|B" || first.Priority != types.PriorityHigh || first.Kind != types.KindWarning || first.Escalated {
		t.Fatalf("unexpected alert: %+v", first)
	}
	if first.Source.Kind != types.SourceConflict || first.Source.Ref != "A|B" || first.ID == "" {
		t.Fatalf("unexpected source/id: %+v", first)
	}

	// Same conflict next cycle: updated in place, never duplicated.
	c.TimeToConflictSec = 45
	alerts = d.Dispatch(t0.Add(time.Second), []types.Conflict{c}, nil)
	if len(alerts) != 1 || alerts[0].ID != first.ID {
		t.Fatalf("alert duplicated or re-created: %+v", alerts)
	}
	if !alerts[0].UpdatedAt.Equal(t0.Add(time.Second)) || !alerts[0].CreatedAt.Equal(t0) {
		t.Fatalf("timestamps wrong: %+v", alerts[0])
	}

	// Unchanged content keeps UpdatedAt.
	alerts = d.Dispatch(t0.Add(2*time.Second), []types.Conflict{c}, nil)
	if !alerts[0].UpdatedAt.Equal(t0.Add(time.Second)) {
		t.Fatalf("UpdatedAt bumped without a change")
	}

	alerts = d.Dispatch(t0.Add(3*time.Second), nil, nil)
	if len(alerts) != 0 {
		t.Fatalf("alert should be removed when the conflict disappears: %+v", alerts)
	}
	if _, err := d.Acknowledge(first.ID, t0); !errors.Is(err, ErrUnknownAlert) {
		t.Fatalf("expected ErrUnknownAlert for removed alert, got %v", err)
	}

	if got := sender.events(); len(got) != 1 || got[0].event != "fired" {
		t.Fatalf("expected one fired notification, got %+v", got)
	}
}

func TestDispatchEscalatesWithoutResolution(t *testing.T) {
	sender := &fakeSender{}
	d := NewDispatcher(testConfig(), sender, zerolog.Nop())
	defer d.Stop()

	alerts := d.Dispatch(t0, []types.Conflict{
		conflict("A", "B", types.SeverityCritical, types.UrgencyUrgent, false),
		conflict("C", "D", types.SeverityMedium, types.UrgencyNormal, false),
		conflict("E", "F", types.SeverityMedium, types.UrgencyNormal, true),
	}, nil)

	ab, _ := findKey(alerts, "conflict:A|B")
	cd, _ := findKey(alerts, "conflict:C|D")
	ef, _ := findKey(alerts, "conflict:E|F")
	if ab.Priority != types.PriorityEmergency || !ab.Escalated || ab.Kind != types.KindError {
		t.Fatalf("critical without resolution should be emergency: %+v", ab)
	}
	if cd.Priority != types.PriorityHigh || !cd.Escalated {
		t.Fatalf("medium without resolution should be high: %+v", cd)
	}
	if ef.Priority != types.PriorityMedium || ef.Escalated || ef.Kind != types.KindInfo {
		t.Fatalf("medium with resolution should stay medium: %+v", ef)
	}
	if alerts[0].Key != "conflict:A|B" {
		t.Fatalf("alerts not ordered by priority: first=%s", alerts[0].Key)
	}

	var pagerSent bool
	for _, s := range sender.events() {
		if s.key == "conflict:A|B" && len(s.channels) == 2 {
			pagerSent = true
		}
	}
	if !pagerSent {
		t.Fatalf("emergency alert should route to the emergency rule: %+v", sender.events())
	}
}

func TestConflictPriority(t *testing.T) {
	cases := []struct {
		sev  types.Severity
		urg  types.Urgency
		want types.Priority
	}{
		{types.SeverityCritical, types.UrgencyNormal, types.PriorityCritical},
		{types.SeverityMedium, types.UrgencyImmediate, types.PriorityCritical},
		{types.SeverityHigh, types.UrgencyNormal, types.PriorityHigh},
		{types.SeverityMedium, types.UrgencyUrgent, types.PriorityHigh},
		{types.SeverityMedium, types.UrgencyNormal, types.PriorityMedium},
		{types.SeverityNone, types.UrgencyHigh, types.PriorityMedium},
		{types.SeverityNone, types.UrgencyNormal, types.PriorityLow},
	}
	for _, tc := range cases {
		if got := ConflictPriority(tc.sev, tc.urg); got != tc.want {
			t.Fatalf("ConflictPriority(%s,%s)=%s want %s", tc.sev, tc.urg, got, tc.want)
		}
	}
}

func TestDispatchSectorAlerts(t *testing.T) {
	d := NewDispatcher(testConfig(), nil, zerolog.Nop())
	defer d.Stop()

	sectors := []types.Sector{
		{ID: "S1", Status: types.StatusWarning, CurrentAircraft: 15, MaxAircraft: 20, Utilization: 0.75},
		{ID: "S2", Status: types.StatusNormal},
		{ID: types.UnsectoredID, Status: types.StatusCritical},
	}
	alerts := d.Dispatch(t0, nil, sectors)
	if len(alerts) != 1 || alerts[0].Key != "sector:S1" || alerts[0].Kind != types.KindWarning || alerts[0].Priority != types.PriorityMedium {
		t.Fatalf("unexpected sector alerts: %+v", alerts)
	}
	id := alerts[0].ID

	sectors[0].Status = types.StatusCritical
	alerts = d.Dispatch(t0.Add(time.Second), nil, sectors)
	if len(alerts) != 1 || alerts[0].ID != id || alerts[0].Kind != types.KindError || alerts[0].Priority != types.PriorityHigh {
		t.Fatalf("sector alert not updated in place: %+v", alerts)
	}

	sectors[0].Status = types.StatusNormal
	if alerts = d.Dispatch(t0.Add(2*time.Second), nil, sectors); len(alerts) != 0 {
		t.Fatalf("sector alert should clear on normal: %+v", alerts)
	}
}

func TestAcknowledgeHoldsUntilPriorityRises(t *testing.T) {
	d := NewDispatcher(testConfig(), nil, zerolog.Nop())
	defer d.Stop()

	c := conflict("A", "B", types.SeverityMedium, types.UrgencyNormal, true)
	alerts := d.Dispatch(t0, []types.Conflict{c}, nil)
	acked, err := d.Acknowledge(alerts[0].ID, t0.Add(time.Second))
	if err != nil {
		t.Fatalf("Acknowledge() error: %v", err)
	}
	if !acked.Acknowledged || acked.AcknowledgedAt == nil {
		t.Fatalf("acknowledgement not recorded: %+v", acked)
	}

	c.TimeToConflictSec = 50
	alerts = d.Dispatch(t0.Add(2*time.Second), []types.Conflict{c}, nil)
	if !alerts[0].Acknowledged {
		t.Fatalf("acknowledgement lost on a non-raising update")
	}

	c.Severity = types.SeverityCritical
	alerts = d.Dispatch(t0.Add(3*time.Second), []types.Conflict{c}, nil)
	if alerts[0].Acknowledged || alerts[0].AcknowledgedAt != nil {
		t.Fatalf("raised alert should require a new acknowledgement: %+v", alerts[0])
	}
}

func TestSystemAlertSurvivesDispatch(t *testing.T) {
	d := NewDispatcher(testConfig(), nil, zerolog.Nop())
	defer d.Stop()

	alerts := d.RaiseSystem(t0, "cycle-timeout", "cycle exceeded deadline")
	if len(alerts) != 1 || alerts[0].Key != "system:cycle-timeout" || alerts[0].Source.Kind != types.SourceSystem {
		t.Fatalf("unexpected system alert: %+v", alerts)
	}
	if alerts = d.Dispatch(t0.Add(time.Second), nil, nil); len(alerts) != 1 {
		t.Fatalf("dispatch must not clear system alerts: %+v", alerts)
	}
	d.ClearSystem(t0.Add(2*time.Second), "cycle-timeout")
	if got := d.GetActiveAlerts(); len(got) != 0 {
		t.Fatalf("system alert not cleared: %+v", got)
	}
}

func TestDispatchSuppressesFlappingNotifications(t *testing.T) {
	sender := &fakeSender{}
	cfg := testConfig()
	cfg.Alerts.AlertBehavior.FlapThreshold = 3
	cfg.Alerts.AlertBehavior.FlapWindow = time.Minute
	d := NewDispatcher(cfg, sender, zerolog.Nop())
	defer d.Stop()

	c := []types.Conflict{conflict("A", "B", types.SeverityHigh, types.UrgencyHigh, true)}
	now := t0
	d.Dispatch(now, c, nil)   // raise 1
	d.Dispatch(now, nil, nil) // clear 2
	now = now.Add(time.Second)
	alerts := d.Dispatch(now, c, nil) // raise 3: flapping
	if !alerts[0].Flapping {
		t.Fatalf("expected flapping alert: %+v", alerts[0])
	}
	if n := len(sender.events()); n != 1 {
		t.Fatalf("flapping raise should not notify, got %d notifications", n)
	}

	// Stable for longer than the window.
	alerts = d.Dispatch(now.Add(2*time.Minute), c, nil)
	if alerts[0].Flapping {
		t.Fatalf("flapping flag should clear once stable")
	}
}

func TestEscalationManager(t *testing.T) {
	var mu sync.Mutex
	var escalated []string
	rules := map[string]EscalationRule{"pager": {Channel: "pager", Delay: 20 * time.Millisecond}}
	m := NewEscalationManager(zerolog.Nop(), rules, func(a types.Alert, channels []string) {
		mu.Lock()
		escalated = append(escalated, a.Key)
		mu.Unlock()
	})
	defer m.Stop()

	m.StartEscalation(types.Alert{Key: "conflict:A|B"}, []string{"ops", "pager"})
	m.StartEscalation(types.Alert{Key: "conflict:C|D"}, []string{"pager"})
	m.StartEscalation(types.Alert{Key: "conflict:E|F"}, []string{"ops"})
	if m.Pending() != 2 {
		t.Fatalf("pending=%d want 2", m.Pending())
	}
	m.CancelEscalation("conflict:C|D")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(escalated)
		mu.Unlock()
		if n > 0 && m.Pending() == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(escalated) != 1 || escalated[0] != "conflict:A|B" {
		t.Fatalf("escalated=%v want [conflict:A|B]", escalated)
	}
}

func TestEscalationRulesFromConfig(t *testing.T) {
	rules := EscalationRules(map[string]config.ChannelConfig{
		"ops":   {EscalationDelay: 0},
		"pager": {EscalationDelay: 90},
	})
	if len(rules) != 1 || rules["pager"].Delay != 90*time.Second {
		t.Fatalf("unexpected rules: %+v", rules)
	}
}
