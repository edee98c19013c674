package types

import (
	"strings"
	"time"
)

// ConflictType classifies the geometry of a conflict
type ConflictType string

const (
	ConflictSeparation ConflictType = "separation"
	ConflictAltitude   ConflictType = "altitude"
	ConflictSpeed      ConflictType = "speed"
)

// Severity is derived from the minimum predicted horizontal distance.
// The zero value means "no conflict".
type Severity int

const (
	SeverityNone Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityNone:     "none",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if n, ok := severityNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	*s = SeverityNone
	for k, v := range severityNames {
		if v == strings.ToLower(string(b)) {
			*s = k
		}
	}
	return nil
}

// Urgency is derived from the time to conflict
type Urgency int

const (
	UrgencyNormal Urgency = iota
	UrgencyHigh
	UrgencyUrgent
	UrgencyImmediate
)

var urgencyNames = map[Urgency]string{
	UrgencyNormal:    "normal",
	UrgencyHigh:      "high",
	UrgencyUrgent:    "urgent",
	UrgencyImmediate: "immediate",
}

func (u Urgency) String() string {
	if n, ok := urgencyNames[u]; ok {
		return n
	}
	return "unknown"
}

func (u Urgency) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

func (u *Urgency) UnmarshalText(b []byte) error {
	*u = UrgencyNormal
	for k, v := range urgencyNames {
		if v == strings.ToLower(string(b)) {
			*u = k
		}
	}
	return nil
}

// TimelinePoint is one sample of a conflict's predicted evolution
type TimelinePoint struct {
	OffsetSec    float64 `json:"offset_sec"`
	HorizontalNM float64 `json:"horizontal_nm"`
	VerticalFt   float64 `json:"vertical_ft"`
	Violating    bool    `json:"violating"`
}

// ManeuverType is the kind of maneuver a resolution asks for
type ManeuverType string

const (
	ManeuverAltitude ManeuverType = "altitude"
	ManeuverSpeed    ManeuverType = "speed"
	ManeuverHeading  ManeuverType = "heading"
)

// ResolutionSuggestion is an advisory, hypothetical maneuver. Magnitude is
// signed: feet for altitude, knots for speed, degrees (positive = right) for heading.
type ResolutionSuggestion struct {
	Maneuver    ManeuverType `json:"maneuver"`
	AircraftID  string       `json:"aircraft_id"`
	Magnitude   float64      `json:"magnitude"`
	Priority    int          `json:"priority"`
	Resolves    bool         `json:"resolves"`
	Description string       `json:"description"`
}

// Conflict is a predicted loss of separation between two aircraft.
// AircraftA < AircraftB always holds.
type Conflict struct {
	ID                  string                 `json:"id"`
	AircraftA           string                 `json:"aircraft_a"`
	AircraftB           string                 `json:"aircraft_b"`
	Type                ConflictType           `json:"type"`
	Severity            Severity               `json:"severity"`
	Urgency             Urgency                `json:"urgency"`
	MinHorizontalNM     float64                `json:"min_horizontal_nm"`
	VerticalSepFt       float64                `json:"vertical_sep_ft"`
	TimeToConflictSec   float64                `json:"time_to_conflict_sec"`
	LossOfSeparationSec float64                `json:"loss_of_separation_sec"`
	Timeline            []TimelinePoint        `json:"timeline"`
	Resolutions         []ResolutionSuggestion `json:"resolutions"`
	Sector              string                 `json:"sector"`
	DetectedAt          time.Time              `json:"detected_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
}

// PairKey canonicalizes an unordered aircraft pair so (a,b) and (b,a) share
// the same key. The returned first and second IDs are in lexicographic order.
func PairKey(a, b string) (key, first, second string) {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b, a, b
}

// Involves reports whether the conflict references the given aircraft
func (c *Conflict) Involves(id string) bool {
	return c.AircraftA == id || c.AircraftB == id
}
