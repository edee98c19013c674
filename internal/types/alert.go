package types

import "time"

// AlertKind is the display class of an alert
type AlertKind string

const (
	KindInfo    AlertKind = "info"
	KindWarning AlertKind = "warning"
	KindError   AlertKind = "error"
)

// SourceKind names what raised an alert
type SourceKind string

const (
	SourceConflict SourceKind = "conflict"
	SourceSector   SourceKind = "sector"
	SourceSystem   SourceKind = "system"
)

// AlertSource references the entity behind an alert
type AlertSource struct {
	Kind SourceKind `json:"kind"`
	Ref  string     `json:"ref"`
}

// Priority orders alerts for operator attention
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
	PriorityEmergency
)

var priorityNames = map[Priority]string{
	PriorityLow:       "low",
	PriorityMedium:    "medium",
	PriorityHigh:      "high",
	PriorityCritical:  "critical",
	PriorityEmergency: "emergency",
}

func (p Priority) String() string {
	if n, ok := priorityNames[p]; ok {
		return n
	}
	return "unknown"
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	for k, v := range priorityNames {
		if v == string(b) {
			*p = k
			return nil
		}
	}
	*p = PriorityLow
	return nil
}

// Raise returns the next priority level, saturating at emergency
func (p Priority) Raise() Priority {
	if p >= PriorityEmergency {
		return PriorityEmergency
	}
	return p + 1
}

// Alert represents an active alert. Alerts are removed, not resolved, when
// their source condition clears.
type Alert struct {
	ID             string      `json:"id"`
	Key            string      `json:"key"`
	Kind           AlertKind   `json:"kind"`
	Message        string      `json:"message"`
	Source         AlertSource `json:"source"`
	Priority       Priority    `json:"priority"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	Acknowledged   bool        `json:"acknowledged"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty"`
	Escalated      bool        `json:"escalated"`
	Flapping       bool        `json:"flapping"`
}
