package config

import (
	"time"

	"github.com/sepwatch/sepwatch/internal/types"
)

// Config represents the complete sepwatch configuration
type Config struct {
	Engine     EngineConfig          `yaml:"engine"`
	Prediction PredictionConfig      `yaml:"prediction"`
	Separation SeparationConfig      `yaml:"separation"`
	Thresholds ThresholdConfig       `yaml:"thresholds"`
	Resolution ResolutionConfig      `yaml:"resolution"`
	Complexity ComplexityConfig      `yaml:"complexity"`
	Aircraft   AircraftConfig        `yaml:"aircraft"`
	Feeds      map[string]FeedConfig `yaml:"feeds,omitempty"`
	API        APIConfig             `yaml:"api"`
	Logging    LoggingConfig         `yaml:"logging"`

	Sectors []SectorConfig `yaml:"-"`
	Alerts  AlertConfig    `yaml:"-"`
}

// EngineConfig controls the detection cycle
type EngineConfig struct {
	CyclePeriod   time.Duration `yaml:"cycle_period"`
	CycleDeadline time.Duration `yaml:"cycle_deadline"`
	TrackTTL      time.Duration `yaml:"track_ttl"`
	MaxParallel   int           `yaml:"max_parallel"`
}

// PredictionConfig controls trajectory prediction
type PredictionConfig struct {
	Horizon   time.Duration `yaml:"horizon"`
	Step      time.Duration `yaml:"step"`
	CeilingFt float64       `yaml:"ceiling_ft"`
	CacheSize int           `yaml:"cache_size"`
}

// SeparationConfig defines separation minima and partitioning
type SeparationConfig struct {
	MinHorizontalNM   float64 `yaml:"min_horizontal_nm"`
	MinVerticalFt     float64 `yaml:"min_vertical_ft"`
	AdjacencyMarginNM float64 `yaml:"adjacency_margin_nm"`

	// WakeSeparationNM is the wake turbulence minimum per aircraft class.
	// A pair is held to the larger of MinHorizontalNM and both classes' values.
	WakeSeparationNM map[string]float64 `yaml:"wake_separation_nm"`
}

// ThresholdConfig maps distance and time to severity and urgency
type ThresholdConfig struct {
	Severity SeverityThresholds `yaml:"severity"`
	Urgency  UrgencyThresholds  `yaml:"urgency"`
}

// SeverityThresholds are upper bounds on minimum distance, in nm
type SeverityThresholds struct {
	CriticalNM float64 `yaml:"critical_nm"`
	HighNM     float64 `yaml:"high_nm"`
	MediumNM   float64 `yaml:"medium_nm"`
}

// UrgencyThresholds are upper bounds on time to conflict
type UrgencyThresholds struct {
	Immediate time.Duration `yaml:"immediate"`
	Urgent    time.Duration `yaml:"urgent"`
	High      time.Duration `yaml:"high"`
}

// ResolutionConfig bounds the advisor's search
type ResolutionConfig struct {
	MaxAltitudeSteps int     `yaml:"max_altitude_steps"`
	SpeedStepKt      float64 `yaml:"speed_step_kt"`
	MaxSpeedSteps    int     `yaml:"max_speed_steps"`
	HeadingStepDeg   float64 `yaml:"heading_step_deg"`
	MaxHeadingDeg    float64 `yaml:"max_heading_deg"`
}

// ComplexityConfig defines the per-aircraft workload score
type ComplexityConfig struct {
	ConflictIncrement  float64            `yaml:"conflict_increment"`
	VerticalRateFactor float64            `yaml:"vertical_rate_factor"`
	ClassWeights       map[string]float64 `yaml:"class_weights"`
}

// AircraftConfig maps type designators to classes and classes to limits
type AircraftConfig struct {
	DefaultClass string                             `yaml:"default_class"`
	TypeClasses  map[string]string                  `yaml:"type_classes"`
	ClassLimits  map[string]types.PerformanceLimits `yaml:"class_limits"`
}

// FeedConfig defines an upstream gNMI surveillance feed
type FeedConfig struct {
	Address     string `yaml:"address"`
	Port        int    `yaml:"port"`
	Username    string `yaml:"username,omitempty"`
	PasswordEnv string `yaml:"password_env,omitempty"`
	TLS         bool   `yaml:"tls,omitempty"`
	CAFile      string `yaml:"ca_file,omitempty"`
}

// APIConfig defines listening addresses
type APIConfig struct {
	Listen     string `yaml:"listen"`
	GRPCListen string `yaml:"grpc_listen"`
}

// LoggingConfig defines optional file logging
type LoggingConfig struct {
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
}

// SectorConfig is one sector definition from sectors.yaml
type SectorConfig struct {
	ID            string       `yaml:"id"`
	Name          string       `yaml:"name"`
	FloorFt       float64      `yaml:"floor_ft"`
	CeilingFt     float64      `yaml:"ceiling_ft"`
	MaxAircraft   int          `yaml:"max_aircraft"`
	MaxComplexity float64      `yaml:"max_complexity"`
	Boundary      [][2]float64 `yaml:"boundary"` // [lat, lon] pairs
}

type sectorsFile struct {
	Sectors []SectorConfig `yaml:"sectors"`
}

// AlertConfig defines alert routing and behavior
type AlertConfig struct {
	Channels      map[string]ChannelConfig `yaml:"channels"`
	AlertRules    map[string]AlertRule     `yaml:"alert_rules"`
	AlertBehavior AlertBehavior            `yaml:"alert_behavior"`
}

// ChannelConfig defines a notification channel
type ChannelConfig struct {
	Type            string `yaml:"type"`
	URLEnv          string `yaml:"url_env"`
	EscalationDelay int    `yaml:"escalation_delay,omitempty"` // seconds
}

// AlertRule defines routing rules for alerts of one priority
type AlertRule struct {
	Channels []string `yaml:"channels"`
}

// AlertBehavior defines alert behavior settings
type AlertBehavior struct {
	FlapThreshold int           `yaml:"flap_threshold"`
	FlapWindow    time.Duration `yaml:"flap_window"`
}
