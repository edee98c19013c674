package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sepwatch/sepwatch/internal/types"
	"gopkg.in/yaml.v3"
)

// Default returns a configuration with every default applied and no sectors
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig loads configuration from the directory containing path
func LoadConfig(path string) (*Config, error) {
	return LoadConfigDir(filepath.Dir(path))
}

// LoadConfigDir loads all configuration files from a directory
func LoadConfigDir(dir string) (*Config, error) {
	cfg := &Config{}

	// Load engine.yaml
	if err := loadYAML(filepath.Join(dir, "engine.yaml"), cfg); err != nil {
		return nil, fmt.Errorf("loading engine.yaml: %w", err)
	}

	// Load sectors.yaml
	var sf sectorsFile
	if err := loadYAML(filepath.Join(dir, "sectors.yaml"), &sf); err != nil {
		return nil, fmt.Errorf("loading sectors.yaml: %w", err)
	}
	cfg.Sectors = sf.Sectors

	// Load alerts.yaml (optional)
	alertsPath := filepath.Join(dir, "alerts.yaml")
	if _, err := os.Stat(alertsPath); err == nil {
		if err := loadYAML(alertsPath, &cfg.Alerts); err != nil {
			return nil, fmt.Errorf("loading alerts.yaml: %w", err)
		}
	}

	applyDefaults(cfg)

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadYAML loads a YAML file into a struct
func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

func applyDefaults(cfg *Config) {
	if cfg.Engine.CyclePeriod <= 0 {
		cfg.Engine.CyclePeriod = time.Second
	}
	if cfg.Engine.CycleDeadline <= 0 {
		cfg.Engine.CycleDeadline = cfg.Engine.CyclePeriod * 4 / 5
	}
	if cfg.Engine.TrackTTL <= 0 {
		cfg.Engine.TrackTTL = 60 * time.Second
	}

	if cfg.Prediction.Horizon <= 0 {
		cfg.Prediction.Horizon = 300 * time.Second
	}
	if cfg.Prediction.Step <= 0 {
		cfg.Prediction.Step = 15 * time.Second
	}
	if cfg.Prediction.CeilingFt <= 0 {
		cfg.Prediction.CeilingFt = 60000
	}
	if cfg.Prediction.CacheSize <= 0 {
		cfg.Prediction.CacheSize = 4096
	}

	if cfg.Separation.MinHorizontalNM <= 0 {
		cfg.Separation.MinHorizontalNM = 5.0
	}
	if cfg.Separation.MinVerticalFt <= 0 {
		cfg.Separation.MinVerticalFt = 1000
	}
	if cfg.Separation.AdjacencyMarginNM < 0 {
		cfg.Separation.AdjacencyMarginNM = 0
	} else if cfg.Separation.AdjacencyMarginNM == 0 {
		cfg.Separation.AdjacencyMarginNM = 10
	}
	if cfg.Separation.WakeSeparationNM == nil {
		cfg.Separation.WakeSeparationNM = map[string]float64{}
	}
	for class, nm := range map[string]float64{"light": 3, "medium": 5, "heavy": 6, "super": 8} {
		if _, ok := cfg.Separation.WakeSeparationNM[class]; !ok {
			cfg.Separation.WakeSeparationNM[class] = nm
		}
	}

	sev := &cfg.Thresholds.Severity
	if sev.CriticalNM <= 0 {
		sev.CriticalNM = 1.0
	}
	if sev.HighNM <= 0 {
		sev.HighNM = 3.0
	}
	if sev.MediumNM <= 0 {
		sev.MediumNM = 5.0
	}
	urg := &cfg.Thresholds.Urgency
	if urg.Immediate <= 0 {
		urg.Immediate = 30 * time.Second
	}
	if urg.Urgent <= 0 {
		urg.Urgent = 90 * time.Second
	}
	if urg.High <= 0 {
		urg.High = 180 * time.Second
	}

	res := &cfg.Resolution
	if res.MaxAltitudeSteps <= 0 {
		res.MaxAltitudeSteps = 4
	}
	if res.SpeedStepKt <= 0 {
		res.SpeedStepKt = 20
	}
	if res.MaxSpeedSteps <= 0 {
		res.MaxSpeedSteps = 5
	}
	if res.HeadingStepDeg <= 0 {
		res.HeadingStepDeg = 5
	}
	if res.MaxHeadingDeg <= 0 {
		res.MaxHeadingDeg = 45
	}

	cx := &cfg.Complexity
	if cx.ConflictIncrement <= 0 {
		cx.ConflictIncrement = 2.0
	}
	if cx.VerticalRateFactor <= 0 {
		cx.VerticalRateFactor = 0.5
	}
	if cx.ClassWeights == nil {
		cx.ClassWeights = map[string]float64{}
	}
	for class, w := range map[string]float64{"light": 1.0, "medium": 1.5, "heavy": 2.0, "super": 2.5} {
		if _, ok := cx.ClassWeights[class]; !ok {
			cx.ClassWeights[class] = w
		}
	}

	ac := &cfg.Aircraft
	if ac.DefaultClass == "" {
		ac.DefaultClass = "medium"
	}
	typeClasses := make(map[string]string, len(ac.TypeClasses))
	for typ, class := range ac.TypeClasses {
		typeClasses[strings.ToUpper(strings.TrimSpace(typ))] = strings.ToLower(class)
	}
	ac.TypeClasses = typeClasses
	if ac.ClassLimits == nil {
		ac.ClassLimits = map[string]types.PerformanceLimits{}
	}
	defaults := map[string]types.PerformanceLimits{
		"light":  {MaxSpeedKt: 180, MinSpeedKt: 60, MaxAltFt: 18000, MaxClimbFpm: 800, MaxDescentFpm: 1000},
		"medium": {MaxSpeedKt: 480, MinSpeedKt: 140, MaxAltFt: 41000, MaxClimbFpm: 2500, MaxDescentFpm: 3000},
		"heavy":  {MaxSpeedKt: 510, MinSpeedKt: 160, MaxAltFt: 43000, MaxClimbFpm: 2000, MaxDescentFpm: 3000},
		"super":  {MaxSpeedKt: 520, MinSpeedKt: 170, MaxAltFt: 43000, MaxClimbFpm: 1800, MaxDescentFpm: 3000},
	}
	for class, lim := range defaults {
		ac.ClassLimits[class] = ac.ClassLimits[class].Merge(lim)
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = ":8088"
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 64
	}

	for name, feed := range cfg.Feeds {
		if feed.Port == 0 {
			feed.Port = 9339
			cfg.Feeds[name] = feed
		}
	}

	if cfg.Alerts.AlertBehavior.FlapThreshold <= 0 {
		cfg.Alerts.AlertBehavior.FlapThreshold = 4
	}
	if cfg.Alerts.AlertBehavior.FlapWindow <= 0 {
		cfg.Alerts.AlertBehavior.FlapWindow = 2 * time.Minute
	}
}

// ValidateConfig validates the configuration
func ValidateConfig(cfg *Config) error {
	if cfg.Prediction.Step > cfg.Prediction.Horizon {
		return fmt.Errorf("prediction.step %s exceeds prediction.horizon %s", cfg.Prediction.Step, cfg.Prediction.Horizon)
	}
	if cfg.Engine.CycleDeadline > cfg.Engine.CyclePeriod {
		return fmt.Errorf("engine.cycle_deadline %s exceeds engine.cycle_period %s", cfg.Engine.CycleDeadline, cfg.Engine.CyclePeriod)
	}

	sev := cfg.Thresholds.Severity
	if !(sev.CriticalNM < sev.HighNM && sev.HighNM < sev.MediumNM) {
		return fmt.Errorf("thresholds.severity must satisfy critical_nm < high_nm < medium_nm")
	}
	urg := cfg.Thresholds.Urgency
	if !(urg.Immediate < urg.Urgent && urg.Urgent < urg.High) {
		return fmt.Errorf("thresholds.urgency must satisfy immediate < urgent < high")
	}

	if _, ok := cfg.Aircraft.ClassLimits[cfg.Aircraft.DefaultClass]; !ok {
		return fmt.Errorf("aircraft.default_class %s has no class_limits", cfg.Aircraft.DefaultClass)
	}
	for typ, class := range cfg.Aircraft.TypeClasses {
		if _, ok := cfg.Complexity.ClassWeights[class]; !ok {
			return fmt.Errorf("aircraft type %s: unknown class %s", typ, class)
		}
	}

	for class, nm := range cfg.Separation.WakeSeparationNM {
		if nm < 0 {
			return fmt.Errorf("separation.wake_separation_nm.%s must be >= 0", class)
		}
	}

	seen := make(map[string]struct{}, len(cfg.Sectors))
	for i, s := range cfg.Sectors {
		if err := ValidateSector(s); err != nil {
			return fmt.Errorf("sector %d: %w", i, err)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("sector %s: duplicate id", s.ID)
		}
		seen[s.ID] = struct{}{}
	}

	for name, feed := range cfg.Feeds {
		if feed.Address == "" {
			return fmt.Errorf("feed %s: address is required", name)
		}
	}

	// Validate alert channels
	for name, channel := range cfg.Alerts.Channels {
		if channel.Type != "apprise" {
			return fmt.Errorf("channel %s: only 'apprise' type is supported", name)
		}
		if channel.URLEnv == "" {
			return fmt.Errorf("channel %s: url_env is required", name)
		}
	}

	// Validate alert rules reference valid channels
	for ruleName, rule := range cfg.Alerts.AlertRules {
		for _, chName := range rule.Channels {
			if _, ok := cfg.Alerts.Channels[chName]; !ok {
				return fmt.Errorf("alert rule %s: references unknown channel %s", ruleName, chName)
			}
		}
	}

	return nil
}

// ValidateSector checks one sector definition
func ValidateSector(s SectorConfig) error {
	if s.ID == "" {
		return &types.ValidationError{Entity: "sector", Field: "id", Reason: "is required"}
	}
	if s.ID == types.UnsectoredID {
		return &types.ValidationError{Entity: "sector", ID: s.ID, Field: "id", Reason: "is reserved"}
	}
	if len(s.Boundary) < 3 {
		return &types.ValidationError{Entity: "sector", ID: s.ID, Field: "boundary", Reason: "needs at least 3 vertices"}
	}
	for _, v := range s.Boundary {
		if v[0] < -90 || v[0] > 90 || v[1] < -180 || v[1] > 180 {
			return &types.ValidationError{Entity: "sector", ID: s.ID, Field: "boundary", Reason: "vertex out of range"}
		}
	}
	if s.MaxAircraft <= 0 {
		return &types.ValidationError{Entity: "sector", ID: s.ID, Field: "max_aircraft", Reason: "must be > 0"}
	}
	if s.MaxComplexity < 0 {
		return &types.ValidationError{Entity: "sector", ID: s.ID, Field: "max_complexity", Reason: "must be >= 0"}
	}
	if s.CeilingFt != 0 && s.CeilingFt <= s.FloorFt {
		return &types.ValidationError{Entity: "sector", ID: s.ID, Field: "ceiling_ft", Reason: "must be above floor_ft"}
	}
	return nil
}

// SectorDefs converts the configured sectors to domain sectors, sorted by ID
func (c *Config) SectorDefs() []types.Sector {
	out := make([]types.Sector, 0, len(c.Sectors))
	for _, s := range c.Sectors {
		boundary := make([]types.LatLon, 0, len(s.Boundary))
		for _, v := range s.Boundary {
			boundary = append(boundary, types.LatLon{Lat: v[0], Lon: v[1]})
		}
		name := s.Name
		if name == "" {
			name = s.ID
		}
		out = append(out, types.Sector{
			ID:            s.ID,
			Name:          name,
			Boundary:      boundary,
			FloorFt:       s.FloorFt,
			CeilingFt:     s.CeilingFt,
			MaxAircraft:   s.MaxAircraft,
			MaxComplexity: s.MaxComplexity,
			Status:        types.StatusNormal,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ClassOf returns the aircraft class for an ICAO type designator
func (c *Config) ClassOf(aircraftType string) string {
	if class, ok := c.Aircraft.TypeClasses[strings.ToUpper(strings.TrimSpace(aircraftType))]; ok {
		return class
	}
	return c.Aircraft.DefaultClass
}

// HorizontalMinimumNM returns the horizontal minimum for a pair of aircraft
// types: the standard minimum raised to the wake minimum of either class.
func (c *Config) HorizontalMinimumNM(typeA, typeB string) float64 {
	minH := c.Separation.MinHorizontalNM
	for _, typ := range []string{typeA, typeB} {
		minH = math.Max(minH, c.Separation.WakeSeparationNM[c.ClassOf(typ)])
	}
	return minH
}

// LimitsFor returns the default performance limits for an aircraft type
func (c *Config) LimitsFor(aircraftType string) types.PerformanceLimits {
	if lim, ok := c.Aircraft.ClassLimits[c.ClassOf(aircraftType)]; ok {
		return lim
	}
	return c.Aircraft.ClassLimits[c.Aircraft.DefaultClass]
}
