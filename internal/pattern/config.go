package pattern

// PrivacyDeductions shape the session privacy score.
type PrivacyDeductions struct {
	PerTracker  int `yaml:"per_tracker"`
	TrackerCap  int `yaml:"tracker_cap"`
	PerHighTier int `yaml:"per_high_tier"`
	PerCritical int `yaml:"per_critical"`
	PerAlert    int `yaml:"per_alert"`
}

// Config holds the analyzer parameters.
type Config struct {
	Window    int     `yaml:"window"`
	Threshold float64 `yaml:"threshold"`
	MinPoints int     `yaml:"min_points"`
	// HistoryBudget caps the serialized size of historical state in bytes.
	HistoryBudget int `yaml:"history_budget"`
	// SessionEvents caps the events kept per session.
	SessionEvents int               `yaml:"session_events"`
	Privacy       PrivacyDeductions `yaml:"privacy"`
}

// DefaultConfig returns the built-in analyzer parameters.
func DefaultConfig() *Config {
	return &Config{
		Window:        100,
		Threshold:     2.0,
		MinPoints:     5,
		HistoryBudget: 256 << 10,
		SessionEvents: 1000,
		Privacy: PrivacyDeductions{
			PerTracker:  2,
			TrackerCap:  40,
			PerHighTier: 5,
			PerCritical: 10,
			PerAlert:    5,
		},
	}
}
