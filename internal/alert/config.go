package alert

// AlertConfig defines a webhook alert destination.
type AlertConfig struct {
	URL     string            `yaml:"url"     json:"url"`
	Format  string            `yaml:"format"  json:"format"` // "generic", "slack", "pagerduty"
	Events  []string          `yaml:"events"  json:"events"` // event types or severities, e.g. ["high_risk_score", "critical"]
	Headers map[string]string `yaml:"headers" json:"headers"`
}

// Event types besides the pattern anomaly types.
const (
	TypeFingerprinting = "fingerprinting_critical"
)

// AlertEvent is the payload sent to webhook endpoints.
type AlertEvent struct {
	ID        string  `json:"id"`
	Timestamp string  `json:"timestamp"`
	Type      string  `json:"type"`
	Severity  string  `json:"severity"`
	Session   string  `json:"session,omitempty"`
	Domain    string  `json:"domain,omitempty"`
	Site      string  `json:"site,omitempty"`
	Category  string  `json:"category,omitempty"`
	Value     float64 `json:"value,omitempty"`
	ZScore    float64 `json:"zscore,omitempty"`
	Message   string  `json:"message"`
}
