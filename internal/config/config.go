// Package config aggregates every component section into one YAML file.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/trackwatch/internal/alert"
	"github.com/ppiankov/trackwatch/internal/enforce"
	"github.com/ppiankov/trackwatch/internal/fingerprint"
	"github.com/ppiankov/trackwatch/internal/insights"
	"github.com/ppiankov/trackwatch/internal/logging"
	"github.com/ppiankov/trackwatch/internal/pattern"
	"github.com/ppiankov/trackwatch/internal/policy"
	"github.com/ppiankov/trackwatch/internal/risk"
	"github.com/ppiankov/trackwatch/internal/store"
	"github.com/ppiankov/trackwatch/internal/zone"
)

// Pipeline sizes the orchestrator.
type Pipeline struct {
	Shards         int           `yaml:"shards"`
	QueueSize      int           `yaml:"queue_size"`
	ObserverBuffer int           `yaml:"observer_buffer"`
	GraceDelay     time.Duration `yaml:"grace_delay"`
	MinConfidence  float64       `yaml:"min_confidence"`
	ClassifierLRU  int           `yaml:"classifier_lru"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Addr string `yaml:"addr"`
}

// Config is the full trackwatch configuration.
type Config struct {
	Context      zone.Config         `yaml:"context"`
	Risk         *risk.Config        `yaml:"risk"`
	Policy       *policy.Config      `yaml:"policy"`
	Enforce      *enforce.Config     `yaml:"enforce"`
	Fingerprint  *fingerprint.Config `yaml:"fingerprint"`
	Pattern      *pattern.Config     `yaml:"pattern"`
	Insights     *insights.Config    `yaml:"insights"`
	Pipeline     Pipeline            `yaml:"pipeline"`
	Store        store.Config        `yaml:"store"`
	Log          logging.Config      `yaml:"log"`
	Metrics      Metrics             `yaml:"metrics"`
	Alerts       []alert.AlertConfig `yaml:"alerts"`
	AuditLog     string              `yaml:"audit_log"`
	TrackersPath string              `yaml:"trackers_path"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Context:     zone.DefaultConfig(),
		Risk:        risk.DefaultConfig(),
		Policy:      policy.DefaultConfig(),
		Enforce:     enforce.DefaultConfig(),
		Fingerprint: fingerprint.DefaultConfig(),
		Pattern:     pattern.DefaultConfig(),
		Insights:    insights.DefaultConfig(),
		Pipeline: Pipeline{
			Shards:         8,
			QueueSize:      256,
			ObserverBuffer: 1024,
			GraceDelay:     3 * time.Second,
			MinConfidence:  0.5,
			ClassifierLRU:  4096,
		},
		Store:   store.DefaultConfig(),
		Log:     logging.DefaultConfig(),
		Metrics: Metrics{Addr: ""},
	}
}

// DefaultPath returns ~/.trackwatch/config.yaml.
func DefaultPath() string {
	return filepath.Join(store.DefaultDir(), "config.yaml")
}

// Load reads configuration from a YAML file.
// Empty path falls back to DefaultPath. Missing file returns defaults.
// Invalid YAML returns an error.
func Load(path string) (*Config, error) {
	cfg, _, err := LoadWithHash(path)
	return cfg, err
}

// LoadWithHash loads configuration and returns the SHA-256 of the raw bytes.
// When no file exists the hash is the SHA-256 of empty input.
func LoadWithHash(path string) (*Config, string, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), hashOf(nil), nil
		}
		return nil, "", fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, "", err
	}
	return cfg, hashOf(data), nil
}

// Parse decodes YAML over the defaults; only specified fields change.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.fillNil()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engines cannot run with.
func (c *Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	if c.Pipeline.Shards <= 0 {
		return fmt.Errorf("pipeline.shards must be positive, got %d", c.Pipeline.Shards)
	}
	if c.Pipeline.QueueSize <= 0 {
		return fmt.Errorf("pipeline.queue_size must be positive, got %d", c.Pipeline.QueueSize)
	}
	if c.Pipeline.GraceDelay < 0 {
		return fmt.Errorf("pipeline.grace_delay must not be negative")
	}
	for i, a := range c.Alerts {
		if a.URL == "" {
			return fmt.Errorf("alerts[%d]: url is required", i)
		}
	}
	return nil
}

// fillNil restores sections an explicit null removed.
func (c *Config) fillNil() {
	d := DefaultConfig()
	if c.Risk == nil {
		c.Risk = d.Risk
	}
	if c.Policy == nil {
		c.Policy = d.Policy
	}
	if c.Enforce == nil {
		c.Enforce = d.Enforce
	}
	if c.Fingerprint == nil {
		c.Fingerprint = d.Fingerprint
	}
	if c.Pattern == nil {
		c.Pattern = d.Pattern
	}
	if c.Insights == nil {
		c.Insights = d.Insights
	}
}

func hashOf(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}

// DefaultConfigYAML returns a commented starter file.
func DefaultConfigYAML() string {
	return `# trackwatch configuration
# Only the fields you set override the built-in defaults.

# Risk score thresholds. score >= block_at -> block, and so on.
policy:
  thresholds:
    restrict_at: 30
    sandbox_at: 55
    block_at: 75

# Penalties and reductions added to the category base risk.
risk:
  frequency_window: 5s
  spike_threshold: 10
  penalties:
    high_risk_list: 25
    session_recording: 15
    cross_site: 10
    fetch: 5
    spike: 10
  reductions:
    critical: 30
    safe: 20
    context: 10

# Sensitive page states soften enforcement.
context:
  overrides:
    block: sandbox

pipeline:
  shards: 8
  queue_size: 256
  grace_delay: 3s
  min_confidence: 0.5

store:
  backend: sqlite   # memory | file | sqlite | redis

log:
  level: info
  format: json

# metrics:
#   addr: 127.0.0.1:9464

# alerts:
#   - url: https://hooks.slack.com/services/...
#     format: slack
#     events: [critical, high_risk_score]

# audit_log: ~/.trackwatch/audit.jsonl
# trackers_path: ~/.trackwatch/trackers.yaml
`
}
