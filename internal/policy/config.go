package policy

import (
	"fmt"

	"github.com/ppiankov/trackwatch/internal/model"
)

// Thresholds are ascending score boundaries. A score at or above a
// boundary resolves to that boundary's mode.
type Thresholds struct {
	RestrictAt int `yaml:"restrict_at"`
	SandboxAt  int `yaml:"sandbox_at"`
	BlockAt    int `yaml:"block_at"`
}

// Config holds the policy parameters.
type Config struct {
	Thresholds Thresholds `yaml:"thresholds"`
}

// DefaultConfig returns the built-in thresholds.
func DefaultConfig() *Config {
	return &Config{
		Thresholds: Thresholds{
			RestrictAt: 30,
			SandboxAt:  55,
			BlockAt:    75,
		},
	}
}

// Validate rejects thresholds that are not ascending.
func (c *Config) Validate() error {
	t := c.Thresholds
	if t.RestrictAt <= 0 || t.SandboxAt <= 0 || t.BlockAt <= 0 {
		return fmt.Errorf("policy thresholds must be positive (restrict_at=%d sandbox_at=%d block_at=%d)",
			t.RestrictAt, t.SandboxAt, t.BlockAt)
	}
	if !(t.RestrictAt <= t.SandboxAt && t.SandboxAt <= t.BlockAt) {
		return fmt.Errorf("policy thresholds must ascend (restrict_at=%d sandbox_at=%d block_at=%d)",
			t.RestrictAt, t.SandboxAt, t.BlockAt)
	}
	return nil
}

// ModeFor maps a score onto a mode. Unset thresholds never match, so a
// config gap resolves to allow.
func (t Thresholds) ModeFor(score int) model.Mode {
	switch {
	case t.BlockAt > 0 && score >= t.BlockAt:
		return model.ModeBlock
	case t.SandboxAt > 0 && score >= t.SandboxAt:
		return model.ModeSandbox
	case t.RestrictAt > 0 && score >= t.RestrictAt:
		return model.ModeRestrict
	default:
		return model.ModeAllow
	}
}
