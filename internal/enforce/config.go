package enforce

import "github.com/ppiankov/trackwatch/internal/model"

// Action is one enforcement primitive.
type Action string

const (
	ActionStripCookies Action = "strip_cookies"
	ActionLimitHeaders Action = "limit_headers"
	ActionBlockCookies Action = "block_cookies"
	ActionBlockStorage Action = "block_storage"
	ActionBlockRequest Action = "block_request"
)

// Config maps each mode to the actions it executes.
type Config struct {
	Actions map[model.Mode][]Action `yaml:"actions"`
}

// DefaultConfig returns the built-in action sets.
func DefaultConfig() *Config {
	return &Config{
		Actions: map[model.Mode][]Action{
			model.ModeAllow:    nil,
			model.ModeRestrict: {ActionStripCookies, ActionLimitHeaders},
			model.ModeSandbox:  {ActionBlockCookies, ActionBlockStorage},
			model.ModeBlock:    {ActionBlockRequest},
		},
	}
}
