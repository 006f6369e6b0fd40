package risk

import (
	"time"

	"github.com/ppiankov/trackwatch/internal/model"
)

// Penalties are flat additions to the score.
type Penalties struct {
	HighRiskList     int `yaml:"high_risk_list"`
	SessionRecording int `yaml:"session_recording"`
	CrossSite        int `yaml:"cross_site"`
	Fetch            int `yaml:"fetch"`
	Spike            int `yaml:"spike"`
}

// Reductions are subtracted after the positive contributions are clamped.
type Reductions struct {
	Critical int `yaml:"critical"`
	Safe     int `yaml:"safe"`
	Context  int `yaml:"context"`
}

// Config holds every weight the score is built from.
type Config struct {
	// BaseRisk is used when the identity carries no base risk of its own.
	BaseRisk        map[model.Category]int `yaml:"base_risk"`
	CategoryAddend  map[model.Category]int `yaml:"category_addend"`
	HighRiskDomains []string               `yaml:"high_risk_domains"`
	CriticalDomains []string               `yaml:"critical_domains"`
	SafeDomains     []string               `yaml:"safe_domains"`
	FetchTypes      []string               `yaml:"fetch_types"`
	Penalties       Penalties              `yaml:"penalties"`
	Reductions      Reductions             `yaml:"reductions"`
	FrequencyWindow time.Duration          `yaml:"frequency_window"`
	SpikeThreshold  int                    `yaml:"spike_threshold"`
}

// DefaultConfig returns the built-in weights.
func DefaultConfig() *Config {
	return &Config{
		BaseRisk: map[model.Category]int{
			model.CategoryAdvertising:      30,
			model.CategoryAnalytics:        20,
			model.CategorySessionRecording: 35,
			model.CategorySocial:           25,
			model.CategoryTagManager:       15,
			model.CategoryPayment:          10,
			model.CategoryCDN:              5,
			model.CategorySecurity:         5,
			model.CategoryUnknown:          15,
		},
		CategoryAddend: map[model.Category]int{
			model.CategoryAdvertising:      20,
			model.CategoryAnalytics:        10,
			model.CategorySessionRecording: 15,
			model.CategorySocial:           10,
			model.CategoryTagManager:       5,
			model.CategoryPayment:          0,
			model.CategoryCDN:              0,
			model.CategorySecurity:         0,
			model.CategoryUnknown:          5,
		},
		HighRiskDomains: []string{
			"doubleclick.net",
			"googlesyndication.com",
			"adnxs.com",
			"criteo.com",
			"criteo.net",
			"taboola.com",
			"outbrain.com",
			"hotjar.com",
			"fullstory.com",
			"mouseflow.com",
		},
		CriticalDomains: []string{
			"stripe.com",
			"paypal.com",
			"braintreegateway.com",
			"adyen.com",
			"recaptcha.net",
			"hcaptcha.com",
		},
		SafeDomains: []string{
			"cloudflare.com",
			"jsdelivr.net",
			"unpkg.com",
			"fastly.net",
			"akamaihd.net",
		},
		FetchTypes: []string{"xmlhttprequest", "fetch", "ping", "beacon", "websocket"},
		Penalties: Penalties{
			HighRiskList:     25,
			SessionRecording: 15,
			CrossSite:        10,
			Fetch:            5,
			Spike:            10,
		},
		Reductions: Reductions{
			Critical: 30,
			Safe:     20,
			Context:  10,
		},
		FrequencyWindow: 5 * time.Second,
		SpikeThreshold:  10,
	}
}

// addend returns the category addend, the lowest configured one on a gap.
func (c *Config) addend(cat model.Category) int {
	if v, ok := c.CategoryAddend[cat]; ok {
		return v
	}
	lowest := 0
	first := true
	for _, v := range c.CategoryAddend {
		if first || v < lowest {
			lowest, first = v, false
		}
	}
	return lowest
}

func (c *Config) base(id model.TrackerIdentity) int {
	if id.BaseRisk > 0 {
		return id.BaseRisk
	}
	if v, ok := c.BaseRisk[id.Category]; ok {
		return v
	}
	return c.BaseRisk[model.CategoryUnknown]
}
