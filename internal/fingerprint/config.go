package fingerprint

// Technique is a browser API family probed for fingerprinting.
type Technique string

const (
	Canvas    Technique = "canvas"
	WebGL     Technique = "webgl"
	Audio     Technique = "audio"
	Navigator Technique = "navigator"
	Screen    Technique = "screen"
	Fonts     Technique = "fonts"
	WebRTC    Technique = "webrtc"
	Battery   Technique = "battery"
)

// Techniques lists every known technique in display order.
var Techniques = []Technique{Canvas, WebGL, Audio, Navigator, Screen, Fonts, WebRTC, Battery}

// ParseTechnique accepts known technique names only.
func ParseTechnique(s string) (Technique, bool) {
	for _, t := range Techniques {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// Config holds per-technique thresholds and weights.
type Config struct {
	// Thresholds is the call count at which a technique is flagged.
	Thresholds map[Technique]int `yaml:"thresholds"`
	// Weights is each flagged technique's contribution to the risk score.
	Weights map[Technique]int `yaml:"weights"`
	// Unconditional techniques are flagged on the first qualifying call.
	Unconditional []Technique `yaml:"unconditional"`
	// AudioMethods qualify an audio call for unconditional flagging.
	AudioMethods []string `yaml:"audio_methods"`
	// BaselineDomains bounds how many recent domains form the volume baseline.
	BaselineDomains int `yaml:"baseline_domains"`
	// MinBaseline is the number of other domains needed before an anomaly
	// score is reported.
	MinBaseline      int     `yaml:"min_baseline"`
	AnomalyThreshold float64 `yaml:"anomaly_threshold"`
	// BlendFactor scales the fingerprint score when added to request risk.
	BlendFactor float64 `yaml:"blend_factor"`
}

// DefaultConfig returns the built-in fingerprinting parameters.
func DefaultConfig() *Config {
	return &Config{
		Thresholds: map[Technique]int{
			Canvas:    3,
			WebGL:     5,
			Audio:     2,
			Navigator: 15,
			Screen:    10,
			Fonts:     20,
			WebRTC:    1,
			Battery:   1,
		},
		Weights: map[Technique]int{
			Canvas:    25,
			WebGL:     20,
			Audio:     25,
			Navigator: 10,
			Screen:    5,
			Fonts:     20,
			WebRTC:    30,
			Battery:   15,
		},
		Unconditional:    []Technique{Audio, WebRTC, Battery},
		AudioMethods:     []string{"OfflineAudioContext", "createDynamicsCompressor", "createOscillator"},
		BaselineDomains:  100,
		MinBaseline:      5,
		AnomalyThreshold: 2.0,
		BlendFactor:      0.5,
	}
}

func (c *Config) unconditional(t Technique, details map[string]string) bool {
	found := false
	for _, u := range c.Unconditional {
		if u == t {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	if t != Audio {
		return true
	}
	method := details["method"]
	for _, m := range c.AudioMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Severity tiers a domain by how many techniques it uses.
func Severity(techniques int) string {
	switch {
	case techniques >= 3:
		return "critical"
	case techniques == 2:
		return "high"
	default:
		return "medium"
	}
}
