package zone

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/ppiankov/trackwatch/internal/model"
)

// Detector classifies pages into sensitive flows. Deterministic substring
// and signal matching; the config can be swapped at runtime.
type Detector struct {
	cfg atomic.Pointer[Config]
}

// NewDetector creates a Detector with cfg.
func NewDetector(cfg Config) *Detector {
	d := &Detector{}
	d.SetConfig(cfg)
	return d
}

// SetConfig replaces the detection tables.
func (d *Detector) SetConfig(cfg Config) {
	d.cfg.Store(&cfg)
}

func (d *Detector) config() *Config {
	return d.cfg.Load()
}

// DetectFromURL adds each context whose patterns occur in url.
func (d *Detector) DetectFromURL(url string) model.ContextSet {
	out := model.NewContextSet()
	lower := strings.ToLower(url)
	if lower == "" {
		return out
	}
	for ctxType, patterns := range d.config().URLPatterns {
		for _, p := range patterns {
			p = strings.ToLower(p)
			if p != "" && strings.Contains(lower, p) {
				out[ctxType] = struct{}{}
				break
			}
		}
	}
	return out
}

// DetectFromDOM adds each context whose signal category has at least one match.
func (d *Detector) DetectFromDOM(signals map[string][]string) model.ContextSet {
	out := model.NewContextSet()
	for ctxType, category := range d.config().Signals {
		if category == "" {
			continue
		}
		if len(signals[category]) > 0 {
			out[ctxType] = struct{}{}
		}
	}
	return out
}

// Detect is DetectFromURL ∪ DetectFromDOM.
func (d *Detector) Detect(url string, signals map[string][]string) model.ContextSet {
	return Combine(d.DetectFromURL(url), d.DetectFromDOM(signals))
}

// Combine is set union.
func Combine(a, b model.ContextSet) model.ContextSet {
	return a.Union(b)
}

// Priority returns the highest configured priority among contexts, 0 if empty.
func (d *Detector) Priority(contexts model.ContextSet) int {
	best := 0
	prios := d.config().Priorities
	for t := range contexts {
		if p := prios[t]; p > best {
			best = p
		}
	}
	return best
}

// ApplyOverride softens mode through the override table while contexts are active.
func (d *Detector) ApplyOverride(mode model.Mode, contexts model.ContextSet) model.Mode {
	return ApplyOverride(d.config().Overrides, mode, contexts)
}

// ApplyOverride is the table lookup shared with the policy engine.
func ApplyOverride(table map[model.Mode]model.Mode, mode model.Mode, contexts model.ContextSet) model.Mode {
	if contexts.Empty() {
		return mode
	}
	if o, ok := table[mode]; ok {
		return o
	}
	return mode
}

// Describe renders contexts for humans, highest priority first.
func (d *Detector) Describe(contexts model.ContextSet) string {
	if contexts.Empty() {
		return "no sensitive context"
	}
	prios := d.config().Priorities
	tags := contexts.Slice()
	for i := 1; i < len(tags); i++ {
		for j := i; j > 0 && prios[tags[j]] > prios[tags[j-1]]; j-- {
			tags[j], tags[j-1] = tags[j-1], tags[j]
		}
	}
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = string(t)
	}
	return fmt.Sprintf("%s (priority %d)", strings.Join(parts, " > "), d.Priority(contexts))
}
