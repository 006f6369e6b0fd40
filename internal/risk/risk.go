// Package risk computes the 0-100 privacy risk score of a tracker request.
//
// The score is additive and explainable: every contribution is reported as a
// Factor. Positive contributions are clamped to [0,100] before reductions are
// applied, so a dampened domain always lands at least the full reduction below
// its undampened score (floored at 0).
package risk

import (
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/trackwatch/internal/logging"
	"github.com/ppiankov/trackwatch/internal/model"
)

// MaxScore is the upper clamp.
const MaxScore = 100

// Factor is one itemised contribution to a score.
type Factor struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// Assessment is a score plus its breakdown.
type Assessment struct {
	Score     int            `json:"score"`
	Tier      model.RiskTier `json:"tier"`
	Frequency int            `json:"frequency"`
	Factors   []Factor       `json:"factors"`
}

// Engine scores requests. It is safe for concurrent use.
type Engine struct {
	cfg  atomic.Pointer[Config]
	freq *frequencyTable
	now  func() time.Time
	log  *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.log = logging.OrNop(l) }
}

// New creates an engine. A nil cfg means DefaultConfig.
func New(cfg *Config, opts ...Option) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e := &Engine{
		freq: newFrequencyTable(),
		now:  time.Now,
		log:  zap.NewNop(),
	}
	e.cfg.Store(cfg)
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetConfig swaps the weights; in-flight calls finish with the old ones.
func (e *Engine) SetConfig(cfg *Config) {
	if cfg != nil {
		e.cfg.Store(cfg)
	}
}

// Config returns the active weights.
func (e *Engine) Config() *Config { return e.cfg.Load() }

// RequestFrequency records an observation for key and returns how many
// observations fall inside the trailing window.
func (e *Engine) RequestFrequency(key model.Key) int {
	return e.freq.observe(key, e.now(), e.cfg.Load().FrequencyWindow)
}

// ClearSessionData drops every frequency window owned by session.
func (e *Engine) ClearSessionData(session model.SessionID) {
	n := e.freq.clearSession(session)
	e.log.Debug("cleared frequency windows", zap.String("session", string(session)), zap.Int("keys", n))
}

// TrackedKeys is the number of live frequency windows.
func (e *Engine) TrackedKeys() int { return e.freq.len() }

// Calculate scores req against identity id under contexts. It records the
// request in the frequency table.
func (e *Engine) Calculate(req model.Request, id model.TrackerIdentity, contexts model.ContextSet) Assessment {
	cfg := e.cfg.Load()
	domain := strings.ToLower(id.Domain)
	if domain == "" {
		domain, _ = req.Destination()
	}

	var factors []Factor
	add := func(name string, v int) {
		if v != 0 {
			factors = append(factors, Factor{Name: name, Value: v})
		}
	}

	positive := 0
	plus := func(name string, v int) {
		positive += v
		add(name, v)
	}

	plus("base:"+string(id.Category), cfg.base(id))
	plus("category:"+string(id.Category), cfg.addend(id.Category))
	if model.MatchesList(domain, cfg.HighRiskDomains) {
		plus("high_risk_list", cfg.Penalties.HighRiskList)
	}
	if id.Category == model.CategorySessionRecording {
		plus("session_recording", cfg.Penalties.SessionRecording)
	}
	if isCrossSite(domain, req.Initiator()) {
		plus("cross_site", cfg.Penalties.CrossSite)
	}
	if isFetch(req.ResourceType, cfg.FetchTypes) {
		plus("programmatic_fetch", cfg.Penalties.Fetch)
	}
	at := req.ObservedAt
	if at.IsZero() {
		at = e.now()
	}
	freq := e.freq.observe(model.Key{Session: req.SessionID, Domain: domain}, at, cfg.FrequencyWindow)
	if cfg.SpikeThreshold > 0 && freq > cfg.SpikeThreshold {
		plus("frequency_spike", cfg.Penalties.Spike)
	}

	score := clamp(positive)

	minus := func(name string, v int) {
		if v <= 0 {
			return
		}
		score -= v
		add(name, -v)
	}
	if model.MatchesList(domain, cfg.CriticalDomains) {
		minus("critical_infrastructure", cfg.Reductions.Critical)
	}
	if model.MatchesList(domain, cfg.SafeDomains) {
		minus("safe_infrastructure", cfg.Reductions.Safe)
	}
	if !contexts.Empty() {
		minus("sensitive_context", cfg.Reductions.Context)
	}
	score = clamp(score)

	return Assessment{Score: score, Tier: model.TierFor(score), Frequency: freq, Factors: factors}
}

// Blend adds a scaled secondary contribution (fingerprinting) to a score.
func Blend(score, extra int, factor float64) int {
	if extra <= 0 || factor <= 0 {
		return clamp(score)
	}
	return clamp(score + int(float64(extra)*factor+0.5))
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > MaxScore {
		return MaxScore
	}
	return v
}

// isCrossSite is true when the registrable domains differ or there is no initiator.
func isCrossSite(domain, initiator string) bool {
	if initiator == "" {
		return true
	}
	return !model.SameSite(domain, initiator)
}

func isFetch(resourceType string, fetchTypes []string) bool {
	rt := strings.ToLower(strings.TrimSpace(resourceType))
	if rt == "" {
		return false
	}
	for _, t := range fetchTypes {
		if strings.EqualFold(t, rt) {
			return true
		}
	}
	return false
}
