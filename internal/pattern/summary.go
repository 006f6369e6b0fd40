package pattern

import (
	"github.com/ppiankov/trackwatch/internal/model"
)

// SessionSummary aggregates one session.
type SessionSummary struct {
	Session    model.SessionID        `json:"session"`
	Events     int                    `json:"events"`
	Trackers   int                    `json:"trackers"`
	ByCategory map[model.Category]int `json:"byCategory"`
	ByTier     map[model.RiskTier]int `json:"byTier"`
	Alerts     int                    `json:"alerts"`
}

// Summary aggregates a session. Tiers count distinct trackers at their
// peak score.
func (a *Analyzer) Summary(session model.SessionID) SessionSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := SessionSummary{
		Session:    session,
		ByCategory: make(map[model.Category]int),
		ByTier:     make(map[model.RiskTier]int),
	}
	s := a.sessions[session]
	if s == nil {
		return out
	}
	out.Events = len(s.events)
	out.Trackers = len(s.trackers)
	out.Alerts = len(s.alerts)
	for _, ev := range s.events {
		out.ByCategory[ev.Category]++
	}
	for _, peak := range s.trackers {
		out.ByTier[model.TierFor(peak)]++
	}
	return out
}

// PrivacyScore is 100 minus the configured deductions, floored at 0.
func (a *Analyzer) PrivacyScore(session model.SessionID) int {
	return a.cfg.Privacy.score(a.Summary(session))
}

func (p PrivacyDeductions) score(s SessionSummary) int {
	trackers := s.Trackers * p.PerTracker
	if p.TrackerCap > 0 && trackers > p.TrackerCap {
		trackers = p.TrackerCap
	}
	score := 100 - trackers -
		s.ByTier[model.TierHigh]*p.PerHighTier -
		s.ByTier[model.TierCritical]*p.PerCritical -
		s.Alerts*p.PerAlert
	if score < 0 {
		return 0
	}
	return score
}
