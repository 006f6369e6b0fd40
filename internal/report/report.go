// Package report assembles a point-in-time export of everything the
// pipeline knows: sessions, their trackers and stats, insights,
// fingerprinting findings and the installed block rules.
package report

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/ppiankov/trackwatch/internal/fingerprint"
	"github.com/ppiankov/trackwatch/internal/insights"
	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/pattern"
	"github.com/ppiankov/trackwatch/internal/pipeline"
)

// Source is the read side of the pipeline a report is built from.
type Source interface {
	Sessions() []model.SessionID
	Session(id model.SessionID) (pipeline.SessionInfo, error)
	Trackers(id model.SessionID) ([]pipeline.Tracker, error)
	SessionPatterns(id model.SessionID) (pattern.SessionSummary, int, []pattern.Alert)
	Insights() insights.Bundle
	Fingerprints() []fingerprint.Summary
	BlockedDomains() map[string]int
	Overrides() []model.Override
	ConfigHash() string
}

// Session is one session's section of the report.
type Session struct {
	pipeline.SessionInfo
	Trackers     []pipeline.Tracker     `json:"trackers"`
	Summary      pattern.SessionSummary `json:"summary"`
	PrivacyScore int                    `json:"privacyScore"`
	Alerts       []pattern.Alert        `json:"alerts,omitempty"`
}

// Rule is an installed block rule.
type Rule struct {
	Domain string `json:"domain"`
	ID     int    `json:"id"`
}

// Totals sums stats across the reported sessions.
type Totals struct {
	Sessions int `json:"sessions"`
	pipeline.Stats
}

// Report is the exported document.
type Report struct {
	ID           string                `json:"id"`
	GeneratedAt  time.Time             `json:"generatedAt"`
	ConfigHash   string                `json:"configHash,omitempty"`
	Totals       Totals                `json:"totals"`
	Sessions     []Session             `json:"sessions"`
	Insights     insights.Bundle       `json:"insights"`
	Fingerprints []fingerprint.Summary `json:"fingerprints,omitempty"`
	Rules        []Rule                `json:"rules"`
	Overrides    []model.Override      `json:"overrides,omitempty"`
}

// Build exports src at now. A non-empty only restricts the session
// sections to that session; global sections are always complete.
func Build(src Source, only model.SessionID, now time.Time) (Report, error) {
	r := Report{
		ID:           uuid.NewString(),
		GeneratedAt:  now.UTC(),
		ConfigHash:   src.ConfigHash(),
		Insights:     src.Insights(),
		Fingerprints: src.Fingerprints(),
		Overrides:    src.Overrides(),
	}

	ids := src.Sessions()
	if only != "" {
		if _, err := src.Session(only); err != nil {
			return Report{}, err
		}
		ids = []model.SessionID{only}
	}
	for _, id := range ids {
		info, err := src.Session(id)
		if err != nil {
			// Closed between listing and lookup.
			continue
		}
		trackers, _ := src.Trackers(id)
		summary, score, alerts := src.SessionPatterns(id)
		r.Sessions = append(r.Sessions, Session{
			SessionInfo:  info,
			Trackers:     trackers,
			Summary:      summary,
			PrivacyScore: score,
			Alerts:       alerts,
		})
		r.Totals.add(info.Stats)
	}
	r.Totals.Sessions = len(r.Sessions)

	r.Rules = lo.MapToSlice(src.BlockedDomains(), func(domain string, id int) Rule {
		return Rule{Domain: domain, ID: id}
	})
	sort.Slice(r.Rules, func(i, j int) bool { return r.Rules[i].ID < r.Rules[j].ID })
	return r, nil
}

func (t *Totals) add(s pipeline.Stats) {
	t.Requests += s.Requests
	t.Skipped += s.Skipped
	t.Trackers += s.Trackers
	t.Allowed += s.Allowed
	t.Restricted += s.Restricted
	t.Sandboxed += s.Sandboxed
	t.Blocked += s.Blocked
	t.Deferred += s.Deferred
	t.Unconfirmed += s.Unconfirmed
}
