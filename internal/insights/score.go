package insights

import (
	"fmt"
	"math"
	"sort"

	"github.com/samber/lo"
)

// ScoreItem is one itemised deduction (negative) or bonus (positive).
type ScoreItem struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
	Value int    `json:"value"`
}

// ScoreBreakdown is an explainable 0-100 privacy score.
type ScoreBreakdown struct {
	Score int         `json:"score"`
	Items []ScoreItem `json:"items"`
}

func capped(count, per, limit int) int {
	v := count * per
	if limit > 0 && v > limit {
		return limit
	}
	return v
}

// PrivacyScore starts at 100, applies capped deductions and a bonus for the
// share of requests blocked.
func (e *Engine) PrivacyScore() ScoreBreakdown {
	w := e.cfg.Score
	cross := len(e.CrossSiteTracking().Trackers)
	fps := len(e.FingerprintingThreats())

	e.mu.RLock()
	total := len(e.trackers)
	high := lo.CountBy(lo.Values(e.trackers), func(t *trackerState) bool { return t.peak >= w.HighRiskAt })
	requests, blocked := e.requests, e.blockedN
	e.mu.RUnlock()

	items := []ScoreItem{
		{Name: "cross_site_trackers", Count: cross, Value: -capped(cross, w.CrossSitePer, w.CrossSiteCap)},
		{Name: "fingerprinting_domains", Count: fps, Value: -capped(fps, w.FingerprintPer, w.FingerprintCap)},
		{Name: "trackers_above_floor", Count: max(total-w.TrackerFloor, 0), Value: -capped(max(total-w.TrackerFloor, 0), w.TrackerPer, w.TrackerCap)},
		{Name: "high_risk_trackers", Count: high, Value: -capped(high, w.HighRiskPer, w.HighRiskCap)},
	}
	bonus := 0
	if requests > 0 {
		bonus = int(math.Round(float64(blocked) / float64(requests) * w.BlockedBonusMax))
	}
	items = append(items, ScoreItem{Name: "blocked_requests_bonus", Count: blocked, Value: bonus})

	score := 100
	for _, it := range items {
		score += it.Value
	}
	return ScoreBreakdown{Score: min(max(score, 0), 100), Items: items}
}

// Priority orders recommendations.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityInfo     Priority = "info"
)

func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

// Recommendation is one suggested action.
type Recommendation struct {
	Priority Priority `json:"priority"`
	Title    string   `json:"title"`
	Detail   string   `json:"detail"`
	Domain   string   `json:"domain,omitempty"`
	Action   string   `json:"action,omitempty"`
}

// Recommendations returns a capped list, critical first.
func (e *Engine) Recommendations() []Recommendation {
	var recs []Recommendation

	cross := e.CrossSiteTracking()
	for _, t := range cross.Trackers {
		if t.Blocked {
			continue
		}
		recs = append(recs, Recommendation{
			Priority: PriorityHigh,
			Title:    "Block " + t.Domain,
			Detail:   fmt.Sprintf("%s (%s) follows you across %d sites", t.Domain, t.Company, t.SitesTracked),
			Domain:   t.Domain,
			Action:   "block",
		})
	}

	for _, th := range e.FingerprintingThreats() {
		if th.Severity != "critical" {
			continue
		}
		recs = append(recs, Recommendation{
			Priority: PriorityCritical,
			Title:    "Block fingerprinter " + th.Domain,
			Detail:   fmt.Sprintf("%s combines %d fingerprinting techniques", th.Domain, len(th.Techniques)),
			Domain:   th.Domain,
			Action:   "block",
		})
	}

	if n := len(e.companies()); n > e.cfg.CompanyThreshold {
		recs = append(recs, Recommendation{
			Priority: PriorityMedium,
			Title:    "Reduce exposure",
			Detail:   fmt.Sprintf("%d companies received data from your browsing; consider stricter thresholds", n),
		})
	}

	e.mu.RLock()
	last := e.lastSite
	clean := last != "" && len(e.sites[last]) == 0
	e.mu.RUnlock()
	if clean {
		recs = append(recs, Recommendation{
			Priority: PriorityInfo,
			Title:    "Tracker-free site",
			Detail:   last + " loaded without any third-party trackers",
		})
	}

	if s := e.PrivacyScore().Score; s < e.cfg.NudgeBelow {
		recs = append(recs, Recommendation{
			Priority: PriorityMedium,
			Title:    "Improve your privacy score",
			Detail:   fmt.Sprintf("score is %d; blocking the trackers above raises it", s),
		})
	}

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Priority.rank() < recs[j].Priority.rank() })
	if limit := e.cfg.MaxRecommendations; limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	if recs == nil {
		recs = []Recommendation{}
	}
	return recs
}

// Bundle is everything the insights layer reports.
type Bundle struct {
	CrossSite       CrossSiteReport  `json:"crossSite"`
	Exposure        []Exposure       `json:"exposure"`
	Fingerprinting  []Threat         `json:"fingerprinting"`
	Recommendations []Recommendation `json:"recommendations"`
	Score           ScoreBreakdown   `json:"score"`
	Trackers        int              `json:"trackers"`
	Companies       int              `json:"companies"`
}

// Insights computes the full bundle.
func (e *Engine) Insights() Bundle {
	e.mu.RLock()
	trackers := len(e.trackers)
	e.mu.RUnlock()
	return Bundle{
		CrossSite:       e.CrossSiteTracking(),
		Exposure:        e.DataExposure(),
		Fingerprinting:  e.FingerprintingThreats(),
		Recommendations: e.Recommendations(),
		Score:           e.PrivacyScore(),
		Trackers:        trackers,
		Companies:       len(e.companies()),
	}
}
