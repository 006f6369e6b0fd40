// Package insights aggregates tracker history, site associations and
// fingerprinting findings into explainable, human-facing insights. It does
// no detection of its own.
package insights

import (
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/ppiankov/trackwatch/internal/fingerprint"
	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/trackerdb"
)

// FingerprintSource supplies fingerprinting findings. fingerprint.Detector
// implements it.
type FingerprintSource interface {
	Summaries() []fingerprint.Summary
}

// BlockChecker reports whether a domain currently has a block rule.
// enforce.Engine implements it.
type BlockChecker interface {
	IsBlocked(domain string) bool
}

// Observation is one tracker request as seen by the insights layer.
type Observation struct {
	Domain   string         `json:"domain"`
	Company  string         `json:"company"`
	Category model.Category `json:"category"`
	Site     string         `json:"site"`
	Score    int            `json:"score"`
	Mode     model.Mode     `json:"mode"`
}

// TrackerHistory is the accumulated view of one tracker domain.
type TrackerHistory struct {
	Domain    string         `json:"domain"`
	Company   string         `json:"company"`
	Category  model.Category `json:"category"`
	Sites     []string       `json:"sites"`
	Count     int            `json:"count"`
	PeakScore int            `json:"peakScore"`
	LastMode  model.Mode     `json:"lastMode"`
}

type trackerState struct {
	domain   string
	company  string
	category model.Category
	sites    map[string]struct{}
	count    int
	peak     int
	lastMode model.Mode
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg     *Config
	fp      FingerprintSource
	blocked BlockChecker

	mu       sync.RWMutex
	trackers map[string]*trackerState
	sites    map[string]map[string]struct{}
	lastSite string
	requests int
	blockedN int
}

// New creates an engine. fp and blocked may be nil.
func New(cfg *Config, fp FingerprintSource, blocked BlockChecker) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Engine{
		cfg:      cfg,
		fp:       fp,
		blocked:  blocked,
		trackers: make(map[string]*trackerState),
		sites:    make(map[string]map[string]struct{}),
	}
}

// Visit records a navigation to site so a tracker-free site can be praised.
func (e *Engine) Visit(site string) {
	site = strings.ToLower(site)
	if site == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sites[site] == nil {
		e.sites[site] = make(map[string]struct{})
	}
	e.lastSite = site
}

// Observe folds one tracker request into the history and site map.
func (e *Engine) Observe(o Observation) {
	domain := strings.ToLower(o.Domain)
	site := strings.ToLower(o.Site)
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.trackers[domain]
	if t == nil {
		t = &trackerState{domain: domain, sites: make(map[string]struct{})}
		e.trackers[domain] = t
	}
	t.company = o.Company
	t.category = o.Category
	t.count++
	t.peak = max(t.peak, o.Score)
	t.lastMode = o.Mode
	if site != "" {
		t.sites[site] = struct{}{}
		if e.sites[site] == nil {
			e.sites[site] = make(map[string]struct{})
		}
		e.sites[site][domain] = struct{}{}
		e.lastSite = site
	}

	e.requests++
	if o.Mode == model.ModeBlock {
		e.blockedN++
	}
}

// History returns every tracker's history, most sites first.
func (e *Engine) History() []TrackerHistory {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := lo.MapToSlice(e.trackers, func(_ string, t *trackerState) TrackerHistory { return t.view() })
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Sites) != len(out[j].Sites) {
			return len(out[i].Sites) > len(out[j].Sites)
		}
		return out[i].Domain < out[j].Domain
	})
	return out
}

func (t *trackerState) view() TrackerHistory {
	sites := lo.Keys(t.sites)
	sort.Strings(sites)
	company := t.company
	if company == "" {
		company = model.UnknownCompany
	}
	return TrackerHistory{
		Domain:    t.domain,
		Company:   company,
		Category:  t.category,
		Sites:     sites,
		Count:     t.count,
		PeakScore: t.peak,
		LastMode:  t.lastMode,
	}
}

// SiteTrackers lists the trackers observed on site.
func (e *Engine) SiteTrackers(site string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := lo.Keys(e.sites[strings.ToLower(site)])
	sort.Strings(out)
	return out
}

// Reset empties the history and site map.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.trackers = make(map[string]*trackerState)
	e.sites = make(map[string]map[string]struct{})
	e.lastSite = ""
	e.requests, e.blockedN = 0, 0
}

// CrossSiteTracker is a tracker seen on two or more sites.
type CrossSiteTracker struct {
	Domain       string   `json:"domain"`
	Company      string   `json:"company"`
	SitesTracked int      `json:"sitesTracked"`
	Sites        []string `json:"sites"`
	Blocked      bool     `json:"blocked"`
}

// CompanyReach groups cross-site trackers by owner.
type CompanyReach struct {
	Company      string   `json:"company"`
	Trackers     []string `json:"trackers"`
	SitesTracked int      `json:"sitesTracked"`
}

// CrossSiteReport is the cross-site tracking aggregation.
type CrossSiteReport struct {
	Trackers  []CrossSiteTracker `json:"trackers"`
	Companies []CompanyReach     `json:"companies"`
}

// CrossSiteTracking lists trackers observed on at least two sites, sorted
// by site count, and groups them by company.
func (e *Engine) CrossSiteTracking() CrossSiteReport {
	hist := lo.Filter(e.History(), func(h TrackerHistory, _ int) bool { return len(h.Sites) >= 2 })
	trackers := lo.Map(hist, func(h TrackerHistory, _ int) CrossSiteTracker {
		return CrossSiteTracker{
			Domain:       h.Domain,
			Company:      h.Company,
			SitesTracked: len(h.Sites),
			Sites:        h.Sites,
			Blocked:      h.LastMode == model.ModeBlock || (e.blocked != nil && e.blocked.IsBlocked(h.Domain)),
		}
	})

	byCompany := lo.GroupBy(trackers, func(t CrossSiteTracker) string { return t.Company })
	companies := make([]CompanyReach, 0, len(byCompany))
	for company, ts := range byCompany {
		sites := lo.Uniq(lo.FlatMap(ts, func(t CrossSiteTracker, _ int) []string { return t.Sites }))
		domains := lo.Map(ts, func(t CrossSiteTracker, _ int) string { return t.Domain })
		sort.Strings(domains)
		companies = append(companies, CompanyReach{Company: company, Trackers: domains, SitesTracked: len(sites)})
	}
	sort.Slice(companies, func(i, j int) bool {
		if companies[i].SitesTracked != companies[j].SitesTracked {
			return companies[i].SitesTracked > companies[j].SitesTracked
		}
		return companies[i].Company < companies[j].Company
	})
	if trackers == nil {
		trackers = []CrossSiteTracker{}
	}
	return CrossSiteReport{Trackers: trackers, Companies: companies}
}

// Exposure is one data type and who likely collects it.
type Exposure struct {
	DataType  string   `json:"dataType"`
	Companies []string `json:"companies"`
	Trackers  []string `json:"trackers"`
}

// DataExposure infers collected data types from tracker categories and
// unions them across trackers, most companies first.
func (e *Engine) DataExposure() []Exposure {
	type acc struct {
		companies map[string]struct{}
		trackers  map[string]struct{}
	}
	byType := make(map[string]*acc)
	for _, h := range e.History() {
		for _, dt := range trackerdb.DataTypesByCategory[h.Category] {
			a := byType[dt]
			if a == nil {
				a = &acc{companies: make(map[string]struct{}), trackers: make(map[string]struct{})}
				byType[dt] = a
			}
			a.companies[h.Company] = struct{}{}
			a.trackers[h.Domain] = struct{}{}
		}
	}
	out := make([]Exposure, 0, len(byType))
	for dt, a := range byType {
		companies := lo.Keys(a.companies)
		trackers := lo.Keys(a.trackers)
		sort.Strings(companies)
		sort.Strings(trackers)
		out = append(out, Exposure{DataType: dt, Companies: companies, Trackers: trackers})
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i].Companies) != len(out[j].Companies) {
			return len(out[i].Companies) > len(out[j].Companies)
		}
		return out[i].DataType < out[j].DataType
	})
	return out
}

// Threat is one fingerprinting domain.
type Threat struct {
	Domain     string                  `json:"domain"`
	Techniques []fingerprint.Technique `json:"techniques"`
	Severity   string                  `json:"severity"`
	RiskScore  int                     `json:"riskScore"`
}

// FingerprintingThreats lists every flagged fingerprinting domain.
func (e *Engine) FingerprintingThreats() []Threat {
	if e.fp == nil {
		return []Threat{}
	}
	return lo.Map(e.fp.Summaries(), func(s fingerprint.Summary, _ int) Threat {
		return Threat{
			Domain:     s.Domain,
			Techniques: s.Techniques,
			Severity:   fingerprint.Severity(len(s.Techniques)),
			RiskScore:  s.RiskScore,
		}
	})
}

func (e *Engine) companies() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return lo.Uniq(lo.MapToSlice(e.trackers, func(_ string, t *trackerState) string { return t.company }))
}
