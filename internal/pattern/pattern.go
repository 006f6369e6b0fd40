// Package pattern keeps rolling baselines of tracker activity and raises
// anomaly alerts when a value strays too far from its baseline.
package pattern

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/trackwatch/internal/baseline"
	"github.com/ppiankov/trackwatch/internal/logging"
	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/store"
)

// AnomalyType names what was unusual.
type AnomalyType string

const (
	AnomalyTrackerCount  AnomalyType = "high_tracker_count"
	AnomalyRiskScore     AnomalyType = "high_risk_score"
	AnomalyCategorySpike AnomalyType = "category_spike"
)

// Event is one scored tracker request.
type Event struct {
	Session  model.SessionID `json:"session"`
	Domain   string          `json:"domain"`
	Site     string          `json:"site"`
	Category model.Category  `json:"category"`
	Score    int             `json:"score"`
	Mode     model.Mode      `json:"mode"`
	At       time.Time       `json:"at"`
}

// Alert is an anomaly report.
type Alert struct {
	ID       string          `json:"id"`
	Type     AnomalyType     `json:"type"`
	Session  model.SessionID `json:"session"`
	Domain   string          `json:"domain,omitempty"`
	Site     string          `json:"site,omitempty"`
	Category model.Category  `json:"category,omitempty"`
	Value    float64         `json:"value"`
	Mean     float64         `json:"mean"`
	StdDev   float64         `json:"stddev"`
	ZScore   float64         `json:"zscore"`
	At       time.Time       `json:"at"`
	Message  string          `json:"message"`
}

const (
	metricTrackerCount = "tracker_count"
	metricRiskScore    = "risk_score"
	categoryPrefix     = "category:"
)

// visit is one session's stay on one site.
type visit struct {
	site       string
	trackers   map[string]struct{}
	categories map[model.Category]int
	alerted    map[string]bool
}

func newVisit(site string) *visit {
	return &visit{
		site:       site,
		trackers:   make(map[string]struct{}),
		categories: make(map[model.Category]int),
		alerted:    make(map[string]bool),
	}
}

type sessionState struct {
	events   []Event
	trackers map[string]int // domain -> peak score
	alerts   []Alert
	visit    *visit
}

// Analyzer is safe for concurrent use. One mutex guards all state.
type Analyzer struct {
	cfg *Config
	st  store.Store
	log *zap.Logger

	now func() time.Time

	mu        sync.Mutex
	baselines map[string]*baseline.Window
	sessions  map[model.SessionID]*sessionState
	history   *History
	// sincePrune counts events since the history budget was last enforced.
	sincePrune int
}

// pruneEvery is how many events may pass between history budget checks.
const pruneEvery = 256

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithStore persists baselines and history in the pattern namespace.
func WithStore(st store.Store) Option { return func(a *Analyzer) { a.st = st } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(a *Analyzer) { a.log = logging.OrNop(l) } }

// WithClock sets the time source for visits and unstamped events.
func WithClock(now func() time.Time) Option { return func(a *Analyzer) { a.now = now } }

// New creates an analyzer. A nil cfg means DefaultConfig.
func New(cfg *Config, opts ...Option) *Analyzer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	a := &Analyzer{
		cfg:       cfg,
		log:       zap.NewNop(),
		now:       time.Now,
		baselines: make(map[string]*baseline.Window),
		sessions:  make(map[model.SessionID]*sessionState),
		history:   newHistory(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Analyzer) window(metric string) *baseline.Window {
	w := a.baselines[metric]
	if w == nil {
		w = baseline.New(a.cfg.Window)
		a.baselines[metric] = w
	}
	return w
}

func (a *Analyzer) session(id model.SessionID) *sessionState {
	s := a.sessions[id]
	if s == nil {
		s = &sessionState{trackers: make(map[string]int)}
		a.sessions[id] = s
	}
	return s
}

// StartVisit marks a navigation to site. The previous visit's counts are
// folded into the baselines.
func (a *Analyzer) StartVisit(session model.SessionID, site string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.session(session)
	site = strings.ToLower(site)
	if s.visit != nil && s.visit.site == site {
		return
	}
	a.endVisitLocked(s)
	s.visit = newVisit(site)
	a.history.recordVisit(site, a.now())
}

// endVisitLocked adds a finished visit's tracker and category counts to the
// baselines. Categories with a baseline but no events in the visit get a 0.
func (a *Analyzer) endVisitLocked(s *sessionState) {
	v := s.visit
	if v == nil {
		return
	}
	s.visit = nil
	if len(v.trackers) == 0 && v.site == "" {
		return
	}
	a.window(metricTrackerCount).Add(float64(len(v.trackers)))
	seen := make(map[model.Category]bool)
	for cat, n := range v.categories {
		a.window(categoryPrefix + string(cat)).Add(float64(n))
		seen[cat] = true
	}
	for metric, w := range a.baselines {
		if cat, ok := strings.CutPrefix(metric, categoryPrefix); ok && !seen[model.Category(cat)] {
			w.Add(0)
		}
	}
}

// RecordEvent adds ev to its session and returns any anomalies it reveals.
// Each value is compared against the baseline as it stood before the value.
func (a *Analyzer) RecordEvent(ev Event) []Alert {
	if ev.At.IsZero() {
		ev.At = a.now()
	}
	ev.Domain = strings.ToLower(ev.Domain)
	ev.Site = strings.ToLower(ev.Site)

	a.mu.Lock()
	defer a.mu.Unlock()

	s := a.session(ev.Session)
	s.events = append(s.events, ev)
	if limit := a.cfg.SessionEvents; limit > 0 && len(s.events) > limit {
		s.events = s.events[len(s.events)-limit:]
	}
	if ev.Score > s.trackers[ev.Domain] {
		s.trackers[ev.Domain] = ev.Score
	} else if _, ok := s.trackers[ev.Domain]; !ok {
		s.trackers[ev.Domain] = ev.Score
	}

	if s.visit == nil || (ev.Site != "" && s.visit.site != ev.Site) {
		a.endVisitLocked(s)
		s.visit = newVisit(ev.Site)
		a.history.recordVisit(ev.Site, ev.At)
	}
	v := s.visit

	var alerts []Alert
	emit := func(t AnomalyType, value float64, w *baseline.Window, z float64, msg string) {
		al := Alert{
			ID:      uuid.NewString(),
			Type:    t,
			Session: ev.Session,
			Domain:  ev.Domain,
			Site:    ev.Site,
			Value:   value,
			Mean:    w.Mean(),
			StdDev:  w.StdDev(),
			ZScore:  z,
			At:      ev.At,
			Message: msg,
		}
		if t == AnomalyCategorySpike {
			al.Category = ev.Category
		}
		alerts = append(alerts, al)
	}

	// Risk score: every event is a point. Only unusually high scores alert.
	rw := a.window(metricRiskScore)
	if z, hit := rw.Check(float64(ev.Score), a.cfg.MinPoints, a.cfg.Threshold); hit && float64(ev.Score) > rw.Mean() {
		emit(AnomalyRiskScore, float64(ev.Score), rw,
			z, fmt.Sprintf("%s scored %d, baseline mean %.1f", ev.Domain, ev.Score, rw.Mean()))
	}
	rw.Add(float64(ev.Score))

	// Tracker and category counts are partial until the visit ends, so only
	// values above the mean of finished visits are reported.
	_, known := v.trackers[ev.Domain]
	v.trackers[ev.Domain] = struct{}{}
	v.categories[ev.Category]++
	if !known && !v.alerted[metricTrackerCount] {
		tw := a.window(metricTrackerCount)
		n := float64(len(v.trackers))
		if z, hit := tw.Check(n, a.cfg.MinPoints, a.cfg.Threshold); hit && n > tw.Mean() {
			v.alerted[metricTrackerCount] = true
			emit(AnomalyTrackerCount, n, tw,
				z, fmt.Sprintf("%d trackers on %s, baseline mean %.1f", int(n), siteLabel(ev.Site), tw.Mean()))
		}
	}
	metric := categoryPrefix + string(ev.Category)
	if !v.alerted[metric] {
		cw := a.window(metric)
		n := float64(v.categories[ev.Category])
		if z, hit := cw.Check(n, a.cfg.MinPoints, a.cfg.Threshold); hit && n > cw.Mean() {
			v.alerted[metric] = true
			emit(AnomalyCategorySpike, n, cw,
				z, fmt.Sprintf("%d %s requests on %s, baseline mean %.1f", int(n), ev.Category, siteLabel(ev.Site), cw.Mean()))
		}
	}

	s.alerts = append(s.alerts, alerts...)
	a.history.recordEvent(ev, len(alerts), !known)
	a.sincePrune++
	if a.sincePrune >= pruneEvery {
		a.sincePrune = 0
		a.history.prune(a.cfg.HistoryBudget)
	}

	for _, al := range alerts {
		a.log.Info("anomaly detected", zap.String("type", string(al.Type)), zap.String("session", string(al.Session)),
			zap.String("domain", al.Domain), zap.Float64("zscore", al.ZScore))
	}
	return alerts
}

func siteLabel(site string) string {
	if site == "" {
		return "unknown site"
	}
	return site
}

// EndSession folds the open visit into the baselines and drops the
// session's events.
func (a *Analyzer) EndSession(session model.SessionID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.sessions[session]
	if s == nil {
		return
	}
	a.endVisitLocked(s)
	delete(a.sessions, session)
}

// Alerts returns the session's alerts, oldest first.
func (a *Analyzer) Alerts(session model.SessionID) []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.sessions[session]
	if s == nil {
		return nil
	}
	return append([]Alert(nil), s.alerts...)
}

// BaselineStats describes one metric's baseline.
type BaselineStats struct {
	Metric string  `json:"metric"`
	Points int     `json:"points"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
}

// Baselines returns every metric's baseline, sorted by name.
func (a *Analyzer) Baselines() []BaselineStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]BaselineStats, 0, len(a.baselines))
	for m, w := range a.baselines {
		out = append(out, BaselineStats{Metric: m, Points: w.Len(), Mean: w.Mean(), StdDev: w.StdDev()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out
}

// Reset clears baselines, sessions and history.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.baselines = make(map[string]*baseline.Window)
	a.sessions = make(map[model.SessionID]*sessionState)
	a.history = newHistory()
	a.sincePrune = 0
}
