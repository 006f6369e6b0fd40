// Package fingerprint tracks per-destination API probing and flags
// fingerprinting techniques once their call thresholds are crossed.
// Flags only grow until a domain is explicitly cleared.
package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/trackwatch/internal/baseline"
	"github.com/ppiankov/trackwatch/internal/logging"
	"github.com/ppiankov/trackwatch/internal/store"
)

// Record is the persisted state of one domain.
type Record struct {
	Domain     string            `json:"domain"`
	Techniques []Technique       `json:"techniques"`
	Calls      map[Technique]int `json:"calls"`
	FirstSeen  time.Time         `json:"firstSeen"`
	LastSeen   time.Time         `json:"lastSeen"`
}

func (r *Record) flagged(t Technique) bool {
	for _, x := range r.Techniques {
		if x == t {
			return true
		}
	}
	return false
}

func (r *Record) total() int {
	n := 0
	for _, c := range r.Calls {
		n += c
	}
	return n
}

// Summary is the externally visible view of a domain.
type Summary struct {
	Domain       string            `json:"domain"`
	Techniques   []Technique       `json:"techniques"`
	Calls        map[Technique]int `json:"calls"`
	TotalCalls   int               `json:"totalCalls"`
	RiskScore    int               `json:"riskScore"`
	Severity     string            `json:"severity,omitempty"`
	AnomalyScore float64           `json:"anomalyScore"`
	Anomalous    bool              `json:"anomalous"`
}

// Update is returned by RecordAPICall.
type Update struct {
	Domain string `json:"domain"`
	// Flagged is the technique newly flagged by this call, if any.
	Flagged Technique `json:"flagged,omitempty"`
	// BecameCritical is set when this call took the domain to critical severity.
	BecameCritical bool    `json:"becameCritical,omitempty"`
	Summary        Summary `json:"summary"`
}

// Detector is safe for concurrent use. One mutex guards all records.
type Detector struct {
	cfg *Config
	st  store.Store
	log *zap.Logger
	now func() time.Time

	mu      sync.Mutex
	records map[string]*Record
	dirty   map[string]struct{}
}

// Option configures a Detector.
type Option func(*Detector)

// WithStore persists records in the fingerprint namespace.
func WithStore(st store.Store) Option { return func(d *Detector) { d.st = st } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(d *Detector) { d.log = logging.OrNop(l) } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(d *Detector) { d.now = now } }

// New creates a detector. A nil cfg means DefaultConfig.
func New(cfg *Config, opts ...Option) *Detector {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	d := &Detector{
		cfg:     cfg,
		log:     zap.NewNop(),
		now:     time.Now,
		records: make(map[string]*Record),
		dirty:   make(map[string]struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Config returns the detector's parameters.
func (d *Detector) Config() *Config { return d.cfg }

func norm(domain string) string { return strings.ToLower(strings.TrimSpace(domain)) }

// RecordAPICall counts one API access. Unknown techniques are rejected.
func (d *Detector) RecordAPICall(ctx context.Context, domain string, technique string, details map[string]string) (Update, error) {
	domain = norm(domain)
	if domain == "" {
		return Update{}, errors.New("domain is required")
	}
	t, ok := ParseTechnique(strings.ToLower(strings.TrimSpace(technique)))
	if !ok {
		return Update{}, fmt.Errorf("unknown technique %q", technique)
	}

	d.mu.Lock()
	now := d.now()
	r := d.records[domain]
	if r == nil {
		r = &Record{Domain: domain, Calls: make(map[Technique]int), FirstSeen: now}
		d.records[domain] = r
	}
	r.Calls[t]++
	r.LastSeen = now

	up := Update{Domain: domain}
	if !r.flagged(t) {
		threshold := d.cfg.Thresholds[t]
		if d.cfg.unconditional(t, details) || (threshold > 0 && r.Calls[t] >= threshold) {
			before := len(r.Techniques)
			r.Techniques = append(r.Techniques, t)
			sortTechniques(r.Techniques)
			up.Flagged = t
			up.BecameCritical = Severity(before) != "critical" && Severity(len(r.Techniques)) == "critical"
		}
	}
	d.dirty[domain] = struct{}{}
	up.Summary = d.summaryLocked(r)
	d.mu.Unlock()

	if up.Flagged != "" {
		d.log.Info("fingerprinting technique flagged",
			zap.String("domain", domain), zap.String("technique", string(t)), zap.Int("score", up.Summary.RiskScore))
		if err := d.persist(ctx, domain); err != nil {
			d.log.Warn("persisting fingerprint record failed", zap.String("domain", domain), zap.Error(err))
		}
	}
	return up, nil
}

// Techniques returns the flagged techniques of domain.
func (d *Detector) Techniques(domain string) []Technique {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.records[norm(domain)]
	if r == nil {
		return nil
	}
	return append([]Technique(nil), r.Techniques...)
}

// GetRiskScore sums the weights of flagged techniques, clamped to 100.
func (d *Detector) GetRiskScore(domain string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.records[norm(domain)]
	if r == nil {
		return 0
	}
	return d.scoreLocked(r)
}

func (d *Detector) scoreLocked(r *Record) int {
	s := 0
	for _, t := range r.Techniques {
		s += d.cfg.Weights[t]
	}
	if s > 100 {
		return 100
	}
	return s
}

// GetSummary reports the domain's state plus a volume anomaly score.
func (d *Detector) GetSummary(domain string) (Summary, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r := d.records[norm(domain)]
	if r == nil {
		return Summary{Domain: norm(domain)}, false
	}
	return d.summaryLocked(r), true
}

func (d *Detector) summaryLocked(r *Record) Summary {
	s := Summary{
		Domain:     r.Domain,
		Techniques: append([]Technique(nil), r.Techniques...),
		Calls:      make(map[Technique]int, len(r.Calls)),
		TotalCalls: r.total(),
		RiskScore:  d.scoreLocked(r),
	}
	for t, c := range r.Calls {
		s.Calls[t] = c
	}
	if len(r.Techniques) > 0 {
		s.Severity = Severity(len(r.Techniques))
	}

	others := d.recentOthersLocked(r.Domain)
	if len(others) >= max(d.cfg.MinBaseline, 1) {
		mean, sd := baseline.Stats(others)
		s.AnomalyScore = baseline.ZScore(float64(s.TotalCalls), mean, sd)
		s.Anomalous = s.AnomalyScore > d.cfg.AnomalyThreshold
	}
	return s
}

// recentOthersLocked returns total call volumes of the most recently active
// domains other than exclude.
func (d *Detector) recentOthersLocked(exclude string) []float64 {
	recs := make([]*Record, 0, len(d.records))
	for dom, r := range d.records {
		if dom != exclude {
			recs = append(recs, r)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].LastSeen.Equal(recs[j].LastSeen) {
			return recs[i].LastSeen.After(recs[j].LastSeen)
		}
		return recs[i].Domain < recs[j].Domain
	})
	limit := d.cfg.BaselineDomains
	if limit <= 0 {
		limit = baseline.DefaultSize
	}
	if len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]float64, len(recs))
	for i, r := range recs {
		out[i] = float64(r.total())
	}
	return out
}

// Summaries returns every domain with at least one flagged technique,
// highest risk first.
func (d *Detector) Summaries() []Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Summary
	for _, r := range d.records {
		if len(r.Techniques) > 0 {
			out = append(out, d.summaryLocked(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RiskScore != out[j].RiskScore {
			return out[i].RiskScore > out[j].RiskScore
		}
		return out[i].Domain < out[j].Domain
	})
	return out
}

// ClearDomain forgets one domain, including its persisted record.
func (d *Detector) ClearDomain(ctx context.Context, domain string) error {
	domain = norm(domain)
	d.mu.Lock()
	delete(d.records, domain)
	delete(d.dirty, domain)
	d.mu.Unlock()
	if d.st == nil {
		return nil
	}
	if err := d.st.Delete(ctx, store.NSFingerprint, domain); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// ClearAll forgets every domain.
func (d *Detector) ClearAll(ctx context.Context) error {
	d.mu.Lock()
	d.records = make(map[string]*Record)
	d.dirty = make(map[string]struct{})
	d.mu.Unlock()
	if d.st == nil {
		return nil
	}
	keys, err := d.st.Keys(ctx, store.NSFingerprint, "")
	if err != nil {
		return err
	}
	var errs []error
	for _, k := range keys {
		if err := d.st.Delete(ctx, store.NSFingerprint, k); err != nil && !errors.Is(err, store.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Load restores persisted records.
func (d *Detector) Load(ctx context.Context) error {
	if d.st == nil {
		return nil
	}
	keys, err := d.st.Keys(ctx, store.NSFingerprint, "")
	if err != nil {
		return fmt.Errorf("list fingerprint records: %w", err)
	}
	loaded := make(map[string]*Record, len(keys))
	for _, k := range keys {
		r, err := store.GetJSON[Record](ctx, d.st, store.NSFingerprint, k)
		if err != nil {
			d.log.Warn("skipping unreadable fingerprint record", zap.String("domain", k), zap.Error(err))
			continue
		}
		if r.Calls == nil {
			r.Calls = make(map[Technique]int)
		}
		r.Domain = k
		loaded[k] = &r
	}
	d.mu.Lock()
	d.records = loaded
	d.dirty = make(map[string]struct{})
	d.mu.Unlock()
	return nil
}

// Flush writes every record changed since the last write.
func (d *Detector) Flush(ctx context.Context) error {
	d.mu.Lock()
	domains := make([]string, 0, len(d.dirty))
	for dom := range d.dirty {
		domains = append(domains, dom)
	}
	d.mu.Unlock()
	var errs []error
	for _, dom := range domains {
		if err := d.persist(ctx, dom); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Detector) persist(ctx context.Context, domain string) error {
	if d.st == nil {
		return nil
	}
	d.mu.Lock()
	r := d.records[domain]
	if r == nil {
		d.mu.Unlock()
		return nil
	}
	snap := Record{
		Domain:     r.Domain,
		Techniques: append([]Technique(nil), r.Techniques...),
		Calls:      make(map[Technique]int, len(r.Calls)),
		FirstSeen:  r.FirstSeen,
		LastSeen:   r.LastSeen,
	}
	for t, c := range r.Calls {
		snap.Calls[t] = c
	}
	delete(d.dirty, domain)
	d.mu.Unlock()
	return store.SetJSON(ctx, d.st, store.NSFingerprint, domain, snap)
}

func sortTechniques(ts []Technique) {
	order := make(map[Technique]int, len(Techniques))
	for i, t := range Techniques {
		order[t] = i
	}
	sort.Slice(ts, func(i, j int) bool { return order[ts[i]] < order[ts[j]] })
}
