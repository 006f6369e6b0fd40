package pattern

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/trackwatch/internal/baseline"
	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/store"
)

// DayStats aggregates one calendar day (UTC).
type DayStats struct {
	Events      int                    `json:"events"`
	NewTrackers int                    `json:"newTrackers"`
	HighRisk    int                    `json:"highRisk"`
	Alerts      int                    `json:"alerts"`
	ByCategory  map[model.Category]int `json:"byCategory"`
}

// SiteStats aggregates one first-party site.
type SiteStats struct {
	Visits   int       `json:"visits"`
	Events   int       `json:"events"`
	LastSeen time.Time `json:"lastSeen"`
}

// History is the persisted long-term state.
type History struct {
	Days  map[string]*DayStats  `json:"days"`
	Hours [24]int               `json:"hours"`
	Sites map[string]*SiteStats `json:"sites"`
}

func newHistory() *History {
	return &History{Days: make(map[string]*DayStats), Sites: make(map[string]*SiteStats)}
}

const dayLayout = "2006-01-02"

func (h *History) day(t time.Time) *DayStats {
	k := t.UTC().Format(dayLayout)
	d := h.Days[k]
	if d == nil {
		d = &DayStats{ByCategory: make(map[model.Category]int)}
		h.Days[k] = d
	}
	return d
}

func (h *History) site(name string) *SiteStats {
	s := h.Sites[name]
	if s == nil {
		s = &SiteStats{}
		h.Sites[name] = s
	}
	return s
}

func (h *History) recordVisit(site string, at time.Time) {
	if site == "" {
		return
	}
	s := h.site(site)
	s.Visits++
	s.LastSeen = at
}

func (h *History) recordEvent(ev Event, alerts int, newTracker bool) {
	d := h.day(ev.At)
	d.Events++
	d.Alerts += alerts
	d.ByCategory[ev.Category]++
	if newTracker {
		d.NewTrackers++
	}
	if ev.Score >= 70 {
		d.HighRisk++
	}
	h.Hours[ev.At.UTC().Hour()]++
	if ev.Site != "" {
		s := h.site(ev.Site)
		s.Events++
		s.LastSeen = ev.At
	}
}

func (h *History) size() int {
	data, err := json.Marshal(h)
	if err != nil {
		return 0
	}
	return len(data)
}

// entrySize is the number of bytes a map entry adds to the encoded map,
// counting its separating comma.
func entrySize(key string, v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(key) + len(data) + 4
}

// prune drops the oldest days, then the least-visited sites (ties by name),
// until the serialized history fits budget. The newest day is kept. The
// history is encoded once; each deletion subtracts its entry's size.
func (h *History) prune(budget int) int {
	if budget <= 0 {
		return 0
	}
	size := h.size()
	if size <= budget {
		return 0
	}
	dropped := 0
	days := make([]string, 0, len(h.Days))
	for k := range h.Days {
		days = append(days, k)
	}
	sort.Strings(days)
	for _, k := range days[:max(len(days)-1, 0)] {
		size -= entrySize(k, h.Days[k])
		delete(h.Days, k)
		dropped++
		if size <= budget {
			return dropped
		}
	}

	sites := make([]string, 0, len(h.Sites))
	for k := range h.Sites {
		sites = append(sites, k)
	}
	sort.Slice(sites, func(i, j int) bool {
		a, b := h.Sites[sites[i]], h.Sites[sites[j]]
		if a.Visits != b.Visits {
			return a.Visits < b.Visits
		}
		return sites[i] < sites[j]
	})
	for _, k := range sites {
		size -= entrySize(k, h.Sites[k])
		delete(h.Sites, k)
		dropped++
		if size <= budget {
			return dropped
		}
	}
	return dropped
}

// HistorySnapshot returns a deep copy of the history.
func (a *Analyzer) HistorySnapshot() History {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out History
	data, _ := json.Marshal(a.history)
	_ = json.Unmarshal(data, &out)
	return out
}

type persisted struct {
	Baselines map[string][]float64 `json:"baselines"`
	History   *History             `json:"history"`
}

const stateKey = "state"

// Save writes baselines and history to the store.
func (a *Analyzer) Save(ctx context.Context) error {
	if a.st == nil {
		return nil
	}
	a.mu.Lock()
	a.history.prune(a.cfg.HistoryBudget)
	p := persisted{Baselines: make(map[string][]float64, len(a.baselines)), History: a.history}
	for m, w := range a.baselines {
		p.Baselines[m] = w.Values()
	}
	data, err := json.Marshal(p)
	a.mu.Unlock()
	if err != nil {
		return fmt.Errorf("encode pattern state: %w", err)
	}
	return a.st.Set(ctx, store.NSPattern, stateKey, data)
}

// Load restores baselines and history.
func (a *Analyzer) Load(ctx context.Context) error {
	if a.st == nil {
		return nil
	}
	p, err := store.GetJSON[persisted](ctx, a.st, store.NSPattern, stateKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.baselines = make(map[string]*baseline.Window, len(p.Baselines))
	for m, vals := range p.Baselines {
		a.baselines[m] = baseline.Restore(a.cfg.Window, vals)
	}
	if p.History != nil {
		if p.History.Days == nil {
			p.History.Days = make(map[string]*DayStats)
		}
		if p.History.Sites == nil {
			p.History.Sites = make(map[string]*SiteStats)
		}
		for _, d := range p.History.Days {
			if d.ByCategory == nil {
				d.ByCategory = make(map[model.Category]int)
			}
		}
		a.history = p.History
	}
	a.log.Debug("pattern state loaded", zap.Int("baselines", len(a.baselines)), zap.Int("days", len(a.history.Days)))
	return nil
}

// Clear resets in-memory state and deletes the persisted state.
func (a *Analyzer) Clear(ctx context.Context) error {
	a.Reset()
	if a.st == nil {
		return nil
	}
	if err := a.st.Delete(ctx, store.NSPattern, stateKey); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}
