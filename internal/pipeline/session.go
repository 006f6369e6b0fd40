package pipeline

import (
	"sort"
	"sync"
	"time"

	"github.com/ppiankov/trackwatch/internal/model"
)

// Tracker is one destination seen in a session.
type Tracker struct {
	Domain    string         `json:"domain"`
	Company   string         `json:"company"`
	Category  model.Category `json:"category"`
	Source    string         `json:"source,omitempty"`
	PeakScore int            `json:"peakScore"`
	LastScore int            `json:"lastScore"`
	LastMode  model.Mode     `json:"lastMode"`
	Count     int            `json:"count"`
	FirstSeen time.Time      `json:"firstSeen"`
	LastSeen  time.Time      `json:"lastSeen"`
}

// Stats counts a session's requests by outcome.
type Stats struct {
	Requests    int `json:"requests"`
	Skipped     int `json:"skipped"`
	Trackers    int `json:"trackers"`
	Allowed     int `json:"allowed"`
	Restricted  int `json:"restricted"`
	Sandboxed   int `json:"sandboxed"`
	Blocked     int `json:"blocked"`
	Deferred    int `json:"deferred"`
	Unconfirmed int `json:"unconfirmed"`
}

// SessionInfo is the registry's view of one session.
type SessionInfo struct {
	ID       model.SessionID  `json:"id"`
	URL      string           `json:"url,omitempty"`
	Site     string           `json:"site,omitempty"`
	Contexts model.ContextSet `json:"contexts"`
	Started  time.Time        `json:"started"`
	Stats    Stats            `json:"stats"`
}

// session state is guarded by its own mutex; the registry map by another.
type session struct {
	mu       sync.Mutex
	id       model.SessionID
	url      string
	site     string
	contexts model.ContextSet
	started  time.Time
	trackers map[string]*Tracker
	stats    Stats
}

type registry struct {
	mu       sync.RWMutex
	sessions map[model.SessionID]*session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[model.SessionID]*session)}
}

// get returns the session, creating it on first sight.
func (r *registry) get(id model.SessionID, now time.Time) *session {
	r.mu.RLock()
	s := r.sessions[id]
	r.mu.RUnlock()
	if s != nil {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s = r.sessions[id]; s == nil {
		s = &session{
			id:       id,
			contexts: model.NewContextSet(),
			started:  now,
			trackers: make(map[string]*Tracker),
		}
		r.sessions[id] = s
	}
	return s
}

func (r *registry) lookup(id model.SessionID) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

func (r *registry) remove(id model.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	return ok
}

func (r *registry) ids() []model.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.SessionID, 0, len(r.sessions))
	for id := range r.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *session) snapshotContexts() model.ContextSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contexts.Union(nil)
}

func (s *session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:       s.id,
		URL:      s.url,
		Site:     s.site,
		Contexts: s.contexts.Union(nil),
		Started:  s.started,
		Stats:    s.stats,
	}
}

func (s *session) skipped() {
	s.mu.Lock()
	s.stats.Requests++
	s.stats.Skipped++
	s.mu.Unlock()
}

// record folds a scored request into the session.
func (s *session) record(out Outcome, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Requests++

	id := out.Identity
	t := s.trackers[out.Domain]
	if t == nil {
		t = &Tracker{Domain: out.Domain, FirstSeen: at}
		s.trackers[out.Domain] = t
		s.stats.Trackers++
	}
	t.Company = id.Company
	t.Category = id.Category
	t.Source = string(id.Source)
	t.Count++
	t.LastScore = out.Score
	t.PeakScore = max(t.PeakScore, out.Score)
	t.LastMode = out.Result.Effective
	t.LastSeen = at

	switch out.Result.Effective {
	case model.ModeAllow:
		s.stats.Allowed++
	case model.ModeRestrict:
		s.stats.Restricted++
	case model.ModeSandbox:
		s.stats.Sandboxed++
	case model.ModeBlock:
		s.stats.Blocked++
	}
	if out.Result.Deferred {
		s.stats.Deferred++
	}
	if !out.Result.Confirmed {
		s.stats.Unconfirmed++
	}
}

func (s *session) trackerList() []Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Tracker, 0, len(s.trackers))
	for _, t := range s.trackers {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PeakScore != out[j].PeakScore {
			return out[i].PeakScore > out[j].PeakScore
		}
		return out[i].Domain < out[j].Domain
	})
	return out
}
