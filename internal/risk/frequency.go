package risk

import (
	"sync"
	"time"

	"github.com/ppiankov/trackwatch/internal/model"
)

// frequencyTable holds the request-frequency windows keyed by (session, domain).
// One mutex guards the whole table; entries are tiny and updates are O(window).
type frequencyTable struct {
	mu      sync.Mutex
	windows map[model.Key][]time.Time
}

func newFrequencyTable() *frequencyTable {
	return &frequencyTable{windows: make(map[model.Key][]time.Time)}
}

// observe appends now, drops entries older than window and returns the count.
func (f *frequencyTable) observe(key model.Key, now time.Time, window time.Duration) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	cutoff := now.Add(-window)
	kept := f.windows[key][:0]
	for _, t := range f.windows[key] {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	f.windows[key] = kept
	return len(kept)
}

func (f *frequencyTable) clearSession(session model.SessionID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k := range f.windows {
		if k.Session == session {
			delete(f.windows, k)
			n++
		}
	}
	return n
}

func (f *frequencyTable) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.windows)
}
