package classify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/store"
)

// Correction is a user-submitted category for a domain.
type Correction struct {
	Domain    string         `json:"domain"`
	Category  model.Category `json:"category"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Feedback keeps category corrections in memory and in the feedback namespace.
type Feedback struct {
	st          store.Store
	mu          sync.RWMutex
	corrections map[string]Correction
}

// NewFeedback creates an empty correction table backed by st.
func NewFeedback(st store.Store) *Feedback {
	return &Feedback{st: st, corrections: make(map[string]Correction)}
}

// Load reads persisted corrections.
func (f *Feedback) Load(ctx context.Context) error {
	keys, err := f.st.Keys(ctx, store.NSFeedback, "")
	if err != nil {
		return fmt.Errorf("list feedback: %w", err)
	}
	loaded := make(map[string]Correction, len(keys))
	for _, k := range keys {
		c, err := store.GetJSON[Correction](ctx, f.st, store.NSFeedback, k)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return err
		}
		loaded[k] = c
	}
	f.mu.Lock()
	f.corrections = loaded
	f.mu.Unlock()
	return nil
}

// Submit records a correction. The category must be one of the closed set.
func (f *Feedback) Submit(ctx context.Context, domain, category string) (Correction, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return Correction{}, errors.New("domain is required")
	}
	cat := model.ParseCategory(category)
	if !strings.EqualFold(string(cat), strings.TrimSpace(category)) {
		return Correction{}, fmt.Errorf("unknown category %q", category)
	}
	c := Correction{Domain: domain, Category: cat, CreatedAt: time.Now().UTC()}
	if err := store.SetJSON(ctx, f.st, store.NSFeedback, domain, c); err != nil {
		return Correction{}, err
	}
	f.mu.Lock()
	f.corrections[domain] = c
	f.mu.Unlock()
	return c, nil
}

// Lookup returns the correction for host or its closest parent.
func (f *Feedback) Lookup(host string) (Correction, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, d := range model.ParentDomains(host) {
		if c, ok := f.corrections[d]; ok {
			return c, true
		}
	}
	return Correction{}, false
}

// All returns every correction.
func (f *Feedback) All() []Correction {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Correction, 0, len(f.corrections))
	for _, c := range f.corrections {
		out = append(out, c)
	}
	return out
}
