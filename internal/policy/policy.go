// Package policy turns a risk score, the active contexts and any user
// override into an enforcement mode.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/trackwatch/internal/logging"
	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/store"
)

// ContextOverrider maps a mode through the context override table.
// zone.Detector implements it.
type ContextOverrider interface {
	ApplyOverride(mode model.Mode, contexts model.ContextSet) model.Mode
}

// Decision is a resolved mode with its provenance.
type Decision struct {
	// Base is the threshold mode before any context override.
	Base model.Mode `json:"base"`
	// Mode is the mode to enforce.
	Mode model.Mode `json:"mode"`
	// Override is set when a user override decided the mode.
	Override *model.Override `json:"override,omitempty"`
	Reason   string          `json:"reason"`
}

// Engine resolves modes and owns user overrides. Overrides are cached in
// memory and written through to the store.
type Engine struct {
	cfg      atomic.Pointer[Config]
	contexts ContextOverrider
	st       store.Store
	log      *zap.Logger
	now      func() time.Time

	mu        sync.RWMutex
	overrides map[string]model.Override
}

// New creates a policy engine. contexts may be nil (no context overrides).
func New(cfg *Config, contexts ContextOverrider, st store.Store, log *zap.Logger) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if st == nil {
		st = store.NewMemory()
	}
	e := &Engine{
		contexts:  contexts,
		st:        st,
		log:       logging.OrNop(log),
		now:       time.Now,
		overrides: make(map[string]model.Override),
	}
	e.cfg.Store(cfg)
	return e
}

// SetConfig swaps thresholds.
func (e *Engine) SetConfig(cfg *Config) {
	if cfg != nil {
		e.cfg.Store(cfg)
	}
}

// Config returns the active configuration.
func (e *Engine) Config() *Config { return e.cfg.Load() }

// DetermineMode resolves the score-derived mode, then passes it through the
// context override table when contexts are active.
func (e *Engine) DetermineMode(score int, contexts model.ContextSet) (base, mode model.Mode) {
	base = e.cfg.Load().Thresholds.ModeFor(score)
	mode = base
	if !contexts.Empty() && e.contexts != nil {
		mode = e.contexts.ApplyOverride(base, contexts)
	}
	return base, mode
}

// Decide combines DetermineMode with the user override for (session, domain).
func (e *Engine) Decide(score int, contexts model.ContextSet, domain string, session model.SessionID) Decision {
	if o, ok := e.GetUserOverride(domain, session); ok {
		return Decision{
			Base:     o.Mode,
			Mode:     o.Mode,
			Override: &o,
			Reason:   fmt.Sprintf("user override (%s)", o.Scope),
		}
	}
	base, mode := e.DetermineMode(score, contexts)
	reason := fmt.Sprintf("score %d", score)
	if mode != base {
		reason = fmt.Sprintf("score %d, %s softened to %s in %s", score, base, mode, contexts)
	}
	return Decision{Base: base, Mode: mode, Reason: reason}
}

// ShouldDeferBlocking is true exactly when mode is block and contexts are active.
func ShouldDeferBlocking(mode model.Mode, contexts model.ContextSet) bool {
	return mode == model.ModeBlock && !contexts.Empty()
}

const (
	globalPrefix = "global|"
	tabPrefix    = "tab|"
)

func globalKey(domain string) string { return globalPrefix + domain }

func tabKey(session model.SessionID, domain string) string {
	return tabPrefix + string(session) + "|" + domain
}

func normDomain(d string) string { return strings.ToLower(strings.TrimSpace(d)) }

// Load reads persisted overrides into memory.
func (e *Engine) Load(ctx context.Context) error {
	keys, err := e.st.Keys(ctx, store.NSOverrides, "")
	if err != nil {
		return fmt.Errorf("list overrides: %w", err)
	}
	loaded := make(map[string]model.Override, len(keys))
	for _, k := range keys {
		o, err := store.GetJSON[model.Override](ctx, e.st, store.NSOverrides, k)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			e.log.Warn("skipping unreadable override", zap.String("key", k), zap.Error(err))
			continue
		}
		loaded[k] = o
	}
	e.mu.Lock()
	e.overrides = loaded
	e.mu.Unlock()
	return nil
}

// GetUserOverride checks the tab-scoped entries first, then the global ones.
// Within a scope the most specific domain wins, so an override on
// hotjar.com also covers script.hotjar.com.
func (e *Engine) GetUserOverride(domain string, session model.SessionID) (model.Override, bool) {
	domain = normDomain(domain)
	if domain == "" {
		return model.Override{}, false
	}
	candidates := model.ParentDomains(domain)
	e.mu.RLock()
	defer e.mu.RUnlock()
	if session != "" {
		for _, d := range candidates {
			if o, ok := e.overrides[tabKey(session, d)]; ok {
				return o, true
			}
		}
	}
	for _, d := range candidates {
		if o, ok := e.overrides[globalKey(d)]; ok {
			return o, true
		}
	}
	return model.Override{}, false
}

// SetUserOverride stores a forced mode. An empty session means global scope.
func (e *Engine) SetUserOverride(ctx context.Context, domain string, session model.SessionID, mode model.Mode) (model.Override, error) {
	domain = normDomain(domain)
	if domain == "" {
		return model.Override{}, errors.New("domain is required")
	}
	if _, ok := model.ParseMode(string(mode)); !ok {
		return model.Override{}, fmt.Errorf("unknown mode %q", mode)
	}
	o := model.Override{Domain: domain, Session: session, Mode: mode, Scope: model.ScopeGlobal, CreatedAt: e.now().UTC()}
	key := globalKey(domain)
	if session != "" {
		o.Scope = model.ScopeTab
		key = tabKey(session, domain)
	}
	if err := store.SetJSON(ctx, e.st, store.NSOverrides, key, o); err != nil {
		return model.Override{}, fmt.Errorf("persist override: %w", err)
	}
	e.mu.Lock()
	e.overrides[key] = o
	e.mu.Unlock()
	e.log.Info("override set", zap.String("domain", domain), zap.String("session", string(session)), zap.String("mode", string(mode)))
	return o, nil
}

// RemoveUserOverride deletes the override in the given scope. Removing a
// missing override is not an error.
func (e *Engine) RemoveUserOverride(ctx context.Context, domain string, session model.SessionID) error {
	domain = normDomain(domain)
	key := globalKey(domain)
	if session != "" {
		key = tabKey(session, domain)
	}
	if err := e.st.Delete(ctx, store.NSOverrides, key); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete override: %w", err)
	}
	e.mu.Lock()
	delete(e.overrides, key)
	e.mu.Unlock()
	return nil
}

// ClearSessionOverrides removes every tab-scoped override of session.
func (e *Engine) ClearSessionOverrides(ctx context.Context, session model.SessionID) error {
	prefix := tabPrefix + string(session) + "|"
	e.mu.Lock()
	var keys []string
	for k := range e.overrides {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
			delete(e.overrides, k)
		}
	}
	e.mu.Unlock()

	// Also catch entries written by another process sharing the store.
	stored, err := e.st.Keys(ctx, store.NSOverrides, prefix)
	if err == nil {
		keys = append(keys, stored...)
	}
	var errs []error
	for _, k := range keys {
		if err := e.st.Delete(ctx, store.NSOverrides, k); err != nil && !errors.Is(err, store.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Overrides lists the cached overrides.
func (e *Engine) Overrides() []model.Override {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Override, 0, len(e.overrides))
	for _, o := range e.overrides {
		out = append(out, o)
	}
	return out
}
