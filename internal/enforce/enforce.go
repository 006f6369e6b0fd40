// Package enforce applies enforcement modes to destinations. It owns the
// domain to rule-id bookkeeping for the filtering capability, defers blocks
// while a sensitive context is active and reconciles with installed rules at
// startup.
package enforce

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ppiankov/trackwatch/internal/filter"
	"github.com/ppiankov/trackwatch/internal/logging"
	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/store"
)

// ErrRuleNotFound is returned when unblocking a domain that has no block rule.
var ErrRuleNotFound = errors.New("enforce: no block rule for domain")

// Directives delivers page-level directives (header limits, storage
// blocking) to the UI layer.
type Directives interface {
	Apply(ctx context.Context, session model.SessionID, domain string, action Action) error
}

// ActionResult is the outcome of a single action.
type ActionResult struct {
	Action    Action `json:"action"`
	OK        bool   `json:"ok"`
	LocalOnly bool   `json:"localOnly,omitempty"`
	RuleID    int    `json:"ruleId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Result describes what Enforce did.
type Result struct {
	Domain    string          `json:"domain"`
	Session   model.SessionID `json:"session"`
	Requested model.Mode      `json:"requested"`
	Effective model.Mode      `json:"effective"`
	Deferred  bool            `json:"deferred,omitempty"`
	// Confirmed is false when any action failed; the mode was attempted
	// but cannot be relied on.
	Confirmed bool           `json:"confirmed"`
	Actions   []ActionResult `json:"actions,omitempty"`
}

// Mapping is the persisted rule bookkeeping.
type Mapping struct {
	NextID int            `json:"nextId"`
	Block  map[string]int `json:"block"`
	Cookie map[string]int `json:"cookie"`
}

// Engine is safe for concurrent use. Filter calls for the same domain are
// serialized; different domains proceed concurrently.
type Engine struct {
	filter     filter.Filter
	directives Directives
	st         store.Store
	log        *zap.Logger
	cfg        atomic.Pointer[Config]

	mu       sync.Mutex
	block    map[string]int
	cookie   map[string]int
	nextID   int
	deferred map[model.SessionID]map[string]struct{}
	inflight map[string]chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithDirectives sets the page directive collaborator.
func WithDirectives(d Directives) Option { return func(e *Engine) { e.directives = d } }

// WithStore persists the rule mapping.
func WithStore(st store.Store) Option { return func(e *Engine) { e.st = st } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = logging.OrNop(l) } }

// New creates an engine over f. A nil cfg means DefaultConfig.
func New(f filter.Filter, cfg *Config, opts ...Option) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e := &Engine{
		filter:   f,
		log:      zap.NewNop(),
		block:    make(map[string]int),
		cookie:   make(map[string]int),
		nextID:   1,
		deferred: make(map[model.SessionID]map[string]struct{}),
		inflight: make(map[string]chan struct{}),
	}
	e.cfg.Store(cfg)
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetConfig swaps the action sets.
func (e *Engine) SetConfig(cfg *Config) {
	if cfg != nil {
		e.cfg.Store(cfg)
	}
}

func norm(domain string) string { return strings.ToLower(strings.TrimSpace(domain)) }

// acquire serializes filter calls for one domain.
func (e *Engine) acquire(ctx context.Context, domain string) (func(), error) {
	for {
		e.mu.Lock()
		ch, busy := e.inflight[domain]
		if !busy {
			ch = make(chan struct{})
			e.inflight[domain] = ch
			e.mu.Unlock()
			return func() {
				e.mu.Lock()
				delete(e.inflight, domain)
				e.mu.Unlock()
				close(ch)
			}, nil
		}
		e.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *Engine) allocateLocked() int {
	id := e.nextID
	e.nextID++
	return id
}

// Enforce executes the action set for mode. A block under active contexts
// is deferred and reported as sandbox. Action failures are logged and
// reflected in Confirmed, never returned.
func (e *Engine) Enforce(ctx context.Context, domain string, mode model.Mode, session model.SessionID, contexts model.ContextSet) Result {
	domain = norm(domain)
	res := Result{Domain: domain, Session: session, Requested: mode, Effective: mode, Confirmed: true}

	if mode == model.ModeBlock && !contexts.Empty() {
		e.DeferBlock(session, domain)
		res.Deferred = true
		res.Effective = model.ModeSandbox
		e.log.Debug("block deferred",
			zap.String("domain", domain), zap.String("session", string(session)), zap.Stringer("contexts", contexts))
	}

	for _, a := range e.cfg.Load().Actions[res.Effective] {
		ar := e.run(ctx, session, domain, a)
		if !ar.OK {
			res.Confirmed = false
		}
		res.Actions = append(res.Actions, ar)
	}
	return res
}

func (e *Engine) run(ctx context.Context, session model.SessionID, domain string, a Action) ActionResult {
	ar := ActionResult{Action: a}
	var err error
	switch a {
	case ActionStripCookies, ActionBlockCookies:
		ar.RuleID, err = e.ensureCookieRule(ctx, domain)
	case ActionBlockRequest:
		ar.RuleID, err = e.BlockRequest(ctx, domain)
	case ActionLimitHeaders, ActionBlockStorage:
		if e.directives == nil {
			ar.LocalOnly = true
		} else {
			err = e.directives.Apply(ctx, session, domain, a)
		}
	default:
		err = fmt.Errorf("unknown action %q", a)
	}
	if err != nil {
		e.log.Warn("enforcement action failed",
			zap.String("domain", domain), zap.String("session", string(session)),
			zap.String("action", string(a)), zap.Error(err))
		ar.Error = err.Error()
		return ar
	}
	ar.OK = true
	return ar
}

// BlockRequest installs a block rule for domain and returns its id. A
// domain that is already blocked returns its existing id.
func (e *Engine) BlockRequest(ctx context.Context, domain string) (int, error) {
	domain = norm(domain)
	if domain == "" {
		return 0, errors.New("domain is required")
	}
	release, err := e.acquire(ctx, domain)
	if err != nil {
		return 0, err
	}
	defer release()

	e.mu.Lock()
	if id, ok := e.block[domain]; ok {
		e.mu.Unlock()
		return id, nil
	}
	id := e.allocateLocked()
	e.mu.Unlock()

	if err := e.filter.InstallBlockRule(ctx, id, domain); err != nil {
		return 0, fmt.Errorf("install block rule %d for %s: %w", id, domain, err)
	}

	e.mu.Lock()
	e.block[domain] = id
	e.mu.Unlock()
	e.persist(ctx)
	e.log.Info("domain blocked", zap.String("domain", domain), zap.Int("rule_id", id))
	return id, nil
}

// UnblockRequest removes the block rule of domain.
func (e *Engine) UnblockRequest(ctx context.Context, domain string) error {
	domain = norm(domain)
	release, err := e.acquire(ctx, domain)
	if err != nil {
		return err
	}
	defer release()

	e.mu.Lock()
	id, ok := e.block[domain]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, domain)
	}

	if err := e.filter.RemoveRule(ctx, id); err != nil {
		e.log.Warn("rule removal failed, re-deriving state", zap.String("domain", domain), zap.Int("rule_id", id), zap.Error(err))
		if rerr := e.reconcile(ctx); rerr != nil {
			return fmt.Errorf("remove rule %d: %w", id, err)
		}
		e.mu.Lock()
		_, still := e.block[domain]
		e.mu.Unlock()
		if still {
			return fmt.Errorf("remove rule %d: %w", id, err)
		}
		return nil
	}

	e.mu.Lock()
	delete(e.block, domain)
	e.mu.Unlock()
	e.persist(ctx)
	e.log.Info("domain unblocked", zap.String("domain", domain), zap.Int("rule_id", id))
	return nil
}

func (e *Engine) ensureCookieRule(ctx context.Context, domain string) (int, error) {
	release, err := e.acquire(ctx, domain)
	if err != nil {
		return 0, err
	}
	defer release()

	e.mu.Lock()
	if id, ok := e.cookie[domain]; ok {
		e.mu.Unlock()
		return id, nil
	}
	id := e.allocateLocked()
	e.mu.Unlock()

	if err := e.filter.InstallCookieStripRule(ctx, id, domain); err != nil {
		return 0, fmt.Errorf("install cookie rule %d for %s: %w", id, domain, err)
	}
	e.mu.Lock()
	e.cookie[domain] = id
	e.mu.Unlock()
	e.persist(ctx)
	return id, nil
}

// DeferBlock adds domain to the session's deferred-block set.
func (e *Engine) DeferBlock(session model.SessionID, domain string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set := e.deferred[session]
	if set == nil {
		set = make(map[string]struct{})
		e.deferred[session] = set
	}
	set[norm(domain)] = struct{}{}
}

// Deferred lists the session's deferred domains, sorted.
func (e *Engine) Deferred(session model.SessionID) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.deferred[session]))
	for d := range e.deferred[session] {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// DeferredCount is the number of deferred domains across sessions.
func (e *Engine) DeferredCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, set := range e.deferred {
		n += len(set)
	}
	return n
}

// Activation is the outcome of one deferred block.
type Activation struct {
	Domain string `json:"domain"`
	RuleID int    `json:"ruleId,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ActivateDeferredBlocks drains the session's deferred set and blocks each
// domain. The set is empty afterwards even if some installs fail.
func (e *Engine) ActivateDeferredBlocks(ctx context.Context, session model.SessionID) []Activation {
	e.mu.Lock()
	set := e.deferred[session]
	delete(e.deferred, session)
	e.mu.Unlock()

	domains := make([]string, 0, len(set))
	for d := range set {
		domains = append(domains, d)
	}
	sort.Strings(domains)

	out := make([]Activation, 0, len(domains))
	for _, d := range domains {
		id, err := e.BlockRequest(ctx, d)
		a := Activation{Domain: d, RuleID: id}
		if err != nil {
			e.log.Warn("deferred block failed", zap.String("domain", d), zap.String("session", string(session)), zap.Error(err))
			a.Error = err.Error()
		}
		out = append(out, a)
	}
	return out
}

// DiscardDeferred drops the session's deferred set without blocking.
func (e *Engine) DiscardDeferred(session model.SessionID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.deferred[session])
	delete(e.deferred, session)
	return n
}

// ClearAllRules removes every installed rule and empties the bookkeeping.
// Rule ids keep increasing afterwards.
func (e *Engine) ClearAllRules(ctx context.Context) error {
	ids := make(map[int]struct{})
	if rules, err := e.filter.ListActiveRules(ctx); err == nil {
		for _, r := range rules {
			ids[r.ID] = struct{}{}
		}
	} else {
		e.log.Warn("listing rules for reset failed, using local mapping", zap.Error(err))
	}

	e.mu.Lock()
	for _, id := range e.block {
		ids[id] = struct{}{}
	}
	for _, id := range e.cookie {
		ids[id] = struct{}{}
	}
	e.block = make(map[string]int)
	e.cookie = make(map[string]int)
	e.mu.Unlock()

	var errs []error
	for id := range ids {
		if err := e.filter.RemoveRule(ctx, id); err != nil && !errors.Is(err, filter.ErrNoSuchRule) {
			errs = append(errs, fmt.Errorf("remove rule %d: %w", id, err))
		}
	}
	e.persist(ctx)
	return errors.Join(errs...)
}

// RuleID returns the block rule id of domain.
func (e *Engine) RuleID(domain string) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.block[norm(domain)]
	return id, ok
}

// IsBlocked reports whether domain has a block rule.
func (e *Engine) IsBlocked(domain string) bool {
	_, ok := e.RuleID(domain)
	return ok
}

// Blocked returns a copy of the domain to block-rule mapping.
func (e *Engine) Blocked() map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]int, len(e.block))
	for d, id := range e.block {
		out[d] = id
	}
	return out
}

// ActiveRules is the number of rules the engine believes are installed.
func (e *Engine) ActiveRules() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.block) + len(e.cookie)
}

// NextID is the id the next installed rule will get.
func (e *Engine) NextID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nextID
}
