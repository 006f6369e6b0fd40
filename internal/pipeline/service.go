// Package pipeline owns the engines and runs every intercepted request
// through detection, scoring, policy and enforcement.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/trackwatch/internal/alert"
	"github.com/ppiankov/trackwatch/internal/audit"
	"github.com/ppiankov/trackwatch/internal/classify"
	"github.com/ppiankov/trackwatch/internal/config"
	"github.com/ppiankov/trackwatch/internal/enforce"
	"github.com/ppiankov/trackwatch/internal/fingerprint"
	"github.com/ppiankov/trackwatch/internal/insights"
	"github.com/ppiankov/trackwatch/internal/logging"
	"github.com/ppiankov/trackwatch/internal/metrics"
	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/pattern"
	"github.com/ppiankov/trackwatch/internal/policy"
	"github.com/ppiankov/trackwatch/internal/risk"
	"github.com/ppiankov/trackwatch/internal/zone"
)

var (
	// ErrNotReady is returned by Serve before Init has completed.
	ErrNotReady = errors.New("pipeline: not initialized")
	// ErrClosed is returned once Shutdown has begun.
	ErrClosed = errors.New("pipeline: shut down")
)

// Deps are the engines the service orchestrates. Resolver, Contexts, Risk,
// Policy and Enforce are required; the rest may be nil.
type Deps struct {
	Resolver    *classify.Resolver
	Feedback    *classify.Feedback
	Cache       *classify.Cached
	Contexts    *zone.Detector
	Risk        *risk.Engine
	Policy      *policy.Engine
	Enforce     *enforce.Engine
	Fingerprint *fingerprint.Detector
	Pattern     *pattern.Analyzer
	Insights    *insights.Engine
	Metrics     *metrics.Metrics
	Alerts      *alert.Dispatcher
	Audit       *audit.Log
}

func (d Deps) validate() error {
	switch {
	case d.Resolver == nil:
		return errors.New("pipeline: resolver is required")
	case d.Contexts == nil:
		return errors.New("pipeline: context detector is required")
	case d.Risk == nil:
		return errors.New("pipeline: risk engine is required")
	case d.Policy == nil:
		return errors.New("pipeline: policy engine is required")
	case d.Enforce == nil:
		return errors.New("pipeline: enforcement engine is required")
	}
	return nil
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.log = logging.OrNop(l) } }

// WithClock sets the time source for registry timestamps.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithInlineObservers runs observers on the calling goroutine. Offline
// tools use it so reports see every event without running Serve.
func WithInlineObservers() Option { return func(s *Service) { s.inline = true } }

// WithConfigHash tags audit entries with the active config hash.
func WithConfigHash(h string) Option { return func(s *Service) { s.configHash.Store(h) } }

type job struct {
	ctx   context.Context
	req   model.Request
	reply chan Outcome
}

// Service is the orchestrator. Lifecycle: Init, then Serve, then Shutdown.
type Service struct {
	cfg  config.Pipeline
	deps Deps
	log  *zap.Logger
	now  func() time.Time

	configHash atomic.Value // string

	sessions *registry
	inline   bool
	events   chan event
	evMu     sync.RWMutex
	evClosed bool

	mu       sync.RWMutex
	ready    bool
	serving  bool
	closed   bool
	shards   []chan job
	baseCtx  context.Context
	done     chan struct{}
	timersMu sync.Mutex
	timers   map[model.SessionID]*time.Timer

	holdsMu sync.Mutex
	holds   map[string]map[model.SessionID]struct{}
}

// New creates a service. Call Init before Serve.
func New(cfg config.Pipeline, deps Deps, opts ...Option) (*Service, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.ObserverBuffer <= 0 {
		cfg.ObserverBuffer = 1
	}
	s := &Service{
		cfg:      cfg,
		deps:     deps,
		log:      zap.NewNop(),
		now:      time.Now,
		sessions: newRegistry(),
		events:   make(chan event, cfg.ObserverBuffer),
		baseCtx:  context.Background(),
		done:     make(chan struct{}),
		timers:   make(map[model.SessionID]*time.Timer),
		holds:    make(map[string]map[model.SessionID]struct{}),
	}
	s.configHash.Store("")
	s.shards = make([]chan job, cfg.Shards)
	for i := range s.shards {
		s.shards[i] = make(chan job, cfg.QueueSize)
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Init loads persisted state and reconciles enforcement rules. It must
// complete before Serve so no request races the rule rebuild.
func (s *Service) Init(ctx context.Context) error {
	if err := s.deps.Policy.Load(ctx); err != nil {
		s.log.Warn("loading overrides failed", zap.Error(err))
	}
	if s.deps.Feedback != nil {
		if err := s.deps.Feedback.Load(ctx); err != nil {
			s.log.Warn("loading feedback failed", zap.Error(err))
		}
	}
	if s.deps.Fingerprint != nil {
		if err := s.deps.Fingerprint.Load(ctx); err != nil {
			s.log.Warn("loading fingerprint state failed", zap.Error(err))
		}
	}
	if s.deps.Pattern != nil {
		if err := s.deps.Pattern.Load(ctx); err != nil {
			s.log.Warn("loading pattern state failed", zap.Error(err))
		}
	}
	if err := s.deps.Enforce.Init(ctx); err != nil {
		return fmt.Errorf("enforcement reconciliation: %w", err)
	}
	s.deps.Metrics.ActiveRules(s.deps.Enforce.ActiveRules())

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.log.Info("pipeline initialized",
		zap.Int("active_rules", s.deps.Enforce.ActiveRules()),
		zap.Int("next_rule_id", s.deps.Enforce.NextID()))
	return nil
}

// Serve runs the shard workers and the observer loop until Shutdown closes
// the queues or ctx is cancelled.
func (s *Service) Serve(ctx context.Context) error {
	s.mu.Lock()
	if !s.ready {
		s.mu.Unlock()
		return ErrNotReady
	}
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.serving {
		s.mu.Unlock()
		return errors.New("pipeline: already serving")
	}
	s.serving = true
	s.baseCtx = ctx
	s.mu.Unlock()
	defer close(s.done)

	observerDone := make(chan struct{})
	go func() {
		defer close(observerDone)
		s.observe()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, q := range s.shards {
		g.Go(func() error {
			s.work(gctx, q)
			return nil
		})
	}
	err := g.Wait()

	s.closeEvents()
	<-observerDone
	return err
}

func (s *Service) work(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			out := s.Process(j.ctx, j.req)
			if j.reply != nil {
				j.reply <- out
			}
		}
	}
}

// shardFor keeps one (session, domain) key on one worker so its
// enforcement actions apply in arrival order.
func (s *Service) shardFor(req model.Request) int {
	dest, _ := req.Destination()
	key := model.Key{Session: req.SessionID, Domain: dest}
	return int(xxhash.Sum64String(key.String()) % uint64(len(s.shards)))
}

func (s *Service) enqueue(ctx context.Context, j job) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	select {
	case s.shards[s.shardFor(j.req)] <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues req without waiting for its outcome. It blocks only while
// the shard queue is full.
func (s *Service) Submit(ctx context.Context, req model.Request) error {
	return s.enqueue(ctx, job{ctx: context.WithoutCancel(ctx), req: req})
}

// Observe queues req and waits for its outcome.
func (s *Service) Observe(ctx context.Context, req model.Request) (Outcome, error) {
	reply := make(chan Outcome, 1)
	if err := s.enqueue(ctx, job{ctx: ctx, req: req, reply: reply}); err != nil {
		return Outcome{}, err
	}
	select {
	case out := <-reply:
		return out, nil
	case <-s.done:
		select {
		case out := <-reply:
			return out, nil
		default:
			return Outcome{}, ErrClosed
		}
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Shutdown stops intake, drains the queues, cancels pending activations
// and persists engine state.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	serving := s.serving
	for _, q := range s.shards {
		close(q)
	}
	s.mu.Unlock()

	if serving {
		select {
		case <-s.done:
		case <-ctx.Done():
			s.log.Warn("shutdown timed out waiting for workers")
		}
	}

	s.timersMu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.timersMu.Unlock()

	var errs []error
	if s.deps.Fingerprint != nil {
		if err := s.deps.Fingerprint.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush fingerprint state: %w", err))
		}
	}
	if s.deps.Pattern != nil {
		if err := s.deps.Pattern.Save(ctx); err != nil {
			errs = append(errs, fmt.Errorf("save pattern state: %w", err))
		}
	}
	if s.deps.Alerts != nil {
		s.deps.Alerts.Wait(ctx)
	}
	s.log.Info("pipeline stopped")
	return errors.Join(errs...)
}

func (s *Service) hash() string {
	h, _ := s.configHash.Load().(string)
	return h
}

// SetConfigHash updates the hash recorded in audit entries after a reload.
func (s *Service) SetConfigHash(h string) { s.configHash.Store(h) }

// ConfigHash is the hash of the configuration currently in effect.
func (s *Service) ConfigHash() string { return s.hash() }
