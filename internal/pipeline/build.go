package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/ppiankov/trackwatch/internal/alert"
	"github.com/ppiankov/trackwatch/internal/audit"
	"github.com/ppiankov/trackwatch/internal/classify"
	"github.com/ppiankov/trackwatch/internal/config"
	"github.com/ppiankov/trackwatch/internal/enforce"
	"github.com/ppiankov/trackwatch/internal/filter"
	"github.com/ppiankov/trackwatch/internal/fingerprint"
	"github.com/ppiankov/trackwatch/internal/insights"
	"github.com/ppiankov/trackwatch/internal/logging"
	"github.com/ppiankov/trackwatch/internal/metrics"
	"github.com/ppiankov/trackwatch/internal/pattern"
	"github.com/ppiankov/trackwatch/internal/policy"
	"github.com/ppiankov/trackwatch/internal/risk"
	"github.com/ppiankov/trackwatch/internal/store"
	"github.com/ppiankov/trackwatch/internal/trackerdb"
	"github.com/ppiankov/trackwatch/internal/zone"
)

// BuildOptions supplies the external capabilities. Nil fields get
// defaults: an in-memory filter, the configured store, the keyword
// classifier.
type BuildOptions struct {
	Filter     filter.Filter
	Store      store.Store
	Classifier classify.Classifier
	Directives enforce.Directives
	Metrics    *metrics.Metrics
	Log        *zap.Logger
	ConfigHash string
	// Inline runs observers synchronously; see WithInlineObservers.
	Inline bool
	// NoAudit skips the audit log even when one is configured.
	NoAudit bool
}

// Build wires every engine from cfg. The returned close func releases
// what Build opened (store, audit log); call it after Shutdown.
func Build(ctx context.Context, cfg *config.Config, opts BuildOptions) (*Service, func() error, error) {
	log := logging.OrNop(opts.Log)
	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}

	st := opts.Store
	if st == nil {
		var err error
		st, err = store.Open(ctx, cfg.Store)
		if err != nil {
			return nil, nil, fmt.Errorf("open store: %w", err)
		}
		closers = append(closers, st.Close)
	}

	db, err := trackerdb.Load(expandHome(cfg.TrackersPath))
	if err != nil {
		_ = closeAll()
		return nil, nil, fmt.Errorf("load tracker table: %w", err)
	}

	classifier := opts.Classifier
	if classifier == nil {
		classifier = classify.NewKeyword()
	}
	cache, err := classify.NewCached(classifier, cfg.Pipeline.ClassifierLRU)
	if err != nil {
		_ = closeAll()
		return nil, nil, fmt.Errorf("classifier cache: %w", err)
	}
	feedback := classify.NewFeedback(st)
	resolver := classify.NewResolver(db, cache, feedback, cfg.Pipeline.MinConfidence, log.Named("classify"))

	f := opts.Filter
	if f == nil {
		f = filter.NewMemory()
	}

	contexts := zone.NewDetector(cfg.Context)
	riskEngine := risk.New(cfg.Risk, risk.WithLogger(log.Named("risk")))
	policyEngine := policy.New(cfg.Policy, contexts, st, log.Named("policy"))
	enforceOpts := []enforce.Option{enforce.WithStore(st), enforce.WithLogger(log.Named("enforce"))}
	if opts.Directives != nil {
		enforceOpts = append(enforceOpts, enforce.WithDirectives(opts.Directives))
	}
	enforceEngine := enforce.New(f, cfg.Enforce, enforceOpts...)
	fp := fingerprint.New(cfg.Fingerprint, fingerprint.WithStore(st), fingerprint.WithLogger(log.Named("fingerprint")))
	analyzer := pattern.New(cfg.Pattern, pattern.WithStore(st), pattern.WithLogger(log.Named("pattern")))
	ins := insights.New(cfg.Insights, fp, enforceEngine)

	var auditLog *audit.Log
	if cfg.AuditLog != "" && !opts.NoAudit {
		auditLog, err = audit.Open(expandHome(cfg.AuditLog))
		if err != nil {
			_ = closeAll()
			return nil, nil, fmt.Errorf("open audit log: %w", err)
		}
		closers = append(closers, auditLog.Close)
	}

	svcOpts := []Option{WithLogger(log.Named("pipeline")), WithConfigHash(opts.ConfigHash)}
	if opts.Inline {
		svcOpts = append(svcOpts, WithInlineObservers())
	}
	svc, err := New(cfg.Pipeline, Deps{
		Resolver:    resolver,
		Feedback:    feedback,
		Cache:       cache,
		Contexts:    contexts,
		Risk:        riskEngine,
		Policy:      policyEngine,
		Enforce:     enforceEngine,
		Fingerprint: fp,
		Pattern:     analyzer,
		Insights:    ins,
		Metrics:     opts.Metrics,
		Alerts:      alert.NewDispatcher(cfg.Alerts, log.Named("alert")),
		Audit:       auditLog,
	}, svcOpts...)
	if err != nil {
		_ = closeAll()
		return nil, nil, err
	}
	return svc, closeAll, nil
}

// ApplyConfig swaps the hot-reloadable sections (context, risk, policy).
// Other sections need a restart.
func (s *Service) ApplyConfig(cfg *config.Config, hash string) error {
	if err := cfg.Policy.Validate(); err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	s.deps.Contexts.SetConfig(cfg.Context)
	s.deps.Risk.SetConfig(cfg.Risk)
	s.deps.Policy.SetConfig(cfg.Policy)
	s.SetConfigHash(hash)
	s.log.Info("configuration reloaded", zap.String("hash", hash))
	return nil
}

func expandHome(p string) string {
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, rest)
		}
	}
	return p
}
