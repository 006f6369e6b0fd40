package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/trackwatch/internal/audit"
	"github.com/ppiankov/trackwatch/internal/enforce"
	"github.com/ppiankov/trackwatch/internal/model"
)

// Navigate records that session moved to url. It recomputes the context
// set from the URL and DOM signals, starts a site visit, and schedules or
// cancels activation of deferred blocks.
func (s *Service) Navigate(ctx context.Context, id model.SessionID, url string, signals map[string][]string) (model.ContextSet, error) {
	if id == "" {
		return nil, errors.New("session is required")
	}
	host, err := model.HostFromURL(url)
	if err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	contexts := s.deps.Contexts.Detect(url, signals)
	site := model.RegistrableDomain(host)

	sess := s.sessions.get(id, s.now())
	sess.mu.Lock()
	prev := sess.contexts
	sess.url = url
	sess.site = site
	sess.contexts = contexts
	sess.mu.Unlock()

	if err := s.emitWait(ctx, event{kind: eventVisit, session: id, site: site}); err != nil {
		s.log.Warn("visit not recorded", zap.String("session", string(id)), zap.Error(err))
	}

	switch {
	case !contexts.Empty():
		if s.cancelActivation(id) {
			s.log.Debug("deferred activation cancelled, context re-entered",
				zap.String("session", string(id)), zap.Stringer("contexts", contexts))
		}
	case !prev.Empty() && len(s.deps.Enforce.Deferred(id)) > 0:
		s.scheduleActivation(id)
	}

	s.log.Debug("navigated", zap.String("session", string(id)), zap.String("site", site), zap.Stringer("contexts", contexts))
	return contexts, nil
}

// scheduleActivation arms a one-shot timer that activates the session's
// deferred blocks after the grace delay. An armed timer is replaced.
func (s *Service) scheduleActivation(id model.SessionID) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if t := s.timers[id]; t != nil {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(s.cfg.GraceDelay, func() {
		s.timersMu.Lock()
		current := s.timers[id] == t
		if current {
			delete(s.timers, id)
		}
		s.timersMu.Unlock()
		if current {
			s.activate(id)
		}
	})
	s.timers[id] = t
	s.log.Debug("deferred activation scheduled", zap.String("session", string(id)), zap.Duration("delay", s.cfg.GraceDelay))
}

func (s *Service) cancelActivation(id model.SessionID) bool {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	t := s.timers[id]
	if t == nil {
		return false
	}
	t.Stop()
	delete(s.timers, id)
	return true
}

// PendingActivation reports whether a deferred activation is armed.
func (s *Service) PendingActivation(id model.SessionID) bool {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	return s.timers[id] != nil
}

// activate blocks the session's deferred domains if it is still outside
// every sensitive context.
func (s *Service) activate(id model.SessionID) []enforce.Activation {
	sess, ok := s.sessions.lookup(id)
	if !ok {
		return nil
	}
	if !sess.snapshotContexts().Empty() {
		return nil
	}
	s.mu.RLock()
	ctx := s.baseCtx
	s.mu.RUnlock()

	acts := s.deps.Enforce.ActivateDeferredBlocks(context.WithoutCancel(ctx), id)
	for _, a := range acts {
		s.emit(event{kind: eventAudit, entry: audit.AuditEntry{
			Type:      audit.TypeActivation,
			Session:   string(id),
			Domain:    a.Domain,
			Requested: string(model.ModeBlock),
			Effective: string(model.ModeBlock),
			Confirmed: a.Error == "",
			RuleID:    a.RuleID,
			Reason:    a.Error,
		}})
	}
	s.deps.Metrics.ActiveRules(s.deps.Enforce.ActiveRules())
	s.deps.Metrics.Deferred(s.deps.Enforce.DeferredCount())
	s.log.Info("deferred blocks activated", zap.String("session", string(id)), zap.Int("domains", len(acts)))
	return acts
}

// ActivateDeferred activates the session's deferred blocks now, skipping
// the grace delay.
func (s *Service) ActivateDeferred(id model.SessionID) []enforce.Activation {
	s.cancelActivation(id)
	return s.activate(id)
}

// CloseSession tears down all session-scoped state. Domain-scoped state
// (rules, fingerprints, global overrides) survives.
func (s *Service) CloseSession(ctx context.Context, id model.SessionID) error {
	s.cancelActivation(id)
	discarded := s.deps.Enforce.DiscardDeferred(id)
	s.deps.Risk.ClearSessionData(id)
	err := s.deps.Policy.ClearSessionOverrides(ctx, id)
	if id != globalHolder {
		if rerr := s.releaseHolds(ctx, id, nil); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}
	if werr := s.emitWait(ctx, event{kind: eventEndSession, session: id}); werr != nil {
		s.log.Warn("session end not recorded", zap.String("session", string(id)), zap.Error(werr))
	}
	existed := s.sessions.remove(id)
	s.deps.Metrics.Deferred(s.deps.Enforce.DeferredCount())
	s.log.Debug("session closed", zap.String("session", string(id)),
		zap.Bool("known", existed), zap.Int("discarded_deferred", discarded))
	if err != nil {
		return fmt.Errorf("tear down session overrides: %w", err)
	}
	return nil
}
