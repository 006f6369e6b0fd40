package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ppiankov/trackwatch/internal/audit"
	"github.com/ppiankov/trackwatch/internal/classify"
	"github.com/ppiankov/trackwatch/internal/fingerprint"
	"github.com/ppiankov/trackwatch/internal/insights"
	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/pattern"
)

// Data sets ClearData can wipe.
const (
	DataPattern     = "pattern"
	DataFingerprint = "fingerprint"
	DataInsights    = "insights"
	DataRules       = "rules"
	DataAll         = "all"
)

// ErrUnknownSession is returned for queries about a session never seen.
var ErrUnknownSession = errors.New("unknown session")

// Sessions lists live session ids.
func (s *Service) Sessions() []model.SessionID { return s.sessions.ids() }

// Session returns the registry view of id.
func (s *Service) Session(id model.SessionID) (SessionInfo, error) {
	sess, ok := s.sessions.lookup(id)
	if !ok {
		return SessionInfo{}, fmt.Errorf("%w %q", ErrUnknownSession, id)
	}
	return sess.info(), nil
}

// Trackers returns the trackers seen in session, highest peak score first.
func (s *Service) Trackers(id model.SessionID) ([]Tracker, error) {
	sess, ok := s.sessions.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownSession, id)
	}
	return sess.trackerList(), nil
}

// Stats returns the session's counters.
func (s *Service) Stats(id model.SessionID) (Stats, error) {
	info, err := s.Session(id)
	if err != nil {
		return Stats{}, err
	}
	return info.Stats, nil
}

// SetOverride forces mode for domain, globally when session is empty.
func (s *Service) SetOverride(ctx context.Context, domain string, session model.SessionID, mode string) (model.Override, error) {
	m, ok := model.ParseMode(mode)
	if !ok {
		return model.Override{}, fmt.Errorf("invalid mode %q", mode)
	}
	o, err := s.deps.Policy.SetUserOverride(ctx, domain, session, m)
	if err != nil {
		return model.Override{}, err
	}
	s.emit(event{kind: eventAudit, entry: audit.AuditEntry{
		Type:      audit.TypeOverride,
		Session:   string(o.Session),
		Domain:    o.Domain,
		Requested: string(o.Mode),
		Effective: string(o.Mode),
		Confirmed: true,
		Reason:    fmt.Sprintf("user override (%s)", o.Scope),
	}})
	if err := s.applyGlobalOverride(ctx, o); err != nil {
		return o, fmt.Errorf("lift rules under override: %w", err)
	}
	return o, nil
}

// ClearOverride removes the override for domain in session's scope. Block
// rules the override installed are removed once nothing else holds them.
func (s *Service) ClearOverride(ctx context.Context, domain string, session model.SessionID) error {
	if err := s.deps.Policy.RemoveUserOverride(ctx, domain, session); err != nil {
		return err
	}
	return s.releaseHolds(ctx, session, func(dest string) bool {
		o, ok := s.deps.Policy.GetUserOverride(dest, session)
		if !ok || o.Mode != model.ModeBlock {
			return false
		}
		if session == globalHolder {
			return o.Scope == model.ScopeGlobal
		}
		return o.Scope == model.ScopeTab
	})
}

// Overrides lists active user overrides.
func (s *Service) Overrides() []model.Override { return s.deps.Policy.Overrides() }

// Block installs a block rule for domain now, regardless of score or
// context.
func (s *Service) Block(ctx context.Context, domain string) (int, error) {
	id, err := s.deps.Enforce.BlockRequest(ctx, domain)
	if err == nil {
		s.unhold(strings.ToLower(strings.TrimSpace(domain)))
	}
	s.emit(event{kind: eventAudit, entry: audit.AuditEntry{
		Type:      audit.TypeManualBlock,
		Domain:    strings.ToLower(strings.TrimSpace(domain)),
		Requested: string(model.ModeBlock),
		Effective: string(model.ModeBlock),
		Confirmed: err == nil,
		RuleID:    id,
		Reason:    errString(err),
	}})
	s.deps.Metrics.ActiveRules(s.deps.Enforce.ActiveRules())
	return id, err
}

// Unblock removes domain's block rule and returns the id it had.
func (s *Service) Unblock(ctx context.Context, domain string) (int, error) {
	id, _ := s.deps.Enforce.RuleID(domain)
	err := s.deps.Enforce.UnblockRequest(ctx, domain)
	if err == nil {
		s.unhold(strings.ToLower(strings.TrimSpace(domain)))
	}
	s.emit(event{kind: eventAudit, entry: audit.AuditEntry{
		Type:      audit.TypeUnblock,
		Domain:    strings.ToLower(strings.TrimSpace(domain)),
		Requested: string(model.ModeAllow),
		Effective: string(model.ModeAllow),
		Confirmed: err == nil,
		RuleID:    id,
		Reason:    errString(err),
	}})
	s.deps.Metrics.ActiveRules(s.deps.Enforce.ActiveRules())
	return id, err
}

// BlockedDomains returns domain -> rule id for every block rule.
func (s *Service) BlockedDomains() map[string]int { return s.deps.Enforce.Blocked() }

// Deferred lists the session's deferred domains.
func (s *Service) Deferred(id model.SessionID) []string { return s.deps.Enforce.Deferred(id) }

// RecordFingerprint ingests one fingerprinting API call observed in
// session. A domain reaching critical severity raises an alert.
func (s *Service) RecordFingerprint(ctx context.Context, session model.SessionID, domain, technique string, details map[string]string) (fingerprint.Summary, error) {
	if s.deps.Fingerprint == nil {
		return fingerprint.Summary{}, errors.New("fingerprint detection disabled")
	}
	u, err := s.deps.Fingerprint.RecordAPICall(ctx, domain, technique, details)
	if err != nil {
		return fingerprint.Summary{}, err
	}
	if u.BecameCritical {
		s.log.Warn("critical fingerprinter", zap.String("session", string(session)), zap.String("domain", u.Domain))
		s.deps.Metrics.CriticalFingerprinter()
		s.emit(event{kind: eventFingerprint, update: u})
	}
	return u.Summary, nil
}

// Fingerprints lists flagged fingerprinting domains.
func (s *Service) Fingerprints() []fingerprint.Summary {
	if s.deps.Fingerprint == nil {
		return nil
	}
	return s.deps.Fingerprint.Summaries()
}

// Insights returns the aggregated insights bundle.
func (s *Service) Insights() insights.Bundle {
	if s.deps.Insights == nil {
		return insights.Bundle{}
	}
	return s.deps.Insights.Insights()
}

// TrackerHistory returns the cross-session tracker history.
func (s *Service) TrackerHistory() []insights.TrackerHistory {
	if s.deps.Insights == nil {
		return nil
	}
	return s.deps.Insights.History()
}

// SessionPatterns returns the pattern summary, privacy score and alerts
// for session.
func (s *Service) SessionPatterns(id model.SessionID) (pattern.SessionSummary, int, []pattern.Alert) {
	if s.deps.Pattern == nil {
		return pattern.SessionSummary{Session: id}, 100, nil
	}
	return s.deps.Pattern.Summary(id), s.deps.Pattern.PrivacyScore(id), s.deps.Pattern.Alerts(id)
}

// Baselines exposes the pattern baselines.
func (s *Service) Baselines() []pattern.BaselineStats {
	if s.deps.Pattern == nil {
		return nil
	}
	return s.deps.Pattern.Baselines()
}

// SubmitFeedback records a category correction and drops any cached
// classifier answer for the domain.
func (s *Service) SubmitFeedback(ctx context.Context, domain, category string) (classify.Correction, error) {
	if s.deps.Feedback == nil {
		return classify.Correction{}, errors.New("feedback disabled")
	}
	c, err := s.deps.Feedback.Submit(ctx, domain, category)
	if err != nil {
		return classify.Correction{}, err
	}
	if s.deps.Cache != nil {
		s.deps.Cache.Forget(c.Domain)
	}
	s.log.Info("category corrected", zap.String("domain", c.Domain), zap.String("category", string(c.Category)))
	return c, nil
}

// ClearData wipes stored pattern, fingerprint or insights data. "rules"
// removes every installed filter rule, and "all" is a full reset of both.
func (s *Service) ClearData(ctx context.Context, what string) error {
	what = strings.ToLower(strings.TrimSpace(what))
	var errs []error
	clearPattern := func() {
		if s.deps.Pattern != nil {
			errs = append(errs, s.deps.Pattern.Clear(ctx))
		}
	}
	clearFingerprint := func() {
		if s.deps.Fingerprint != nil {
			errs = append(errs, s.deps.Fingerprint.ClearAll(ctx))
		}
	}
	clearInsights := func() {
		if s.deps.Insights != nil {
			s.deps.Insights.Reset()
		}
	}
	clearRules := func() {
		s.holdsMu.Lock()
		s.holds = make(map[string]map[model.SessionID]struct{})
		s.holdsMu.Unlock()
		errs = append(errs, s.deps.Enforce.ClearAllRules(ctx))
		s.deps.Metrics.ActiveRules(s.deps.Enforce.ActiveRules())
	}
	switch what {
	case DataPattern:
		clearPattern()
	case DataFingerprint:
		clearFingerprint()
	case DataInsights:
		clearInsights()
	case DataRules:
		clearRules()
	case DataAll:
		clearPattern()
		clearFingerprint()
		clearInsights()
		clearRules()
		if s.deps.Cache != nil {
			s.deps.Cache.Purge()
		}
	default:
		return fmt.Errorf("unknown data set %q (want pattern, fingerprint, insights, rules or all)", what)
	}
	s.log.Info("data cleared", zap.String("what", what))
	return errors.Join(errs...)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
