package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/trackwatch/internal/alert"
	"github.com/ppiankov/trackwatch/internal/audit"
	"github.com/ppiankov/trackwatch/internal/fingerprint"
	"github.com/ppiankov/trackwatch/internal/insights"
	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/pattern"
)

type eventKind int

const (
	eventOutcome eventKind = iota
	eventVisit
	eventEndSession
	eventFingerprint
	eventAudit
)

// event feeds the observers: pattern, insights, alerts and audit.
type event struct {
	kind    eventKind
	outcome Outcome
	session model.SessionID
	site    string
	update  fingerprint.Update
	entry   audit.AuditEntry
}

// emit hands ev to the observers without blocking. A full buffer drops it.
func (s *Service) emit(ev event) {
	if s.inline {
		s.handle(ev)
		return
	}
	s.evMu.RLock()
	defer s.evMu.RUnlock()
	if s.evClosed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.deps.Metrics.Dropped()
		s.log.Debug("observer buffer full, event dropped", zap.Int("kind", int(ev.kind)))
	}
}

// emitWait is used for events that order later ones (visits, session end).
func (s *Service) emitWait(ctx context.Context, ev event) error {
	if s.inline {
		s.handle(ev)
		return nil
	}
	s.evMu.RLock()
	defer s.evMu.RUnlock()
	if s.evClosed {
		return ErrClosed
	}
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) closeEvents() {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if !s.evClosed {
		s.evClosed = true
		close(s.events)
	}
}

func (s *Service) observe() {
	for ev := range s.events {
		s.handle(ev)
	}
}

func (s *Service) handle(ev event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("observer panic", zap.Any("panic", r))
		}
	}()
	switch ev.kind {
	case eventOutcome:
		s.observeOutcome(ev.outcome)
	case eventVisit:
		if s.deps.Pattern != nil {
			s.deps.Pattern.StartVisit(ev.session, ev.site)
		}
		if s.deps.Insights != nil {
			s.deps.Insights.Visit(ev.site)
		}
	case eventEndSession:
		if s.deps.Pattern != nil {
			s.deps.Pattern.EndSession(ev.session)
		}
	case eventFingerprint:
		s.alertFingerprint(ev.update)
	case eventAudit:
		s.record(ev.entry)
	}
}

func (s *Service) observeOutcome(out Outcome) {
	id := out.Identity
	if s.deps.Pattern != nil {
		alerts := s.deps.Pattern.RecordEvent(pattern.Event{
			Session:  out.Request.SessionID,
			Domain:   out.Domain,
			Site:     out.Site,
			Category: id.Category,
			Score:    out.Score,
			Mode:     out.Result.Effective,
			At:       out.Request.ObservedAt,
		})
		for _, al := range alerts {
			s.deps.Metrics.Anomaly(string(al.Type))
			s.dispatch(alert.AlertEvent{
				ID:        al.ID,
				Timestamp: al.At.UTC().Format(time.RFC3339),
				Type:      string(al.Type),
				Severity:  anomalySeverity(al.ZScore),
				Session:   string(al.Session),
				Domain:    al.Domain,
				Site:      al.Site,
				Category:  string(al.Category),
				Value:     al.Value,
				ZScore:    al.ZScore,
				Message:   al.Message,
			})
		}
	}
	if s.deps.Insights != nil {
		s.deps.Insights.Observe(insights.Observation{
			Domain:   out.Domain,
			Company:  id.Company,
			Category: id.Category,
			Site:     out.Site,
			Score:    out.Score,
			Mode:     out.Result.Effective,
		})
	}
	ruleID := 0
	for _, ar := range out.Result.Actions {
		if ar.RuleID > 0 {
			ruleID = ar.RuleID
		}
	}
	s.record(audit.AuditEntry{
		Timestamp: out.Request.ObservedAt.UTC().Format(audit.TimestampFormat),
		Type:      audit.TypeEnforcement,
		Session:   string(out.Request.SessionID),
		Domain:    out.Domain,
		Category:  string(id.Category),
		Score:     out.Score,
		Requested: string(out.Result.Requested),
		Effective: string(out.Result.Effective),
		Deferred:  out.Result.Deferred,
		Confirmed: out.Result.Confirmed,
		RuleID:    ruleID,
		Reason:    out.Decision.Reason,
	})
}

func (s *Service) alertFingerprint(u fingerprint.Update) {
	s.dispatch(alert.AlertEvent{
		ID:        fmt.Sprintf("fp-%s-%d", u.Domain, s.now().UnixNano()),
		Timestamp: s.now().UTC().Format(time.RFC3339),
		Type:      alert.TypeFingerprinting,
		Severity:  u.Summary.Severity,
		Domain:    u.Domain,
		Value:     float64(u.Summary.RiskScore),
		ZScore:    u.Summary.AnomalyScore,
		Message:   fmt.Sprintf("%s uses %d fingerprinting techniques %v", u.Domain, len(u.Summary.Techniques), u.Summary.Techniques),
	})
}

func (s *Service) dispatch(ev alert.AlertEvent) {
	if s.deps.Alerts == nil {
		return
	}
	s.deps.Alerts.Dispatch(ev)
}

func (s *Service) record(e audit.AuditEntry) {
	if s.deps.Audit == nil {
		return
	}
	if e.ConfigHash == "" {
		e.ConfigHash = s.hash()
	}
	if err := s.deps.Audit.Record(e); err != nil {
		s.log.Warn("audit write failed", zap.String("domain", e.Domain), zap.Error(err))
	}
}

// anomalySeverity buckets a z-score for alert routing.
func anomalySeverity(z float64) string {
	if z < 0 {
		z = -z
	}
	switch {
	case z >= 4:
		return "critical"
	case z >= 3:
		return "high"
	default:
		return "medium"
	}
}
