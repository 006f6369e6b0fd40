package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/ppiankov/trackwatch/internal/enforce"
	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/policy"
	"github.com/ppiankov/trackwatch/internal/risk"
)

// Skip reasons.
const (
	SkipMalformed  = "malformed"
	SkipFirstParty = "first_party"
	SkipNotTracker = "not_tracker"
)

// Outcome is the result of processing one request. Skipped requests carry
// only Request, Domain and SkipReason.
type Outcome struct {
	Request          model.Request         `json:"request"`
	Domain           string                `json:"domain"`
	Site             string                `json:"site,omitempty"`
	Skipped          bool                  `json:"skipped,omitempty"`
	SkipReason       string                `json:"skipReason,omitempty"`
	Identity         model.TrackerIdentity `json:"identity"`
	Contexts         model.ContextSet      `json:"contexts"`
	Score            int                   `json:"score"`
	Tier             model.RiskTier        `json:"tier,omitempty"`
	Factors          []risk.Factor         `json:"factors,omitempty"`
	FingerprintScore int                   `json:"fingerprintScore,omitempty"`
	Decision         policy.Decision       `json:"decision"`
	Result           enforce.Result        `json:"result"`
}

// Process runs one request through the pipeline inline. Callers that use
// it directly must serialize requests for the same (session, domain).
func (s *Service) Process(ctx context.Context, req model.Request) Outcome {
	out := Outcome{Request: req}
	now := s.now()
	if req.ObservedAt.IsZero() {
		req.ObservedAt = now
		out.Request.ObservedAt = now
	}

	dest, err := req.Destination()
	if err != nil {
		return s.skip(out, req.SessionID, SkipMalformed, zap.Error(err))
	}
	out.Domain = dest

	sess := s.sessions.get(req.SessionID, now)
	initiator := req.Initiator()
	if initiator != "" && model.SameSite(dest, initiator) {
		return s.skip(out, req.SessionID, SkipFirstParty)
	}

	id, ok := s.deps.Resolver.Resolve(ctx, req.URL, dest)
	if !ok {
		return s.skip(out, req.SessionID, SkipNotTracker)
	}
	out.Identity = id
	out.Site = model.RegistrableDomain(initiator)
	if out.Site == "" {
		out.Site = sess.info().Site
	}

	contexts := sess.snapshotContexts()
	out.Contexts = contexts

	a := s.deps.Risk.Calculate(req, id, contexts)
	out.Score = a.Score
	out.Factors = a.Factors
	if s.deps.Fingerprint != nil {
		out.FingerprintScore = s.deps.Fingerprint.GetRiskScore(dest)
		if out.FingerprintScore > 0 {
			blended := risk.Blend(a.Score, out.FingerprintScore, s.deps.Fingerprint.Config().BlendFactor)
			if blended != a.Score {
				out.Factors = append(out.Factors, risk.Factor{Name: "fingerprinting", Value: blended - a.Score})
			}
			out.Score = blended
		}
	}
	out.Tier = model.TierFor(out.Score)

	d := s.deps.Policy.Decide(out.Score, contexts, dest, req.SessionID)
	out.Decision = d

	// A block derived from the score waits out sensitive contexts. User
	// overrides apply as chosen.
	mode, enforceContexts := d.Mode, contexts
	switch {
	case d.Override != nil:
		enforceContexts = nil
	case policy.ShouldDeferBlocking(d.Base, contexts):
		mode = model.ModeBlock
	}
	wasBlocked := s.deps.Enforce.IsBlocked(dest)
	out.Result = s.deps.Enforce.Enforce(ctx, dest, mode, req.SessionID, enforceContexts)
	s.reconcileRule(ctx, dest, req.SessionID, d, wasBlocked, &out.Result)

	sess.record(out, req.ObservedAt)
	if out.Result.Deferred && sess.snapshotContexts().Empty() && !s.PendingActivation(req.SessionID) {
		// The session left its sensitive context while this request was queued.
		s.scheduleActivation(req.SessionID)
	}
	s.deps.Metrics.Request(string(out.Result.Effective), out.Score)
	s.deps.Metrics.ActiveRules(s.deps.Enforce.ActiveRules())
	s.deps.Metrics.Deferred(s.deps.Enforce.DeferredCount())
	for _, ar := range out.Result.Actions {
		if !ar.OK {
			s.deps.Metrics.ActionFailed(string(ar.Action))
		}
	}

	s.log.Debug("request enforced",
		zap.String("session", string(req.SessionID)),
		zap.String("domain", dest),
		zap.Int("score", out.Score),
		zap.String("mode", string(out.Result.Effective)),
		zap.Bool("deferred", out.Result.Deferred),
		zap.String("reason", d.Reason))

	s.emit(event{kind: eventOutcome, outcome: out})
	return out
}

func (s *Service) skip(out Outcome, session model.SessionID, reason string, fields ...zap.Field) Outcome {
	out.Skipped = true
	out.SkipReason = reason
	if session != "" {
		s.sessions.get(session, s.now()).skipped()
	}
	s.deps.Metrics.Skipped(reason)
	s.log.Debug("request skipped", append(fields,
		zap.String("session", string(session)), zap.String("url", out.Request.URL), zap.String("reason", reason))...)
	return out
}
