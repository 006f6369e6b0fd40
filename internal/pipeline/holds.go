package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/trackwatch/internal/audit"
	"github.com/ppiankov/trackwatch/internal/enforce"
	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/policy"
)

// globalHolder marks a block rule held by a global override.
const globalHolder model.SessionID = ""

// Block rules installed because of a user override are held by the
// override that installed them: a session id for a tab override,
// globalHolder for a global one. A rule with no entry is held by the score
// or a manual block. When the last holder goes away the rule is removed.

func (s *Service) hold(dest string, holder model.SessionID) {
	s.holdsMu.Lock()
	defer s.holdsMu.Unlock()
	h, ok := s.holds[dest]
	if !ok {
		h = make(map[model.SessionID]struct{})
		s.holds[dest] = h
	}
	h[holder] = struct{}{}
}

// unhold forgets every override hold on dest. The rule, if any, now
// belongs to the score or a manual block.
func (s *Service) unhold(dest string) {
	s.holdsMu.Lock()
	delete(s.holds, dest)
	s.holdsMu.Unlock()
}

// overrideHeld reports whether dest's rule exists only because of
// overrides, and whether any holder other than except remains.
func (s *Service) overrideHeld(dest string, except model.SessionID) (held, others bool) {
	s.holdsMu.Lock()
	defer s.holdsMu.Unlock()
	h, ok := s.holds[dest]
	if !ok {
		return false, false
	}
	for holder := range h {
		if holder != except {
			return true, true
		}
	}
	return true, false
}

// Holds returns the override holders of every override-held block rule.
func (s *Service) Holds() map[string][]model.SessionID {
	s.holdsMu.Lock()
	defer s.holdsMu.Unlock()
	out := make(map[string][]model.SessionID, len(s.holds))
	for dest, h := range s.holds {
		for holder := range h {
			out[dest] = append(out[dest], holder)
		}
	}
	return out
}

// reconcileRule aligns dest's block rule with an enforced decision. A
// score-derived block takes the rule over from any override. An override
// block records its hold when it installed the rule. An override below
// block lifts the rule unless another holder still needs it, in which
// case the result reports the block that remains.
func (s *Service) reconcileRule(ctx context.Context, dest string, session model.SessionID, d policy.Decision, wasBlocked bool, res *enforce.Result) {
	o := d.Override
	if o == nil {
		if res.Effective == model.ModeBlock && s.deps.Enforce.IsBlocked(dest) {
			s.unhold(dest)
		}
		return
	}

	holder := globalHolder
	if o.Scope == model.ScopeTab {
		holder = session
	}

	if o.Mode == model.ModeBlock {
		if !s.deps.Enforce.IsBlocked(dest) {
			return
		}
		if held, _ := s.overrideHeld(dest, holder); !wasBlocked || held {
			s.hold(dest, holder)
		}
		return
	}

	if !s.deps.Enforce.IsBlocked(dest) {
		return
	}
	held, others := s.overrideHeld(dest, holder)
	lift := !others
	if o.Scope == model.ScopeTab {
		// A tab override cannot lift a rule that covers every tab unless
		// this tab put it there.
		lift = held && !others
	}
	if lift {
		if err := s.liftBlock(ctx, dest, session, fmt.Sprintf("user override %s (%s)", o.Mode, o.Scope)); err == nil {
			return
		}
	}
	res.Effective = model.ModeBlock
	res.Confirmed = false
}

// liftBlock removes dest's block rule and its holds.
func (s *Service) liftBlock(ctx context.Context, dest string, session model.SessionID, reason string) error {
	s.unhold(dest)
	id, _ := s.deps.Enforce.RuleID(dest)
	err := s.deps.Enforce.UnblockRequest(ctx, dest)
	if errors.Is(err, enforce.ErrRuleNotFound) {
		err = nil
	}
	if err != nil {
		s.log.Warn("lifting block rule failed",
			zap.String("domain", dest), zap.String("session", string(session)), zap.Int("rule_id", id), zap.Error(err))
	}
	s.emit(event{kind: eventAudit, entry: audit.AuditEntry{
		Type:      audit.TypeUnblock,
		Session:   string(session),
		Domain:    dest,
		Requested: string(model.ModeAllow),
		Effective: string(model.ModeAllow),
		Confirmed: err == nil,
		RuleID:    id,
		Reason:    reason + errSuffix(err),
	}})
	s.deps.Metrics.ActiveRules(s.deps.Enforce.ActiveRules())
	return err
}

// releaseHolds drops holder's hold on every rule for which stillHeld
// returns false. Rules left without holders are lifted unless a global
// block override still covers them.
func (s *Service) releaseHolds(ctx context.Context, holder model.SessionID, stillHeld func(dest string) bool) error {
	s.holdsMu.Lock()
	var mine []string
	for dest, h := range s.holds {
		if _, ok := h[holder]; ok {
			mine = append(mine, dest)
		}
	}
	s.holdsMu.Unlock()

	var orphaned []string
	for _, dest := range mine {
		if stillHeld != nil && stillHeld(dest) {
			continue
		}
		s.holdsMu.Lock()
		if h, ok := s.holds[dest]; ok {
			delete(h, holder)
			if len(h) == 0 {
				delete(s.holds, dest)
				orphaned = append(orphaned, dest)
			}
		}
		s.holdsMu.Unlock()
	}

	var errs []error
	for _, dest := range orphaned {
		if o, ok := s.deps.Policy.GetUserOverride(dest, ""); ok && o.Mode == model.ModeBlock {
			s.hold(dest, globalHolder)
			continue
		}
		if err := s.liftBlock(ctx, dest, holder, "override released"); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// applyGlobalOverride lifts rules that a new global override below block
// now covers, unless a tab override still holds them. Rules on
// subdomains that a more specific global entry governs are left alone.
func (s *Service) applyGlobalOverride(ctx context.Context, o model.Override) error {
	if o.Scope != model.ScopeGlobal || o.Mode == model.ModeBlock {
		return nil
	}
	var errs []error
	for dest := range s.deps.Enforce.Blocked() {
		got, ok := s.deps.Policy.GetUserOverride(dest, "")
		if !ok || got.Scope != model.ScopeGlobal || got.Domain != o.Domain {
			continue
		}
		if _, others := s.overrideHeld(dest, globalHolder); others {
			continue
		}
		if err := s.liftBlock(ctx, dest, globalHolder, fmt.Sprintf("user override %s (global)", o.Mode)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func errSuffix(err error) string {
	if err == nil {
		return ""
	}
	return ": " + err.Error()
}
