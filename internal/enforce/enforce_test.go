package enforce

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ppiankov/trackwatch/internal/filter"
	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/store"
)

// flaky wraps a memory filter and fails selected calls.
type flaky struct {
	*filter.Memory
	failInstall bool
	failList    bool
	failRemove  bool
}

func (f *flaky) InstallBlockRule(ctx context.Context, id int, domain string) error {
	if f.failInstall {
		return errors.New("install unavailable")
	}
	return f.Memory.InstallBlockRule(ctx, id, domain)
}

func (f *flaky) ListActiveRules(ctx context.Context) ([]filter.Rule, error) {
	if f.failList {
		return nil, errors.New("list unavailable")
	}
	return f.Memory.ListActiveRules(ctx)
}

func (f *flaky) RemoveRule(ctx context.Context, id int) error {
	if f.failRemove {
		return errors.New("remove unavailable")
	}
	return f.Memory.RemoveRule(ctx, id)
}

type recordingDirectives struct {
	mu      sync.Mutex
	applied []Action
}

func (r *recordingDirectives) Apply(_ context.Context, _ model.SessionID, _ string, a Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, a)
	return nil
}

func TestBlockRequestIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := filter.NewMemory()
	e := New(mem, nil)

	id1, err := e.BlockRequest(ctx, "doubleclick.net")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := e.BlockRequest(ctx, "DoubleClick.net")
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("expected same rule id, got %d and %d", id1, id2)
	}
	if mem.Installs() != 1 {
		t.Errorf("expected exactly one install, got %d", mem.Installs())
	}
}

func TestConcurrentBlockInstallsOnce(t *testing.T) {
	ctx := context.Background()
	mem := filter.NewMemory()
	e := New(mem, nil)

	var wg sync.WaitGroup
	ids := make([]int, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], _ = e.BlockRequest(ctx, "tracker.example")
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("ids diverged: %v", ids)
		}
	}
	if mem.Installs() != 1 {
		t.Errorf("expected one install, got %d", mem.Installs())
	}
}

func TestRuleIDsIncreaseAndAreNotReused(t *testing.T) {
	ctx := context.Background()
	e := New(filter.NewMemory(), nil)
	a, _ := e.BlockRequest(ctx, "a.example")
	if err := e.UnblockRequest(ctx, "a.example"); err != nil {
		t.Fatal(err)
	}
	b, _ := e.BlockRequest(ctx, "a.example")
	if b <= a {
		t.Errorf("expected increasing ids, got %d then %d", a, b)
	}
}

func TestEnforceBlockUnderContextDefers(t *testing.T) {
	ctx := context.Background()
	mem := filter.NewMemory()
	e := New(mem, nil)
	checkout := model.NewContextSet(model.ContextCheckout)

	res := e.Enforce(ctx, "doubleclick.net", model.ModeBlock, "s1", checkout)
	if !res.Deferred || res.Effective != model.ModeSandbox {
		t.Errorf("expected deferred sandbox, got %+v", res)
	}
	if e.IsBlocked("doubleclick.net") {
		t.Error("block primitive must not run while context is active")
	}
	for _, r := range mem.Rules() {
		if r.Kind == filter.KindBlock {
			t.Errorf("unexpected block rule %+v", r)
		}
	}
	if got := e.Deferred("s1"); len(got) != 1 || got[0] != "doubleclick.net" {
		t.Errorf("expected deferred set [doubleclick.net], got %v", got)
	}

	acts := e.ActivateDeferredBlocks(ctx, "s1")
	if len(acts) != 1 || acts[0].Error != "" {
		t.Fatalf("unexpected activations %+v", acts)
	}
	if len(e.Deferred("s1")) != 0 {
		t.Error("deferred set should be empty after activation")
	}
	if !e.IsBlocked("doubleclick.net") {
		t.Error("deferred domain should now be blocked")
	}
}

func TestActivateDrainsEvenOnFailure(t *testing.T) {
	ctx := context.Background()
	f := &flaky{Memory: filter.NewMemory(), failInstall: true}
	e := New(f, nil)
	e.DeferBlock("s1", "a.example")

	acts := e.ActivateDeferredBlocks(ctx, "s1")
	if len(acts) != 1 || acts[0].Error == "" {
		t.Errorf("expected a failed activation, got %+v", acts)
	}
	if e.DeferredCount() != 0 {
		t.Error("deferred set should be drained")
	}
}

func TestEnforceActionSets(t *testing.T) {
	ctx := context.Background()
	mem := filter.NewMemory()
	dir := &recordingDirectives{}
	e := New(mem, nil, WithDirectives(dir))

	res := e.Enforce(ctx, "mixpanel.com", model.ModeRestrict, "s1", nil)
	if !res.Confirmed || len(res.Actions) != 2 {
		t.Fatalf("unexpected restrict result %+v", res)
	}
	res = e.Enforce(ctx, "mixpanel.com", model.ModeSandbox, "s1", nil)
	if !res.Confirmed {
		t.Fatalf("unexpected sandbox result %+v", res)
	}
	if mem.Installs() != 1 {
		t.Errorf("cookie rule should be installed once per domain, got %d installs", mem.Installs())
	}
	if len(dir.applied) != 2 || dir.applied[0] != ActionLimitHeaders || dir.applied[1] != ActionBlockStorage {
		t.Errorf("unexpected directives %v", dir.applied)
	}

	res = e.Enforce(ctx, "mixpanel.com", model.ModeAllow, "s1", nil)
	if len(res.Actions) != 0 || !res.Confirmed {
		t.Errorf("allow should do nothing, got %+v", res)
	}
}

func TestDirectivesAbsentAreLocalOnly(t *testing.T) {
	e := New(filter.NewMemory(), nil)
	res := e.Enforce(context.Background(), "x.example", model.ModeRestrict, "s1", nil)
	if !res.Confirmed {
		t.Fatalf("expected confirmed, got %+v", res)
	}
	if !res.Actions[1].LocalOnly {
		t.Errorf("limit_headers should be local-only, got %+v", res.Actions[1])
	}
}

func TestFailedActionIsUnconfirmed(t *testing.T) {
	f := &flaky{Memory: filter.NewMemory(), failInstall: true}
	e := New(f, nil)
	res := e.Enforce(context.Background(), "x.example", model.ModeBlock, "s1", nil)
	if res.Confirmed {
		t.Error("failed install should leave the mode unconfirmed")
	}
	if res.Effective != model.ModeBlock {
		t.Errorf("effective mode should still report block, got %s", res.Effective)
	}
	if e.IsBlocked("x.example") {
		t.Error("failed install must not be recorded")
	}
}

func TestInitReconcilesInstalledRules(t *testing.T) {
	ctx := context.Background()
	mem := filter.NewMemory()
	mem.Seed(
		filter.Rule{ID: 4, Kind: filter.KindBlock, URLFilter: "||a.example^"},
		filter.Rule{ID: 9, Kind: filter.KindBlock, URLFilter: "||a.example^"},
		filter.Rule{ID: 6, Kind: filter.KindStripCookie, URLFilter: "||b.example^"},
		filter.Rule{ID: 12, Kind: filter.KindBlock, URLFilter: "not-a-pattern"},
	)
	e := New(mem, nil)
	if err := e.Init(ctx); err != nil {
		t.Fatal(err)
	}

	if id, ok := e.RuleID("a.example"); !ok || id != 4 {
		t.Errorf("expected a.example -> 4, got %d ok=%v", id, ok)
	}
	if e.NextID() != 13 {
		t.Errorf("expected next id 13, got %d", e.NextID())
	}
	for _, r := range mem.Rules() {
		if r.ID == 9 {
			t.Error("duplicate rule 9 should have been removed")
		}
	}

	id, _ := e.BlockRequest(ctx, "a.example")
	if id != 4 || mem.Installs() != 0 {
		t.Errorf("re-blocking after restart must reuse rule 4, got %d installs=%d", id, mem.Installs())
	}
	id, _ = e.BlockRequest(ctx, "c.example")
	if id != 13 {
		t.Errorf("expected new rule 13, got %d", id)
	}
}

func TestInitFallsBackToPersistedMapping(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	first := New(filter.NewMemory(), nil, WithStore(st))
	if _, err := first.BlockRequest(ctx, "a.example"); err != nil {
		t.Fatal(err)
	}
	if _, err := first.BlockRequest(ctx, "b.example"); err != nil {
		t.Fatal(err)
	}

	second := New(&flaky{Memory: filter.NewMemory(), failList: true}, nil, WithStore(st))
	if err := second.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if id, ok := second.RuleID("b.example"); !ok || id != 2 {
		t.Errorf("expected b.example -> 2 from persisted mapping, got %d ok=%v", id, ok)
	}
	if second.NextID() != 3 {
		t.Errorf("expected next id 3, got %d", second.NextID())
	}
}

func TestUnblockMissingRuleSelfHeals(t *testing.T) {
	ctx := context.Background()
	mem := filter.NewMemory()
	e := New(mem, nil)
	if _, err := e.BlockRequest(ctx, "a.example"); err != nil {
		t.Fatal(err)
	}
	// Rule vanished behind our back.
	if err := mem.RemoveRule(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if err := e.UnblockRequest(ctx, "a.example"); err != nil {
		t.Errorf("unblock of a vanished rule should self-heal, got %v", err)
	}
	if e.IsBlocked("a.example") {
		t.Error("mapping should be re-derived without a.example")
	}

	err := e.UnblockRequest(ctx, "never.example")
	if !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestUnblockFailureKeepsMapping(t *testing.T) {
	ctx := context.Background()
	f := &flaky{Memory: filter.NewMemory()}
	e := New(f, nil)
	if _, err := e.BlockRequest(ctx, "a.example"); err != nil {
		t.Fatal(err)
	}
	f.failRemove = true
	if err := e.UnblockRequest(ctx, "a.example"); err == nil {
		t.Error("expected error when the rule is still installed")
	}
	if !e.IsBlocked("a.example") {
		t.Error("mapping should still hold the installed rule")
	}
}

func TestClearAllRules(t *testing.T) {
	ctx := context.Background()
	mem := filter.NewMemory()
	e := New(mem, nil)
	e.BlockRequest(ctx, "a.example")
	e.Enforce(ctx, "b.example", model.ModeRestrict, "s", nil)
	next := e.NextID()

	if err := e.ClearAllRules(ctx); err != nil {
		t.Fatal(err)
	}
	if len(mem.Rules()) != 0 || e.ActiveRules() != 0 {
		t.Errorf("expected no rules, filter=%d local=%d", len(mem.Rules()), e.ActiveRules())
	}
	if e.NextID() != next {
		t.Errorf("next id should not be rewound, got %d want %d", e.NextID(), next)
	}
}

func TestDiscardDeferred(t *testing.T) {
	e := New(filter.NewMemory(), nil)
	e.DeferBlock("s1", "a.example")
	e.DeferBlock("s1", "b.example")
	e.DeferBlock("s2", "a.example")
	if n := e.DiscardDeferred("s1"); n != 2 {
		t.Errorf("expected 2 discarded, got %d", n)
	}
	if e.DeferredCount() != 1 {
		t.Errorf("expected s2 entry to remain, got %d", e.DeferredCount())
	}
}
