package policy

import (
	"context"
	"testing"

	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/store"
	"github.com/ppiankov/trackwatch/internal/zone"
)

func newEngine(st store.Store) *Engine {
	return New(nil, zone.NewDetector(zone.DefaultConfig()), st, nil)
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Thresholds.RestrictAt != 30 || cfg.Thresholds.SandboxAt != 55 || cfg.Thresholds.BlockAt != 75 {
		t.Errorf("unexpected thresholds %+v", cfg.Thresholds)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestValidateRejectsDescending(t *testing.T) {
	cfg := &Config{Thresholds: Thresholds{RestrictAt: 60, SandboxAt: 50, BlockAt: 90}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for descending thresholds")
	}
}

func TestDetermineModeThresholds(t *testing.T) {
	e := newEngine(nil)
	tests := []struct {
		score int
		want  model.Mode
	}{
		{0, model.ModeAllow},
		{29, model.ModeAllow},
		{30, model.ModeRestrict},
		{54, model.ModeRestrict},
		{55, model.ModeSandbox},
		{74, model.ModeSandbox},
		{75, model.ModeBlock},
		{100, model.ModeBlock},
	}
	for _, tt := range tests {
		base, mode := e.DetermineMode(tt.score, nil)
		if base != tt.want || mode != tt.want {
			t.Errorf("score %d: got base=%s mode=%s, want %s", tt.score, base, mode, tt.want)
		}
	}
}

func TestContextOverrideSoftensBlock(t *testing.T) {
	e := newEngine(nil)
	checkout := model.NewContextSet(model.ContextCheckout)

	base, mode := e.DetermineMode(85, checkout)
	if base != model.ModeBlock {
		t.Errorf("expected base block, got %s", base)
	}
	if mode != model.ModeSandbox {
		t.Errorf("expected sandbox under checkout, got %s", mode)
	}

	_, mode = e.DetermineMode(60, checkout)
	if mode != model.ModeSandbox {
		t.Errorf("sandbox has no override entry, got %s", mode)
	}
}

func TestEmptyThresholdsAllow(t *testing.T) {
	e := New(&Config{}, nil, nil, nil)
	if _, mode := e.DetermineMode(100, nil); mode != model.ModeAllow {
		t.Errorf("expected allow for unset thresholds, got %s", mode)
	}
}

func TestShouldDeferBlocking(t *testing.T) {
	login := model.NewContextSet(model.ContextLogin)
	if !ShouldDeferBlocking(model.ModeBlock, login) {
		t.Error("block under login should defer")
	}
	if ShouldDeferBlocking(model.ModeBlock, nil) {
		t.Error("block without context should not defer")
	}
	if ShouldDeferBlocking(model.ModeSandbox, login) {
		t.Error("sandbox should never defer")
	}
}

func TestOverrideTabBeforeGlobal(t *testing.T) {
	ctx := context.Background()
	e := newEngine(nil)

	if _, err := e.SetUserOverride(ctx, "Tracker.Example", "", model.ModeBlock); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SetUserOverride(ctx, "tracker.example", "tab-1", model.ModeAllow); err != nil {
		t.Fatal(err)
	}

	o, ok := e.GetUserOverride("tracker.example", "tab-1")
	if !ok || o.Mode != model.ModeAllow || o.Scope != model.ScopeTab {
		t.Errorf("expected tab allow, got %+v ok=%v", o, ok)
	}
	o, ok = e.GetUserOverride("tracker.example", "tab-2")
	if !ok || o.Mode != model.ModeBlock || o.Scope != model.ScopeGlobal {
		t.Errorf("expected global block, got %+v ok=%v", o, ok)
	}

	d := e.Decide(5, nil, "tracker.example", "tab-2")
	if d.Mode != model.ModeBlock || d.Override == nil {
		t.Errorf("override should win over score, got %+v", d)
	}
}

func TestOverrideCoversSubdomains(t *testing.T) {
	ctx := context.Background()
	e := newEngine(nil)

	if _, err := e.SetUserOverride(ctx, "hotjar.com", "", model.ModeAllow); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SetUserOverride(ctx, "vars.hotjar.com", "", model.ModeBlock); err != nil {
		t.Fatal(err)
	}

	if o, ok := e.GetUserOverride("script.hotjar.com", ""); !ok || o.Domain != "hotjar.com" {
		t.Errorf("expected parent override, got %+v ok=%v", o, ok)
	}
	if o, ok := e.GetUserOverride("vars.hotjar.com", ""); !ok || o.Mode != model.ModeBlock {
		t.Errorf("expected the more specific override to win, got %+v ok=%v", o, ok)
	}
	if _, ok := e.GetUserOverride("nothotjar.com", ""); ok {
		t.Error("override must not leak to a different registrable domain")
	}
}

func TestSetOverrideRejectsUnknownMode(t *testing.T) {
	e := newEngine(nil)
	if _, err := e.SetUserOverride(context.Background(), "x.example", "", model.Mode("nuke")); err == nil {
		t.Error("expected error for unknown mode")
	}
	if _, err := e.SetUserOverride(context.Background(), "", "", model.ModeBlock); err == nil {
		t.Error("expected error for empty domain")
	}
}

func TestOverridesSurviveReload(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	e := newEngine(st)
	if _, err := e.SetUserOverride(ctx, "a.example", "", model.ModeSandbox); err != nil {
		t.Fatal(err)
	}

	fresh := newEngine(st)
	if err := fresh.Load(ctx); err != nil {
		t.Fatal(err)
	}
	o, ok := fresh.GetUserOverride("a.example", "any")
	if !ok || o.Mode != model.ModeSandbox {
		t.Errorf("expected reloaded sandbox override, got %+v ok=%v", o, ok)
	}
}

func TestRemoveAndClearSession(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	e := newEngine(st)
	for _, d := range []string{"a.example", "b.example"} {
		if _, err := e.SetUserOverride(ctx, d, "tab-1", model.ModeAllow); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.SetUserOverride(ctx, "a.example", "tab-2", model.ModeAllow); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SetUserOverride(ctx, "a.example", "", model.ModeBlock); err != nil {
		t.Fatal(err)
	}

	if err := e.ClearSessionOverrides(ctx, "tab-1"); err != nil {
		t.Fatal(err)
	}
	if o, _ := e.GetUserOverride("b.example", "tab-1"); o.Scope == model.ScopeTab {
		t.Error("tab-1 override should be gone")
	}
	if o, ok := e.GetUserOverride("a.example", "tab-2"); !ok || o.Scope != model.ScopeTab {
		t.Error("tab-2 override should survive")
	}
	keys, _ := st.Keys(ctx, store.NSOverrides, "tab|tab-1|")
	if len(keys) != 0 {
		t.Errorf("expected persisted tab-1 keys removed, got %v", keys)
	}

	if err := e.RemoveUserOverride(ctx, "a.example", ""); err != nil {
		t.Fatal(err)
	}
	if o, ok := e.GetUserOverride("a.example", "tab-3"); ok {
		t.Errorf("global override should be removed, got %+v", o)
	}
	if err := e.RemoveUserOverride(ctx, "missing.example", ""); err != nil {
		t.Errorf("removing a missing override should not fail: %v", err)
	}
}
