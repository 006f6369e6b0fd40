package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/trackwatch/internal/config"
	"github.com/ppiankov/trackwatch/internal/filter"
	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/store"
)

const grace = 30 * time.Millisecond

type harness struct {
	svc    *Service
	filter *filter.Memory
	store  store.Store
}

func newHarness(t *testing.T, inline bool) *harness {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Pipeline.GraceDelay = grace
	cfg.Pipeline.Shards = 4
	cfg.TrackersPath = t.TempDir() + "/none.yaml"
	f := filter.NewMemory()
	st := store.NewMemory()
	svc, closeFn, err := Build(context.Background(), cfg, BuildOptions{Filter: f, Store: st, Inline: inline})
	require.NoError(t, err)
	t.Cleanup(func() { _ = closeFn() })
	require.NoError(t, svc.Init(context.Background()))
	return &harness{svc: svc, filter: f, store: st}
}

func req(session, url, initiator string) model.Request {
	return model.Request{
		URL:          url,
		ResourceType: "script",
		InitiatorURL: initiator,
		SessionID:    model.SessionID(session),
		ObservedAt:   time.Now(),
	}
}

func blockRules(f *filter.Memory, domain string) int {
	n := 0
	for _, r := range f.Rules() {
		if d, ok := r.Domain(); ok && r.Kind == filter.KindBlock && d == domain {
			n++
		}
	}
	return n
}

func TestDoubleclickAcrossTwoSitesIsBlocked(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	initiators := []string{"https://site-a.com/", "https://news.site-b.org/story", "https://site-a.com/page"}
	var last Outcome
	for _, ini := range initiators {
		last = h.svc.Process(ctx, req("s1", "https://ad.doubleclick.net/pixel?id=1", ini))
		require.False(t, last.Skipped, last.SkipReason)
	}

	assert.GreaterOrEqual(t, last.Score, 85)
	assert.Equal(t, model.ModeBlock, last.Decision.Mode)
	assert.Equal(t, model.ModeBlock, last.Result.Effective)
	assert.True(t, last.Result.Confirmed)
	assert.Equal(t, 1, blockRules(h.filter, "ad.doubleclick.net"))

	report := h.svc.Insights().CrossSite
	require.Len(t, report.Trackers, 1)
	assert.Equal(t, "ad.doubleclick.net", report.Trackers[0].Domain)
	assert.Equal(t, 2, report.Trackers[0].SitesTracked)

	trackers, err := h.svc.Trackers("s1")
	require.NoError(t, err)
	require.Len(t, trackers, 1)
	assert.Equal(t, 3, trackers[0].Count)
	assert.Equal(t, "Google", trackers[0].Company)

	stats, err := h.svc.Stats("s1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Requests)
	assert.Equal(t, 3, stats.Blocked)
}

func TestCheckoutContextDefersBlock(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	contexts, err := h.svc.Navigate(ctx, "s2", "https://shop.example/checkout", nil)
	require.NoError(t, err)
	require.True(t, contexts.Has(model.ContextCheckout))

	out := h.svc.Process(ctx, req("s2", "https://doubleclick.net/x", "https://shop.example/checkout"))
	assert.Equal(t, model.ModeBlock, out.Decision.Base)
	assert.Equal(t, model.ModeSandbox, out.Decision.Mode)
	assert.True(t, out.Result.Deferred)
	assert.Equal(t, model.ModeSandbox, out.Result.Effective)
	assert.Equal(t, []string{"doubleclick.net"}, h.svc.Deferred("s2"))
	assert.Zero(t, blockRules(h.filter, "doubleclick.net"))

	_, err = h.svc.Navigate(ctx, "s2", "https://shop.example/thanks", nil)
	require.NoError(t, err)
	assert.True(t, h.svc.PendingActivation("s2"))

	require.Eventually(t, func() bool {
		return blockRules(h.filter, "doubleclick.net") == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, h.svc.Deferred("s2"))
}

func TestReenteringContextCancelsActivation(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	_, err := h.svc.Navigate(ctx, "s3", "https://shop.example/checkout", nil)
	require.NoError(t, err)
	h.svc.Process(ctx, req("s3", "https://doubleclick.net/x", "https://shop.example/checkout"))

	_, err = h.svc.Navigate(ctx, "s3", "https://shop.example/home", nil)
	require.NoError(t, err)
	_, err = h.svc.Navigate(ctx, "s3", "https://shop.example/payment/card", nil)
	require.NoError(t, err)
	assert.False(t, h.svc.PendingActivation("s3"))

	time.Sleep(5 * grace)
	assert.Zero(t, blockRules(h.filter, "doubleclick.net"))
	assert.Equal(t, []string{"doubleclick.net"}, h.svc.Deferred("s3"))
}

func TestActivateDeferredSkipsGrace(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	_, err := h.svc.Navigate(ctx, "s", "https://shop.example/checkout", nil)
	require.NoError(t, err)
	h.svc.Process(ctx, req("s", "https://doubleclick.net/x", "https://shop.example/checkout"))

	// Still in checkout: activation is refused.
	assert.Empty(t, h.svc.ActivateDeferred("s"))

	sess, _ := h.svc.sessions.lookup("s")
	sess.mu.Lock()
	sess.contexts = model.NewContextSet()
	sess.mu.Unlock()

	acts := h.svc.ActivateDeferred("s")
	require.Len(t, acts, 1)
	assert.Equal(t, "doubleclick.net", acts[0].Domain)
	assert.Equal(t, 1, blockRules(h.filter, "doubleclick.net"))
}

func TestCloseSessionTearsDownSessionState(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	_, err := h.svc.Navigate(ctx, "s4", "https://shop.example/checkout", nil)
	require.NoError(t, err)
	h.svc.Process(ctx, req("s4", "https://doubleclick.net/x", "https://shop.example/checkout"))
	require.Equal(t, []string{"doubleclick.net"}, h.svc.Deferred("s4"))
	_, err = h.svc.SetOverride(ctx, "hotjar.com", "s4", "allow")
	require.NoError(t, err)
	_, err = h.svc.SetOverride(ctx, "criteo.com", "", "block")
	require.NoError(t, err)

	require.NoError(t, h.svc.CloseSession(ctx, "s4"))

	assert.Empty(t, h.svc.Deferred("s4"))
	_, err = h.svc.Trackers("s4")
	assert.ErrorIs(t, err, ErrUnknownSession)
	overrides := h.svc.Overrides()
	require.Len(t, overrides, 1)
	assert.Equal(t, "criteo.com", overrides[0].Domain)
	assert.Zero(t, blockRules(h.filter, "doubleclick.net"))
}

func TestSkippedRequests(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	cases := []struct {
		name   string
		req    model.Request
		reason string
	}{
		{"malformed", req("s", "::not a url", ""), SkipMalformed},
		{"first party", req("s", "https://static.site-a.com/app.js", "https://www.site-a.com/"), SkipFirstParty},
		{"not a tracker", req("s", "https://unrelated-news.org/index.html", "https://site-a.com/"), SkipNotTracker},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := h.svc.Process(ctx, tc.req)
			assert.True(t, out.Skipped)
			assert.Equal(t, tc.reason, out.SkipReason)
		})
	}
	stats, err := h.svc.Stats("s")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Skipped)
	assert.Zero(t, stats.Trackers)
}

func TestUserOverrides(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	_, err := h.svc.SetOverride(ctx, "doubleclick.net", "", "allow")
	require.NoError(t, err)
	out := h.svc.Process(ctx, req("s", "https://doubleclick.net/x", "https://site-a.com/"))
	assert.Equal(t, model.ModeAllow, out.Result.Effective)
	assert.NotNil(t, out.Decision.Override)

	// A user block under a sensitive context applies immediately.
	_, err = h.svc.Navigate(ctx, "s", "https://shop.example/checkout", nil)
	require.NoError(t, err)
	_, err = h.svc.SetOverride(ctx, "hotjar.com", "s", "block")
	require.NoError(t, err)
	out = h.svc.Process(ctx, req("s", "https://script.hotjar.com/x.js", "https://shop.example/checkout"))
	assert.Equal(t, model.ModeBlock, out.Result.Effective)
	assert.False(t, out.Result.Deferred)
	assert.Equal(t, 1, blockRules(h.filter, "script.hotjar.com"))

	_, err = h.svc.SetOverride(ctx, "x.com", "", "nonsense")
	assert.Error(t, err)

	require.NoError(t, h.svc.ClearOverride(ctx, "doubleclick.net", ""))
	out = h.svc.Process(ctx, req("s2", "https://doubleclick.net/x", "https://site-a.com/"))
	assert.Nil(t, out.Decision.Override)
}

func TestGlobalAllowOverrideLiftsBlockRule(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	out := h.svc.Process(ctx, req("s", "https://doubleclick.net/x", "https://site-a.com/"))
	require.Equal(t, model.ModeBlock, out.Result.Effective)
	require.Equal(t, 1, blockRules(h.filter, "doubleclick.net"))

	_, err := h.svc.SetOverride(ctx, "doubleclick.net", "", "allow")
	require.NoError(t, err)
	assert.Zero(t, blockRules(h.filter, "doubleclick.net"), "setting the override lifts the rule")

	out = h.svc.Process(ctx, req("s", "https://doubleclick.net/x", "https://site-a.com/"))
	assert.Equal(t, model.ModeAllow, out.Result.Effective)
	assert.Zero(t, blockRules(h.filter, "doubleclick.net"))

	// A rule installed behind the override's back is lifted by the next request.
	_, err = h.svc.Block(ctx, "doubleclick.net")
	require.NoError(t, err)
	out = h.svc.Process(ctx, req("s", "https://doubleclick.net/x", "https://site-a.com/"))
	assert.Equal(t, model.ModeAllow, out.Result.Effective)
	assert.True(t, out.Result.Confirmed)
	assert.Zero(t, blockRules(h.filter, "doubleclick.net"))
}

func TestParentAllowOverrideLiftsSubdomainRule(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	_, err := h.svc.Block(ctx, "script.hotjar.com")
	require.NoError(t, err)
	_, err = h.svc.Block(ctx, "vars.hotjar.com")
	require.NoError(t, err)
	_, err = h.svc.SetOverride(ctx, "vars.hotjar.com", "", "block")
	require.NoError(t, err)
	_, err = h.svc.SetOverride(ctx, "hotjar.com", "", "allow")
	require.NoError(t, err)
	assert.Zero(t, blockRules(h.filter, "script.hotjar.com"))
	assert.Equal(t, 1, blockRules(h.filter, "vars.hotjar.com"), "the more specific override governs")

	out := h.svc.Process(ctx, req("s", "https://script.hotjar.com/x.js", "https://site-a.com/"))
	assert.Equal(t, model.ModeAllow, out.Result.Effective)
	assert.True(t, out.Result.Confirmed)
	assert.Zero(t, blockRules(h.filter, "script.hotjar.com"))
}

func TestTabBlockOverrideRuleRemovedOnSessionClose(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	_, err := h.svc.SetOverride(ctx, "hotjar.com", "s2", "block")
	require.NoError(t, err)
	out := h.svc.Process(ctx, req("s2", "https://script.hotjar.com/x.js", "https://site-a.com/"))
	require.Equal(t, model.ModeBlock, out.Result.Effective)
	require.Equal(t, 1, blockRules(h.filter, "script.hotjar.com"))
	assert.Equal(t, []model.SessionID{"s2"}, h.svc.Holds()["script.hotjar.com"])

	require.NoError(t, h.svc.CloseSession(ctx, "s2"))
	assert.Zero(t, blockRules(h.filter, "script.hotjar.com"))
	assert.Empty(t, h.svc.Holds())
}

func TestTabBlockRuleSurvivesWhileAnotherHolderRemains(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	for _, s := range []string{"s1", "s2"} {
		_, err := h.svc.SetOverride(ctx, "hotjar.com", model.SessionID(s), "block")
		require.NoError(t, err)
		h.svc.Process(ctx, req(s, "https://script.hotjar.com/x.js", "https://site-a.com/"))
	}
	require.Equal(t, 1, blockRules(h.filter, "script.hotjar.com"))

	require.NoError(t, h.svc.CloseSession(ctx, "s1"))
	assert.Equal(t, 1, blockRules(h.filter, "script.hotjar.com"))

	// Clearing the override releases the last hold.
	require.NoError(t, h.svc.ClearOverride(ctx, "hotjar.com", "s2"))
	assert.Zero(t, blockRules(h.filter, "script.hotjar.com"))
}

func TestTabBlockRuleKeptUnderGlobalBlockOverride(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	_, err := h.svc.SetOverride(ctx, "hotjar.com", "s2", "block")
	require.NoError(t, err)
	h.svc.Process(ctx, req("s2", "https://script.hotjar.com/x.js", "https://site-a.com/"))
	_, err = h.svc.SetOverride(ctx, "hotjar.com", "", "block")
	require.NoError(t, err)

	require.NoError(t, h.svc.CloseSession(ctx, "s2"))
	assert.Equal(t, 1, blockRules(h.filter, "script.hotjar.com"))
	assert.Equal(t, []model.SessionID{""}, h.svc.Holds()["script.hotjar.com"])

	require.NoError(t, h.svc.ClearOverride(ctx, "hotjar.com", ""))
	assert.Zero(t, blockRules(h.filter, "script.hotjar.com"))
}

func TestScoreBlockNotLiftedByTabClose(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	_, err := h.svc.SetOverride(ctx, "doubleclick.net", "s2", "block")
	require.NoError(t, err)
	h.svc.Process(ctx, req("s2", "https://doubleclick.net/x", "https://site-a.com/"))
	// Another tab reaches block on score alone, taking the rule over.
	out := h.svc.Process(ctx, req("s1", "https://doubleclick.net/x", "https://site-a.com/"))
	require.Nil(t, out.Decision.Override)
	require.Equal(t, model.ModeBlock, out.Result.Effective)

	require.NoError(t, h.svc.CloseSession(ctx, "s2"))
	assert.Equal(t, 1, blockRules(h.filter, "doubleclick.net"))
}

func TestTabAllowCannotLiftSharedRule(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	_, err := h.svc.Block(ctx, "doubleclick.net")
	require.NoError(t, err)
	_, err = h.svc.SetOverride(ctx, "doubleclick.net", "s2", "allow")
	require.NoError(t, err)

	out := h.svc.Process(ctx, req("s2", "https://doubleclick.net/x", "https://site-a.com/"))
	assert.Equal(t, model.ModeAllow, out.Result.Requested)
	assert.Equal(t, model.ModeBlock, out.Result.Effective)
	assert.False(t, out.Result.Confirmed)
	assert.Equal(t, 1, blockRules(h.filter, "doubleclick.net"))
}

func TestManualBlockIsIdempotent(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	id1, err := h.svc.Block(ctx, "tracker.example")
	require.NoError(t, err)
	id2, err := h.svc.Block(ctx, "Tracker.Example")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, h.filter.Installs())

	got, err := h.svc.Unblock(ctx, "tracker.example")
	require.NoError(t, err)
	assert.Equal(t, id1, got)
	assert.Empty(t, h.svc.BlockedDomains())
}

func TestInitReconcilesExistingRules(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.TrackersPath = t.TempDir() + "/none.yaml"
	f := filter.NewMemory()
	f.Seed(filter.Rule{ID: 7, Kind: filter.KindBlock, URLFilter: filter.Pattern("criteo.com")})

	svc, closeFn, err := Build(context.Background(), cfg, BuildOptions{Filter: f, Store: store.NewMemory(), Inline: true})
	require.NoError(t, err)
	defer closeFn()
	require.NoError(t, svc.Init(context.Background()))

	assert.Equal(t, map[string]int{"criteo.com": 7}, svc.BlockedDomains())
	id, err := svc.Block(context.Background(), "doubleclick.net")
	require.NoError(t, err)
	assert.Equal(t, 8, id)
}

func TestFingerprintRaisesScore(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	before := h.svc.Process(ctx, req("s", "https://fp.cdn-assets.net/a.js", "https://site-a.com/"))
	require.False(t, before.Skipped)

	_, err := h.svc.RecordFingerprint(ctx, "s", "fp.cdn-assets.net", "audio", map[string]string{"method": "OfflineAudioContext"})
	require.NoError(t, err)
	_, err = h.svc.RecordFingerprint(ctx, "s", "fp.cdn-assets.net", "webrtc", nil)
	require.NoError(t, err)
	sum, err := h.svc.RecordFingerprint(ctx, "s", "fp.cdn-assets.net", "battery", nil)
	require.NoError(t, err)
	assert.Equal(t, "critical", sum.Severity)
	assert.Equal(t, 70, sum.RiskScore)

	after := h.svc.Process(ctx, req("s", "https://fp.cdn-assets.net/a.js", "https://site-a.com/"))
	assert.Greater(t, after.Score, before.Score)
	assert.Equal(t, 70, after.FingerprintScore)
	require.Len(t, h.svc.Fingerprints(), 1)

	_, err = h.svc.RecordFingerprint(ctx, "s", "fp.cdn-assets.net", "telepathy", nil)
	assert.Error(t, err)
}

func TestFeedbackChangesCategory(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	_, err := h.svc.SubmitFeedback(ctx, "unrelated-news.org", "Analytics")
	require.NoError(t, err)
	out := h.svc.Process(ctx, req("s", "https://unrelated-news.org/index.html", "https://site-a.com/"))
	require.False(t, out.Skipped)
	assert.Equal(t, model.CategoryAnalytics, out.Identity.Category)
	assert.Equal(t, model.SourceFeedback, out.Identity.Source)

	_, err = h.svc.SubmitFeedback(ctx, "x.com", "Weather")
	assert.Error(t, err)
}

func TestClearData(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.svc.Process(ctx, req("s", "https://doubleclick.net/x", "https://site-a.com/"))
	_, err := h.svc.RecordFingerprint(ctx, "s", "doubleclick.net", "webrtc", nil)
	require.NoError(t, err)

	require.Equal(t, 1, blockRules(h.filter, "doubleclick.net"))

	require.NoError(t, h.svc.ClearData(ctx, "all"))
	assert.Empty(t, h.svc.Fingerprints())
	assert.Empty(t, h.svc.TrackerHistory())
	assert.Empty(t, h.svc.BlockedDomains())
	assert.Empty(t, h.filter.Rules())
	assert.Error(t, h.svc.ClearData(ctx, "everything"))
}

func TestClearRulesKeepsAnalysisData(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	h.svc.Process(ctx, req("s", "https://doubleclick.net/x", "https://site-a.com/"))
	_, err := h.svc.RecordFingerprint(ctx, "s", "doubleclick.net", "webrtc", nil)
	require.NoError(t, err)
	next := h.svc.deps.Enforce.NextID()

	require.NoError(t, h.svc.ClearData(ctx, "Rules"))
	assert.Empty(t, h.filter.Rules())
	assert.NotEmpty(t, h.svc.Fingerprints())

	id, err := h.svc.Block(ctx, "tracker.example")
	require.NoError(t, err)
	assert.Equal(t, next, id, "rule ids keep increasing after a reset")
}

func TestServeLifecycle(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() { errCh <- h.svc.Serve(ctx) }()

	out, err := h.svc.Observe(ctx, req("s", "https://doubleclick.net/x", "https://site-a.com/"))
	require.NoError(t, err)
	assert.Equal(t, model.ModeBlock, out.Result.Effective)

	for i := 0; i < 20; i++ {
		require.NoError(t, h.svc.Submit(ctx, req("s", "https://google-analytics.com/collect", "https://site-a.com/")))
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(shutdownCtx))
	require.NoError(t, <-errCh)

	stats, err := h.svc.Stats("s")
	require.NoError(t, err)
	assert.Equal(t, 21, stats.Requests)

	_, err = h.svc.Observe(ctx, req("s", "https://doubleclick.net/x", ""))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, h.svc.Submit(ctx, req("s", "https://doubleclick.net/x", "")), ErrClosed)
}

func TestServeRequiresInit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.TrackersPath = t.TempDir() + "/none.yaml"
	svc, closeFn, err := Build(context.Background(), cfg, BuildOptions{Store: store.NewMemory()})
	require.NoError(t, err)
	defer closeFn()
	assert.ErrorIs(t, svc.Serve(context.Background()), ErrNotReady)
}

func TestShardForIsStablePerKey(t *testing.T) {
	h := newHarness(t, true)
	a := req("s", "https://doubleclick.net/a", "")
	b := req("s", "https://doubleclick.net/b?x=1", "")
	assert.Equal(t, h.svc.shardFor(a), h.svc.shardFor(b))
}

func TestApplyConfigSwapsThresholds(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	cfg := config.DefaultConfig()
	cfg.Policy.Thresholds.BlockAt = 99
	cfg.Policy.Thresholds.SandboxAt = 98
	cfg.Policy.Thresholds.RestrictAt = 97
	require.NoError(t, h.svc.ApplyConfig(cfg, "sha256:new"))

	out := h.svc.Process(ctx, req("s", "https://doubleclick.net/x", "https://site-a.com/"))
	assert.Equal(t, model.ModeAllow, out.Result.Effective)

	bad := config.DefaultConfig()
	bad.Policy.Thresholds.BlockAt = 10
	assert.Error(t, h.svc.ApplyConfig(bad, "sha256:bad"))
}
