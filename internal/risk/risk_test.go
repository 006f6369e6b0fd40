package risk

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/trackwatch/internal/model"
)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func identity(domain string, cat model.Category, base int) model.TrackerIdentity {
	return model.TrackerIdentity{Domain: domain, Company: "Test", Category: cat, BaseRisk: base}
}

func TestDoubleclickScenarioBlocksRange(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	e := New(nil, WithClock(fixedClock(t0)))
	id := identity("doubleclick.net", model.CategoryAdvertising, 30)

	initiators := []string{"https://news.example.com/a", "https://shop.example.org/b", "https://news.example.com/c"}
	var a Assessment
	for i, init := range initiators {
		a = e.Calculate(model.Request{
			URL:          "https://doubleclick.net/pixel",
			ResourceType: "image",
			InitiatorURL: init,
			SessionID:    "s1",
			ObservedAt:   t0.Add(time.Duration(i) * time.Second),
		}, id, nil)
	}
	assert.GreaterOrEqual(t, a.Score, 85)
	assert.Equal(t, model.TierCritical, a.Tier)
	assert.Equal(t, 3, a.Frequency)
}

func TestFactorsAreItemised(t *testing.T) {
	e := New(nil)
	a := e.Calculate(model.Request{
		URL:          "https://static.hotjar.com/c/hotjar.js",
		ResourceType: "xmlhttprequest",
		InitiatorURL: "https://shop.example.com/",
		SessionID:    "s1",
	}, identity("static.hotjar.com", model.CategorySessionRecording, 35), nil)

	sum := 0
	names := map[string]int{}
	for _, f := range a.Factors {
		sum += f.Value
		names[f.Name] = f.Value
	}
	assert.Equal(t, 15, names["session_recording"])
	assert.Equal(t, 25, names["high_risk_list"])
	assert.Equal(t, 5, names["programmatic_fetch"])
	assert.Equal(t, 10, names["cross_site"])
	assert.Equal(t, 100, a.Score, "35+15+25+15+10+5 saturates")
	assert.Greater(t, sum, 100)
}

func TestSameSiteIsNotCrossSite(t *testing.T) {
	e := New(nil)
	req := model.Request{URL: "https://cdn.shop.example.com/x.js", InitiatorURL: "https://www.shop.example.com", SessionID: "s"}
	a := e.Calculate(req, identity("cdn.shop.example.com", model.CategoryAnalytics, 20), nil)
	assert.Equal(t, 30, a.Score)

	req.InitiatorURL = ""
	a = e.Calculate(req, identity("cdn.shop.example.com", model.CategoryAnalytics, 20), nil)
	assert.Equal(t, 40, a.Score, "missing initiator counts as cross-site")
}

func TestCriticalAndSafeDampening(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HighRiskDomains = append(cfg.HighRiskDomains, "stripe.com", "jsdelivr.net")
	e := New(cfg)

	undampened := func(domain string, cat model.Category) int {
		c := DefaultConfig()
		c.HighRiskDomains = cfg.HighRiskDomains
		c.CriticalDomains = nil
		c.SafeDomains = nil
		return New(c).Calculate(model.Request{URL: "https://" + domain + "/", SessionID: "s"}, identity(domain, cat, 0), nil).Score
	}

	crit := e.Calculate(model.Request{URL: "https://js.stripe.com/v3", SessionID: "s"}, identity("js.stripe.com", model.CategoryPayment, 0), nil)
	assert.LessOrEqual(t, crit.Score, max(undampened("js.stripe.com", model.CategoryPayment)-30, 0))

	safe := e.Calculate(model.Request{URL: "https://cdn.jsdelivr.net/x", SessionID: "s"}, identity("cdn.jsdelivr.net", model.CategoryCDN, 0), nil)
	assert.LessOrEqual(t, safe.Score, max(undampened("cdn.jsdelivr.net", model.CategoryCDN)-20, 0))
}

func TestContextReduction(t *testing.T) {
	e := New(nil)
	req := model.Request{URL: "https://mixpanel.com/track", SessionID: "s"}
	id := identity("mixpanel.com", model.CategoryAnalytics, 20)
	without := e.Calculate(req, id, nil).Score
	with := e.Calculate(req, id, model.NewContextSet(model.ContextCheckout)).Score
	assert.Equal(t, without-10, with)
}

func TestScoreAlwaysInRange(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		cfg := DefaultConfig()
		cfg.Penalties = Penalties{
			HighRiskList:     rng.Intn(400) - 200,
			SessionRecording: rng.Intn(400) - 200,
			CrossSite:        rng.Intn(400) - 200,
			Fetch:            rng.Intn(400) - 200,
			Spike:            rng.Intn(400) - 200,
		}
		cfg.Reductions = Reductions{Critical: rng.Intn(300), Safe: rng.Intn(300), Context: rng.Intn(300)}
		cfg.CategoryAddend[model.CategoryAdvertising] = rng.Intn(1000) - 500
		e := New(cfg)
		a := e.Calculate(model.Request{URL: "https://ads.doubleclick.net/", ResourceType: "fetch", SessionID: "s"},
			identity("ads.doubleclick.net", model.CategoryAdvertising, rng.Intn(1000)-500), model.NewContextSet(model.ContextLogin))
		require.GreaterOrEqual(t, a.Score, 0)
		require.LessOrEqual(t, a.Score, 100)
	}
}

func TestFrequencySpikeAndWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := New(nil, WithClock(func() time.Time { return now }))
	key := model.Key{Session: "s1", Domain: "t.example"}

	for i := 0; i < 11; i++ {
		e.RequestFrequency(key)
	}
	req := model.Request{URL: "https://t.example/", SessionID: "s1", InitiatorURL: "https://t.example/"}
	a := e.Calculate(req, identity("t.example", model.CategoryTagManager, 15), nil)
	assert.Equal(t, 12, a.Frequency)
	assert.Equal(t, 30, a.Score, "15 base + 5 addend + 10 spike")

	now = now.Add(6 * time.Second)
	assert.Equal(t, 1, e.RequestFrequency(key))
}

func TestClearSessionData(t *testing.T) {
	e := New(nil)
	e.RequestFrequency(model.Key{Session: "a", Domain: "x"})
	e.RequestFrequency(model.Key{Session: "a", Domain: "y"})
	e.RequestFrequency(model.Key{Session: "b", Domain: "x"})
	e.ClearSessionData("a")
	assert.Equal(t, 1, e.TrackedKeys())
}

func TestMissingAddendFallsBackToLowest(t *testing.T) {
	cfg := DefaultConfig()
	delete(cfg.CategoryAddend, model.CategorySocial)
	assert.Equal(t, 0, cfg.addend(model.CategorySocial))
}

func TestBlend(t *testing.T) {
	assert.Equal(t, 60, Blend(40, 40, 0.5))
	assert.Equal(t, 100, Blend(90, 80, 0.5))
	assert.Equal(t, 40, Blend(40, 0, 0.5))
}
