package mcp

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/trackwatch/internal/config"
	"github.com/ppiankov/trackwatch/internal/insights"
	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/pipeline"
	"github.com/ppiankov/trackwatch/internal/report"
	"github.com/ppiankov/trackwatch/internal/store"
)

// local adapts a pipeline.Service to Backend without a network hop.
type local struct{ svc *pipeline.Service }

func (l local) Insights(context.Context) (insights.Bundle, error) { return l.svc.Insights(), nil }
func (l local) Report(_ context.Context, s model.SessionID) (report.Report, error) {
	return report.Build(l.svc, s, time.Now())
}
func (l local) Trackers(_ context.Context, s model.SessionID) ([]pipeline.Tracker, error) {
	return l.svc.Trackers(s)
}
func (l local) SetOverride(ctx context.Context, d string, s model.SessionID, m string) error {
	_, err := l.svc.SetOverride(ctx, d, s, m)
	return err
}
func (l local) ClearOverride(ctx context.Context, d string, s model.SessionID) error {
	return l.svc.ClearOverride(ctx, d, s)
}
func (l local) Block(ctx context.Context, d string) (int, error)   { return l.svc.Block(ctx, d) }
func (l local) Unblock(ctx context.Context, d string) (int, error) { return l.svc.Unblock(ctx, d) }
func (l local) Feedback(ctx context.Context, d, c string) error {
	_, err := l.svc.SubmitFeedback(ctx, d, c)
	return err
}

func newTestServer(t *testing.T) (*Server, *pipeline.Service) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.TrackersPath = filepath.Join(t.TempDir(), "none.yaml")
	svc, closeFn, err := pipeline.Build(context.Background(), cfg, pipeline.BuildOptions{Store: store.NewMemory(), Inline: true})
	if err != nil {
		t.Fatalf("pipeline.Build: %v", err)
	}
	t.Cleanup(func() { _ = closeFn() })
	if err := svc.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return New(local{svc}, "test", nil), svc
}

func observe(svc *pipeline.Service, session, url, site string) {
	svc.Process(context.Background(), model.Request{
		URL: url, ResourceType: "script", InitiatorURL: site, SessionID: model.SessionID(session),
	})
}

func TestInsightsTool(t *testing.T) {
	s, svc := newTestServer(t)
	observe(svc, "tab-1", "https://doubleclick.net/p", "https://a.example/")
	observe(svc, "tab-1", "https://doubleclick.net/p", "https://b.example/")

	_, out, err := s.handleInsights(context.Background(), &mcpsdk.CallToolRequest{}, InsightsInput{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.CrossSite) != 1 || out.CrossSite[0].Sites != 2 {
		t.Fatalf("expected one cross-site tracker on 2 sites, got %+v", out.CrossSite)
	}
	if !out.CrossSite[0].Blocked {
		t.Error("expected doubleclick.net to be reported as blocked")
	}
	if out.PrivacyScore >= 100 {
		t.Errorf("expected a reduced privacy score, got %d", out.PrivacyScore)
	}
}

func TestReportAndTrackersTools(t *testing.T) {
	s, svc := newTestServer(t)
	observe(svc, "tab-1", "https://hotjar.com/r", "https://a.example/")

	_, rep, err := s.handleReport(context.Background(), &mcpsdk.CallToolRequest{}, ReportInput{Session: "tab-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep.Sessions != 1 || !strings.Contains(rep.Text, "hotjar.com") {
		t.Errorf("unexpected report: %+v", rep)
	}

	_, tr, err := s.handleTrackers(context.Background(), &mcpsdk.CallToolRequest{}, TrackersInput{Session: "tab-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tr.Trackers) != 1 || tr.Trackers[0].Category != string(model.CategorySessionRecording) {
		t.Errorf("unexpected trackers: %+v", tr.Trackers)
	}

	if _, _, err := s.handleTrackers(context.Background(), &mcpsdk.CallToolRequest{}, TrackersInput{}); err == nil {
		t.Error("expected missing session to fail")
	}
}

func TestOverrideTool(t *testing.T) {
	s, svc := newTestServer(t)
	ctx := context.Background()

	res, out, err := s.handleOverride(ctx, &mcpsdk.CallToolRequest{}, OverrideInput{Domain: "doubleclick.net", Mode: "Allow", Session: "tab-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil && res.IsError {
		t.Fatalf("expected success, got %q", out.Error)
	}
	if out.Scope != string(model.ScopeTab) || out.Mode != "allow" {
		t.Errorf("unexpected output: %+v", out)
	}
	if len(svc.Overrides()) != 1 {
		t.Fatalf("expected one override, got %d", len(svc.Overrides()))
	}

	_, _, err = s.handleOverride(ctx, &mcpsdk.CallToolRequest{}, OverrideInput{Domain: "doubleclick.net", Mode: "clear", Session: "tab-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(svc.Overrides()) != 0 {
		t.Errorf("expected override cleared, got %+v", svc.Overrides())
	}

	res, out, _ = s.handleOverride(ctx, &mcpsdk.CallToolRequest{}, OverrideInput{Domain: "doubleclick.net", Mode: "vaporize"})
	if res == nil || !res.IsError || out.Error == "" {
		t.Errorf("expected IsError result for invalid mode, got %+v", out)
	}
}

func TestBlockTool(t *testing.T) {
	s, svc := newTestServer(t)
	ctx := context.Background()

	_, out, err := s.handleBlock(ctx, &mcpsdk.CallToolRequest{}, BlockInput{Domain: "tracker.example"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != "blocked" || out.RuleID == 0 {
		t.Fatalf("unexpected output: %+v", out)
	}
	if _, ok := svc.BlockedDomains()["tracker.example"]; !ok {
		t.Error("expected tracker.example to be blocked")
	}

	_, out, err = s.handleBlock(ctx, &mcpsdk.CallToolRequest{}, BlockInput{Domain: "tracker.example", Remove: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Status != "unblocked" {
		t.Errorf("expected unblocked, got %+v", out)
	}
	if len(svc.BlockedDomains()) != 0 {
		t.Errorf("expected no block rules, got %v", svc.BlockedDomains())
	}
}

func TestFeedbackTool(t *testing.T) {
	s, _ := newTestServer(t)

	res, out, err := s.handleFeedback(context.Background(), &mcpsdk.CallToolRequest{}, FeedbackInput{Domain: "widgets.example", Category: "Social"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil && res.IsError {
		t.Fatalf("expected success, got %q", out.Error)
	}

	res, _, _ = s.handleFeedback(context.Background(), &mcpsdk.CallToolRequest{}, FeedbackInput{Domain: "widgets.example", Category: "Gossip"})
	if res == nil || !res.IsError {
		t.Error("expected IsError for unknown category")
	}
}
