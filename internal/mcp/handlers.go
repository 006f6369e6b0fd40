package mcp

import (
	"context"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/report"
)

// --- Input/Output types ---

// InsightsInput is empty.
type InsightsInput struct{}

// InsightsOutput flattens the insights bundle.
type InsightsOutput struct {
	PrivacyScore    int              `json:"privacy_score"`
	Trackers        int              `json:"trackers"`
	Companies       int              `json:"companies"`
	CrossSite       []CrossSiteItem  `json:"cross_site,omitempty"`
	Fingerprinters  []string         `json:"fingerprinters,omitempty"`
	Recommendations []Recommendation `json:"recommendations,omitempty"`
}

// CrossSiteItem is one tracker seen on several sites.
type CrossSiteItem struct {
	Domain  string `json:"domain"`
	Company string `json:"company"`
	Sites   int    `json:"sites"`
	Blocked bool   `json:"blocked"`
}

// Recommendation is one suggested action.
type Recommendation struct {
	Priority string `json:"priority"`
	Title    string `json:"title"`
	Domain   string `json:"domain,omitempty"`
	Action   string `json:"action,omitempty"`
}

// ReportInput selects the report scope.
type ReportInput struct {
	Session string `json:"session,omitempty" jsonschema:"restrict session sections to this session id"`
}

// ReportOutput carries the rendered report.
type ReportOutput struct {
	ID       string `json:"id"`
	Sessions int    `json:"sessions"`
	Requests int    `json:"requests"`
	Blocked  int    `json:"blocked"`
	Text     string `json:"text"`
}

// TrackersInput names the session.
type TrackersInput struct {
	Session string `json:"session" jsonschema:"browsing session (tab) id"`
}

// TrackersOutput lists a session's trackers.
type TrackersOutput struct {
	Trackers []TrackerItem `json:"trackers"`
}

// TrackerItem is one tracker in a session.
type TrackerItem struct {
	Domain    string `json:"domain"`
	Company   string `json:"company,omitempty"`
	Category  string `json:"category"`
	PeakScore int    `json:"peak_score"`
	Mode      string `json:"mode"`
	Count     int    `json:"count"`
}

// OverrideInput sets or clears an override.
type OverrideInput struct {
	Domain  string `json:"domain" jsonschema:"tracker domain"`
	Mode    string `json:"mode" jsonschema:"allow, restrict, sandbox, block or clear"`
	Session string `json:"session,omitempty" jsonschema:"limit the override to this session; omit for global"`
}

// OverrideOutput confirms the change.
type OverrideOutput struct {
	Domain string `json:"domain"`
	Mode   string `json:"mode"`
	Scope  string `json:"scope"`
	Error  string `json:"error,omitempty"`
}

// BlockInput installs or removes a block rule.
type BlockInput struct {
	Domain string `json:"domain" jsonschema:"domain to block"`
	Remove bool   `json:"remove,omitempty" jsonschema:"remove the block rule instead of installing it"`
}

// BlockOutput reports the affected rule.
type BlockOutput struct {
	Domain string `json:"domain"`
	RuleID int    `json:"rule_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// FeedbackInput corrects a category.
type FeedbackInput struct {
	Domain   string `json:"domain" jsonschema:"domain to correct"`
	Category string `json:"category" jsonschema:"Advertising, Analytics, Session Recording, Social, Tag Manager, Payment, CDN, Security or Unknown"`
}

// FeedbackOutput confirms the correction.
type FeedbackOutput struct {
	Domain   string `json:"domain"`
	Category string `json:"category"`
	Error    string `json:"error,omitempty"`
}

// --- Handlers ---

func (s *Server) handleInsights(ctx context.Context, _ *mcpsdk.CallToolRequest, _ InsightsInput) (*mcpsdk.CallToolResult, InsightsOutput, error) {
	b, err := s.backend.Insights(ctx)
	if err != nil {
		return nil, InsightsOutput{}, err
	}
	out := InsightsOutput{PrivacyScore: b.Score.Score, Trackers: b.Trackers, Companies: b.Companies}
	for _, t := range b.CrossSite.Trackers {
		out.CrossSite = append(out.CrossSite, CrossSiteItem{Domain: t.Domain, Company: t.Company, Sites: t.SitesTracked, Blocked: t.Blocked})
	}
	for _, f := range b.Fingerprinting {
		out.Fingerprinters = append(out.Fingerprinters, f.Domain)
	}
	for _, r := range b.Recommendations {
		out.Recommendations = append(out.Recommendations, Recommendation{
			Priority: string(r.Priority), Title: r.Title, Domain: r.Domain, Action: r.Action,
		})
	}
	return nil, out, nil
}

func (s *Server) handleReport(ctx context.Context, _ *mcpsdk.CallToolRequest, input ReportInput) (*mcpsdk.CallToolResult, ReportOutput, error) {
	r, err := s.backend.Report(ctx, model.SessionID(strings.TrimSpace(input.Session)))
	if err != nil {
		return nil, ReportOutput{}, err
	}
	return nil, ReportOutput{
		ID:       r.ID,
		Sessions: r.Totals.Sessions,
		Requests: r.Totals.Requests,
		Blocked:  r.Totals.Blocked,
		Text:     report.FormatText(r),
	}, nil
}

func (s *Server) handleTrackers(ctx context.Context, _ *mcpsdk.CallToolRequest, input TrackersInput) (*mcpsdk.CallToolResult, TrackersOutput, error) {
	if strings.TrimSpace(input.Session) == "" {
		return nil, TrackersOutput{}, fmt.Errorf("session is required")
	}
	trackers, err := s.backend.Trackers(ctx, model.SessionID(input.Session))
	if err != nil {
		return nil, TrackersOutput{}, err
	}
	out := TrackersOutput{Trackers: make([]TrackerItem, 0, len(trackers))}
	for _, t := range trackers {
		out.Trackers = append(out.Trackers, TrackerItem{
			Domain:    t.Domain,
			Company:   t.Company,
			Category:  string(t.Category),
			PeakScore: t.PeakScore,
			Mode:      string(t.LastMode),
			Count:     t.Count,
		})
	}
	return nil, out, nil
}

func (s *Server) handleOverride(ctx context.Context, _ *mcpsdk.CallToolRequest, input OverrideInput) (*mcpsdk.CallToolResult, OverrideOutput, error) {
	session := model.SessionID(strings.TrimSpace(input.Session))
	mode := strings.ToLower(strings.TrimSpace(input.Mode))
	out := OverrideOutput{Domain: input.Domain, Mode: mode, Scope: string(model.ScopeGlobal)}
	if session != "" {
		out.Scope = string(model.ScopeTab)
	}

	var err error
	if mode == "clear" {
		err = s.backend.ClearOverride(ctx, input.Domain, session)
	} else {
		err = s.backend.SetOverride(ctx, input.Domain, session, mode)
	}
	if err != nil {
		out.Error = err.Error()
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	s.log.Info("override changed via mcp", zap.String("domain", input.Domain), zap.String("mode", mode), zap.String("scope", out.Scope))
	return nil, out, nil
}

func (s *Server) handleBlock(ctx context.Context, _ *mcpsdk.CallToolRequest, input BlockInput) (*mcpsdk.CallToolResult, BlockOutput, error) {
	out := BlockOutput{Domain: input.Domain, Status: "blocked"}
	var err error
	if input.Remove {
		out.Status = "unblocked"
		out.RuleID, err = s.backend.Unblock(ctx, input.Domain)
	} else {
		out.RuleID, err = s.backend.Block(ctx, input.Domain)
	}
	if err != nil {
		out.Status = "failed"
		out.Error = err.Error()
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}

func (s *Server) handleFeedback(ctx context.Context, _ *mcpsdk.CallToolRequest, input FeedbackInput) (*mcpsdk.CallToolResult, FeedbackOutput, error) {
	out := FeedbackOutput{Domain: input.Domain, Category: input.Category}
	if err := s.backend.Feedback(ctx, input.Domain, input.Category); err != nil {
		out.Error = err.Error()
		return &mcpsdk.CallToolResult{IsError: true}, out, nil
	}
	return nil, out, nil
}
