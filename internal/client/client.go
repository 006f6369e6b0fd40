// Package client talks to a running trackwatch control server.
package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ppiankov/trackwatch/internal/fingerprint"
	"github.com/ppiankov/trackwatch/internal/insights"
	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/pipeline"
	"github.com/ppiankov/trackwatch/internal/report"
	"github.com/ppiankov/trackwatch/internal/server"
)

// DefaultTimeout bounds each call.
const DefaultTimeout = 5 * time.Second

// Client connects to a trackwatch gRPC control server.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// New creates a client for addr. The connection is established lazily on
// the first call.
func New(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(server.CodecName)))
	if err != nil {
		return nil, fmt.Errorf("connect to control server: %w", err)
	}
	return &Client{conn: conn, timeout: DefaultTimeout}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call invokes method and converts a failed Status into an error.
func (c *Client) call(ctx context.Context, method string, req, resp any, st *server.Status) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.conn.Invoke(ctx, server.Method(method), req, resp); err != nil {
		return fmt.Errorf("control server %s: %w", method, err)
	}
	return st.Err()
}

// Observe runs req through the remote pipeline and waits for its outcome.
func (c *Client) Observe(ctx context.Context, req model.Request) (pipeline.Outcome, error) {
	resp := &server.ObserveResponse{}
	err := c.call(ctx, "Observe", &server.ObserveRequest{Request: req}, resp, &resp.Status)
	return resp.Outcome, err
}

// Navigate reports a main-frame navigation.
func (c *Client) Navigate(ctx context.Context, session model.SessionID, url string, signals map[string][]string) (model.ContextSet, error) {
	resp := &server.NavigateResponse{}
	err := c.call(ctx, "Navigate", &server.NavigateRequest{Session: session, URL: url, Signals: signals}, resp, &resp.Status)
	return resp.Contexts, err
}

// CloseSession tears down session state on the server.
func (c *Client) CloseSession(ctx context.Context, session model.SessionID) error {
	resp := &server.StatusResponse{}
	return c.call(ctx, "CloseSession", &server.SessionRequest{Session: session}, resp, &resp.Status)
}

// RecordFingerprint reports a fingerprinting API call.
func (c *Client) RecordFingerprint(ctx context.Context, session model.SessionID, domain, technique string, details map[string]string) (fingerprint.Summary, error) {
	resp := &server.FingerprintResponse{}
	err := c.call(ctx, "RecordFingerprint", &server.FingerprintRequest{
		Session: session, Domain: domain, Technique: technique, Details: details,
	}, resp, &resp.Status)
	return resp.Summary, err
}

// Sessions lists live sessions.
func (c *Client) Sessions(ctx context.Context) ([]pipeline.SessionInfo, error) {
	resp := &server.SessionsResponse{}
	err := c.call(ctx, "ListSessions", &server.Empty{}, resp, &resp.Status)
	return resp.Sessions, err
}

// Trackers lists the trackers seen in session.
func (c *Client) Trackers(ctx context.Context, session model.SessionID) ([]pipeline.Tracker, error) {
	resp := &server.TrackersResponse{}
	err := c.call(ctx, "GetTrackers", &server.SessionRequest{Session: session}, resp, &resp.Status)
	return resp.Trackers, err
}

// Stats returns session counters.
func (c *Client) Stats(ctx context.Context, session model.SessionID) (pipeline.Stats, error) {
	resp := &server.StatsResponse{}
	err := c.call(ctx, "GetStats", &server.SessionRequest{Session: session}, resp, &resp.Status)
	return resp.Stats, err
}

// SetOverride forces mode for domain, globally when session is empty.
func (c *Client) SetOverride(ctx context.Context, domain string, session model.SessionID, mode string) error {
	resp := &server.StatusResponse{}
	return c.call(ctx, "SetOverride", &server.OverrideRequest{Domain: domain, Session: session, Mode: mode}, resp, &resp.Status)
}

// ClearOverride removes an override.
func (c *Client) ClearOverride(ctx context.Context, domain string, session model.SessionID) error {
	resp := &server.StatusResponse{}
	return c.call(ctx, "ClearOverride", &server.OverrideRequest{Domain: domain, Session: session}, resp, &resp.Status)
}

// Overrides lists active overrides.
func (c *Client) Overrides(ctx context.Context) ([]model.Override, error) {
	resp := &server.OverridesResponse{}
	err := c.call(ctx, "ListOverrides", &server.Empty{}, resp, &resp.Status)
	return resp.Overrides, err
}

// Block installs a block rule and returns its id.
func (c *Client) Block(ctx context.Context, domain string) (int, error) {
	resp := &server.RuleResponse{}
	err := c.call(ctx, "Block", &server.DomainRequest{Domain: domain}, resp, &resp.Status)
	return resp.RuleID, err
}

// Unblock removes a block rule and returns the id it had.
func (c *Client) Unblock(ctx context.Context, domain string) (int, error) {
	resp := &server.RuleResponse{}
	err := c.call(ctx, "Unblock", &server.DomainRequest{Domain: domain}, resp, &resp.Status)
	return resp.RuleID, err
}

// Report exports the server state, restricted to session when non-empty.
func (c *Client) Report(ctx context.Context, session model.SessionID) (report.Report, error) {
	resp := &server.ReportResponse{}
	err := c.call(ctx, "ExportReport", &server.SessionRequest{Session: session}, resp, &resp.Status)
	return resp.Report, err
}

// Insights returns the insights bundle.
func (c *Client) Insights(ctx context.Context) (insights.Bundle, error) {
	resp := &server.InsightsResponse{}
	err := c.call(ctx, "GetInsights", &server.Empty{}, resp, &resp.Status)
	return resp.Insights, err
}

// Feedback submits a category correction.
func (c *Client) Feedback(ctx context.Context, domain, category string) error {
	resp := &server.StatusResponse{}
	return c.call(ctx, "SubmitFeedback", &server.FeedbackRequest{Domain: domain, Category: category}, resp, &resp.Status)
}

// ClearData wipes a stored data set on the server.
func (c *Client) ClearData(ctx context.Context, what string) error {
	resp := &server.StatusResponse{}
	return c.call(ctx, "ClearData", &server.ClearDataRequest{What: what}, resp, &resp.Status)
}
