// Package mcp exposes the trackwatch control surface as MCP tools so an
// assistant can read insights and reports and adjust enforcement.
package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ppiankov/trackwatch/internal/insights"
	"github.com/ppiankov/trackwatch/internal/logging"
	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/pipeline"
	"github.com/ppiankov/trackwatch/internal/report"
)

// Backend is the control surface the tools call. *client.Client
// satisfies it.
type Backend interface {
	Insights(ctx context.Context) (insights.Bundle, error)
	Report(ctx context.Context, session model.SessionID) (report.Report, error)
	Trackers(ctx context.Context, session model.SessionID) ([]pipeline.Tracker, error)
	SetOverride(ctx context.Context, domain string, session model.SessionID, mode string) error
	ClearOverride(ctx context.Context, domain string, session model.SessionID) error
	Block(ctx context.Context, domain string) (int, error)
	Unblock(ctx context.Context, domain string) (int, error)
	Feedback(ctx context.Context, domain, category string) error
}

// Server wraps the MCP SDK server around a Backend.
type Server struct {
	mcpServer *mcpsdk.Server
	backend   Backend
	log       *zap.Logger
}

// New creates an MCP server with every trackwatch tool registered.
func New(backend Backend, version string, log *zap.Logger) *Server {
	s := &Server{backend: backend, log: logging.OrNop(log)}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "trackwatch",
			Version: version,
		},
		nil,
	)
	s.registerTools()
	return s
}

// Run serves on stdio. Blocks until ctx is cancelled or the peer leaves.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all trackwatch tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "trackwatch_insights",
		Description: "Summarize cross-site tracking, data exposure, fingerprinting and recommendations with the overall privacy score.",
	}, s.handleInsights)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "trackwatch_report",
		Description: "Export a human-readable report of sessions, trackers, rules and insights. Optionally restricted to one session.",
	}, s.handleReport)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "trackwatch_trackers",
		Description: "List the trackers seen in a browsing session with their peak risk score and enforcement mode.",
	}, s.handleTrackers)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "trackwatch_override",
		Description: "Force an enforcement mode (allow/restrict/sandbox/block) for a domain, globally or for one session. Mode 'clear' removes the override.",
	}, s.handleOverride)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "trackwatch_block",
		Description: "Install or remove a network block rule for a domain immediately.",
	}, s.handleBlock)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "trackwatch_feedback",
		Description: "Correct the category of a domain the classifier got wrong.",
	}, s.handleFeedback)
}
