// Package server exposes the pipeline's control operations as the gRPC
// service trackwatch.v1.Control and hot-reloads configuration.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ppiankov/trackwatch/internal/config"
	"github.com/ppiankov/trackwatch/internal/logging"
	"github.com/ppiankov/trackwatch/internal/pipeline"
	"github.com/ppiankov/trackwatch/internal/report"
)

// Server implements ControlServer over a pipeline.Service.
type Server struct {
	svc        *pipeline.Service
	log        *zap.Logger
	now        func() time.Time
	grpcServer *grpc.Server
}

// New registers the control service for svc on a new grpc.Server.
func New(svc *pipeline.Service, log *zap.Logger, opts ...grpc.ServerOption) *Server {
	log = logging.OrNop(log)
	s := &Server{svc: svc, log: log, now: time.Now}
	opts = append(opts, grpc.ChainUnaryInterceptor(recoverUnary(log)))
	s.grpcServer = grpc.NewServer(opts...)
	s.grpcServer.RegisterService(&ServiceDesc, s)
	return s
}

// ServeOn serves on lis. Blocks until stopped.
func (s *Server) ServeOn(lis net.Listener) error {
	return s.grpcServer.Serve(lis)
}

// Run listens on addr and serves until ctx is cancelled, then stops
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.log.Info("control server listening", zap.String("addr", lis.Addr().String()))
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.grpcServer.GracefulStop()
		return nil
	})
	return g.Wait()
}

// GracefulStop drains in-flight calls and stops the server.
func (s *Server) GracefulStop() {
	s.grpcServer.GracefulStop()
}

// ReloadConfig re-reads path and swaps the hot-reloadable sections.
// Called by the Reloader on file change.
func (s *Server) ReloadConfig(path string) error {
	cfg, hash, err := config.LoadWithHash(path)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	return s.svc.ApplyConfig(cfg, hash)
}

func recoverUnary(log *zap.Logger) grpc.UnaryServerInterceptor {
	log = logging.OrNop(log)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			log.Error("control handler panicked",
				zap.String("method", info.FullMethod), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			msg := fmt.Sprintf("internal error: %v", r)
			if f, ok := failures[info.FullMethod]; ok {
				resp, err = f(msg), nil
				return
			}
			resp, err = nil, errors.New(msg)
		}()
		return handler(ctx, req)
	}
}

// Observe implements the Observe RPC.
func (s *Server) Observe(ctx context.Context, req *ObserveRequest) (*ObserveResponse, error) {
	resp := &ObserveResponse{}
	out, err := s.svc.Observe(ctx, req.Request)
	resp.set(err)
	resp.Outcome = out
	return resp, nil
}

// Navigate implements the Navigate RPC.
func (s *Server) Navigate(ctx context.Context, req *NavigateRequest) (*NavigateResponse, error) {
	resp := &NavigateResponse{}
	contexts, err := s.svc.Navigate(ctx, req.Session, req.URL, req.Signals)
	resp.set(err)
	resp.Contexts = contexts
	return resp, nil
}

// CloseSession implements the CloseSession RPC.
func (s *Server) CloseSession(ctx context.Context, req *SessionRequest) (*StatusResponse, error) {
	resp := &StatusResponse{}
	resp.set(s.svc.CloseSession(ctx, req.Session))
	return resp, nil
}

// RecordFingerprint implements the RecordFingerprint RPC.
func (s *Server) RecordFingerprint(ctx context.Context, req *FingerprintRequest) (*FingerprintResponse, error) {
	resp := &FingerprintResponse{}
	sum, err := s.svc.RecordFingerprint(ctx, req.Session, req.Domain, req.Technique, req.Details)
	resp.set(err)
	resp.Summary = sum
	return resp, nil
}

// ListSessions implements the ListSessions RPC.
func (s *Server) ListSessions(_ context.Context, _ *Empty) (*SessionsResponse, error) {
	resp := &SessionsResponse{}
	for _, id := range s.svc.Sessions() {
		if info, err := s.svc.Session(id); err == nil {
			resp.Sessions = append(resp.Sessions, info)
		}
	}
	resp.set(nil)
	return resp, nil
}

// GetTrackers implements the GetTrackers RPC.
func (s *Server) GetTrackers(_ context.Context, req *SessionRequest) (*TrackersResponse, error) {
	resp := &TrackersResponse{}
	trackers, err := s.svc.Trackers(req.Session)
	resp.set(err)
	resp.Trackers = trackers
	return resp, nil
}

// GetStats implements the GetStats RPC.
func (s *Server) GetStats(_ context.Context, req *SessionRequest) (*StatsResponse, error) {
	resp := &StatsResponse{}
	stats, err := s.svc.Stats(req.Session)
	resp.set(err)
	resp.Stats = stats
	return resp, nil
}

// SetOverride implements the SetOverride RPC.
func (s *Server) SetOverride(ctx context.Context, req *OverrideRequest) (*StatusResponse, error) {
	resp := &StatusResponse{}
	_, err := s.svc.SetOverride(ctx, req.Domain, req.Session, req.Mode)
	resp.set(err)
	return resp, nil
}

// ClearOverride implements the ClearOverride RPC.
func (s *Server) ClearOverride(ctx context.Context, req *OverrideRequest) (*StatusResponse, error) {
	resp := &StatusResponse{}
	resp.set(s.svc.ClearOverride(ctx, req.Domain, req.Session))
	return resp, nil
}

// ListOverrides implements the ListOverrides RPC.
func (s *Server) ListOverrides(_ context.Context, _ *Empty) (*OverridesResponse, error) {
	resp := &OverridesResponse{Overrides: s.svc.Overrides()}
	resp.set(nil)
	return resp, nil
}

// Block implements the Block RPC.
func (s *Server) Block(ctx context.Context, req *DomainRequest) (*RuleResponse, error) {
	resp := &RuleResponse{}
	id, err := s.svc.Block(ctx, req.Domain)
	resp.set(err)
	resp.RuleID = id
	return resp, nil
}

// Unblock implements the Unblock RPC.
func (s *Server) Unblock(ctx context.Context, req *DomainRequest) (*RuleResponse, error) {
	resp := &RuleResponse{}
	id, err := s.svc.Unblock(ctx, req.Domain)
	resp.set(err)
	resp.RuleID = id
	return resp, nil
}

// ExportReport implements the ExportReport RPC.
func (s *Server) ExportReport(_ context.Context, req *SessionRequest) (*ReportResponse, error) {
	resp := &ReportResponse{}
	r, err := report.Build(s.svc, req.Session, s.now())
	resp.set(err)
	resp.Report = r
	return resp, nil
}

// GetInsights implements the GetInsights RPC.
func (s *Server) GetInsights(_ context.Context, _ *Empty) (*InsightsResponse, error) {
	resp := &InsightsResponse{Insights: s.svc.Insights()}
	resp.set(nil)
	return resp, nil
}

// SubmitFeedback implements the SubmitFeedback RPC.
func (s *Server) SubmitFeedback(ctx context.Context, req *FeedbackRequest) (*StatusResponse, error) {
	resp := &StatusResponse{}
	_, err := s.svc.SubmitFeedback(ctx, req.Domain, req.Category)
	resp.set(err)
	return resp, nil
}

// ClearData implements the ClearData RPC.
func (s *Server) ClearData(ctx context.Context, req *ClearDataRequest) (*StatusResponse, error) {
	resp := &StatusResponse{}
	resp.set(s.svc.ClearData(ctx, req.What))
	return resp, nil
}
