package client

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/trackwatch/internal/config"
	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/pipeline"
	"github.com/ppiankov/trackwatch/internal/server"
	"github.com/ppiankov/trackwatch/internal/store"
)

// startTestServer serves a pipeline over gRPC and returns its address.
func startTestServer(t *testing.T) string {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.TrackersPath = filepath.Join(t.TempDir(), "none.yaml")
	svc, closeFn, err := pipeline.Build(context.Background(), cfg, pipeline.BuildOptions{Store: store.NewMemory()})
	if err != nil {
		t.Fatalf("pipeline.Build: %v", err)
	}
	if err := svc.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- svc.Serve(context.Background()) }()

	srv := server.New(svc, nil)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.ServeOn(lis)

	t.Cleanup(func() {
		srv.GracefulStop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
		<-served
		_ = closeFn()
	})
	return lis.Addr().String()
}

func newClient(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := New(addr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClientObserveAndQuery(t *testing.T) {
	c := newClient(t, startTestServer(t))
	ctx := context.Background()

	out, err := c.Observe(ctx, model.Request{
		URL:          "https://doubleclick.net/pixel",
		ResourceType: "image",
		InitiatorURL: "https://news.example/",
		SessionID:    "tab-1",
	})
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if out.Result.Effective != model.ModeBlock {
		t.Errorf("expected block, got %s", out.Result.Effective)
	}

	trackers, err := c.Trackers(ctx, "tab-1")
	if err != nil {
		t.Fatalf("Trackers: %v", err)
	}
	if len(trackers) != 1 || trackers[0].Company != "Google" {
		t.Errorf("unexpected trackers: %+v", trackers)
	}

	sessions, err := c.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "tab-1" {
		t.Errorf("unexpected sessions: %+v", sessions)
	}

	rep, err := c.Report(ctx, "tab-1")
	if err != nil {
		t.Fatalf("Report: %v", err)
	}
	if len(rep.Rules) != 1 || rep.Rules[0].Domain != "doubleclick.net" {
		t.Errorf("unexpected rules: %+v", rep.Rules)
	}
}

func TestClientSurfacesStatusErrors(t *testing.T) {
	c := newClient(t, startTestServer(t))
	ctx := context.Background()

	_, err := c.Stats(ctx, "never-seen")
	var remote *server.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if !strings.Contains(remote.Message, "unknown session") {
		t.Errorf("unexpected message %q", remote.Message)
	}

	if err := c.SetOverride(ctx, "doubleclick.net", "", "maybe"); err == nil {
		t.Error("expected invalid mode to fail")
	}
	if err := c.ClearData(ctx, "nothing"); err == nil {
		t.Error("expected unknown data set to fail")
	}
}

func TestClientControlOperations(t *testing.T) {
	c := newClient(t, startTestServer(t))
	ctx := context.Background()

	id, err := c.Block(ctx, "tracker.example")
	if err != nil || id == 0 {
		t.Fatalf("Block: id=%d err=%v", id, err)
	}
	if got, err := c.Unblock(ctx, "tracker.example"); err != nil || got != id {
		t.Errorf("Unblock: id=%d err=%v", got, err)
	}

	if err := c.SetOverride(ctx, "hotjar.com", "", "allow"); err != nil {
		t.Fatalf("SetOverride: %v", err)
	}
	overrides, err := c.Overrides(ctx)
	if err != nil || len(overrides) != 1 {
		t.Fatalf("Overrides: %+v %v", overrides, err)
	}
	if err := c.ClearOverride(ctx, "hotjar.com", ""); err != nil {
		t.Errorf("ClearOverride: %v", err)
	}

	contexts, err := c.Navigate(ctx, "tab-2", "https://bank.example/login", nil)
	if err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	if !contexts.Has(model.ContextLogin) {
		t.Errorf("expected login context, got %s", contexts)
	}

	sum, err := c.RecordFingerprint(ctx, "tab-2", "fp.example", "battery", nil)
	if err != nil || sum.RiskScore != 15 {
		t.Errorf("RecordFingerprint: %+v %v", sum, err)
	}
	if err := c.Feedback(ctx, "fp.example", "Analytics"); err != nil {
		t.Errorf("Feedback: %v", err)
	}
	if _, err := c.Insights(ctx); err != nil {
		t.Errorf("Insights: %v", err)
	}
	if err := c.ClearData(ctx, "fingerprint"); err != nil {
		t.Errorf("ClearData: %v", err)
	}
	if err := c.CloseSession(ctx, "tab-2"); err != nil {
		t.Errorf("CloseSession: %v", err)
	}
}

func TestClientUnreachableServer(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	lis.Close()

	c := newClient(t, addr)
	c.timeout = 500 * time.Millisecond

	_, err = c.Stats(context.Background(), "tab-1")
	if err == nil {
		t.Fatal("expected error from unreachable server")
	}
	var remote *server.RemoteError
	if errors.As(err, &remote) {
		t.Errorf("transport failure should not be a RemoteError: %v", err)
	}
}
