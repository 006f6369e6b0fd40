package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func init() {
	retryBackoff = 10 * time.Millisecond
}

func TestDispatchMatchesType(t *testing.T) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{"high_risk_score"}},
	}, nil)

	d.Dispatch(AlertEvent{Type: "high_risk_score", Domain: "doubleclick.net"})
	d.Wait(context.Background())

	if called.Load() != 1 {
		t.Errorf("expected 1 call, got %d", called.Load())
	}
}

func TestDispatchSkipsNonMatching(t *testing.T) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{"high_risk_score"}},
	}, nil)

	d.Dispatch(AlertEvent{Type: "category_spike", Severity: "medium"})
	d.Wait(context.Background())

	if called.Load() != 0 {
		t.Errorf("expected 0 calls for non-matching event, got %d", called.Load())
	}
}

func TestDispatchMultipleWebhooks(t *testing.T) {
	var called atomic.Int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	})

	srv1 := httptest.NewServer(handler)
	defer srv1.Close()
	srv2 := httptest.NewServer(handler)
	defer srv2.Close()

	d := NewDispatcher([]AlertConfig{
		{URL: srv1.URL, Format: "generic", Events: []string{TypeFingerprinting}},
		{URL: srv2.URL, Format: "slack", Events: []string{"critical"}},
	}, nil)

	d.Dispatch(AlertEvent{Type: TypeFingerprinting, Severity: "critical", Domain: "fp.example"})
	d.Wait(context.Background())

	if called.Load() != 2 {
		t.Errorf("expected 2 calls (both webhooks match), got %d", called.Load())
	}
}

func TestDispatchWildcard(t *testing.T) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher([]AlertConfig{{URL: srv.URL, Events: []string{"*"}}}, nil)
	d.Dispatch(AlertEvent{Type: "high_tracker_count"})
	d.Wait(context.Background())

	if called.Load() != 1 {
		t.Errorf("expected wildcard to match, got %d calls", called.Load())
	}
}

func TestRetryOnServerError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := Send(context.Background(), AlertConfig{URL: srv.URL, Format: "generic"}, AlertEvent{Type: "high_risk_score"})
	if err != nil {
		t.Errorf("expected success after retries, got: %v", err)
	}
	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts.Load())
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := Send(context.Background(), AlertConfig{URL: srv.URL, Format: "generic"}, AlertEvent{Type: "high_risk_score"})
	if err == nil {
		t.Error("expected error on 400, got nil")
	}
	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", attempts.Load())
	}
}

func TestSendHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Send(ctx, AlertConfig{URL: srv.URL}, AlertEvent{Type: "x"}); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestFormatGenericJSON(t *testing.T) {
	event := AlertEvent{
		ID:        "a-123",
		Timestamp: "2026-01-15T14:00:00.000Z",
		Type:      "high_risk_score",
		Severity:  "high",
		Domain:    "doubleclick.net",
		ZScore:    4.2,
	}

	data, err := FormatPayload("generic", event)
	if err != nil {
		t.Fatal(err)
	}

	var parsed AlertEvent
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("generic format is not valid JSON: %v", err)
	}
	if parsed.ID != "a-123" {
		t.Errorf("expected id a-123, got %s", parsed.ID)
	}
	if parsed.Domain != "doubleclick.net" {
		t.Errorf("expected domain doubleclick.net, got %s", parsed.Domain)
	}
}

func TestFormatSlackBlockKit(t *testing.T) {
	event := AlertEvent{
		Type:     "category_spike",
		Severity: "medium",
		Domain:   "hotjar.com",
		Site:     "shop.example",
		Message:  "9 Session Recording requests",
		ZScore:   3.1,
	}

	data, err := FormatPayload("slack", event)
	if err != nil {
		t.Fatal(err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("slack format is not valid JSON: %v", err)
	}

	blocks, ok := parsed["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in slack payload")
	}
	if len(blocks) < 2 {
		t.Fatalf("expected at least 2 blocks, got %d", len(blocks))
	}

	header, _ := blocks[0].(map[string]any)
	if header["type"] != "header" {
		t.Errorf("expected header block, got %s", header["type"])
	}

	section, _ := blocks[1].(map[string]any)
	fields, ok := section["fields"].([]any)
	if !ok || len(fields) != 5 {
		t.Errorf("expected 5 fields in section, got %v", fields)
	}
}

func TestFormatPagerDuty(t *testing.T) {
	event := AlertEvent{
		ID:       "a-1",
		Type:     TypeFingerprinting,
		Severity: "critical",
		Domain:   "fp.example",
		Message:  "3 techniques",
	}

	data, err := FormatPayload("pagerduty", event)
	if err != nil {
		t.Fatal(err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("pagerduty format is not valid JSON: %v", err)
	}

	if parsed["event_action"] != "trigger" {
		t.Errorf("expected event_action trigger, got %v", parsed["event_action"])
	}
	if parsed["dedup_key"] != "a-1" {
		t.Errorf("expected dedup_key a-1, got %v", parsed["dedup_key"])
	}

	payload, ok := parsed["payload"].(map[string]any)
	if !ok {
		t.Fatal("expected payload object")
	}
	if payload["severity"] != "critical" {
		t.Errorf("expected severity critical, got %v", payload["severity"])
	}
	if payload["source"] != "trackwatch" {
		t.Errorf("expected source trackwatch, got %v", payload["source"])
	}
}

func TestNewDispatcherNilOnEmpty(t *testing.T) {
	if d := NewDispatcher(nil, nil); d != nil {
		t.Error("expected nil dispatcher for empty configs")
	}
	if d := NewDispatcher([]AlertConfig{}, nil); d != nil {
		t.Error("expected nil dispatcher for zero-length configs")
	}
}

func TestRetryOnTooManyRequestsAndIdempotencyKey(t *testing.T) {
	var attempts atomic.Int32
	keys := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys <- r.Header.Get("Idempotency-Key")
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	err := Send(context.Background(), AlertConfig{URL: srv.URL}, AlertEvent{ID: "evt-1", Type: "x"})
	if err != nil {
		t.Fatalf("expected success after 429, got %v", err)
	}
	if attempts.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts.Load())
	}
	for i := 0; i < 2; i++ {
		if k := <-keys; k != "evt-1" {
			t.Errorf("attempt %d: expected idempotency key evt-1, got %q", i+1, k)
		}
	}
}

func TestDeliveryErrorCarriesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := Send(context.Background(), AlertConfig{URL: srv.URL}, AlertEvent{Type: "x"})
	var derr *DeliveryError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DeliveryError, got %v", err)
	}
	if derr.Status != http.StatusServiceUnavailable || derr.Attempts != maxAttempts {
		t.Errorf("unexpected delivery error: %+v", derr)
	}
}

func TestRetryAfterParsing(t *testing.T) {
	cases := map[string]time.Duration{
		"":     0,
		"abc":  0,
		"-1":   0,
		"2":    2 * time.Second,
		"3600": maxRetryAfter,
	}
	for in, want := range cases {
		if got := retryAfter(in); got != want {
			t.Errorf("retryAfter(%q) = %s, want %s", in, got, want)
		}
	}
}
