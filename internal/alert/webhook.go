package alert

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	requestTimeout = 5 * time.Second
	maxAttempts    = 3
	maxRetryAfter  = 30 * time.Second
)

// retryBackoff is multiplied by the attempt number between retries.
var retryBackoff = time.Second

var httpClient = &http.Client{Timeout: requestTimeout}

// DeliveryError reports a webhook that never accepted the event.
type DeliveryError struct {
	URL      string
	Status   int // last HTTP status, 0 for transport errors
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("webhook %s: HTTP %d after %d attempt(s)", e.URL, e.Status, e.Attempts)
	}
	return fmt.Sprintf("webhook %s failed after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Send posts event to cfg.URL. Transport errors, 5xx and 429 are retried;
// other 4xx fail at once. The event id travels as Idempotency-Key so a
// receiver can drop duplicates from retries.
func Send(ctx context.Context, cfg AlertConfig, event AlertEvent) error {
	body, err := FormatPayload(cfg.Format, event)
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	derr := &DeliveryError{URL: cfg.URL}
	var wait time.Duration
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if wait == 0 {
				wait = time.Duration(attempt-1) * retryBackoff
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		derr.Attempts = attempt
		wait = 0

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "trackwatch-alert")
		if event.ID != "" {
			req.Header.Set("Idempotency-Key", event.ID)
		}
		for k, v := range cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			derr.Status, derr.Err = 0, err
			continue
		}
		resp.Body.Close()
		derr.Status = resp.StatusCode

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests:
			wait = retryAfter(resp.Header.Get("Retry-After"))
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return derr
		}
	}
	return derr
}

// retryAfter parses a delay-seconds Retry-After value, capped. Zero means
// use the default backoff.
func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return min(time.Duration(secs)*time.Second, maxRetryAfter)
}
