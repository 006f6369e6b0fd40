// Package intercept supplies intercepted request descriptors to the pipeline.
package intercept

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/trackwatch/internal/logging"
	"github.com/ppiankov/trackwatch/internal/model"
)

// ErrMalformed marks a descriptor that cannot be scored.
var ErrMalformed = errors.New("intercept: malformed request")

// Sink receives validated requests.
type Sink interface {
	Submit(ctx context.Context, req model.Request) error
}

// Source feeds requests into a sink until exhausted or ctx is done.
type Source interface {
	Run(ctx context.Context, sink Sink) error
}

// maxLine bounds a single JSONL descriptor.
const maxLine = 1 << 20

// Decode parses and validates one JSON descriptor.
func Decode(data []byte) (model.Request, error) {
	var req model.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := Validate(&req); err != nil {
		return req, err
	}
	return req, nil
}

// Validate checks the fields scoring depends on and normalizes the rest.
func Validate(req *model.Request) error {
	if _, err := req.Destination(); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(string(req.SessionID)) == "" {
		return fmt.Errorf("%w: missing sessionId", ErrMalformed)
	}
	req.ResourceType = strings.ToLower(strings.TrimSpace(req.ResourceType))
	if req.ResourceType == "" {
		req.ResourceType = "other"
	}
	return nil
}

// JSONL reads one descriptor per line. Malformed lines are logged and
// skipped.
type JSONL struct {
	r       io.Reader
	log     *zap.Logger
	now     func() time.Time
	read    int
	skipped int
}

// NewJSONL wraps r.
func NewJSONL(r io.Reader, log *zap.Logger) *JSONL {
	return &JSONL{r: r, log: logging.OrNop(log), now: time.Now}
}

// Run submits every valid line. Missing timestamps get the read time.
func (j *JSONL) Run(ctx context.Context, sink Sink) error {
	sc := bufio.NewScanner(j.r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		j.read++
		req, err := Decode([]byte(text))
		if err != nil {
			j.skipped++
			j.log.Warn("skipping request", zap.Int("line", line), zap.Error(err))
			continue
		}
		if req.ObservedAt.IsZero() {
			req.ObservedAt = j.now()
		}
		if err := sink.Submit(ctx, req); err != nil {
			return fmt.Errorf("submit line %d: %w", line, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read requests: %w", err)
	}
	return nil
}

// Read returns the number of non-empty lines seen.
func (j *JSONL) Read() int { return j.read }

// Skipped returns the number of malformed lines.
func (j *JSONL) Skipped() int { return j.skipped }

// Channel is an in-process source fed by Send.
type Channel struct {
	ch chan model.Request
}

// NewChannel creates a source buffering up to size requests.
func NewChannel(size int) *Channel {
	if size <= 0 {
		size = 1
	}
	return &Channel{ch: make(chan model.Request, size)}
}

// Send queues a request, blocking while the buffer is full.
func (c *Channel) Send(ctx context.Context, req model.Request) error {
	select {
	case c.ch <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close ends the stream; Run returns once the buffer drains.
func (c *Channel) Close() { close(c.ch) }

// Run forwards queued requests, dropping malformed ones.
func (c *Channel) Run(ctx context.Context, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-c.ch:
			if !ok {
				return nil
			}
			if err := Validate(&req); err != nil {
				continue
			}
			if err := sink.Submit(ctx, req); err != nil {
				return err
			}
		}
	}
}
