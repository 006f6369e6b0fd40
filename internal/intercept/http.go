package intercept

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/trackwatch/internal/logging"
)

// maxBody bounds one ingest POST.
const maxBody = 10 << 20

// Server accepts request descriptors over HTTP from the interception layer.
// POST /v1/requests takes one JSON object or newline-delimited objects.
type Server struct {
	sink Sink
	log  *zap.Logger
	srv  *http.Server

	mu sync.Mutex
	ln net.Listener
}

// IngestResult is the response body of an ingest POST.
type IngestResult struct {
	Accepted int      `json:"accepted"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// NewServer creates an ingest server bound to addr on Start.
func NewServer(addr string, sink Sink, log *zap.Logger) *Server {
	s := &Server{sink: sink, log: logging.OrNop(log)}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/requests", s.handleRequests)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("ingest listening", zap.String("addr", ln.Addr().String()))
	err = s.srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Addr returns the bound address once Start is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	var res IngestResult
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("%v: %v", ErrMalformed, err))
			break
		}
		req, err := Decode(raw)
		if err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		if req.ObservedAt.IsZero() {
			req.ObservedAt = time.Now()
		}
		if err := s.sink.Submit(r.Context(), req); err != nil {
			s.log.Warn("ingest submit failed", zap.Error(err))
			http.Error(w, fmt.Sprintf("submit failed: %v", err), http.StatusServiceUnavailable)
			return
		}
		res.Accepted++
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(res)
}
