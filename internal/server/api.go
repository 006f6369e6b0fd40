package server

import (
	"github.com/ppiankov/trackwatch/internal/fingerprint"
	"github.com/ppiankov/trackwatch/internal/insights"
	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/pipeline"
	"github.com/ppiankov/trackwatch/internal/report"
)

// Status is embedded in every response. Control operations report
// failure here rather than as RPC errors.
type Status struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (s *Status) set(err error) {
	s.Success = err == nil
	s.Error = ""
	if err != nil {
		s.Error = err.Error()
	}
}

func (s *Status) fail(msg string) {
	s.Success = false
	s.Error = msg
}

// Err turns a failed status back into an error.
func (s Status) Err() error {
	if s.Success {
		return nil
	}
	return &RemoteError{Message: s.Error}
}

// RemoteError is a failure reported by the server in a Status.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

type Empty struct{}

type ObserveRequest struct {
	Request model.Request `json:"request"`
}

type ObserveResponse struct {
	Status
	Outcome pipeline.Outcome `json:"outcome"`
}

type NavigateRequest struct {
	Session model.SessionID     `json:"session"`
	URL     string              `json:"url"`
	Signals map[string][]string `json:"signals,omitempty"`
}

type NavigateResponse struct {
	Status
	Contexts model.ContextSet `json:"contexts"`
}

type SessionRequest struct {
	Session model.SessionID `json:"session,omitempty"`
}

type StatusResponse struct {
	Status
}

type FingerprintRequest struct {
	Session   model.SessionID   `json:"session"`
	Domain    string            `json:"domain"`
	Technique string            `json:"technique"`
	Details   map[string]string `json:"details,omitempty"`
}

type FingerprintResponse struct {
	Status
	Summary fingerprint.Summary `json:"summary"`
}

type TrackersResponse struct {
	Status
	Trackers []pipeline.Tracker `json:"trackers"`
}

type StatsResponse struct {
	Status
	Stats pipeline.Stats `json:"stats"`
}

type SessionsResponse struct {
	Status
	Sessions []pipeline.SessionInfo `json:"sessions"`
}

type OverrideRequest struct {
	Domain  string          `json:"domain"`
	Session model.SessionID `json:"session,omitempty"`
	Mode    string          `json:"mode,omitempty"`
}

type OverridesResponse struct {
	Status
	Overrides []model.Override `json:"overrides"`
}

type DomainRequest struct {
	Domain string `json:"domain"`
}

type RuleResponse struct {
	Status
	RuleID int `json:"ruleId"`
}

type ReportResponse struct {
	Status
	Report report.Report `json:"report"`
}

type InsightsResponse struct {
	Status
	Insights insights.Bundle `json:"insights"`
}

type FeedbackRequest struct {
	Domain   string `json:"domain"`
	Category string `json:"category"`
}

type ClearDataRequest struct {
	What string `json:"what"`
}
