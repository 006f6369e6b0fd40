package scenario

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/trackwatch/internal/config"
	"github.com/ppiankov/trackwatch/internal/filter"
	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/pipeline"
	"github.com/ppiankov/trackwatch/internal/store"
)

// Expectation for requests the pipeline does not score.
const expectSkip = "skip"

// Run evaluates the scenario's cases in order against an offline pipeline
// built from cfg with an in-memory store and filter.
func Run(ctx context.Context, s *Scenario, cfg *config.Config) (*RunResult, error) {
	svc, closeFn, err := pipeline.Build(ctx, cfg, pipeline.BuildOptions{
		Filter:  filter.NewMemory(),
		Store:   store.NewMemory(),
		Inline:  true,
		NoAudit: true,
	})
	if err != nil {
		return nil, err
	}
	defer closeFn()
	if err := svc.Init(ctx); err != nil {
		return nil, err
	}

	session := model.SessionID(s.Session)
	if session == "" {
		session = "scenario"
	}
	result := &RunResult{
		Name:  s.Name,
		Total: len(s.Cases),
	}

	// Cases are spaced a second apart so the frequency window sees a
	// realistic pace rather than a burst.
	at := time.Now()
	for i, c := range s.Cases {
		if c.Page != "" {
			if _, err := svc.Navigate(ctx, session, c.Page, c.Signals); err != nil {
				return nil, fmt.Errorf("case %d: navigate: %w", i+1, err)
			}
		}
		out := svc.Process(ctx, model.Request{
			URL:          c.Request.URL,
			ResourceType: c.Request.Type,
			InitiatorURL: c.Request.Initiator,
			SessionID:    session,
			ObservedAt:   at.Add(time.Duration(i) * time.Second),
		})

		actual := string(out.Result.Effective)
		reason := out.Decision.Reason
		if out.Skipped {
			actual = expectSkip
			reason = out.SkipReason
		}
		expected := strings.ToLower(strings.TrimSpace(c.Expect))

		cr := CaseResult{
			Index:        i + 1,
			URL:          c.Request.URL,
			Expected:     expected,
			Actual:       actual,
			Score:        out.Score,
			Deferred:     out.Result.Deferred,
			WantDeferred: c.Deferred,
			Reason:       reason,
		}
		cr.Passed = actual == expected && (c.Deferred == nil || *c.Deferred == out.Result.Deferred)
		if cr.Passed {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Cases = append(result.Cases, cr)
	}
	return result, nil
}

// Load parses a scenario YAML file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = path
	}
	return &s, nil
}

// LoadAndRun loads a scenario file and the config at configPath, and runs.
func LoadAndRun(ctx context.Context, path, configPath string) (*RunResult, error) {
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	result, err := Run(ctx, s, cfg)
	if err != nil {
		return nil, err
	}
	result.File = path
	return result, nil
}
