package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// TimestampFormat is the layout used in audit entry timestamps.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// ReplayFilter holds filtering criteria. Empty fields match everything.
type ReplayFilter struct {
	Session string
	Domain  string
	From    time.Time // zero value = no lower bound
	To      time.Time // zero value = no upper bound
}

// ReplaySummary holds mode counts and metadata for the replayed entries.
type ReplaySummary struct {
	Total          int    `json:"total"`
	AllowCount     int    `json:"allow_count"`
	RestrictCount  int    `json:"restrict_count"`
	SandboxCount   int    `json:"sandbox_count"`
	BlockCount     int    `json:"block_count"`
	DeferredCount  int    `json:"deferred_count"`
	UnconfirmedCnt int    `json:"unconfirmed_count"`
	FirstTimestamp string `json:"first_timestamp"`
	LastTimestamp  string `json:"last_timestamp"`
	MaxScore       int    `json:"max_score"`
}

// ReplayResult holds filtered entries and summary.
type ReplayResult struct {
	Filter  ReplayFilter  `json:"-"`
	Entries []AuditEntry  `json:"entries"`
	Summary ReplaySummary `json:"summary"`
}

// Replay reads the audit log and returns entries matching the filter.
func Replay(path string, filter ReplayFilter) (*ReplayResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	result := &ReplayResult{Filter: filter}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry AuditEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue // skip malformed lines
		}

		if filter.Session != "" && entry.Session != filter.Session {
			continue
		}
		if filter.Domain != "" && !strings.EqualFold(entry.Domain, filter.Domain) {
			continue
		}

		if !filter.From.IsZero() || !filter.To.IsZero() {
			ts, err := time.Parse(TimestampFormat, entry.Timestamp)
			if err != nil {
				continue // skip unparseable timestamps
			}
			if !filter.From.IsZero() && ts.Before(filter.From) {
				continue
			}
			if !filter.To.IsZero() && ts.After(filter.To) {
				continue
			}
		}

		result.Entries = append(result.Entries, entry)
		updateSummary(&result.Summary, entry)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}

	return result, nil
}

func updateSummary(s *ReplaySummary, entry AuditEntry) {
	s.Total++

	switch strings.ToLower(entry.Effective) {
	case "allow":
		s.AllowCount++
	case "restrict":
		s.RestrictCount++
	case "sandbox":
		s.SandboxCount++
	case "block":
		s.BlockCount++
	}
	if entry.Deferred {
		s.DeferredCount++
	}
	if !entry.Confirmed {
		s.UnconfirmedCnt++
	}
	if entry.Score > s.MaxScore {
		s.MaxScore = entry.Score
	}

	if s.FirstTimestamp == "" {
		s.FirstTimestamp = entry.Timestamp
	}
	s.LastTimestamp = entry.Timestamp
}
