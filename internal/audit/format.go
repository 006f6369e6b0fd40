package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatTimeline renders a ReplayResult as a human-readable text timeline.
func FormatTimeline(result *ReplayResult) string {
	label := scopeLabel(result.Filter)
	if len(result.Entries) == 0 {
		return fmt.Sprintf("%s | No entries found.\n", label)
	}

	var b strings.Builder

	first := result.Summary.FirstTimestamp
	last := result.Summary.LastTimestamp
	b.WriteString(fmt.Sprintf("%s | %s–%s UTC\n", label, formatDateRange(first), formatTimeOnly(last)))
	b.WriteString(separator + "\n")

	for _, e := range result.Entries {
		ts := formatTimeOnly(e.Timestamp)
		mode := strings.ToUpper(e.Effective)
		domain := truncate(e.Domain, 32)
		session := truncate(e.Session, 10)

		var tags []string
		if e.Deferred {
			tags = append(tags, "deferred")
		}
		if !e.Confirmed {
			tags = append(tags, "unconfirmed")
		}
		if e.Type != TypeEnforcement && e.Type != "" {
			tags = append(tags, e.Type)
		}
		tag := ""
		if len(tags) > 0 {
			tag = "  [" + strings.Join(tags, ", ") + "]"
		}

		b.WriteString(fmt.Sprintf("%-10s %3d %-9s %-10s %-32s%s\n",
			ts, e.Score, mode, session, domain, tag))
	}

	b.WriteString(separator + "\n")
	b.WriteString(formatSummary(result.Summary))

	return b.String()
}

// FormatJSON renders a ReplayResult as indented JSON.
func FormatJSON(result *ReplayResult) (string, error) {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal replay result: %w", err)
	}
	return string(data), nil
}

func scopeLabel(f ReplayFilter) string {
	parts := []string{}
	if f.Session != "" {
		parts = append(parts, "Session: "+f.Session)
	}
	if f.Domain != "" {
		parts = append(parts, "Domain: "+f.Domain)
	}
	if len(parts) == 0 {
		return "All sessions"
	}
	return strings.Join(parts, " ")
}

func formatDateRange(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func formatSummary(s ReplaySummary) string {
	parts := []string{}
	if s.AllowCount > 0 {
		parts = append(parts, fmt.Sprintf("%d allow", s.AllowCount))
	}
	if s.RestrictCount > 0 {
		parts = append(parts, fmt.Sprintf("%d restrict", s.RestrictCount))
	}
	if s.SandboxCount > 0 {
		parts = append(parts, fmt.Sprintf("%d sandbox", s.SandboxCount))
	}
	if s.BlockCount > 0 {
		parts = append(parts, fmt.Sprintf("%d block", s.BlockCount))
	}
	if s.DeferredCount > 0 {
		parts = append(parts, fmt.Sprintf("%d deferred", s.DeferredCount))
	}
	if s.UnconfirmedCnt > 0 {
		parts = append(parts, fmt.Sprintf("%d unconfirmed", s.UnconfirmedCnt))
	}

	return fmt.Sprintf("Summary: %s | Max score: %d\n", strings.Join(parts, ", "), s.MaxScore)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
