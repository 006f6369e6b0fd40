package report

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ppiankov/trackwatch/internal/insights"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatJSON renders r as indented JSON.
func FormatJSON(r Report) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data) + "\n", nil
}

// FormatText renders r for a terminal.
func FormatText(r Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "trackwatch report %s | %s UTC\n", r.ID, r.GeneratedAt.Format("2006-01-02 15:04:05"))
	if r.ConfigHash != "" {
		fmt.Fprintf(&b, "config %s\n", r.ConfigHash)
	}
	b.WriteString(separator + "\n")

	t := r.Totals
	fmt.Fprintf(&b, "Sessions: %d | Requests: %d (%d skipped) | Trackers: %d\n",
		t.Sessions, t.Requests, t.Skipped, t.Trackers)
	fmt.Fprintf(&b, "Allowed: %d | Restricted: %d | Sandboxed: %d | Blocked: %d | Deferred: %d\n",
		t.Allowed, t.Restricted, t.Sandboxed, t.Blocked, t.Deferred)
	if t.Unconfirmed > 0 {
		fmt.Fprintf(&b, "Unconfirmed enforcements: %d\n", t.Unconfirmed)
	}

	for _, s := range r.Sessions {
		b.WriteString(separator + "\n")
		fmt.Fprintf(&b, "session %s  privacy %d/100", s.ID, s.PrivacyScore)
		if !s.Contexts.Empty() {
			fmt.Fprintf(&b, "  [%s]", s.Contexts)
		}
		b.WriteString("\n")
		for _, tr := range s.Trackers {
			fmt.Fprintf(&b, "  %3d %-9s %-32s %-18s %s x%d\n",
				tr.PeakScore, strings.ToUpper(string(tr.LastMode)), truncate(tr.Domain, 32),
				truncate(string(tr.Category), 18), tr.Company, tr.Count)
		}
		for _, a := range s.Alerts {
			fmt.Fprintf(&b, "  ! %s\n", a.Message)
		}
	}

	b.WriteString(separator + "\n")
	b.WriteString(FormatInsights(r.Insights))

	if len(r.Rules) > 0 {
		b.WriteString(separator + "\n")
		fmt.Fprintf(&b, "Block rules (%d):\n", len(r.Rules))
		for _, rule := range r.Rules {
			fmt.Fprintf(&b, "  #%-5d %s\n", rule.ID, rule.Domain)
		}
	}
	if len(r.Overrides) > 0 {
		fmt.Fprintf(&b, "Overrides (%d):\n", len(r.Overrides))
		for _, o := range r.Overrides {
			fmt.Fprintf(&b, "  %-32s %-8s %s\n", o.Domain, o.Mode, o.Scope)
		}
	}
	return b.String()
}

// FormatInsights renders the insights bundle.
func FormatInsights(in insights.Bundle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Privacy score: %d/100 | %d trackers from %d companies\n",
		in.Score.Score, in.Trackers, in.Companies)

	if len(in.CrossSite.Trackers) > 0 {
		b.WriteString("Cross-site trackers:\n")
		for _, t := range in.CrossSite.Trackers {
			status := ""
			if t.Blocked {
				status = "  [blocked]"
			}
			fmt.Fprintf(&b, "  %-32s %-14s %d sites%s\n", truncate(t.Domain, 32), t.Company, t.SitesTracked, status)
		}
	}
	if len(in.Fingerprinting) > 0 {
		b.WriteString("Fingerprinting:\n")
		for _, f := range in.Fingerprinting {
			techniques := make([]string, len(f.Techniques))
			for i, tq := range f.Techniques {
				techniques[i] = string(tq)
			}
			fmt.Fprintf(&b, "  %-32s %-8s %3d  %s\n", truncate(f.Domain, 32), f.Severity, f.RiskScore, strings.Join(techniques, ","))
		}
	}
	if len(in.Exposure) > 0 {
		b.WriteString("Data exposure:\n")
		for _, e := range in.Exposure {
			fmt.Fprintf(&b, "  %-24s %s\n", e.DataType, strings.Join(e.Companies, ", "))
		}
	}
	if len(in.Recommendations) > 0 {
		b.WriteString("Recommendations:\n")
		for _, rec := range in.Recommendations {
			fmt.Fprintf(&b, "  [%s] %s\n", rec.Priority, rec.Title)
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
