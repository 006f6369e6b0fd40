package scenario

import (
	"encoding/json"
	"fmt"
	"strings"
)

// urlWidth is the column the failing URL is padded or cut to.
const urlWidth = 48

// FormatText renders run results as a PASS/FAIL listing with totals.
func FormatText(results []*RunResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Checking %d scenario file", len(results))
	if len(results) != 1 {
		b.WriteString("s")
	}
	b.WriteString("...\n\n")

	cases, passed, failed := 0, 0, 0
	for _, r := range results {
		cases += r.Total
		passed += r.Passed
		if r.Failed == 0 {
			fmt.Fprintf(&b, "  PASS  %s (%d/%d)\n", r.Name, r.Passed, r.Total)
			continue
		}
		failed++
		fmt.Fprintf(&b, "  FAIL  %s (%d/%d)\n", r.Name, r.Passed, r.Total)
		for _, c := range r.Cases {
			if !c.Passed {
				fmt.Fprintf(&b, "    FAIL  case %d: %-*s %s\n", c.Index, urlWidth, clip(c.URL), mismatch(c))
			}
		}
	}

	fmt.Fprintf(&b, "\n%d of %d cases passed.", passed, cases)
	if failed > 0 {
		fmt.Fprintf(&b, " %d of %d scenarios failed.", failed, len(results))
	}
	b.WriteString("\n")
	return b.String()
}

// mismatch describes what a failed case got wrong.
func mismatch(c CaseResult) string {
	s := fmt.Sprintf("expected %s, got %s (score %d)", c.Expected, c.Actual, c.Score)
	if c.WantDeferred != nil && *c.WantDeferred != c.Deferred {
		s += fmt.Sprintf(" deferred=%t, want %t", c.Deferred, *c.WantDeferred)
	}
	return s
}

func clip(url string) string {
	if len(url) > urlWidth {
		return url[:urlWidth-3] + "..."
	}
	return url
}

// FormatJSON renders run results as JSON.
func FormatJSON(results []*RunResult) (string, error) {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal results: %w", err)
	}
	return string(data), nil
}
