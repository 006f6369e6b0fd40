package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event AlertEvent) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event AlertEvent) ([]byte, error) {
	fields := []any{
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Domain:* %s", orDash(event.Domain))},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Site:* %s", orDash(event.Site))},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", orDash(event.Severity))},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Details:* %s", event.Message)},
	}
	if event.ZScore > 0 {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Z-score:* %.2f", event.ZScore)})
	}
	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("trackwatch: %s", event.Type),
				},
			},
			map[string]any{
				"type":   "section",
				"fields": fields,
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event AlertEvent) ([]byte, error) {
	severity := "info"
	switch event.Severity {
	case "critical":
		severity = "critical"
	case "high":
		severity = "error"
	case "medium":
		severity = "warning"
	}

	payload := map[string]any{
		"event_action": "trigger",
		"dedup_key":    event.ID,
		"payload": map[string]any{
			"summary":  fmt.Sprintf("trackwatch %s: %s", event.Type, event.Message),
			"severity": severity,
			"source":   "trackwatch",
			"custom_details": map[string]any{
				"session":  event.Session,
				"domain":   event.Domain,
				"site":     event.Site,
				"category": event.Category,
				"value":    event.Value,
				"zscore":   event.ZScore,
			},
		},
	}
	return json.Marshal(payload)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
