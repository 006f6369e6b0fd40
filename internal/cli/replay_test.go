package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunReplayWritesRuleset(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	input := filepath.Join(dir, "requests.jsonl")
	lines := strings.Join([]string{
		`{"url":"https://doubleclick.net/p","resourceType":"script","initiatorUrl":"https://news.example/","sessionId":"tab-1"}`,
		`not json`,
		`{"url":"https://static.news.example/app.js","resourceType":"script","initiatorUrl":"https://news.example/","sessionId":"tab-1"}`,
		`{"url":"https://www.google-analytics.com/collect","resourceType":"script","initiatorUrl":"https://news.example/","sessionId":"tab-1"}`,
	}, "\n")
	if err := os.WriteFile(input, []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}

	configPath = filepath.Join(dir, "missing.yaml")
	replayInput = input
	replayFormat = "json"
	replayRuleset = filepath.Join(dir, "rules.json")
	defer func() { configPath, replayRuleset = "", "" }()

	if err := runReplay(nil, nil); err != nil {
		t.Fatalf("runReplay: %v", err)
	}

	data, err := os.ReadFile(replayRuleset)
	if err != nil {
		t.Fatalf("ruleset not written: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "||doubleclick.net^") {
		t.Errorf("expected doubleclick block rule, got:\n%s", out)
	}
	if !strings.Contains(out, "modifyHeaders") {
		t.Errorf("expected a cookie-strip rule for the restricted tracker, got:\n%s", out)
	}
}

func TestRunReplayMissingInput(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	configPath = filepath.Join(dir, "missing.yaml")
	replayInput = filepath.Join(dir, "nope.jsonl")
	defer func() { configPath = "" }()

	if err := runReplay(nil, nil); err == nil {
		t.Fatal("expected error for missing input")
	}
}
