package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ppiankov/trackwatch/internal/model"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, hash, err := LoadWithHash(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Policy.Thresholds.BlockAt != 75 {
		t.Errorf("expected default block_at 75, got %d", cfg.Policy.Thresholds.BlockAt)
	}
	if hash != hashOf(nil) {
		t.Errorf("expected empty-input hash, got %s", hash)
	}
}

func TestLoadOverridesOnlySpecifiedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
policy:
  thresholds:
    block_at: 90
risk:
  frequency_window: 10s
pipeline:
  shards: 2
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, hash, err := LoadWithHash(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Policy.Thresholds.BlockAt != 90 {
		t.Errorf("expected block_at 90, got %d", cfg.Policy.Thresholds.BlockAt)
	}
	if cfg.Policy.Thresholds.SandboxAt != 55 {
		t.Errorf("expected sandbox_at default 55, got %d", cfg.Policy.Thresholds.SandboxAt)
	}
	if cfg.Risk.FrequencyWindow != 10*time.Second {
		t.Errorf("expected 10s window, got %v", cfg.Risk.FrequencyWindow)
	}
	if cfg.Risk.SpikeThreshold != 10 {
		t.Errorf("expected default spike threshold, got %d", cfg.Risk.SpikeThreshold)
	}
	if cfg.Pipeline.Shards != 2 || cfg.Pipeline.QueueSize != 256 {
		t.Errorf("unexpected pipeline section: %+v", cfg.Pipeline)
	}
	if !strings.HasPrefix(hash, "sha256:") || hash == hashOf(nil) {
		t.Errorf("expected content hash, got %s", hash)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("policy: [unclosed"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidateRejectsDescendingThresholds(t *testing.T) {
	_, err := Parse([]byte(`
policy:
  thresholds:
    restrict_at: 80
    sandbox_at: 50
    block_at: 60
`))
	if err == nil {
		t.Error("expected validation error for descending thresholds")
	}
}

func TestNullSectionFallsBackToDefaults(t *testing.T) {
	cfg, err := Parse([]byte("risk: null\npolicy: null\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Risk == nil || cfg.Policy == nil {
		t.Fatal("expected null sections to be restored")
	}
}

func TestContextOverrideMerge(t *testing.T) {
	cfg, err := Parse([]byte(`
context:
  overrides:
    sandbox: restrict
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Context.Overrides[model.ModeBlock] != model.ModeSandbox {
		t.Error("expected default block override to survive merge")
	}
	if cfg.Context.Overrides[model.ModeSandbox] != model.ModeRestrict {
		t.Error("expected sandbox override from file")
	}
}

func TestDefaultConfigYAMLParses(t *testing.T) {
	cfg, err := Parse([]byte(DefaultConfigYAML()))
	if err != nil {
		t.Fatalf("starter config does not parse: %v", err)
	}
	if cfg.Pipeline.GraceDelay != 3*time.Second {
		t.Errorf("expected 3s grace delay, got %v", cfg.Pipeline.GraceDelay)
	}
}

func TestAlertWithoutURLRejected(t *testing.T) {
	_, err := Parse([]byte("alerts:\n  - format: slack\n"))
	if err == nil {
		t.Error("expected error for alert without url")
	}
}
