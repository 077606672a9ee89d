package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Registration.Iterations != 2 {
		t.Errorf("expected default 2 refinement rounds, got %d", cfg.Registration.Iterations)
	}
	if cfg.Output.Separator != "-" {
		t.Errorf("expected default separator '-', got %q", cfg.Output.Separator)
	}
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	payload := `
registration:
  iterations: 5
superres:
  modelDir: /models/siq
output:
  verbose: false
`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Registration.Iterations != 5 {
		t.Errorf("expected 5 iterations, got %d", cfg.Registration.Iterations)
	}
	if cfg.SuperRes.ModelDir != "/models/siq" {
		t.Errorf("unexpected model dir %q", cfg.SuperRes.ModelDir)
	}
	if cfg.Output.Verbose {
		t.Error("expected verbose disabled")
	}
	// Untouched sections keep their defaults.
	if cfg.Registration.GradientStep != 0.5 {
		t.Errorf("expected default gradient step, got %v", cfg.Registration.GradientStep)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := DefaultConfig()
	cfg.DTI.MedianRadius = 7

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.DTI.MedianRadius != 7 {
		t.Errorf("expected median radius 7 after round trip, got %d", loaded.DTI.MedianRadius)
	}
}
