package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"sitesync/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Network.ProbeInterval.Std() != 15*time.Second {
		t.Fatalf("unexpected probe interval %v", cfg.Network.ProbeInterval.Std())
	}
	if cfg.Network.PoorLatencyMS != 800 || cfg.Network.ExcellentLatencyMS != 250 {
		t.Fatalf("unexpected thresholds %+v", cfg.Network)
	}
	if !cfg.Sync.AutoSync {
		t.Fatalf("auto sync should default on")
	}
}

func TestFromYAMLParsesDurations(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
remote:
  base_url: https://sync.example.com
  timeout: 45s
network:
  probe_interval: 1m
  probe_timeout: 2s
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Remote.Timeout.Std() != 45*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.Remote.Timeout.Std())
	}
	if cfg.Network.ProbeInterval.Std() != time.Minute {
		t.Fatalf("unexpected interval %v", cfg.Network.ProbeInterval.Std())
	}
	// untouched sections keep their defaults
	if cfg.Sync.RetryWarnThreshold != 5 {
		t.Fatalf("defaults not preserved: %+v", cfg.Sync)
	}
}

func TestFromYAMLRejectsBadValues(t *testing.T) {
	if _, err := config.FromYAML([]byte("network:\n  probe_interval: soon\n")); err == nil {
		t.Fatalf("expected duration parse error")
	}
	if _, err := config.FromYAML([]byte("network:\n  poor_latency_ms: 100\n  excellent_latency_ms: 200\n")); err == nil {
		t.Fatalf("expected threshold ordering error")
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("fallback config invalid: %v", err)
	}

	path := filepath.Join(dir, "sitesync.yml")
	if err := os.WriteFile(path, []byte("remote:\n  base_url: https://field.example.com\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err = config.LoadOptional(dir)
	if err != nil {
		t.Fatalf("load from file: %v", err)
	}
	if cfg.Remote.BaseURL != "https://field.example.com" {
		t.Fatalf("file not loaded: %+v", cfg.Remote)
	}
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yml")
	if err := os.WriteFile(path, []byte("remote:\n  base_url: https://alt.example.com\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.FromFile(path)
	if err != nil {
		t.Fatalf("from file: %v", err)
	}
	if cfg.Remote.BaseURL != "https://alt.example.com" {
		t.Fatalf("file not applied: %+v", cfg.Remote)
	}
	if _, err := config.FromFile(filepath.Join(dir, "missing.yml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestGenerateDefaultRoundTrips(t *testing.T) {
	raw := config.GenerateDefault()
	if !strings.Contains(raw, "probe_interval") {
		t.Fatalf("template missing network section")
	}
	if _, err := config.FromYAML([]byte(raw)); err != nil {
		t.Fatalf("template must parse: %v", err)
	}
}
