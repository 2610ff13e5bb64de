package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tgrelay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeTempConfig(t, `
general:
  api_id: 12345
  api_hash: abc
  session_name: acct1
forward:
  forward_delay: 0.2
  tmp_path: /tmp/tgrelay
  forward_channel_pairs:
    - source_channel: "@source"
      target_channels: ["@t1", "@t2", "@t1"]
      keywords: ["urgent"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.General.APIID != 12345 {
		t.Errorf("APIID = %d", cfg.General.APIID)
	}
	if len(cfg.Forward.Pairs) != 1 {
		t.Fatalf("Pairs len = %d", len(cfg.Forward.Pairs))
	}
	p := cfg.Forward.Pairs[0]
	if len(p.TargetChannels) != 2 {
		t.Errorf("targets not deduped: %v", p.TargetChannels)
	}
	if !p.IsEnabled() {
		t.Errorf("pair should default to enabled")
	}
}

func TestValidate_RejectsSourceInTargets(t *testing.T) {
	pairs := []PairConfig{{
		SourceChannel:  "@a",
		TargetChannels: []string{"@a", "@b"},
	}}
	if _, err := validatePairs(pairs); err == nil {
		t.Fatal("expected error when source also appears in targets")
	}
}

func TestValidate_DropsEmptyTargetsAfterDedup(t *testing.T) {
	pairs := []PairConfig{{
		SourceChannel:  "@a",
		TargetChannels: []string{"", ""},
	}}
	out, err := validatePairs(pairs)
	if err != nil {
		t.Fatalf("validatePairs: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("expected pair to be dropped, got %v", out)
	}
}

func TestValidate_RejectsStartAfterEnd(t *testing.T) {
	pairs := []PairConfig{{
		SourceChannel:  "@a",
		TargetChannels: []string{"@b"},
		StartID:        10,
		EndID:          5,
	}}
	if _, err := validatePairs(pairs); err == nil {
		t.Fatal("expected error for start_id > end_id")
	}
}

func TestEffectiveMediaTypes_DefaultsToAll(t *testing.T) {
	p := PairConfig{}
	if len(p.EffectiveMediaTypes()) != len(defaultMediaTypes) {
		t.Errorf("expected default media types, got %v", p.EffectiveMediaTypes())
	}
}
