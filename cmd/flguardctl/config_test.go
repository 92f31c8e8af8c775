package main

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"gopkg.in/yaml.v3"

	"flguard/internal/federation"
	"flguard/internal/lrp"
	flapi "flguard/pkg/flguard"
)

func TestLoadRunRequestFromConfigKeepsDefaults(t *testing.T) {
	req, err := loadRunRequestFromConfig(writeRunConfig(t))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	defaults := federation.DefaultConfig()
	cfg := req.Config
	if cfg == nil {
		t.Fatal("expected federation config")
	}
	if cfg.Rounds != 2 || cfg.Clients != 6 || cfg.Architecture.Name != "mlp" || len(cfg.Architecture.Hidden) != 1 {
		t.Fatalf("unexpected federation config: %+v", cfg)
	}
	if cfg.Train.Epochs != 1 || cfg.Train.LearningRate != defaults.Train.LearningRate {
		t.Fatalf("expected train defaults to survive partial override: %+v", cfg.Train)
	}
	if cfg.Defense.Detector != defaults.Defense.Detector || cfg.Defense.Contamination != 0.3 {
		t.Fatalf("unexpected defense config: %+v", cfg.Defense)
	}
	if cfg.Localize.Percentile != defaults.Localize.Percentile || cfg.Localize.SampleFraction != 0.5 {
		t.Fatalf("unexpected localize config: %+v", cfg.Localize)
	}
	if cfg.Seed != defaults.Seed || cfg.AttackRound != -1 {
		t.Fatalf("expected unspecified fields to keep defaults: %+v", cfg)
	}
	if req.Dataset != flapi.DatasetSynthetic || req.TrainFraction != 0.75 || req.Synthetic.Features != 8 {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestLoadRunRequestFromConfigRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("federation: [1, 2"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadRunRequestFromConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := loadRunRequestFromConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected missing file error")
	}
}

func TestOverrideFromFlagsOnlyAppliesSetFlags(t *testing.T) {
	req, err := loadOrDefaultRunRequest("")
	if err != nil {
		t.Fatalf("default request: %v", err)
	}
	values := map[string]any{
		"clients":  12,
		"rounds":   9,
		"arch":     "mlp",
		"hidden":   []int{4, 2},
		"detector": "lof",
	}
	if err := overrideFromFlags(&req, map[string]bool{"clients": true, "hidden": true, "detector": true}, values); err != nil {
		t.Fatalf("override: %v", err)
	}
	if req.Config.Clients != 12 || req.Config.Defense.Detector != "lof" || len(req.Config.Architecture.Hidden) != 2 {
		t.Fatalf("expected set flags applied: %+v", req.Config)
	}
	if req.Config.Rounds != federation.DefaultConfig().Rounds || req.Config.Architecture.Name != "cnn" {
		t.Fatalf("expected unset flags ignored: %+v", req.Config)
	}

	if err := overrideFromFlags(&req, map[string]bool{"bogus": true}, map[string]any{"bogus": 1}); err == nil {
		t.Fatal("expected unsupported flag error")
	}
}

func TestParseWidths(t *testing.T) {
	widths, err := parseWidths(" 8, 4 ")
	if err != nil || len(widths) != 2 || widths[0] != 8 || widths[1] != 4 {
		t.Fatalf("unexpected widths: %v err=%v", widths, err)
	}
	if widths, err := parseWidths(""); err != nil || widths != nil {
		t.Fatalf("expected nil widths, got %v err=%v", widths, err)
	}
	if _, err := parseWidths("0"); err == nil {
		t.Fatal("expected invalid width error")
	}
}

const profilingRunConfig = `federation:
  rounds: 1
  localize:
    profiling:
      threshold: 0.3
      rule_thresholds:
        linear: 0.1
        conv1d: 0.1
`

func TestLoadRunRequestFromConfigProfiling(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiling.yaml")
	if err := os.WriteFile(path, []byte(profilingRunConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	req, err := loadRunRequestFromConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	profiling := req.Config.Localize.Profiling
	if profiling.Threshold != 0.3 {
		t.Fatalf("unexpected profiling threshold: %f", profiling.Threshold)
	}
	want := map[lrp.Rule]float64{lrp.RuleLinear: 0.1, lrp.RuleConv1D: 0.1}
	if !reflect.DeepEqual(profiling.RuleThresholds, want) {
		t.Fatalf("unexpected rule thresholds: %+v", profiling.RuleThresholds)
	}
	if req.Config.Localize.SampleFraction != federation.DefaultConfig().Localize.SampleFraction {
		t.Fatalf("expected localize defaults to survive: %+v", req.Config.Localize)
	}
	if err := req.Config.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestProfilingConfigYAMLRoundTrip(t *testing.T) {
	cfg := federation.DefaultConfig()
	cfg.Localize.Profiling.Threshold = 0.25
	cfg.Localize.Profiling.RuleThresholds = map[lrp.Rule]float64{lrp.RuleLinear: 0.1, lrp.RuleMaxPool1D: 0.4}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	decoded := federation.DefaultConfig()
	if err := yaml.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, data)
	}
	if !reflect.DeepEqual(decoded.Localize.Profiling, cfg.Localize.Profiling) {
		t.Fatalf("profiling did not survive round trip: got=%+v want=%+v", decoded.Localize.Profiling, cfg.Localize.Profiling)
	}
}

func TestLoadRunRequestFromConfigRejectsUnknownRule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rule.yaml")
	raw := "federation:\n  localize:\n    profiling:\n      rule_thresholds:\n        softmax: 0.1\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadRunRequestFromConfig(path); err == nil {
		t.Fatal("expected unknown rule error")
	}
}

func TestOverrideProfilingFromFlags(t *testing.T) {
	req, err := loadOrDefaultRunRequest("")
	if err != nil {
		t.Fatalf("default request: %v", err)
	}
	perRule, err := parseRuleThresholds("linear=0.1, conv1d=0.1")
	if err != nil {
		t.Fatalf("parse rule thresholds: %v", err)
	}
	set := map[string]bool{"profile-threshold": true, "rule-thresholds": true, "activation": true}
	values := map[string]any{"profile-threshold": 0.2, "rule-thresholds": perRule, "activation": "tanh"}
	if err := overrideFromFlags(&req, set, values); err != nil {
		t.Fatalf("override: %v", err)
	}
	profiling := req.Config.Localize.Profiling
	if profiling.Threshold != 0.2 || profiling.RuleThresholds[lrp.RuleLinear] != 0.1 || profiling.RuleThresholds[lrp.RuleConv1D] != 0.1 {
		t.Fatalf("unexpected profiling: %+v", profiling)
	}
	if req.Config.Architecture.Activation != "tanh" {
		t.Fatalf("unexpected activation: %q", req.Config.Architecture.Activation)
	}
}

func TestParseRuleThresholds(t *testing.T) {
	if got, err := parseRuleThresholds(""); err != nil || got != nil {
		t.Fatalf("expected nil thresholds, got %v err=%v", got, err)
	}
	if _, err := parseRuleThresholds("linear"); err == nil {
		t.Fatal("expected missing value error")
	}
	if _, err := parseRuleThresholds("softmax=0.1"); err == nil {
		t.Fatal("expected unknown rule error")
	}
	if _, err := parseRuleThresholds("linear=abc"); err == nil {
		t.Fatal("expected invalid number error")
	}
}
