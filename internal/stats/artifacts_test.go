package stats

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"flguard/internal/model"
)

func testArtifacts(runID string) RunArtifacts {
	return RunArtifacts{
		Config: RunConfig{
			RunID:        runID,
			Dataset:      "synthetic",
			Architecture: "cnn",
			Seed:         1,
			Clients:      6,
			Rounds:       3,
			AttackRound:  2,
			Workers:      2,
		},
		Rounds: []model.RoundRecord{
			{Round: 0, Accuracy: 0.6, Loss: 0.7},
			{Round: 1, Accuracy: 0.8, Loss: 0.5},
			{Round: 2, Accuracy: 0.7, Loss: 0.6, Defended: true, Poisoned: 2, Flagged: 3},
		},
	}
}

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")

	runID := "run-123"
	runDir, err := WriteRunArtifacts(baseDir, testArtifacts(runID))
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}

	for _, file := range []string{"config.json", "rounds.json", "rounds.csv", "summary.json"} {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected file %s: %v", file, err)
		}
	}
	if _, err := os.Stat(filepath.Join(runDir, "detection.json")); !os.IsNotExist(err) {
		t.Fatalf("expected no detection file without a detection, got %v", err)
	}

	exportedDir, err := ExportRunArtifacts(baseDir, runID, outDir)
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	for _, file := range []string{"config.json", "rounds.json", "rounds.csv", "summary.json"} {
		if _, err := os.Stat(filepath.Join(exportedDir, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}

	artifacts := testArtifacts(runID)
	artifacts.Detection = &model.DetectionRecord{RunID: runID, Round: 2, Labels: []int{0, 1, 1}, TruePositives: 2}
	if _, err := WriteRunArtifacts(baseDir, artifacts); err != nil {
		t.Fatalf("rewrite artifacts: %v", err)
	}
	exportedDir, err = ExportRunArtifacts(baseDir, runID, outDir)
	if err != nil {
		t.Fatalf("export artifacts with detection: %v", err)
	}
	if _, err := os.Stat(filepath.Join(exportedDir, "detection.json")); err != nil {
		t.Fatalf("expected exported detection: %v", err)
	}
}

func TestReadRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	artifacts := testArtifacts("run-read")
	artifacts.Detection = &model.DetectionRecord{
		RunID:        "run-read",
		Round:        2,
		Labels:       []int{0, 1},
		Localization: []model.LocalizationRecord{{Client: 1, Flagged: []int{3, 4}, Precision: 1}},
	}
	if _, err := WriteRunArtifacts(baseDir, artifacts); err != nil {
		t.Fatalf("write artifacts: %v", err)
	}

	cfg, ok, err := ReadRunConfig(baseDir, "run-read")
	if err != nil || !ok {
		t.Fatalf("read config: ok=%t err=%v", ok, err)
	}
	if cfg.Architecture != "cnn" || cfg.Clients != 6 {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	rounds, ok, err := ReadRounds(baseDir, "run-read")
	if err != nil || !ok {
		t.Fatalf("read rounds: ok=%t err=%v", ok, err)
	}
	if len(rounds) != 3 || !rounds[2].Defended || rounds[2].Flagged != 3 {
		t.Fatalf("unexpected rounds: %+v", rounds)
	}

	series, ok, err := ReadAccuracySeries(baseDir, "run-read")
	if err != nil || !ok {
		t.Fatalf("read series: ok=%t err=%v", ok, err)
	}
	if len(series) != 3 || series[1] != 0.8 {
		t.Fatalf("unexpected series: %v", series)
	}

	detection, ok, err := ReadDetection(baseDir, "run-read")
	if err != nil || !ok {
		t.Fatalf("read detection: ok=%t err=%v", ok, err)
	}
	if len(detection.Localization) != 1 || detection.Localization[0].Flagged[1] != 4 {
		t.Fatalf("unexpected detection: %+v", detection)
	}

	summary, ok, err := ReadSummary(baseDir, "run-read")
	if err != nil || !ok {
		t.Fatalf("read summary: ok=%t err=%v", ok, err)
	}
	if summary.Rounds != 3 || summary.Flagged != 3 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	if _, ok, err := ReadRounds(baseDir, "missing"); err != nil || ok {
		t.Fatalf("expected missing rounds, got ok=%t err=%v", ok, err)
	}
	if _, ok, err := ReadDetection(baseDir, "missing"); err != nil || ok {
		t.Fatalf("expected missing detection, got ok=%t err=%v", ok, err)
	}
}

func TestWriteRunArtifactsRequiresRunID(t *testing.T) {
	if _, err := WriteRunArtifacts(t.TempDir(), RunArtifacts{}); err == nil {
		t.Fatal("expected run id error")
	}
}

func TestRunIndexOrdering(t *testing.T) {
	baseDir := t.TempDir()

	entries := []RunIndexEntry{
		{RunID: "a", CreatedAtUTC: "2026-01-01T00:00:00Z"},
		{RunID: "b", CreatedAtUTC: "2026-01-03T00:00:00Z"},
		{RunID: "c", CreatedAtUTC: "2026-01-01T00:00:00Z"},
	}
	for _, entry := range entries {
		if err := AppendRunIndex(baseDir, entry); err != nil {
			t.Fatalf("append %s: %v", entry.RunID, err)
		}
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list index: %v", err)
	}
	if len(index) != 3 || index[0].RunID != "b" || index[1].RunID != "c" || index[2].RunID != "a" {
		t.Fatalf("unexpected index order: %+v", index)
	}

	if err := AppendRunIndex(baseDir, RunIndexEntry{RunID: "a", CreatedAtUTC: "2026-01-01T00:00:00Z", FinalAccuracy: 0.9}); err != nil {
		t.Fatalf("replace entry: %v", err)
	}
	index, err = ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list index after replace: %v", err)
	}
	if len(index) != 3 {
		t.Fatalf("expected replacement not append, got %d entries", len(index))
	}
	for _, entry := range index {
		if entry.RunID == "a" && entry.FinalAccuracy != 0.9 {
			t.Fatalf("expected replaced entry, got %+v", entry)
		}
	}

	empty, err := ListRunIndex(t.TempDir())
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty index, got %v err=%v", empty, err)
	}
}

func TestWriteRunConfigMismatch(t *testing.T) {
	baseDir := t.TempDir()
	if err := WriteRunConfig(baseDir, "run-1", RunConfig{}); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, ok, err := ReadRunConfig(baseDir, "run-1")
	if err != nil || !ok || cfg.RunID != "run-1" {
		t.Fatalf("unexpected config: %+v ok=%t err=%v", cfg, ok, err)
	}
	if err := WriteRunConfig(baseDir, "run-1", RunConfig{RunID: "run-2"}); err == nil {
		t.Fatal("expected run id mismatch error")
	}
}

func TestSummarizeRounds(t *testing.T) {
	summary := SummarizeRounds("run", testArtifacts("run").Rounds)
	if summary.InitialAccuracy != 0.6 || summary.FinalAccuracy != 0.7 {
		t.Fatalf("unexpected endpoints: %+v", summary)
	}
	if summary.MaxAccuracy != 0.8 || summary.MinAccuracy != 0.6 {
		t.Fatalf("unexpected extremes: %+v", summary)
	}
	if math.Abs(summary.MeanAccuracy-0.7) > 1e-9 {
		t.Fatalf("unexpected mean: %v", summary.MeanAccuracy)
	}
	// sample std of {0.6, 0.8, 0.7}
	if math.Abs(summary.StdAccuracy-0.1) > 1e-9 {
		t.Fatalf("unexpected std: %v", summary.StdAccuracy)
	}
	if math.Abs(summary.DefendedDrop-0.1) > 1e-9 || summary.Flagged != 3 {
		t.Fatalf("unexpected defended round summary: %+v", summary)
	}

	if empty := SummarizeRounds("run", nil); empty.Rounds != 0 || empty.MeanAccuracy != 0 {
		t.Fatalf("unexpected empty summary: %+v", empty)
	}
}
