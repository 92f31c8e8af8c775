//go:build sqlite

package storage

import (
	"context"
	"path/filepath"
	"testing"

	"flguard/internal/model"
)

func TestSQLiteStoreRunAndDetectionRoundTrip(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "flguard.db")

	store := NewSQLiteStore(dbPath)
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	run := model.RunRecord{VersionedRecord: CurrentVersion(), ID: "r1", Dataset: "synthetic", CreatedAtUTC: "2026-01-01T00:00:00Z"}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("save run: %v", err)
	}
	later := model.RunRecord{VersionedRecord: CurrentVersion(), ID: "r2", CreatedAtUTC: "2026-01-02T00:00:00Z"}
	if err := store.SaveRun(ctx, later); err != nil {
		t.Fatalf("save later run: %v", err)
	}
	runs, err := store.ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "r2" {
		t.Fatalf("unexpected runs: %+v", runs)
	}

	detection := model.DetectionRecord{VersionedRecord: CurrentVersion(), RunID: "r1", Labels: []int{0, 1}, TruePositives: 1}
	if err := store.SaveDetection(ctx, detection); err != nil {
		t.Fatalf("save detection: %v", err)
	}
	loaded, ok, err := store.GetDetection(ctx, "r1")
	if err != nil {
		t.Fatalf("get detection: %v", err)
	}
	if !ok || loaded.TruePositives != 1 || len(loaded.Labels) != 2 {
		t.Fatalf("unexpected detection: ok=%t %+v", ok, loaded)
	}

	rounds := []model.RoundRecord{{Round: 0, Accuracy: 0.5}}
	if err := store.SaveRoundHistory(ctx, "r1", rounds); err != nil {
		t.Fatalf("save rounds: %v", err)
	}
	if got, ok, err := store.GetRoundHistory(ctx, "r1"); err != nil || !ok || len(got) != 1 {
		t.Fatalf("get rounds: ok=%t err=%v got=%+v", ok, err, got)
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "flguard.db")

	first := NewSQLiteStore(dbPath)
	if err := first.Init(ctx); err != nil {
		t.Fatalf("first init: %v", err)
	}
	checkpoint := model.Checkpoint{
		VersionedRecord: CurrentVersion(),
		RunID:           "persisted-run",
		Params:          map[string]model.TensorRecord{"fc.bias": {Shape: []int{1}, Data: []float64{3}}},
	}
	if err := first.SaveCheckpoint(ctx, checkpoint); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}

	second := NewSQLiteStore(dbPath)
	if err := second.Init(ctx); err != nil {
		t.Fatalf("second init: %v", err)
	}
	t.Cleanup(func() {
		_ = second.Close()
	})

	loaded, ok, err := second.GetCheckpoint(ctx, checkpoint.RunID)
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if !ok || loaded.Params["fc.bias"].Data[0] != 3 {
		t.Fatalf("expected persisted checkpoint, got ok=%t value=%+v", ok, loaded)
	}
}
