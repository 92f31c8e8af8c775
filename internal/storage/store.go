package storage

import (
	"context"

	"flguard/internal/model"
)

// Store defines transaction-like persistence operations for experiment runs.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveRoundHistory(ctx context.Context, runID string, rounds []model.RoundRecord) error
	GetRoundHistory(ctx context.Context, runID string) ([]model.RoundRecord, bool, error)
	SaveDetection(ctx context.Context, detection model.DetectionRecord) error
	GetDetection(ctx context.Context, runID string) (model.DetectionRecord, bool, error)
	SaveCheckpoint(ctx context.Context, checkpoint model.Checkpoint) error
	GetCheckpoint(ctx context.Context, runID string) (model.Checkpoint, bool, error)
}
