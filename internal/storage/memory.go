package storage

import (
	"context"
	"sort"
	"sync"

	"flguard/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	rounds      map[string][]model.RoundRecord
	detections  map[string]model.DetectionRecord
	checkpoints map[string]model.Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.rounds = make(map[string][]model.RoundRecord)
	s.detections = make(map[string]model.DetectionRecord)
	s.checkpoints = make(map[string]model.Checkpoint)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	return run, ok, nil
}

// ListRuns returns runs newest first, ties broken by ID.
func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sortRuns(runs)
	return runs, nil
}

func (s *MemoryStore) SaveRoundHistory(_ context.Context, runID string, rounds []model.RoundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := make([]model.RoundRecord, len(rounds))
	copy(copied, rounds)
	s.rounds[runID] = copied
	return nil
}

func (s *MemoryStore) GetRoundHistory(_ context.Context, runID string) ([]model.RoundRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rounds, ok := s.rounds[runID]
	if !ok {
		return nil, false, nil
	}
	copied := make([]model.RoundRecord, len(rounds))
	copy(copied, rounds)
	return copied, true, nil
}

func (s *MemoryStore) SaveDetection(_ context.Context, detection model.DetectionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.detections[detection.RunID] = cloneDetection(detection)
	return nil
}

func (s *MemoryStore) GetDetection(_ context.Context, runID string) (model.DetectionRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	detection, ok := s.detections[runID]
	if !ok {
		return model.DetectionRecord{}, false, nil
	}
	return cloneDetection(detection), true, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, checkpoint model.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints[checkpoint.RunID] = cloneCheckpoint(checkpoint)
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, runID string) (model.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpoint, ok := s.checkpoints[runID]
	if !ok {
		return model.Checkpoint{}, false, nil
	}
	return cloneCheckpoint(checkpoint), true, nil
}

func cloneDetection(d model.DetectionRecord) model.DetectionRecord {
	out := d
	out.Truth = append([]int(nil), d.Truth...)
	out.Labels = append([]int(nil), d.Labels...)
	out.Scores = append([]float64(nil), d.Scores...)
	if d.ClassThresholds != nil {
		out.ClassThresholds = make(map[int]float64, len(d.ClassThresholds))
		for k, v := range d.ClassThresholds {
			out.ClassThresholds[k] = v
		}
	}
	out.Localization = make([]model.LocalizationRecord, len(d.Localization))
	for i, l := range d.Localization {
		l.Flagged = append([]int(nil), l.Flagged...)
		out.Localization[i] = l
	}
	return out
}

func cloneCheckpoint(c model.Checkpoint) model.Checkpoint {
	out := c
	out.Params = make(map[string]model.TensorRecord, len(c.Params))
	for name, t := range c.Params {
		out.Params[name] = model.TensorRecord{
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float64(nil), t.Data...),
		}
	}
	return out
}

func sortRuns(runs []model.RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC != runs[j].CreatedAtUTC {
			return runs[i].CreatedAtUTC > runs[j].CreatedAtUTC
		}
		return runs[i].ID < runs[j].ID
	})
}
