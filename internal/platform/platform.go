// Package platform owns the store and runs experiments on top of it,
// persisting every run's records as it finishes.
package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"flguard/internal/federation"
	"flguard/internal/metrics"
	"flguard/internal/model"
	"flguard/internal/nn"
	"flguard/internal/storage"
)

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

type Config struct {
	Store   storage.Store
	Logger  hclog.Logger
	Metrics *metrics.Recorder
}

type ExperimentConfig struct {
	RunID      string
	Dataset    string
	Federation federation.Config
	Experiment federation.Experiment
	OnRound    func(federation.RoundStats)
}

type ExperimentResult struct {
	Run       model.RunRecord
	Rounds    []model.RoundRecord
	Detection *model.DetectionRecord
	Result    federation.Result
}

type Platform struct {
	store   storage.Store
	logger  hclog.Logger
	metrics *metrics.Recorder

	mu      sync.RWMutex
	started bool
	runs    map[string]context.CancelFunc
}

func NewPlatform(cfg Config) *Platform {
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Platform{
		store:   cfg.Store,
		logger:  logger,
		metrics: cfg.Metrics,
		runs:    make(map[string]context.CancelFunc),
	}
}

func (p *Platform) Init(ctx context.Context) error {
	if p.store == nil {
		return fmt.Errorf("store is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if err := p.store.Init(ctx); err != nil {
		return err
	}
	p.started = true
	return nil
}

func (p *Platform) Started() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

func (p *Platform) Store() storage.Store {
	return p.store
}

// Stop cancels every active run. Init must be called again before the next
// run.
func (p *Platform) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cancel := range p.runs {
		cancel()
	}
	p.runs = make(map[string]context.CancelFunc)
	p.started = false
}

func (p *Platform) StopRun(runID string) error {
	p.mu.RLock()
	cancel, ok := p.runs[runID]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("run not active: %s", runID)
	}
	cancel()
	return nil
}

// ActiveRuns lists the IDs of runs still in progress.
func (p *Platform) ActiveRuns() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.runs))
	for id := range p.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RunExperiment runs the federation and persists the run, its round
// history, the detection record and the final checkpoint. Records of a
// failed run are persisted as far as it got and the run error is returned
// with them.
func (p *Platform) RunExperiment(ctx context.Context, cfg ExperimentConfig) (ExperimentResult, error) {
	if cfg.RunID == "" {
		return ExperimentResult{}, fmt.Errorf("run id is required")
	}
	if !p.Started() {
		return ExperimentResult{}, fmt.Errorf("platform is not initialized")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := p.registerRun(cfg.RunID, cancel); err != nil {
		return ExperimentResult{}, err
	}
	defer p.unregisterRun(cfg.RunID)

	logger := p.logger.With("run", cfg.RunID)
	coordinator, err := federation.NewCoordinator(cfg.Federation, logger, p.metrics)
	if err != nil {
		return ExperimentResult{}, err
	}
	coordinator.OnRound = cfg.OnRound

	fc := cfg.Federation
	run := model.RunRecord{
		VersionedRecord: storage.CurrentVersion(),
		ID:              cfg.RunID,
		Dataset:         cfg.Dataset,
		Architecture:    fc.Architecture.Name,
		Seed:            fc.Seed,
		Clients:         fc.Clients,
		Rounds:          fc.Rounds,
		AttackRound:     fc.AttackRound,
		Detector:        fc.Defense.Detector,
		CreatedAtUTC:    time.Now().UTC().Format(time.RFC3339Nano),
		Status:          StatusRunning,
	}
	if run.AttackRound < 0 {
		run.AttackRound = fc.Rounds - 1
	}
	if err := p.store.SaveRun(ctx, run); err != nil {
		return ExperimentResult{}, err
	}

	logger.Info("run started", "clients", fc.Clients, "rounds", fc.Rounds, "dataset", cfg.Dataset)
	result, runErr := coordinator.Run(runCtx, cfg.Experiment)

	out := ExperimentResult{Result: result, Rounds: ToRoundRecords(result.Rounds)}
	if result.Architecture.Name != "" {
		run.Architecture = result.Architecture.Name
	}
	if last, ok := result.Last(); ok {
		run.FinalAccuracy = last.Accuracy
		run.FinalLoss = last.Loss
	}
	switch {
	case runErr == nil:
		run.Status = StatusCompleted
	case errors.Is(runErr, context.Canceled):
		run.Status = StatusCanceled
		run.Error = runErr.Error()
	default:
		run.Status = StatusFailed
		run.Error = runErr.Error()
	}

	// Persist with the caller's context so a canceled run still lands.
	if err := p.store.SaveRoundHistory(ctx, cfg.RunID, out.Rounds); err != nil {
		return out, errors.Join(runErr, err)
	}
	if result.Detection != nil {
		detection := ToDetectionRecord(cfg.RunID, *result.Detection)
		if err := p.store.SaveDetection(ctx, detection); err != nil {
			return out, errors.Join(runErr, err)
		}
		out.Detection = &detection
	}
	if len(result.Global) > 0 {
		round := len(result.Rounds) - 1
		if err := p.store.SaveCheckpoint(ctx, ToCheckpoint(cfg.RunID, round, result.Global)); err != nil {
			return out, errors.Join(runErr, err)
		}
	}
	if err := p.store.SaveRun(ctx, run); err != nil {
		return out, errors.Join(runErr, err)
	}
	out.Run = run

	if runErr != nil {
		logger.Error("run failed", "status", run.Status, "rounds", len(result.Rounds), "error", runErr)
		return out, runErr
	}
	logger.Info("run complete", "accuracy", run.FinalAccuracy, "loss", run.FinalLoss)
	return out, nil
}

func (p *Platform) registerRun(runID string, cancel context.CancelFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.runs[runID]; exists {
		return fmt.Errorf("run already active: %s", runID)
	}
	p.runs[runID] = cancel
	return nil
}

func (p *Platform) unregisterRun(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.runs, runID)
}

func ToRoundRecords(rounds []federation.RoundStats) []model.RoundRecord {
	out := make([]model.RoundRecord, 0, len(rounds))
	for _, r := range rounds {
		out = append(out, model.RoundRecord{
			Round:     r.Round,
			Accuracy:  r.Accuracy,
			Loss:      r.Loss,
			TrainLoss: r.TrainLoss,
			Defended:  r.Defended,
			Poisoned:  r.Poisoned,
			Flagged:   r.Flagged,
			Millis:    r.Millis,
		})
	}
	return out
}

func ToDetectionRecord(runID string, d federation.Detection) model.DetectionRecord {
	record := model.DetectionRecord{
		VersionedRecord:   storage.CurrentVersion(),
		RunID:             runID,
		Round:             d.Round,
		Truth:             append([]int(nil), d.Truth...),
		Labels:            append([]int(nil), d.Labels...),
		Scores:            append([]float64(nil), d.Scores...),
		Threshold:         d.Threshold,
		ConsensusSize:     d.ConsensusSize,
		TruePositives:     d.Confusion.TP,
		FalsePositives:    d.Confusion.FP,
		TrueNegatives:     d.Confusion.TN,
		FalseNegatives:    d.Confusion.FN,
		AggregationFailed: d.AggregationFailed,
	}
	if d.Localization == nil {
		return record
	}
	record.ClassThresholds = make(map[int]float64, len(d.Localization.Thresholds))
	for label, threshold := range d.Localization.Thresholds {
		record.ClassThresholds[label] = threshold
	}
	for _, c := range d.Localization.Clients {
		record.Localization = append(record.Localization, model.LocalizationRecord{
			Client:       c.Client,
			Samples:      c.Samples,
			Flagged:      append([]int(nil), c.Flagged...),
			Poisoned:     c.Poisoned,
			Precision:    c.Precision,
			Recall:       c.Recall,
			CleanRemoved: c.CleanRemoved,
		})
	}
	return record
}

func ToCheckpoint(runID string, round int, state nn.Params) model.Checkpoint {
	checkpoint := model.Checkpoint{
		VersionedRecord: storage.CurrentVersion(),
		RunID:           runID,
		Round:           round,
		Params:          make(map[string]model.TensorRecord, len(state)),
	}
	for name, t := range state {
		checkpoint.Params[name] = model.TensorRecord{
			Shape: append([]int(nil), t.Shape...),
			Data:  append([]float64(nil), t.Data...),
		}
	}
	return checkpoint
}
