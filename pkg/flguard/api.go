// Package flguard is the programmatic entry point for running defended
// federated experiments and reading back what they recorded.
package flguard

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"flguard/internal/dataset"
	"flguard/internal/federation"
	"flguard/internal/lrp"
	"flguard/internal/metrics"
	"flguard/internal/model"
	"flguard/internal/nn"
	"flguard/internal/platform"
	"flguard/internal/stats"
	"flguard/internal/storage"
)

const (
	defaultBenchmarksDir = "benchmarks"
	defaultExportsDir    = "exports"
	defaultDBPath        = "flguard.db"
	defaultTrainFraction = 0.8

	DatasetSynthetic = "synthetic"
	DatasetNPY       = "npy"
)

type Options struct {
	StoreKind string
	// DSN is the sqlite path or postgres connection string.
	DSN           string
	BenchmarksDir string
	ExportsDir    string
	Logger        hclog.Logger
	// Registerer receives the experiment collectors; nil disables metrics.
	Registerer prometheus.Registerer
}

type Client struct {
	store    storage.Store
	platform *platform.Platform
	logger   hclog.Logger

	benchmarksDir string
	exportsDir    string
}

type RunRequest struct {
	// Dataset is DatasetSynthetic or DatasetNPY.
	Dataset      string
	FeaturesPath string
	LabelsPath   string
	// Optional held-out test set. Without one the loaded data is split by
	// TrainFraction.
	TestFeaturesPath string
	TestLabelsPath   string
	TrainFraction    float64
	Synthetic        dataset.SyntheticConfig
	// Config overrides federation.DefaultConfig when set.
	Config  *federation.Config
	OnRound func(federation.RoundStats)
}

type RunSummary struct {
	RunID         string
	Status        string
	ArtifactsDir  string
	Rounds        []model.RoundRecord
	FinalAccuracy float64
	FinalLoss     float64
	Detection     *model.DetectionRecord
}

type RunsRequest struct {
	Limit int
}

type RunItem struct {
	RunID         string
	CreatedAtUTC  string
	Dataset       string
	Architecture  string
	Seed          int64
	Clients       int
	Rounds        int
	Status        string
	FinalAccuracy float64
}

type HistoryRequest struct {
	RunID  string
	Latest bool
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
	// Checkpoint also writes every global model tensor as a .npy file.
	Checkpoint bool
}

type ExportSummary struct {
	RunID     string
	Directory string
	Params    []string
}

type LayerItem struct {
	Index int
	Rule  string
	Names []string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = storage.DefaultStoreKind()
	}
	dsn := opts.DSN
	if dsn == "" && storeKind == storage.KindSQLite {
		dsn = defaultDBPath
	}
	benchmarksDir := opts.BenchmarksDir
	if benchmarksDir == "" {
		benchmarksDir = defaultBenchmarksDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	store, err := storage.NewStore(storeKind, dsn)
	if err != nil {
		return nil, err
	}
	var recorder *metrics.Recorder
	if opts.Registerer != nil {
		recorder, err = metrics.NewRecorder(opts.Registerer)
		if err != nil {
			return nil, err
		}
	}

	return &Client{
		store:         store,
		platform:      platform.NewPlatform(platform.Config{Store: store, Logger: logger, Metrics: recorder}),
		logger:        logger,
		benchmarksDir: benchmarksDir,
		exportsDir:    exportsDir,
	}, nil
}

func (c *Client) Close() error {
	c.platform.Stop()
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.platform.Init(ctx)
}

func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	if req.Dataset == "" {
		req.Dataset = DatasetSynthetic
	}
	if req.TrainFraction <= 0 {
		req.TrainFraction = defaultTrainFraction
	}
	cfg := federation.DefaultConfig()
	if req.Config != nil {
		cfg = *req.Config
	}
	if err := cfg.Validate(); err != nil {
		return RunSummary{}, err
	}

	exp, err := loadExperiment(req, cfg.Seed)
	if err != nil {
		return RunSummary{}, err
	}
	if err := c.platform.Init(ctx); err != nil {
		return RunSummary{}, err
	}

	runID := fmt.Sprintf("%s-%d-%s", req.Dataset, cfg.Seed, uuid.NewString()[:8])
	out, runErr := c.platform.RunExperiment(ctx, platform.ExperimentConfig{
		RunID:      runID,
		Dataset:    req.Dataset,
		Federation: cfg,
		Experiment: exp,
		OnRound:    req.OnRound,
	})
	if out.Run.ID == "" {
		return RunSummary{}, runErr
	}

	summary := RunSummary{
		RunID:         runID,
		Status:        out.Run.Status,
		Rounds:        out.Rounds,
		FinalAccuracy: out.Run.FinalAccuracy,
		FinalLoss:     out.Run.FinalLoss,
		Detection:     out.Detection,
	}
	runDir, err := stats.WriteRunArtifacts(c.benchmarksDir, stats.RunArtifacts{
		Config:    runConfig(runID, req, cfg),
		Rounds:    out.Rounds,
		Detection: out.Detection,
	})
	if err != nil {
		return summary, errors.Join(runErr, err)
	}
	summary.ArtifactsDir = runDir

	flagged := 0
	if out.Detection != nil {
		flagged = out.Detection.TruePositives + out.Detection.FalsePositives
	}
	if err := stats.AppendRunIndex(c.benchmarksDir, stats.RunIndexEntry{
		RunID:         runID,
		Dataset:       req.Dataset,
		Architecture:  out.Run.Architecture,
		Clients:       cfg.Clients,
		Rounds:        cfg.Rounds,
		Seed:          cfg.Seed,
		Workers:       cfg.Workers,
		FinalAccuracy: out.Run.FinalAccuracy,
		Flagged:       flagged,
		CreatedAtUTC:  out.Run.CreatedAtUTC,
	}); err != nil {
		return summary, errors.Join(runErr, err)
	}
	return summary, runErr
}

func (c *Client) Runs(ctx context.Context, req RunsRequest) ([]RunItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if err := c.platform.Init(ctx); err != nil {
		return nil, err
	}
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return c.indexedRuns(req.Limit)
	}
	if len(runs) > req.Limit {
		runs = runs[:req.Limit]
	}

	out := make([]RunItem, 0, len(runs))
	for _, r := range runs {
		out = append(out, RunItem{
			RunID:         r.ID,
			CreatedAtUTC:  r.CreatedAtUTC,
			Dataset:       r.Dataset,
			Architecture:  r.Architecture,
			Seed:          r.Seed,
			Clients:       r.Clients,
			Rounds:        r.Rounds,
			Status:        r.Status,
			FinalAccuracy: r.FinalAccuracy,
		})
	}
	return out, nil
}

// indexedRuns reads the artifact run index, which outlives the memory store.
func (c *Client) indexedRuns(limit int) ([]RunItem, error) {
	entries, err := stats.ListRunIndex(c.benchmarksDir)
	if err != nil {
		return nil, err
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	out := make([]RunItem, 0, len(entries))
	for _, e := range entries {
		out = append(out, RunItem{
			RunID:         e.RunID,
			CreatedAtUTC:  e.CreatedAtUTC,
			Dataset:       e.Dataset,
			Architecture:  e.Architecture,
			Seed:          e.Seed,
			Clients:       e.Clients,
			Rounds:        e.Rounds,
			Status:        "indexed",
			FinalAccuracy: e.FinalAccuracy,
		})
	}
	return out, nil
}

// Rounds returns a run's round history from the store, falling back to the
// run's artifacts when the store no longer has it.
func (c *Client) Rounds(ctx context.Context, req HistoryRequest) ([]model.RoundRecord, error) {
	runID, err := c.resolveRunID(ctx, req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	rounds, ok, err := c.store.GetRoundHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if ok {
		return rounds, nil
	}
	rounds, ok, err = stats.ReadRounds(c.benchmarksDir, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("round history not found for run %s", runID)
	}
	return rounds, nil
}

func (c *Client) Detection(ctx context.Context, req HistoryRequest) (model.DetectionRecord, error) {
	runID, err := c.resolveRunID(ctx, req.RunID, req.Latest)
	if err != nil {
		return model.DetectionRecord{}, err
	}
	detection, ok, err := c.store.GetDetection(ctx, runID)
	if err != nil {
		return model.DetectionRecord{}, err
	}
	if ok {
		return detection, nil
	}
	detection, ok, err = stats.ReadDetection(c.benchmarksDir, runID)
	if err != nil {
		return model.DetectionRecord{}, err
	}
	if !ok {
		return model.DetectionRecord{}, fmt.Errorf("detection not found for run %s", runID)
	}
	return detection, nil
}

func (c *Client) Export(ctx context.Context, req ExportRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID := req.RunID
	if req.Latest {
		entries, err := stats.ListRunIndex(c.benchmarksDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, errors.New("no runs available to export")
		}
		runID = entries[0].RunID
	}

	exportedDir, err := stats.ExportRunArtifacts(c.benchmarksDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	summary := ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}
	if !req.Checkpoint {
		return summary, nil
	}

	if err := c.platform.Init(ctx); err != nil {
		return summary, err
	}
	checkpoint, ok, err := c.store.GetCheckpoint(ctx, runID)
	if err != nil {
		return summary, err
	}
	if !ok {
		return summary, fmt.Errorf("checkpoint not found for run %s", runID)
	}
	paramsDir := filepath.Join(exportedDir, "checkpoint")
	if err := os.MkdirAll(paramsDir, 0o755); err != nil {
		return summary, err
	}
	for _, name := range storage.CheckpointParamNames(checkpoint) {
		if err := writeParam(filepath.Join(paramsDir, name+".npy"), checkpoint, name); err != nil {
			return summary, err
		}
		summary.Params = append(summary.Params, name)
	}
	return summary, nil
}

// Layers previews the logical layers the localizer would profile for arch.
func (c *Client) Layers(arch nn.Architecture, maxLayers int) ([]LayerItem, error) {
	if arch.Classes == 0 {
		arch.Classes = 2
	}
	net, err := nn.Build(arch, 0)
	if err != nil {
		return nil, err
	}
	grouping, err := lrp.BuildGrouping(nn.NewHook(net), maxLayers, c.logger.Named("layers"))
	if err != nil {
		return nil, err
	}
	out := make([]LayerItem, 0, grouping.Len())
	for _, layer := range grouping.Layers() {
		out = append(out, LayerItem{
			Index: layer.Index,
			Rule:  layer.Rule.String(),
			Names: append([]string(nil), layer.Names...),
		})
	}
	return out, nil
}

func (c *Client) resolveRunID(ctx context.Context, runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if runID == "" && !latest {
		return "", errors.New("run id or latest is required")
	}
	if err := c.platform.Init(ctx); err != nil {
		return "", err
	}
	if runID != "" {
		return runID, nil
	}
	runs, err := c.store.ListRuns(ctx)
	if err != nil {
		return "", err
	}
	if len(runs) > 0 {
		return runs[0].ID, nil
	}
	entries, err := stats.ListRunIndex(c.benchmarksDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}

func loadExperiment(req RunRequest, seed int64) (federation.Experiment, error) {
	var all dataset.Dataset
	switch strings.ToLower(req.Dataset) {
	case DatasetSynthetic:
		syn := req.Synthetic
		if syn == (dataset.SyntheticConfig{}) {
			syn = dataset.DefaultSyntheticConfig()
			syn.Seed = seed
		}
		var err error
		all, err = dataset.Synthetic(syn)
		if err != nil {
			return federation.Experiment{}, err
		}
	case DatasetNPY:
		if req.FeaturesPath == "" || req.LabelsPath == "" {
			return federation.Experiment{}, errors.New("npy dataset requires features and labels paths")
		}
		var err error
		all, err = dataset.LoadNPY(req.FeaturesPath, req.LabelsPath)
		if err != nil {
			return federation.Experiment{}, err
		}
		if req.TestFeaturesPath != "" || req.TestLabelsPath != "" {
			test, err := dataset.LoadNPY(req.TestFeaturesPath, req.TestLabelsPath)
			if err != nil {
				return federation.Experiment{}, fmt.Errorf("test set: %w", err)
			}
			return federation.Experiment{Train: all, Test: test}, nil
		}
	default:
		return federation.Experiment{}, fmt.Errorf("unsupported dataset: %s", req.Dataset)
	}

	trainSet, testSet, err := all.Split(req.TrainFraction, rand.New(rand.NewSource(seed)))
	if err != nil {
		return federation.Experiment{}, err
	}
	return federation.Experiment{Train: trainSet, Test: testSet}, nil
}

func runConfig(runID string, req RunRequest, cfg federation.Config) stats.RunConfig {
	attackRound := cfg.AttackRound
	if attackRound < 0 {
		attackRound = cfg.Rounds - 1
	}
	return stats.RunConfig{
		RunID:          runID,
		Dataset:        req.Dataset,
		FeaturesPath:   req.FeaturesPath,
		LabelsPath:     req.LabelsPath,
		Architecture:   cfg.Architecture.Name,
		Seed:           cfg.Seed,
		Clients:        cfg.Clients,
		Degree:         cfg.Degree,
		Rounds:         cfg.Rounds,
		AttackRound:    attackRound,
		Workers:        cfg.Workers,
		Optimizer:      cfg.Train.Optimizer,
		LearningRate:   cfg.Train.LearningRate,
		Epochs:         cfg.Train.Epochs,
		BatchSize:      cfg.Train.BatchSize,
		TopK:           cfg.TopK.Cap,
		Detector:       cfg.Defense.Detector,
		Contamination:  cfg.Defense.Contamination,
		Neighbors:      cfg.Defense.Neighbors,
		FlipFraction:   cfg.Poison.FlipFraction,
		PoisonRate:     cfg.Poison.Rate,
		MaxPoisoned:    cfg.Poison.MaxClients,
		SampleFraction: cfg.Localize.SampleFraction,
		Percentile:     cfg.Localize.Percentile,
		SkipLocalize:   cfg.SkipLocalize,
	}
}

func writeParam(path string, checkpoint model.Checkpoint, name string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := storage.ExportCheckpointNPY(file, checkpoint, name); err != nil {
		return err
	}
	return file.Sync()
}
