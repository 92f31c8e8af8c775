package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"flguard/internal/federation"
	"flguard/internal/lrp"
	"flguard/internal/nn"
	"flguard/internal/storage"
	flapi "flguard/pkg/flguard"
)

const (
	benchmarksDir = "benchmarks"
	exportsDir    = "exports"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "run":
		return runRun(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "rounds":
		return runRounds(ctx, args[1:])
	case "detection":
		return runDetection(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "layers":
		return runLayers(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// storeFlags are shared by every subcommand that reads runs.
type storeFlags struct {
	kind          *string
	dsn           *string
	benchmarksDir *string
}

func addStoreFlags(fs *flag.FlagSet) storeFlags {
	return storeFlags{
		kind:          fs.String("store", storage.DefaultStoreKind(), "store backend: memory|sqlite|postgres"),
		dsn:           fs.String("dsn", "flguard.db", "sqlite database path or postgres connection string"),
		benchmarksDir: fs.String("benchmarks-dir", benchmarksDir, "run artifacts directory"),
	}
}

func (f storeFlags) client(logger hclog.Logger, reg prometheus.Registerer) (*flapi.Client, error) {
	return flapi.New(flapi.Options{
		StoreKind:     *f.kind,
		DSN:           *f.dsn,
		BenchmarksDir: *f.benchmarksDir,
		ExportsDir:    exportsDir,
		Logger:        logger,
		Registerer:    reg,
	})
}

func runRun(ctx context.Context, args []string) error {
	defaults := federation.DefaultConfig()
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	configPath := fs.String("config", "", "optional run config YAML path")
	store := addStoreFlags(fs)
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address while running (empty disables)")
	logLevel := fs.String("log-level", "info", "log level: trace|debug|info|warn|error")
	logFile := fs.String("log-file", "", "also append logs to this file")
	jsonOut := fs.Bool("json", false, "emit run summary as JSON")

	datasetName := fs.String("dataset", flapi.DatasetSynthetic, "dataset: synthetic|npy")
	features := fs.String("features", "", "training features .npy path")
	labels := fs.String("labels", "", "training labels .npy path")
	testFeatures := fs.String("test-features", "", "test features .npy path (optional)")
	testLabels := fs.String("test-labels", "", "test labels .npy path (optional)")
	trainFraction := fs.Float64("train-fraction", 0.8, "train share when no test set is given")

	rounds := fs.Int("rounds", defaults.Rounds, "federated rounds")
	attackRound := fs.Int("attack-round", defaults.AttackRound, "zero-based attack round (negative is the last)")
	clients := fs.Int("clients", defaults.Clients, "client count")
	degree := fs.Int("degree", defaults.Degree, "attack classes per client")
	workers := fs.Int("workers", defaults.Workers, "local training workers")
	seed := fs.Int64("seed", defaults.Seed, "rng seed")
	arch := fs.String("arch", defaults.Architecture.Name, "architecture: cnn|mlp")
	hidden := fs.String("hidden", "", "comma separated hidden widths for mlp")
	activation := fs.String("activation", nn.DefaultActivation, "hidden activation: "+strings.Join(nn.ListActivations(), "|"))
	optimizer := fs.String("optimizer", defaults.Train.Optimizer, "local optimizer: adam|sgd")
	lr := fs.Float64("lr", defaults.Train.LearningRate, "learning rate")
	epochs := fs.Int("epochs", defaults.Train.Epochs, "local epochs per round")
	batchSize := fs.Int("batch-size", defaults.Train.BatchSize, "local batch size")
	detector := fs.String("detector", defaults.Defense.Detector, "outlier detector: sos|lof")
	contamination := fs.Float64("contamination", defaults.Defense.Contamination, "expected poisoned share of clients")
	neighbors := fs.Int("neighbors", defaults.Defense.Neighbors, "detector neighbourhood size")
	coOccurrence := fs.Int("co-occurrence", defaults.Defense.CoOccurrence, "consensus co-occurrence threshold")
	maxPoisoned := fs.Int("max-poisoned", defaults.Poison.MaxClients, "maximum poisoned clients")
	sampleFraction := fs.Float64("sample-fraction", defaults.Localize.SampleFraction, "share of clean client samples fingerprinted")
	profileLayers := fs.Int("profile-layers", defaults.ProfileLayers, "logical layers to profile (0 is all)")
	profileThreshold := fs.Float64("profile-threshold", defaults.Localize.Profiling.Threshold, "share of relevant neurons kept per logical layer")
	ruleThresholds := fs.String("rule-thresholds", "", "per-rule profiling thresholds, e.g. linear=0.1,conv1d=0.1")
	skipLocalize := fs.Bool("skip-localize", false, "skip sample-level localization")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	req, err := loadOrDefaultRunRequest(*configPath)
	if err != nil {
		return err
	}
	hiddenWidths, err := parseWidths(*hidden)
	if err != nil {
		return err
	}
	perRule, err := parseRuleThresholds(*ruleThresholds)
	if err != nil {
		return err
	}
	if err := overrideFromFlags(&req, setFlags, map[string]any{
		"dataset":           *datasetName,
		"features":          *features,
		"labels":            *labels,
		"test-features":     *testFeatures,
		"test-labels":       *testLabels,
		"train-fraction":    *trainFraction,
		"rounds":            *rounds,
		"attack-round":      *attackRound,
		"clients":           *clients,
		"degree":            *degree,
		"workers":           *workers,
		"seed":              *seed,
		"arch":              *arch,
		"hidden":            hiddenWidths,
		"activation":        *activation,
		"optimizer":         *optimizer,
		"lr":                *lr,
		"epochs":            *epochs,
		"batch-size":        *batchSize,
		"detector":          *detector,
		"contamination":     *contamination,
		"neighbors":         *neighbors,
		"co-occurrence":     *coOccurrence,
		"max-poisoned":      *maxPoisoned,
		"sample-fraction":   *sampleFraction,
		"profile-layers":    *profileLayers,
		"skip-localize":     *skipLocalize,
		"profile-threshold": *profileThreshold,
		"rule-thresholds":   perRule,
	}); err != nil {
		return err
	}

	logger, closeLog, err := newLogger(*logLevel, *logFile)
	if err != nil {
		return err
	}
	defer closeLog()

	reg := prometheus.NewRegistry()
	if *metricsAddr != "" {
		shutdown, err := serveMetrics(*metricsAddr, reg, logger.Named("metrics"))
		if err != nil {
			return err
		}
		defer shutdown()
	}

	client, err := store.client(logger, reg)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	summary, runErr := client.Run(ctx, req)
	if summary.RunID == "" {
		return runErr
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return err
		}
		return runErr
	}

	fmt.Printf("run %s run_id=%s dataset=%s clients=%d rounds=%d seed=%d\n", summary.Status, summary.RunID, req.Dataset, req.Config.Clients, req.Config.Rounds, req.Config.Seed)
	for _, r := range summary.Rounds {
		fmt.Printf("round=%d accuracy=%.6f loss=%.6f train_loss=%.6f defended=%t flagged=%d\n", r.Round, r.Accuracy, r.Loss, r.TrainLoss, r.Defended, r.Flagged)
	}
	if d := summary.Detection; d != nil {
		fmt.Printf("detection round=%d tp=%d fp=%d tn=%d fn=%d consensus=%d aggregation_failed=%t\n",
			d.Round, d.TruePositives, d.FalsePositives, d.TrueNegatives, d.FalseNegatives, d.ConsensusSize, d.AggregationFailed)
	}
	fmt.Printf("final_accuracy=%.6f\n", summary.FinalAccuracy)
	if summary.ArtifactsDir != "" {
		fmt.Printf("artifacts_dir=%s\n", filepath.Clean(summary.ArtifactsDir))
	}
	return runErr
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	store := addStoreFlags(fs)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	client, err := store.client(nil, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	runs, err := client.Runs(ctx, flapi.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	if len(runs) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, r := range runs {
		fmt.Printf("run_id=%s created_at=%s dataset=%s arch=%s seed=%d clients=%d rounds=%d status=%s final_accuracy=%.6f\n",
			r.RunID, r.CreatedAtUTC, r.Dataset, r.Architecture, r.Seed, r.Clients, r.Rounds, r.Status, r.FinalAccuracy)
	}
	return nil
}

func runRounds(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rounds", flag.ContinueOnError)
	store := addStoreFlags(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run")
	jsonOut := fs.Bool("json", false, "emit rounds as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := store.client(nil, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	rounds, err := client.Rounds(ctx, flapi.HistoryRequest{RunID: *runID, Latest: *latest})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rounds)
	}
	for _, r := range rounds {
		fmt.Printf("round=%d accuracy=%.6f loss=%.6f train_loss=%.6f defended=%t poisoned=%d flagged=%d millis=%d\n",
			r.Round, r.Accuracy, r.Loss, r.TrainLoss, r.Defended, r.Poisoned, r.Flagged, r.Millis)
	}
	return nil
}

func runDetection(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("detection", flag.ContinueOnError)
	store := addStoreFlags(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run")
	jsonOut := fs.Bool("json", false, "emit detection as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := store.client(nil, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	d, err := client.Detection(ctx, flapi.HistoryRequest{RunID: *runID, Latest: *latest})
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	}
	fmt.Printf("run_id=%s round=%d tp=%d fp=%d tn=%d fn=%d threshold=%.6f consensus=%d aggregation_failed=%t\n",
		d.RunID, d.Round, d.TruePositives, d.FalsePositives, d.TrueNegatives, d.FalseNegatives, d.Threshold, d.ConsensusSize, d.AggregationFailed)
	for i, label := range d.Labels {
		truth := 0
		if i < len(d.Truth) {
			truth = d.Truth[i]
		}
		score := 0.0
		if i < len(d.Scores) {
			score = d.Scores[i]
		}
		fmt.Printf("client=%d label=%d truth=%d score=%.6f\n", i, label, truth, score)
	}
	for _, l := range d.Localization {
		fmt.Printf("localized client=%d samples=%d flagged=%d poisoned=%d precision=%.4f recall=%.4f clean_removed=%.4f\n",
			l.Client, l.Samples, len(l.Flagged), l.Poisoned, l.Precision, l.Recall, l.CleanRemoved)
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	store := addStoreFlags(fs)
	runID := fs.String("run-id", "", "run id to export")
	latest := fs.Bool("latest", false, "export the most recent run")
	outDir := fs.String("out", exportsDir, "export output directory")
	checkpoint := fs.Bool("checkpoint", false, "also write the final global model as .npy files")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := store.client(nil, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	exported, err := client.Export(ctx, flapi.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir, Checkpoint: *checkpoint})
	if err != nil {
		return err
	}
	fmt.Printf("exported run_id=%s dir=%s params=%d\n", exported.RunID, exported.Directory, len(exported.Params))
	return nil
}

func runLayers(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("layers", flag.ContinueOnError)
	arch := fs.String("arch", nn.ArchCNN, "architecture: cnn|mlp")
	features := fs.Int("features", 16, "input feature count")
	classes := fs.Int("classes", 2, "output classes")
	hidden := fs.String("hidden", "", "comma separated hidden widths for mlp")
	activation := fs.String("activation", nn.DefaultActivation, "hidden activation: "+strings.Join(nn.ListActivations(), "|"))
	maxLayers := fs.Int("max-layers", 0, "logical layers to group (0 is all)")
	jsonOut := fs.Bool("json", false, "emit layers as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	widths, err := parseWidths(*hidden)
	if err != nil {
		return err
	}

	client, err := flapi.New(flapi.Options{StoreKind: storage.KindMemory})
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()

	layers, err := client.Layers(nn.Architecture{Name: *arch, Features: *features, Classes: *classes, Hidden: widths, Activation: *activation}, *maxLayers)
	if err != nil {
		return err
	}
	if *jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(layers)
	}
	for _, l := range layers {
		fmt.Printf("layer=%d rule=%s names=%s\n", l.Index, l.Rule, strings.Join(l.Names, ","))
	}
	return nil
}

func parseWidths(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	widths := make([]int, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || v < 1 {
			return nil, fmt.Errorf("invalid hidden width %q", part)
		}
		widths = append(widths, v)
	}
	return widths, nil
}

// parseRuleThresholds reads rule=threshold pairs such as linear=0.1,conv1d=0.1.
func parseRuleThresholds(raw string) (map[lrp.Rule]float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	out := make(map[lrp.Rule]float64)
	for _, pair := range strings.Split(raw, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("invalid rule threshold %q, want rule=value", pair)
		}
		rule, err := lrp.ParseRule(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		t, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid threshold for %s: %w", name, err)
		}
		out[rule] = t
	}
	return out, nil
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: flguardctl <run|runs|rounds|detection|export|layers> [flags]", msg)
}
