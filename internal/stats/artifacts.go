package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"flguard/internal/model"
)

const runIndexFile = "run_index.json"

var roundsHeader = []string{"round", "accuracy", "loss", "train_loss", "defended", "poisoned", "flagged", "millis"}

type RunConfig struct {
	RunID          string  `json:"run_id"`
	Dataset        string  `json:"dataset"`
	FeaturesPath   string  `json:"features_path,omitempty"`
	LabelsPath     string  `json:"labels_path,omitempty"`
	Architecture   string  `json:"architecture"`
	Seed           int64   `json:"seed"`
	Clients        int     `json:"clients"`
	Degree         int     `json:"degree"`
	Rounds         int     `json:"rounds"`
	AttackRound    int     `json:"attack_round"`
	Workers        int     `json:"workers"`
	Optimizer      string  `json:"optimizer"`
	LearningRate   float64 `json:"learning_rate"`
	Epochs         int     `json:"epochs"`
	BatchSize      int     `json:"batch_size"`
	TopK           int     `json:"top_k"`
	Detector       string  `json:"detector"`
	Contamination  float64 `json:"contamination"`
	Neighbors      int     `json:"neighbors"`
	FlipFraction   float64 `json:"flip_fraction"`
	PoisonRate     float64 `json:"poison_rate"`
	MaxPoisoned    int     `json:"max_poisoned"`
	SampleFraction float64 `json:"sample_fraction"`
	Percentile     float64 `json:"percentile"`
	SkipLocalize   bool    `json:"skip_localize,omitempty"`
}

type RunArtifacts struct {
	Config    RunConfig              `json:"config"`
	Rounds    []model.RoundRecord    `json:"rounds"`
	Detection *model.DetectionRecord `json:"detection,omitempty"`
}

type RunIndexEntry struct {
	RunID         string  `json:"run_id"`
	Dataset       string  `json:"dataset"`
	Architecture  string  `json:"architecture"`
	Clients       int     `json:"clients"`
	Rounds        int     `json:"rounds"`
	Seed          int64   `json:"seed"`
	Workers       int     `json:"workers"`
	FinalAccuracy float64 `json:"final_accuracy"`
	Flagged       int     `json:"flagged"`
	CreatedAtUTC  string  `json:"created_at_utc"`
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", fmt.Errorf("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, "config.json"), artifacts.Config); err != nil {
		return "", err
	}
	rounds := artifacts.Rounds
	if rounds == nil {
		rounds = []model.RoundRecord{}
	}
	if err := writeJSON(filepath.Join(runDir, "rounds.json"), rounds); err != nil {
		return "", err
	}
	if err := writeRoundsCSV(filepath.Join(runDir, "rounds.csv"), rounds); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(runDir, "summary.json"), SummarizeRounds(artifacts.Config.RunID, rounds)); err != nil {
		return "", err
	}
	if artifacts.Detection != nil {
		if err := writeJSON(filepath.Join(runDir, "detection.json"), artifacts.Detection); err != nil {
			return "", err
		}
	}

	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Prefer later appended entries for equal timestamps.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

// ExportRunArtifacts copies a run directory's files to outDir/runID.
// detection.json is optional.
func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", fmt.Errorf("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{"config.json", "rounds.json", "rounds.csv", "summary.json"} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	detectionPath := filepath.Join(src, "detection.json")
	if _, err := os.Stat(detectionPath); err == nil {
		if err := copyFile(detectionPath, filepath.Join(dst, "detection.json")); err != nil {
			return "", err
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	var cfg RunConfig
	ok, err := readJSON(filepath.Join(baseDir, runID, "config.json"), &cfg)
	if err != nil || !ok {
		return RunConfig{}, ok, err
	}
	return cfg, true, nil
}

func WriteRunConfig(baseDir, runID string, cfg RunConfig) error {
	if strings.TrimSpace(runID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(cfg.RunID) == "" {
		cfg.RunID = strings.TrimSpace(runID)
	}
	if cfg.RunID != strings.TrimSpace(runID) {
		return fmt.Errorf("run config run id mismatch: got=%s want=%s", cfg.RunID, strings.TrimSpace(runID))
	}
	runDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return err
	}
	return writeJSON(filepath.Join(runDir, "config.json"), cfg)
}

func ReadRounds(baseDir, runID string) ([]model.RoundRecord, bool, error) {
	var rounds []model.RoundRecord
	ok, err := readJSON(filepath.Join(baseDir, runID, "rounds.json"), &rounds)
	if err != nil || !ok {
		return nil, ok, err
	}
	return rounds, true, nil
}

func ReadDetection(baseDir, runID string) (model.DetectionRecord, bool, error) {
	var detection model.DetectionRecord
	ok, err := readJSON(filepath.Join(baseDir, runID, "detection.json"), &detection)
	if err != nil || !ok {
		return model.DetectionRecord{}, ok, err
	}
	return detection, true, nil
}

func ReadSummary(baseDir, runID string) (RoundSummary, bool, error) {
	var summary RoundSummary
	ok, err := readJSON(filepath.Join(baseDir, runID, "summary.json"), &summary)
	if err != nil || !ok {
		return RoundSummary{}, ok, err
	}
	return summary, true, nil
}

func writeRoundsCSV(path string, rounds []model.RoundRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(roundsHeader); err != nil {
		return err
	}
	for _, r := range rounds {
		if err := writer.Write([]string{
			strconv.Itoa(r.Round),
			strconv.FormatFloat(r.Accuracy, 'f', -1, 64),
			strconv.FormatFloat(r.Loss, 'f', -1, 64),
			strconv.FormatFloat(r.TrainLoss, 'f', -1, 64),
			strconv.FormatBool(r.Defended),
			strconv.Itoa(r.Poisoned),
			strconv.Itoa(r.Flagged),
			strconv.FormatInt(r.Millis, 10),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadAccuracySeries reads the accuracy column of rounds.csv.
func ReadAccuracySeries(baseDir, runID string) ([]float64, bool, error) {
	path := filepath.Join(baseDir, runID, "rounds.csv")
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	if len(header) < 2 {
		return nil, false, fmt.Errorf("rounds header must have at least 2 columns")
	}

	series := make([]float64, 0, 16)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		if len(record) < 2 {
			return nil, false, fmt.Errorf("rounds row must have at least 2 columns")
		}
		value, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, value)
	}
	return series, true, nil
}

func readJSON(path string, value any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, value); err != nil {
		return false, err
	}
	return true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
