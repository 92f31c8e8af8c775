// Package defense flags poisoned client updates by comparing where each
// client's important parameters moved, and aggregates only the rest.
package defense

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"flguard/internal/importance"
	"flguard/internal/nn"
)

// Config holds the defense's empirical constants. The defaults were tuned
// for 100 clients of which up to 40 are poisoned and need recalibrating
// for other population sizes.
type Config struct {
	CoOccurrence  int     `json:"co_occurrence" yaml:"co_occurrence"`
	Contamination float64 `json:"contamination" yaml:"contamination"`
	Neighbors     int     `json:"neighbors" yaml:"neighbors"`
	Detector      string  `json:"detector" yaml:"detector"`
}

func DefaultConfig() Config {
	return Config{CoOccurrence: 90, Contamination: 0.4, Neighbors: 90, Detector: DetectorSOS}
}

func (c Config) Validate() error {
	if c.CoOccurrence < 0 {
		return fmt.Errorf("co-occurrence threshold must be >= 0, got %d", c.CoOccurrence)
	}
	if c.Contamination <= 0 || c.Contamination >= 1 {
		return fmt.Errorf("contamination must be in (0, 1), got %f", c.Contamination)
	}
	if c.Neighbors < 2 {
		return fmt.Errorf("neighbors must be >= 2, got %d", c.Neighbors)
	}
	return nil
}

// Result is everything one defended round produced.
type Result struct {
	Global    nn.Params
	Labels    []int
	Scores    []float64
	Threshold float64
	Consensus map[string][]int
	Features  [][]float64
}

// ConsensusSize counts the features that survived the co-occurrence cut.
func (r Result) ConsensusSize() int {
	n := 0
	for _, indices := range r.Consensus {
		n += len(indices)
	}
	return n
}

type Defender struct {
	cfg      Config
	detector Detector
	logger   hclog.Logger
}

func New(cfg Config, logger hclog.Logger) (*Defender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	detector, err := NewDetector(cfg.Detector, cfg.Contamination, cfg.Neighbors)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Defender{cfg: cfg, detector: detector, logger: logger}, nil
}

// withDetector swaps the outlier detector.
func (d *Defender) withDetector(detector Detector) *Defender {
	out := *d
	out.detector = detector
	return &out
}

// Defend labels every client and averages the parameters of those labeled
// clean. When every client is labeled poisoned the labels are still
// returned alongside an *AggregationError.
func (d *Defender) Defend(selections []importance.Selection, clients []nn.Params, pre nn.Params) (Result, error) {
	if len(selections) != len(clients) {
		return Result{}, fmt.Errorf("%d selections for %d clients", len(selections), len(clients))
	}
	if len(clients) == 0 {
		return Result{}, ErrNoUpdates
	}

	consensus := ConsensusIndex(selections, d.cfg.CoOccurrence)
	raw, err := FeatureMatrix(clients, pre, consensus)
	if err != nil {
		return Result{}, fmt.Errorf("feature matrix: %w", err)
	}
	features := MinMaxScale(raw)

	verdict, err := d.detector.Fit(features)
	if err != nil {
		return Result{}, fmt.Errorf("%s detector: %w", d.detector.Name(), err)
	}
	result := Result{
		Labels:    verdict.Labels,
		Scores:    verdict.Scores,
		Threshold: verdict.Threshold,
		Consensus: consensus,
		Features:  features,
	}
	flagged := 0
	for _, label := range verdict.Labels {
		flagged += label
	}
	width := 0
	if len(features) > 0 {
		width = len(features[0])
	}
	d.logger.Info("clients labeled", "clients", len(clients), "flagged", flagged, "features", width, "detector", d.detector.Name())

	global, err := Aggregate(clients, verdict.Labels)
	if err != nil {
		var aggErr *AggregationError
		if errors.As(err, &aggErr) {
			d.logger.Error("no clean clients left to aggregate", "clients", aggErr.Clients)
		}
		return result, err
	}
	result.Global = global
	return result, nil
}
