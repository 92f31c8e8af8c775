// Package localize finds the individual poisoned samples inside clients the
// defense flagged, by comparing each sample's relevance path with the paths
// clean clients produce for the same class.
package localize

import (
	"fmt"
	"math/rand"
	"sort"

	"github.com/hashicorp/go-hclog"

	"flguard/internal/lrp"
	"flguard/internal/tensor"
)

// Profiler produces a single-sample relevance profile. *lrp.Profiler
// satisfies it.
type Profiler interface {
	Profile(x tensor.Tensor, opts lrp.Options) lrp.Profile
}

type Config struct {
	SampleFraction float64     `json:"sample_fraction" yaml:"sample_fraction"`
	Percentile     float64     `json:"percentile" yaml:"percentile"`
	Budget         map[int]int `json:"budget" yaml:"budget"`
	Profiling      lrp.Options `json:"profiling" yaml:"profiling"`
	Seed           int64       `json:"seed" yaml:"seed"`
}

func DefaultConfig() Config {
	return Config{
		SampleFraction: 0.03,
		Percentile:     5,
		Budget:         DefaultBudget(),
		Profiling:      lrp.Options{Threshold: lrp.DefaultThreshold},
	}
}

func (c Config) Validate() error {
	if c.SampleFraction <= 0 || c.SampleFraction > 1 {
		return fmt.Errorf("sample fraction must be in (0, 1], got %f", c.SampleFraction)
	}
	if c.Percentile < 0 || c.Percentile > 100 {
		return fmt.Errorf("percentile must be in [0, 100], got %f", c.Percentile)
	}
	if len(c.Budget) == 0 {
		return fmt.Errorf("neuron budget is empty")
	}
	for layer, k := range c.Budget {
		if layer < 1 || k < 1 {
			return fmt.Errorf("invalid budget entry %d:%d", layer, k)
		}
	}
	if err := c.Profiling.Validate(); err != nil {
		return fmt.Errorf("profiling: %w", err)
	}
	return nil
}

// Client is one participant's local data. Poisoned holds ground-truth
// poisoned sample indices when they are known.
type Client struct {
	ID       int
	X        []tensor.Tensor
	Y        []int
	Poisoned []int
}

type ClientReport struct {
	Client   int   `json:"client"`
	Samples  int   `json:"samples"`
	Flagged  []int `json:"flagged"`
	Poisoned int   `json:"poisoned"`
	// Precision is the share of flagged samples that were poisoned and
	// Recall the share of poisoned samples that were flagged.
	Precision    float64 `json:"precision"`
	Recall       float64 `json:"recall"`
	CleanRemoved float64 `json:"clean_removed"`
}

type Report struct {
	Thresholds   map[int]float64 `json:"thresholds"`
	ClassSamples map[int]int     `json:"class_samples"`
	Clients      []ClientReport  `json:"clients"`
	Aborts       int             `json:"aborts"`
}

type Localizer struct {
	profiler Profiler
	cfg      Config
	logger   hclog.Logger
	aborts   int
}

func New(profiler Profiler, cfg Config, logger hclog.Logger) (*Localizer, error) {
	if profiler == nil {
		return nil, fmt.Errorf("nil profiler")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Localizer{profiler: profiler, cfg: cfg, logger: logger}, nil
}

func (l *Localizer) profile(x tensor.Tensor) lrp.Profile {
	p := l.profiler.Profile(x, l.cfg.Profiling)
	if p.Err != nil {
		l.aborts++
	}
	return p
}

// Fingerprint samples floor(SampleFraction * n) of each clean client's
// data and folds the correctly classified ones into per-class fingerprints.
func (l *Localizer) Fingerprint(clean []Client) (*Fingerprints, error) {
	rng := rand.New(rand.NewSource(l.cfg.Seed))
	fp := NewFingerprints()
	for _, client := range clean {
		if len(client.X) != len(client.Y) {
			return nil, fmt.Errorf("client %d: %d samples for %d labels", client.ID, len(client.X), len(client.Y))
		}
		n := int(l.cfg.SampleFraction * float64(len(client.X)))
		folded := 0
		for _, idx := range rng.Perm(len(client.X))[:n] {
			if fp.Add(l.profile(client.X[idx]), client.Y[idx]) {
				folded++
			}
		}
		l.logger.Debug("client fingerprinted", "client", client.ID, "sampled", n, "folded", folded)
	}
	return fp, nil
}

// Flag returns the indices of client samples whose similarity to their
// class's fingerprint falls below the class threshold.
func (l *Localizer) Flag(fp *Fingerprints, client Client) ([]int, error) {
	if len(client.X) != len(client.Y) {
		return nil, fmt.Errorf("client %d: %d samples for %d labels", client.ID, len(client.X), len(client.Y))
	}
	var flagged []int
	warned := make(map[int]bool)
	for i, x := range client.X {
		label := client.Y[i]
		class, ok := fp.Class(label)
		if !ok || !class.Calibrated {
			if !warned[label] {
				l.logger.Warn("no threshold for class, samples kept", "client", client.ID, "class", label)
				warned[label] = true
			}
			continue
		}
		score, _ := fp.Score(l.profile(x), label)
		if score < class.Threshold {
			flagged = append(flagged, i)
		}
	}
	return flagged, nil
}

// Run fingerprints the clean clients, calibrates, and flags samples in
// every poisoned client.
func (l *Localizer) Run(clean, poisoned []Client) (Report, error) {
	l.aborts = 0
	fp, err := l.Fingerprint(clean)
	if err != nil {
		return Report{}, err
	}
	report := Report{
		Thresholds:   fp.Calibrate(l.cfg.Budget, l.cfg.Percentile),
		ClassSamples: make(map[int]int),
	}
	for _, label := range fp.Labels() {
		class, _ := fp.Class(label)
		report.ClassSamples[label] = class.Samples()
	}
	l.logger.Info("fingerprints calibrated", "classes", len(report.Thresholds), "clean_clients", len(clean))

	for _, client := range poisoned {
		flagged, err := l.Flag(fp, client)
		if err != nil {
			return report, err
		}
		cr := evaluate(client, flagged)
		l.logger.Info("client localized", "client", client.ID, "flagged", len(flagged),
			"precision", cr.Precision, "recall", cr.Recall, "clean_removed", cr.CleanRemoved)
		report.Clients = append(report.Clients, cr)
	}
	report.Aborts = l.aborts
	if l.aborts > 0 {
		l.logger.Warn("profiles aborted early", "count", l.aborts)
	}
	return report, nil
}

func evaluate(client Client, flagged []int) ClientReport {
	cr := ClientReport{
		Client:   client.ID,
		Samples:  len(client.X),
		Flagged:  append([]int(nil), flagged...),
		Poisoned: len(client.Poisoned),
	}
	sort.Ints(cr.Flagged)
	if cr.Flagged == nil {
		cr.Flagged = []int{}
	}
	truth := make(map[int]struct{}, len(client.Poisoned))
	for _, idx := range client.Poisoned {
		truth[idx] = struct{}{}
	}
	hits := 0
	for _, idx := range flagged {
		if _, ok := truth[idx]; ok {
			hits++
		}
	}
	if len(flagged) > 0 {
		cr.Precision = float64(hits) / float64(len(flagged))
	}
	if len(truth) > 0 {
		cr.Recall = float64(hits) / float64(len(truth))
	}
	if clean := cr.Samples - len(truth); clean > 0 {
		cr.CleanRemoved = float64(len(flagged)-hits) / float64(clean)
	}
	return cr
}
