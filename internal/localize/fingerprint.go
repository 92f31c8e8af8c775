package localize

import (
	"sort"

	"gonum.org/v1/gonum/stat"

	"flguard/internal/lrp"
	"flguard/internal/tensor"
)

// DefaultBudget is how many of a class's most common neurons form its
// expected path at each logical layer.
func DefaultBudget() map[int]int {
	return map[int]int{1: 12, 2: 28, 3: 3, 4: 1, 5: 1}
}

// path is one sample's neuron set per logical layer.
type path map[int]Set

func pathOf(profile lrp.Profile) path {
	p := make(path, len(profile.NeuronCounts))
	for _, layer := range profile.Layers() {
		if layer == 0 {
			continue
		}
		set, _ := profile.NeuronSet(layer)
		p[layer] = Set(set)
	}
	return p
}

// ClassFingerprint is the aggregate of correctly classified clean samples
// of one label.
type ClassFingerprint struct {
	Label     int
	counters  map[int]map[int]int
	samples   []path
	Scores    []float64
	Threshold float64
	// Calibrated is false until a threshold has been derived.
	Calibrated bool
	expected   map[int]Set
}

func newClassFingerprint(label int) *ClassFingerprint {
	return &ClassFingerprint{Label: label, counters: make(map[int]map[int]int)}
}

func (c *ClassFingerprint) add(p path) {
	c.samples = append(c.samples, p)
	for layer, set := range p {
		counter := c.counters[layer]
		if counter == nil {
			counter = make(map[int]int)
			c.counters[layer] = counter
		}
		for n := range set {
			counter[n]++
		}
	}
}

func (c *ClassFingerprint) Samples() int {
	return len(c.samples)
}

// MostCommon returns up to k neurons at layer by descending count, lower
// index first on ties.
func (c *ClassFingerprint) MostCommon(layer, k int) []int {
	counter := c.counters[layer]
	neurons := make([]int, 0, len(counter))
	for n := range counter {
		neurons = append(neurons, n)
	}
	sort.Slice(neurons, func(i, j int) bool {
		ci, cj := counter[neurons[i]], counter[neurons[j]]
		if ci != cj {
			return ci > cj
		}
		return neurons[i] < neurons[j]
	})
	if k < len(neurons) {
		neurons = neurons[:k]
	}
	return neurons
}

// Similarity is the mean Jaccard similarity between p and the class's
// expected path over the budgeted layers.
func (c *ClassFingerprint) similarity(p path, layers []int) float64 {
	values := make([]float64, len(layers))
	for i, layer := range layers {
		values[i] = Jaccard(p[layer], c.expected[layer])
	}
	return stat.Mean(values, nil)
}

func (c *ClassFingerprint) calibrate(budget map[int]int, layers []int, percentile float64) {
	c.expected = make(map[int]Set, len(layers))
	for _, layer := range layers {
		c.expected[layer] = NewSet(c.MostCommon(layer, budget[layer])...)
	}
	c.Scores = make([]float64, len(c.samples))
	for i, p := range c.samples {
		c.Scores[i] = c.similarity(p, layers)
	}
	if len(c.Scores) == 0 {
		c.Calibrated = false
		return
	}
	c.Threshold = tensor.Percentile(c.Scores, percentile)
	c.Calibrated = true
}

// Fingerprints holds one ClassFingerprint per label seen.
type Fingerprints struct {
	classes map[int]*ClassFingerprint
	layers  []int
}

func NewFingerprints() *Fingerprints {
	return &Fingerprints{classes: make(map[int]*ClassFingerprint)}
}

// Add folds a single-sample profile into label's fingerprint when the
// profile's prediction matches label. It reports whether it did.
func (f *Fingerprints) Add(profile lrp.Profile, label int) bool {
	if profile.Prediction() != label {
		return false
	}
	class := f.classes[label]
	if class == nil {
		class = newClassFingerprint(label)
		f.classes[label] = class
	}
	class.add(pathOf(profile))
	return true
}

func (f *Fingerprints) Class(label int) (*ClassFingerprint, bool) {
	c, ok := f.classes[label]
	return c, ok
}

func (f *Fingerprints) Labels() []int {
	labels := make([]int, 0, len(f.classes))
	for label := range f.classes {
		labels = append(labels, label)
	}
	sort.Ints(labels)
	return labels
}

// Calibrate derives every class's threshold as the given percentile of its
// in-class similarity scores.
func (f *Fingerprints) Calibrate(budget map[int]int, percentile float64) map[int]float64 {
	f.layers = f.layers[:0]
	for layer := range budget {
		f.layers = append(f.layers, layer)
	}
	sort.Ints(f.layers)

	thresholds := make(map[int]float64, len(f.classes))
	for label, class := range f.classes {
		class.calibrate(budget, f.layers, percentile)
		if class.Calibrated {
			thresholds[label] = class.Threshold
		}
	}
	return thresholds
}

// Score returns the similarity of profile to label's fingerprint. ok is
// false when label has no calibrated fingerprint.
func (f *Fingerprints) Score(profile lrp.Profile, label int) (float64, bool) {
	class, ok := f.classes[label]
	if !ok || !class.Calibrated {
		return 0, false
	}
	return class.similarity(pathOf(profile), f.layers), true
}
