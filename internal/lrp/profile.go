package lrp

import "sort"

// Synapse identifies a contribution edge recorded at a logical layer.
type Synapse struct {
	From  int `json:"from"`
	To    int `json:"to"`
	Layer int `json:"layer"`
}

// Profile accumulates relevance statistics per logical layer. Merging
// appends and sums; nothing is overwritten.
type Profile struct {
	NeuronCounts   map[int][][]int         `json:"neuron_counts"`
	SynapseCounts  map[int]map[Synapse]int `json:"-"`
	SynapseWeights map[int][]float64       `json:"synapse_weights"`
	NumInputs      int                     `json:"num_inputs"`
	// Err is the cause of an aborted walk; the layers before it are intact.
	Err error `json:"-"`
}

func NewProfile() Profile {
	return Profile{
		NeuronCounts:   make(map[int][][]int),
		SynapseCounts:  make(map[int]map[Synapse]int),
		SynapseWeights: make(map[int][]float64),
	}
}

func (p *Profile) record(layer int, c Contribution) {
	p.NeuronCounts[layer] = append(p.NeuronCounts[layer], c.Neurons)
	counts := p.SynapseCounts[layer]
	if counts == nil {
		counts = make(map[Synapse]int)
		p.SynapseCounts[layer] = counts
	}
	for syn, n := range c.Synapses {
		counts[syn] += n
	}
	p.SynapseWeights[layer] = append(p.SynapseWeights[layer], c.Weights...)
}

// Merge folds other into p.
func (p *Profile) Merge(other Profile) {
	if p.NeuronCounts == nil {
		*p = NewProfile()
	}
	for layer, paths := range other.NeuronCounts {
		for _, path := range paths {
			p.NeuronCounts[layer] = append(p.NeuronCounts[layer], append([]int(nil), path...))
		}
	}
	for layer, counts := range other.SynapseCounts {
		dst := p.SynapseCounts[layer]
		if dst == nil {
			dst = make(map[Synapse]int, len(counts))
			p.SynapseCounts[layer] = dst
		}
		for syn, n := range counts {
			dst[syn] += n
		}
	}
	for layer, weights := range other.SynapseWeights {
		p.SynapseWeights[layer] = append(p.SynapseWeights[layer], weights...)
	}
	p.NumInputs += other.NumInputs
}

// Prediction is the layer-0 neuron of a single-sample profile, or -1.
func (p Profile) Prediction() int {
	paths := p.NeuronCounts[0]
	if len(paths) == 0 || len(paths[0]) == 0 {
		return -1
	}
	return paths[0][0]
}

// Layers returns the logical layer indices present, ascending.
func (p Profile) Layers() []int {
	layers := make([]int, 0, len(p.NeuronCounts))
	for layer := range p.NeuronCounts {
		layers = append(layers, layer)
	}
	sort.Ints(layers)
	return layers
}

// NeuronSet unions every path recorded at layer. ok is false when the layer
// was never reached.
func (p Profile) NeuronSet(layer int) (map[int]struct{}, bool) {
	paths, ok := p.NeuronCounts[layer]
	if !ok {
		return map[int]struct{}{}, false
	}
	set := make(map[int]struct{})
	for _, path := range paths {
		for _, n := range path {
			set[n] = struct{}{}
		}
	}
	return set, true
}
