package nn

import (
	"fmt"
	"math"

	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	ArchCNN = "cnn"
	ArchMLP = "mlp"
)

// Architecture describes one of the built-in classifiers.
type Architecture struct {
	Name     string  `json:"name" yaml:"name"`
	Features int     `json:"features" yaml:"features"`
	Classes  int     `json:"classes" yaml:"classes"`
	Hidden   []int   `json:"hidden,omitempty" yaml:"hidden,omitempty"`
	Dropout  float64 `json:"dropout" yaml:"dropout"`

	// Activation names a registered activation; empty is DefaultActivation.
	Activation string `json:"activation,omitempty" yaml:"activation,omitempty"`
}

func (a Architecture) activation() string {
	if a.Activation == "" {
		return DefaultActivation
	}
	return a.Activation
}

// Build constructs and initialises the architecture with a seeded source.
func Build(arch Architecture, seed int64) (*Network, error) {
	if arch.Features < 1 || arch.Classes < 2 {
		return nil, fmt.Errorf("invalid architecture: features=%d classes=%d", arch.Features, arch.Classes)
	}
	if _, err := GetActivation(arch.activation()); err != nil {
		return nil, fmt.Errorf("invalid architecture: %w", err)
	}
	var (
		net *Network
		err error
	)
	switch arch.Name {
	case "", ArchCNN:
		net, err = newCNN1D(arch)
	case ArchMLP:
		net, err = newMLP(arch)
	default:
		return nil, fmt.Errorf("unsupported architecture: %s", arch.Name)
	}
	if err != nil {
		return nil, err
	}
	Initialize(net, seed)
	return net, nil
}

// newCNN1D mirrors a small intrusion-detection CNN over [1, features] rows:
// conv-relu-maxpool-conv-relu-adaptiveavgpool-linear-relu-dropout-linear.
func newCNN1D(arch Architecture) (*Network, error) {
	if arch.Features < 4 {
		return nil, fmt.Errorf("cnn needs at least 4 features, got %d", arch.Features)
	}
	hidden := 32
	if len(arch.Hidden) > 0 {
		hidden = arch.Hidden[0]
	}
	pooled := 4
	if arch.Features/2 < pooled {
		pooled = arch.Features / 2
	}
	act := arch.activation()
	return NewNetwork(
		NewConv1D("conv1", 1, 8, 3, 1, 1),
		NewActivation(act+"1", act),
		NewMaxPool1D("pool1", 2, 2, 0),
		NewConv1D("conv2", 8, 16, 3, 1, 1),
		NewActivation(act+"2", act),
		NewAdaptiveAvgPool1D("avgpool", pooled),
		NewLinear("fc1", 16*pooled, hidden),
		NewActivation(act+"3", act),
		NewDropout("dropout", arch.Dropout),
		NewLinear("fc2", hidden, arch.Classes),
	)
}

func newMLP(arch Architecture) (*Network, error) {
	hidden := arch.Hidden
	if len(hidden) == 0 {
		hidden = []int{64, 32}
	}
	act := arch.activation()
	var layers []Layer
	in := arch.Features
	for i, width := range hidden {
		layers = append(layers,
			NewLinear(fmt.Sprintf("fc%d", i+1), in, width),
			NewActivation(fmt.Sprintf("%s%d", act, i+1), act),
		)
		if arch.Dropout > 0 {
			layers = append(layers, NewDropout(fmt.Sprintf("dropout%d", i+1), arch.Dropout))
		}
		in = width
	}
	layers = append(layers, NewLinear(fmt.Sprintf("fc%d", len(hidden)+1), in, arch.Classes))
	return NewNetwork(layers...)
}

// Initialize draws weights and biases uniformly in ±1/sqrt(fan_in).
func Initialize(net *Network, seed int64) {
	src := xrand.NewSource(uint64(seed))
	for _, layer := range net.Layers() {
		var fanIn int
		switch l := layer.(type) {
		case *Linear:
			fanIn = l.In
		case *Conv1D:
			fanIn = l.InChannels * l.Kernel
		default:
			continue
		}
		bound := 1 / math.Sqrt(float64(fanIn))
		dist := distuv.Uniform{Min: -bound, Max: bound, Src: src}
		weight := layer.Params()["weight"]
		for i := range weight.Data {
			weight.Data[i] = dist.Rand()
		}
		bias := layer.Params()["bias"]
		for i := range bias.Data {
			bias.Data[i] = dist.Rand()
		}
	}
}
