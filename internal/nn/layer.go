package nn

import (
	"errors"
	"math/rand"
	"sort"

	"flguard/internal/tensor"
)

// LayerKind is the closed set of leaf layer types the profiler understands.
type LayerKind int

const (
	KindOther LayerKind = iota
	KindLinear
	KindConv1D
	KindMaxPool1D
	KindAdaptiveAvgPool1D
	KindActivation
	KindDropout
	KindBatchNorm
)

func (k LayerKind) String() string {
	switch k {
	case KindLinear:
		return "linear"
	case KindConv1D:
		return "conv1d"
	case KindMaxPool1D:
		return "maxpool1d"
	case KindAdaptiveAvgPool1D:
		return "adaptive_avgpool1d"
	case KindActivation:
		return "activation"
	case KindDropout:
		return "dropout"
	case KindBatchNorm:
		return "batchnorm"
	default:
		return "other"
	}
}

type Mode int

const (
	ModeEval Mode = iota
	ModeTrain
)

// Pass carries per-forward state shared by all layers.
type Pass struct {
	Mode Mode
	Rand *rand.Rand
}

var ErrUnknownLayer = errors.New("unknown layer")

// Layer is one leaf computational unit operating on a single sample.
type Layer interface {
	Name() string
	Kind() LayerKind
	Forward(x tensor.Tensor, pass Pass) (tensor.Tensor, any, error)
	// Backward returns the input gradient and gradients keyed by local
	// parameter name ("weight", "bias").
	Backward(cache any, gradOut tensor.Tensor) (tensor.Tensor, map[string]tensor.Tensor, error)
	Params() map[string]*tensor.Tensor
	Clone() Layer
}

// Buffered layers carry non-trainable state that is still part of the state dict.
type Buffered interface {
	Buffers() map[string]*tensor.Tensor
}

// Params is a state dict: full parameter name to value.
type Params map[string]tensor.Tensor

func (p Params) Clone() Params {
	out := make(Params, len(p))
	for name, value := range p {
		out[name] = value.Clone()
	}
	return out
}

func (p Params) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func qualified(layer, param string) string {
	return layer + "." + param
}

func localNames(m map[string]*tensor.Tensor) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
