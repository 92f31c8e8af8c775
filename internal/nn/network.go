package nn

import (
	"errors"
	"fmt"
	"math/rand"

	"flguard/internal/tensor"
)

var ErrParamMissing = errors.New("parameter missing from state dict")

// Param is a trainable tensor addressed by its qualified name.
type Param struct {
	Name  string
	Value *tensor.Tensor
}

// Network is an ordered chain of uniquely named leaf layers.
type Network struct {
	layers []Layer
	index  map[string]int
}

func NewNetwork(layers ...Layer) (*Network, error) {
	if len(layers) == 0 {
		return nil, errors.New("network needs at least one layer")
	}
	index := make(map[string]int, len(layers))
	for i, layer := range layers {
		if layer.Name() == "" {
			return nil, fmt.Errorf("layer %d has no name", i)
		}
		if _, exists := index[layer.Name()]; exists {
			return nil, fmt.Errorf("duplicate layer name: %s", layer.Name())
		}
		index[layer.Name()] = i
	}
	return &Network{layers: append([]Layer(nil), layers...), index: index}, nil
}

// Layers returns the leaf layers in definition order.
func (n *Network) Layers() []Layer {
	return append([]Layer(nil), n.layers...)
}

func (n *Network) Layer(i int) Layer {
	return n.layers[i]
}

func (n *Network) LayerIndex(name string) (int, bool) {
	i, ok := n.index[name]
	return i, ok
}

// Forward runs inference. When capture is non-nil the output of every layer
// named in watch is written into it.
func (n *Network) Forward(x tensor.Tensor, watch map[string]bool, capture map[string]tensor.Tensor) (tensor.Tensor, error) {
	out := x
	for _, layer := range n.layers {
		next, _, err := layer.Forward(out, Pass{Mode: ModeEval})
		if err != nil {
			return tensor.Tensor{}, fmt.Errorf("layer %s: %w", layer.Name(), err)
		}
		if capture != nil && watch[layer.Name()] {
			capture[layer.Name()] = next
		}
		out = next
	}
	return out, nil
}

func (n *Network) Predict(x tensor.Tensor) (int, error) {
	logits, err := n.Forward(x, nil, nil)
	if err != nil {
		return 0, err
	}
	return logits.Argmax(), nil
}

// Gradients runs a training-mode forward and backward pass for one sample
// and returns the cross-entropy loss, the logits and per-parameter gradients.
func (n *Network) Gradients(x tensor.Tensor, label int, rng *rand.Rand) (float64, tensor.Tensor, Params, error) {
	caches := make([]any, len(n.layers))
	out := x
	for i, layer := range n.layers {
		next, cache, err := layer.Forward(out, Pass{Mode: ModeTrain, Rand: rng})
		if err != nil {
			return 0, tensor.Tensor{}, nil, fmt.Errorf("layer %s: %w", layer.Name(), err)
		}
		caches[i] = cache
		out = next
	}

	loss, grad, err := CrossEntropy(out, label)
	if err != nil {
		return 0, tensor.Tensor{}, nil, err
	}

	grads := make(Params)
	for i := len(n.layers) - 1; i >= 0; i-- {
		layer := n.layers[i]
		gradIn, local, err := layer.Backward(caches[i], grad)
		if err != nil {
			return 0, tensor.Tensor{}, nil, fmt.Errorf("backward %s: %w", layer.Name(), err)
		}
		for name, g := range local {
			grads[qualified(layer.Name(), name)] = g
		}
		grad = gradIn
	}
	return loss, out, grads, nil
}

// Parameters lists trainable tensors in layer order; values alias the network.
func (n *Network) Parameters() []Param {
	var params []Param
	for _, layer := range n.layers {
		local := layer.Params()
		for _, name := range localNames(local) {
			params = append(params, Param{Name: qualified(layer.Name(), name), Value: local[name]})
		}
	}
	return params
}

// TrainableSnapshot deep-copies the trainable parameters only.
func (n *Network) TrainableSnapshot() Params {
	out := make(Params)
	for _, p := range n.Parameters() {
		out[p.Name] = p.Value.Clone()
	}
	return out
}

// StateDict deep-copies trainable parameters and buffers.
func (n *Network) StateDict() Params {
	out := n.TrainableSnapshot()
	for _, layer := range n.layers {
		buffered, ok := layer.(Buffered)
		if !ok {
			continue
		}
		for name, value := range buffered.Buffers() {
			out[qualified(layer.Name(), name)] = value.Clone()
		}
	}
	return out
}

// LoadStateDict copies values into the network. Every parameter and buffer
// must be present with a matching size.
func (n *Network) LoadStateDict(state Params) error {
	for _, layer := range n.layers {
		targets := layer.Params()
		if buffered, ok := layer.(Buffered); ok {
			merged := make(map[string]*tensor.Tensor, len(targets))
			for name, t := range targets {
				merged[name] = t
			}
			for name, t := range buffered.Buffers() {
				merged[name] = t
			}
			targets = merged
		}
		for name, target := range targets {
			full := qualified(layer.Name(), name)
			value, ok := state[full]
			if !ok {
				return fmt.Errorf("%w: %s", ErrParamMissing, full)
			}
			if value.Len() != target.Len() {
				return fmt.Errorf("%w: %s has %d values, want %d", tensor.ErrShapeMismatch, full, value.Len(), target.Len())
			}
			copy(target.Data, value.Data)
		}
	}
	return nil
}

func (n *Network) Clone() *Network {
	layers := make([]Layer, len(n.layers))
	for i, layer := range n.layers {
		layers[i] = layer.Clone()
	}
	index := make(map[string]int, len(n.index))
	for name, i := range n.index {
		index[name] = i
	}
	return &Network{layers: layers, index: index}
}
