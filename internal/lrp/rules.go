package lrp

import (
	"fmt"
	"math"

	"flguard/internal/nn"
	"flguard/internal/tensor"
)

const (
	linearEpsilon  = 1e-16
	avgPoolEpsilon = 1e-12
)

// Contribution is one logical layer's share of a relevance walk.
type Contribution struct {
	Neurons   []int
	Synapses  map[Synapse]int
	Weights   []float64
	Relevance tensor.Tensor
}

// TopK is the selection size shared by every rule.
func TopK(threshold float64, size int) int {
	return int(math.Floor(threshold * float64(size)))
}

func applyRule(layer nn.Layer, rule Rule, index int, x, r tensor.Tensor, threshold float64) (Contribution, error) {
	var (
		relevance, selection tensor.Tensor
		err                  error
	)
	switch rule {
	case RuleLinear:
		linear, ok := layer.(*nn.Linear)
		if !ok {
			return Contribution{}, fmt.Errorf("layer %s is %T, want linear", layer.Name(), layer)
		}
		relevance, err = linearRelevance(linear, x, r)
		selection = relevance.Flatten()
	case RuleMaxPool1D:
		pool, ok := layer.(*nn.MaxPool1D)
		if !ok {
			return Contribution{}, fmt.Errorf("layer %s is %T, want maxpool1d", layer.Name(), layer)
		}
		relevance, err = maxPoolRelevance(pool, x, r)
		if err == nil {
			selection, err = tensor.SumLastAxis(relevance)
		}
	case RuleAdaptiveAvgPool1D:
		pool, ok := layer.(*nn.AdaptiveAvgPool1D)
		if !ok {
			return Contribution{}, fmt.Errorf("layer %s is %T, want adaptive avgpool1d", layer.Name(), layer)
		}
		relevance, err = avgPoolRelevance(pool, x, r)
		if err == nil {
			selection, err = tensor.SumLastAxis(relevance)
		}
	case RuleConv1D:
		conv, ok := layer.(*nn.Conv1D)
		if !ok {
			return Contribution{}, fmt.Errorf("layer %s is %T, want conv1d", layer.Name(), layer)
		}
		relevance, err = convRelevance(conv, x, r)
		if err == nil {
			selection, err = tensor.SumLastAxis(relevance)
		}
	default:
		return Contribution{}, fmt.Errorf("no contribution rule for logical layer %d", index)
	}
	if err != nil {
		return Contribution{}, err
	}

	neurons := selection.TopKByMagnitude(TopK(threshold, selection.Len()))
	c := Contribution{
		Neurons:   neurons,
		Synapses:  make(map[Synapse]int, len(neurons)),
		Weights:   make([]float64, len(neurons)),
		Relevance: relevance,
	}
	for i, n := range neurons {
		c.Synapses[Synapse{From: n, To: n, Layer: index}]++
		c.Weights[i] = selection.Data[n]
	}
	return c, nil
}

// linearRelevance redistributes r over the flattened input x: Rx = x * Wᵀ(r / Wx).
func linearRelevance(layer *nn.Linear, x, r tensor.Tensor) (tensor.Tensor, error) {
	flat := x.Flatten()
	z, err := layer.PreActivation(flat)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if r.Len() != z.Len() {
		return tensor.Tensor{}, fmt.Errorf("%w: relevance %v for linear output %d", tensor.ErrShapeMismatch, r.Shape, z.Len())
	}
	s := tensor.Zeros(z.Len())
	for i := range s.Data {
		s.Data[i] = r.Data[i] / tensor.SignedEpsilon(z.Data[i], linearEpsilon)
	}
	back, err := layer.TransposeApply(s)
	if err != nil {
		return tensor.Tensor{}, err
	}
	rx, err := tensor.Mul(back, flat)
	if err != nil {
		return tensor.Tensor{}, err
	}
	return rx.Reshape(x.Shape...)
}

// maxPoolRelevance hands each pooled value's relevance back to the input
// position the maximum came from.
func maxPoolRelevance(layer *nn.MaxPool1D, x, r tensor.Tensor) (tensor.Tensor, error) {
	indices, _, err := layer.SourceIndices(x)
	if err != nil {
		return tensor.Tensor{}, err
	}
	rx, _, err := nn.Unpool(r, indices, x.Shape)
	return rx, err
}

// avgPoolRelevance splits each output's relevance over its window in
// proportion to each input's share of the window sum.
func avgPoolRelevance(layer *nn.AdaptiveAvgPool1D, x, r tensor.Tensor) (tensor.Tensor, error) {
	if x.Rank() != 2 {
		return tensor.Tensor{}, fmt.Errorf("%w: adaptive avgpool relevance expects [C, L], got %v", tensor.ErrShapeMismatch, x.Shape)
	}
	channels, length := x.Shape[0], x.Shape[1]
	outLen := layer.OutputSize
	if r.Len() != channels*outLen {
		return tensor.Tensor{}, fmt.Errorf("%w: relevance %v for pooled [%d, %d]", tensor.ErrShapeMismatch, r.Shape, channels, outLen)
	}
	stride, kernel := layer.EquivalentStride(length)
	if stride < 1 {
		return tensor.Tensor{}, fmt.Errorf("%w: input length %d below output size %d", tensor.ErrShapeMismatch, length, outLen)
	}
	rx := tensor.Zeros(channels, length)
	for c := 0; c < channels; c++ {
		row := x.Data[c*length : (c+1)*length]
		for j := 0; j < outLen; j++ {
			start := j * stride
			end := start + kernel
			if end > length {
				end = length
			}
			zs := 0.0
			for i := start; i < end; i++ {
				zs += row[i]
			}
			zs = tensor.SignedEpsilon(zs, avgPoolEpsilon)
			rj := r.Data[c*outLen+j]
			for i := start; i < end; i++ {
				rx.Data[c*length+i] += row[i] / zs * rj
			}
		}
	}
	return rx, nil
}

// convRelevance is the linear rule with the transposed convolution as the
// back-projection.
func convRelevance(layer *nn.Conv1D, x, r tensor.Tensor) (tensor.Tensor, error) {
	z, err := layer.PreActivation(x)
	if err != nil {
		return tensor.Tensor{}, err
	}
	if r.Len() != z.Len() {
		return tensor.Tensor{}, fmt.Errorf("%w: relevance %v for conv output %v", tensor.ErrShapeMismatch, r.Shape, z.Shape)
	}
	s := tensor.Zeros(z.Shape...)
	for i := range s.Data {
		s.Data[i] = r.Data[i] / tensor.SignedEpsilon(z.Data[i], linearEpsilon)
	}
	back, err := layer.TransposeApply(s, x.Shape[1])
	if err != nil {
		return tensor.Tensor{}, err
	}
	return tensor.Mul(back, x)
}
