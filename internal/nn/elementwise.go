package nn

import (
	"fmt"
	"math"

	"flguard/internal/tensor"
)

// Activation applies a registered element-wise function.
type Activation struct {
	name     string
	Function string
}

func NewActivation(name, function string) *Activation {
	return &Activation{name: name, Function: function}
}

func (a *Activation) Name() string                      { return a.name }
func (a *Activation) Kind() LayerKind                   { return KindActivation }
func (a *Activation) Params() map[string]*tensor.Tensor { return nil }
func (a *Activation) Clone() Layer                      { out := *a; return &out }

func (a *Activation) Forward(x tensor.Tensor, _ Pass) (tensor.Tensor, any, error) {
	fn, err := GetActivation(a.Function)
	if err != nil {
		return tensor.Tensor{}, nil, fmt.Errorf("layer %s: %w", a.name, err)
	}
	out := x.Clone()
	for i, v := range out.Data {
		out.Data[i] = fn(v)
	}
	return out, x, nil
}

func (a *Activation) Backward(cache any, gradOut tensor.Tensor) (tensor.Tensor, map[string]tensor.Tensor, error) {
	x, ok := cache.(tensor.Tensor)
	if !ok {
		return tensor.Tensor{}, nil, fmt.Errorf("layer %s: unexpected cache %T", a.name, cache)
	}
	d, err := GetDerivative(a.Function)
	if err != nil {
		return tensor.Tensor{}, nil, fmt.Errorf("layer %s: %w", a.name, err)
	}
	gradIn := gradOut.Clone()
	for i := range gradIn.Data {
		gradIn.Data[i] *= d(x.Data[i])
	}
	return gradIn, nil, nil
}

// Dropout zeroes inputs with probability P during training and rescales the
// survivors; evaluation is the identity.
type Dropout struct {
	name string
	P    float64
}

func NewDropout(name string, p float64) *Dropout {
	return &Dropout{name: name, P: p}
}

func (d *Dropout) Name() string                      { return d.name }
func (d *Dropout) Kind() LayerKind                   { return KindDropout }
func (d *Dropout) Params() map[string]*tensor.Tensor { return nil }
func (d *Dropout) Clone() Layer                      { out := *d; return &out }

func (d *Dropout) Forward(x tensor.Tensor, pass Pass) (tensor.Tensor, any, error) {
	if pass.Mode != ModeTrain || d.P <= 0 || pass.Rand == nil {
		return x.Clone(), nil, nil
	}
	if d.P >= 1 {
		return tensor.Zeros(x.Shape...), make([]float64, x.Len()), nil
	}
	keep := 1 / (1 - d.P)
	mask := make([]float64, x.Len())
	out := x.Clone()
	for i := range out.Data {
		if pass.Rand.Float64() >= d.P {
			mask[i] = keep
		}
		out.Data[i] *= mask[i]
	}
	return out, mask, nil
}

func (d *Dropout) Backward(cache any, gradOut tensor.Tensor) (tensor.Tensor, map[string]tensor.Tensor, error) {
	gradIn := gradOut.Clone()
	mask, ok := cache.([]float64)
	if !ok {
		return gradIn, nil, nil
	}
	for i := range gradIn.Data {
		gradIn.Data[i] *= mask[i]
	}
	return gradIn, nil, nil
}

// BatchNorm1D normalizes each channel of a [C, L] or [C] input with running
// statistics. Training updates the running statistics from the sample and
// learns the affine terms; the statistics are constants for backprop.
type BatchNorm1D struct {
	name        string
	Channels    int
	Momentum    float64
	Epsilon     float64
	Gamma       tensor.Tensor
	Beta        tensor.Tensor
	RunningMean tensor.Tensor
	RunningVar  tensor.Tensor
}

func NewBatchNorm1D(name string, channels int) *BatchNorm1D {
	gamma := tensor.Zeros(channels)
	runVar := tensor.Zeros(channels)
	for i := 0; i < channels; i++ {
		gamma.Data[i] = 1
		runVar.Data[i] = 1
	}
	return &BatchNorm1D{
		name:        name,
		Channels:    channels,
		Momentum:    0.1,
		Epsilon:     1e-5,
		Gamma:       gamma,
		Beta:        tensor.Zeros(channels),
		RunningMean: tensor.Zeros(channels),
		RunningVar:  runVar,
	}
}

func (b *BatchNorm1D) Name() string    { return b.name }
func (b *BatchNorm1D) Kind() LayerKind { return KindBatchNorm }

func (b *BatchNorm1D) Params() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{"weight": &b.Gamma, "bias": &b.Beta}
}

func (b *BatchNorm1D) Buffers() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{"running_mean": &b.RunningMean, "running_var": &b.RunningVar}
}

func (b *BatchNorm1D) Clone() Layer {
	out := *b
	out.Gamma = b.Gamma.Clone()
	out.Beta = b.Beta.Clone()
	out.RunningMean = b.RunningMean.Clone()
	out.RunningVar = b.RunningVar.Clone()
	return &out
}

type batchNormCache struct {
	normalized tensor.Tensor
	width      int
}

func (b *BatchNorm1D) Forward(x tensor.Tensor, pass Pass) (tensor.Tensor, any, error) {
	if x.Rank() == 0 || x.Shape[0] != b.Channels {
		return tensor.Tensor{}, nil, fmt.Errorf("%w: batchnorm %s expects %d channels, got %v", tensor.ErrShapeMismatch, b.name, b.Channels, x.Shape)
	}
	width := x.Len() / b.Channels
	if pass.Mode == ModeTrain && width > 0 {
		for c := 0; c < b.Channels; c++ {
			row := x.Data[c*width : (c+1)*width]
			mean, variance := 0.0, 0.0
			for _, v := range row {
				mean += v
			}
			mean /= float64(width)
			for _, v := range row {
				variance += (v - mean) * (v - mean)
			}
			variance /= float64(width)
			b.RunningMean.Data[c] = (1-b.Momentum)*b.RunningMean.Data[c] + b.Momentum*mean
			b.RunningVar.Data[c] = (1-b.Momentum)*b.RunningVar.Data[c] + b.Momentum*variance
		}
	}
	normalized := x.Clone()
	out := x.Clone()
	for c := 0; c < b.Channels; c++ {
		std := math.Sqrt(b.RunningVar.Data[c] + b.Epsilon)
		for i := c * width; i < (c+1)*width; i++ {
			normalized.Data[i] = (x.Data[i] - b.RunningMean.Data[c]) / std
			out.Data[i] = b.Gamma.Data[c]*normalized.Data[i] + b.Beta.Data[c]
		}
	}
	return out, batchNormCache{normalized: normalized, width: width}, nil
}

func (b *BatchNorm1D) Backward(cache any, gradOut tensor.Tensor) (tensor.Tensor, map[string]tensor.Tensor, error) {
	c, ok := cache.(batchNormCache)
	if !ok {
		return tensor.Tensor{}, nil, fmt.Errorf("batchnorm %s: unexpected cache %T", b.name, cache)
	}
	gradIn := gradOut.Clone()
	gGamma := tensor.Zeros(b.Channels)
	gBeta := tensor.Zeros(b.Channels)
	for ch := 0; ch < b.Channels; ch++ {
		std := math.Sqrt(b.RunningVar.Data[ch] + b.Epsilon)
		for i := ch * c.width; i < (ch+1)*c.width; i++ {
			gGamma.Data[ch] += gradOut.Data[i] * c.normalized.Data[i]
			gBeta.Data[ch] += gradOut.Data[i]
			gradIn.Data[i] = gradOut.Data[i] * b.Gamma.Data[ch] / std
		}
	}
	return gradIn, map[string]tensor.Tensor{"weight": gGamma, "bias": gBeta}, nil
}

// Flatten reshapes any input to a vector. The profiler has no rule for it.
type Flatten struct {
	name string
}

func NewFlatten(name string) *Flatten {
	return &Flatten{name: name}
}

func (f *Flatten) Name() string                      { return f.name }
func (f *Flatten) Kind() LayerKind                   { return KindOther }
func (f *Flatten) Params() map[string]*tensor.Tensor { return nil }
func (f *Flatten) Clone() Layer                      { out := *f; return &out }

func (f *Flatten) Forward(x tensor.Tensor, _ Pass) (tensor.Tensor, any, error) {
	return x.Clone().Flatten(), x.Shape, nil
}

func (f *Flatten) Backward(cache any, gradOut tensor.Tensor) (tensor.Tensor, map[string]tensor.Tensor, error) {
	shape, ok := cache.([]int)
	if !ok {
		return tensor.Tensor{}, nil, fmt.Errorf("flatten %s: unexpected cache %T", f.name, cache)
	}
	out, err := gradOut.Clone().Reshape(shape...)
	return out, nil, err
}
