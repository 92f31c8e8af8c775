package nn

import (
	"fmt"
	"math"

	"flguard/internal/tensor"
)

// MaxPool1D pools inputs shaped [C, L].
type MaxPool1D struct {
	name    string
	Kernel  int
	Stride  int
	Padding int
}

func NewMaxPool1D(name string, kernel, stride, padding int) *MaxPool1D {
	if stride < 1 {
		stride = kernel
	}
	return &MaxPool1D{name: name, Kernel: kernel, Stride: stride, Padding: padding}
}

func (p *MaxPool1D) Name() string                      { return p.name }
func (p *MaxPool1D) Kind() LayerKind                   { return KindMaxPool1D }
func (p *MaxPool1D) Params() map[string]*tensor.Tensor { return nil }
func (p *MaxPool1D) Clone() Layer                      { out := *p; return &out }

func (p *MaxPool1D) OutputLength(length int) int {
	return (length+2*p.Padding-p.Kernel)/p.Stride + 1
}

// SourceIndices returns, for each output element, the flat input index the
// maximum was taken from. The result is shaped like the pooled output.
func (p *MaxPool1D) SourceIndices(x tensor.Tensor) ([]int, []int, error) {
	if x.Rank() != 2 {
		return nil, nil, fmt.Errorf("%w: maxpool %s expects [C, L], got %v", tensor.ErrShapeMismatch, p.name, x.Shape)
	}
	channels, length := x.Shape[0], x.Shape[1]
	outLen := p.OutputLength(length)
	if outLen < 1 {
		return nil, nil, fmt.Errorf("%w: maxpool %s input length %d shorter than kernel %d", tensor.ErrShapeMismatch, p.name, length, p.Kernel)
	}
	indices := make([]int, channels*outLen)
	for c := 0; c < channels; c++ {
		for t := 0; t < outLen; t++ {
			best, bestIdx := math.Inf(-1), -1
			for k := 0; k < p.Kernel; k++ {
				i := t*p.Stride + k - p.Padding
				if i < 0 || i >= length {
					continue
				}
				if v := x.Data[c*length+i]; bestIdx < 0 || v > best {
					best, bestIdx = v, c*length+i
				}
			}
			if bestIdx < 0 {
				return nil, nil, fmt.Errorf("maxpool %s: window %d of channel %d lies entirely in padding", p.name, t, c)
			}
			indices[c*outLen+t] = bestIdx
		}
	}
	return indices, []int{channels, outLen}, nil
}

type maxPoolCache struct {
	indices []int
	inShape []int
}

func (p *MaxPool1D) Forward(x tensor.Tensor, _ Pass) (tensor.Tensor, any, error) {
	indices, shape, err := p.SourceIndices(x)
	if err != nil {
		return tensor.Tensor{}, nil, err
	}
	out := tensor.Zeros(shape...)
	for j, src := range indices {
		out.Data[j] = x.Data[src]
	}
	return out, maxPoolCache{indices: indices, inShape: x.Shape}, nil
}

func (p *MaxPool1D) Backward(cache any, gradOut tensor.Tensor) (tensor.Tensor, map[string]tensor.Tensor, error) {
	c, ok := cache.(maxPoolCache)
	if !ok {
		return tensor.Tensor{}, nil, fmt.Errorf("maxpool %s: unexpected cache %T", p.name, cache)
	}
	return Unpool(gradOut, c.indices, c.inShape)
}

// Unpool scatters values back to the recorded source positions; every other
// position is zero.
func Unpool(values tensor.Tensor, indices []int, inShape []int) (tensor.Tensor, map[string]tensor.Tensor, error) {
	if values.Len() != len(indices) {
		return tensor.Tensor{}, nil, fmt.Errorf("%w: unpool %d values onto %d indices", tensor.ErrShapeMismatch, values.Len(), len(indices))
	}
	out := tensor.Zeros(inShape...)
	for j, src := range indices {
		if src < 0 || src >= out.Len() {
			return tensor.Tensor{}, nil, fmt.Errorf("unpool index %d out of range %d", src, out.Len())
		}
		out.Data[src] += values.Data[j]
	}
	return out, nil, nil
}

// AdaptiveAvgPool1D averages inputs shaped [C, L] into [C, OutputSize].
type AdaptiveAvgPool1D struct {
	name       string
	OutputSize int
}

func NewAdaptiveAvgPool1D(name string, outputSize int) *AdaptiveAvgPool1D {
	return &AdaptiveAvgPool1D{name: name, OutputSize: outputSize}
}

func (p *AdaptiveAvgPool1D) Name() string                      { return p.name }
func (p *AdaptiveAvgPool1D) Kind() LayerKind                   { return KindAdaptiveAvgPool1D }
func (p *AdaptiveAvgPool1D) Params() map[string]*tensor.Tensor { return nil }
func (p *AdaptiveAvgPool1D) Clone() Layer                      { out := *p; return &out }

// Window returns the start and end (exclusive) of output position j.
func (p *AdaptiveAvgPool1D) Window(j, length int) (int, int) {
	start := (j * length) / p.OutputSize
	end := ((j+1)*length + p.OutputSize - 1) / p.OutputSize
	return start, end
}

// EquivalentStride returns the fixed stride and kernel that approximate the
// adaptive windows for an input of the given length.
func (p *AdaptiveAvgPool1D) EquivalentStride(length int) (stride, kernel int) {
	stride = length / p.OutputSize
	kernel = length - (p.OutputSize-1)*stride
	return stride, kernel
}

type avgPoolCache struct {
	inShape []int
}

func (p *AdaptiveAvgPool1D) Forward(x tensor.Tensor, _ Pass) (tensor.Tensor, any, error) {
	if x.Rank() != 2 || p.OutputSize < 1 || x.Shape[1] < p.OutputSize {
		return tensor.Tensor{}, nil, fmt.Errorf("%w: adaptive avgpool %s to %d from %v", tensor.ErrShapeMismatch, p.name, p.OutputSize, x.Shape)
	}
	channels, length := x.Shape[0], x.Shape[1]
	out := tensor.Zeros(channels, p.OutputSize)
	for c := 0; c < channels; c++ {
		for j := 0; j < p.OutputSize; j++ {
			start, end := p.Window(j, length)
			sum := 0.0
			for i := start; i < end; i++ {
				sum += x.Data[c*length+i]
			}
			out.Data[c*p.OutputSize+j] = sum / float64(end-start)
		}
	}
	return out, avgPoolCache{inShape: x.Shape}, nil
}

func (p *AdaptiveAvgPool1D) Backward(cache any, gradOut tensor.Tensor) (tensor.Tensor, map[string]tensor.Tensor, error) {
	c, ok := cache.(avgPoolCache)
	if !ok {
		return tensor.Tensor{}, nil, fmt.Errorf("adaptive avgpool %s: unexpected cache %T", p.name, cache)
	}
	channels, length := c.inShape[0], c.inShape[1]
	gradIn := tensor.Zeros(channels, length)
	for ch := 0; ch < channels; ch++ {
		for j := 0; j < p.OutputSize; j++ {
			start, end := p.Window(j, length)
			share := gradOut.Data[ch*p.OutputSize+j] / float64(end-start)
			for i := start; i < end; i++ {
				gradIn.Data[ch*length+i] += share
			}
		}
	}
	return gradIn, nil, nil
}
