package nn

import (
	"fmt"

	"flguard/internal/tensor"
)

// Conv1D is a 1-D cross-correlation over inputs shaped [InChannels, L].
// Weight is [OutChannels, InChannels, Kernel].
type Conv1D struct {
	name        string
	InChannels  int
	OutChannels int
	Kernel      int
	Stride      int
	Padding     int
	Weight      tensor.Tensor
	Bias        tensor.Tensor
}

func NewConv1D(name string, in, out, kernel, stride, padding int) *Conv1D {
	if stride < 1 {
		stride = 1
	}
	return &Conv1D{
		name:        name,
		InChannels:  in,
		OutChannels: out,
		Kernel:      kernel,
		Stride:      stride,
		Padding:     padding,
		Weight:      tensor.Zeros(out, in, kernel),
		Bias:        tensor.Zeros(out),
	}
}

func (c *Conv1D) Name() string    { return c.name }
func (c *Conv1D) Kind() LayerKind { return KindConv1D }

func (c *Conv1D) Params() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{"weight": &c.Weight, "bias": &c.Bias}
}

func (c *Conv1D) Clone() Layer {
	out := *c
	out.Weight = c.Weight.Clone()
	out.Bias = c.Bias.Clone()
	return &out
}

func (c *Conv1D) OutputLength(length int) int {
	return (length+2*c.Padding-c.Kernel)/c.Stride + 1
}

func (c *Conv1D) checkInput(x tensor.Tensor) (int, error) {
	if x.Rank() != 2 || x.Shape[0] != c.InChannels {
		return 0, fmt.Errorf("%w: conv %s expects [%d, L], got %v", tensor.ErrShapeMismatch, c.name, c.InChannels, x.Shape)
	}
	if c.OutputLength(x.Shape[1]) < 1 {
		return 0, fmt.Errorf("%w: conv %s input length %d shorter than kernel %d", tensor.ErrShapeMismatch, c.name, x.Shape[1], c.Kernel)
	}
	return x.Shape[1], nil
}

// PreActivation computes the convolution without the bias term.
func (c *Conv1D) PreActivation(x tensor.Tensor) (tensor.Tensor, error) {
	length, err := c.checkInput(x)
	if err != nil {
		return tensor.Tensor{}, err
	}
	outLen := c.OutputLength(length)
	z := tensor.Zeros(c.OutChannels, outLen)
	for o := 0; o < c.OutChannels; o++ {
		for t := 0; t < outLen; t++ {
			sum := 0.0
			for ci := 0; ci < c.InChannels; ci++ {
				for k := 0; k < c.Kernel; k++ {
					i := t*c.Stride + k - c.Padding
					if i < 0 || i >= length {
						continue
					}
					sum += c.Weight.Data[(o*c.InChannels+ci)*c.Kernel+k] * x.Data[ci*length+i]
				}
			}
			z.Data[o*outLen+t] = sum
		}
	}
	return z, nil
}

// TransposeApply scatters s ([OutChannels, Lout]) back onto an input of the
// given length: the transposed convolution with the same stride and padding.
func (c *Conv1D) TransposeApply(s tensor.Tensor, length int) (tensor.Tensor, error) {
	outLen := c.OutputLength(length)
	if s.Rank() != 2 || s.Shape[0] != c.OutChannels || s.Shape[1] != outLen {
		return tensor.Tensor{}, fmt.Errorf("%w: conv %s transpose expects [%d, %d], got %v", tensor.ErrShapeMismatch, c.name, c.OutChannels, outLen, s.Shape)
	}
	out := tensor.Zeros(c.InChannels, length)
	for o := 0; o < c.OutChannels; o++ {
		for t := 0; t < outLen; t++ {
			g := s.Data[o*outLen+t]
			if g == 0 {
				continue
			}
			for ci := 0; ci < c.InChannels; ci++ {
				for k := 0; k < c.Kernel; k++ {
					i := t*c.Stride + k - c.Padding
					if i < 0 || i >= length {
						continue
					}
					out.Data[ci*length+i] += c.Weight.Data[(o*c.InChannels+ci)*c.Kernel+k] * g
				}
			}
		}
	}
	return out, nil
}

type convCache struct {
	x tensor.Tensor
}

func (c *Conv1D) Forward(x tensor.Tensor, _ Pass) (tensor.Tensor, any, error) {
	z, err := c.PreActivation(x)
	if err != nil {
		return tensor.Tensor{}, nil, err
	}
	outLen := z.Shape[1]
	for o := 0; o < c.OutChannels; o++ {
		for t := 0; t < outLen; t++ {
			z.Data[o*outLen+t] += c.Bias.Data[o]
		}
	}
	return z, convCache{x: x}, nil
}

func (c *Conv1D) Backward(cache any, gradOut tensor.Tensor) (tensor.Tensor, map[string]tensor.Tensor, error) {
	cc, ok := cache.(convCache)
	if !ok {
		return tensor.Tensor{}, nil, fmt.Errorf("conv %s: unexpected cache %T", c.name, cache)
	}
	length := cc.x.Shape[1]
	gradIn, err := c.TransposeApply(gradOut, length)
	if err != nil {
		return tensor.Tensor{}, nil, err
	}
	outLen := gradOut.Shape[1]
	gw := tensor.Zeros(c.Weight.Shape...)
	gb := tensor.Zeros(c.OutChannels)
	for o := 0; o < c.OutChannels; o++ {
		for t := 0; t < outLen; t++ {
			g := gradOut.Data[o*outLen+t]
			gb.Data[o] += g
			for ci := 0; ci < c.InChannels; ci++ {
				for k := 0; k < c.Kernel; k++ {
					i := t*c.Stride + k - c.Padding
					if i < 0 || i >= length {
						continue
					}
					gw.Data[(o*c.InChannels+ci)*c.Kernel+k] += g * cc.x.Data[ci*length+i]
				}
			}
		}
	}
	return gradIn, map[string]tensor.Tensor{"weight": gw, "bias": gb}, nil
}
