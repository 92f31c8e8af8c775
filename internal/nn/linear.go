package nn

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"flguard/internal/tensor"
)

// Linear flattens its input and computes y = Wx + b with W shaped [out, in].
type Linear struct {
	name    string
	In, Out int
	Weight  tensor.Tensor
	Bias    tensor.Tensor
}

func NewLinear(name string, in, out int) *Linear {
	return &Linear{
		name:   name,
		In:     in,
		Out:    out,
		Weight: tensor.Zeros(out, in),
		Bias:   tensor.Zeros(out),
	}
}

func (l *Linear) Name() string    { return l.name }
func (l *Linear) Kind() LayerKind { return KindLinear }

func (l *Linear) Params() map[string]*tensor.Tensor {
	return map[string]*tensor.Tensor{"weight": &l.Weight, "bias": &l.Bias}
}

func (l *Linear) Clone() Layer {
	return &Linear{name: l.name, In: l.In, Out: l.Out, Weight: l.Weight.Clone(), Bias: l.Bias.Clone()}
}

// PreActivation computes Wx without the bias term.
func (l *Linear) PreActivation(x tensor.Tensor) (tensor.Tensor, error) {
	if x.Len() != l.In {
		return tensor.Tensor{}, fmt.Errorf("%w: linear %s expects %d inputs, got %v", tensor.ErrShapeMismatch, l.name, l.In, x.Shape)
	}
	w := mat.NewDense(l.Out, l.In, l.Weight.Data)
	var z mat.VecDense
	z.MulVec(w, mat.NewVecDense(l.In, x.Data))
	return tensor.FromSlice(z.RawVector().Data), nil
}

// TransposeApply computes Wᵀs.
func (l *Linear) TransposeApply(s tensor.Tensor) (tensor.Tensor, error) {
	if s.Len() != l.Out {
		return tensor.Tensor{}, fmt.Errorf("%w: linear %s expects %d outputs, got %v", tensor.ErrShapeMismatch, l.name, l.Out, s.Shape)
	}
	w := mat.NewDense(l.Out, l.In, l.Weight.Data)
	var out mat.VecDense
	out.MulVec(w.T(), mat.NewVecDense(l.Out, s.Data))
	return tensor.FromSlice(out.RawVector().Data), nil
}

type linearCache struct {
	x tensor.Tensor
}

func (l *Linear) Forward(x tensor.Tensor, _ Pass) (tensor.Tensor, any, error) {
	z, err := l.PreActivation(x)
	if err != nil {
		return tensor.Tensor{}, nil, err
	}
	for i := range z.Data {
		z.Data[i] += l.Bias.Data[i]
	}
	return z, linearCache{x: x}, nil
}

func (l *Linear) Backward(cache any, gradOut tensor.Tensor) (tensor.Tensor, map[string]tensor.Tensor, error) {
	c, ok := cache.(linearCache)
	if !ok {
		return tensor.Tensor{}, nil, fmt.Errorf("linear %s: unexpected cache %T", l.name, cache)
	}
	gradIn, err := l.TransposeApply(gradOut)
	if err != nil {
		return tensor.Tensor{}, nil, err
	}
	gradIn.Shape = append([]int(nil), c.x.Shape...)

	var gw mat.Dense
	gw.Outer(1, mat.NewVecDense(l.Out, append([]float64(nil), gradOut.Data...)), mat.NewVecDense(l.In, c.x.Data))
	return gradIn, map[string]tensor.Tensor{
		"weight": {Shape: []int{l.Out, l.In}, Data: gw.RawMatrix().Data},
		"bias":   gradOut.Clone(),
	}, nil
}
