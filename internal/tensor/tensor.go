package tensor

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

var ErrShapeMismatch = errors.New("tensor shape mismatch")

// Tensor is a dense row-major array of float64 values.
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

func New(shape []int, data []float64) (Tensor, error) {
	if size(shape) != len(data) {
		return Tensor{}, fmt.Errorf("%w: shape %v holds %d values, got %d", ErrShapeMismatch, shape, size(shape), len(data))
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

func Zeros(shape ...int) Tensor {
	return Tensor{Shape: append([]int(nil), shape...), Data: make([]float64, size(shape))}
}

func FromSlice(data []float64) Tensor {
	return Tensor{Shape: []int{len(data)}, Data: append([]float64(nil), data...)}
}

func (t Tensor) Len() int {
	return len(t.Data)
}

func (t Tensor) Rank() int {
	return len(t.Shape)
}

// Dim returns the size of axis i; negative axes count from the end.
func (t Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	if i < 0 || i >= len(t.Shape) {
		return 0
	}
	return t.Shape[i]
}

func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float64(nil), t.Data...),
	}
}

// Reshape returns a view sharing the receiver's data.
func (t Tensor) Reshape(shape ...int) (Tensor, error) {
	if size(shape) != len(t.Data) {
		return Tensor{}, fmt.Errorf("%w: cannot reshape %v to %v", ErrShapeMismatch, t.Shape, shape)
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: t.Data}, nil
}

func (t Tensor) Flatten() Tensor {
	return Tensor{Shape: []int{len(t.Data)}, Data: t.Data}
}

func SameShape(a, b Tensor) bool {
	if len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return true
}

// Argmax returns the flat index of the first maximal value, or -1 when empty.
func (t Tensor) Argmax() int {
	if len(t.Data) == 0 {
		return -1
	}
	return floats.MaxIdx(t.Data)
}

func (t Tensor) Max() float64 {
	if len(t.Data) == 0 {
		return math.NaN()
	}
	return floats.Max(t.Data)
}

func (t Tensor) Sum() float64 {
	return floats.Sum(t.Data)
}

// Mul multiplies element-wise into a new tensor.
func Mul(a, b Tensor) (Tensor, error) {
	if len(a.Data) != len(b.Data) {
		return Tensor{}, fmt.Errorf("%w: %v * %v", ErrShapeMismatch, a.Shape, b.Shape)
	}
	out := a.Clone()
	floats.Mul(out.Data, b.Data)
	return out, nil
}

// AddInPlace accumulates b into a.
func AddInPlace(a, b Tensor) error {
	if len(a.Data) != len(b.Data) {
		return fmt.Errorf("%w: %v + %v", ErrShapeMismatch, a.Shape, b.Shape)
	}
	floats.Add(a.Data, b.Data)
	return nil
}

func Scale(t Tensor, c float64) Tensor {
	out := t.Clone()
	floats.Scale(c, out.Data)
	return out
}

// SumLastAxis collapses the trailing axis, e.g. [C, L] -> [C].
func SumLastAxis(t Tensor) (Tensor, error) {
	if len(t.Shape) < 2 {
		return Tensor{}, fmt.Errorf("%w: sum over trailing axis needs rank >= 2, got %v", ErrShapeMismatch, t.Shape)
	}
	last := t.Shape[len(t.Shape)-1]
	outShape := t.Shape[:len(t.Shape)-1]
	out := Zeros(outShape...)
	if last == 0 {
		return out, nil
	}
	for i := range out.Data {
		out.Data[i] = floats.Sum(t.Data[i*last : (i+1)*last])
	}
	return out, nil
}

// SignedEpsilon returns z nudged away from zero by eps, keeping sign; zero counts as positive.
func SignedEpsilon(z, eps float64) float64 {
	if z >= 0 {
		return z + eps
	}
	return z - eps
}

// TopKByMagnitude returns the flat indices of the k entries with largest |x|,
// ordered by decreasing magnitude. Ties keep the lower index first.
func (t Tensor) TopKByMagnitude(k int) []int {
	return topK(t.Data, k, math.Abs)
}

// TopKByValue is TopKByMagnitude on signed values.
func (t Tensor) TopKByValue(k int) []int {
	return topK(t.Data, k, func(v float64) float64 { return v })
}

func topK(data []float64, k int, key func(float64) float64) []int {
	if k <= 0 || len(data) == 0 {
		return []int{}
	}
	if k > len(data) {
		k = len(data)
	}
	idx := make([]int, len(data))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ka, kb := key(data[idx[a]]), key(data[idx[b]])
		if math.IsNaN(kb) && !math.IsNaN(ka) {
			return true
		}
		return ka > kb
	})
	return append([]int(nil), idx[:k]...)
}

func size(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
