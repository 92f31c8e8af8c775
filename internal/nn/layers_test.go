package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flguard/internal/tensor"
)

func mustTensor(t *testing.T, shape []int, data []float64) tensor.Tensor {
	t.Helper()
	x, err := tensor.New(shape, data)
	require.NoError(t, err)
	return x
}

func TestLinearForwardFlattensInput(t *testing.T) {
	l := NewLinear("fc", 4, 2)
	copy(l.Weight.Data, []float64{1, 0, 0, 1, 0, 1, 1, 0})
	copy(l.Bias.Data, []float64{0.5, -0.5})

	y, _, err := l.Forward(mustTensor(t, []int{2, 2}, []float64{1, 2, 3, 4}), Pass{})
	require.NoError(t, err)
	assert.Equal(t, []float64{5.5, 4.5}, y.Data)

	z, err := l.PreActivation(tensor.FromSlice([]float64{1, 2, 3, 4}))
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 5}, z.Data)

	_, _, err = l.Forward(tensor.FromSlice([]float64{1}), Pass{})
	assert.ErrorIs(t, err, tensor.ErrShapeMismatch)
}

func TestConv1DPaddedForward(t *testing.T) {
	c := NewConv1D("conv", 1, 1, 3, 1, 1)
	copy(c.Weight.Data, []float64{1, 1, 1})
	y, _, err := c.Forward(mustTensor(t, []int{1, 4}, []float64{1, 2, 3, 4}), Pass{})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4}, y.Shape)
	assert.Equal(t, []float64{3, 6, 9, 7}, y.Data)
}

func TestMaxPoolSourceIndices(t *testing.T) {
	p := NewMaxPool1D("pool", 2, 2, 0)
	x := mustTensor(t, []int{2, 4}, []float64{1, 3, 2, 5, 9, 0, 0, 9})
	indices, shape, err := p.SourceIndices(x)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, shape)
	assert.Equal(t, []int{1, 3, 4, 7}, indices)

	y, _, err := p.Forward(x, Pass{})
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 5, 9, 9}, y.Data)
}

func TestAdaptiveAvgPoolWindows(t *testing.T) {
	p := NewAdaptiveAvgPool1D("avg", 2)
	start, end := p.Window(0, 5)
	assert.Equal(t, [2]int{0, 3}, [2]int{start, end})
	start, end = p.Window(1, 5)
	assert.Equal(t, [2]int{2, 5}, [2]int{start, end})

	stride, kernel := p.EquivalentStride(6)
	assert.Equal(t, 3, stride)
	assert.Equal(t, 3, kernel)

	y, _, err := p.Forward(mustTensor(t, []int{1, 4}, []float64{1, 3, 5, 7}), Pass{})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 6}, y.Data)
}

func TestDropoutIdentityInEval(t *testing.T) {
	d := NewDropout("drop", 0.5)
	x := tensor.FromSlice([]float64{1, 2, 3})
	y, _, err := d.Forward(x, Pass{Mode: ModeEval})
	require.NoError(t, err)
	assert.Equal(t, x.Data, y.Data)

	y, _, err = d.Forward(x, Pass{Mode: ModeTrain, Rand: rand.New(rand.NewSource(1))})
	require.NoError(t, err)
	for i, v := range y.Data {
		assert.True(t, v == 0 || v == 2*x.Data[i], "value %f at %d", v, i)
	}
}

func lossAt(t *testing.T, net *Network, x tensor.Tensor, label int) float64 {
	t.Helper()
	logits, err := net.Forward(x, nil, nil)
	require.NoError(t, err)
	loss, _, err := CrossEntropy(logits, label)
	require.NoError(t, err)
	return loss
}

func TestGradientsMatchFiniteDifferences(t *testing.T) {
	net, err := NewNetwork(
		NewConv1D("conv", 1, 2, 3, 1, 1),
		NewActivation("act1", "tanh"),
		NewMaxPool1D("pool", 2, 2, 0),
		NewBatchNorm1D("bn", 2),
		NewAdaptiveAvgPool1D("avg", 2),
		NewLinear("fc1", 4, 3),
		NewActivation("act2", "sigmoid"),
		NewLinear("fc2", 3, 2),
	)
	require.NoError(t, err)
	Initialize(net, 7)
	x := mustTensor(t, []int{1, 6}, []float64{0.3, -0.2, 0.8, 0.1, -0.5, 0.4})

	_, _, grads, err := net.Gradients(x, 1, nil)
	require.NoError(t, err)

	const h = 1e-6
	for _, p := range net.Parameters() {
		g, ok := grads[p.Name]
		require.True(t, ok, "missing gradient for %s", p.Name)
		for i := range p.Value.Data {
			orig := p.Value.Data[i]
			p.Value.Data[i] = orig + h
			up := lossAt(t, net, x, 1)
			p.Value.Data[i] = orig - h
			down := lossAt(t, net, x, 1)
			p.Value.Data[i] = orig
			numeric := (up - down) / (2 * h)
			if math.Abs(numeric-g.Data[i]) > 1e-5 {
				t.Fatalf("%s[%d]: analytic=%g numeric=%g", p.Name, i, g.Data[i], numeric)
			}
		}
	}
}

func TestCrossEntropyGradientSumsToZero(t *testing.T) {
	loss, grad, err := CrossEntropy(tensor.FromSlice([]float64{2, 0.5, -1}), 0)
	require.NoError(t, err)
	assert.Greater(t, loss, 0.0)
	assert.InDelta(t, 0, grad.Sum(), 1e-12)

	_, _, err = CrossEntropy(tensor.FromSlice([]float64{1, 2}), 2)
	assert.Error(t, err)
}
