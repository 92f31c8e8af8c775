package lrp

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flguard/internal/nn"
	"flguard/internal/tensor"
)

func buildCNN(t *testing.T) *nn.Network {
	t.Helper()
	net, err := nn.Build(nn.Architecture{Features: 16, Classes: 2, Dropout: 0.2}, 3)
	require.NoError(t, err)
	return net
}

func randomInput(shape []int, seed int64) tensor.Tensor {
	rng := rand.New(rand.NewSource(seed))
	x := tensor.Zeros(shape...)
	for i := range x.Data {
		x.Data[i] = rng.Float64()
	}
	return x
}

func TestGroupingFullyConnectedOnly(t *testing.T) {
	net, err := nn.Build(nn.Architecture{Name: nn.ArchMLP, Features: 6, Classes: 2, Hidden: []int{8, 5, 4}}, 1)
	require.NoError(t, err)
	hook := nn.NewHook(net)

	grouping, err := BuildGrouping(hook, 0, nil)
	require.NoError(t, err)
	require.Equal(t, 5, grouping.Len())

	for i := 1; i <= 4; i++ {
		layer, ok := grouping.Layer(i)
		require.True(t, ok)
		assert.Equal(t, RuleLinear, layer.Rule)
		assert.Equal(t, i, layer.Index)
		activations := 0
		for _, h := range layer.Handles {
			if net.Layer(h).Kind() == nn.KindActivation {
				activations++
			}
		}
		assert.LessOrEqual(t, activations, 1)
		assert.Equal(t, nn.KindLinear, net.Layer(layer.Handles[0]).Kind())
	}
	sentinel, _ := grouping.Layer(5)
	assert.True(t, sentinel.Sentinel)
	assert.Empty(t, sentinel.Names)

	first, _ := grouping.Layer(1)
	assert.Equal(t, []string{"fc4"}, first.Names)
	second, _ := grouping.Layer(2)
	assert.Equal(t, []string{"fc3", "relu3"}, second.Names)
}

func TestGroupingCNNElidesDropout(t *testing.T) {
	net := buildCNN(t)
	hook := nn.NewHook(net)
	grouping, err := BuildGrouping(hook, 0, nil)
	require.NoError(t, err)

	var names [][]string
	var rules []Rule
	for _, layer := range grouping.Layers() {
		names = append(names, layer.Names)
		rules = append(rules, layer.Rule)
	}
	assert.Equal(t, [][]string{
		{"fc2"},
		{"fc1", "relu3"},
		{"avgpool"},
		{"conv2", "relu2"},
		{"pool1"},
		{"conv1", "relu1"},
		nil,
	}, names)
	assert.Equal(t, []Rule{RuleLinear, RuleLinear, RuleAdaptiveAvgPool1D, RuleConv1D, RuleMaxPool1D, RuleConv1D, RuleNone}, rules)
	assert.NotContains(t, hook.Registered(), "dropout")
	assert.Len(t, hook.Registered(), 9)
}

func TestGroupingStopsAtUnimplementedLayer(t *testing.T) {
	net, err := nn.NewNetwork(
		nn.NewLinear("fc0", 4, 4),
		nn.NewFlatten("flatten"),
		nn.NewBatchNorm1D("bn", 4),
		nn.NewLinear("fc1", 4, 3),
		nn.NewActivation("act", "relu"),
		nn.NewLinear("fc2", 3, 2),
	)
	require.NoError(t, err)

	var logs bytes.Buffer
	logger := hclog.New(&hclog.LoggerOptions{Name: "test", Output: &logs, Level: hclog.Warn})
	grouping, err := BuildGrouping(nn.NewHook(net), 0, logger)
	require.NoError(t, err)

	require.Equal(t, 3, grouping.Len())
	last, _ := grouping.Layer(3)
	assert.Equal(t, RuleNone, last.Rule)
	assert.False(t, last.Sentinel)
	assert.Equal(t, []string{"flatten"}, last.Names)
	assert.Contains(t, logs.String(), "flatten")
}

func TestGroupingLayerLimit(t *testing.T) {
	net := buildCNN(t)
	hook := nn.NewHook(net)
	grouping, err := BuildGrouping(hook, 2, nil)
	require.NoError(t, err)

	require.Equal(t, 3, grouping.Len())
	last, _ := grouping.Layer(3)
	assert.Equal(t, RuleNone, last.Rule)
	assert.Equal(t, []string{"avgpool"}, last.Names)
	assert.Contains(t, hook.Registered(), "avgpool")
}

func TestProfileTopKSize(t *testing.T) {
	net := buildCNN(t)
	hook := nn.NewHook(net)
	grouping, err := BuildGrouping(hook, 0, nil)
	require.NoError(t, err)
	profiler := NewProfiler(hook, grouping, nil)

	// selection sizes: fc2 input 32, fc1 input 64 (16x4 pooled), avgpool
	// channels 16, conv2 in-channels 8, pool1 channels 8, conv1 in-channels 1
	sizes := map[int]int{1: 32, 2: 64, 3: 16, 4: 8, 5: 8, 6: 1}
	x := randomInput([]int{1, 16}, 9)
	for _, threshold := range []float64{0.1, 0.25, 0.5, 1} {
		profile := profiler.Profile(x, Options{Threshold: threshold})
		require.NoError(t, profile.Err)
		assert.Equal(t, 1, profile.NumInputs)
		for layer, size := range sizes {
			paths := profile.NeuronCounts[layer]
			require.Len(t, paths, 1, "layer %d", layer)
			assert.Len(t, paths[0], TopK(threshold, size), "layer %d threshold %f", layer, threshold)
		}
		assert.Len(t, profile.NeuronCounts[0], 1)
	}
}

func TestProfileLayerLimitAndRuleOverride(t *testing.T) {
	net := buildCNN(t)
	hook := nn.NewHook(net)
	grouping, err := BuildGrouping(hook, 0, nil)
	require.NoError(t, err)
	profiler := NewProfiler(hook, grouping, nil)

	profile := profiler.Profile(randomInput([]int{1, 16}, 2), Options{
		LayerLimit:     2,
		Threshold:      0.5,
		RuleThresholds: map[Rule]float64{RuleLinear: 0.1},
	})
	require.NoError(t, profile.Err)
	assert.Equal(t, []int{0, 1, 2}, profile.Layers())
	assert.Len(t, profile.NeuronCounts[1][0], 3)
	assert.Len(t, profile.NeuronCounts[2][0], 6)
}

func TestProfileAbortsWithPartialResult(t *testing.T) {
	net := buildCNN(t)
	hook := nn.NewHook(net)
	grouping, err := BuildGrouping(hook, 0, nil)
	require.NoError(t, err)

	// point the third logical layer's rule at a layer of the wrong type
	broken := grouping.Layers()
	broken[2].Rule = RuleLinear
	var aborted []int
	profiler := NewProfiler(hook, Grouping{layers: broken}, nil)
	profiler.OnAbort = func(layer int, _ error) { aborted = append(aborted, layer) }

	profile := profiler.Profile(randomInput([]int{1, 16}, 4), Options{})
	require.Error(t, profile.Err)
	assert.Equal(t, []int{0, 1, 2}, profile.Layers())
	assert.Equal(t, []int{3}, aborted)

	failed := profiler.Profile(tensor.Zeros(3, 3), Options{})
	require.Error(t, failed.Err)
	assert.Empty(t, failed.Layers())
	assert.Equal(t, 0, failed.NumInputs)
}

func TestLinearRelevanceConservesWithoutBias(t *testing.T) {
	layer := nn.NewLinear("fc", 2, 1)
	copy(layer.Weight.Data, []float64{1, 2})
	rx, err := linearRelevance(layer, tensor.FromSlice([]float64{1, 1}), tensor.FromSlice([]float64{3}))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 2}, rx.Data, 1e-12)
}

func TestMaxPoolRelevanceRoutesToArgmax(t *testing.T) {
	pool := nn.NewMaxPool1D("pool", 2, 2, 0)
	x, err := tensor.New([]int{1, 4}, []float64{1, 3, 5, 2})
	require.NoError(t, err)
	rx, err := maxPoolRelevance(pool, x, tensor.FromSlice([]float64{0.4, 0.6}))
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.4, 0.6, 0}, rx.Data)
	assert.Equal(t, []int{1, 4}, rx.Shape)
}

func TestAvgPoolRelevanceProportionalToShare(t *testing.T) {
	pool := nn.NewAdaptiveAvgPool1D("avg", 1)
	x, err := tensor.New([]int{1, 2}, []float64{1, 3})
	require.NoError(t, err)
	rx, err := avgPoolRelevance(pool, x, tensor.FromSlice([]float64{8}))
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{2, 6}, rx.Data, 1e-9)
}

func TestConvRelevanceConservesWithoutBias(t *testing.T) {
	conv := nn.NewConv1D("conv", 1, 1, 2, 1, 0)
	copy(conv.Weight.Data, []float64{1, 1})
	x, err := tensor.New([]int{1, 3}, []float64{1, 2, 3})
	require.NoError(t, err)
	r, err := tensor.New([]int{1, 2}, []float64{3, 5})
	require.NoError(t, err)
	rx, err := convRelevance(conv, x, r)
	require.NoError(t, err)
	assert.InDelta(t, 8, rx.Sum(), 1e-9)
	assert.InDeltaSlice(t, []float64{1, 2 + 2, 3}, rx.Data, 1e-9)
}

func TestProfileMergeAppends(t *testing.T) {
	a := NewProfile()
	a.record(1, Contribution{Neurons: []int{1, 2}, Synapses: map[Synapse]int{{From: 1, To: 1, Layer: 1}: 1}, Weights: []float64{0.5}})
	a.NumInputs = 1
	b := NewProfile()
	b.record(1, Contribution{Neurons: []int{2, 3}, Synapses: map[Synapse]int{{From: 1, To: 1, Layer: 1}: 1}, Weights: []float64{0.7}})
	b.NumInputs = 1

	var total Profile
	total.Merge(a)
	total.Merge(b)
	assert.Equal(t, [][]int{{1, 2}, {2, 3}}, total.NeuronCounts[1])
	assert.Equal(t, 2, total.SynapseCounts[1][Synapse{From: 1, To: 1, Layer: 1}])
	assert.Equal(t, []float64{0.5, 0.7}, total.SynapseWeights[1])
	assert.Equal(t, 2, total.NumInputs)

	set, ok := total.NeuronSet(1)
	assert.True(t, ok)
	assert.Len(t, set, 3)
	_, ok = total.NeuronSet(4)
	assert.False(t, ok)
}

func TestRuleTextRoundTrip(t *testing.T) {
	for _, rule := range []Rule{RuleNone, RuleLinear, RuleMaxPool1D, RuleAdaptiveAvgPool1D, RuleConv1D} {
		text, err := rule.MarshalText()
		require.NoError(t, err)
		var parsed Rule
		require.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, rule, parsed)
	}
	_, err := ParseRule("softmax")
	assert.Error(t, err)
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, Options{Threshold: DefaultThreshold}.Validate())
	assert.NoError(t, Options{}.Validate())
	assert.Error(t, Options{Threshold: 1.2}.Validate())
	assert.Error(t, Options{LayerLimit: -1}.Validate())
	assert.Error(t, Options{RuleThresholds: map[Rule]float64{RuleConv1D: 2}}.Validate())
	assert.NoError(t, Options{RuleThresholds: map[Rule]float64{RuleConv1D: 0.1, RuleLinear: 0.1}}.Validate())
}
