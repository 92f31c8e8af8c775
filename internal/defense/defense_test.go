package defense

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flguard/internal/importance"
	"flguard/internal/nn"
	"flguard/internal/tensor"
)

func TestConsensusIndexIsStrict(t *testing.T) {
	selections := make([]importance.Selection, 10)
	for i := range selections {
		selections[i] = importance.Selection{"fc.weight": {7}}
	}

	assert.Empty(t, ConsensusIndex(selections, 90)["fc.weight"])
	assert.Empty(t, ConsensusIndex(selections, 10)["fc.weight"])
	assert.Equal(t, []int{7}, ConsensusIndex(selections, 9)["fc.weight"])
}

func TestConsensusIndexSortedAndPerParameter(t *testing.T) {
	selections := []importance.Selection{
		{"a": {5, 1, 3}, "b": {0}},
		{"a": {3, 5}, "b": {1}},
		{"a": {5, 3, 2}},
	}
	consensus := ConsensusIndex(selections, 1)
	assert.Equal(t, []int{3, 5}, consensus["a"])
	assert.Empty(t, consensus["b"])
}

func TestFeatureMatrixSkipsEmptyConsensus(t *testing.T) {
	pre := nn.Params{
		"a": tensor.FromSlice([]float64{1, 1, 1}),
		"b": tensor.FromSlice([]float64{0, 0}),
	}
	clients := []nn.Params{
		{"a": tensor.FromSlice([]float64{2, 1, 4}), "b": tensor.FromSlice([]float64{9, 9})},
		{"a": tensor.FromSlice([]float64{0, 1, 1}), "b": tensor.FromSlice([]float64{9, 9})},
	}

	rows, err := FeatureMatrix(clients, pre, map[string][]int{"a": {0, 2}, "b": {}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 3}, {-1, 0}}, rows)

	rows, err = FeatureMatrix(clients, pre, map[string][]int{"a": {}, "b": {}})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Empty(t, rows[0])

	_, err = FeatureMatrix(clients, pre, map[string][]int{"a": {5}})
	assert.Error(t, err)
}

func TestMinMaxScale(t *testing.T) {
	scaled := MinMaxScale([][]float64{{1, 4, 2}, {3, 4, 2}, {2, 4, 6}})
	assert.Equal(t, [][]float64{{0, 0, 0}, {1, 0, 0}, {0.5, 0, 1}}, scaled)
	assert.Empty(t, MinMaxScale(nil))
	assert.Equal(t, [][]float64{{}, {}}, MinMaxScale([][]float64{{}, {}}))
	assert.Equal(t, [][]float64{{0, 0}}, MinMaxScale([][]float64{{5, -3}}))
}

func TestAggregateMeansCleanClientsExactly(t *testing.T) {
	clients := []nn.Params{
		{"w": tensor.FromSlice([]float64{2, 4, -6}), "b": tensor.FromSlice([]float64{1})},
		{"w": tensor.FromSlice([]float64{4, 8, 2}), "b": tensor.FromSlice([]float64{3})},
		{"w": tensor.FromSlice([]float64{100, 100, 100}), "b": tensor.FromSlice([]float64{100})},
	}
	global, err := Aggregate(clients, []int{0, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 6, -2}, global["w"].Data)
	assert.Equal(t, []float64{2}, global["b"].Data)
	assert.Equal(t, 2.0, clients[0]["w"].Data[0], "inputs must not be mutated")
}

func TestAggregateAllPoisoned(t *testing.T) {
	clients := []nn.Params{
		{"w": tensor.FromSlice([]float64{1})},
		{"w": tensor.FromSlice([]float64{2})},
	}
	_, err := Aggregate(clients, []int{1, 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoCleanClients))
	var aggErr *AggregationError
	require.True(t, errors.As(err, &aggErr))
	assert.Equal(t, 2, aggErr.Poisoned)

	_, err = Aggregate(clients, []int{0})
	assert.Error(t, err)
}

func TestFedAvg(t *testing.T) {
	global, err := FedAvg([]nn.Params{
		{"w": tensor.FromSlice([]float64{1, 2})},
		{"w": tensor.FromSlice([]float64{3, 6})},
	})
	require.NoError(t, err)
	assert.Equal(t, []float64{2, 4}, global["w"].Data)

	_, err = FedAvg(nil)
	assert.ErrorIs(t, err, ErrNoUpdates)

	_, err = FedAvg([]nn.Params{
		{"w": tensor.FromSlice([]float64{1, 2})},
		{"v": tensor.FromSlice([]float64{1, 2})},
	})
	assert.Error(t, err)
}

func gridWithOutlier() [][]float64 {
	rows := make([][]float64, 0, 10)
	for x := 0; x < 3; x++ {
		for y := 0; y < 3; y++ {
			rows = append(rows, []float64{0.1 * float64(x), 0.1 * float64(y)})
		}
	}
	return append(rows, []float64{5, 5})
}

func TestDetectorsFlagIsolatedRow(t *testing.T) {
	for _, detector := range []Detector{NewSOS(3, 0.1), NewLOF(3, 0.1)} {
		verdict, err := detector.Fit(gridWithOutlier())
		require.NoError(t, err, detector.Name())
		want := make([]int, 10)
		want[9] = 1
		assert.Equal(t, want, verdict.Labels, detector.Name())
		assert.Len(t, verdict.Scores, 10)
	}
}

func TestLOFDuplicateRowsAreDense(t *testing.T) {
	rows := [][]float64{{0, 0}, {0, 0}, {0, 0}, {0, 0}, {3, 3}}
	verdict, err := NewLOF(2, 0.2).Fit(rows)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0, 0, 1}, verdict.Labels)
	assert.Equal(t, 1.0, verdict.Scores[0])
}

func TestDetectorsDegenerateInput(t *testing.T) {
	for _, detector := range []Detector{NewSOS(90, 0.4), NewLOF(90, 0.4)} {
		verdict, err := detector.Fit([][]float64{{}, {}, {}})
		require.NoError(t, err)
		assert.Equal(t, []int{0, 0, 0}, verdict.Labels, detector.Name())

		verdict, err = detector.Fit([][]float64{{1, 2}})
		require.NoError(t, err)
		assert.Equal(t, []int{0}, verdict.Labels)

		_, err = detector.Fit([][]float64{{1, 2}, {1}})
		assert.Error(t, err)
	}
}

func TestNewDetectorUnknown(t *testing.T) {
	_, err := NewDetector("iforest", 0.1, 5)
	assert.Error(t, err)
}

func defendFixture() ([]importance.Selection, []nn.Params, nn.Params) {
	deltas := [][2]float64{
		{0, 0}, {0.1, 0}, {0, 0.1}, {0.1, 0.1},
		{0.2, 0}, {0, 0.2}, {0.2, 0.1}, {0.1, 0.2},
		{5, -5}, {-5, 5},
	}
	pre := nn.Params{"w": tensor.Zeros(4)}
	clients := make([]nn.Params, len(deltas))
	selections := make([]importance.Selection, len(deltas))
	for i, d := range deltas {
		clients[i] = nn.Params{"w": tensor.FromSlice([]float64{d[0], d[1], 7, 7})}
		selections[i] = importance.Selection{"w": {1, 0}}
	}
	return selections, clients, pre
}

func TestDefendExcludesOutlierClients(t *testing.T) {
	defender, err := New(Config{CoOccurrence: 5, Contamination: 0.2, Neighbors: 3, Detector: DetectorSOS}, nil)
	require.NoError(t, err)
	selections, clients, pre := defendFixture()

	result, err := defender.Defend(selections, clients, pre)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0, 0, 0, 0, 0, 0, 1, 1}, result.Labels)
	assert.Equal(t, []int{0, 1}, result.Consensus["w"])
	assert.Equal(t, 2, result.ConsensusSize())
	assert.InDelta(t, 0.0875, result.Global["w"].Data[0], 1e-12)
	assert.InDelta(t, 7, result.Global["w"].Data[2], 1e-12)
}

type fixedDetector struct{ labels []int }

func (f fixedDetector) Fit(rows [][]float64) (Verdict, error) {
	return Verdict{Labels: f.labels, Scores: make([]float64, len(rows))}, nil
}

func (f fixedDetector) Name() string { return "fixed" }

func TestDefendAllPoisonedReturnsLabels(t *testing.T) {
	defender, err := New(DefaultConfig(), nil)
	require.NoError(t, err)
	selections, clients, pre := defendFixture()
	ones := make([]int, len(clients))
	for i := range ones {
		ones[i] = 1
	}

	result, err := defender.withDetector(fixedDetector{labels: ones}).Defend(selections, clients, pre)
	var aggErr *AggregationError
	require.ErrorAs(t, err, &aggErr)
	assert.Equal(t, ones, result.Labels)
	assert.Nil(t, result.Global)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{CoOccurrence: 1, Contamination: 0, Neighbors: 5}.Validate())
	assert.Error(t, Config{CoOccurrence: 1, Contamination: 0.5, Neighbors: 1}.Validate())
}

func TestConfusion(t *testing.T) {
	c, err := NewConfusion([]int{1, 1, 0, 0, 1}, []int{1, 0, 1, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, Confusion{TP: 2, FP: 1, TN: 1, FN: 1}, c)
	assert.InDelta(t, 2.0/3, c.Precision(), 1e-12)
	assert.InDelta(t, 2.0/3, c.Recall(), 1e-12)
	assert.InDelta(t, 2.0/3, c.F1(), 1e-12)
}
