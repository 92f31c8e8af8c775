package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	require.NoError(t, err)

	r.RoundCompleted(0.75, 0.4)
	r.RoundCompleted(0.9, 0.2)
	r.ClientsFlagged(3, 12)
	r.SamplesFlagged(40)
	r.AggregationFailed()
	r.ProfileAborts(2)
	r.Detection(1, 0.5)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.rounds))
	assert.Equal(t, 0.9, testutil.ToFloat64(r.globalAccuracy))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.clientsFlagged))
	assert.Equal(t, 12.0, testutil.ToFloat64(r.consensusFeatures))
	assert.Equal(t, 40.0, testutil.ToFloat64(r.samplesFlagged))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.aggregationFailure))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.profileAborts))
	assert.Equal(t, 0.5, testutil.ToFloat64(r.detection.WithLabelValues("recall")))

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 10, count)
}

func TestRecorderReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewRecorder(reg)
	require.NoError(t, err)
	second, err := NewRecorder(reg)
	require.NoError(t, err)

	second.RoundCompleted(1, 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(first.rounds))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.RoundCompleted(1, 1)
	r.ClientsFlagged(1, 1)
	r.SamplesFlagged(1)
	r.AggregationFailed()
	r.ProfileAborts(1)
	r.Detection(1, 1)
}
