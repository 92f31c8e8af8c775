// Package metrics exposes experiment progress as Prometheus collectors.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flguard"

// Recorder is safe to use as a nil pointer, which records nothing.
type Recorder struct {
	rounds             prometheus.Counter
	clientsFlagged     prometheus.Counter
	samplesFlagged     prometheus.Counter
	aggregationFailure prometheus.Counter
	profileAborts      prometheus.Counter
	consensusFeatures  prometheus.Gauge
	globalAccuracy     prometheus.Gauge
	globalLoss         prometheus.Gauge
	detection          *prometheus.GaugeVec
}

// NewRecorder registers the collectors on reg. Collectors that are already
// registered there are reused.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Federated rounds completed.",
		}),
		clientsFlagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clients_flagged_total",
			Help:      "Client updates labeled poisoned by the defense.",
		}),
		samplesFlagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_flagged_total",
			Help:      "Training samples flagged by the localizer.",
		}),
		aggregationFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregation_failures_total",
			Help:      "Rounds in which every client was labeled poisoned.",
		}),
		profileAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profile_aborts_total",
			Help:      "Relevance profiles cut short by an error.",
		}),
		consensusFeatures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consensus_features",
			Help:      "Width of the last defense feature matrix.",
		}),
		globalAccuracy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "global_accuracy",
			Help:      "Test accuracy of the global model after the last round.",
		}),
		globalLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "global_loss",
			Help:      "Test loss of the global model after the last round.",
		}),
		detection: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "defense",
			Name:      "detection_ratio",
			Help:      "Client-level precision and recall of the last defended round.",
		}, []string{"measure"}),
	}
	if reg == nil {
		return r, nil
	}
	var err error
	r.rounds = register(reg, r.rounds, &err).(prometheus.Counter)
	r.clientsFlagged = register(reg, r.clientsFlagged, &err).(prometheus.Counter)
	r.samplesFlagged = register(reg, r.samplesFlagged, &err).(prometheus.Counter)
	r.aggregationFailure = register(reg, r.aggregationFailure, &err).(prometheus.Counter)
	r.profileAborts = register(reg, r.profileAborts, &err).(prometheus.Counter)
	r.consensusFeatures = register(reg, r.consensusFeatures, &err).(prometheus.Gauge)
	r.globalAccuracy = register(reg, r.globalAccuracy, &err).(prometheus.Gauge)
	r.globalLoss = register(reg, r.globalLoss, &err).(prometheus.Gauge)
	r.detection = register(reg, r.detection, &err).(*prometheus.GaugeVec)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func register(reg prometheus.Registerer, c prometheus.Collector, errp *error) prometheus.Collector {
	if *errp != nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector
		}
		*errp = err
	}
	return c
}

func (r *Recorder) RoundCompleted(accuracy, loss float64) {
	if r == nil {
		return
	}
	r.rounds.Inc()
	r.globalAccuracy.Set(accuracy)
	r.globalLoss.Set(loss)
}

func (r *Recorder) ClientsFlagged(n int, consensusWidth int) {
	if r == nil {
		return
	}
	r.clientsFlagged.Add(float64(n))
	r.consensusFeatures.Set(float64(consensusWidth))
}

func (r *Recorder) Detection(precision, recall float64) {
	if r == nil {
		return
	}
	r.detection.WithLabelValues("precision").Set(precision)
	r.detection.WithLabelValues("recall").Set(recall)
}

func (r *Recorder) SamplesFlagged(n int) {
	if r == nil {
		return
	}
	r.samplesFlagged.Add(float64(n))
}

func (r *Recorder) AggregationFailed() {
	if r == nil {
		return
	}
	r.aggregationFailure.Inc()
}

func (r *Recorder) ProfileAborts(n int) {
	if r == nil {
		return
	}
	r.profileAborts.Add(float64(n))
}
