package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pool_validator/pkg/data"
)

const namespace = "pool_validator"

// Recorder holds the validator's prometheus collectors
type Recorder struct {
	registry *prometheus.Registry

	rounds           *prometheus.CounterVec
	workerFailures   *prometheus.CounterVec
	roundDuration    prometheus.Histogram
	consensusSupport prometheus.Gauge
	weightsSubmitted prometheus.Gauge
}

// NewRecorder registers every collector on a fresh registry
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Validation rounds by outcome.",
		}, []string{"outcome"}),
		workerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_failures_total",
			Help:      "Worker calls that produced no payload, by reason.",
		}, []string{"reason"}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Wall-clock duration of a validation round.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}),
		consensusSupport: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consensus_support",
			Help:      "Number of workers backing the last consensus answer.",
		}),
		weightsSubmitted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "weights_submitted",
			Help:      "Number of entries in the last submitted weight allocation.",
		}),
	}

	r.registry.MustRegister(
		r.rounds,
		r.workerFailures,
		r.roundDuration,
		r.consensusSupport,
		r.weightsSubmitted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Registry exposes the underlying registry for the HTTP handler
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *Recorder) ObserveRound(outcome string, d time.Duration) {
	r.rounds.WithLabelValues(outcome).Inc()
	r.roundDuration.Observe(d.Seconds())
}

func (r *Recorder) WorkerFailure(reason data.FailureReason) {
	r.workerFailures.WithLabelValues(string(reason)).Inc()
}

func (r *Recorder) ConsensusSupport(n int) {
	r.consensusSupport.Set(float64(n))
}

func (r *Recorder) WeightsSubmitted(n int) {
	r.weightsSubmitted.Set(float64(n))
}
