package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"influence/internal/resilience"
	"influence/pkg/platform/circuit"
)

// Metrics provides observability for outbound source calls.
type Metrics struct {
	// Attempts by source, outcome and HTTP status
	Calls *prometheus.CounterVec

	// Attempt latency by source
	CallLatency *prometheus.HistogramVec

	// Circuit state by source: 0 closed, 1 open, 2 half-open
	CircuitState *prometheus.GaugeVec
}

// New registers the resilience metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Calls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "influence_source_calls_total",
			Help: "Outbound source call attempts by outcome and HTTP status",
		}, []string{"source", "outcome", "status"}),

		CallLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "influence_source_call_duration_seconds",
			Help:    "Duration of outbound source call attempts",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"source"}),

		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "influence_source_circuit_state",
			Help: "Circuit breaker state per source (0 closed, 1 open, 2 half-open)",
		}, []string{"source"}),
	}
}

var _ resilience.Recorder = (*Metrics)(nil)

// ObserveCall records one attempt.
func (m *Metrics) ObserveCall(call resilience.Call) {
	if m == nil {
		return
	}
	source := string(call.Source)
	m.Calls.WithLabelValues(source, string(call.Outcome), strconv.Itoa(call.HTTPStatus)).Inc()
	if call.Latency > 0 {
		m.CallLatency.WithLabelValues(source).Observe(call.Latency.Seconds())
	}
}

// SetCircuitState matches circuit.WithOnStateChange.
func (m *Metrics) SetCircuitState(name string, _, to circuit.State) {
	if m != nil {
		m.CircuitState.WithLabelValues(name).Set(float64(to))
	}
}
