package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "surveyplanner"

// Metrics holds the counters shared by the fetch client, the workflow
// engine, the mirror and the store fallback path. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	fetchAttempts  *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	mirrorWrites   *prometheus.CounterVec
	storeFallbacks *prometheus.CounterVec
}

// NewMetrics builds the counters and registers them with reg when reg is
// non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Remote request attempts by outcome (accept, try_next, abort, network, malformed).",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_transitions_total",
			Help:      "Plan workflow state transitions.",
		}, []string{"from", "to"}),
		mirrorWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_writes_total",
			Help:      "Local mirror writes by result.",
		}, []string{"result"}),
		storeFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_fallbacks_total",
			Help:      "Survey store failures recovered locally, by operation.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.fetchAttempts, m.transitions, m.mirrorWrites, m.storeFallbacks)
	}
	return m
}

func (m *Metrics) FetchAttempt(outcome string) {
	if m == nil {
		return
	}
	m.fetchAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) MirrorWrite(result string) {
	if m == nil {
		return
	}
	m.mirrorWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) StoreFallback(op string) {
	if m == nil {
		return
	}
	m.storeFallbacks.WithLabelValues(op).Inc()
}
