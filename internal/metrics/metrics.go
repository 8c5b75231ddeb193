// Package metrics exposes Prometheus collectors for the orchestrator, the bus
// and the reconciler. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "solo"

// Metrics groups every collector the daemon exports.
type Metrics struct {
	messages      *prometheus.CounterVec
	pauseCommands prometheus.Counter
	removals      *prometheus.CounterVec
	probes        *prometheus.CounterVec
	dropped       *prometheus.CounterVec
	records       *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages handled by the orchestrator, by kind.",
		}, []string{"kind"}),
		pauseCommands: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pause_commands_total",
			Help:      "Pause commands issued to enforce a single active producer.",
		}),
		removals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_removals_total",
			Help:      "Context records removed from the registry, by reason.",
		}, []string{"reason"}),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_probes_total",
			Help:      "Reconciliation liveness probes, by outcome.",
		}, []string{"outcome"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Messages dropped because a queue or subscriber was full.",
		}, []string{"component"}),
		records: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_records",
			Help:      "Context records currently in the registry, by status.",
		}, []string{"status"}),
	}
	reg.MustRegister(m.messages, m.pauseCommands, m.removals, m.probes, m.dropped, m.records)
	return m
}

func (m *Metrics) Message(kind string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(kind).Inc()
}

func (m *Metrics) PauseCommand() {
	if m == nil {
		return
	}
	m.pauseCommands.Inc()
}

func (m *Metrics) Removal(reason string) {
	if m == nil {
		return
	}
	m.removals.WithLabelValues(reason).Inc()
}

func (m *Metrics) Probe(outcome string) {
	if m == nil {
		return
	}
	m.probes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Dropped(component string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(component).Inc()
}

// Records replaces the per-status gauge values.
func (m *Metrics) Records(byStatus map[string]int) {
	if m == nil {
		return
	}
	for status, n := range byStatus {
		m.records.WithLabelValues(status).Set(float64(n))
	}
}
