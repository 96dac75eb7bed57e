// Package metrics defines the prometheus collectors shared by the pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gatedash"

// Metrics groups the pipeline collectors.
type Metrics struct {
	MessagesReceived  *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec
	HandlerErrors     *prometheus.CounterVec
	Classified        *prometheus.CounterVec
	MalformedPayloads prometheus.Counter
	BrokerConnected   prometheus.Gauge
	LogEntries        *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg when non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound broker messages with at least one registered handler.",
		}, []string{"topic"}),
		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages dropped because a topic lane was full.",
		}, []string{"topic"}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Handler failures (errors and recovered panics).",
		}, []string{"topic"}),
		Classified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classified_total",
			Help:      "Payloads classified, by message kind.",
		}, []string{"kind"}),
		MalformedPayloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_payloads_total",
			Help:      "Payloads that could not be decoded.",
		}),
		BrokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connected",
			Help:      "1 while the broker connection is up.",
		}),
		LogEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "log_entries",
			Help:      "Entries currently held per log buffer.",
		}, []string{"log"}),
	}
	if reg != nil {
		reg.MustRegister(m.MessagesReceived, m.MessagesDropped, m.HandlerErrors,
			m.Classified, m.MalformedPayloads, m.BrokerConnected, m.LogEntries)
	}
	return m
}

func (m *Metrics) Received(topic string) {
	if m != nil {
		m.MessagesReceived.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) Dropped(topic string) {
	if m != nil {
		m.MessagesDropped.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) HandlerFailed(topic string) {
	if m != nil {
		m.HandlerErrors.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) ClassifiedAs(kind string) {
	if m != nil {
		m.Classified.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Malformed() {
	if m != nil {
		m.MalformedPayloads.Inc()
	}
}

func (m *Metrics) Connected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.BrokerConnected.Set(1)
		return
	}
	m.BrokerConnected.Set(0)
}

func (m *Metrics) LogSize(log string, n int) {
	if m != nil {
		m.LogEntries.WithLabelValues(log).Set(float64(n))
	}
}
