// Package metrics holds the Prometheus collectors shared by the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the counters the store, reconciler and retry controller
// report to. A nil *Metrics is valid and records nothing.
type Metrics struct {
	events   *prometheus.CounterVec
	statuses *prometheus.CounterVec
	sends    *prometheus.CounterVec
	retries  *prometheus.CounterVec
	uploads  *prometheus.CounterVec
	buffered prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_total",
			Help:      "Push events seen by the reconciler, by type and outcome.",
		}, []string{"type", "outcome"}),
		statuses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "status_updates_total",
			Help:      "Delivery status updates, by target status and outcome.",
		}, []string{"status", "outcome"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "sends_total",
			Help:      "Outbound send attempts, by outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "retries_total",
			Help:      "Retry controller runs, by outcome.",
		}, []string{"outcome"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "uploads_total",
			Help:      "Attachment uploads, by outcome.",
		}, []string{"outcome"}),
		buffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "buffered_events",
			Help:      "Push events held back waiting for a sequence gap to fill.",
		}),
	}
	reg.MustRegister(m.events, m.statuses, m.sends, m.retries, m.uploads, m.buffered)
	return m
}

func (m *Metrics) Event(typ, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(typ, outcome).Inc()
}

func (m *Metrics) Status(status, outcome string) {
	if m == nil {
		return
	}
	m.statuses.WithLabelValues(status, outcome).Inc()
}

func (m *Metrics) Send(outcome string) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Retry(outcome string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Upload(outcome string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddBuffered(delta int) {
	if m == nil {
		return
	}
	m.buffered.Add(float64(delta))
}
