// Package metrics holds the Prometheus collectors for worker activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "webworker"

// Exit reasons.
const (
	ExitClosed     = "closed"
	ExitTerminated = "terminated"
)

// Message directions.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

// Metrics holds the worker collectors. The zero of *Metrics (nil) is valid
// and records nothing.
type Metrics struct {
	WorkersStarted prometheus.Counter
	WorkersActive  prometheus.Gauge
	Exits          *prometheus.CounterVec
	Messages       *prometheus.CounterVec
	ConsoleChunks  *prometheus.CounterVec
	UncaughtErrors prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		WorkersStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_started_total",
			Help:      "Total number of workers started",
		}),
		WorkersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_active",
			Help:      "Number of workers neither terminated nor exited",
		}),
		Exits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_exits_total",
			Help:      "Total number of worker exits by reason",
		}, []string{"reason"}),
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total number of messages posted by direction",
		}, []string{"direction"}),
		ConsoleChunks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "console_chunks_total",
			Help:      "Total number of console output chunks by stream",
		}, []string{"stream"}),
		UncaughtErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uncaught_errors_total",
			Help:      "Total number of uncaught errors reported by workers",
		}),
	}
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) Started() {
	if m == nil {
		return
	}
	m.WorkersStarted.Inc()
	m.WorkersActive.Inc()
}

func (m *Metrics) Exited(reason string) {
	if m == nil {
		return
	}
	m.WorkersActive.Dec()
	m.Exits.WithLabelValues(reason).Inc()
}

func (m *Metrics) Message(direction string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(direction).Inc()
}

func (m *Metrics) Console(stream string) {
	if m == nil {
		return
	}
	m.ConsoleChunks.WithLabelValues(stream).Inc()
}

func (m *Metrics) UncaughtError() {
	if m == nil {
		return
	}
	m.UncaughtErrors.Inc()
}
