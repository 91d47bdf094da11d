// Package metric provides the Prometheus metrics registry for the
// BeezScale pipeline. Components receive a *Registry and record into the
// core metrics; a nil registry disables metrics entirely.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the core pipeline metrics
type Metrics struct {
	// Ingestion
	MessagesReceived  prometheus.Counter
	MessagesDiscarded *prometheus.CounterVec
	ReadingsStored    prometheus.Counter
	StorageErrors     prometheus.Counter

	// Broker connection
	BrokerConnected  prometheus.Gauge
	ConnectAttempts  prometheus.Counter
	BrokerReconnects prometheus.Counter

	// Live fan-out
	SessionsConnected prometheus.Gauge
	BroadcastsTotal   prometheus.Counter
	BroadcastErrors   prometheus.Counter
}

// Registry manages the registration and exposure of metrics
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
}

// NewRegistry creates a new metrics registry with core pipeline metrics
// and Go runtime collectors registered.
func NewRegistry() *Registry {
	prometheusRegistry := prometheus.NewRegistry()

	registry := &Registry{
		prometheusRegistry: prometheusRegistry,
		Metrics:            newMetrics(),
	}

	registry.registerMetrics()

	prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return registry
}

// newMetrics creates the core pipeline metrics
func newMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beezscale",
			Subsystem: "ingest",
			Name:      "messages_received_total",
			Help:      "Total messages received from the broker",
		}),
		MessagesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beezscale",
			Subsystem: "ingest",
			Name:      "messages_discarded_total",
			Help:      "Messages discarded before persistence",
		}, []string{"reason"}),
		ReadingsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beezscale",
			Subsystem: "ingest",
			Name:      "readings_stored_total",
			Help:      "Telemetry readings persisted to the entity store",
		}),
		StorageErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beezscale",
			Subsystem: "ingest",
			Name:      "storage_errors_total",
			Help:      "Failed persistence attempts (reading lost)",
		}),
		BrokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "beezscale",
			Subsystem: "broker",
			Name:      "connected",
			Help:      "Whether the broker connection is established (1/0)",
		}),
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beezscale",
			Subsystem: "broker",
			Name:      "connect_attempts_total",
			Help:      "Total broker connection attempts",
		}),
		BrokerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beezscale",
			Subsystem: "broker",
			Name:      "reconnects_total",
			Help:      "Reconnections after an unexpected disconnect",
		}),
		SessionsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "beezscale",
			Subsystem: "live",
			Name:      "sessions_connected",
			Help:      "Number of currently connected viewer sessions",
		}),
		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beezscale",
			Subsystem: "live",
			Name:      "broadcasts_total",
			Help:      "Total reading events fanned out to sessions",
		}),
		BroadcastErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "beezscale",
			Subsystem: "live",
			Name:      "broadcast_errors_total",
			Help:      "Failed session writes during fan-out",
		}),
	}
}

// registerMetrics registers all core pipeline metrics
func (r *Registry) registerMetrics() {
	r.prometheusRegistry.MustRegister(
		r.Metrics.MessagesReceived,
		r.Metrics.MessagesDiscarded,
		r.Metrics.ReadingsStored,
		r.Metrics.StorageErrors,
		r.Metrics.BrokerConnected,
		r.Metrics.ConnectAttempts,
		r.Metrics.BrokerReconnects,
		r.Metrics.SessionsConnected,
		r.Metrics.BroadcastsTotal,
		r.Metrics.BroadcastErrors,
	)
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Handler returns the HTTP handler exposing the registry
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{})
}
