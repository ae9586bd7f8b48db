package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the agent. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry         *prometheus.Registry
	requestsTotal    *prometheus.CounterVec
	publishers       prometheus.Gauge
	stages           prometheus.Gauge
	layers           prometheus.Gauge
	republishTotal   *prometheus.CounterVec
	broadcastStarts  *prometheus.CounterVec
	stageErrorsTotal *prometheus.CounterVec
	freeSlotSignals  prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meet_http_requests_total",
			Help: "Total number of control API requests by status class",
		}, []string{"class"}),
		publishers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meet_publishers",
			Help: "Number of participants currently publishing across all stages",
		}),
		stages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meet_stages",
			Help: "Number of stages owned by the factory",
		}),
		layers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meet_composition_layers",
			Help: "Number of layers in the composed broadcast",
		}),
		republishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meet_republish_total",
			Help: "Republish cycles by outcome",
		}, []string{"outcome"}),
		broadcastStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meet_broadcast_starts_total",
			Help: "Broadcast start attempts by outcome",
		}, []string{"outcome"}),
		stageErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meet_stage_errors_total",
			Help: "Stage errors by category",
		}, []string{"category"}),
		freeSlotSignals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meet_free_slot_signals_total",
			Help: "Should-unpublish signals delivered to local stages",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.publishers,
		m.stages,
		m.layers,
		m.republishTotal,
		m.broadcastStarts,
		m.stageErrorsTotal,
		m.freeSlotSignals,
	)
	return m
}

func (m *Metrics) IncRequests(status int) {
	if m == nil {
		return
	}
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	}
	m.requestsTotal.WithLabelValues(class).Inc()
}

func (m *Metrics) SetPublishers(n int) {
	if m == nil {
		return
	}
	m.publishers.Set(float64(n))
}

func (m *Metrics) SetStages(n int) {
	if m == nil {
		return
	}
	m.stages.Set(float64(n))
}

func (m *Metrics) SetLayers(n int) {
	if m == nil {
		return
	}
	m.layers.Set(float64(n))
}

// ObserveRepublish records a finished republish cycle: ok, failed or canceled.
func (m *Metrics) ObserveRepublish(outcome string) {
	if m == nil {
		return
	}
	m.republishTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveBroadcastStart(outcome string) {
	if m == nil {
		return
	}
	m.broadcastStarts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncStageErrors(category string) {
	if m == nil {
		return
	}
	m.stageErrorsTotal.WithLabelValues(category).Inc()
}

func (m *Metrics) IncFreeSlotSignals() {
	if m == nil {
		return
	}
	m.freeSlotSignals.Inc()
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry. updateGauges runs before each scrape.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
