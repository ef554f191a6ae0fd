// ABOUTME: Prometheus metrics for event processing and webhook handling
// ABOUTME: A nil *Metrics is valid and records nothing

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event outcomes.
const (
	OutcomeProcessed  = "processed"
	OutcomeIgnored    = "ignored"
	OutcomeSkipped    = "skipped"
	OutcomeDuplicate  = "duplicate"
	OutcomeAbend      = "abend"
	OutcomeStoreError = "store_error"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	events       *prometheus.CounterVec   // By platform, flow and outcome
	flowDuration *prometheus.HistogramVec // By flow
	webhooks     *prometheus.CounterVec   // By platform and status code class
	inFlight     prometheus.Gauge
}

// New creates and registers the collectors, including the Go runtime and
// process collectors.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skillbot",
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Total number of inbound events by outcome",
		}, []string{"platform", "flow", "outcome"}),

		flowDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "skillbot",
			Subsystem: "flow",
			Name:      "duration_seconds",
			Help:      "Flow run duration in seconds, including NLU and delivery calls",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"flow"}),

		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skillbot",
			Subsystem: "gateway",
			Name:      "webhook_requests_total",
			Help:      "Total number of webhook requests by response status",
		}, []string{"platform", "status"}),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "skillbot",
			Subsystem: "session",
			Name:      "events_in_flight",
			Help:      "Number of events currently being processed",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.events, m.flowDuration, m.webhooks, m.inFlight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordEvent counts one event outcome.
func (m *Metrics) RecordEvent(platform, flow, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(platform, flow, outcome).Inc()
}

// ObserveFlow records how long a flow run took.
func (m *Metrics) ObserveFlow(flow string, d time.Duration) {
	if m == nil {
		return
	}
	m.flowDuration.WithLabelValues(flow).Observe(d.Seconds())
}

// RecordWebhook counts one webhook response.
func (m *Metrics) RecordWebhook(platform string, status int) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(platform, statusClass(status)).Inc()
}

// TrackInFlight increments the in-flight gauge and returns its decrement.
func (m *Metrics) TrackInFlight() func() {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	}
	return "2xx"
}
