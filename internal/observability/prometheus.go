package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exports the collector counters to a Prometheus registry
type PrometheusMetrics struct {
	published *prometheus.CounterVec
	received  prometheus.Counter
	settled   *prometheus.CounterVec
	failed    prometheus.Counter
	failovers prometheus.Counter
}

var _ MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics registers the servicebus_* collectors with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		published: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "servicebus_published_total",
				Help: "Total number of messages handed to the bus by the publisher",
			},
			[]string{"status"}, // ok, failed
		),
		received: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "servicebus_received_total",
				Help: "Total number of messages pulled from the bus",
			},
		),
		settled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "servicebus_settled_total",
				Help: "Total number of message settlements by outcome",
			},
			[]string{"outcome"}, // completed, deferred, deadlettered, requeued
		),
		failed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "servicebus_handler_faults_total",
				Help: "Total number of handler invocations that returned an error or panicked",
			},
		),
		failovers: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "servicebus_failovers_total",
				Help: "Total number of operations routed to the secondary endpoint",
			},
		),
	}
}

func (m *PrometheusMetrics) IncPublished() {
	m.published.WithLabelValues("ok").Inc()
}

func (m *PrometheusMetrics) IncPublishFailed() {
	m.published.WithLabelValues("failed").Inc()
}

func (m *PrometheusMetrics) IncReceived() {
	m.received.Inc()
}

func (m *PrometheusMetrics) IncProcessed() {
	m.settled.WithLabelValues("completed").Inc()
}

func (m *PrometheusMetrics) IncFailed() {
	m.failed.Inc()
}

func (m *PrometheusMetrics) IncDeferred() {
	m.settled.WithLabelValues("deferred").Inc()
}

func (m *PrometheusMetrics) IncSentToDLQ() {
	m.settled.WithLabelValues("deadlettered").Inc()
}

func (m *PrometheusMetrics) IncRequeued() {
	m.settled.WithLabelValues("requeued").Inc()
}

func (m *PrometheusMetrics) IncFailover() {
	m.failovers.Inc()
}
