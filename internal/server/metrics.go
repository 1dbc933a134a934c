package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's prometheus instruments.
type Metrics struct {
	Requests       *prometheus.CounterVec
	Duration       *prometheus.HistogramVec
	BackendRetries *prometheus.CounterVec
}

// NewMetrics registers the gateway instruments on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Handled tool-invocation requests by method and outcome kind.",
		}, []string{"method", "kind"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end request handling duration.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		BackendRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_backend_retries_total",
			Help: "Backend call retries by operation.",
		}, []string{"op"}),
	}
}

// RetryHook adapts the retry counter to the backend client's hook signature.
func (m *Metrics) RetryHook() func(op string) {
	return func(op string) {
		m.BackendRetries.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) observe(method, kind string, seconds float64) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(method, kind).Inc()
	m.Duration.WithLabelValues(method).Observe(seconds)
}
