// Package metrics provides Prometheus metrics for the SSH proxy.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sshproxy"

// Metrics holds every counter/gauge/histogram the proxy and keysign helper
// update. Handshake and session metrics cover internal/kex and
// internal/proxy; keysign metrics cover internal/keysign.
type Metrics struct {
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	SessionErrors  *prometheus.CounterVec

	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec

	BytesForwarded *prometheus.CounterVec // label: direction (client_to_server|server_to_client)

	KeysignRequests    prometheus.Counter
	KeysignRejects     *prometheus.CounterVec // label: reason
	KeysignSignLatency prometheus.Histogram
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance, registered against the
// default Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the default
// Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance against reg, so
// tests can use a throwaway registry instead of the global one.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently proxied SSH sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of proxied SSH sessions accepted",
		}),
		SessionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Total session teardown errors by cause",
		}, []string{"reason"}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of ECDH key exchange latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total key exchange failures by cause",
		}, []string{"reason"}),

		BytesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Total bytes forwarded between proxy legs",
		}, []string{"direction"}),

		KeysignRequests: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keysign_requests_total",
			Help:      "Total hostbased signing requests received",
		}),
		KeysignRejects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keysign_rejects_total",
			Help:      "Total hostbased signing requests rejected by reason",
		}, []string{"reason"}),
		KeysignSignLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "keysign_sign_latency_seconds",
			Help:      "Histogram of host-key signing latency in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05},
		}),
	}
}
