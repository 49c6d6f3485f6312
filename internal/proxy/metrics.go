package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/die-net/gateproxy/internal/stats"
)

// Metrics are the proxy's Prometheus instruments. One Metrics value may be
// shared by several servers.
type Metrics struct {
	sessions   *prometheus.CounterVec
	rejections *prometheus.CounterVec
	errors     *prometheus.CounterVec
	tunnels    prometheus.Gauge
	bytes      *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics registers the proxy metrics with r. A nil r keeps them
// unregistered.
func NewMetrics(r prometheus.Registerer, namespace string) *Metrics {
	if r == nil {
		r = prometheus.NewRegistry() // This registry will be discarded.
	}
	f := promauto.With(r)

	return &Metrics{
		sessions: f.NewCounterVec(prometheus.CounterOpts{
			Name:      "proxy_sessions_total",
			Namespace: namespace,
			Help:      "Number of finished sessions by kind and outcome",
		}, []string{"kind", "outcome"}),
		rejections: f.NewCounterVec(prometheus.CounterOpts{
			Name:      "proxy_auth_rejections_total",
			Namespace: namespace,
			Help:      "Number of rejected authentication attempts",
		}, []string{"reason"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name:      "proxy_errors_total",
			Namespace: namespace,
			Help:      "Number of sessions answered with an error status",
		}, []string{"status"}),
		tunnels: f.NewGauge(prometheus.GaugeOpts{
			Name:      "proxy_tunnels_active",
			Namespace: namespace,
			Help:      "Number of open tunnels",
		}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Name:      "proxy_bytes_total",
			Namespace: namespace,
			Help:      "Bytes exchanged with clients, by direction",
		}, []string{"direction"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:      "proxy_session_duration_seconds",
			Namespace: namespace,
			Help:      "Duration of accepted sessions",
			Buckets:   []float64{.01, .05, .25, 1, 5, 30, 120, 600, 3600},
		}, []string{"kind"}),
	}
}

func (m *Metrics) rejection(reason string) {
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) error(status string) {
	m.errors.WithLabelValues(status).Inc()
}

func (m *Metrics) tunnelOpened() {
	m.tunnels.Inc()
}

func (m *Metrics) tunnelClosed() {
	m.tunnels.Dec()
}

func (m *Metrics) finished(kind stats.Kind, o outcome, seconds float64, uploaded, downloaded int64) {
	m.sessions.WithLabelValues(kind.String(), o.String()).Inc()
	if o == outcomeRejected {
		return
	}
	m.duration.WithLabelValues(kind.String()).Observe(seconds)
	m.bytes.WithLabelValues("upload").Add(float64(uploaded))
	m.bytes.WithLabelValues("download").Add(float64(downloaded))
}
