package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports registry snapshots as Prometheus metrics labeled by
// identity.
type Collector struct {
	reg Registry

	active     *prometheus.Desc
	requests   *prometheus.Desc
	uploaded   *prometheus.Desc
	downloaded *prometheus.Desc
}

// NewCollector returns a collector reading from reg.
func NewCollector(reg Registry, namespace string) *Collector {
	labels := []string{"identity"}
	return &Collector{
		reg:        reg,
		active:     prometheus.NewDesc(prometheus.BuildFQName(namespace, "identity", "active_connections"), "Open tunnels per identity", labels, nil),
		requests:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "identity", "requests_total"), "HTTP requests per identity", labels, nil),
		uploaded:   prometheus.NewDesc(prometheus.BuildFQName(namespace, "identity", "uploaded_bytes_total"), "Bytes read from clients per identity", labels, nil),
		downloaded: prometheus.NewDesc(prometheus.BuildFQName(namespace, "identity", "downloaded_bytes_total"), "Bytes written to clients per identity", labels, nil),
	}
}

var _ prometheus.Collector = (*Collector)(nil)

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.requests
	ch <- c.uploaded
	ch <- c.downloaded
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for id, s := range c.reg.Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(s.ActiveConnections), id)
		ch <- prometheus.MustNewConstMetric(c.requests, prometheus.CounterValue, float64(s.TotalRequests), id)
		ch <- prometheus.MustNewConstMetric(c.uploaded, prometheus.CounterValue, float64(s.BytesUploaded), id)
		ch <- prometheus.MustNewConstMetric(c.downloaded, prometheus.CounterValue, float64(s.BytesDownloaded), id)
	}
}
