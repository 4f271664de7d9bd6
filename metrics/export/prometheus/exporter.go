package prometheus

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	authkit "github.com/signalpost/authkit"
)

const namespace = "authkit"

type metricsSource interface {
	MetricsSnapshot() authkit.MetricsSnapshot
	AuditDropped() uint64
}

// Collector exposes engine counters as Prometheus metrics. It reads a
// point-in-time snapshot on every scrape, so it never blocks the
// engine's hot path.
type Collector struct {
	source  metricsSource
	descs   map[authkit.MetricID]*prometheus.Desc
	dropped *prometheus.Desc
}

// NewCollector creates a Collector reading from engine.
func NewCollector(engine *authkit.Engine) *Collector {
	return NewCollectorFromSource(engine)
}

// NewCollectorFromSource creates a Collector from a custom source.
func NewCollectorFromSource(source metricsSource) *Collector {
	c := &Collector{
		source: source,
		descs:  make(map[authkit.MetricID]*prometheus.Desc),
		dropped: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "audit_dropped_total"),
			"Audit events discarded due to dispatcher backpressure.",
			nil, nil,
		),
	}
	for id := range source.MetricsSnapshot().Counters {
		c.descs[id] = prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", id.Name()+"_total"),
			"Engine counter "+id.Name()+".",
			nil, nil,
		)
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range c.descs {
		ch <- desc
	}
	ch <- c.dropped
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.source.MetricsSnapshot()
	for id, value := range snapshot.Counters {
		desc, ok := c.descs[id]
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(value))
	}
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(c.source.AuditDropped()))
}

// Handler returns an http.Handler serving a registry containing only
// this collector.
func (c *Collector) Handler() http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(c)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
