// Package metrics exposes Prometheus counters for the proxy pipeline
// and crawler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the registry so tests can build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	UpstreamErrors *prometheus.CounterVec
	CrawlFetched   prometheus.Counter
	CrawlFailed    prometheus.Counter
	BytesServed    prometheus.Counter
}

// New builds a Metrics with its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "waybackproxy_requests_total",
			Help: "Forward-proxy requests by cache outcome.",
		}, []string{"outcome"}),
		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "waybackproxy_upstream_errors_total",
			Help: "Archive fetch failures by kind.",
		}, []string{"kind"}),
		CrawlFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "waybackproxy_crawl_fetched_total",
			Help: "URLs fetched into the curated tier.",
		}),
		CrawlFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "waybackproxy_crawl_failed_total",
			Help: "Crawl fetch failures.",
		}),
		BytesServed: factory.NewCounter(prometheus.CounterOpts{
			Name: "waybackproxy_bytes_served_total",
			Help: "Response body bytes written to clients.",
		}),
	}
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
