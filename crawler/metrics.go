// ABOUTME: Prometheus metrics emitted by the crawler
// ABOUTME: A nil registerer yields working but unregistered collectors

package crawler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	objects           prometheus.Counter
	connections       prometheus.Counter
	pushes            prometheus.Counter
	unresolvedHeaders prometheus.Counter
	nativeLinks       *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		objects: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "snapgraph_crawler_objects_total",
			Help: "Total number of managed objects discovered by the crawler.",
		}),
		connections: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "snapgraph_crawler_connections_total",
			Help: "Total number of connections recorded by the crawler.",
		}),
		pushes: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "snapgraph_crawler_pushes_total",
			Help: "Total number of pointers pushed onto the crawl work stack.",
		}),
		unresolvedHeaders: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "snapgraph_crawler_unresolved_headers_total",
			Help: "Total number of objects whose header did not resolve to a type.",
		}),
		nativeLinks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "snapgraph_crawler_native_links_total",
			Help: "Total number of managed objects linked to a native object, by strategy.",
		}, []string{"strategy"}),
		stageDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "snapgraph_crawler_stage_duration_seconds",
			Help:    "Time spent in each crawl stage.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"stage"}),
	}
}
