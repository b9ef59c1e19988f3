package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's prometheus collectors. A nil *Metrics is
// valid and records nothing, so components can be built without one.
type Metrics struct {
	registry *prometheus.Registry

	filesIndexed    *prometheus.CounterVec
	filesSkipped    *prometheus.CounterVec
	mirrorFailures  prometheus.Counter
	recordsInserted *prometheus.CounterVec
	embedDuration   prometheus.Histogram
	searchDuration  *prometheus.HistogramVec
	rebuildDuration prometheus.Histogram
	storeDegraded   prometheus.Gauge
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		filesIndexed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kbchat_files_indexed_total",
			Help: "Files successfully indexed into their category index.",
		}, []string{"category"}),
		filesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kbchat_files_skipped_total",
			Help: "Files skipped during indexing, by error code.",
		}, []string{"code"}),
		mirrorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kbchat_global_mirror_failures_total",
			Help: "Category inserts whose global mirror insert failed.",
		}),
		recordsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kbchat_records_inserted_total",
			Help: "Vector records inserted, by index scope.",
		}, []string{"scope"}),
		embedDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kbchat_embed_duration_seconds",
			Help:    "Duration of embedding batches.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		searchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kbchat_search_duration_seconds",
			Help:    "Duration of similarity searches, by chat mode.",
			Buckets: prometheus.DefBuckets,
		}, []string{"mode"}),
		rebuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kbchat_rebuild_duration_seconds",
			Help:    "Duration of full rebuilds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		storeDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kbchat_store_degraded",
			Help: "1 when the vector store fell back to a temporary location.",
		}),
	}

	reg.MustRegister(
		m.filesIndexed,
		m.filesSkipped,
		m.mirrorFailures,
		m.recordsInserted,
		m.embedDuration,
		m.searchDuration,
		m.rebuildDuration,
		m.storeDegraded,
	)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FileIndexed counts a successfully indexed file.
func (m *Metrics) FileIndexed(category string) {
	if m == nil {
		return
	}
	m.filesIndexed.WithLabelValues(category).Inc()
}

func (m *Metrics) FileSkipped(code string) {
	if m == nil {
		return
	}
	m.filesSkipped.WithLabelValues(code).Inc()
}

func (m *Metrics) MirrorFailed() {
	if m == nil {
		return
	}
	m.mirrorFailures.Inc()
}

func (m *Metrics) RecordsInserted(scope string, n int) {
	if m == nil {
		return
	}
	m.recordsInserted.WithLabelValues(scope).Add(float64(n))
}

func (m *Metrics) ObserveEmbed(d time.Duration) {
	if m == nil {
		return
	}
	m.embedDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveSearch(mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.searchDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) ObserveRebuild(d time.Duration) {
	if m == nil {
		return
	}
	m.rebuildDuration.Observe(d.Seconds())
}

func (m *Metrics) SetStoreDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.storeDegraded.Set(1)
	} else {
		m.storeDegraded.Set(0)
	}
}
