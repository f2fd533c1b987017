package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the upload pipeline and the
// download cache. A nil *Metrics records nothing.
type Metrics struct {
	uploads        *prometheus.CounterVec
	uploadDuration *prometheus.HistogramVec
	rejections     *prometheus.CounterVec
	deletions      *prometheus.CounterVec
	orphans        prometheus.Counter
	cacheHits      *prometheus.CounterVec
	cacheMisses    *prometheus.CounterVec
	cacheSize      *prometheus.GaugeVec
}

// New creates the metrics and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		uploads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reservoir_uploads_total",
				Help: "Uploads by kind (create, revise) and result",
			},
			[]string{"kind", "result"},
		),
		uploadDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reservoir_upload_duration_seconds",
				Help:    "Duration of upload requests from spooling to commit",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"kind"},
		),
		rejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reservoir_upload_rejections_total",
				Help: "Rejected uploads by reason",
			},
			[]string{"reason"},
		),
		deletions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reservoir_deletions_total",
				Help: "Model deletions by result",
			},
			[]string{"result"},
		),
		orphans: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "reservoir_orphaned_directories_total",
				Help: "Model directories left behind after their catalog rows were deleted",
			},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reservoir_cache_hits_total",
				Help: "Download cache hits by layer",
			},
			[]string{"layer"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reservoir_cache_misses_total",
				Help: "Download cache misses by layer",
			},
			[]string{"layer"},
		),
		cacheSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "reservoir_cache_size_bytes",
				Help: "Bytes held by a cache layer",
			},
			[]string{"layer"},
		),
	}
}

func (m *Metrics) ObserveUpload(kind, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(kind, result).Inc()
	m.uploadDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordDeletion(result string) {
	if m == nil {
		return
	}
	m.deletions.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordOrphan() {
	if m == nil {
		return
	}
	m.orphans.Inc()
}

func (m *Metrics) CacheHit(layer string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(layer).Inc()
}

func (m *Metrics) CacheMiss(layer string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(layer).Inc()
}

func (m *Metrics) SetCacheSize(layer string, bytes int64) {
	if m == nil {
		return
	}
	m.cacheSize.WithLabelValues(layer).Set(float64(bytes))
}
