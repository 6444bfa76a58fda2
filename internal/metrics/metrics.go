package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "predios_queries_total",
		Help: "Total spatial queries by operation",
	}, []string{"op"})
	QueryMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "predios_query_misses_total",
		Help: "Spatial queries that returned no parcel",
	}, []string{"op"})
	QueryDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "predios_query_duration_ms",
		Help:    "Spatial query duration in milliseconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 50, 100},
	}, []string{"op"})
	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "predios_cache_hits_total",
		Help: "Total redis query cache hits",
	})
	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "predios_cache_misses_total",
		Help: "Total redis query cache misses",
	})
	IndexSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "predios_index_points",
		Help: "Number of parcels in the active spatial index",
	})
	IndexDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "predios_index_depth",
		Help: "Height of the active spatial index",
	})
	IndexVersion = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "predios_index_version",
		Help: "Version counter of the active spatial index",
	})
	IndexBuildDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "predios_index_build_duration_ms",
		Help:    "Spatial index build duration in milliseconds",
		Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
	})
	IndexBuildFailTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "predios_index_build_fail_total",
		Help: "Spatial index builds rejected because of invalid points",
	})
	RefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "predios_refresh_total",
		Help: "Index refresh attempts by result",
	}, []string{"result"})
	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "predios_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})
	ParcelWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "predios_parcel_writes_total",
		Help: "Parcel create/update/delete requests by op and result",
	}, []string{"op", "result"})
)

func init() {
	prometheus.MustRegister(
		QueriesTotal,
		QueryMissesTotal,
		QueryDurationMs,
		CacheHitsTotal,
		CacheMissesTotal,
		IndexSize,
		IndexDepth,
		IndexVersion,
		IndexBuildDurationMs,
		IndexBuildFailTotal,
		RefreshTotal,
		RateLimitedTotal,
		ParcelWritesTotal,
	)
}

// Handler：Prometheus 抓取端点，在主入口挂载到 {API_BASE}/metrics
func Handler() http.Handler { return promhttp.Handler() }
