// Package metrics provides Prometheus metrics for the tile packager.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the packager.
type Metrics struct {
	// Cycle metrics
	CyclesTotal  *prometheus.CounterVec
	CyclesFailed *prometheus.CounterVec

	// Package metrics
	PackagesBuilt   *prometheus.CounterVec
	PackagesSkipped *prometheus.CounterVec

	// Tile metrics
	TilesFetched     *prometheus.CounterVec
	TileFetchErrors  *prometheus.CounterVec
	TilesDeleted     *prometheus.CounterVec

	// Upstream state
	TreeSize *prometheus.GaugeVec

	// Timing metrics
	FetchDuration    *prometheus.HistogramVec
	AssembleDuration *prometheus.HistogramVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. ":9090"
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "heliotorrent"
	}

	m := &Metrics{
		CyclesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_total",
				Help:      "Total number of worker cycles started",
			},
			[]string{"log"},
		),
		CyclesFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_failed_total",
				Help:      "Total number of worker cycles abandoned on error",
			},
			[]string{"log", "stage"},
		),
		PackagesBuilt: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packages_built_total",
				Help:      "Total number of torrent packages assembled",
			},
			[]string{"log"},
		),
		PackagesSkipped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "packages_skipped_total",
				Help:      "Total number of packages reused because the artifact already existed",
			},
			[]string{"log"},
		),
		TilesFetched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tiles_fetched_total",
				Help:      "Total number of tile files downloaded and finalized",
			},
			[]string{"log"},
		),
		TileFetchErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tile_fetch_errors_total",
				Help:      "Total number of tile downloads that failed",
			},
			[]string{"log"},
		),
		TilesDeleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tiles_deleted_total",
				Help:      "Total number of mirrored tiles removed by retention",
			},
			[]string{"log"},
		),
		TreeSize: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tree_size",
				Help:      "Last observed upstream tree size",
			},
			[]string{"log"},
		),
		FetchDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "group_fetch_duration_seconds",
				Help:      "Time to download the tiles of one entry range",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"log"},
		),
		AssembleDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "assemble_duration_seconds",
				Help:      "Time to build the torrent artifact for one entry range",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
			[]string{"log"},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncCycles increments the cycle counter for a log.
func (m *Metrics) IncCycles(log string) {
	m.CyclesTotal.WithLabelValues(log).Inc()
}

// IncCycleFailed records an abandoned cycle and the stage it failed in.
func (m *Metrics) IncCycleFailed(log, stage string) {
	m.CyclesFailed.WithLabelValues(log, stage).Inc()
}

// IncPackagesBuilt increments the packages-built counter.
func (m *Metrics) IncPackagesBuilt(log string) {
	m.PackagesBuilt.WithLabelValues(log).Inc()
}

// IncPackagesSkipped increments the packages-skipped counter.
func (m *Metrics) IncPackagesSkipped(log string) {
	m.PackagesSkipped.WithLabelValues(log).Inc()
}

// AddTilesFetched adds to the tiles-fetched counter.
func (m *Metrics) AddTilesFetched(log string, n float64) {
	m.TilesFetched.WithLabelValues(log).Add(n)
}

// AddTileFetchErrors adds to the tile-fetch-error counter.
func (m *Metrics) AddTileFetchErrors(log string, n float64) {
	m.TileFetchErrors.WithLabelValues(log).Add(n)
}

// AddTilesDeleted adds to the retention deletion counter.
func (m *Metrics) AddTilesDeleted(log string, n float64) {
	m.TilesDeleted.WithLabelValues(log).Add(n)
}

// SetTreeSize records the last observed upstream tree size.
func (m *Metrics) SetTreeSize(log string, size float64) {
	m.TreeSize.WithLabelValues(log).Set(size)
}

// ObserveFetchDuration records the time spent downloading one group.
func (m *Metrics) ObserveFetchDuration(log string, seconds float64) {
	m.FetchDuration.WithLabelValues(log).Observe(seconds)
}

// ObserveAssembleDuration records the time spent assembling one artifact.
func (m *Metrics) ObserveAssembleDuration(log string, seconds float64) {
	m.AssembleDuration.WithLabelValues(log).Observe(seconds)
}
