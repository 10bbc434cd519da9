package sourcemaps

import (
	"github.com/prometheus/client_golang/prometheus"
)

type sourceMapMetrics struct {
	cacheSize prometheus.Gauge
	downloads *prometheus.CounterVec
	fileReads *prometheus.CounterVec
	s3Reads   *prometheus.CounterVec
}

func newSourceMapMetrics(reg prometheus.Registerer) *sourceMapMetrics {
	m := &sourceMapMetrics{
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stackproc_sourcemap_cache_size",
			Help: "number of items in source map cache",
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackproc_sourcemap_downloads_total",
			Help: "downloads by the source map service",
		}, []string{"origin", "http_status"}),
		fileReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackproc_sourcemap_file_reads_total",
			Help: "source map file reads from file system, by origin and status",
		}, []string{"origin", "status"}),
		s3Reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackproc_sourcemap_s3_reads_total",
			Help: "source map object reads from S3, by bucket and status",
		}, []string{"bucket", "status"}),
	}

	if reg != nil {
		reg.MustRegister(m.cacheSize, m.downloads, m.fileReads, m.s3Reads)
	}
	return m
}
