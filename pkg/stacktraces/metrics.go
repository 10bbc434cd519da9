package stacktraces

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricKeys picks the key under which the duration of a run is recorded.
type MetricKeys struct {
	// Platforms maps a platform to a dedicated key. It is only used when
	// every stack trace of an event belongs to that single platform.
	Platforms map[string]string `yaml:"platforms,omitempty"`
	// Fallback is used for mixed, unknown or missing platforms.
	Fallback string `yaml:"fallback,omitempty"`
}

// DefaultMetricKeys holds the keys for the high volume platforms.
var DefaultMetricKeys = MetricKeys{
	Platforms: map[string]string{
		"javascript": "sourcemaps.process",
		"cocoa":      "dsym.process",
	},
	Fallback: "mixed.process",
}

// Key returns the metric key for a run over infos.
func (mk MetricKeys) Key(infos []*Info) string {
	platforms := Platforms(infos)
	if len(platforms) == 1 {
		for platform := range platforms {
			if key, ok := mk.Platforms[platform]; ok {
				return key
			}
		}
	}
	return mk.Fallback
}

// Timer receives the duration of processing runs.
type Timer interface {
	ObserveDuration(key, instance string, d time.Duration)
}

type nopTimer struct{}

func (nopTimer) ObserveDuration(string, string, time.Duration) {}

// PrometheusTimer records run durations in a histogram.
type PrometheusTimer struct {
	duration *prometheus.HistogramVec
}

var _ Timer = (*PrometheusTimer)(nil)

// NewPrometheusTimer creates a PrometheusTimer and registers it with reg.
func NewPrometheusTimer(reg prometheus.Registerer) *PrometheusTimer {
	t := &PrometheusTimer{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stackproc_processing_duration_seconds",
			Help:    "Time (in seconds) spent running stack trace processors over an event.",
			Buckets: prometheus.DefBuckets,
		}, []string{"key", "project"}),
	}
	if reg != nil {
		reg.MustRegister(t.duration)
	}
	return t
}

// ObserveDuration implements Timer.
func (t *PrometheusTimer) ObserveDuration(key, instance string, d time.Duration) {
	t.duration.WithLabelValues(key, instance).Observe(d.Seconds())
}

type pipelineMetrics struct {
	runs              *prometheus.CounterVec
	processorFaults   *prometheus.CounterVec
	acquisitionFaults *prometheus.CounterVec
}

func newPipelineMetrics(reg prometheus.Registerer) *pipelineMetrics {
	m := &pipelineMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackproc_runs_total",
			Help: "Total number of processing runs by outcome.",
		}, []string{"outcome"}),
		processorFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackproc_processor_faults_total",
			Help: "Total number of failed or panicking processor calls.",
		}, []string{"processor"}),
		acquisitionFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stackproc_acquisition_faults_total",
			Help: "Total number of plugins which failed to supply or construct processors.",
		}, []string{"plugin"}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.processorFaults, m.acquisitionFaults)
	}
	return m
}
