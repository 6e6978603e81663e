package hooks

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Skryldev/image-loader/core"
	"github.com/Skryldev/image-loader/pool"
)

const namespace = "imageloader"

// PrometheusMetrics exports stage timings and decode outcomes. It is both
// a core.MetricsCollector and a core.Tracker.
type PrometheusMetrics struct {
	StageDuration *prometheus.HistogramVec
	StageErrors   *prometheus.CounterVec
	Decodes       *prometheus.CounterVec
	SampleSize    prometheus.Histogram
}

// NewPrometheusMetrics creates and registers the decode metrics with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stage_duration_seconds",
		Help:      "Time spent in each decode stage",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
	}, []string{"stage"})

	stageErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stage_errors_total",
		Help:      "Decode stage failures by cause",
	}, []string{"stage", "cause"})

	decodes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decodes_total",
		Help:      "Decode outcomes; strategy is set on success and cause on failure",
	}, []string{"outcome", "strategy", "cause"})

	sampleSize := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sample_size",
		Help:      "Sample size of successful decodes",
		Buckets:   []float64{1, 2, 4, 8, 16, 32},
	})

	reg.MustRegister(stageDuration, stageErrors, decodes, sampleSize)

	return &PrometheusMetrics{
		StageDuration: stageDuration,
		StageErrors:   stageErrors,
		Decodes:       decodes,
		SampleSize:    sampleSize,
	}
}

func (m *PrometheusMetrics) RecordStageTime(stage core.Stage, d interface{ Seconds() float64 }) {
	m.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
}

func (m *PrometheusMetrics) RecordError(stage core.Stage, cause string) {
	m.StageErrors.WithLabelValues(string(stage), cause).Inc()
}

func (m *PrometheusMetrics) OnDecodeFailure(_ context.Context, f core.Failure) {
	m.Decodes.WithLabelValues("failure", "", f.Cause).Inc()
}

func (m *PrometheusMetrics) OnDecodeSuccess(_ context.Context, s core.Success) {
	m.Decodes.WithLabelValues("success", s.Strategy, "").Inc()
	m.SampleSize.Observe(float64(s.SampleSize))
}

// RegisterPoolStats exports buffer pool counters read from stats at scrape
// time.
func RegisterPoolStats(reg prometheus.Registerer, stats func() pool.Stats) {
	gauge := func(name, help string, v func(pool.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return v(stats()) })
	}
	counter := func(name, help string, v func(pool.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v(stats())) })
	}
	reg.MustRegister(
		gauge("bytes", "Allocation bytes held idle in the pool", func(s pool.Stats) float64 { return float64(s.Bytes) }),
		gauge("bitmaps", "Bitmaps held idle in the pool", func(s pool.Stats) float64 { return float64(s.Count) }),
		counter("hits_total", "Acquires served from the pool", func(s pool.Stats) uint64 { return s.Hits }),
		counter("misses_total", "Acquires that found no eligible bitmap", func(s pool.Stats) uint64 { return s.Misses }),
		counter("evictions_total", "Bitmaps evicted to honour the byte budget", func(s pool.Stats) uint64 { return s.Evictions }),
	)
}
