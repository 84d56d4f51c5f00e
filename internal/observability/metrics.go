package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "accident_etl"

// Metrics holds the Prometheus counters, histograms, and gauges for the ETL pipeline.
type Metrics struct {
	RecordsExtracted prometheus.Counter
	DecodeErrors     prometheus.Counter
	RecordsFiltered  prometheus.Counter
	RecordsRemoved   prometheus.Counter
	PipelineRunning  prometheus.Gauge

	// Batch and stage timings.
	BatchSize     prometheus.Histogram
	StageDuration *prometheus.HistogramVec // labels: stage={extract,clean,schema,aggregate,load}
	RunDuration   prometheus.Histogram

	// Validation and output.
	ValidationFailures *prometheus.CounterVec // labels: stage
	AggregateValid     *prometheus.GaugeVec   // labels: table
	RowsLoaded         *prometheus.CounterVec // labels: sink, table
	LoadRetries        *prometheus.CounterVec // labels: sink
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.RecordsExtracted,
		m.DecodeErrors,
		m.RecordsFiltered,
		m.RecordsRemoved,
		m.PipelineRunning,
		m.BatchSize,
		m.StageDuration,
		m.RunDuration,
		m.ValidationFailures,
		m.AggregateValid,
		m.RowsLoaded,
		m.LoadRetries,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RecordsExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_extracted_total",
			Help:      "Total raw records read from the source.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total raw records that could not be decoded.",
		}),
		RecordsFiltered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_filtered_total",
			Help:      "Total records dropped by the year window.",
		}),
		RecordsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_removed_total",
			Help:      "Total records removed by the cleaning stage.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 while a run is active, 0 otherwise.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_size",
			Help:      "Number of raw records per extracted batch.",
			Buckets:   []float64{1, 5, 10, 20, 30, 40, 50, 75, 100, 250, 500, 1000},
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of each pipeline stage.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of a complete extract-transform-load run.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}),
		ValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_failures_total",
			Help:      "Failed validation checks by stage.",
		}, []string{"stage"}),
		AggregateValid: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "aggregate_valid",
			Help:      "1 when the aggregate table passed its checks on the last run.",
		}, []string{"table"}),
		RowsLoaded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_loaded_total",
			Help:      "Rows written by sink and table.",
		}, []string{"sink", "table"}),
		LoadRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "load_retries_total",
			Help:      "Write retries by sink.",
		}, []string{"sink"}),
	}
}
