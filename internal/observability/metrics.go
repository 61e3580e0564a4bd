package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "occurrence_qc"

// Metrics holds the Prometheus counters, histograms, and gauges for a cleaning run.
type Metrics struct {
	RecordsFetched      prometheus.Counter
	RecordsPublished    prometheus.Counter
	NormalizationMisses prometheus.Counter
	PipelineRunning     prometheus.Gauge

	// Per-stage outcomes.
	StageRecords      *prometheus.GaugeVec   // labels: stage
	FlagFailures      *prometheus.CounterVec // labels: test
	QualityRejections *prometheus.CounterVec // labels: reason

	// Occurrence source metrics.
	FetchRequests *prometheus.CounterVec // labels: outcome={success,retry,error}
	FetchDuration prometheus.Histogram

	// Institution lookup metrics.
	InstitutionRequests *prometheus.CounterVec // labels: outcome={found,not_found,error}
	InstitutionCache    *prometheus.CounterVec // labels: result={hit,miss}

	// Run-level gauges, pushed to a Pushgateway for batch jobs.
	RunDuration      prometheus.Gauge
	LastRunSuccess   prometheus.Gauge
	LastRunTimestamp prometheus.Gauge
}

// NewMetrics creates and registers all run metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics that are not registered anywhere, so
// tests can build as many as they like.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		RecordsFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_fetched_total",
			Help:      "Raw occurrence records retrieved from the source.",
		}),
		RecordsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_published_total",
			Help:      "Clean records written to the Kafka sink topic.",
		}),
		NormalizationMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "country_normalization_misses_total",
			Help:      "Records whose country code had no alpha-3 mapping.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 while a run is in progress, 0 otherwise.",
		}),
		StageRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_records",
			Help:      "Records remaining after each pipeline stage in the last run.",
		}, []string{"stage"}),
		FlagFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flag_failures_total",
			Help:      "Records failing each coordinate flag test.",
		}, []string{"test"}),
		QualityRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quality_rejections_total",
			Help:      "Records rejected by the quality filter, by reason.",
		}, []string{"reason"}),
		FetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_requests_total",
			Help:      "Occurrence search page requests by outcome.",
		}, []string{"outcome"}),
		FetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_request_duration_seconds",
			Help:      "Occurrence search page request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		InstitutionRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "institution_requests_total",
			Help:      "Institution registry lookups by outcome.",
		}, []string{"outcome"}),
		InstitutionCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "institution_cache_total",
			Help:      "Institution cache lookups by result.",
		}, []string{"result"}),
		RunDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Wall time of the last run in seconds.",
		}),
		LastRunSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_success",
			Help:      "1 if the last run finished without error, 0 otherwise.",
		}),
		LastRunTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RecordsFetched,
		m.RecordsPublished,
		m.NormalizationMisses,
		m.PipelineRunning,
		m.StageRecords,
		m.FlagFailures,
		m.QualityRejections,
		m.FetchRequests,
		m.FetchDuration,
		m.InstitutionRequests,
		m.InstitutionCache,
		m.RunDuration,
		m.LastRunSuccess,
		m.LastRunTimestamp,
	}
}
