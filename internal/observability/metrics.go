package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "disaster_risk"

// Metrics holds the Prometheus collectors for the pipeline. Every failure
// category in the pipeline increments one of these.
type Metrics struct {
	PipelineRuns     *prometheus.CounterVec // labels: trigger={bootstrap,scheduled,manual}, outcome={ok,degraded}
	PipelineSkipped  *prometheus.CounterVec // labels: trigger
	PipelineDuration prometheus.Histogram
	PipelineRunning  prometheus.Gauge
	PhaseFailures    *prometheus.CounterVec // labels: phase={ingest,load,aggregate,alerts}

	// Ingestion.
	FeedFailures    *prometheus.CounterVec // labels: source
	RecordsDropped  *prometheus.CounterVec // labels: reason={outside_region,unclassified,malformed,duplicate}
	EventsIngested  prometheus.Counter
	EventsExpired   prometheus.Counter
	FeedFetchLength *prometheus.HistogramVec // labels: source

	// Model.
	ModelAccuracy  prometheus.Gauge
	ModelFallbacks *prometheus.CounterVec // labels: reason={insufficient_data,fitting_failure}

	// Aggregation and alerts.
	AssessmentsWritten prometheus.Counter
	AlertsCreated      prometheus.Counter
	AlertsDeactivated  *prometheus.CounterVec // labels: path={pipeline,read}
}

func newMetrics() *Metrics {
	return &Metrics{
		PipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Completed pipeline runs by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		PipelineSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_skipped_total",
			Help:      "Triggers rejected because a run was already in flight.",
		}, []string{"trigger"}),
		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Duration of a full ingest-score-alert run.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 while a pipeline run holds the run-lock.",
		}),
		PhaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_failures_total",
			Help:      "Pipeline phases that aborted, by phase.",
		}, []string{"phase"}),
		FeedFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_failures_total",
			Help:      "Feed fetches that failed (network, timeout, non-200, decode).",
		}, []string{"source"}),
		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Feed records not admitted as events, by reason.",
		}, []string{"reason"}),
		EventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "New events inserted by the ingestion phase.",
		}),
		EventsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_expired_total",
			Help:      "Events deactivated because their end time passed.",
		}),
		FeedFetchLength: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "feed_records",
			Help:      "Number of records returned per feed fetch.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
		}, []string{"source"}),
		ModelAccuracy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "model_holdout_accuracy",
			Help:      "Held-out accuracy of the last trained risk model.",
		}),
		ModelFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_fallbacks_total",
			Help:      "Runs that used the fixed fallback model, by reason.",
		}, []string{"reason"}),
		AssessmentsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assessments_written_total",
			Help:      "Risk assessments inserted or updated.",
		}),
		AlertsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Alerts created for active events.",
		}),
		AlertsDeactivated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_deactivated_total",
			Help:      "Alerts closed because their event is no longer active.",
		}, []string{"path"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PipelineRuns,
		m.PipelineSkipped,
		m.PipelineDuration,
		m.PipelineRunning,
		m.PhaseFailures,
		m.FeedFailures,
		m.RecordsDropped,
		m.EventsIngested,
		m.EventsExpired,
		m.FeedFetchLength,
		m.ModelAccuracy,
		m.ModelFallbacks,
		m.AssessmentsWritten,
		m.AlertsCreated,
		m.AlertsDeactivated,
	}
}

// NewMetrics creates and registers all pipeline metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metrics with reg. It panics if any collector
// is already registered there.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates unregistered Metrics so tests can build as many
// as they like.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}
