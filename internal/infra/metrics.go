package infra

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors for the pipeline core.
type Metrics struct {
	StagesResolved     *prometheus.CounterVec
	StageRetries       *prometheus.CounterVec
	ValidationVerdicts *prometheus.CounterVec
	ValidationLatency  *prometheus.HistogramVec
	FailOpenTotal      prometheus.Counter
	FailOpenAlert      prometheus.Gauge
	QuotaRejections    prometheus.Counter
}

// NewMetrics registers the pipeline collectors on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StagesResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realenhance_stages_resolved_total",
			Help: "Pipeline stages resolved, by stage and outcome.",
		}, []string{"stage", "outcome"}),
		StageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realenhance_stage_retries_total",
			Help: "Stage retries, by stage and cause.",
		}, []string{"stage", "cause"}),
		ValidationVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realenhance_validation_verdicts_total",
			Help: "Validation verdicts, by provider and result.",
		}, []string{"provider", "result"}),
		ValidationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "realenhance_validation_latency_seconds",
			Help:    "Latency of validation provider calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		FailOpenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realenhance_validator_fail_open_total",
			Help: "Times the hybrid validator failed open because every provider failed.",
		}),
		FailOpenAlert: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realenhance_validator_fail_open_alert",
			Help: "Set to 1 once fail-open occurrences reach the alert threshold.",
		}),
		QuotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realenhance_quota_rejections_total",
			Help: "Jobs rejected at reservation time for insufficient quota.",
		}),
	}

	reg.MustRegister(
		m.StagesResolved,
		m.StageRetries,
		m.ValidationVerdicts,
		m.ValidationLatency,
		m.FailOpenTotal,
		m.FailOpenAlert,
		m.QuotaRejections,
	)
	return m
}
