package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StageMessages counts handled stage messages by outcome
	// (ack, retry, dead_letter, discarded).
	StageMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_messages_total",
			Help: "Stage messages handled by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)

	// StageDuration tracks handler latency per stage.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Stage handler processing time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"stage"},
	)

	// Transitions counts question status transitions.
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_status_transitions_total",
			Help: "Question status transitions by source and target status",
		},
		[]string{"from", "to"},
	)

	// AggregationConfidence tracks the confidence of aggregated answers.
	AggregationConfidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_aggregation_confidence",
			Help:    "Confidence score of aggregated provider answers",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	// ProviderCalls counts outbound provider calls by result.
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_provider_calls_total",
			Help: "Outbound provider calls by provider and result",
		},
		[]string{"provider", "result"},
	)

	// ProviderLatency tracks outbound provider call latency.
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_provider_latency_seconds",
			Help:    "Outbound provider call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// ComplianceResults counts gate outcomes.
	ComplianceResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_compliance_results_total",
			Help: "Compliance gate results by outcome",
		},
		[]string{"outcome"},
	)

	// HumanizeMethods counts humanization passes by method.
	HumanizeMethods = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_humanize_total",
			Help: "Humanization passes by method",
		},
		[]string{"method"},
	)

	// Overrides counts admin overrides by kind.
	Overrides = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_overrides_total",
			Help: "Administrative overrides by kind",
		},
		[]string{"kind"},
	)
)

// ObserveProviderCall records one outbound provider request.
func ObserveProviderCall(provider string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ProviderCalls.WithLabelValues(provider, result).Inc()
	ProviderLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveStage records one handled stage message.
func ObserveStage(stage, outcome string, d time.Duration) {
	StageMessages.WithLabelValues(stage, outcome).Inc()
	StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}
