// Package metrics defines the Prometheus collectors exported by a run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WorkUnits counts finished work units by outcome (ok, failed).
	WorkUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentv_work_units_total",
		Help: "Work units completed, by outcome.",
	}, []string{"outcome"})

	// ProviderAttempts counts provider invocations by target and outcome
	// (ok, timeout, error).
	ProviderAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentv_provider_attempts_total",
		Help: "Provider invocation attempts, by target and outcome.",
	}, []string{"target", "outcome"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentv_provider_latency_seconds",
		Help:    "Provider invocation latency.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"target"})

	EvaluatorScores = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentv_evaluator_score",
		Help:    "Scores produced by evaluators, by evaluator type.",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	}, []string{"type"})

	EvaluatorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentv_evaluator_failures_total",
		Help: "Evaluator runs that failed to produce a score, by type.",
	}, []string{"type"})

	// JudgeProxyCalls counts judge proxy requests by outcome (ok,
	// unauthorized, limit_exceeded, error).
	JudgeProxyCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentv_judge_proxy_calls_total",
		Help: "Judge proxy requests, by outcome.",
	}, []string{"outcome"})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentv_active_workers",
		Help: "Workers currently executing a work unit.",
	})
)
