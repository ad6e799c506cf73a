// Package metrics exposes Prometheus collectors for pipeline runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// Namespace prefixes every metric name.
	Namespace = "datafetch"

	resultSuccess = "success"
	resultFailure = "failure"
)

// Metrics holds the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	RunsTotal       *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	SourceAttempts  *prometheus.CounterVec
	StrategyResults *prometheus.CounterVec
	StrategyLatency *prometheus.HistogramVec
	RateLimitWait   *prometheus.HistogramVec
	Retries         *prometheus.CounterVec
	QualityScore    *prometheus.GaugeVec
	Exports         *prometheus.CounterVec
}

// New registers the collectors with reg. A nil reg uses a fresh registry so
// repeated construction in tests never collides.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	m := &Metrics{gatherer: reg}

	m.initRunMetrics(factory)
	m.initStrategyMetrics(factory)
	m.initThrottleMetrics(factory)

	return m
}

func (m *Metrics) initRunMetrics(factory promauto.Factory) {
	m.RunsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "pipeline_runs_total",
		Help:      "Pipeline runs by result",
	}, []string{"result"})

	m.RunDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "pipeline_run_duration_seconds",
		Help:      "Wall time of a pipeline run",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	m.SourceAttempts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "source_attempts_total",
		Help:      "Source attempts by source, result and error kind",
	}, []string{"source", "result", "kind"})

	m.QualityScore = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "validation_quality_score",
		Help:      "Quality score of the last validated table per source",
	}, []string{"source"})

	m.Exports = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "exports_total",
		Help:      "Export calls by result",
	}, []string{"result"})
}

func (m *Metrics) initStrategyMetrics(factory promauto.Factory) {
	m.StrategyResults = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "strategy_results_total",
		Help:      "Extraction strategy outcomes",
	}, []string{"strategy", "result"})

	m.StrategyLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "strategy_duration_seconds",
		Help:      "Time spent in one extraction strategy",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"strategy"})
}

func (m *Metrics) initThrottleMetrics(factory promauto.Factory) {
	m.RateLimitWait = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Name:      "rate_limit_wait_seconds",
		Help:      "Time spent waiting for a rate-limit slot",
		Buckets:   []float64{0, 0.1, 0.5, 1, 5, 15, 30, 60},
	}, []string{"identity"})

	m.Retries = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "retries_total",
		Help:      "Retrieval retries by identity and error kind",
	}, []string{"identity", "kind"})
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordRun records the end of a pipeline run.
func (m *Metrics) RecordRun(success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(result(success)).Inc()
	m.RunDuration.Observe(elapsed.Seconds())
}

// RecordSourceAttempt records one source attempt. kind is empty on success.
func (m *Metrics) RecordSourceAttempt(source string, success bool, kind string) {
	if m == nil {
		return
	}
	m.SourceAttempts.WithLabelValues(source, result(success), kind).Inc()
}

// RecordStrategy records one extraction strategy outcome.
func (m *Metrics) RecordStrategy(strategy string, success bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StrategyResults.WithLabelValues(strategy, result(success)).Inc()
	m.StrategyLatency.WithLabelValues(strategy).Observe(elapsed.Seconds())
}

// RecordWait records a rate-limit wait.
func (m *Metrics) RecordWait(identity string, waited time.Duration) {
	if m == nil {
		return
	}
	m.RateLimitWait.WithLabelValues(identity).Observe(waited.Seconds())
}

// RecordRetry records a retry decision.
func (m *Metrics) RecordRetry(identity, kind string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(identity, kind).Inc()
}

// SetQuality records the quality score of a validated table.
func (m *Metrics) SetQuality(source string, score float64) {
	if m == nil {
		return
	}
	m.QualityScore.WithLabelValues(source).Set(score)
}

// RecordExport records an export call.
func (m *Metrics) RecordExport(success bool) {
	if m == nil {
		return
	}
	m.Exports.WithLabelValues(result(success)).Inc()
}

func result(success bool) string {
	if success {
		return resultSuccess
	}
	return resultFailure
}
