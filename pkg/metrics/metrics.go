// Package metrics exposes the Prometheus collectors emitted by every
// component of the pipeline (rate limiter, breaker, cache, retry executor,
// LLM client, orchestrator) and a small HTTP server to serve them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors holds every collector this pipeline registers, scoped to a
// single *prometheus.Registry. Production wiring (cmd/flashcards) builds
// one Collectors against a shared registry; tests build their own
// against prometheus.NewRegistry() so concurrent test runs never collide
// on the global DefaultRegisterer.
type Collectors struct {
	EntriesProcessedTotal        prometheus.Counter
	StagesExecutedTotal          *prometheus.CounterVec
	StageDuration                prometheus.Histogram
	EntriesSkippedTotal          *prometheus.CounterVec
	StageExecutionErrorsTotal    *prometheus.CounterVec
	LLMAPICallsTotal             *prometheus.CounterVec
	LLMAPIErrorsTotal            *prometheus.CounterVec
	CacheLookupsTotal            *prometheus.CounterVec
	EntriesAwaitingRetryGauge    prometheus.Gauge
	ActiveWorkersRunning         prometheus.Gauge
	CheckpointWritesTotal        *prometheus.CounterVec
	BreakerStateTransitionsTotal *prometheus.CounterVec
	RateLimiterRejectionsTotal   *prometheus.CounterVec
}

// New registers every collector against reg and returns them bundled. A
// nil reg is not accepted — callers that don't care about scraping still
// need an isolated registry so repeated construction (e.g. once per
// test) doesn't panic on a duplicate registration.
func New(reg *prometheus.Registry) *Collectors {
	factory := promauto.With(reg)

	return &Collectors{
		EntriesProcessedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "entries_processed_total",
			Help: "Total number of vocabulary entries processed to completion.",
		}),
		StagesExecutedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stages_executed_total",
			Help: "Total number of pipeline stage executions.",
		}, []string{"stage"}),
		StageDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "stage_duration_seconds",
			Help:    "Duration of a pipeline stage invocation in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		EntriesSkippedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "entries_skipped_total",
			Help: "Total number of entries skipped without an LLM invocation.",
		}, []string{"reason"}),
		StageExecutionErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "stage_execution_errors_total",
			Help: "Total number of stage executions that ended in a terminal error.",
		}, []string{"stage", "error_type"}),
		LLMAPICallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_api_calls_total",
			Help: "Total number of LLM API calls attempted.",
		}, []string{"provider"}),
		LLMAPIErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "llm_api_errors_total",
			Help: "Total number of LLM API calls that returned an error.",
		}, []string{"provider", "error_type"}),
		CacheLookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Total number of cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		EntriesAwaitingRetryGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "entries_awaiting_retry",
			Help: "Current number of entries queued for a retry attempt.",
		}),
		ActiveWorkersRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "active_workers_running",
			Help: "Current number of orchestrator workers actively processing an entry.",
		}),
		CheckpointWritesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "checkpoint_writes_total",
			Help: "Total number of checkpoint persistence attempts.",
		}, []string{"status"}),
		BreakerStateTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions by destination state.",
		}, []string{"state"}),
		RateLimiterRejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limiter_rejections_total",
			Help: "Total number of requests rejected by the rate limiter.",
		}, []string{"shard"}),
	}
}

// RecordEntry increments the completed-entry counter.
func (c *Collectors) RecordEntry() {
	c.EntriesProcessedTotal.Inc()
}

// RecordStage increments the per-stage execution counter and observes the
// stage's wall-clock duration.
func (c *Collectors) RecordStage(stage string, duration time.Duration) {
	c.StagesExecutedTotal.WithLabelValues(stage).Inc()
	c.StageDuration.Observe(duration.Seconds())
}

// RecordSkippedEntry increments the skipped-entry counter for reason.
func (c *Collectors) RecordSkippedEntry(reason string) {
	c.EntriesSkippedTotal.WithLabelValues(reason).Inc()
}

// RecordStageError increments the terminal stage-error counter.
func (c *Collectors) RecordStageError(stage, errorType string) {
	c.StageExecutionErrorsTotal.WithLabelValues(stage, errorType).Inc()
}

// RecordLLMAPICall increments the outbound LLM call counter for provider.
func (c *Collectors) RecordLLMAPICall(provider string) {
	c.LLMAPICallsTotal.WithLabelValues(provider).Inc()
}

// RecordLLMAPIError increments the LLM error counter for provider and
// errorType.
func (c *Collectors) RecordLLMAPIError(provider, errorType string) {
	c.LLMAPIErrorsTotal.WithLabelValues(provider, errorType).Inc()
}

// RecordCacheLookup increments the cache lookup counter for tier and
// result.
func (c *Collectors) RecordCacheLookup(tier, result string) {
	c.CacheLookupsTotal.WithLabelValues(tier, result).Inc()
}

// SetEntriesAwaitingRetry sets the current retry-queue depth gauge.
func (c *Collectors) SetEntriesAwaitingRetry(n float64) {
	c.EntriesAwaitingRetryGauge.Set(n)
}

// IncrementActiveWorkers increments the active-worker gauge.
func (c *Collectors) IncrementActiveWorkers() {
	c.ActiveWorkersRunning.Inc()
}

// DecrementActiveWorkers decrements the active-worker gauge.
func (c *Collectors) DecrementActiveWorkers() {
	c.ActiveWorkersRunning.Dec()
}

// RecordCheckpointWrite increments the checkpoint-write counter for
// status.
func (c *Collectors) RecordCheckpointWrite(status string) {
	c.CheckpointWritesTotal.WithLabelValues(status).Inc()
}

// RecordBreakerTransition increments the breaker state-transition counter
// for state.
func (c *Collectors) RecordBreakerTransition(state string) {
	c.BreakerStateTransitionsTotal.WithLabelValues(state).Inc()
}

// RecordRateLimiterRejection increments the rate limiter rejection
// counter for shard.
func (c *Collectors) RecordRateLimiterRejection(shard string) {
	c.RateLimiterRejectionsTotal.WithLabelValues(shard).Inc()
}

// Timer measures elapsed wall-clock time and records it against the
// relevant histogram when the caller is done.
type Timer struct {
	start time.Time
	c     *Collectors
}

// NewTimer starts a new timer bound to c.
func (c *Collectors) NewTimer() *Timer {
	return &Timer{start: time.Now(), c: c}
}

// Elapsed returns the time since the timer was created. A nil Timer (the
// no-Metrics-configured case) reports zero.
func (t *Timer) Elapsed() time.Duration {
	if t == nil {
		return 0
	}
	return time.Since(t.start)
}

// RecordStage records the elapsed time as a stage execution for stage.
// A nil Timer is a no-op.
func (t *Timer) RecordStage(stage string) {
	if t == nil {
		return
	}
	t.c.RecordStage(stage, t.Elapsed())
}

// RecordLLMInvocation records the elapsed time as a stage-duration sample
// without incrementing the per-stage counter, for callers timing only the
// raw LLM round trip. A nil Timer is a no-op.
func (t *Timer) RecordLLMInvocation() {
	if t == nil {
		return
	}
	t.c.StageDuration.Observe(t.Elapsed().Seconds())
}
