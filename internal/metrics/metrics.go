// Package metrics exposes Prometheus counters and histograms for the
// filing ingestion pipeline: per-stage latencies, error categories,
// token usage, backpressure events, and budget exhaustions (spec.md §7).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FilingsDownloadedTotal counts filings that reached DOWNLOADED.
	FilingsDownloadedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sec_filings_downloaded_total",
		Help: "Total filings successfully downloaded.",
	})

	// FilingsFailedTotal counts filings that transitioned to FAILED, by stage.
	FilingsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sec_filings_failed_total",
		Help: "Total filings that failed, labeled by the stage that failed them.",
	}, []string{"stage"})

	// SectionsParsedTotal counts sections produced by the parser.
	SectionsParsedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sec_sections_parsed_total",
		Help: "Total sections produced across all parsed filings.",
	})

	// JobsProcessedTotal counts completed LLM worker jobs, by queue and outcome.
	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sec_jobs_processed_total",
		Help: "Total worker jobs processed, labeled by queue and outcome.",
	}, []string{"queue", "outcome"})

	// JobDuration observes end-to-end handle() latency per queue.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sec_job_duration_seconds",
		Help:    "Job handling duration in seconds, labeled by queue.",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	// ErrorsTotal counts errors by kind and originating stage.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sec_errors_total",
		Help: "Total errors, labeled by errs.Kind and the stage that observed them.",
	}, []string{"kind", "stage"})

	// TokensUsedTotal accumulates committed LLM token usage, by scope.
	TokensUsedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sec_tokens_used_total",
		Help: "Total LLM tokens committed, labeled by budget scope.",
	}, []string{"scope"})

	// BudgetExhaustedTotal counts Reserve calls that returned BudgetExceeded.
	BudgetExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sec_budget_exhausted_total",
		Help: "Total budget reservations denied, labeled by scope.",
	}, []string{"scope"})

	// BudgetRemaining reports the unspent daily budget, by scope.
	BudgetRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sec_budget_remaining",
		Help: "Remaining daily token budget, labeled by scope.",
	}, []string{"scope"})

	// BackpressureEventsTotal counts gate open/close transitions, by gate name.
	BackpressureEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sec_backpressure_events_total",
		Help: "Total backpressure gate state transitions, labeled by gate and new state.",
	}, []string{"gate", "state"})

	// QueueDepth reports a queue's pending+in-flight length, by queue name.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sec_queue_depth",
		Help: "Current queue depth (pending plus in-flight), labeled by queue.",
	}, []string{"queue"})
)

// RecordJobOutcome increments JobsProcessedTotal and observes duration
// for one worker job.
func RecordJobOutcome(queue, outcome string, duration time.Duration) {
	JobsProcessedTotal.WithLabelValues(queue, outcome).Inc()
	JobDuration.WithLabelValues(queue).Observe(duration.Seconds())
}

// RecordError increments ErrorsTotal for one observed error.
func RecordError(kind, stage string) {
	ErrorsTotal.WithLabelValues(kind, stage).Inc()
}

// RecordFilingFailed increments FilingsFailedTotal for the stage that failed it.
func RecordFilingFailed(stage string) {
	FilingsFailedTotal.WithLabelValues(stage).Inc()
}

// RecordTokensUsed accumulates committed token usage for scope.
func RecordTokensUsed(scope string, tokens int64) {
	if tokens <= 0 {
		return
	}
	TokensUsedTotal.WithLabelValues(scope).Add(float64(tokens))
}

// RecordBudgetExhausted increments BudgetExhaustedTotal for scope.
func RecordBudgetExhausted(scope string) {
	BudgetExhaustedTotal.WithLabelValues(scope).Inc()
}

// SetBudgetRemaining sets the current remaining-budget gauge for scope.
func SetBudgetRemaining(scope string, remaining int64) {
	BudgetRemaining.WithLabelValues(scope).Set(float64(remaining))
}

// RecordBackpressureEvent increments BackpressureEventsTotal for a gate
// transitioning to state ("open" or "closed").
func RecordBackpressureEvent(gate, state string) {
	BackpressureEventsTotal.WithLabelValues(gate, state).Inc()
}

// SetQueueDepth sets the current depth gauge for queue.
func SetQueueDepth(queue string, depth int) {
	QueueDepth.WithLabelValues(queue).Set(float64(depth))
}

// Timer measures elapsed time for a single operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the time since the Timer was created.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// RecordJob records this Timer's elapsed duration as one job outcome.
func (t *Timer) RecordJob(queue, outcome string) {
	RecordJobOutcome(queue, outcome, t.Elapsed())
}
