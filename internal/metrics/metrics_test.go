package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordJobOutcome(t *testing.T) {
	initial := testutil.ToFloat64(JobsProcessedTotal.WithLabelValues("summary", "acked"))

	RecordJobOutcome("summary", "acked", 250*time.Millisecond)

	final := testutil.ToFloat64(JobsProcessedTotal.WithLabelValues("summary", "acked"))
	assert.Equal(t, initial+1.0, final)
}

func TestRecordError(t *testing.T) {
	initial := testutil.ToFloat64(ErrorsTotal.WithLabelValues("transient", "downloader"))

	RecordError("transient", "downloader")

	final := testutil.ToFloat64(ErrorsTotal.WithLabelValues("transient", "downloader"))
	assert.Equal(t, initial+1.0, final)
}

func TestRecordFilingFailed(t *testing.T) {
	initial := testutil.ToFloat64(FilingsFailedTotal.WithLabelValues("parser"))

	RecordFilingFailed("parser")

	final := testutil.ToFloat64(FilingsFailedTotal.WithLabelValues("parser"))
	assert.Equal(t, initial+1.0, final)
}

func TestRecordTokensUsed(t *testing.T) {
	initial := testutil.ToFloat64(TokensUsedTotal.WithLabelValues("summary:groq-llama"))

	RecordTokensUsed("summary:groq-llama", 1200)
	RecordTokensUsed("summary:groq-llama", 0) // no-op, must not increment

	final := testutil.ToFloat64(TokensUsedTotal.WithLabelValues("summary:groq-llama"))
	assert.Equal(t, initial+1200, final)
}

func TestRecordBudgetExhausted(t *testing.T) {
	initial := testutil.ToFloat64(BudgetExhaustedTotal.WithLabelValues("entity:groq-llama"))

	RecordBudgetExhausted("entity:groq-llama")

	final := testutil.ToFloat64(BudgetExhaustedTotal.WithLabelValues("entity:groq-llama"))
	assert.Equal(t, initial+1.0, final)
}

func TestSetBudgetRemaining(t *testing.T) {
	SetBudgetRemaining("diff:groq-llama", 4200)
	assert.Equal(t, 4200.0, testutil.ToFloat64(BudgetRemaining.WithLabelValues("diff:groq-llama")))

	SetBudgetRemaining("diff:groq-llama", 1000)
	assert.Equal(t, 1000.0, testutil.ToFloat64(BudgetRemaining.WithLabelValues("diff:groq-llama")))
}

func TestRecordBackpressureEvent(t *testing.T) {
	initial := testutil.ToFloat64(BackpressureEventsTotal.WithLabelValues("chunk", "closed"))

	RecordBackpressureEvent("chunk", "closed")

	final := testutil.ToFloat64(BackpressureEventsTotal.WithLabelValues("chunk", "closed"))
	assert.Equal(t, initial+1.0, final)
}

func TestSetQueueDepth(t *testing.T) {
	SetQueueDepth("sec:ingestion:download", 7)
	assert.Equal(t, 7.0, testutil.ToFloat64(QueueDepth.WithLabelValues("sec:ingestion:download")))
}

func TestTimer(t *testing.T) {
	timer := NewTimer()

	time.Sleep(10 * time.Millisecond)

	elapsed := timer.Elapsed()
	assert.True(t, elapsed >= 10*time.Millisecond)
	assert.True(t, elapsed < time.Second)
}

func TestTimerRecordJob(t *testing.T) {
	timer := NewTimer()
	initial := testutil.ToFloat64(JobsProcessedTotal.WithLabelValues("diff", "acked"))

	time.Sleep(5 * time.Millisecond)
	timer.RecordJob("diff", "acked")

	final := testutil.ToFloat64(JobsProcessedTotal.WithLabelValues("diff", "acked"))
	assert.Equal(t, initial+1.0, final)
}
