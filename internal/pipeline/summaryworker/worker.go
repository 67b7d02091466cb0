// Package summaryworker implements the summary-queue worker pool: it
// turns a filing section chunk into a bullet-summary Analysis row via
// the configured LLM endpoint.
package summaryworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/errs"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/interfaces"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/metrics"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
)

const noMaterialUpdates = "No material updates detected."

const systemPrompt = `You summarize a single section of a regulatory filing.
Return 3-6 concise bullet points covering the material facts: figures,
dates, parties, and any change from prior disclosure. Do not speculate.
If the section carries no material information, return a single bullet
saying so.`

// Worker pops chunk tasks from the summary queue and produces a
// section_chunk_summary Analysis row per chunk.
type Worker struct {
	queue      interfaces.Queue
	budget     interfaces.BudgetManager
	llm        interfaces.LLMClient
	ds         interfaces.Datastore
	model      string
	maxOutput  int
	cooldown   time.Duration
	popTimeout time.Duration
	scope      string
	logger     *common.Logger
}

// Option configures a Worker.
type Option func(*Worker)

func WithLogger(logger *common.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

func WithPopTimeout(d time.Duration) Option {
	return func(w *Worker) { w.popTimeout = d }
}

// New builds a summary-queue worker.
func New(queue interfaces.Queue, budget interfaces.BudgetManager, llm interfaces.LLMClient, ds interfaces.Datastore, model string, maxOutput int, cooldown time.Duration, opts ...Option) *Worker {
	w := &Worker{
		queue:      queue,
		budget:     budget,
		llm:        llm,
		ds:         ds,
		model:      model,
		maxOutput:  maxOutput,
		cooldown:   cooldown,
		popTimeout: 5 * time.Second,
		scope:      "summary:" + model,
		logger:     common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run pops chunk tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := w.queue.Pop(ctx, w.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn().Err(err).Msg("summary queue pop failed")
			continue
		}
		if msg == nil {
			continue
		}

		ack, err := w.handle(ctx, msg)
		if err != nil {
			w.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("summary task failed")
		}
		if ack {
			if err := w.queue.Ack(ctx, msg.JobID, msg.Token); err != nil {
				w.logger.Warn().Err(err).Str("job_id", msg.JobID).Msg("failed to ack summary task")
			}
		}
	}
}

// handle returns whether the message should be acked. A false return
// with a nil error means "budget denied, retry later" — the caller
// must not ack so the visibility timeout re-offers the task.
func (w *Worker) handle(ctx context.Context, msg *models.Message) (bool, error) {
	var task models.ChunkTask
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		return true, fmt.Errorf("failed to decode chunk task: %w", err)
	}

	filing, err := w.ds.Filings().GetByID(ctx, task.FilingID)
	if err != nil {
		return true, fmt.Errorf("filing %s missing for job %s, dropping: %w", task.FilingID, task.JobID, err)
	}
	if _, err := w.ds.Sections().GetByID(ctx, task.SectionID); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return true, fmt.Errorf("section %s missing for job %s, dropping: %w", task.SectionID, task.JobID, err)
		}
		return false, fmt.Errorf("failed to load section %s for job %s: %w", task.SectionID, task.JobID, err)
	}

	timer := metrics.NewTimer()

	estimate := estimateReservation(task.EstimatedTokens, len(task.Content), w.maxOutput)
	reservation, err := w.budget.Reserve(ctx, w.scope, estimate)
	if err != nil {
		w.logger.Warn().Str("job_id", task.JobID).Err(err).Msg("budget denied, deferring task")
		metrics.RecordBudgetExhausted(w.scope)
		time.Sleep(w.cooldown)
		return false, nil
	}
	if remaining, err := w.budget.Remaining(ctx, w.scope); err == nil {
		metrics.SetBudgetRemaining(w.scope, remaining)
	}

	messages := []interfaces.ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: buildUserPrompt(filing.Accession, task)},
	}

	result, err := w.llm.Complete(ctx, w.model, messages, w.maxOutput)
	if err != nil {
		kind := errs.Classify(err)
		metrics.RecordError(string(kind), "summary")
		if kind == errs.KindTransient || kind == errs.KindRateLimited {
			_ = w.budget.Release(ctx, reservation)
			timer.RecordJob("summary", "retry")
			return false, fmt.Errorf("llm call failed, retrying later: %w", err)
		}
		_ = w.budget.Release(ctx, reservation)
		timer.RecordJob("summary", "dropped")
		return true, fmt.Errorf("llm call failed fatally, dropping job %s: %w", task.JobID, err)
	}

	content := result.Content
	if content == "" {
		content = noMaterialUpdates
	}

	analysis := &models.Analysis{
		ID:               uuid.NewString(),
		JobID:            task.JobID,
		FilingID:         task.FilingID,
		SectionID:        task.SectionID,
		Type:             models.AnalysisTypeChunkSummary,
		Model:            w.model,
		Content:          content,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TotalTokens:      result.TotalTokens,
	}
	if err := w.ds.Analyses().Create(ctx, analysis); err != nil {
		_ = w.budget.Release(ctx, reservation)
		timer.RecordJob("summary", "error")
		return true, fmt.Errorf("failed to persist analysis for job %s: %w", task.JobID, err)
	}

	if err := w.budget.Commit(ctx, reservation, int64(result.TotalTokens)); err != nil {
		w.logger.Warn().Str("job_id", task.JobID).Err(err).Msg("failed to commit budget reservation")
	}
	metrics.RecordTokensUsed(w.scope, int64(result.TotalTokens))
	if remaining, err := w.budget.Remaining(ctx, w.scope); err == nil {
		metrics.SetBudgetRemaining(w.scope, remaining)
	}
	timer.RecordJob("summary", "completed")
	return true, nil
}

func estimateReservation(estimatedTokens, contentLen, maxOutput int) int64 {
	charEstimate := contentLen / 4
	tokens := estimatedTokens
	if charEstimate > tokens {
		tokens = charEstimate
	}
	return int64(tokens + maxOutput)
}

func buildUserPrompt(accession string, task models.ChunkTask) string {
	return fmt.Sprintf("Accession: %s\nSection: %s (ordinal %d, chunk %d)\n\n%s",
		accession, task.Title, task.SectionOrdinal, task.ChunkIndex, task.Content)
}
