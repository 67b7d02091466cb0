// Package diffworker implements the diff-queue worker pool: it
// compares one section ordinal between a filing and its most recent
// predecessor, producing SectionDiff rows and advancing the owning
// Diff record's lifecycle.
package diffworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/errs"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/interfaces"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/metrics"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
)

const ellipsis = "\n... [truncated] ...\n"

const systemPrompt = `You compare two versions of one section of a regulatory filing, given
as a unified textual diff. Return ONLY a JSON array, no markdown fences.
Each element: {"change_type": "addition|removal|update|rewording",
"summary": "...", "impact": "high|medium|low", "confidence": 0.0-1.0,
"evidence": "..."}. "summary" must be 160 characters or fewer. An empty
array means no material change.`

var validChangeTypes = map[models.ChangeType]bool{
	models.ChangeTypeAddition:  true,
	models.ChangeTypeRemoval:   true,
	models.ChangeTypeUpdate:    true,
	models.ChangeTypeRewording: true,
}

var validImpacts = map[models.Impact]bool{
	models.ImpactHigh:   true,
	models.ImpactMedium: true,
	models.ImpactLow:    true,
}

// rawChange is the JSON shape the LLM is asked to return per change.
type rawChange struct {
	ChangeType string   `json:"change_type"`
	Summary    string   `json:"summary"`
	Impact     string   `json:"impact"`
	Confidence *float64 `json:"confidence"`
	Evidence   string   `json:"evidence"`
}

// Worker pops DiffTasks and advances their owning Diff's lifecycle.
type Worker struct {
	queue        interfaces.Queue
	budget       interfaces.BudgetManager
	llm          interfaces.LLMClient
	ds           interfaces.Datastore
	model        string
	maxOutput    int
	maxDiffChars int
	cooldown     time.Duration
	popTimeout   time.Duration
	scope        string
	logger       *common.Logger
}

// Option configures a Worker.
type Option func(*Worker)

func WithLogger(logger *common.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

func WithPopTimeout(d time.Duration) Option {
	return func(w *Worker) { w.popTimeout = d }
}

// New builds a diff-queue worker. maxDiffChars bounds the unified diff
// text sent to the LLM; 0 falls back to a conservative default.
func New(queue interfaces.Queue, budget interfaces.BudgetManager, llm interfaces.LLMClient, ds interfaces.Datastore, model string, maxOutput, maxDiffChars int, cooldown time.Duration, opts ...Option) *Worker {
	if maxDiffChars <= 0 {
		maxDiffChars = 8000
	}
	w := &Worker{
		queue:        queue,
		budget:       budget,
		llm:          llm,
		ds:           ds,
		model:        model,
		maxOutput:    maxOutput,
		maxDiffChars: maxDiffChars,
		cooldown:     cooldown,
		popTimeout:   5 * time.Second,
		scope:        "diff:" + model,
		logger:       common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run pops diff tasks until ctx is cancelled.
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
			w.logger.Warn().Err(err).Msg("diff queue pop failed")
			continue
		}
		if msg == nil {
			continue
		}

		ack, err := w.handle(ctx, msg)
		if err != nil {
			w.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("diff task failed")
		}
		if ack {
			if err := w.queue.Ack(ctx, msg.JobID, msg.Token); err != nil {
				w.logger.Warn().Err(err).Str("job_id", msg.JobID).Msg("failed to ack diff task")
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg *models.Message) (bool, error) {
	timer := metrics.NewTimer()

	var task models.DiffTask
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		return true, fmt.Errorf("failed to decode diff task: %w", err)
	}

	diff, err := w.ds.Diffs().GetByID(ctx, task.DiffID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			timer.RecordJob("diff", "dropped")
			return true, fmt.Errorf("diff %s missing for job %s, dropping", task.DiffID, task.JobID)
		}
		metrics.RecordError(string(errs.Classify(err)), "diff")
		return false, fmt.Errorf("failed to load diff %s: %w", task.DiffID, err)
	}

	var current, previous *models.Section
	if task.CurrentSectionID != "" {
		current, err = w.ds.Sections().GetByID(ctx, task.CurrentSectionID)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return false, fmt.Errorf("failed to load current section %s: %w", task.CurrentSectionID, err)
		}
	}
	if task.PreviousSectionID != "" {
		previous, err = w.ds.Sections().GetByID(ctx, task.PreviousSectionID)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return false, fmt.Errorf("failed to load previous section %s: %w", task.PreviousSectionID, err)
		}
	}

	if current != nil && previous != nil && strings.TrimSpace(current.Content) == strings.TrimSpace(previous.Content) {
		return w.finalize(ctx, diff, task, nil, false)
	}

	unified, empty := buildUnifiedDiff(current, previous, w.maxDiffChars)

	var changes []rawChange
	var analysisID string
	var calledLLM bool
	if empty {
		changes = []rawChange{synthesizeSingleChange(current, previous)}
	} else {
		llmChanges, id, ack, err := w.callLLM(ctx, task, unified)
		if err != nil || !ack {
			if ack {
				timer.RecordJob("diff", "dropped")
			} else {
				timer.RecordJob("diff", "retry")
			}
			return ack, err
		}
		changes = llmChanges
		analysisID = id
		calledLLM = true
	}

	sectionDiffs := normalizeChanges(task, changes)
	for _, sd := range sectionDiffs {
		sd.AnalysisID = analysisID
	}

	ack, err := w.finalize(ctx, diff, task, sectionDiffs, calledLLM)
	if err != nil {
		metrics.RecordError(string(errs.Classify(err)), "diff")
		timer.RecordJob("diff", "error")
		return ack, err
	}
	timer.RecordJob("diff", "completed")
	return ack, nil
}

// callLLM sends the unified diff to the LLM, persists the raw result as
// an Analysis row, and returns the parsed changes plus that row's id.
// The returned bool is the caller's ack decision; false with a nil
// error means the budget denied the call and the task is left unacked.
func (w *Worker) callLLM(ctx context.Context, task models.DiffTask, unified string) ([]rawChange, string, bool, error) {
	estimate := int64(len(unified)/4 + w.maxOutput)
	reservation, err := w.budget.Reserve(ctx, w.scope, estimate)
	if err != nil {
		w.logger.Warn().Str("job_id", task.JobID).Err(err).Msg("budget denied, deferring task")
		metrics.RecordBudgetExhausted(w.scope)
		time.Sleep(w.cooldown)
		return nil, "", false, nil
	}
	if remaining, err := w.budget.Remaining(ctx, w.scope); err == nil {
		metrics.SetBudgetRemaining(w.scope, remaining)
	}

	messages := []interfaces.ChatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: fmt.Sprintf("Section: %s (ordinal %d)\n\n%s", task.Title, task.Ordinal, unified)},
	}

	result, err := w.llm.Complete(ctx, w.model, messages, w.maxOutput)
	if err != nil {
		kind := errs.Classify(err)
		metrics.RecordError(string(kind), "diff")
		if kind == errs.KindTransient || kind == errs.KindRateLimited {
			_ = w.budget.Release(ctx, reservation)
			return nil, "", false, fmt.Errorf("llm call failed, retrying later: %w", err)
		}
		_ = w.budget.Release(ctx, reservation)
		return nil, "", true, fmt.Errorf("llm call failed fatally for job %s: %w", task.JobID, err)
	}

	changes, ok := parseChangeResponse(result.Content)
	if !ok {
		_ = w.budget.Release(ctx, reservation)
		return nil, "", true, fmt.Errorf("unparseable diff response for job %s", task.JobID)
	}

	analysis := &models.Analysis{
		ID:               uuid.NewString(),
		JobID:            task.JobID,
		FilingID:         task.CurrentFilingID,
		SectionID:        task.CurrentSectionID,
		Type:             models.AnalysisTypeSectionDiff,
		Model:            w.model,
		Content:          result.Content,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TotalTokens:      result.TotalTokens,
	}
	if err := w.ds.Analyses().Create(ctx, analysis); err != nil {
		_ = w.budget.Release(ctx, reservation)
		return nil, "", true, fmt.Errorf("failed to persist analysis for job %s: %w", task.JobID, err)
	}
	if err := w.budget.Commit(ctx, reservation, int64(result.TotalTokens)); err != nil {
		w.logger.Warn().Str("job_id", task.JobID).Err(err).Msg("failed to commit budget reservation")
	}
	metrics.RecordTokensUsed(w.scope, int64(result.TotalTokens))
	if remaining, err := w.budget.Remaining(ctx, w.scope); err == nil {
		metrics.SetBudgetRemaining(w.scope, remaining)
	}
	return changes, analysis.ID, true, nil
}

// finalize persists the normalised section diffs (if any), advances
// the Diff's progress counter and status. It acks on success; a failed
// datastore write returns false so the task is redelivered.
func (w *Worker) finalize(ctx context.Context, diff *models.Diff, task models.DiffTask, sectionDiffs []*models.SectionDiff, calledLLM bool) (bool, error) {
	if err := w.ds.Diffs().ClearSectionDiffsForOrdinal(ctx, diff.ID, task.Ordinal); err != nil {
		return false, fmt.Errorf("failed to clear prior section diffs for diff %s ordinal %d: %w", diff.ID, task.Ordinal, err)
	}

	if !calledLLM {
		if err := w.ds.Analyses().DeleteByJobID(ctx, task.JobID); err != nil {
			w.logger.Warn().Str("job_id", task.JobID).Err(err).Msg("failed to clear stale analysis")
		}
	}

	if len(sectionDiffs) > 0 {
		if err := w.ds.Diffs().CreateSectionDiffs(ctx, sectionDiffs); err != nil {
			return false, fmt.Errorf("failed to persist section diffs for diff %s: %w", diff.ID, err)
		}
	}

	if err := w.bumpProgress(ctx, diff); err != nil {
		return false, fmt.Errorf("failed to update diff progress for %s: %w", diff.ID, err)
	}
	return true, nil
}

// bumpProgress increments processed_sections by one via UpdateProgress's
// CAS, reloading and retrying when another diff worker updated the same
// diff_id between our read and our write (errs.ErrConflict). Bounded so a
// genuinely stuck row doesn't spin forever.
func (w *Worker) bumpProgress(ctx context.Context, diff *models.Diff) error {
	const maxAttempts = 10
	for attempt := 0; attempt < maxAttempts; attempt++ {
		processed := diff.ProcessedSections + 1
		status := diff.Status
		if status == models.DiffStatusPending || status == models.DiffStatusSkipped {
			status = models.DiffStatusProcessing
		}
		if processed >= diff.ExpectedSections && status != models.DiffStatusFailed {
			status = models.DiffStatusCompleted
		}

		err := w.ds.Diffs().UpdateProgress(ctx, diff.ID, diff.ProcessedSections, processed, status, "")
		if err == nil {
			return nil
		}
		if !errors.Is(err, errs.ErrConflict) {
			return err
		}

		fresh, reloadErr := w.ds.Diffs().GetByID(ctx, diff.ID)
		if reloadErr != nil {
			return reloadErr
		}
		diff = fresh
	}
	return fmt.Errorf("diff %s: exceeded %d attempts to apply processed_sections CAS", diff.ID, maxAttempts)
}

func synthesizeSingleChange(current, previous *models.Section) rawChange {
	confidence := 1.0
	if current != nil {
		excerpt := current.Content
		if len(excerpt) > 280 {
			excerpt = excerpt[:280]
		}
		return rawChange{
			ChangeType: string(models.ChangeTypeAddition),
			Summary:    "Section added: " + current.Title,
			Impact:     string(models.ImpactMedium),
			Confidence: &confidence,
			Evidence:   excerpt,
		}
	}
	excerpt := ""
	title := ""
	if previous != nil {
		excerpt = previous.Content
		title = previous.Title
		if len(excerpt) > 280 {
			excerpt = excerpt[:280]
		}
	}
	return rawChange{
		ChangeType: string(models.ChangeTypeRemoval),
		Summary:    "Section removed: " + title,
		Impact:     string(models.ImpactMedium),
		Confidence: &confidence,
		Evidence:   excerpt,
	}
}

// buildUnifiedDiff computes a line-based diff between previous and
// current content, truncated to maxChars with an ellipsis marker.
// empty is true when one side has no content at all, meaning there is
// nothing to meaningfully diff and the LLM call should be skipped.
func buildUnifiedDiff(current, previous *models.Section, maxChars int) (unified string, empty bool) {
	var curText, prevText string
	if current != nil {
		curText = current.Content
	}
	if previous != nil {
		prevText = previous.Content
	}
	if curText == "" || prevText == "" {
		return "", true
	}

	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(prevText, curText)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	var sb strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			writeMarkedLines(&sb, d.Text, "+ ")
		case diffmatchpatch.DiffDelete:
			writeMarkedLines(&sb, d.Text, "- ")
		case diffmatchpatch.DiffEqual:
			writeMarkedLines(&sb, d.Text, "  ")
		}
	}
	unified = sb.String()
	if len(unified) > maxChars {
		head := maxChars * 2 / 3
		tail := maxChars - head - len(ellipsis)
		if tail < 0 {
			tail = 0
		}
		unified = unified[:head] + ellipsis + unified[len(unified)-tail:]
	}
	return unified, false
}

func writeMarkedLines(sb *strings.Builder, text, marker string) {
	for _, line := range strings.Split(strings.TrimSuffix(text, "\n"), "\n") {
		if line == "" {
			continue
		}
		sb.WriteString(marker)
		sb.WriteString(line)
		sb.WriteString("\n")
	}
}

func parseChangeResponse(content string) ([]rawChange, bool) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var arr []rawChange
	if err := json.Unmarshal([]byte(content), &arr); err != nil {
		return nil, false
	}
	return arr, true
}

// normalizeChanges clamps change_type/impact to their allowed sets,
// defaults missing ones to update/medium, trims summary to 160 chars,
// and coerces confidence to [0,1].
func normalizeChanges(task models.DiffTask, raw []rawChange) []*models.SectionDiff {
	out := make([]*models.SectionDiff, 0, len(raw))
	for _, r := range raw {
		changeType := models.ChangeType(strings.ToLower(strings.TrimSpace(r.ChangeType)))
		if !validChangeTypes[changeType] {
			changeType = models.ChangeTypeUpdate
		}

		impact := models.Impact(strings.ToLower(strings.TrimSpace(r.Impact)))
		if !validImpacts[impact] {
			impact = models.ImpactMedium
		}

		summary := strings.TrimSpace(r.Summary)
		if len(summary) > 160 {
			summary = summary[:160]
		}

		var confidence *float64
		if r.Confidence != nil {
			c := *r.Confidence
			if c < 0 {
				c = 0
			}
			if c > 1 {
				c = 1
			}
			confidence = &c
		}

		out = append(out, &models.SectionDiff{
			DiffID:            task.DiffID,
			CurrentSectionID:  task.CurrentSectionID,
			PreviousSectionID: task.PreviousSectionID,
			Ordinal:           task.Ordinal,
			Title:             task.Title,
			ChangeType:        changeType,
			Summary:           summary,
			Impact:            impact,
			Confidence:        confidence,
			Evidence:          r.Evidence,
		})
	}
	return out
}
