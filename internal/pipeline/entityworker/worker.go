// Package entityworker implements the entity-queue worker pool: it
// mines a filing section chunk for structured attributes (financial
// metrics, people, organizations, risk factors, ...) via the
// configured LLM endpoint.
package entityworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/errs"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/interfaces"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/metrics"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
)

const systemPrompt = `You extract structured entities from a section of a regulatory filing.
Return ONLY a JSON array, no markdown fences. Each element:
{"type": "financial_metric|person|organization|date|risk_factor|legal_proceeding|other",
 "entity": "...", "confidence": 0.0-1.0, "evidence": "..."}
Use "other" for anything that doesn't fit. Omit elements with no clear label.`

var validTypes = map[models.EntityType]bool{
	models.EntityTypeFinancialMetric: true,
	models.EntityTypePerson:          true,
	models.EntityTypeOrganization:    true,
	models.EntityTypeDate:            true,
	models.EntityTypeRiskFactor:      true,
	models.EntityTypeLegalProceeding: true,
	models.EntityTypeOther:           true,
}

// rawEntity is the JSON shape the LLM is asked to return per entity.
type rawEntity struct {
	Type       string   `json:"type"`
	Entity     string   `json:"entity"`
	Label      string   `json:"label"`
	Confidence *float64 `json:"confidence"`
	Evidence   string   `json:"evidence"`
}

// wrappedEntities tolerates a {"entities": [...]} response shape in
// addition to a bare JSON array.
type wrappedEntities struct {
	Entities []rawEntity `json:"entities"`
}

// Worker pops chunk tasks from the entity queue and produces an
// entity_extraction Analysis row plus child Entity rows per chunk.
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

// New builds an entity-queue worker.
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
		scope:      "entity:" + model,
		logger:     common.NewSilentLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run pops entity tasks until ctx is cancelled.
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
			w.logger.Warn().Err(err).Msg("entity queue pop failed")
			continue
		}
		if msg == nil {
			continue
		}

		ack, err := w.handle(ctx, msg)
		if err != nil {
			w.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("entity task failed")
		}
		if ack {
			if err := w.queue.Ack(ctx, msg.JobID, msg.Token); err != nil {
				w.logger.Warn().Err(err).Str("job_id", msg.JobID).Msg("failed to ack entity task")
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg *models.Message) (bool, error) {
	var task models.EntityTask
	if err := json.Unmarshal(msg.Payload, &task); err != nil {
		return true, fmt.Errorf("failed to decode entity task: %w", err)
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

	estimate := int64(task.EstimatedTokens + w.maxOutput)
	if estimate < int64(len(task.Content)/4+w.maxOutput) {
		estimate = int64(len(task.Content)/4 + w.maxOutput)
	}
	timer := metrics.NewTimer()

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
		{Role: "user", Content: fmt.Sprintf("Accession: %s\nSection: %s\n\n%s", filing.Accession, task.Title, task.Content)},
	}

	result, err := w.llm.Complete(ctx, w.model, messages, w.maxOutput)
	if err != nil {
		kind := errs.Classify(err)
		metrics.RecordError(string(kind), "entity")
		if kind == errs.KindTransient || kind == errs.KindRateLimited {
			_ = w.budget.Release(ctx, reservation)
			timer.RecordJob("entity", "retry")
			return false, fmt.Errorf("llm call failed, retrying later: %w", err)
		}
		_ = w.budget.Release(ctx, reservation)
		timer.RecordJob("entity", "dropped")
		return true, fmt.Errorf("llm call failed fatally, dropping job %s: %w", task.JobID, err)
	}

	raw, ok := parseEntityResponse(result.Content)
	if !ok {
		_ = w.budget.Release(ctx, reservation)
		metrics.RecordError("parse", "entity")
		timer.RecordJob("entity", "dropped")
		return true, fmt.Errorf("unparseable entity response for job %s, dropping", task.JobID)
	}

	analysis := &models.Analysis{
		ID:               uuid.NewString(),
		JobID:            task.JobID,
		FilingID:         task.FilingID,
		SectionID:        task.SectionID,
		Type:             models.AnalysisTypeEntityExtract,
		Model:            w.model,
		Content:          result.Content,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
		TotalTokens:      result.TotalTokens,
	}
	entities := normalizeEntities(task.FilingID, task.SectionID, analysis.ID, raw)
	// ReplaceSectionEntities commits the analysis row together with the
	// section's full entity replacement atomically, so a crash between
	// the delete and the inserts can never leave a section's entities
	// wiped with no replacement, or an analysis row recorded with
	// entities that never landed.
	if err := w.ds.ReplaceSectionEntities(ctx, analysis, task.SectionID, entities); err != nil {
		_ = w.budget.Release(ctx, reservation)
		timer.RecordJob("entity", "error")
		return true, fmt.Errorf("failed to persist analysis/entities for job %s: %w", task.JobID, err)
	}

	if err := w.budget.Commit(ctx, reservation, int64(result.TotalTokens)); err != nil {
		w.logger.Warn().Str("job_id", task.JobID).Err(err).Msg("failed to commit budget reservation")
	}
	metrics.RecordTokensUsed(w.scope, int64(result.TotalTokens))
	if remaining, err := w.budget.Remaining(ctx, w.scope); err == nil {
		metrics.SetBudgetRemaining(w.scope, remaining)
	}
	timer.RecordJob("entity", "completed")
	return true, nil
}

// parseEntityResponse parses either a bare JSON array or a
// {"entities": [...]}-wrapped one; a non-array, non-wrapped response is
// a parse error.
func parseEntityResponse(content string) ([]rawEntity, bool) {
	content = stripMarkdownFences(content)

	var arr []rawEntity
	if err := json.Unmarshal([]byte(content), &arr); err == nil {
		return arr, true
	}

	var wrapped wrappedEntities
	if err := json.Unmarshal([]byte(content), &wrapped); err == nil {
		return wrapped.Entities, true
	}
	return nil, false
}

func stripMarkdownFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// normalizeEntities lowercases/snake-cases types against the closed
// set (falling back to "other"), clamps confidence to [0,1], and drops
// entries without a label.
func normalizeEntities(filingID, sectionID, analysisID string, raw []rawEntity) []*models.Entity {
	out := make([]*models.Entity, 0, len(raw))
	for _, r := range raw {
		label := r.Entity
		if label == "" {
			label = r.Label
		}
		label = strings.TrimSpace(label)
		if label == "" {
			continue
		}

		entityType := models.EntityType(strings.ToLower(strings.ReplaceAll(strings.TrimSpace(r.Type), " ", "_")))
		if !validTypes[entityType] {
			entityType = models.EntityTypeOther
		}

		confidence := r.Confidence
		if confidence != nil {
			c := *confidence
			if c < 0 {
				c = 0
			}
			if c > 1 {
				c = 1
			}
			confidence = &c
		}

		out = append(out, &models.Entity{
			FilingID:   filingID,
			SectionID:  sectionID,
			AnalysisID: analysisID,
			Type:       entityType,
			Label:      label,
			Confidence: confidence,
			Excerpt:    r.Evidence,
		})
	}
	return out
}
