package surreal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/errs"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
)

const analysisSelectFields = "analysis_id as id, job_id, filing_id, section_id, type, model, content, prompt_tokens, completion_tokens, total_tokens, extra, created_at"

// AnalysisRepo persists LLM job results, deduped by job_id — a worker
// that redelivers a message after a crash-before-ack must not double-count.
type AnalysisRepo struct {
	db     *surrealdb.DB
	logger *common.Logger
}

func (r *AnalysisRepo) Create(ctx context.Context, analysis *models.Analysis) error {
	if err := execStmt(ctx, r.db, r.createStmt(analysis)); err != nil {
		return fmt.Errorf("failed to create analysis for job %s: %w", analysis.JobID, err)
	}
	return nil
}

// createStmt fills in a new analysis row's defaults and builds its
// UPSERT statement without executing it, so the entity worker can
// commit the analysis alongside its child entity rows in one
// transaction via ReplaceSectionEntities.
func (r *AnalysisRepo) createStmt(analysis *models.Analysis) stmt {
	if analysis.ID == "" {
		analysis.ID = uuid.NewString()
	}
	if analysis.CreatedAt.IsZero() {
		analysis.CreatedAt = time.Now()
	}

	return stmt{
		sql: `UPSERT $rid SET
			analysis_id = $analysis_id, job_id = $job_id, filing_id = $filing_id, section_id = $section_id,
			type = $type, model = $model, content = $content, prompt_tokens = $prompt_tokens,
			completion_tokens = $completion_tokens, total_tokens = $total_tokens, extra = $extra, created_at = $created_at`,
		vars: map[string]any{
			"rid":               surrealmodels.NewRecordID("analysis", analysis.JobID),
			"analysis_id":       analysis.ID,
			"job_id":            analysis.JobID,
			"filing_id":         analysis.FilingID,
			"section_id":        analysis.SectionID,
			"type":              analysis.Type,
			"model":             analysis.Model,
			"content":           analysis.Content,
			"prompt_tokens":     analysis.PromptTokens,
			"completion_tokens": analysis.CompletionTokens,
			"total_tokens":      analysis.TotalTokens,
			"extra":             analysis.Extra,
			"created_at":        analysis.CreatedAt,
		},
	}
}

// DeleteByJobID removes an Analysis row, used by the diff worker when
// a no-op comparison replaces a previously-recorded LLM result.
func (r *AnalysisRepo) DeleteByJobID(ctx context.Context, jobID string) error {
	sql := "DELETE analysis WHERE job_id = $job_id"
	if _, err := surrealdb.Query[any](ctx, r.db, sql, map[string]any{"job_id": jobID}); err != nil {
		return fmt.Errorf("failed to delete analysis for job %s: %w", jobID, err)
	}
	return nil
}

func (r *AnalysisRepo) GetByJobID(ctx context.Context, jobID string) (*models.Analysis, error) {
	sql := "SELECT " + analysisSelectFields + " FROM analysis WHERE job_id = $job_id LIMIT 1"
	results, err := surrealdb.Query[[]models.Analysis](ctx, r.db, sql, map[string]any{"job_id": jobID})
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis for job %s: %w", jobID, err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, errs.ErrNotFound
	}
	analysis := (*results)[0].Result[0]
	return &analysis, nil
}
