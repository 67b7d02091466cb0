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

const diffSelectFields = "diff_id as id, current_filing_id, previous_filing_id, status, expected_sections, processed_sections, summary, last_error, created_at, updated_at"

// DiffRepo persists Diff and SectionDiff records.
type DiffRepo struct {
	db     *surrealdb.DB
	logger *common.Logger
}

func (r *DiffRepo) Create(ctx context.Context, diff *models.Diff) error {
	if diff.ID == "" {
		diff.ID = uuid.NewString()
	}
	if diff.Status == "" {
		diff.Status = models.DiffStatusPending
	}
	now := time.Now()
	if diff.CreatedAt.IsZero() {
		diff.CreatedAt = now
	}
	diff.UpdatedAt = now

	sql := `UPSERT $rid SET
		diff_id = $diff_id, current_filing_id = $current_filing_id, previous_filing_id = $previous_filing_id,
		status = $status, expected_sections = $expected_sections, processed_sections = $processed_sections,
		summary = $summary, last_error = $last_error, created_at = $created_at, updated_at = $updated_at`
	vars := map[string]any{
		"rid":                surrealmodels.NewRecordID("diff", diff.CurrentFilingID),
		"diff_id":            diff.ID,
		"current_filing_id":  diff.CurrentFilingID,
		"previous_filing_id": diff.PreviousFilingID,
		"status":             diff.Status,
		"expected_sections":  diff.ExpectedSections,
		"processed_sections": diff.ProcessedSections,
		"summary":            diff.Summary,
		"last_error":         diff.LastError,
		"created_at":         diff.CreatedAt,
		"updated_at":         diff.UpdatedAt,
	}
	if _, err := surrealdb.Query[any](ctx, r.db, sql, vars); err != nil {
		return fmt.Errorf("failed to create diff for filing %s: %w", diff.CurrentFilingID, err)
	}
	return nil
}

func (r *DiffRepo) GetByID(ctx context.Context, id string) (*models.Diff, error) {
	sql := "SELECT " + diffSelectFields + " FROM diff WHERE diff_id = $id LIMIT 1"
	results, err := surrealdb.Query[[]models.Diff](ctx, r.db, sql, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("failed to get diff %s: %w", id, err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, errs.ErrNotFound
	}
	diff := (*results)[0].Result[0]
	return &diff, nil
}

// GetByCurrentFilingID finds the Diff row keyed by its current filing,
// the same key the parser uses to upsert one Diff per filing.
func (r *DiffRepo) GetByCurrentFilingID(ctx context.Context, currentFilingID string) (*models.Diff, error) {
	sql := "SELECT " + diffSelectFields + " FROM diff WHERE current_filing_id = $id LIMIT 1"
	results, err := surrealdb.Query[[]models.Diff](ctx, r.db, sql, map[string]any{"id": currentFilingID})
	if err != nil {
		return nil, fmt.Errorf("failed to get diff for filing %s: %w", currentFilingID, err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, errs.ErrNotFound
	}
	diff := (*results)[0].Result[0]
	return &diff, nil
}

// ClearSectionDiffs removes every SectionDiff belonging to diffID,
// used by the parser to reset a diff's children before rescheduling.
func (r *DiffRepo) ClearSectionDiffs(ctx context.Context, diffID string) error {
	sql := "DELETE section_diff WHERE diff_id = $diff_id"
	if _, err := surrealdb.Query[any](ctx, r.db, sql, map[string]any{"diff_id": diffID}); err != nil {
		return fmt.Errorf("failed to clear section diffs for diff %s: %w", diffID, err)
	}
	return nil
}

// ClearSectionDiffsForOrdinal removes SectionDiffs for one (diff, ordinal)
// pair, used by the diff worker so a job redelivery replaces only its
// own ordinal's prior result.
func (r *DiffRepo) ClearSectionDiffsForOrdinal(ctx context.Context, diffID string, ordinal int) error {
	sql := "DELETE section_diff WHERE diff_id = $diff_id AND ordinal = $ordinal"
	vars := map[string]any{"diff_id": diffID, "ordinal": ordinal}
	if _, err := surrealdb.Query[any](ctx, r.db, sql, vars); err != nil {
		return fmt.Errorf("failed to clear section diffs for diff %s ordinal %d: %w", diffID, ordinal, err)
	}
	return nil
}

// UpdateProgress advances processed_sections/status/last_error with an
// optimistic-lock CAS on processed_sections: the WHERE clause only
// matches if the row's processed_sections still equals expectedProcessed,
// so two diff workers racing on different ordinals of the same diff_id
// cannot clobber each other's increment. Returns errs.ErrConflict when
// the row moved out from under the caller; callers should reload the
// Diff and retry with the fresh count.
func (r *DiffRepo) UpdateProgress(ctx context.Context, id string, expectedProcessed, processedSections int, status models.DiffStatus, lastError string) error {
	diff, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	sql := `UPDATE $rid SET processed_sections = $processed, status = $status, last_error = $last_error, updated_at = $now
		WHERE processed_sections = $expected`
	vars := map[string]any{
		"rid":        surrealmodels.NewRecordID("diff", diff.CurrentFilingID),
		"processed":  processedSections,
		"status":     status,
		"last_error": lastError,
		"now":        time.Now(),
		"expected":   expectedProcessed,
	}
	results, err := surrealdb.Query[[]models.Diff](ctx, r.db, sql, vars)
	if err != nil {
		return fmt.Errorf("failed to update diff progress for %s: %w", id, err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return errs.ErrConflict
	}
	return nil
}

func (r *DiffRepo) CreateSectionDiffs(ctx context.Context, diffs []*models.SectionDiff) error {
	for _, sd := range diffs {
		if sd.ID == "" {
			sd.ID = uuid.NewString()
		}
		if sd.CreatedAt.IsZero() {
			sd.CreatedAt = time.Now()
		}
		sql := `CREATE $rid SET
			section_diff_id = $id, diff_id = $diff_id, current_section_id = $current_section_id,
			previous_section_id = $previous_section_id, analysis_id = $analysis_id, ordinal = $ordinal,
			title = $title, change_type = $change_type, summary = $summary, impact = $impact,
			confidence = $confidence, evidence = $evidence, created_at = $created_at`
		vars := map[string]any{
			"rid":                 surrealmodels.NewRecordID("section_diff", sd.ID),
			"id":                  sd.ID,
			"diff_id":             sd.DiffID,
			"current_section_id":  sd.CurrentSectionID,
			"previous_section_id": sd.PreviousSectionID,
			"analysis_id":         sd.AnalysisID,
			"ordinal":             sd.Ordinal,
			"title":               sd.Title,
			"change_type":         sd.ChangeType,
			"summary":             sd.Summary,
			"impact":              sd.Impact,
			"confidence":          sd.Confidence,
			"evidence":            sd.Evidence,
			"created_at":          sd.CreatedAt,
		}
		if _, err := surrealdb.Query[any](ctx, r.db, sql, vars); err != nil {
			return fmt.Errorf("failed to create section diff for diff %s: %w", sd.DiffID, err)
		}
	}
	return nil
}
