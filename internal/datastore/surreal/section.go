package surreal

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/errs"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
)

const sectionSelectFields = "section_id as id, filing_id, ordinal, title, content, content_hash"

// SectionRepo persists parsed Section records.
type SectionRepo struct {
	db     *surrealdb.DB
	logger *common.Logger
}

// CreateBatch inserts sections one at a time (SurrealDB's single-query
// multi-CREATE support is inconsistent across versions); each is keyed
// by filing+ordinal so re-parsing the same filing is idempotent.
func (r *SectionRepo) CreateBatch(ctx context.Context, sections []*models.Section) error {
	for _, s := range sections {
		if err := execStmt(ctx, r.db, r.createStmt(s)); err != nil {
			return fmt.Errorf("failed to create section %d for filing %s: %w", s.Ordinal, s.FilingID, err)
		}
	}
	return nil
}

// createStmt fills in a new section's defaults and builds its UPSERT
// statement without executing it, so the parser can replace a
// filing's whole section set atomically via ReplaceSections.
func (r *SectionRepo) createStmt(s *models.Section) stmt {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return stmt{
		sql: `UPSERT $rid SET
			section_id = $section_id, filing_id = $filing_id, ordinal = $ordinal,
			title = $title, content = $content, content_hash = $content_hash`,
		vars: map[string]any{
			"rid":          surrealmodels.NewRecordID("section", fmt.Sprintf("%s:%d", s.FilingID, s.Ordinal)),
			"section_id":   s.ID,
			"filing_id":    s.FilingID,
			"ordinal":      s.Ordinal,
			"title":        s.Title,
			"content":      s.Content,
			"content_hash": s.ContentHash,
		},
	}
}

// deleteByFilingStmt builds DeleteByFiling's statement without
// executing it, for inclusion in ReplaceSections' transaction.
func (r *SectionRepo) deleteByFilingStmt(filingID string) stmt {
	return stmt{sql: "DELETE section WHERE filing_id = $filing_id", vars: map[string]any{"filing_id": filingID}}
}

// GetByID loads a single section, used by the diff worker to resolve
// the current/previous section content referenced by a DiffTask.
func (r *SectionRepo) GetByID(ctx context.Context, id string) (*models.Section, error) {
	sql := "SELECT " + sectionSelectFields + " FROM section WHERE section_id = $id LIMIT 1"
	results, err := surrealdb.Query[[]models.Section](ctx, r.db, sql, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("failed to get section %s: %w", id, err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, errs.ErrNotFound
	}
	section := (*results)[0].Result[0]
	return &section, nil
}

// DeleteByFiling removes every section row for filingID, used by the
// parser to fully replace a filing's sections on each (re-)parse.
func (r *SectionRepo) DeleteByFiling(ctx context.Context, filingID string) error {
	if err := execStmt(ctx, r.db, r.deleteByFilingStmt(filingID)); err != nil {
		return fmt.Errorf("failed to delete sections for filing %s: %w", filingID, err)
	}
	return nil
}

func (r *SectionRepo) ListByFiling(ctx context.Context, filingID string) ([]*models.Section, error) {
	sql := "SELECT " + sectionSelectFields + " FROM section WHERE filing_id = $filing_id ORDER BY ordinal ASC"
	results, err := surrealdb.Query[[]models.Section](ctx, r.db, sql, map[string]any{"filing_id": filingID})
	if err != nil {
		return nil, fmt.Errorf("failed to list sections for filing %s: %w", filingID, err)
	}
	var out []*models.Section
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			out = append(out, &(*results)[0].Result[i])
		}
	}
	return out, nil
}
