package surreal

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
)

const entitySelectFields = "entity_id as id, filing_id, section_id, analysis_id, type, label, confidence, excerpt, attributes"

// EntityRepo persists structured attributes extracted from sections.
type EntityRepo struct {
	db     *surrealdb.DB
	logger *common.Logger
}

func (r *EntityRepo) CreateBatch(ctx context.Context, entities []*models.Entity) error {
	for _, e := range entities {
		if err := execStmt(ctx, r.db, r.createStmt(e)); err != nil {
			return fmt.Errorf("failed to create entity for section %s: %w", e.SectionID, err)
		}
	}
	return nil
}

// createStmt fills in a new entity's defaults and builds its CREATE
// statement without executing it, for inclusion in
// ReplaceSectionEntities' transaction.
func (r *EntityRepo) createStmt(e *models.Entity) stmt {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return stmt{
		sql: `CREATE $rid SET
			entity_id = $entity_id, filing_id = $filing_id, section_id = $section_id, analysis_id = $analysis_id,
			type = $type, label = $label, confidence = $confidence, excerpt = $excerpt, attributes = $attributes`,
		vars: map[string]any{
			"rid":         surrealmodels.NewRecordID("entity", e.ID),
			"entity_id":   e.ID,
			"filing_id":   e.FilingID,
			"section_id":  e.SectionID,
			"analysis_id": e.AnalysisID,
			"type":        e.Type,
			"label":       e.Label,
			"confidence":  e.Confidence,
			"excerpt":     e.Excerpt,
			"attributes":  e.Attributes,
		},
	}
}

// DeleteBySection removes every entity extracted from sectionID, so an
// entity worker redelivery or a reparse can replace the set instead of
// accumulating duplicates.
func (r *EntityRepo) DeleteBySection(ctx context.Context, sectionID string) error {
	if err := execStmt(ctx, r.db, r.deleteBySectionStmt(sectionID)); err != nil {
		return fmt.Errorf("failed to delete entities for section %s: %w", sectionID, err)
	}
	return nil
}

func (r *EntityRepo) deleteBySectionStmt(sectionID string) stmt {
	return stmt{sql: "DELETE entity WHERE section_id = $section_id", vars: map[string]any{"section_id": sectionID}}
}

func (r *EntityRepo) ListByFiling(ctx context.Context, filingID string) ([]*models.Entity, error) {
	sql := "SELECT " + entitySelectFields + " FROM entity WHERE filing_id = $filing_id"
	results, err := surrealdb.Query[[]models.Entity](ctx, r.db, sql, map[string]any{"filing_id": filingID})
	if err != nil {
		return nil, fmt.Errorf("failed to list entities for filing %s: %w", filingID, err)
	}
	var out []*models.Entity
	if results != nil && len(*results) > 0 {
		for i := range (*results)[0].Result {
			out = append(out, &(*results)[0].Result[i])
		}
	}
	return out, nil
}
