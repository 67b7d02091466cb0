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

const filingSelectFields = "filing_id as id, accession, issuer_id, form_type, filed_at, source_urls, status, downloaded_at, created_at"

// FilingRepo persists Filing records, keyed uniquely by accession number.
type FilingRepo struct {
	db     *surrealdb.DB
	logger *common.Logger
}

func (r *FilingRepo) GetByAccession(ctx context.Context, accession string) (*models.Filing, error) {
	sql := "SELECT " + filingSelectFields + " FROM filing WHERE accession = $accession LIMIT 1"
	return r.queryOne(ctx, sql, map[string]any{"accession": accession})
}

func (r *FilingRepo) GetByID(ctx context.Context, id string) (*models.Filing, error) {
	sql := "SELECT " + filingSelectFields + " FROM filing WHERE filing_id = $id LIMIT 1"
	return r.queryOne(ctx, sql, map[string]any{"id": id})
}

func (r *FilingRepo) queryOne(ctx context.Context, sql string, vars map[string]any) (*models.Filing, error) {
	results, err := surrealdb.Query[[]models.Filing](ctx, r.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to query filing: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, errs.ErrNotFound
	}
	filing := (*results)[0].Result[0]
	return &filing, nil
}

// Create inserts a new filing, erroring if the accession number already exists.
func (r *FilingRepo) Create(ctx context.Context, filing *models.Filing) error {
	if _, err := r.GetByAccession(ctx, filing.Accession); err == nil {
		return errs.ErrAlreadyExists
	}
	return execStmt(ctx, r.db, r.createStmt(filing))
}

// createStmt fills in a new filing's defaults and builds its CREATE
// statement without executing it, so callers assembling a larger
// transaction (the downloader's issuer+filing+blob write) can include
// it alongside other repos' statements.
func (r *FilingRepo) createStmt(filing *models.Filing) stmt {
	if filing.ID == "" {
		filing.ID = uuid.NewString()
	}
	if filing.Status == "" {
		filing.Status = models.FilingStatusPending
	}
	if filing.CreatedAt.IsZero() {
		filing.CreatedAt = time.Now()
	}

	return stmt{
		sql: `CREATE $rid SET
			filing_id = $filing_id, accession = $accession, issuer_id = $issuer_id,
			form_type = $form_type, filed_at = $filed_at, source_urls = $source_urls,
			status = $status, downloaded_at = $downloaded_at, created_at = $created_at`,
		vars: map[string]any{
			"rid":           surrealmodels.NewRecordID("filing", filing.ID),
			"filing_id":     filing.ID,
			"accession":     filing.Accession,
			"issuer_id":     filing.IssuerID,
			"form_type":     filing.FormType,
			"filed_at":      filing.FiledAt,
			"source_urls":   filing.SourceURLs,
			"status":        filing.Status,
			"downloaded_at": filing.DownloadedAt,
			"created_at":    filing.CreatedAt,
		},
	}
}

// UpdateStatus advances a filing's lifecycle state.
func (r *FilingRepo) UpdateStatus(ctx context.Context, id string, status models.FilingStatus) error {
	return execStmt(ctx, r.db, r.updateStatusStmt(id, status))
}

func (r *FilingRepo) updateStatusStmt(id string, status models.FilingStatus) stmt {
	sql := "UPDATE $rid SET status = $status"
	vars := map[string]any{"rid": surrealmodels.NewRecordID("filing", id), "status": status}
	if status == models.FilingStatusDownloaded {
		sql = "UPDATE $rid SET status = $status, downloaded_at = $now"
		vars["now"] = time.Now()
	}
	return stmt{sql: sql, vars: vars}
}

// PreviousForIssuer finds the most recent filing of the same form type
// by the same issuer, filed strictly before `before`. Used by the
// parser's diff scheduling to locate the comparison baseline.
func (r *FilingRepo) PreviousForIssuer(ctx context.Context, issuerID, formType string, before time.Time) (*models.Filing, error) {
	sql := "SELECT " + filingSelectFields + ` FROM filing
		WHERE issuer_id = $issuer_id AND form_type = $form_type AND filed_at < $before
		ORDER BY filed_at DESC LIMIT 1`
	vars := map[string]any{"issuer_id": issuerID, "form_type": formType, "before": before}
	return r.queryOne(ctx, sql, vars)
}

// ListByFilter returns filings matching status and/or formType, either of
// which may be left empty to mean "any". Used by the reprocessing CLI.
func (r *FilingRepo) ListByFilter(ctx context.Context, status models.FilingStatus, formType string) ([]*models.Filing, error) {
	sql := "SELECT " + filingSelectFields + " FROM filing WHERE true"
	vars := map[string]any{}
	if status != "" {
		sql += " AND status = $status"
		vars["status"] = status
	}
	if formType != "" {
		sql += " AND form_type = $form_type"
		vars["form_type"] = formType
	}
	sql += " ORDER BY filed_at DESC"

	results, err := surrealdb.Query[[]models.Filing](ctx, r.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to list filings: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	filings := make([]*models.Filing, 0, len((*results)[0].Result))
	for i := range (*results)[0].Result {
		filings = append(filings, &(*results)[0].Result[i])
	}
	return filings, nil
}
