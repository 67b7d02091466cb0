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

const blobSelectFields = "blob_id as id, filing_id, kind, location, content_type, checksum, created_at"

// BlobRepo persists Blob metadata rows; bytes live in the object store.
type BlobRepo struct {
	db     *surrealdb.DB
	logger *common.Logger
}

func (r *BlobRepo) Create(ctx context.Context, blob *models.Blob) error {
	return execStmt(ctx, r.db, r.createStmt(blob))
}

// createStmt fills in a new blob's defaults and builds its UPSERT
// statement without executing it, so the downloader can commit every
// fetched artifact's blob row together with the filing's DOWNLOADED
// transition in one transaction.
func (r *BlobRepo) createStmt(blob *models.Blob) stmt {
	if blob.ID == "" {
		blob.ID = uuid.NewString()
	}
	if blob.CreatedAt.IsZero() {
		blob.CreatedAt = time.Now()
	}

	return stmt{
		sql: `UPSERT $rid SET
			blob_id = $blob_id, filing_id = $filing_id, kind = $kind,
			location = $location, content_type = $content_type, checksum = $checksum, created_at = $created_at`,
		vars: map[string]any{
			"rid":          surrealmodels.NewRecordID("blob", blob.FilingID+":"+string(blob.Kind)),
			"blob_id":      blob.ID,
			"filing_id":    blob.FilingID,
			"kind":         blob.Kind,
			"location":     blob.Location,
			"content_type": blob.ContentType,
			"checksum":     blob.Checksum,
			"created_at":   blob.CreatedAt,
		},
	}
}

func (r *BlobRepo) GetByFilingAndKind(ctx context.Context, filingID string, kind models.BlobKind) (*models.Blob, error) {
	sql := "SELECT " + blobSelectFields + " FROM blob WHERE filing_id = $filing_id AND kind = $kind LIMIT 1"
	vars := map[string]any{"filing_id": filingID, "kind": kind}
	results, err := surrealdb.Query[[]models.Blob](ctx, r.db, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, errs.ErrNotFound
	}
	blob := (*results)[0].Result[0]
	return &blob, nil
}
